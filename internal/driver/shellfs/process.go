package shellfs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// Procs implements driver.ProcessManager over nohup, for providers without
// a native background-process API. Process ids are the in-sandbox PIDs.
type Procs struct {
	provider string
	runner   Runner
}

// NewProcs builds a shell-backed process manager.
func NewProcs(provider string, runner Runner) *Procs {
	return &Procs{provider: provider, runner: runner}
}

func (p *Procs) StartProcess(ctx context.Context, id string, opts driver.StartProcessOptions) (driver.ProcessInfo, error) {
	script := Script(driver.RunCommand{
		Cmd:  opts.Cmd,
		Args: opts.Args,
		Cwd:  opts.Cwd,
		Env:  opts.Env,
	})

	// The inner script runs detached; its PID comes back on stdout. Output
	// lands in a per-exec-session log so a later read can recover it.
	line := fmt.Sprintf("nohup sh -c %s >/tmp/proc-$$.log 2>&1 & echo $!", Quote(Encode(script)))

	res, err := p.runner.Run(ctx, id, driver.RunCommand{Cmd: line})
	if err != nil {
		return driver.ProcessInfo{}, err
	}
	if res.ExitCode != 0 {
		message := strings.TrimSpace(res.Stderr)
		if message == "" {
			message = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return driver.ProcessInfo{}, errdefs.Classify(p.provider, "start_process", 0, "", message, nil)
	}

	pid := strings.TrimSpace(res.Stdout)
	if _, err := strconv.Atoi(pid); err != nil {
		return driver.ProcessInfo{}, errdefs.Newf(errdefs.KindProvider,
			"%s: background launch returned no pid (got %q)", p.provider, pid)
	}

	command := opts.Cmd
	if len(opts.Args) > 0 {
		command += " " + strings.Join(opts.Args, " ")
	}
	return driver.ProcessInfo{ID: pid, Command: command, Status: driver.ProcessRunning}, nil
}

func (p *Procs) StopProcess(ctx context.Context, id string, processID string) error {
	if _, err := strconv.Atoi(processID); err != nil {
		return errdefs.Newf(errdefs.KindValidation, "process id %q is not a pid", processID)
	}

	line := fmt.Sprintf("kill %s 2>/dev/null || kill -9 %s 2>/dev/null || true", processID, processID)
	res, err := p.runner.Run(ctx, id, driver.RunCommand{Cmd: line})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errdefs.Classify(p.provider, "stop_process", 0, "", strings.TrimSpace(res.Stderr), nil)
	}
	return nil
}
