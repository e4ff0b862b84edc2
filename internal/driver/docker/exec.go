package docker

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/shellfs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// process implements driver.Process plus the optional port and background
// process operations. Background processes ride on the shared shell-backed
// implementation with this service as its runner.
type process struct {
	a *Adapter
	*shellfs.Procs
}

func (p *process) Run(ctx context.Context, id string, cmd driver.RunCommand) (driver.RunResult, error) {
	ctx, cancel := p.a.withTimeout(ctx, cmd.Timeout())
	defer cancel()
	return p.a.execRun(ctx, id, cmd)
}

// Stream starts the command and forwards demultiplexed output chunks until
// the process exits. Cancelling ctx closes the attach connection, which
// kills the exec stream and closes the channel.
func (p *process) Stream(ctx context.Context, id string, cmd driver.RunCommand) (<-chan driver.ProcessChunk, error) {
	ctx, cancel := p.a.withTimeout(ctx, cmd.Timeout())

	created, err := p.a.cli.ContainerExecCreate(ctx, id, execConfig(cmd))
	if err != nil {
		cancel()
		return nil, dockerErr(err, "exec_create")
	}
	resp, err := p.a.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		cancel()
		return nil, dockerErr(err, "exec_attach")
	}

	ch := make(chan driver.ProcessChunk)
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		_, _ = stdcopy.StdCopy(
			chunkWriter{ctx: ctx, ch: ch, channel: driver.Stdout},
			chunkWriter{ctx: ctx, ch: ch, channel: driver.Stderr},
			resp.Reader,
		)
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		resp.Close()
		cancel()
	}()

	return ch, nil
}

// ProcessURLs synthesizes http URLs from the host-port mapping recorded at
// create time. Ports the sandbox never exposed are absent from the result.
func (p *process) ProcessURLs(ctx context.Context, id string, ports []int) (map[int]string, error) {
	mapped, err := p.a.hostPorts(ctx, id)
	if err != nil {
		return nil, err
	}
	urls := make(map[int]string, len(ports))
	for _, port := range ports {
		if hp, ok := mapped[port]; ok {
			urls[port] = fmt.Sprintf("http://%s:%d", p.a.advertiseHost, hp)
		}
	}
	return urls, nil
}

// execRun executes a command to completion, demultiplexing the attach
// stream into stdout/stderr buffers and recovering the exit code from an
// exec inspect.
func (a *Adapter) execRun(ctx context.Context, id string, cmd driver.RunCommand) (driver.RunResult, error) {
	created, err := a.cli.ContainerExecCreate(ctx, id, execConfig(cmd))
	if err != nil {
		return driver.RunResult{}, dockerErr(err, "exec_create")
	}
	resp, err := a.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return driver.RunResult{}, dockerErr(err, "exec_attach")
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		resp.Close()
		<-done
		return driver.RunResult{}, errdefs.FromContextErr(ctx.Err(), driver.ProviderDocker, "exec")
	case err := <-done:
		if err != nil {
			if ctx.Err() != nil {
				return driver.RunResult{}, errdefs.FromContextErr(ctx.Err(), driver.ProviderDocker, "exec")
			}
			return driver.RunResult{}, dockerErr(err, "exec")
		}
	}

	inspect, err := a.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return driver.RunResult{}, dockerErr(err, "exec_inspect")
	}
	return driver.RunResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// withTimeout bounds the call by the command timeout, or by the adapter
// default when the caller brought no deadline of their own.
func (a *Adapter) withTimeout(ctx context.Context, t time.Duration) (context.Context, context.CancelFunc) {
	if t > 0 {
		return context.WithTimeout(ctx, t)
	}
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, a.defaultTimeout)
	}
	return ctx, func() {}
}

func execConfig(cmd driver.RunCommand) types.ExecConfig {
	return types.ExecConfig{
		Cmd:          execArgv(cmd),
		Env:          envSlice(cmd.Env),
		WorkingDir:   cmd.Cwd,
		AttachStdout: true,
		AttachStderr: true,
	}
}

// execArgv treats a bare command without args as a shell line, matching the
// shell-backed providers, so `run("ls -la")` behaves the same everywhere.
func execArgv(cmd driver.RunCommand) []string {
	if len(cmd.Args) == 0 {
		return []string{"sh", "-c", cmd.Cmd}
	}
	return cmd.Argv()
}

// shellExit classifies a non-zero exit from an internal helper command.
func shellExit(op string, res driver.RunResult) error {
	if res.ExitCode == 0 {
		return nil
	}
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("%s exited with code %d", op, res.ExitCode)
	}
	return errdefs.Classify(driver.ProviderDocker, op, 0, "", msg, nil)
}

// chunkWriter adapts one demultiplexed stream onto the chunk channel. The
// payload is copied because stdcopy reuses its buffer between writes.
type chunkWriter struct {
	ctx     context.Context
	ch      chan<- driver.ProcessChunk
	channel driver.Channel
}

func (w chunkWriter) Write(p []byte) (int, error) {
	data := append([]byte(nil), p...)
	select {
	case w.ch <- driver.ProcessChunk{Channel: w.channel, Data: data}:
		return len(p), nil
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	}
}
