package vercel

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/httpapi"
)

// process drives the commands API. Vercel takes a real argv, so nothing is
// shell-quoted on this path.
type process struct {
	a *Adapter
}

type commandRequest struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Detached bool              `json:"detached,omitempty"`
}

type commandResult struct {
	ID       string `json:"id,omitempty"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// logFrame is one NDJSON line of a command's log stream.
type logFrame struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

func (p *process) commandsPath(id string) string {
	return "/v1/sandboxes/" + id + "/commands"
}

func (p *process) Run(ctx context.Context, id string, cmd driver.RunCommand) (driver.RunResult, error) {
	runCtx, cancel := runCtx(ctx, cmd.Timeout())
	defer cancel()

	command, args := shellWrap(cmd)
	req := commandRequest{Command: command, Args: args, Cwd: cmd.Cwd, Env: cmd.Env}
	var res commandResult
	if err := p.a.api.Do(runCtx, "POST", p.a.scoped(p.commandsPath(id)+"?wait=true"), req, &res); err != nil {
		return driver.RunResult{}, err
	}
	return driver.RunResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

// shellWrap adapts a bare command line to the argv the API expects.
// Commands with explicit args run as-is; a lone line runs under sh so
// shell-built operations keep working.
func shellWrap(cmd driver.RunCommand) (string, []string) {
	if len(cmd.Args) == 0 {
		return "sh", []string{"-c", cmd.Cmd}
	}
	return cmd.Cmd, cmd.Args
}

// start launches a detached command and returns its id.
func (p *process) start(ctx context.Context, id string, req commandRequest) (string, error) {
	req.Detached = true
	var res commandResult
	if err := p.a.api.Do(ctx, "POST", p.a.scoped(p.commandsPath(id)), req, &res); err != nil {
		return "", err
	}
	if res.ID == "" {
		return "", errdefs.New(errdefs.KindProvider, "vercel: command start returned no id")
	}
	return res.ID, nil
}

func (p *process) Stream(ctx context.Context, id string, cmd driver.RunCommand) (<-chan driver.ProcessChunk, error) {
	command, args := shellWrap(cmd)
	cmdID, err := p.start(ctx, id, commandRequest{Command: command, Args: args, Cwd: cmd.Cwd, Env: cmd.Env})
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	logPath := p.a.scoped(p.commandsPath(id) + "/" + cmdID + "/logs")
	rc, err := p.a.api.DoRaw(streamCtx, "GET", logPath, nil, "")
	if err != nil {
		cancel()
		return nil, err
	}

	ch := make(chan driver.ProcessChunk)
	go func() {
		defer cancel()
		defer close(ch)
		defer rc.Close()

		lines := httpapi.Lines(rc)
		for {
			line, ok := lines.Next()
			if !ok {
				break
			}
			var frame logFrame
			if err := json.Unmarshal([]byte(line), &frame); err != nil {
				continue
			}
			channel := driver.Stdout
			if frame.Stream == "stderr" {
				channel = driver.Stderr
			}
			select {
			case ch <- driver.ProcessChunk{Channel: channel, Data: []byte(frame.Data)}:
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *process) StartProcess(ctx context.Context, id string, opts driver.StartProcessOptions) (driver.ProcessInfo, error) {
	command, args := shellWrap(driver.RunCommand{Cmd: opts.Cmd, Args: opts.Args})
	cmdID, err := p.start(ctx, id, commandRequest{Command: command, Args: args, Cwd: opts.Cwd, Env: opts.Env})
	if err != nil {
		return driver.ProcessInfo{}, err
	}

	command = opts.Cmd
	if len(opts.Args) > 0 {
		command += " " + strings.Join(opts.Args, " ")
	}
	return driver.ProcessInfo{ID: cmdID, Command: command, Status: driver.ProcessRunning}, nil
}

func (p *process) StopProcess(ctx context.Context, id, processID string) error {
	return p.a.api.Do(ctx, "DELETE", p.a.scoped(p.commandsPath(id)+"/"+processID), nil, nil)
}

type portsResponse struct {
	URLs map[string]string `json:"urls"`
}

// ProcessURLs resolves public URLs for the requested ports. Ports the
// sandbox has not exposed are absent from the result.
func (p *process) ProcessURLs(ctx context.Context, id string, ports []int) (map[int]string, error) {
	if len(ports) == 0 {
		return map[int]string{}, nil
	}

	wanted := make([]string, 0, len(ports))
	for _, port := range ports {
		wanted = append(wanted, strconv.Itoa(port))
	}
	path := "/v1/sandboxes/" + id + "/ports?ports=" + strings.Join(wanted, ",")

	var res portsResponse
	if err := p.a.api.Do(ctx, "GET", p.a.scoped(path), nil, &res); err != nil {
		return nil, err
	}

	urls := make(map[int]string, len(res.URLs))
	for raw, u := range res.URLs {
		port, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		urls[port] = u
	}
	return urls, nil
}

func runCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
