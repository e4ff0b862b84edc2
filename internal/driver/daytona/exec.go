package daytona

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/shellfs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// process executes commands through the toolbox. Synchronous runs use the
// execute endpoint; streaming and background processes use toolbox
// sessions, whose command logs can be followed.
type process struct {
	a *Adapter
}

type executeRequest struct {
	Command string `json:"command"`
	Timeout int64  `json:"timeout,omitempty"`
}

// executeResponse carries the combined output in result; Daytona does not
// split stdout from stderr.
type executeResponse struct {
	ExitCode int    `json:"exitCode"`
	Result   string `json:"result"`
}

type sessionExecRequest struct {
	Command  string `json:"command"`
	RunAsync bool   `json:"runAsync"`
}

type sessionExecResponse struct {
	CmdID string `json:"cmdId"`
}

func (p *process) Run(ctx context.Context, id string, cmd driver.RunCommand) (driver.RunResult, error) {
	ctx, cancel := runCtx(ctx, cmd.Timeout())
	defer cancel()

	req := executeRequest{
		Command: shellfs.Line(cmd),
		Timeout: cmd.TimeoutMs / 1000,
	}

	var out executeResponse
	if err := p.a.api.Do(ctx, "POST", toolboxPath(id, "/process/execute"), req, &out); err != nil {
		return driver.RunResult{}, err
	}
	return driver.RunResult{ExitCode: out.ExitCode, Stdout: out.Result}, nil
}

// Stream runs the command in a throwaway session and follows its log.
// Daytona interleaves stdout and stderr, so every chunk arrives as stdout.
func (p *process) Stream(ctx context.Context, id string, cmd driver.RunCommand) (<-chan driver.ProcessChunk, error) {
	ctx, cancel := runCtx(ctx, cmd.Timeout())

	sessionID, cmdID, err := p.startSession(ctx, id, cmd)
	if err != nil {
		cancel()
		return nil, err
	}

	logPath := toolboxPath(id, "/process/session/"+sessionID+"/command/"+cmdID+"/logs") + "?follow=true"
	rc, err := p.a.api.DoRaw(ctx, "GET", logPath, nil, "")
	if err != nil {
		p.a.dropSession(id, sessionID)
		cancel()
		return nil, err
	}

	ch := make(chan driver.ProcessChunk)
	go func() {
		defer cancel()
		defer close(ch)
		defer rc.Close()
		defer p.a.dropSession(id, sessionID)

		buf := make([]byte, 4096)
		for {
			n, err := rc.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				select {
				case ch <- driver.ProcessChunk{Channel: driver.Stdout, Data: data}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ch, nil
}

// StartProcess launches the command asynchronously in a session. The
// session id doubles as the process id.
func (p *process) StartProcess(ctx context.Context, id string, opts driver.StartProcessOptions) (driver.ProcessInfo, error) {
	cmd := driver.RunCommand{Cmd: opts.Cmd, Args: opts.Args, Cwd: opts.Cwd, Env: opts.Env}

	sessionID, _, err := p.startSession(ctx, id, cmd)
	if err != nil {
		return driver.ProcessInfo{}, err
	}

	command := opts.Cmd
	if len(opts.Args) > 0 {
		command += " " + strings.Join(opts.Args, " ")
	}
	return driver.ProcessInfo{ID: sessionID, Command: command, Status: driver.ProcessRunning}, nil
}

// StopProcess tears down the process's session, which kills the command.
func (p *process) StopProcess(ctx context.Context, id string, processID string) error {
	return p.a.api.Do(ctx, "DELETE", toolboxPath(id, "/process/session/"+processID), nil, nil)
}

// startSession creates a session and launches cmd in it asynchronously.
func (p *process) startSession(ctx context.Context, id string, cmd driver.RunCommand) (string, string, error) {
	sessionID := uuid.NewString()

	body := map[string]string{"sessionId": sessionID}
	if err := p.a.api.Do(ctx, "POST", toolboxPath(id, "/process/session"), body, nil); err != nil {
		return "", "", err
	}

	req := sessionExecRequest{Command: shellfs.Line(cmd), RunAsync: true}
	var out sessionExecResponse
	if err := p.a.api.Do(ctx, "POST", toolboxPath(id, "/process/session/"+sessionID+"/exec"), req, &out); err != nil {
		p.a.dropSession(id, sessionID)
		return "", "", err
	}
	if out.CmdID == "" {
		p.a.dropSession(id, sessionID)
		return "", "", errdefs.New(errdefs.KindProvider, "daytona: session exec returned no command id")
	}
	return sessionID, out.CmdID, nil
}

// dropSession deletes a session on a best-effort basis.
func (a *Adapter) dropSession(id, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.api.Do(ctx, "DELETE", toolboxPath(id, "/process/session/"+sessionID), nil, nil)
}

// ProcessURLs asks the preview endpoint for each requested port.
func (p *process) ProcessURLs(ctx context.Context, id string, ports []int) (map[int]string, error) {
	urls := make(map[int]string, len(ports))
	for _, port := range ports {
		var out struct {
			URL string `json:"url"`
		}
		path := fmt.Sprintf("/sandbox/%s/ports/%s/preview-url", id, strconv.Itoa(port))
		if err := p.a.api.Do(ctx, "GET", path, nil, &out); err != nil {
			return nil, err
		}
		urls[port] = out.URL
	}
	return urls, nil
}

// runCtx bounds ctx by the command timeout when one is set so the client's
// default deadline does not cut long-running commands short.
func runCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}
