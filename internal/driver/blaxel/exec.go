package blaxel

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/shellfs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/httpapi"
)

// process drives the sandbox-local process API. Blaxel takes the working
// directory and environment as first-class request fields, so only the
// argv itself is shell-quoted.
type process struct {
	a *Adapter
}

type processRequest struct {
	Name              string            `json:"name,omitempty"`
	Command           string            `json:"command"`
	WorkingDir        string            `json:"workingDir,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	WaitForCompletion bool              `json:"waitForCompletion"`
	Timeout           int64             `json:"timeout,omitempty"`
}

type processResponse struct {
	PID      string `json:"pid,omitempty"`
	Name     string `json:"name"`
	Status   string `json:"status,omitempty"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// logFrame is one line of the follow stream.
type logFrame struct {
	Stream string `json:"stream"`
	Log    string `json:"log"`
}

func (p *process) Run(ctx context.Context, id string, cmd driver.RunCommand) (driver.RunResult, error) {
	data, err := p.a.data(ctx, id)
	if err != nil {
		return driver.RunResult{}, err
	}

	runCtx, cancel := runCtx(ctx, cmd.Timeout())
	defer cancel()

	var res processResponse
	if err := data.Do(runCtx, "POST", "/process", buildProcess(cmd, true), &res); err != nil {
		return driver.RunResult{}, err
	}
	return driver.RunResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

func (p *process) Stream(ctx context.Context, id string, cmd driver.RunCommand) (<-chan driver.ProcessChunk, error) {
	data, err := p.a.data(ctx, id)
	if err != nil {
		return nil, err
	}

	req := buildProcess(cmd, false)
	req.Name = "stream-" + uuid.NewString()[:8]
	var started processResponse
	if err := data.Do(ctx, "POST", "/process", req, &started); err != nil {
		return nil, err
	}
	if started.Name == "" {
		started.Name = req.Name
	}

	streamCtx, cancel := context.WithCancel(ctx)
	rc, err := data.DoRaw(streamCtx, "GET", "/process/"+started.Name+"/logs?follow=true", nil, "")
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
			case ch <- driver.ProcessChunk{Channel: channel, Data: []byte(frame.Log + "\n")}:
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *process) StartProcess(ctx context.Context, id string, opts driver.StartProcessOptions) (driver.ProcessInfo, error) {
	data, err := p.a.data(ctx, id)
	if err != nil {
		return driver.ProcessInfo{}, err
	}

	cmd := driver.RunCommand{Cmd: opts.Cmd, Args: opts.Args, Cwd: opts.Cwd, Env: opts.Env}
	req := buildProcess(cmd, false)
	req.Name = "proc-" + uuid.NewString()[:8]
	var res processResponse
	if err := data.Do(ctx, "POST", "/process", req, &res); err != nil {
		return driver.ProcessInfo{}, err
	}
	name := res.Name
	if name == "" {
		name = req.Name
	}
	return driver.ProcessInfo{ID: name, Command: req.Command, Status: driver.ProcessRunning}, nil
}

func (p *process) StopProcess(ctx context.Context, id, processID string) error {
	data, err := p.a.data(ctx, id)
	if err != nil {
		return err
	}
	return data.Do(ctx, "DELETE", "/process/"+processID, nil, nil)
}

func buildProcess(cmd driver.RunCommand, wait bool) processRequest {
	return processRequest{
		Command:           commandLine(cmd),
		WorkingDir:        cmd.Cwd,
		Env:               cmd.Env,
		WaitForCompletion: wait,
		Timeout:           cmd.TimeoutMs / 1000,
	}
}

// commandLine renders the argv as a single shell line without folding in
// cwd or env, which travel as request fields.
func commandLine(cmd driver.RunCommand) string {
	if len(cmd.Args) == 0 {
		return cmd.Cmd
	}
	parts := make([]string, 0, len(cmd.Args)+1)
	parts = append(parts, shellfs.Quote(cmd.Cmd))
	for _, arg := range cmd.Args {
		parts = append(parts, shellfs.Quote(arg))
	}
	return strings.Join(parts, " ")
}

func runCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
