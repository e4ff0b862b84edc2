package e2b

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/shellfs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/httpapi"
)

// process executes commands through envd. Background process management
// rides on the shell runner.
type process struct {
	a *Adapter
	*shellfs.Procs
}

type commandRequest struct {
	Cmd       string            `json:"cmd"`
	Args      []string          `json:"args,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
}

type commandResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// streamFrame is one NDJSON line from /commands/stream. Output bytes are
// base64 so binary-producing commands survive the JSON framing.
type streamFrame struct {
	Channel  string `json:"channel"`
	Data     string `json:"data,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
}

func (p *process) Run(ctx context.Context, id string, cmd driver.RunCommand) (driver.RunResult, error) {
	envd, err := p.a.envd(ctx, id)
	if err != nil {
		return driver.RunResult{}, err
	}

	ctx, cancel := runCtx(ctx, cmd.Timeout())
	defer cancel()

	var out commandResponse
	if err := envd.Do(ctx, "POST", "/commands", commandBody(cmd), &out); err != nil {
		return driver.RunResult{}, err
	}
	return driver.RunResult{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}, nil
}

func (p *process) Stream(ctx context.Context, id string, cmd driver.RunCommand) (<-chan driver.ProcessChunk, error) {
	envd, err := p.a.envd(ctx, id)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(commandBody(cmd))
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindValidation, "encoding command")
	}

	ctx, cancel := runCtx(ctx, cmd.Timeout())
	rc, err := envd.DoRaw(ctx, "POST", "/commands/stream", bytes.NewReader(body), "application/json")
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
				return
			}
			var f streamFrame
			if err := json.Unmarshal([]byte(line), &f); err != nil {
				continue
			}
			switch f.Channel {
			case "stdout", "stderr":
				data, err := base64.StdEncoding.DecodeString(f.Data)
				if err != nil {
					continue
				}
				select {
				case ch <- driver.ProcessChunk{Channel: driver.Channel(f.Channel), Data: data}:
				case <-ctx.Done():
					return
				}
			case "exit":
				return
			}
		}
	}()
	return ch, nil
}

// ProcessURLs synthesizes port URLs from the envd URL. E2B fronts every
// sandbox port on its ingress, so no provider call is needed.
func (p *process) ProcessURLs(ctx context.Context, id string, ports []int) (map[int]string, error) {
	base, err := p.a.envdURL(ctx, id)
	if err != nil {
		return nil, err
	}

	urls := make(map[int]string, len(ports))
	for _, port := range ports {
		u, err := portURL(base, port)
		if err != nil {
			return nil, err
		}
		urls[port] = u
	}
	return urls, nil
}

func commandBody(cmd driver.RunCommand) commandRequest {
	return commandRequest{
		Cmd:       cmd.Cmd,
		Args:      cmd.Args,
		Cwd:       cmd.Cwd,
		Env:       cmd.Env,
		TimeoutMs: cmd.TimeoutMs,
	}
}

// runCtx bounds ctx by the command timeout when one is set. Without this
// the client's default deadline would cut long-running commands short.
func runCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}

// portURL swaps the envd port prefix in the sandbox host for the target
// port: https://49983-abc.e2b.app becomes https://8080-abc.e2b.app.
func portURL(envdURL string, port int) (string, error) {
	u, err := url.Parse(envdURL)
	if err != nil {
		return "", errdefs.Wrap(err, errdefs.KindProvider, "parsing envd url")
	}
	rest, ok := strings.CutPrefix(u.Host, fmt.Sprintf("%d-", envdPort))
	if !ok {
		return "", errdefs.Newf(errdefs.KindProvider, "envd url %q has no port prefix", envdURL)
	}
	u.Host = fmt.Sprintf("%d-%s", port, rest)
	return u.String(), nil
}
