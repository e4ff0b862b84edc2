package modal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/shellfs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/httpapi"
)

// process executes commands through the sandbox exec endpoint. Port URLs
// come from Modal's tunnel listing.
type process struct {
	a *Adapter
	*shellfs.Procs
}

type execRequest struct {
	Command   []string          `json:"command"`
	Workdir   string            `json:"workdir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"`
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// execFrame is one NDJSON line from the streaming exec endpoint. Output
// bytes are base64 so binary-producing commands survive the framing.
type execFrame struct {
	Stream   string `json:"stream"`
	Data     string `json:"data,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

func (p *process) Run(ctx context.Context, id string, cmd driver.RunCommand) (driver.RunResult, error) {
	cur := p.a.resolve(id)

	ctx, cancel := runCtx(ctx, cmd.Timeout())
	defer cancel()

	var out execResponse
	if err := p.a.api.Do(ctx, "POST", "/sandboxes/"+cur+"/exec", execBody(cmd), &out); err != nil {
		return driver.RunResult{}, err
	}
	return driver.RunResult{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}, nil
}

func (p *process) Stream(ctx context.Context, id string, cmd driver.RunCommand) (<-chan driver.ProcessChunk, error) {
	cur := p.a.resolve(id)

	body, err := json.Marshal(execBody(cmd))
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindValidation, "encoding exec request")
	}

	ctx, cancel := runCtx(ctx, cmd.Timeout())
	rc, err := p.a.api.DoRaw(ctx, "POST", "/sandboxes/"+cur+"/exec/stream", bytes.NewReader(body), "application/json")
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
			var f execFrame
			if err := json.Unmarshal([]byte(line), &f); err != nil {
				continue
			}
			switch f.Stream {
			case "stdout", "stderr":
				data, err := base64.StdEncoding.DecodeString(f.Data)
				if err != nil {
					continue
				}
				select {
				case ch <- driver.ProcessChunk{Channel: driver.Channel(f.Stream), Data: data}:
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

type tunnel struct {
	Port int    `json:"port"`
	URL  string `json:"url"`
}

type tunnelsResponse struct {
	Tunnels []tunnel `json:"tunnels"`
}

// ProcessURLs reads the sandbox's tunnel list. Requested ports without a
// tunnel are omitted from the result.
func (p *process) ProcessURLs(ctx context.Context, id string, ports []int) (map[int]string, error) {
	cur := p.a.resolve(id)

	var out tunnelsResponse
	if err := p.a.api.Do(ctx, "GET", "/sandboxes/"+cur+"/tunnels", nil, &out); err != nil {
		return nil, err
	}

	byPort := make(map[int]string, len(out.Tunnels))
	for _, t := range out.Tunnels {
		byPort[t.Port] = t.URL
	}

	urls := make(map[int]string, len(ports))
	for _, port := range ports {
		if u, ok := byPort[port]; ok {
			urls[port] = u
		}
	}
	return urls, nil
}

func execBody(cmd driver.RunCommand) execRequest {
	return execRequest{
		Command:   execArgv(cmd),
		Workdir:   cmd.Cwd,
		Env:       cmd.Env,
		TimeoutMs: cmd.TimeoutMs,
	}
}

// execArgv mirrors the uniform contract: bare Cmd is a shell line, Cmd with
// Args is a literal argv.
func execArgv(cmd driver.RunCommand) []string {
	if len(cmd.Args) == 0 {
		return []string{"sh", "-c", cmd.Cmd}
	}
	return cmd.Argv()
}

// runCtx bounds ctx by the command timeout when one is set so the client's
// default deadline does not cut long-running commands short.
func runCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}
