package cloudflare

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/shellfs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// process executes commands over the instance's exec WebSocket. Auth rides
// the handshake headers; the first client frame names the command, and the
// server answers with output frames until a final exit frame.
type process struct {
	a *Adapter
}

// startMessage is the opening client frame.
type startMessage struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// execFrame is one server frame. Data is base64; ExitCode marks the final
// frame and is otherwise absent.
type execFrame struct {
	Stream   string `json:"stream,omitempty"`
	Data     string `json:"data,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

func execPath(id string) string {
	return "/sandbox/instances/" + id + "/exec"
}

func (p *process) Run(ctx context.Context, id string, cmd driver.RunCommand) (driver.RunResult, error) {
	runCtx, cancel := runCtx(ctx, cmd.Timeout())
	defer cancel()

	conn, err := p.a.api.DialWS(runCtx, execPath(id), nil)
	if err != nil {
		return driver.RunResult{}, err
	}
	defer conn.Close()
	go func() {
		<-runCtx.Done()
		_ = conn.Close()
	}()

	if err := conn.WriteJSON(startMessage{Command: commandLine(cmd), Cwd: cmd.Cwd, Env: cmd.Env}); err != nil {
		return driver.RunResult{}, wsErr(runCtx, "exec", err)
	}

	var stdout, stderr bytes.Buffer
	for {
		var frame execFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return driver.RunResult{}, wsErr(runCtx, "exec", err)
		}
		if frame.ExitCode != nil {
			return driver.RunResult{
				ExitCode: *frame.ExitCode,
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}, nil
		}
		data, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			continue
		}
		if frame.Stream == "stderr" {
			stderr.Write(data)
		} else {
			stdout.Write(data)
		}
	}
}

func (p *process) Stream(ctx context.Context, id string, cmd driver.RunCommand) (<-chan driver.ProcessChunk, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	conn, err := p.a.api.DialWS(streamCtx, execPath(id), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := conn.WriteJSON(startMessage{Command: commandLine(cmd), Cwd: cmd.Cwd, Env: cmd.Env}); err != nil {
		cancel()
		conn.Close()
		return nil, wsErr(streamCtx, "stream", err)
	}
	go func() {
		<-streamCtx.Done()
		_ = conn.Close()
	}()

	ch := make(chan driver.ProcessChunk)
	go func() {
		defer cancel()
		defer close(ch)

		for {
			var frame execFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.ExitCode != nil {
				return
			}
			data, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				continue
			}
			channel := driver.Stdout
			if frame.Stream == "stderr" {
				channel = driver.Stderr
			}
			select {
			case ch <- driver.ProcessChunk{Channel: channel, Data: data}:
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// wsErr classifies a broken exec stream. A close before the exit frame is a
// provider fault, not a transport one.
func wsErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errdefs.FromContextErr(ctxErr, driver.ProviderCloudflare, op)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		return errdefs.New(errdefs.KindProvider, "cloudflare: exec stream closed before exit status")
	}
	return errdefs.Classify(driver.ProviderCloudflare, op, 0, "", err.Error(), err)
}

// commandLine renders the argv as a single shell line; cwd and env travel
// in the start frame.
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
