package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/events"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/run"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/store"
)

// agentServer fakes the in-sandbox agent: readiness, session API, and the
// event stream. With hold set the stream stays open until the client leaves.
func agentServer(t *testing.T, frames []string, hold bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /app", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"hostname":"sandbox"}`)
	})
	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":"ses_1","title":"fix the scheduler"}]`)
	})
	mux.HandleFunc("GET /session/{sid}/message", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{"sessionId":%q,"limit":%q}]`, r.PathValue("sid"), r.URL.Query().Get("limit"))
	})
	mux.HandleFunc("GET /event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			fl.Flush()
		}
		if hold {
			<-r.Context().Done()
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// drainRun subscribes to the run's bus and reads to the terminal close,
// which doubles as waiting the run out.
func drainRun(t *testing.T, o *run.Orchestrator, runID string) []events.AgentEvent {
	t.Helper()
	bus, err := o.Bus(runID)
	require.NoError(t, err)

	var got []events.AgentEvent
	ch := bus.Subscribe(context.Background())
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, evt)
		case <-time.After(10 * time.Second):
			t.Fatal("timed out draining run events")
		}
	}
}

type sseFrame struct {
	event string
	data  string
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			if after, ok := strings.CutPrefix(line, "event: "); ok {
				f.event = after
			}
			if after, ok := strings.CutPrefix(line, "data: "); ok {
				f.data = after
			}
		}
		require.NotEmpty(t, f.event, "frame without event field: %q", block)
		frames = append(frames, f)
	}
	return frames
}

func TestRunLifecycleOverAPI(t *testing.T) {
	srv := agentServer(t, []string{
		`{"type":"thought","message":"reading the repo"}`,
		`{"type":"ralph_complete","iterations":1}`,
	}, false)

	f := newAPIFixture(t)
	b := f.backend("docker")
	b.urls[4096] = srv.URL

	rec := f.do(t, http.MethodPost, "/api/run/start", map[string]any{
		"repoUrl":   "https://github.com/acme/demo-app.git",
		"task":      "fix the flaky scheduler test",
		"providers": []string{"docker"},
	}, headerUser, "u1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var started run.StartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.RunID)
	require.Len(t, started.Lanes, 1)
	assert.Equal(t, run.LaneResult{Provider: "docker", SandboxID: "docker-1", Success: true}, started.Lanes[0])

	published := drainRun(t, f.orch, started.RunID)

	// A fresh stream after the run replays everything and terminates with
	// the complete frame.
	rec = f.do(t, http.MethodGet, "/api/run/"+started.RunID+"/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, len(published))
	for i, frame := range frames {
		assert.Equal(t, string(published[i].Type), frame.event)
		var evt events.AgentEvent
		require.NoError(t, json.Unmarshal([]byte(frame.data), &evt))
		assert.Equal(t, uint64(i+1), evt.Seq)
	}
	assert.Equal(t, "status", frames[0].event)
	assert.Equal(t, "complete", frames[len(frames)-1].event)
	assert.Contains(t, frames[len(frames)-1].data, `"status":"completed"`)

	// The stamped owner sees the finished run in history.
	rec = f.do(t, http.MethodGet, "/api/user/runs", nil, headerUser, "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Runs []store.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Runs, 1)
	assert.Equal(t, started.RunID, history.Runs[0].ID)
	assert.Equal(t, "completed", history.Runs[0].Status)
	assert.Equal(t, "u1", history.Runs[0].UserID)

	// Stopping a finished run is a no-op.
	rec = f.do(t, http.MethodPost, "/api/run/"+started.RunID+"/stop", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStartRunValidation(t *testing.T) {
	f := newAPIFixture(t)
	f.backend("docker")

	rec := f.do(t, http.MethodPost, "/api/run/start", map[string]any{
		"repoUrl":   "https://github.com/acme/demo-app.git",
		"providers": []string{"docker"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "validation", body.Kind)
	assert.Equal(t, "run.start", body.Operation)
}

func TestStreamUnknownRun(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/run/nope/stream", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Kind)

	rec = f.do(t, http.MethodPost, "/api/run/nope/stop", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpencodeProxiesOverAPI(t *testing.T) {
	srv := agentServer(t, nil, true)

	f := newAPIFixture(t)
	b := f.backend("docker")
	b.urls[4096] = srv.URL

	rec := f.do(t, http.MethodPost, "/api/run/start", map[string]any{
		"repoUrl":   "https://github.com/acme/demo-app.git",
		"task":      "keep the agent busy",
		"providers": []string{"docker"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var started run.StartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	t.Cleanup(func() { _ = f.orch.Stop(context.Background(), started.RunID) })

	require.Eventually(t, func() bool {
		st, err := f.orch.Get(started.RunID)
		return err == nil && len(st.Lanes) == 1 && st.Lanes[0].Status == run.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/api/run/"+started.RunID+"/docker/opencode/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"healthy":true,"url":%q}`, srv.URL), rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/run/"+started.RunID+"/docker/opencode/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"ses_1","title":"fix the scheduler"}]`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/run/"+started.RunID+"/docker/opencode/session/ses_1/message?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"sessionId":"ses_1","limit":"5"}]`, rec.Body.String())

	// An unknown lane reports not_found, not a proxy error.
	rec = f.do(t, http.MethodGet, "/api/run/"+started.RunID+"/modal/opencode/health", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInteractWebSocket(t *testing.T) {
	f := newAPIFixture(t)
	b := f.backend("docker")
	b.chunks = [][]byte{[]byte("hello\n"), []byte("world\n")}

	srv := httptest.NewServer(f.e)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sandbox/docker-1/interact?provider=docker"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	readFrame := func() interactFrame {
		var frame interactFrame
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&frame))
		return frame
	}

	// Raw text runs under the shell.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("cat /etc/os-release")))
	frame := readFrame()
	assert.Equal(t, "stdout", frame.Channel)
	assert.Equal(t, "hello\n", frame.Data)
	frame = readFrame()
	assert.Equal(t, "world\n", frame.Data)
	frame = readFrame()
	assert.Equal(t, "done", frame.Event)

	// Structured commands pass through as-is and the socket survives
	// another round.
	require.NoError(t, conn.WriteJSON(map[string]any{"cmd": "ls", "args": []string{"-la"}}))
	frame = readFrame()
	assert.Equal(t, "stdout", frame.Channel)
	frame = readFrame()
	assert.Equal(t, "world\n", frame.Data)
	frame = readFrame()
	assert.Equal(t, "done", frame.Event)
}

func TestInteractReportsStreamError(t *testing.T) {
	f := newAPIFixture(t)
	b := f.backend("docker")
	b.streamErr = fmt.Errorf("container gone")

	srv := httptest.NewServer(f.e)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sandbox/docker-1/interact?provider=docker"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("true")))

	var frame interactFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Event)
	assert.Contains(t, frame.Error, "container gone")
	assert.Equal(t, "provider", frame.Kind)
}
