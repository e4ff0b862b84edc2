package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

func bearer(token string) HeaderFunc {
	return func(h http.Header) { h.Set("Authorization", "Bearer "+token) }
}

func TestDoJSONRoundTrip(t *testing.T) {
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "demo", in["name"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "sb-1"})
	}))
	defer srv.Close()

	c := NewClient("e2b", srv.URL, bearer("tok"))

	var out struct {
		ID string `json:"id"`
	}
	err := c.Do(context.Background(), http.MethodPost, "/sandboxes", map[string]string{"name": "demo"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "sb-1", out.ID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
}

func TestDoOutVariants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "raw payload")
	}))
	defer srv.Close()

	c := NewClient("e2b", srv.URL, nil)
	ctx := context.Background()

	var raw []byte
	require.NoError(t, c.Do(ctx, http.MethodGet, "/blob", nil, &raw))
	assert.Equal(t, "raw payload", string(raw))

	var text string
	require.NoError(t, c.Do(ctx, http.MethodGet, "/blob", nil, &text))
	assert.Equal(t, "raw payload", text)

	require.NoError(t, c.Do(ctx, http.MethodGet, "/blob", nil, nil))
}

func TestDoClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.Error(w, `{"message":"sandbox not found"}`, http.StatusNotFound)
		case "/throttled":
			w.Header().Set("Retry-After", "2")
			http.Error(w, "slow down", http.StatusTooManyRequests)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient("daytona", srv.URL, nil)
	ctx := context.Background()

	err := c.Do(ctx, http.MethodGet, "/missing", nil, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	e, ok := errdefs.GetError(err)
	require.True(t, ok)
	assert.Equal(t, "daytona", e.Provider)
	assert.Equal(t, "GET /missing", e.Op)
	assert.Contains(t, e.Message, "sandbox not found")

	err = c.Do(ctx, http.MethodGet, "/throttled", nil, nil)
	require.Error(t, err)
	require.True(t, errdefs.IsRateLimited(err))
	e, _ = errdefs.GetError(err)
	assert.Equal(t, 2*time.Second, e.RetryAfter)

	err = c.Do(ctx, http.MethodGet, "/kaput", nil, nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindProvider, errdefs.KindOf(err))
}

func TestDoEnvelopeHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"success":false,"errors":[{"code":10000,"message":"auth token invalid"}]}`, http.StatusForbidden)
	}))
	defer srv.Close()

	envelope := func(body []byte) string {
		var env struct {
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if json.Unmarshal(body, &env) == nil && len(env.Errors) > 0 {
			return env.Errors[0].Message
		}
		return ""
	}

	c := NewClient("cloudflare", srv.URL, nil, WithEnvelope(envelope))
	err := c.Do(context.Background(), http.MethodGet, "/accounts/x", nil, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsAuthentication(err))
	assert.Contains(t, err.Error(), "auth token invalid")
}

func TestDoQueryStrippedFromOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tmp/x", r.URL.Query().Get("path"))
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient("e2b", srv.URL, nil)
	err := c.Do(context.Background(), http.MethodGet, "/files?path=/tmp/x", nil, nil)
	require.Error(t, err)
	e, ok := errdefs.GetError(err)
	require.True(t, ok)
	assert.Equal(t, "GET /files", e.Op)
}

func TestDoDefaultTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient("modal", srv.URL, nil, WithTimeout(50*time.Millisecond))
	err := c.Do(context.Background(), http.MethodGet, "/slow", nil, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsTimeout(err), "default deadline should classify as timeout, got %v", err)
}

func TestDoNetworkError(t *testing.T) {
	// A closed server yields a connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient("blaxel", url, nil)
	err := c.Do(context.Background(), http.MethodGet, "/gone", nil, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsNetwork(err), "got %v", err)
}

func TestDoRawStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "chunk-1\nchunk-2\n")
	}))
	defer srv.Close()

	c := NewClient("e2b", srv.URL, nil)
	body, err := c.DoRaw(context.Background(), http.MethodGet, "/download", nil, "")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "chunk-1\nchunk-2\n", string(data))
}

func TestUploadMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "/workspace/app.py", r.FormValue("path"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "app.py", hdr.Filename)

		data, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, "print('hi')", string(data))

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("daytona", srv.URL, nil)
	err := c.Upload(context.Background(), "/upload", "file", "app.py",
		[]byte("print('hi')"), map[string]string{"path": "/workspace/app.py"}, nil)
	require.NoError(t, err)
}

func TestWithBaseURLClone(t *testing.T) {
	c := NewClient("blaxel", "https://api.blaxel.ai/v0", bearer("tok"))
	clone := c.WithBaseURL("https://sb-1.blaxel.dev/")

	assert.Equal(t, "https://sb-1.blaxel.dev", clone.BaseURL())
	assert.Equal(t, "https://api.blaxel.ai/v0", c.BaseURL(), "original untouched")
	assert.Equal(t, "blaxel", clone.Provider())
}

func TestLinesSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"event: status",
		`data: {"type":"status","message":"cloning"}`,
		"",
		"id: 42",
		`data:{"type":"output"}`,
		"",
		"retry: 1000",
	}, "\n")

	l := Lines(strings.NewReader(stream))

	line, ok := l.Next()
	require.True(t, ok)
	assert.Equal(t, `{"type":"status","message":"cloning"}`, line)

	line, ok = l.Next()
	require.True(t, ok)
	assert.Equal(t, `{"type":"output"}`, line)

	_, ok = l.Next()
	assert.False(t, ok)
	assert.NoError(t, l.Err())
}

func TestLinesNDJSON(t *testing.T) {
	stream := "{\"a\":1}\r\n{\"b\":2}\n\n{\"c\":3}\n"
	l := Lines(strings.NewReader(stream))

	var got []string
	for {
		line, ok := l.Next()
		if !ok {
			break
		}
		got = append(got, line)
	}
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}, got)
}

func TestDialWS(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, append([]byte("echo: "), msg...)))
	}))
	defer srv.Close()

	c := NewClient("cloudflare", srv.URL, bearer("ws-tok"))
	conn, err := c.DialWS(context.Background(), "/exec/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ls")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo: ls", string(msg))
	assert.Equal(t, "Bearer ws-tok", gotAuth, "auth rides the upgrade request")
}

func TestDialWSRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "denied", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("cloudflare", srv.URL, nil)
	_, err := c.DialWS(context.Background(), "/exec/ws", nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsAuthentication(err), "got %v", err)
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "wss://api.example.com/ws", WSURL("https://api.example.com/ws"))
	assert.Equal(t, "ws://127.0.0.1:8080/ws", WSURL("http://127.0.0.1:8080/ws"))
	assert.Equal(t, "wss://already.example.com", WSURL("wss://already.example.com"))
}
