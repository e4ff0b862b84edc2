package e2b

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/config"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/shellfs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/httpapi"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), config.Provider{})
	require.Error(t, err)
	assert.True(t, errdefs.IsAuthentication(err))
}

func TestResolveTemplate(t *testing.T) {
	assert.Equal(t, "base", resolveTemplate(""))
	assert.Equal(t, "base", resolveTemplate("python:3.12-slim"))
	assert.Equal(t, "base", resolveTemplate("ghcr.io/acme/img"))
	assert.Equal(t, "code-interpreter-v1", resolveTemplate("code-interpreter-v1"))
}

func TestMapState(t *testing.T) {
	assert.Equal(t, driver.StatusReady, mapState("running"))
	assert.Equal(t, driver.StatusStopped, mapState("paused"))
	assert.Equal(t, driver.StatusFailed, mapState("gone"))
}

func TestLifetimeSeconds(t *testing.T) {
	assert.Equal(t, int64(300), lifetimeSeconds(driver.CreateOptions{}))
	assert.Equal(t, int64(60), lifetimeSeconds(driver.CreateOptions{TimeoutMs: 60_000}))
	assert.Equal(t, int64(120), lifetimeSeconds(driver.CreateOptions{TimeoutMs: 60_000, IdleTimeoutMs: 120_000}))
	assert.Equal(t, int64(1), lifetimeSeconds(driver.CreateOptions{IdleTimeoutMs: 500}))
}

func TestPortURL(t *testing.T) {
	u, err := portURL("https://49983-sb1.e2b.app", 8080)
	require.NoError(t, err)
	assert.Equal(t, "https://8080-sb1.e2b.app", u)

	_, err = portURL("https://sb1.e2b.app", 8080)
	require.Error(t, err)
}

func newTestDriver(t *testing.T, mux *http.ServeMux) *driver.Driver {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	d, err := New(context.Background(), config.Provider{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)
	return d
}

func TestCreate(t *testing.T) {
	var (
		mu     sync.Mutex
		got    createRequest
		gotKey string
	)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotKey = r.Header.Get("X-Api-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(sandbox{
			SandboxID:  "sb-1",
			TemplateID: got.TemplateID,
			State:      "running",
			StartedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			EnvdURL:    "https://49983-sb-1.e2b.app",
			Metadata:   got.Metadata,
		})
	})
	d := newTestDriver(t, mux)

	info, err := d.Create(context.Background(), driver.CreateOptions{
		Name:          "dev",
		Image:         "python:3.12-slim",
		Env:           map[string]string{"FOO": "bar"},
		IdleTimeoutMs: 120_000,
		Labels:        map[string]string{"team": "ml"},
	})
	require.NoError(t, err)

	assert.Equal(t, "sb-1", info.ID)
	assert.Equal(t, "dev", info.Name)
	assert.Equal(t, driver.ProviderE2B, info.Provider)
	assert.Equal(t, driver.StatusReady, info.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "base", got.TemplateID)
	assert.Equal(t, int64(120), got.Timeout)
	assert.Equal(t, "bar", got.EnvVars["FOO"])
	assert.Equal(t, "dev", got.Metadata["name"])
	assert.Equal(t, "ml", got.Metadata["team"])
}

func TestCreateSeedsGitSource(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	var (
		mu   sync.Mutex
		cmds []string
	)
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sandbox{SandboxID: "sb-1", State: "running", EnvdURL: srv.URL})
	})
	mux.HandleFunc("POST /commands", func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		cmds = append(cmds, req.Cmd)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(commandResponse{ExitCode: 0})
	})

	d, err := New(context.Background(), config.Provider{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = d.Create(context.Background(), driver.CreateOptions{
		Source: &driver.Source{Type: driver.SourceGit, URL: "https://github.com/acme/app.git"},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, cmds, 1)
	// Validation defaults git sources to a shallow clone.
	assert.Equal(t, shellfs.CloneLine(driver.Source{
		Type:  driver.SourceGit,
		URL:   "https://github.com/acme/app.git",
		Depth: 1,
	}, "/home/user"), cmds[0])
}

func TestCreateRollsBackOnSeedFailure(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	var (
		mu      sync.Mutex
		deleted []string
	)
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sandbox{SandboxID: "sb-1", State: "running", EnvdURL: srv.URL})
	})
	mux.HandleFunc("POST /commands", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(commandResponse{ExitCode: 128, Stderr: "fatal: repository not found"})
	})
	mux.HandleFunc("DELETE /sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deleted = append(deleted, r.PathValue("id"))
		mu.Unlock()
	})

	d, err := New(context.Background(), config.Provider{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = d.Create(context.Background(), driver.CreateOptions{
		Source: &driver.Source{Type: driver.SourceGit, URL: "https://github.com/acme/gone.git"},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sb-1"}, deleted)
}

func TestCreateFromSnapshotUnsupported(t *testing.T) {
	d := newTestDriver(t, http.NewServeMux())

	_, err := d.Create(context.Background(), driver.CreateOptions{
		Source: &driver.Source{Type: driver.SourceSnapshot, SnapshotID: "snap-1"},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsUnsupported(err))
}

func TestStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "sb-1":
			_ = json.NewEncoder(w).Encode(sandbox{SandboxID: "sb-1", State: "paused"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"sandbox was not found"}`))
		}
	})
	d := newTestDriver(t, mux)

	status, err := d.Status(context.Background(), "sb-1")
	require.NoError(t, err)
	assert.Equal(t, driver.StatusStopped, status)

	_, err = d.Status(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestListPaginates(t *testing.T) {
	var (
		mu     sync.Mutex
		tokens []string
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		tok := r.URL.Query().Get("nextToken")
		mu.Lock()
		tokens = append(tokens, tok)
		mu.Unlock()

		if tok == "" {
			_ = json.NewEncoder(w).Encode(listResponse{
				Sandboxes: []sandbox{{SandboxID: "sb-a", State: "running"}},
				NextToken: "page2",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(listResponse{
			Sandboxes: []sandbox{{SandboxID: "sb-b", State: "paused"}},
		})
	})
	d := newTestDriver(t, mux)

	infos, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "sb-a", infos[0].ID)
	assert.Equal(t, driver.StatusStopped, infos[1].Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "page2"}, tokens)
}

func TestDestroyIgnoresMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"sandbox was not found"}`))
	})
	d := newTestDriver(t, mux)

	require.NoError(t, d.Destroy(context.Background(), "gone"))
}

// envdMux wires the control plane and envd endpoints onto one test server,
// with the sandbox detail pointing envd traffic back at the server itself.
func envdMux(t *testing.T) (*http.ServeMux, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("GET /sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sandbox{
			SandboxID: r.PathValue("id"),
			State:     "running",
			EnvdURL:   srv.URL,
		})
	})
	return mux, srv
}

func TestRun(t *testing.T) {
	mux, srv := envdMux(t)

	var (
		mu     sync.Mutex
		got    commandRequest
		gotKey string
	)
	mux.HandleFunc("POST /commands", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotKey = r.Header.Get("X-Api-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(commandResponse{ExitCode: 3, Stdout: "out", Stderr: "err"})
	})

	d, err := New(context.Background(), config.Provider{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := d.Run(context.Background(), "sb-1", driver.RunCommand{
		Cmd:  "make",
		Args: []string{"test"},
		Cwd:  "/workspace",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out", res.Stdout)
	assert.Equal(t, "err", res.Stderr)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "make", got.Cmd)
	assert.Equal(t, []string{"test"}, got.Args)
	assert.Equal(t, "/workspace", got.Cwd)
	assert.Equal(t, "test-key", gotKey)
}

func TestStream(t *testing.T) {
	mux, srv := envdMux(t)

	mux.HandleFunc("POST /commands/stream", func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		_ = enc.Encode(streamFrame{Channel: "stdout", Data: base64.StdEncoding.EncodeToString([]byte("build "))})
		_ = enc.Encode(streamFrame{Channel: "stderr", Data: base64.StdEncoding.EncodeToString([]byte("warn"))})
		_ = enc.Encode(streamFrame{Channel: "exit", ExitCode: 0})
	})

	d, err := New(context.Background(), config.Provider{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	ch, err := d.Stream(context.Background(), "sb-1", driver.RunCommand{Cmd: "make"})
	require.NoError(t, err)

	var chunks []driver.ProcessChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, driver.Stdout, chunks[0].Channel)
	assert.Equal(t, []byte("build "), chunks[0].Data)
	assert.Equal(t, driver.Stderr, chunks[1].Channel)
	assert.Equal(t, []byte("warn"), chunks[1].Data)
}

func TestReadFile(t *testing.T) {
	mux, srv := envdMux(t)

	content := []byte{0x00, 0xff, 'h', 'i'}
	mux.HandleFunc("GET /files", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/etc/blob", r.URL.Query().Get("path"))
		assert.Equal(t, "user", r.URL.Query().Get("username"))
		_, _ = w.Write(content)
	})

	d, err := New(context.Background(), config.Provider{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	data, err := d.ReadFile(context.Background(), "sb-1", "/etc/blob")
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestWriteFile(t *testing.T) {
	mux, srv := envdMux(t)

	var (
		mu       sync.Mutex
		gotPath  string
		gotName  string
		gotBytes []byte
	)
	mux.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Query().Get("path")
		file, hdr, err := r.FormFile("file")
		assert.NoError(t, err)
		defer file.Close()
		gotName = hdr.Filename
		gotBytes, _ = io.ReadAll(file)
	})

	d, err := New(context.Background(), config.Provider{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	payload := []byte{0x1f, 0x8b, 0x00}
	require.NoError(t, d.WriteFile(context.Background(), "sb-1", "/data/out.gz", payload, 0))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/data/out.gz", gotPath)
	assert.Equal(t, "out.gz", gotName)
	assert.Equal(t, payload, gotBytes)
}

func TestWriteFileMode(t *testing.T) {
	mux, srv := envdMux(t)

	mux.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {})

	var (
		mu    sync.Mutex
		lines []string
	)
	mux.HandleFunc("POST /commands", func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		lines = append(lines, req.Cmd)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(commandResponse{ExitCode: 0})
	})

	d, err := New(context.Background(), config.Provider{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, d.WriteFile(context.Background(), "sb-1", "/bin/run.sh", []byte("#!/bin/sh\n"), 0o755))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1)
	assert.Equal(t, "chmod 755 '/bin/run.sh'", lines[0])
}

func TestProcessURLs(t *testing.T) {
	a := &Adapter{
		api:  httpapi.NewClient(driver.ProviderE2B, "https://api.e2b.app", nil),
		urls: gocache.New(time.Minute, time.Minute),
	}
	a.urls.Set("sb-9", "https://49983-sb-9.e2b.app", gocache.DefaultExpiration)

	p := &process{a: a}
	urls, err := p.ProcessURLs(context.Background(), "sb-9", []int{8080, 3000})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{
		8080: "https://8080-sb-9.e2b.app",
		3000: "https://3000-sb-9.e2b.app",
	}, urls)
}

func TestCapabilities(t *testing.T) {
	mux := http.NewServeMux()
	d := newTestDriver(t, mux)

	caps := d.Capabilities()
	assert.True(t, caps.Lifecycle)
	assert.True(t, caps.Process)
	assert.True(t, caps.Fs)
	assert.True(t, caps.Code)
	assert.True(t, caps.BackgroundProcesses)
	assert.True(t, caps.PortURLs)
	assert.False(t, caps.Snapshots)
	assert.False(t, caps.Volumes)
	assert.False(t, caps.PauseResume)
	assert.False(t, caps.SnapshotRestore)
}
