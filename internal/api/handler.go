// Package api is the REST control plane: run orchestration, direct sandbox
// access, per-user history and credentials, all over echo. Errors cross the
// boundary classified; the handler maps kinds to status codes and keeps the
// body shape uniform so clients can switch on `kind` instead of scraping
// messages.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/metrics"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/run"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/store"
)

// headerAPIKey authenticates the caller; headerUser identifies the account
// on whose behalf the call runs. Both are injected by the fronting auth
// layer, which stays outside this process.
const (
	headerAPIKey = "X-API-Key"
	headerUser   = "X-User-ID"
)

// BuildInfo is stamped by the linker at release time.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	BuiltAt string `json:"builtAt"`
}

type Handler struct {
	orch    *run.Orchestrator
	resolve run.Resolver
	store   *store.Store
	apiKey  string
	build   BuildInfo

	// ready probes backend liveness for /healthz when set.
	ready func(ctx context.Context) error
}

// Option adjusts handler behavior.
type Option func(*Handler)

// WithAPIKey requires the given key on every /api route.
func WithAPIKey(key string) Option {
	return func(h *Handler) { h.apiKey = key }
}

// WithBuildInfo sets what /version reports.
func WithBuildInfo(b BuildInfo) Option {
	return func(h *Handler) { h.build = b }
}

// WithReadyCheck wires a backend probe into /healthz.
func WithReadyCheck(probe func(ctx context.Context) error) Option {
	return func(h *Handler) { h.ready = probe }
}

// NewHandler builds the control plane over an orchestrator, a driver
// resolver for direct sandbox routes, and the store.
func NewHandler(orch *run.Orchestrator, resolve run.Resolver, st *store.Store, opts ...Option) *Handler {
	h := &Handler{
		orch:    orch,
		resolve: resolve,
		store:   st,
		build:   BuildInfo{Version: "dev", Commit: "unknown", BuiltAt: "unknown"},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.healthz)
	e.GET("/version", h.version)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api")
	if h.apiKey != "" {
		api.Use(h.authMiddleware)
	}

	api.POST("/run/start", h.startRun)
	api.POST("/run/:id/stop", h.stopRun)
	api.GET("/run/:id/stream", h.streamRun)
	api.GET("/run/:id/:provider/opencode/health", h.opencodeHealth)
	api.GET("/run/:id/:provider/opencode/session", h.opencodeSessions)
	api.GET("/run/:id/:provider/opencode/session/:sid/message", h.opencodeMessages)

	api.POST("/sandbox/create", h.createSandbox)
	api.POST("/sandbox/:id/destroy", h.destroySandbox)
	api.GET("/sandbox/:id/ls", h.listDir)
	api.GET("/sandbox/:id/read", h.readFile)
	api.POST("/sandbox/:id/write", h.writeFile)
	api.POST("/sandbox/:id/run", h.runCommand)
	api.POST("/sandbox/:id/exec", h.execCode)
	api.GET("/sandbox/:id/interact", h.interactSandbox)

	api.GET("/user/keys", h.listKeys)
	api.POST("/user/keys", h.createKey)
	api.DELETE("/user/keys/:id", h.deleteKey)
	api.GET("/user/sandboxes", h.userSandboxes)
	api.GET("/user/runs", h.userRuns)
}

func (h *Handler) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get(headerAPIKey)
		if key == "" {
			// Query param keeps curl and EventSource clients workable.
			key = c.QueryParam("api_key")
		}
		if key != h.apiKey {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
		}
		return next(c)
	}
}

// userID returns the account the caller acts for, empty when anonymous.
func userID(c echo.Context) string {
	return c.Request().Header.Get(headerUser)
}

// requireUser is for routes that make no sense without an account.
func requireUser(c echo.Context) (string, error) {
	uid := userID(c)
	if uid == "" {
		return "", errdefs.New(errdefs.KindAuthentication, "missing "+headerUser+" header")
	}
	return uid, nil
}

// errorBody is the uniform error shape: kind drives client behavior,
// operation says which call failed, provider and sandboxId narrow it down
// when known.
type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Operation string `json:"operation"`
	Provider  string `json:"provider,omitempty"`
	SandboxID string `json:"sandboxId,omitempty"`
}

func (h *Handler) fail(c echo.Context, op string, err error) error {
	body := errorBody{
		Error:     err.Error(),
		Kind:      string(errdefs.KindOf(err)),
		Operation: op,
	}
	if e, ok := errdefs.GetError(err); ok {
		if e.Message != "" {
			body.Error = e.Message
		}
		body.Provider = e.Provider
		body.SandboxID = e.SandboxID
		if e.Kind == errdefs.KindRateLimited && e.RetryAfter > 0 {
			secs := int(e.RetryAfter / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	return c.JSON(errdefs.HTTPStatus(err), body)
}

func (h *Handler) healthz(c echo.Context) error {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) version(c echo.Context) error {
	return c.JSON(http.StatusOK, h.build)
}
