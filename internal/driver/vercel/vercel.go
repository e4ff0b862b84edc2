// Package vercel implements the sandbox driver on Vercel's sandbox API.
// Sandboxes run a fixed set of runtimes rather than arbitrary images, take
// their source natively at create time, and are scoped to a team and
// project through query parameters on every call.
package vercel

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/config"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/shellfs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/httpapi"
)

const (
	defaultBaseURL = "https://api.vercel.com"

	defaultRuntime = "node22"
	pythonRuntime  = "python3.13"

	// defaultLifetimeMs applies when the caller sets no sandbox timeout.
	defaultLifetimeMs = 300_000

	// memoryPerVCPUMiB is fixed by the platform; vcpus is the only knob.
	memoryPerVCPUMiB = 2048
)

// Adapter carries the API client and the team/project scope.
type Adapter struct {
	api   *httpapi.Client
	query string
}

// New validates credentials and composes the driver. An OIDC token wins
// over a personal access token when both are set.
func New(_ context.Context, cfg config.Provider) (*driver.Driver, error) {
	token := cfg.OIDCToken
	if token == "" {
		token = cfg.APIKey
	}
	if token == "" {
		return nil, errdefs.New(errdefs.KindAuthentication, "vercel: access token required (set VERCEL_OIDC_TOKEN or VERCEL_TOKEN)")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	api := httpapi.NewClient(driver.ProviderVercel, base,
		func(h http.Header) {
			h.Set("Authorization", "Bearer "+token)
		},
		httpapi.WithTimeout(cfg.Timeout()),
	)

	scope := url.Values{}
	if cfg.TeamID != "" {
		scope.Set("teamId", cfg.TeamID)
	}
	if cfg.ProjectID != "" {
		scope.Set("projectId", cfg.ProjectID)
	}

	a := &Adapter{api: api, query: scope.Encode()}
	p := &process{a: a}
	fs := &files{a: a, runner: p}
	fs.Fs = shellfs.NewFs(driver.ProviderVercel, p)

	return driver.Compose(driver.ProviderVercel, driver.Services{
		Lifecycle: &lifecycle{a: a},
		Process:   p,
		Fs:        fs,
		Code:      shellfs.NewCode(p),
	}), nil
}

func init() {
	driver.Register(driver.ProviderVercel, New)
}

// scoped appends the team/project parameters to a request path.
func (a *Adapter) scoped(path string) string {
	if a.query == "" {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + a.query
}

type sourceSpec struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Revision string `json:"revision,omitempty"`
	Depth    int    `json:"depth,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type resourceSpec struct {
	VCPUs int `json:"vcpus,omitempty"`
}

type createRequest struct {
	Runtime   string        `json:"runtime"`
	TimeoutMs int64         `json:"timeout_ms,omitempty"`
	Ports     []int         `json:"ports,omitempty"`
	Resources *resourceSpec `json:"resources,omitempty"`
	Source    *sourceSpec   `json:"source,omitempty"`
}

type sandboxDetail struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Runtime   string    `json:"runtime,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type listResponse struct {
	Sandboxes []sandboxDetail `json:"sandboxes"`
	Next      string          `json:"next,omitempty"`
}

// lifecycle implements driver.Lifecycle.
type lifecycle struct {
	a *Adapter
}

func (l *lifecycle) Create(ctx context.Context, opts driver.CreateOptions) (driver.SandboxInfo, error) {
	req, err := buildCreate(opts)
	if err != nil {
		return driver.SandboxInfo{}, err
	}

	var sb sandboxDetail
	if err := l.a.api.Do(ctx, "POST", l.a.scoped("/v1/sandboxes"), req, &sb); err != nil {
		return driver.SandboxInfo{}, err
	}

	log.Info().Str("sandbox_id", sb.ID).Str("runtime", req.Runtime).Msg("Vercel sandbox created")
	return sandboxInfo(sb), nil
}

func buildCreate(opts driver.CreateOptions) (createRequest, error) {
	req := createRequest{
		Runtime:   resolveRuntime(opts.Image),
		TimeoutMs: opts.TimeoutMs,
		Ports:     opts.Ports(),
	}
	if req.TimeoutMs == 0 {
		req.TimeoutMs = defaultLifetimeMs
	}
	if n := vcpus(opts.CPU, opts.MemoryMiB); n > 0 {
		req.Resources = &resourceSpec{VCPUs: n}
	}

	if opts.Source == nil {
		return req, nil
	}
	switch opts.Source.Type {
	case driver.SourceGit:
		src := &sourceSpec{
			Type:     "git",
			URL:      opts.Source.URL,
			Revision: opts.Source.Revision,
			Depth:    opts.Source.Depth,
		}
		if opts.Source.Credentials != "" {
			src.Username = "x-access-token"
			src.Password = opts.Source.Credentials
		}
		req.Source = src
	case driver.SourceTarball:
		req.Source = &sourceSpec{Type: "tarball", URL: opts.Source.URL}
	default:
		return createRequest{}, errdefs.Unsupported(driver.ProviderVercel, "create from snapshot")
	}
	return req, nil
}

func (l *lifecycle) Destroy(ctx context.Context, id string) error {
	// Stop is terminal for a Vercel sandbox. Stopping one that is already
	// gone or already stopped leaves the same end state.
	err := l.a.api.Do(ctx, "POST", l.a.scoped("/v1/sandboxes/"+id+"/stop"), nil, nil)
	if err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
		return err
	}
	return nil
}

func (l *lifecycle) Status(ctx context.Context, id string) (driver.Status, error) {
	sb, err := l.a.get(ctx, id)
	if err != nil {
		return "", err
	}
	return mapState(sb.Status), nil
}

func (l *lifecycle) List(ctx context.Context) ([]driver.SandboxInfo, error) {
	var all []sandboxDetail
	next := ""
	for {
		path := "/v1/sandboxes"
		if next != "" {
			path += "?next=" + url.QueryEscape(next)
		}
		var page listResponse
		if err := l.a.api.Do(ctx, "GET", l.a.scoped(path), nil, &page); err != nil {
			if errdefs.IsNetwork(err) || errdefs.IsTimeout(err) {
				log.Warn().Err(err).Msg("Vercel list degraded to empty result")
				return []driver.SandboxInfo{}, nil
			}
			return nil, err
		}
		all = append(all, page.Sandboxes...)
		if page.Next == "" {
			break
		}
		next = page.Next
	}
	return lo.Map(all, func(sb sandboxDetail, _ int) driver.SandboxInfo {
		return sandboxInfo(sb)
	}), nil
}

func (l *lifecycle) Get(ctx context.Context, id string) (driver.SandboxInfo, error) {
	sb, err := l.a.get(ctx, id)
	if err != nil {
		return driver.SandboxInfo{}, err
	}
	return sandboxInfo(sb), nil
}

func (a *Adapter) get(ctx context.Context, id string) (sandboxDetail, error) {
	var sb sandboxDetail
	if err := a.api.Do(ctx, "GET", a.scoped("/v1/sandboxes/"+id), nil, &sb); err != nil {
		return sandboxDetail{}, err
	}
	return sb, nil
}

// resolveRuntime folds an image reference onto the supported runtimes.
// Docker-style references cannot run here, so anything unrecognized falls
// back to the node runtime rather than failing the create.
func resolveRuntime(image string) string {
	lower := strings.ToLower(image)
	switch {
	case image == "":
		return defaultRuntime
	case strings.Contains(lower, "python"):
		return pythonRuntime
	case strings.Contains(lower, "node"):
		return defaultRuntime
	default:
		return defaultRuntime
	}
}

// vcpus sizes the sandbox from whichever of CPU and memory asks for more.
func vcpus(cpu float64, memoryMiB int64) int {
	n := 0
	if cpu > 0 {
		n = int(cpu)
		if cpu > float64(n) {
			n++
		}
	}
	if memoryMiB > 0 {
		m := int((memoryMiB + memoryPerVCPUMiB - 1) / memoryPerVCPUMiB)
		if m > n {
			n = m
		}
	}
	return n
}

func mapState(state string) driver.Status {
	switch strings.ToLower(state) {
	case "pending":
		return driver.StatusCreating
	case "running":
		return driver.StatusReady
	case "stopping", "stopped":
		return driver.StatusStopped
	default:
		return driver.StatusFailed
	}
}

func sandboxInfo(sb sandboxDetail) driver.SandboxInfo {
	info := driver.SandboxInfo{
		ID:        sb.ID,
		Provider:  driver.ProviderVercel,
		Status:    mapState(sb.Status),
		CreatedAt: sb.CreatedAt,
	}
	if sb.Runtime != "" {
		info.Metadata = map[string]string{"runtime": sb.Runtime}
	}
	return info
}
