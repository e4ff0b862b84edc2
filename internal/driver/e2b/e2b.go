// Package e2b implements the sandbox driver on the E2B cloud API. The
// control plane creates sandboxes from templates; command and file traffic
// goes to each sandbox's own envd endpoint, whose URL is discovered from
// the control plane and cached per sandbox.
package e2b

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/config"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/shellfs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/httpapi"
)

const (
	defaultBaseURL = "https://api.e2b.app"

	// defaultTemplate is E2B's stock template; it ships python and node.
	defaultTemplate = "base"

	// envdUser is the unix account envd file operations run as.
	envdUser = "user"

	// envdPort is the port envd listens on; it prefixes the sandbox host in
	// envd URLs, and port URLs swap it for the target port.
	envdPort = 49983

	// defaultLifetime applies when the caller sets no timeout, in seconds.
	defaultLifetime = 300
)

// Adapter holds the control-plane client and the per-sandbox envd URL
// cache. envd URLs are stable for a sandbox's lifetime, so the cache is
// only invalidated on destroy.
type Adapter struct {
	api  *httpapi.Client
	urls *gocache.Cache
}

// New validates credentials and composes the driver.
func New(_ context.Context, cfg config.Provider) (*driver.Driver, error) {
	if cfg.APIKey == "" {
		return nil, errdefs.New(errdefs.KindAuthentication, "e2b: api key required (set E2B_API_KEY)")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	api := httpapi.NewClient(driver.ProviderE2B, base,
		func(h http.Header) { h.Set("X-Api-Key", cfg.APIKey) },
		httpapi.WithTimeout(cfg.Timeout()),
	)

	a := &Adapter{
		api:  api,
		urls: gocache.New(time.Hour, 10*time.Minute),
	}

	p := &process{a: a}
	p.Procs = shellfs.NewProcs(driver.ProviderE2B, p)

	fs := &files{a: a, runner: p}
	fs.Fs = shellfs.NewFs(driver.ProviderE2B, p)

	return driver.Compose(driver.ProviderE2B, driver.Services{
		Lifecycle: &lifecycle{a: a},
		Process:   p,
		Fs:        fs,
		Code:      shellfs.NewCode(p),
	}), nil
}

func init() {
	driver.Register(driver.ProviderE2B, New)
}

// sandbox is the control-plane resource shape.
type sandbox struct {
	SandboxID  string            `json:"sandboxID"`
	TemplateID string            `json:"templateID"`
	State      string            `json:"state"`
	StartedAt  time.Time         `json:"startedAt"`
	EnvdURL    string            `json:"envdURL"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type createRequest struct {
	TemplateID string            `json:"templateID"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnvVars    map[string]string `json:"envVars,omitempty"`
	Timeout    int64             `json:"timeout,omitempty"`
}

type listResponse struct {
	Sandboxes []sandbox `json:"sandboxes"`
	NextToken string    `json:"nextToken"`
}

// lifecycle implements driver.Lifecycle.
type lifecycle struct {
	a *Adapter
}

func (l *lifecycle) Create(ctx context.Context, opts driver.CreateOptions) (driver.SandboxInfo, error) {
	if opts.Source != nil && opts.Source.Type == driver.SourceSnapshot {
		return driver.SandboxInfo{}, errdefs.Unsupported(driver.ProviderE2B, "create from snapshot")
	}

	metadata := lo.Assign(map[string]string{}, opts.Labels)
	if opts.Name != "" {
		metadata["name"] = opts.Name
	}

	req := createRequest{
		TemplateID: resolveTemplate(opts.Image),
		Metadata:   metadata,
		EnvVars:    opts.Env,
		Timeout:    lifetimeSeconds(opts),
	}

	var sb sandbox
	if err := l.a.api.Do(ctx, "POST", "/sandboxes", req, &sb); err != nil {
		return driver.SandboxInfo{}, err
	}
	l.a.cacheURL(sb)

	if opts.Source != nil {
		if err := l.a.seed(ctx, sb.SandboxID, opts); err != nil {
			l.a.rollback(sb.SandboxID)
			return driver.SandboxInfo{}, err
		}
	}

	log.Info().Str("sandbox_id", sb.SandboxID).Str("template", req.TemplateID).Msg("E2B sandbox created")
	info := sandboxInfo(sb)
	// Create returns only once the sandbox accepts connections.
	info.Status = driver.StatusReady
	return info, nil
}

// seed clones or unpacks the requested source through envd.
func (a *Adapter) seed(ctx context.Context, id string, opts driver.CreateOptions) error {
	dir := opts.Workdir
	if dir == "" {
		dir = "/home/user"
	}

	var line string
	switch opts.Source.Type {
	case driver.SourceGit:
		line = shellfs.CloneLine(*opts.Source, dir)
	case driver.SourceTarball:
		line = shellfs.TarballLine(opts.Source.URL, dir)
	default:
		return nil
	}

	p := &process{a: a}
	res, err := p.Run(ctx, id, driver.RunCommand{Cmd: line})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errdefs.Classify(driver.ProviderE2B, "create", 0, "", res.Stderr, nil)
	}
	return nil
}

func (a *Adapter) rollback(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.api.Do(ctx, "DELETE", "/sandboxes/"+id, nil, nil); err != nil && !errdefs.IsNotFound(err) {
		log.Warn().Err(err).Str("sandbox_id", id).Msg("rollback delete failed")
	}
}

func (l *lifecycle) Destroy(ctx context.Context, id string) error {
	err := l.a.api.Do(ctx, "DELETE", "/sandboxes/"+id, nil, nil)
	l.a.urls.Delete(id)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (l *lifecycle) Status(ctx context.Context, id string) (driver.Status, error) {
	sb, err := l.a.get(ctx, id)
	if err != nil {
		return "", err
	}
	return mapState(sb.State), nil
}

func (l *lifecycle) List(ctx context.Context) ([]driver.SandboxInfo, error) {
	var infos []driver.SandboxInfo

	token := ""
	for {
		path := "/sandboxes"
		if token != "" {
			path += "?nextToken=" + url.QueryEscape(token)
		}
		var page listResponse
		if err := l.a.api.Do(ctx, "GET", path, nil, &page); err != nil {
			if errdefs.IsNetwork(err) || errdefs.IsTimeout(err) {
				log.Warn().Err(err).Msg("E2B list degraded to empty result")
				return []driver.SandboxInfo{}, nil
			}
			return nil, err
		}
		for _, sb := range page.Sandboxes {
			l.a.cacheURL(sb)
			infos = append(infos, sandboxInfo(sb))
		}
		if page.NextToken == "" {
			return infos, nil
		}
		token = page.NextToken
	}
}

func (l *lifecycle) Get(ctx context.Context, id string) (driver.SandboxInfo, error) {
	sb, err := l.a.get(ctx, id)
	if err != nil {
		return driver.SandboxInfo{}, err
	}
	return sandboxInfo(sb), nil
}

func (a *Adapter) get(ctx context.Context, id string) (sandbox, error) {
	var sb sandbox
	if err := a.api.Do(ctx, "GET", "/sandboxes/"+id, nil, &sb); err != nil {
		return sandbox{}, err
	}
	a.cacheURL(sb)
	return sb, nil
}

func (a *Adapter) cacheURL(sb sandbox) {
	if sb.EnvdURL != "" {
		a.urls.Set(sb.SandboxID, sb.EnvdURL, gocache.DefaultExpiration)
	}
}

// envdURL resolves the sandbox's envd endpoint, from cache when possible.
func (a *Adapter) envdURL(ctx context.Context, id string) (string, error) {
	if v, ok := a.urls.Get(id); ok {
		return v.(string), nil
	}
	sb, err := a.get(ctx, id)
	if err != nil {
		return "", err
	}
	if sb.EnvdURL == "" {
		return "", errdefs.Newf(errdefs.KindProvider, "sandbox %s has no envd url", id)
	}
	return sb.EnvdURL, nil
}

// envd returns a client rooted at the sandbox's own endpoint.
func (a *Adapter) envd(ctx context.Context, id string) (*httpapi.Client, error) {
	u, err := a.envdURL(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.api.WithBaseURL(u), nil
}

// mapState folds E2B's state onto the uniform status. E2B sandboxes are
// either serving or paused; anything else is unexpected.
func mapState(state string) driver.Status {
	switch state {
	case "running":
		return driver.StatusReady
	case "paused":
		return driver.StatusStopped
	default:
		return driver.StatusFailed
	}
}

// resolveTemplate maps an image hint onto an E2B template name. E2B runs
// prebuilt templates rather than arbitrary images, so Docker-style
// references fold to the stock template; bare tokens pass through as
// template names.
func resolveTemplate(image string) string {
	if image == "" {
		return defaultTemplate
	}
	if strings.ContainsAny(image, ":/") {
		return defaultTemplate
	}
	return image
}

// lifetimeSeconds picks the sandbox timeout. E2B's timeout extends on
// activity, which matches the idle-timeout semantics more closely than the
// hard lifetime, so the idle value wins when both are set.
func lifetimeSeconds(opts driver.CreateOptions) int64 {
	ms := opts.IdleTimeoutMs
	if ms == 0 {
		ms = opts.TimeoutMs
	}
	if ms == 0 {
		return defaultLifetime
	}
	secs := ms / 1000
	if secs < 1 {
		secs = 1
	}
	return secs
}

func sandboxInfo(sb sandbox) driver.SandboxInfo {
	return driver.SandboxInfo{
		ID:        sb.SandboxID,
		Name:      sb.Metadata["name"],
		Provider:  driver.ProviderE2B,
		Status:    mapState(sb.State),
		CreatedAt: sb.StartedAt,
		Metadata:  map[string]string{"template": sb.TemplateID},
	}
}
