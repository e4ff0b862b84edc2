// Package blaxel implements the sandbox driver on the Blaxel API. Sandboxes
// are addressed by name; each one serves its own process and filesystem API
// at a URL the control plane hands out, which the adapter discovers once
// and caches. Blaxel puts idle sandboxes into standby on its own, so there
// is no explicit pause here.
package blaxel

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
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
	defaultBaseURL = "https://api.blaxel.ai/v0"
	defaultImage   = "blaxel/prod-base:latest"
)

// Adapter carries the control-plane client and the per-sandbox URL cache.
type Adapter struct {
	api  *httpapi.Client
	urls *gocache.Cache
}

// New validates credentials and composes the driver.
func New(_ context.Context, cfg config.Provider) (*driver.Driver, error) {
	if cfg.APIKey == "" {
		return nil, errdefs.New(errdefs.KindAuthentication, "blaxel: api key required (set BLAXEL_API_KEY)")
	}
	if cfg.Workspace == "" {
		return nil, errdefs.New(errdefs.KindAuthentication, "blaxel: workspace required (set BLAXEL_WORKSPACE)")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	api := httpapi.NewClient(driver.ProviderBlaxel, base,
		func(h http.Header) {
			h.Set("Authorization", "Bearer "+cfg.APIKey)
			h.Set("X-Blaxel-Workspace", cfg.Workspace)
		},
		httpapi.WithTimeout(cfg.Timeout()),
	)

	a := &Adapter{
		api:  api,
		urls: gocache.New(time.Hour, 10*time.Minute),
	}

	p := &process{a: a}

	return driver.Compose(driver.ProviderBlaxel, driver.Services{
		Lifecycle: &lifecycle{a: a},
		Process:   p,
		Fs:        &files{a: a},
		Code:      shellfs.NewCode(p),
	}), nil
}

func init() {
	driver.Register(driver.ProviderBlaxel, New)
}

type resourceMeta struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"createdAt,omitempty"`
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type portSpec struct {
	Target   int    `json:"target"`
	Protocol string `json:"protocol,omitempty"`
}

type runtimeSpec struct {
	Image  string    `json:"image,omitempty"`
	Memory int64     `json:"memory,omitempty"`
	Ports  []portSpec `json:"ports,omitempty"`
	Envs   []envVar   `json:"envs,omitempty"`
}

type sandboxSpec struct {
	Runtime runtimeSpec `json:"runtime"`
}

// sandboxResource is the control-plane shape. URL is where the sandbox's
// own API listens once deployed.
type sandboxResource struct {
	Metadata resourceMeta `json:"metadata"`
	Spec     sandboxSpec  `json:"spec"`
	Status   string       `json:"status,omitempty"`
	URL      string       `json:"url,omitempty"`
}

// lifecycle implements driver.Lifecycle.
type lifecycle struct {
	a *Adapter
}

func (l *lifecycle) Create(ctx context.Context, opts driver.CreateOptions) (driver.SandboxInfo, error) {
	if opts.Source != nil && opts.Source.Type == driver.SourceSnapshot {
		return driver.SandboxInfo{}, errdefs.Unsupported(driver.ProviderBlaxel, "create from snapshot")
	}

	name := opts.Name
	if name == "" {
		name = "sandbox-" + uuid.NewString()[:8]
	}

	resource := sandboxResource{
		Metadata: resourceMeta{Name: name, Labels: opts.Labels},
		Spec:     sandboxSpec{Runtime: buildRuntime(opts)},
	}

	var sb sandboxResource
	if err := l.a.api.Do(ctx, "POST", "/sandboxes", resource, &sb); err != nil {
		return driver.SandboxInfo{}, err
	}
	l.a.cacheURL(sb)

	if opts.Source != nil {
		if err := l.a.seed(ctx, name, opts); err != nil {
			l.a.rollback(name)
			return driver.SandboxInfo{}, err
		}
	}

	log.Info().Str("sandbox_id", name).Str("image", resource.Spec.Runtime.Image).Msg("Blaxel sandbox created")
	return sandboxInfo(sb), nil
}

func buildRuntime(opts driver.CreateOptions) runtimeSpec {
	image := opts.Image
	if image == "" {
		image = defaultImage
	}

	rt := runtimeSpec{Image: image, Memory: opts.MemoryMiB}
	for _, p := range opts.Ports() {
		rt.Ports = append(rt.Ports, portSpec{Target: p, Protocol: "HTTP"})
	}
	for _, k := range sortedKeys(opts.Env) {
		rt.Envs = append(rt.Envs, envVar{Name: k, Value: opts.Env[k]})
	}
	return rt
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
	return mapState(sb.Status), nil
}

func (l *lifecycle) List(ctx context.Context) ([]driver.SandboxInfo, error) {
	var page []sandboxResource
	if err := l.a.api.Do(ctx, "GET", "/sandboxes", nil, &page); err != nil {
		if errdefs.IsNetwork(err) || errdefs.IsTimeout(err) {
			log.Warn().Err(err).Msg("Blaxel list degraded to empty result")
			return []driver.SandboxInfo{}, nil
		}
		return nil, err
	}
	for _, sb := range page {
		l.a.cacheURL(sb)
	}
	return lo.Map(page, func(sb sandboxResource, _ int) driver.SandboxInfo {
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

func (a *Adapter) get(ctx context.Context, id string) (sandboxResource, error) {
	var sb sandboxResource
	if err := a.api.Do(ctx, "GET", "/sandboxes/"+id, nil, &sb); err != nil {
		return sandboxResource{}, err
	}
	a.cacheURL(sb)
	return sb, nil
}

func (a *Adapter) cacheURL(sb sandboxResource) {
	if sb.URL != "" {
		a.urls.Set(sb.Metadata.Name, sb.URL, gocache.DefaultExpiration)
	}
}

// data returns a client rooted at the sandbox's own API.
func (a *Adapter) data(ctx context.Context, id string) (*httpapi.Client, error) {
	if v, ok := a.urls.Get(id); ok {
		return a.api.WithBaseURL(v.(string)), nil
	}
	sb, err := a.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.URL == "" {
		return nil, errdefs.Newf(errdefs.KindConflict, "sandbox %s is not deployed yet", id)
	}
	return a.api.WithBaseURL(sb.URL), nil
}

func (a *Adapter) rollback(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.api.Do(ctx, "DELETE", "/sandboxes/"+id, nil, nil); err != nil && !errdefs.IsNotFound(err) {
		log.Warn().Err(err).Str("sandbox_id", id).Msg("rollback delete failed")
	}
}

// seed clones or unpacks the requested source through the sandbox API.
func (a *Adapter) seed(ctx context.Context, id string, opts driver.CreateOptions) error {
	dir := opts.Workdir
	if dir == "" {
		dir = "/workspace"
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
		return errdefs.Classify(driver.ProviderBlaxel, "create", 0, "", res.Stderr, nil)
	}
	return nil
}

// mapState folds Blaxel's deployment states onto the uniform status.
func mapState(state string) driver.Status {
	switch strings.ToUpper(state) {
	case "DEPLOYING", "UPLOADING", "BUILDING":
		return driver.StatusCreating
	case "DEPLOYED":
		return driver.StatusReady
	case "DEACTIVATING", "DEACTIVATED", "TERMINATING", "TERMINATED":
		return driver.StatusStopped
	default:
		return driver.StatusFailed
	}
}

func sandboxInfo(sb sandboxResource) driver.SandboxInfo {
	return driver.SandboxInfo{
		ID:        sb.Metadata.Name,
		Name:      sb.Metadata.Name,
		Provider:  driver.ProviderBlaxel,
		Status:    mapState(sb.Status),
		CreatedAt: sb.Metadata.CreatedAt,
		Metadata:  sb.Metadata.Labels,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
