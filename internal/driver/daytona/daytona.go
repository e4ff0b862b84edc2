// Package daytona implements the sandbox driver on the Daytona API.
// Lifecycle and volumes go through the control plane; command and file
// traffic goes through the per-sandbox toolbox endpoints. Daytona is the
// one backend with native pause/resume, and since its transitions are
// asynchronous the adapter polls until the state converges.
package daytona

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	retry "github.com/avast/retry-go"
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
	defaultBaseURL = "https://app.daytona.io/api"
	defaultImage   = "python:3.12-slim"

	// Convergence polling bounds for the asynchronous stop/start
	// transitions.
	convergeAttempts = 20
	convergeDelay    = 500 * time.Millisecond
	convergeMaxDelay = 5 * time.Second
)

// Adapter carries the API client and the volume name-to-id cache.
type Adapter struct {
	api     *httpapi.Client
	volumes *gocache.Cache
}

// New validates credentials and composes the driver.
func New(_ context.Context, cfg config.Provider) (*driver.Driver, error) {
	if cfg.APIKey == "" {
		return nil, errdefs.New(errdefs.KindAuthentication, "daytona: api key required (set DAYTONA_API_KEY)")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	api := httpapi.NewClient(driver.ProviderDaytona, base,
		func(h http.Header) { h.Set("Authorization", "Bearer "+cfg.APIKey) },
		httpapi.WithTimeout(cfg.Timeout()),
	)

	a := &Adapter{
		api:     api,
		volumes: gocache.New(time.Hour, 10*time.Minute),
	}

	p := &process{a: a}

	return driver.Compose(driver.ProviderDaytona, driver.Services{
		Lifecycle: &lifecycle{a: a},
		Process:   p,
		Fs:        &files{a: a},
		Volumes:   &volumes{a: a},
		Code:      shellfs.NewCode(p),
	}), nil
}

func init() {
	driver.Register(driver.ProviderDaytona, New)
}

type sandboxDetail struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	State     string            `json:"state"`
	CreatedAt time.Time         `json:"createdAt"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type volumeMount struct {
	VolumeID  string `json:"volumeId"`
	MountPath string `json:"mountPath"`
}

type createRequest struct {
	Name             string            `json:"name,omitempty"`
	Image            string            `json:"image"`
	Env              map[string]string `json:"env,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	CPU              int               `json:"cpu,omitempty"`
	Memory           int               `json:"memory,omitempty"`
	AutoStopInterval int               `json:"autoStopInterval,omitempty"`
	Volumes          []volumeMount     `json:"volumes,omitempty"`
}

type cloneRequest struct {
	URL      string `json:"url"`
	Path     string `json:"path"`
	Branch   string `json:"branch,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// lifecycle implements driver.Lifecycle plus PauseResumer.
type lifecycle struct {
	a *Adapter
}

func (l *lifecycle) Create(ctx context.Context, opts driver.CreateOptions) (driver.SandboxInfo, error) {
	if opts.Source != nil && opts.Source.Type == driver.SourceSnapshot {
		return driver.SandboxInfo{}, errdefs.Unsupported(driver.ProviderDaytona, "create from snapshot")
	}

	req, err := l.a.buildCreate(ctx, opts)
	if err != nil {
		return driver.SandboxInfo{}, err
	}

	var sb sandboxDetail
	if err := l.a.api.Do(ctx, "POST", "/sandbox", req, &sb); err != nil {
		return driver.SandboxInfo{}, err
	}

	if opts.Source != nil {
		if err := l.a.seed(ctx, sb.ID, opts); err != nil {
			l.a.rollback(sb.ID)
			return driver.SandboxInfo{}, err
		}
	}

	log.Info().Str("sandbox_id", sb.ID).Str("image", req.Image).Msg("Daytona sandbox created")
	return sandboxInfo(sb), nil
}

func (a *Adapter) buildCreate(ctx context.Context, opts driver.CreateOptions) (createRequest, error) {
	image := opts.Image
	if image == "" {
		image = defaultImage
	}

	req := createRequest{
		Name:             opts.Name,
		Image:            image,
		Env:              opts.Env,
		Labels:           opts.Labels,
		CPU:              ceilInt(opts.CPU),
		Memory:           gib(opts.MemoryMiB),
		AutoStopInterval: minutes(opts.IdleTimeoutMs),
	}

	for _, mountPath := range sortedKeys(opts.Volumes) {
		volumeID, err := a.resolveVolume(ctx, opts.Volumes[mountPath])
		if err != nil {
			return createRequest{}, err
		}
		req.Volumes = append(req.Volumes, volumeMount{VolumeID: volumeID, MountPath: mountPath})
	}
	return req, nil
}

func (l *lifecycle) Destroy(ctx context.Context, id string) error {
	err := l.a.api.Do(ctx, "DELETE", "/sandbox/"+id, nil, nil)
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
	var page []sandboxDetail
	if err := l.a.api.Do(ctx, "GET", "/sandbox", nil, &page); err != nil {
		if errdefs.IsNetwork(err) || errdefs.IsTimeout(err) {
			log.Warn().Err(err).Msg("Daytona list degraded to empty result")
			return []driver.SandboxInfo{}, nil
		}
		return nil, err
	}
	return lo.Map(page, func(sb sandboxDetail, _ int) driver.SandboxInfo {
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

// Pause stops the sandbox and waits for the state to converge.
func (l *lifecycle) Pause(ctx context.Context, id string) error {
	if err := l.a.api.Do(ctx, "POST", "/sandbox/"+id+"/stop", nil, nil); err != nil {
		return err
	}
	if err := l.a.converge(ctx, id, driver.StatusStopped); err != nil {
		return err
	}
	log.Info().Str("sandbox_id", id).Msg("Daytona sandbox stopped")
	return nil
}

// Resume starts a stopped sandbox and waits for it to be ready.
func (l *lifecycle) Resume(ctx context.Context, id string) error {
	if err := l.a.api.Do(ctx, "POST", "/sandbox/"+id+"/start", nil, nil); err != nil {
		return err
	}
	if err := l.a.converge(ctx, id, driver.StatusReady); err != nil {
		return err
	}
	log.Info().Str("sandbox_id", id).Msg("Daytona sandbox started")
	return nil
}

// converge polls the sandbox until it reaches want. Transitions normally
// land within a few seconds; the backoff caps the polling rate for slow
// ones.
func (a *Adapter) converge(ctx context.Context, id string, want driver.Status) error {
	err := retry.Do(
		func() error {
			sb, err := a.get(ctx, id)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			got := mapState(sb.State)
			if got == driver.StatusFailed {
				return retry.Unrecoverable(
					errdefs.Newf(errdefs.KindProvider, "sandbox %s entered state %s", id, sb.State))
			}
			if got != want {
				return fmt.Errorf("sandbox %s is %s, waiting for %s", id, sb.State, want)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(convergeAttempts),
		retry.Delay(convergeDelay),
		retry.MaxDelay(convergeMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return nil
	}
	if _, ok := errdefs.GetError(err); ok {
		return err
	}
	return errdefs.Wrap(err, errdefs.KindTimeout, "daytona: state did not converge")
}

func (a *Adapter) get(ctx context.Context, id string) (sandboxDetail, error) {
	var sb sandboxDetail
	if err := a.api.Do(ctx, "GET", "/sandbox/"+id, nil, &sb); err != nil {
		return sandboxDetail{}, err
	}
	return sb, nil
}

func (a *Adapter) rollback(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.api.Do(ctx, "DELETE", "/sandbox/"+id, nil, nil); err != nil && !errdefs.IsNotFound(err) {
		log.Warn().Err(err).Str("sandbox_id", id).Msg("rollback destroy failed")
	}
}

// seed populates the workspace. Git goes through the toolbox clone
// endpoint; tarballs unpack through the shell.
func (a *Adapter) seed(ctx context.Context, id string, opts driver.CreateOptions) error {
	dir := opts.Workdir
	if dir == "" {
		dir = "/workspace"
	}

	switch opts.Source.Type {
	case driver.SourceGit:
		req := cloneRequest{
			URL:    opts.Source.URL,
			Path:   dir,
			Branch: opts.Source.Revision,
		}
		if opts.Source.Credentials != "" {
			req.Username = "x-access-token"
			req.Password = opts.Source.Credentials
		}
		return a.api.Do(ctx, "POST", toolboxPath(id, "/git/clone"), req, nil)

	case driver.SourceTarball:
		p := &process{a: a}
		res, err := p.Run(ctx, id, driver.RunCommand{Cmd: shellfs.TarballLine(opts.Source.URL, dir)})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return errdefs.Classify(driver.ProviderDaytona, "create", 0, "", res.Stdout, nil)
		}
	}
	return nil
}

// toolboxPath builds the per-sandbox toolbox route.
func toolboxPath(id, suffix string) string {
	return "/toolbox/" + id + "/toolbox" + suffix
}

// mapState folds Daytona's sandbox states onto the uniform status.
func mapState(state string) driver.Status {
	switch state {
	case "creating", "starting", "restoring", "pending_build":
		return driver.StatusCreating
	case "started":
		return driver.StatusReady
	case "stopping", "stopped", "destroying", "destroyed", "archived":
		return driver.StatusStopped
	default:
		return driver.StatusFailed
	}
}

func sandboxInfo(sb sandboxDetail) driver.SandboxInfo {
	return driver.SandboxInfo{
		ID:        sb.ID,
		Name:      sb.Name,
		Provider:  driver.ProviderDaytona,
		Status:    mapState(sb.State),
		CreatedAt: sb.CreatedAt,
		Metadata:  sb.Labels,
	}
}

// ceilInt rounds fractional cores up; Daytona allocates whole cores.
func ceilInt(cpu float64) int {
	if cpu <= 0 {
		return 0
	}
	return int(math.Ceil(cpu))
}

// gib converts MiB to whole GiB, rounding up.
func gib(mib int64) int {
	if mib <= 0 {
		return 0
	}
	return int(math.Ceil(float64(mib) / 1024))
}

// minutes converts an idle timeout to whole minutes, rounding up so short
// timeouts do not disable auto-stop.
func minutes(ms int64) int {
	if ms <= 0 {
		return 0
	}
	m := int(math.Ceil(float64(ms) / 60_000))
	if m < 1 {
		m = 1
	}
	return m
}

func sortedKeys(m map[string]string) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
