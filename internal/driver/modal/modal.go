// Package modal implements the sandbox driver on the Modal API. Modal has
// no native pause, so Pause snapshots the filesystem, terminates the
// sandbox, and Resume boots a replacement from the snapshot image. The
// adapter keeps an alias table so callers keep using the original id across
// that swap.
package modal

import (
	"context"
	"net/http"
	"sort"
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
	defaultBaseURL = "https://api.modal.com/v1"
	defaultImage   = "python:3.12-slim"

	// defaultTimeoutMs bounds sandbox lifetime when the caller sets none.
	defaultTimeoutMs = 300_000
)

// Adapter carries the API client and the state that makes pseudo-pause
// transparent: alias maps caller-visible ids to the provider id currently
// backing them, paused maps ids to their snapshot image while suspended,
// and specs remembers create requests so Resume can rebuild faithfully.
type Adapter struct {
	api *httpapi.Client

	alias   *gocache.Cache
	paused  *gocache.Cache
	specs   *gocache.Cache
	volumes *gocache.Cache
}

// New validates credentials and composes the driver.
func New(_ context.Context, cfg config.Provider) (*driver.Driver, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errdefs.New(errdefs.KindAuthentication,
			"modal: token id and secret required (set MODAL_TOKEN_ID and MODAL_TOKEN_SECRET)")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	api := httpapi.NewClient(driver.ProviderModal, base,
		func(h http.Header) {
			h.Set("Modal-Key", cfg.APIKey)
			h.Set("Modal-Secret", cfg.APISecret)
		},
		httpapi.WithTimeout(cfg.Timeout()),
	)

	a := &Adapter{
		api:     api,
		alias:   gocache.New(gocache.NoExpiration, 0),
		paused:  gocache.New(gocache.NoExpiration, 0),
		specs:   gocache.New(24*time.Hour, time.Hour),
		volumes: gocache.New(time.Hour, 10*time.Minute),
	}

	p := &process{a: a}
	p.Procs = shellfs.NewProcs(driver.ProviderModal, p)

	return driver.Compose(driver.ProviderModal, driver.Services{
		Lifecycle: &lifecycle{a: a},
		Process:   p,
		Fs:        shellfs.NewFs(driver.ProviderModal, p),
		Snapshots: &snapshots{a: a},
		Volumes:   &volumes{a: a},
		Code:      shellfs.NewCode(p),
	}), nil
}

func init() {
	driver.Register(driver.ProviderModal, New)
}

// sandboxResult is set once the sandbox finished; a null result means it is
// still running.
type sandboxResult struct {
	ExitCode int `json:"exitcode"`
}

type sandboxDetail struct {
	SandboxID string            `json:"sandbox_id"`
	CreatedAt time.Time         `json:"created_at"`
	Result    *sandboxResult    `json:"result"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type volumeMount struct {
	VolumeID  string `json:"volume_id"`
	MountPath string `json:"mount_path"`
}

type createRequest struct {
	Image            string            `json:"image"`
	Command          []string          `json:"command,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Workdir          string            `json:"workdir,omitempty"`
	CPU              float64           `json:"cpu,omitempty"`
	MemoryMB         int64             `json:"memory_mb,omitempty"`
	GPU              string            `json:"gpu,omitempty"`
	TimeoutMs        int64             `json:"timeout_ms,omitempty"`
	Volumes          []volumeMount     `json:"volumes,omitempty"`
	EncryptedPorts   []int             `json:"encrypted_ports,omitempty"`
	UnencryptedPorts []int             `json:"unencrypted_ports,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

type listDetailResponse struct {
	Sandboxes []sandboxDetail `json:"sandboxes"`
}

// lifecycle implements driver.Lifecycle plus PauseResumer.
type lifecycle struct {
	a *Adapter
}

func (l *lifecycle) Create(ctx context.Context, opts driver.CreateOptions) (driver.SandboxInfo, error) {
	req, err := l.a.buildCreate(ctx, opts)
	if err != nil {
		return driver.SandboxInfo{}, err
	}

	sb, err := l.a.create(ctx, req)
	if err != nil {
		return driver.SandboxInfo{}, err
	}
	l.a.specs.Set(sb.SandboxID, req, gocache.DefaultExpiration)

	// Git and tarball sources are seeded by shelling into the sandbox;
	// snapshot sources already resolved to the image above.
	if opts.Source != nil && opts.Source.Type != driver.SourceSnapshot {
		if err := l.a.seed(ctx, sb.SandboxID, opts); err != nil {
			l.a.rollback(sb.SandboxID)
			return driver.SandboxInfo{}, err
		}
	}

	log.Info().Str("sandbox_id", sb.SandboxID).Str("image", req.Image).Msg("Modal sandbox created")
	return l.a.sandboxInfo(sb, sb.SandboxID), nil
}

func (a *Adapter) create(ctx context.Context, req createRequest) (sandboxDetail, error) {
	var sb sandboxDetail
	if err := a.api.Do(ctx, "POST", "/sandboxes", req, &sb); err != nil {
		return sandboxDetail{}, err
	}
	return sb, nil
}

// buildCreate translates uniform options into Modal's create request,
// resolving volume names to ids.
func (a *Adapter) buildCreate(ctx context.Context, opts driver.CreateOptions) (createRequest, error) {
	timeout := opts.TimeoutMs
	if timeout == 0 {
		timeout = defaultTimeoutMs
	}

	tags := lo.Assign(map[string]string{}, opts.Labels)
	if opts.Name != "" {
		tags["name"] = opts.Name
	}

	req := createRequest{
		Image:            resolveImage(opts),
		Command:          opts.Command,
		Env:              opts.Env,
		Workdir:          opts.Workdir,
		CPU:              opts.CPU,
		MemoryMB:         opts.MemoryMiB,
		GPU:              opts.GPU,
		TimeoutMs:        timeout,
		EncryptedPorts:   opts.EncryptedPorts,
		UnencryptedPorts: opts.UnencryptedPorts,
		Tags:             tags,
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
	cur := l.a.resolve(id)
	err := l.a.api.Do(ctx, "DELETE", "/sandboxes/"+cur, nil, nil)
	l.a.forget(id, cur)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (l *lifecycle) Status(ctx context.Context, id string) (driver.Status, error) {
	if _, ok := l.a.paused.Get(id); ok {
		return driver.StatusStopped, nil
	}
	sb, err := l.a.get(ctx, l.a.resolve(id))
	if err != nil {
		return "", err
	}
	return mapResult(sb.Result), nil
}

func (l *lifecycle) List(ctx context.Context) ([]driver.SandboxInfo, error) {
	var page listDetailResponse
	if err := l.a.api.Do(ctx, "GET", "/sandboxes", nil, &page); err != nil {
		if errdefs.IsNetwork(err) || errdefs.IsTimeout(err) {
			log.Warn().Err(err).Msg("Modal list degraded to empty result")
			return []driver.SandboxInfo{}, nil
		}
		return nil, err
	}

	// Provider ids that back an alias are reported under their public id.
	public := make(map[string]string)
	for pub, item := range l.a.alias.Items() {
		public[item.Object.(string)] = pub
	}

	infos := lo.Map(page.Sandboxes, func(sb sandboxDetail, _ int) driver.SandboxInfo {
		id := sb.SandboxID
		if pub, ok := public[id]; ok {
			id = pub
		}
		return l.a.sandboxInfo(sb, id)
	})

	// Paused sandboxes are terminated on the provider side, so fold them
	// back in from the snapshot table.
	for id, item := range l.a.paused.Items() {
		infos = append(infos, driver.SandboxInfo{
			ID:       id,
			Provider: driver.ProviderModal,
			Status:   driver.StatusStopped,
			Metadata: map[string]string{"snapshot": item.Object.(string)},
		})
	}
	return infos, nil
}

func (l *lifecycle) Get(ctx context.Context, id string) (driver.SandboxInfo, error) {
	if v, ok := l.a.paused.Get(id); ok {
		return driver.SandboxInfo{
			ID:       id,
			Provider: driver.ProviderModal,
			Status:   driver.StatusStopped,
			Metadata: map[string]string{"snapshot": v.(string)},
		}, nil
	}
	sb, err := l.a.get(ctx, l.a.resolve(id))
	if err != nil {
		return driver.SandboxInfo{}, err
	}
	return l.a.sandboxInfo(sb, id), nil
}

// Pause snapshots the filesystem and terminates the sandbox. The snapshot
// image is kept so Resume can rebuild.
func (l *lifecycle) Pause(ctx context.Context, id string) error {
	if _, ok := l.a.paused.Get(id); ok {
		return errdefs.Newf(errdefs.KindConflict, "sandbox %s is already paused", id)
	}
	cur := l.a.resolve(id)

	imageID, err := l.a.snapshot(ctx, cur, map[string]string{"paused_from": id})
	if err != nil {
		return err
	}
	if err := l.a.api.Do(ctx, "DELETE", "/sandboxes/"+cur, nil, nil); err != nil && !errdefs.IsNotFound(err) {
		return err
	}

	// Carry the spec over to the public id so Resume finds it even after
	// several pause cycles.
	if spec, ok := l.a.specs.Get(cur); ok && cur != id {
		l.a.specs.Set(id, spec, gocache.DefaultExpiration)
	}
	l.a.paused.Set(id, imageID, gocache.DefaultExpiration)
	l.a.alias.Delete(id)

	log.Info().Str("sandbox_id", id).Str("snapshot", imageID).Msg("Modal sandbox paused via snapshot")
	return nil
}

// Resume boots a replacement sandbox from the pause snapshot and aliases
// the original id onto it.
func (l *lifecycle) Resume(ctx context.Context, id string) error {
	v, ok := l.a.paused.Get(id)
	if !ok {
		return errdefs.Newf(errdefs.KindConflict, "sandbox %s is not paused", id)
	}

	req := l.a.specFor(id)
	req.Image = v.(string)

	sb, err := l.a.create(ctx, req)
	if err != nil {
		return err
	}

	l.a.alias.Set(id, sb.SandboxID, gocache.DefaultExpiration)
	l.a.specs.Set(id, req, gocache.DefaultExpiration)
	l.a.paused.Delete(id)

	log.Info().Str("sandbox_id", id).Str("backing_id", sb.SandboxID).Msg("Modal sandbox resumed from snapshot")
	return nil
}

func (a *Adapter) get(ctx context.Context, id string) (sandboxDetail, error) {
	var sb sandboxDetail
	if err := a.api.Do(ctx, "GET", "/sandboxes/"+id, nil, &sb); err != nil {
		return sandboxDetail{}, err
	}
	return sb, nil
}

// resolve maps a caller-visible id to the provider id currently backing it.
func (a *Adapter) resolve(id string) string {
	if v, ok := a.alias.Get(id); ok {
		return v.(string)
	}
	return id
}

// forget drops all pseudo-pause state for a destroyed sandbox.
func (a *Adapter) forget(id, cur string) {
	a.alias.Delete(id)
	a.paused.Delete(id)
	a.specs.Delete(id)
	a.specs.Delete(cur)
}

// specFor returns the remembered create request, or a minimal default when
// the spec cache no longer has it.
func (a *Adapter) specFor(id string) createRequest {
	if v, ok := a.specs.Get(id); ok {
		return v.(createRequest)
	}
	return createRequest{TimeoutMs: defaultTimeoutMs}
}

func (a *Adapter) snapshot(ctx context.Context, id string, metadata map[string]string) (string, error) {
	var out struct {
		ImageID string `json:"image_id"`
	}
	body := map[string]any{}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	if err := a.api.Do(ctx, "POST", "/sandboxes/"+id+"/snapshot", body, &out); err != nil {
		return "", err
	}
	if out.ImageID == "" {
		return "", errdefs.New(errdefs.KindProvider, "modal: snapshot returned no image id")
	}
	return out.ImageID, nil
}

func (a *Adapter) rollback(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.api.Do(ctx, "DELETE", "/sandboxes/"+id, nil, nil); err != nil && !errdefs.IsNotFound(err) {
		log.Warn().Err(err).Str("sandbox_id", id).Msg("rollback terminate failed")
	}
}

// seed clones or unpacks the requested source inside the sandbox.
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
		return errdefs.Classify(driver.ProviderModal, "create", 0, "", res.Stderr, nil)
	}
	return nil
}

// mapResult folds Modal's run state onto the uniform status. A sandbox is
// running until its result is set.
func mapResult(res *sandboxResult) driver.Status {
	if res == nil {
		return driver.StatusReady
	}
	return driver.StatusStopped
}

// resolveImage picks the container image; a snapshot source wins over the
// image hint because restore must reproduce the captured filesystem.
func resolveImage(opts driver.CreateOptions) string {
	if opts.Source != nil && opts.Source.Type == driver.SourceSnapshot {
		return opts.Source.SnapshotID
	}
	if opts.Image != "" {
		return opts.Image
	}
	return defaultImage
}

func (a *Adapter) sandboxInfo(sb sandboxDetail, id string) driver.SandboxInfo {
	info := driver.SandboxInfo{
		ID:        id,
		Name:      sb.Tags["name"],
		Provider:  driver.ProviderModal,
		Status:    mapResult(sb.Result),
		CreatedAt: sb.CreatedAt,
	}
	if sb.SandboxID != id {
		info.Metadata = map[string]string{"backing_id": sb.SandboxID}
	}
	return info
}

func sortedKeys(m map[string]string) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
