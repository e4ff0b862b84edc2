// Package docker implements the sandbox driver against a local Docker
// daemon through the engine API. Containers are kept alive with a no-op
// entrypoint and commands run as execs. Requested ports bind to random host
// ports which are cached per sandbox so URLs can be synthesized later.
package docker

import (
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/config"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/shellfs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

const (
	// ManagedLabel marks containers and volumes owned by this process so
	// startup garbage collection never touches foreign resources.
	ManagedLabel = "dev.sandboxd.managed"

	nameLabel       = "dev.sandboxd.name"
	snapshotOfLabel = "dev.sandboxd.snapshot_of"
	metaLabelPrefix = "dev.sandboxd.meta."

	defaultImage   = "python:3.12-slim"
	defaultWorkdir = "/workspace"

	// snapshotRepo is the image repository snapshots are committed under.
	snapshotRepo = "sandbox-snapshot"
)

// Adapter holds the engine client and the state shared by the capability
// services: the advertise host for synthesized URLs and the per-sandbox
// container-port to host-port cache.
type Adapter struct {
	cli            *client.Client
	advertiseHost  string
	defaultTimeout time.Duration
	ports          *gocache.Cache
}

// New connects to the Docker daemon and composes the driver. The daemon is
// pinged eagerly so a missing daemon fails at compose time, not on first use.
func New(ctx context.Context, cfg config.Provider) (*driver.Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, dockerErr(err, "new_client")
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, dockerErr(err, "ping")
	}

	go cleanupOrphans(cli)

	host := cfg.AdvertiseHost
	if host == "" {
		host = "127.0.0.1"
	}

	a := &Adapter{
		cli:            cli,
		advertiseHost:  host,
		defaultTimeout: cfg.Timeout(),
		ports:          gocache.New(time.Hour, 10*time.Minute),
	}

	p := &process{a: a}
	p.Procs = shellfs.NewProcs(driver.ProviderDocker, p)

	return driver.Compose(driver.ProviderDocker, driver.Services{
		Lifecycle: &lifecycle{a: a},
		Process:   p,
		Fs:        &files{a: a},
		Snapshots: &snapshots{a: a},
		Volumes:   &volumes{a: a},
		Code:      shellfs.NewCode(p),
	}), nil
}

func init() {
	driver.Register(driver.ProviderDocker, New)
}

// cleanupOrphans removes label-managed containers left behind by a previous
// process. Sandboxes do not survive a restart, so anything still carrying
// the label is garbage.
func cleanupOrphans(cli *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list orphaned containers")
		return
	}

	count := 0
	for _, c := range list {
		err := cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil {
			log.Warn().Str("id", c.ID).Err(err).Msg("Failed to remove orphan")
		} else {
			count++
		}
	}
	if count > 0 {
		log.Info().Int("count", count).Msg("Removed orphaned sandbox containers")
	}
}

// dockerErr classifies an engine API error by its message.
func dockerErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return errdefs.Classify(driver.ProviderDocker, op, 0, "", err.Error(), err)
}

// lifecycle implements driver.Lifecycle and driver.PauseResumer.
type lifecycle struct {
	a *Adapter
}

func (l *lifecycle) Create(ctx context.Context, opts driver.CreateOptions) (driver.SandboxInfo, error) {
	image := resolveImage(opts)
	if err := l.a.ensureImage(ctx, image); err != nil {
		return driver.SandboxInfo{}, err
	}

	workdir := opts.Workdir
	if workdir == "" && opts.Source != nil {
		workdir = defaultWorkdir
	}

	labels := lo.Assign(map[string]string{}, opts.Labels)
	labels[ManagedLabel] = "true"
	if opts.Name != "" {
		labels[nameLabel] = opts.Name
	}

	cmd := opts.Command
	if len(cmd) == 0 {
		// Keep the container alive so commands can be exec'd into it.
		cmd = []string{"tail", "-f", "/dev/null"}
	}

	exposed, bindings := portBindings(opts.Ports())

	created, err := l.a.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        image,
			Cmd:          cmd,
			Env:          envSlice(opts.Env),
			Labels:       labels,
			WorkingDir:   workdir,
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			Resources:    containerResources(opts),
			Mounts:       volumeMounts(opts.Volumes),
			PortBindings: bindings,
		},
		nil, nil, "")
	if err != nil {
		return driver.SandboxInfo{}, dockerErr(err, "create")
	}
	id := created.ID

	if err := l.a.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		l.rollback(id)
		return driver.SandboxInfo{}, dockerErr(err, "start")
	}

	if opts.Source != nil {
		if err := l.seedWorkspace(ctx, id, *opts.Source, workdir); err != nil {
			l.rollback(id)
			return driver.SandboxInfo{}, err
		}
	}

	info, err := l.a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return driver.SandboxInfo{}, dockerErr(err, "inspect")
	}
	l.a.ports.Set(id, parsePortMap(info.NetworkSettings.Ports), gocache.DefaultExpiration)

	if ttl := time.Duration(opts.TimeoutMs) * time.Millisecond; ttl > 0 {
		go l.expireAfter(id, ttl)
	}

	log.Info().Str("sandbox_id", id).Str("image", image).Msg("Docker sandbox created")
	return sandboxInfo(info), nil
}

func (l *lifecycle) Destroy(ctx context.Context, id string) error {
	err := l.a.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	l.a.ports.Delete(id)
	if err != nil && !client.IsErrNotFound(err) {
		return dockerErr(err, "remove")
	}
	return nil
}

func (l *lifecycle) Status(ctx context.Context, id string) (driver.Status, error) {
	info, err := l.a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", dockerErr(err, "inspect")
	}
	if info.State == nil {
		return driver.StatusFailed, nil
	}
	return mapState(info.State.Status), nil
}

func (l *lifecycle) List(ctx context.Context) ([]driver.SandboxInfo, error) {
	list, err := l.a.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		cerr := dockerErr(err, "list")
		if errdefs.IsNetwork(cerr) || errdefs.IsTimeout(cerr) {
			log.Warn().Err(err).Msg("Docker list degraded to empty result")
			return []driver.SandboxInfo{}, nil
		}
		return nil, cerr
	}

	return lo.Map(list, func(c types.Container, _ int) driver.SandboxInfo {
		return driver.SandboxInfo{
			ID:        c.ID,
			Name:      c.Labels[nameLabel],
			Provider:  driver.ProviderDocker,
			Status:    mapState(c.State),
			CreatedAt: time.Unix(c.Created, 0).UTC(),
			Metadata:  map[string]string{"image": c.Image},
		}
	}), nil
}

func (l *lifecycle) Get(ctx context.Context, id string) (driver.SandboxInfo, error) {
	info, err := l.a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return driver.SandboxInfo{}, dockerErr(err, "inspect")
	}
	return sandboxInfo(info), nil
}

func (l *lifecycle) Pause(ctx context.Context, id string) error {
	if err := l.a.cli.ContainerPause(ctx, id); err != nil {
		return dockerErr(err, "pause")
	}
	return nil
}

func (l *lifecycle) Resume(ctx context.Context, id string) error {
	if err := l.a.cli.ContainerUnpause(ctx, id); err != nil {
		return dockerErr(err, "resume")
	}
	return nil
}

// rollback removes a half-created container after a create step failed.
func (l *lifecycle) rollback(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.Destroy(ctx, id); err != nil {
		log.Warn().Err(err).Str("sandbox_id", id).Msg("Failed to clean up after create error")
	}
}

// expireAfter enforces the sandbox lifetime. Destroy is idempotent, so a
// sandbox removed by the user before its TTL costs nothing here.
func (l *lifecycle) expireAfter(id string, ttl time.Duration) {
	time.Sleep(ttl)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.Destroy(ctx, id); err != nil {
		log.Warn().Err(err).Str("sandbox_id", id).Msg("TTL expiry cleanup failed")
	}
}

// ensureImage pulls the image when it is not present locally.
func (a *Adapter) ensureImage(ctx context.Context, image string) error {
	_, _, err := a.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return dockerErr(err, "inspect_image")
	}

	log.Info().Str("image", image).Msg("Image not found locally, pulling")
	reader, err := a.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return dockerErr(err, "pull")
	}
	defer reader.Close()
	// Drain the progress stream so the pull completes.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return dockerErr(err, "pull")
	}
	return nil
}

// hostPorts returns the container-port to host-port mapping, refreshed from
// an inspect when the cache has expired.
func (a *Adapter) hostPorts(ctx context.Context, id string) (map[int]int, error) {
	if v, ok := a.ports.Get(id); ok {
		return v.(map[int]int), nil
	}
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, dockerErr(err, "inspect")
	}
	m := parsePortMap(info.NetworkSettings.Ports)
	a.ports.Set(id, m, gocache.DefaultExpiration)
	return m, nil
}

// mapState folds Docker's container state onto the uniform status.
func mapState(state string) driver.Status {
	switch state {
	case "created", "restarting":
		return driver.StatusCreating
	case "running":
		return driver.StatusReady
	case "paused", "exited", "removing":
		return driver.StatusStopped
	default:
		// "dead" and anything the engine grows later.
		return driver.StatusFailed
	}
}

// resolveImage picks the image reference for a create. A snapshot source
// wins over an explicit image since the snapshot is the whole point.
func resolveImage(opts driver.CreateOptions) string {
	if opts.Source != nil && opts.Source.Type == driver.SourceSnapshot {
		return snapshotImageRef(opts.Source.SnapshotID)
	}
	if opts.Image != "" {
		return opts.Image
	}
	return defaultImage
}

// snapshotImageRef maps a bare snapshot id onto its committed image tag.
// Fully qualified references pass through so foreign images keep working.
func snapshotImageRef(id string) string {
	if strings.ContainsAny(id, ":/") {
		return id
	}
	return snapshotRepo + ":" + id
}

func sandboxInfo(info types.ContainerJSON) driver.SandboxInfo {
	created, _ := time.Parse(time.RFC3339Nano, info.Created)
	status := driver.StatusFailed
	if info.State != nil {
		status = mapState(info.State.Status)
	}
	return driver.SandboxInfo{
		ID:        info.ID,
		Name:      info.Config.Labels[nameLabel],
		Provider:  driver.ProviderDocker,
		Status:    status,
		CreatedAt: created,
		Metadata:  map[string]string{"image": info.Config.Image},
	}
}

// portBindings asks the engine for a random host port per requested
// container port, the SDK equivalent of -p 0:{port}.
func portBindings(ports []int) (nat.PortSet, nat.PortMap) {
	if len(ports) == 0 {
		return nil, nil
	}
	set := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		port := nat.Port(strconv.Itoa(p) + "/tcp")
		set[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: "0"}}
	}
	return set, bindings
}

// parsePortMap extracts container-port to host-port pairs from an inspect.
func parsePortMap(ports nat.PortMap) map[int]int {
	m := make(map[int]int, len(ports))
	for port, bindings := range ports {
		for _, b := range bindings {
			hp, err := strconv.Atoi(b.HostPort)
			if err != nil || hp == 0 {
				continue
			}
			m[port.Int()] = hp
			break
		}
	}
	return m
}

func containerResources(opts driver.CreateOptions) container.Resources {
	var res container.Resources
	if opts.CPU > 0 {
		// NanoCPUs: 1.0 core = 1e9.
		res.NanoCPUs = int64(opts.CPU * 1e9)
	}
	if opts.MemoryMiB > 0 {
		res.Memory = opts.MemoryMiB << 20
	}
	return res
}

func volumeMounts(vols map[string]string) []mount.Mount {
	if len(vols) == 0 {
		return nil
	}
	mounts := make([]mount.Mount, 0, len(vols))
	for target, name := range vols {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: name,
			Target: target,
		})
	}
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].Target < mounts[j].Target })
	return mounts
}

// envSlice flattens an env map into sorted K=V pairs.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	pairs := lo.MapToSlice(env, func(k, v string) string { return k + "=" + v })
	sort.Strings(pairs)
	return pairs
}
