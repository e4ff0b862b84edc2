// Package driver defines the capability contracts every sandbox backend
// satisfies and the facade that composes them.
//
// A backend is not one big interface. It is up to six orthogonal services
// (Lifecycle, Process, Fs, Snapshots, Volumes, Code) plus optional
// operations discovered by interface assertion (pause/resume, background
// processes, port URLs, snapshot restore). The Driver facade dispatches to
// whatever the provider wired in and answers everything else with an
// unsupported error, so callers never need provider-specific branches.
package driver

import (
	"context"
	"io/fs"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// Services is the bundle of capability implementations for one provider.
// Nil slots mean the provider does not support that capability group.
type Services struct {
	Lifecycle Lifecycle
	Process   Process
	Fs        Fs
	Snapshots Snapshots
	Volumes   Volumes
	Code      Code
}

// Driver is the composite facade over one provider's capability services.
// It is safe for concurrent use when its services are.
type Driver struct {
	provider string

	lifecycle Lifecycle
	process   Process
	fs        Fs
	snapshots Snapshots
	volumes   Volumes
	code      Code

	// Optional operations, nil when the provider lacks them.
	pause   PauseResumer
	procs   ProcessManager
	ports   PortExposer
	restore SnapshotRestorer
}

// Compose assembles a Driver from capability services. Optional operations
// are discovered by asserting the corresponding service, so an adapter adds
// pause support simply by implementing PauseResumer on its lifecycle.
func Compose(provider string, svcs Services) *Driver {
	d := &Driver{
		provider:  provider,
		lifecycle: svcs.Lifecycle,
		process:   svcs.Process,
		fs:        svcs.Fs,
		snapshots: svcs.Snapshots,
		volumes:   svcs.Volumes,
		code:      svcs.Code,
	}
	if pr, ok := svcs.Lifecycle.(PauseResumer); ok {
		d.pause = pr
	}
	if pm, ok := svcs.Process.(ProcessManager); ok {
		d.procs = pm
	}
	if pe, ok := svcs.Process.(PortExposer); ok {
		d.ports = pe
	}
	if sr, ok := svcs.Snapshots.(SnapshotRestorer); ok {
		d.restore = sr
	}
	return d
}

// Provider returns the backend name this driver targets.
func (d *Driver) Provider() string { return d.provider }

// Capabilities reports what this driver supports.
func (d *Driver) Capabilities() Capabilities {
	return Capabilities{
		Lifecycle:           d.lifecycle != nil,
		Process:             d.process != nil,
		Fs:                  d.fs != nil,
		Snapshots:           d.snapshots != nil,
		Volumes:             d.volumes != nil,
		Code:                d.code != nil,
		PauseResume:         d.pause != nil,
		BackgroundProcesses: d.procs != nil,
		PortURLs:            d.ports != nil,
		SnapshotRestore:     d.restore != nil,
	}
}

// wrap tags err with provider, capability and operation context, plus the
// sandbox id when one is in play. Existing context on err wins.
func (d *Driver) wrap(err error, capability, op, sandboxID string) error {
	if err == nil {
		return nil
	}
	err = errdefs.WithContext(err, d.provider, capability, op)
	if sandboxID != "" {
		err = errdefs.WithSandbox(err, sandboxID)
	}
	return err
}

// LIFECYCLE

// Create validates opts, applies defaults, and provisions a sandbox.
func (d *Driver) Create(ctx context.Context, opts CreateOptions) (SandboxInfo, error) {
	if d.lifecycle == nil {
		return SandboxInfo{}, errdefs.Unsupported(d.provider, "create")
	}
	if err := opts.Validate(); err != nil {
		return SandboxInfo{}, d.wrap(err, "lifecycle", "create", "")
	}
	info, err := d.lifecycle.Create(ctx, opts)
	return info, d.wrap(err, "lifecycle", "create", "")
}

func (d *Driver) Destroy(ctx context.Context, id string) error {
	if d.lifecycle == nil {
		return errdefs.Unsupported(d.provider, "destroy")
	}
	return d.wrap(d.lifecycle.Destroy(ctx, id), "lifecycle", "destroy", id)
}

func (d *Driver) Status(ctx context.Context, id string) (Status, error) {
	if d.lifecycle == nil {
		return "", errdefs.Unsupported(d.provider, "status")
	}
	status, err := d.lifecycle.Status(ctx, id)
	return status, d.wrap(err, "lifecycle", "status", id)
}

func (d *Driver) List(ctx context.Context) ([]SandboxInfo, error) {
	if d.lifecycle == nil {
		return nil, errdefs.Unsupported(d.provider, "list")
	}
	infos, err := d.lifecycle.List(ctx)
	return infos, d.wrap(err, "lifecycle", "list", "")
}

func (d *Driver) Get(ctx context.Context, id string) (SandboxInfo, error) {
	if d.lifecycle == nil {
		return SandboxInfo{}, errdefs.Unsupported(d.provider, "get")
	}
	info, err := d.lifecycle.Get(ctx, id)
	return info, d.wrap(err, "lifecycle", "get", id)
}

// Pause suspends the sandbox when the provider supports it.
func (d *Driver) Pause(ctx context.Context, id string) error {
	if d.pause == nil {
		return errdefs.Unsupported(d.provider, "pause")
	}
	return d.wrap(d.pause.Pause(ctx, id), "lifecycle", "pause", id)
}

// Resume brings a paused sandbox back to ready.
func (d *Driver) Resume(ctx context.Context, id string) error {
	if d.pause == nil {
		return errdefs.Unsupported(d.provider, "resume")
	}
	return d.wrap(d.pause.Resume(ctx, id), "lifecycle", "resume", id)
}

// PROCESS

func (d *Driver) Run(ctx context.Context, id string, cmd RunCommand) (RunResult, error) {
	if d.process == nil {
		return RunResult{}, errdefs.Unsupported(d.provider, "run")
	}
	res, err := d.process.Run(ctx, id, cmd)
	return res, d.wrap(err, "process", "run", id)
}

func (d *Driver) Stream(ctx context.Context, id string, cmd RunCommand) (<-chan ProcessChunk, error) {
	if d.process == nil {
		return nil, errdefs.Unsupported(d.provider, "stream")
	}
	ch, err := d.process.Stream(ctx, id, cmd)
	return ch, d.wrap(err, "process", "stream", id)
}

func (d *Driver) StartProcess(ctx context.Context, id string, opts StartProcessOptions) (ProcessInfo, error) {
	if d.procs == nil {
		return ProcessInfo{}, errdefs.Unsupported(d.provider, "start_process")
	}
	info, err := d.procs.StartProcess(ctx, id, opts)
	return info, d.wrap(err, "process", "start_process", id)
}

func (d *Driver) StopProcess(ctx context.Context, id string, processID string) error {
	if d.procs == nil {
		return errdefs.Unsupported(d.provider, "stop_process")
	}
	return d.wrap(d.procs.StopProcess(ctx, id, processID), "process", "stop_process", id)
}

// ProcessURLs resolves public URLs for ports the sandbox listens on.
func (d *Driver) ProcessURLs(ctx context.Context, id string, ports []int) (map[int]string, error) {
	if d.ports == nil {
		return nil, errdefs.Unsupported(d.provider, "process_urls")
	}
	urls, err := d.ports.ProcessURLs(ctx, id, ports)
	return urls, d.wrap(err, "process", "process_urls", id)
}

// FILESYSTEM

func (d *Driver) ReadFile(ctx context.Context, id string, path string) ([]byte, error) {
	if d.fs == nil {
		return nil, errdefs.Unsupported(d.provider, "read_file")
	}
	data, err := d.fs.ReadFile(ctx, id, path)
	return data, d.wrap(err, "fs", "read_file", id)
}

func (d *Driver) WriteFile(ctx context.Context, id string, path string, data []byte, mode fs.FileMode) error {
	if d.fs == nil {
		return errdefs.Unsupported(d.provider, "write_file")
	}
	return d.wrap(d.fs.WriteFile(ctx, id, path, data, mode), "fs", "write_file", id)
}

func (d *Driver) ListDir(ctx context.Context, id string, path string, recursive bool) ([]FsEntry, error) {
	if d.fs == nil {
		return nil, errdefs.Unsupported(d.provider, "list_dir")
	}
	entries, err := d.fs.ListDir(ctx, id, path, recursive)
	return entries, d.wrap(err, "fs", "list_dir", id)
}

func (d *Driver) Mkdir(ctx context.Context, id string, path string) error {
	if d.fs == nil {
		return errdefs.Unsupported(d.provider, "mkdir")
	}
	return d.wrap(d.fs.Mkdir(ctx, id, path), "fs", "mkdir", id)
}

func (d *Driver) Remove(ctx context.Context, id string, path string, opts RemoveOptions) error {
	if d.fs == nil {
		return errdefs.Unsupported(d.provider, "remove")
	}
	return d.wrap(d.fs.Remove(ctx, id, path, opts), "fs", "remove", id)
}

// SNAPSHOTS

func (d *Driver) CreateSnapshot(ctx context.Context, id string, metadata map[string]string) (SnapshotInfo, error) {
	if d.snapshots == nil {
		return SnapshotInfo{}, errdefs.Unsupported(d.provider, "create_snapshot")
	}
	info, err := d.snapshots.Create(ctx, id, metadata)
	return info, d.wrap(err, "snapshots", "create_snapshot", id)
}

func (d *Driver) ListSnapshots(ctx context.Context, id string) ([]SnapshotInfo, error) {
	if d.snapshots == nil {
		return nil, errdefs.Unsupported(d.provider, "list_snapshots")
	}
	infos, err := d.snapshots.List(ctx, id)
	return infos, d.wrap(err, "snapshots", "list_snapshots", id)
}

// RestoreSnapshot creates a new sandbox seeded from the snapshot.
func (d *Driver) RestoreSnapshot(ctx context.Context, id string, snapshotID string) (SandboxInfo, error) {
	if d.restore == nil {
		return SandboxInfo{}, errdefs.Unsupported(d.provider, "restore_snapshot")
	}
	info, err := d.restore.Restore(ctx, id, snapshotID)
	return info, d.wrap(err, "snapshots", "restore_snapshot", id)
}

// VOLUMES

func (d *Driver) CreateVolume(ctx context.Context, name string) (VolumeInfo, error) {
	if d.volumes == nil {
		return VolumeInfo{}, errdefs.Unsupported(d.provider, "create_volume")
	}
	info, err := d.volumes.Create(ctx, name)
	return info, d.wrap(err, "volumes", "create_volume", "")
}

func (d *Driver) DeleteVolume(ctx context.Context, name string) error {
	if d.volumes == nil {
		return errdefs.Unsupported(d.provider, "delete_volume")
	}
	return d.wrap(d.volumes.Delete(ctx, name), "volumes", "delete_volume", "")
}

func (d *Driver) ListVolumes(ctx context.Context) ([]VolumeInfo, error) {
	if d.volumes == nil {
		return nil, errdefs.Unsupported(d.provider, "list_volumes")
	}
	infos, err := d.volumes.List(ctx)
	return infos, d.wrap(err, "volumes", "list_volumes", "")
}

func (d *Driver) GetVolume(ctx context.Context, name string) (VolumeInfo, error) {
	if d.volumes == nil {
		return VolumeInfo{}, errdefs.Unsupported(d.provider, "get_volume")
	}
	info, err := d.volumes.Get(ctx, name)
	return info, d.wrap(err, "volumes", "get_volume", "")
}

// CODE

// RunCode executes a snippet through the language's interpreter.
func (d *Driver) RunCode(ctx context.Context, id string, input RunCodeInput) (RunResult, error) {
	if d.code == nil {
		return RunResult{}, errdefs.Unsupported(d.provider, "run_code")
	}
	res, err := d.code.RunCode(ctx, id, input)
	return res, d.wrap(err, "code", "run_code", id)
}
