package driver

import (
	"context"
	"io/fs"
)

// Monolith is the legacy all-in-one driver shape: a single type carrying
// every operation with distinct method names. New adapters implement the
// capability services directly; SplitMonolith keeps old implementations
// usable behind the same facade during migration.
type Monolith interface {
	Provider() string

	CreateSandbox(ctx context.Context, opts CreateOptions) (SandboxInfo, error)
	DestroySandbox(ctx context.Context, id string) error
	SandboxStatus(ctx context.Context, id string) (Status, error)
	ListSandboxes(ctx context.Context) ([]SandboxInfo, error)
	GetSandbox(ctx context.Context, id string) (SandboxInfo, error)

	Run(ctx context.Context, id string, cmd RunCommand) (RunResult, error)
	Stream(ctx context.Context, id string, cmd RunCommand) (<-chan ProcessChunk, error)

	ReadFile(ctx context.Context, id string, path string) ([]byte, error)
	WriteFile(ctx context.Context, id string, path string, data []byte, mode fs.FileMode) error
	ListDir(ctx context.Context, id string, path string, recursive bool) ([]FsEntry, error)
	Mkdir(ctx context.Context, id string, path string) error
	Remove(ctx context.Context, id string, path string, opts RemoveOptions) error

	CreateSnapshot(ctx context.Context, id string, metadata map[string]string) (SnapshotInfo, error)
	ListSnapshots(ctx context.Context, id string) ([]SnapshotInfo, error)

	CreateVolume(ctx context.Context, name string) (VolumeInfo, error)
	DeleteVolume(ctx context.Context, name string) error
	ListVolumes(ctx context.Context) ([]VolumeInfo, error)
	GetVolume(ctx context.Context, name string) (VolumeInfo, error)

	RunCode(ctx context.Context, id string, input RunCodeInput) (RunResult, error)
}

// SplitMonolith exposes a monolithic driver through the capability facade.
// Optional operations are discovered on the monolith itself, so a monolith
// that implements PauseResumer keeps pause support after the split.
func SplitMonolith(m Monolith) *Driver {
	d := Compose(m.Provider(), Services{
		Lifecycle: monolithLifecycle{m},
		Process:   monolithProcess{m},
		Fs:        monolithFs{m},
		Snapshots: monolithSnapshots{m},
		Volumes:   monolithVolumes{m},
		Code:      monolithCode{m},
	})
	if pr, ok := m.(PauseResumer); ok {
		d.pause = pr
	}
	if pm, ok := m.(ProcessManager); ok {
		d.procs = pm
	}
	if pe, ok := m.(PortExposer); ok {
		d.ports = pe
	}
	if sr, ok := m.(SnapshotRestorer); ok {
		d.restore = sr
	}
	return d
}

type monolithLifecycle struct{ m Monolith }

func (l monolithLifecycle) Create(ctx context.Context, opts CreateOptions) (SandboxInfo, error) {
	return l.m.CreateSandbox(ctx, opts)
}

func (l monolithLifecycle) Destroy(ctx context.Context, id string) error {
	return l.m.DestroySandbox(ctx, id)
}

func (l monolithLifecycle) Status(ctx context.Context, id string) (Status, error) {
	return l.m.SandboxStatus(ctx, id)
}

func (l monolithLifecycle) List(ctx context.Context) ([]SandboxInfo, error) {
	return l.m.ListSandboxes(ctx)
}

func (l monolithLifecycle) Get(ctx context.Context, id string) (SandboxInfo, error) {
	return l.m.GetSandbox(ctx, id)
}

type monolithProcess struct{ m Monolith }

func (p monolithProcess) Run(ctx context.Context, id string, cmd RunCommand) (RunResult, error) {
	return p.m.Run(ctx, id, cmd)
}

func (p monolithProcess) Stream(ctx context.Context, id string, cmd RunCommand) (<-chan ProcessChunk, error) {
	return p.m.Stream(ctx, id, cmd)
}

type monolithFs struct{ m Monolith }

func (f monolithFs) ReadFile(ctx context.Context, id string, path string) ([]byte, error) {
	return f.m.ReadFile(ctx, id, path)
}

func (f monolithFs) WriteFile(ctx context.Context, id string, path string, data []byte, mode fs.FileMode) error {
	return f.m.WriteFile(ctx, id, path, data, mode)
}

func (f monolithFs) ListDir(ctx context.Context, id string, path string, recursive bool) ([]FsEntry, error) {
	return f.m.ListDir(ctx, id, path, recursive)
}

func (f monolithFs) Mkdir(ctx context.Context, id string, path string) error {
	return f.m.Mkdir(ctx, id, path)
}

func (f monolithFs) Remove(ctx context.Context, id string, path string, opts RemoveOptions) error {
	return f.m.Remove(ctx, id, path, opts)
}

type monolithSnapshots struct{ m Monolith }

func (s monolithSnapshots) Create(ctx context.Context, id string, metadata map[string]string) (SnapshotInfo, error) {
	return s.m.CreateSnapshot(ctx, id, metadata)
}

func (s monolithSnapshots) List(ctx context.Context, id string) ([]SnapshotInfo, error) {
	return s.m.ListSnapshots(ctx, id)
}

type monolithVolumes struct{ m Monolith }

func (v monolithVolumes) Create(ctx context.Context, name string) (VolumeInfo, error) {
	return v.m.CreateVolume(ctx, name)
}

func (v monolithVolumes) Delete(ctx context.Context, name string) error {
	return v.m.DeleteVolume(ctx, name)
}

func (v monolithVolumes) List(ctx context.Context) ([]VolumeInfo, error) {
	return v.m.ListVolumes(ctx)
}

func (v monolithVolumes) Get(ctx context.Context, name string) (VolumeInfo, error) {
	return v.m.GetVolume(ctx, name)
}

type monolithCode struct{ m Monolith }

func (c monolithCode) RunCode(ctx context.Context, id string, input RunCodeInput) (RunResult, error) {
	return c.m.RunCode(ctx, id, input)
}
