package driver

import (
	"context"
	"io/fs"
)

// Lifecycle creates and manages sandboxes.
type Lifecycle interface {
	// Create provisions a sandbox and returns it once the provider has
	// assigned an id. The sandbox may still be in StatusCreating.
	Create(ctx context.Context, opts CreateOptions) (SandboxInfo, error)

	// Destroy terminates the sandbox and releases its resources. Destroying
	// a sandbox that is already gone is not an error.
	Destroy(ctx context.Context, id string) error

	// Status reports the current uniform status.
	Status(ctx context.Context, id string) (Status, error)

	// List returns the sandboxes visible to this driver. An empty slice on a
	// transient provider hiccup is acceptable; List is the one operation
	// allowed to degrade instead of failing.
	List(ctx context.Context) ([]SandboxInfo, error)

	// Get returns a single sandbox by id.
	Get(ctx context.Context, id string) (SandboxInfo, error)
}

// PauseResumer is implemented by lifecycles with native suspend support.
// Status after Pause converges to StatusStopped asynchronously; callers poll.
type PauseResumer interface {
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
}

// Process executes commands inside a sandbox.
type Process interface {
	// Run blocks until the command exits or times out. A non-zero exit code
	// is a successful Run with RunResult.ExitCode set, not an error.
	Run(ctx context.Context, id string, cmd RunCommand) (RunResult, error)

	// Stream starts the command and returns its interleaved output as a
	// channel of chunks. The channel closes when the process exits. The
	// stream is finite and not restartable. Cancelling ctx aborts the remote
	// process best-effort.
	Stream(ctx context.Context, id string, cmd RunCommand) (<-chan ProcessChunk, error)
}

// ProcessManager is implemented by processes that can launch and stop
// detached background processes.
type ProcessManager interface {
	StartProcess(ctx context.Context, id string, opts StartProcessOptions) (ProcessInfo, error)
	StopProcess(ctx context.Context, id string, processID string) error
}

// PortExposer resolves public URLs for ports the sandbox listens on.
type PortExposer interface {
	// ProcessURLs maps each requested port to a reachable URL. Ports the
	// provider has not exposed are absent from the result.
	ProcessURLs(ctx context.Context, id string, ports []int) (map[int]string, error)
}

// Fs manipulates the sandbox filesystem.
type Fs interface {
	ReadFile(ctx context.Context, id string, path string) ([]byte, error)

	// WriteFile creates or replaces the file. A zero mode means 0644.
	WriteFile(ctx context.Context, id string, path string, data []byte, mode fs.FileMode) error

	ListDir(ctx context.Context, id string, path string, recursive bool) ([]FsEntry, error)

	// Mkdir creates the directory and any missing parents.
	Mkdir(ctx context.Context, id string, path string) error

	Remove(ctx context.Context, id string, path string, opts RemoveOptions) error
}

// Snapshots captures sandbox state.
type Snapshots interface {
	Create(ctx context.Context, id string, metadata map[string]string) (SnapshotInfo, error)
	List(ctx context.Context, id string) ([]SnapshotInfo, error)
}

// SnapshotRestorer is implemented by snapshot services that can seed a new
// sandbox from a snapshot. The source sandbox is never mutated.
type SnapshotRestorer interface {
	Restore(ctx context.Context, id string, snapshotID string) (SandboxInfo, error)
}

// Volumes manages persistent volumes, addressed by user-chosen name.
type Volumes interface {
	Create(ctx context.Context, name string) (VolumeInfo, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]VolumeInfo, error)
	Get(ctx context.Context, name string) (VolumeInfo, error)
}

// Code runs short snippets through language-appropriate interpreters.
type Code interface {
	RunCode(ctx context.Context, id string, input RunCodeInput) (RunResult, error)
}

// Capabilities reports which operations a composed driver supports. The
// first six flags mirror the service slots; the rest are the optional
// operations discovered on those services.
type Capabilities struct {
	Lifecycle bool `json:"lifecycle"`
	Process   bool `json:"process"`
	Fs        bool `json:"fs"`
	Snapshots bool `json:"snapshots"`
	Volumes   bool `json:"volumes"`
	Code      bool `json:"code"`

	PauseResume         bool `json:"pause_resume"`
	BackgroundProcesses bool `json:"background_processes"`
	PortURLs            bool `json:"port_urls"`
	SnapshotRestore     bool `json:"snapshot_restore"`
}
