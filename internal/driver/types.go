package driver

import (
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// Provider names accepted by the registry.
const (
	ProviderDocker     = "docker"
	ProviderE2B        = "e2b"
	ProviderModal      = "modal"
	ProviderDaytona    = "daytona"
	ProviderBlaxel     = "blaxel"
	ProviderCloudflare = "cloudflare"
	ProviderVercel     = "vercel"
)

// Providers lists every known provider name in registry order.
func Providers() []string {
	return []string{
		ProviderDocker, ProviderE2B, ProviderModal, ProviderDaytona,
		ProviderBlaxel, ProviderCloudflare, ProviderVercel,
	}
}

// Status is the uniform sandbox state. Providers report richer enums; each
// adapter maps them onto these four values.
type Status string

const (
	// StatusCreating indicates the sandbox is being provisioned.
	StatusCreating Status = "creating"

	// StatusReady indicates the sandbox is running and accepting work.
	StatusReady Status = "ready"

	// StatusStopped indicates the sandbox is paused or terminated. Providers
	// with native resume may bring a stopped sandbox back to ready.
	StatusStopped Status = "stopped"

	// StatusFailed indicates the sandbox is unusable. Terminal.
	StatusFailed Status = "failed"
)

// SandboxInfo describes one sandbox as seen through the uniform contract.
type SandboxInfo struct {
	// ID is the provider-assigned identifier. Immutable.
	ID string `json:"id"`

	// Name is the optional user label.
	Name string `json:"name,omitempty"`

	Provider string `json:"provider"`
	Status   Status `json:"status"`

	// CreatedAt never changes once set.
	CreatedAt time.Time `json:"created_at"`

	// Metadata carries provider-specific details (image, region, class).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RunCommand describes one command execution inside a sandbox.
type RunCommand struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`

	// Cwd is the working directory; empty means the sandbox default.
	Cwd string `json:"cwd,omitempty"`

	Env map[string]string `json:"env,omitempty"`

	// TimeoutMs bounds the execution; zero means the adapter default.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// Argv returns the command as a single argument vector.
func (c RunCommand) Argv() []string {
	return append([]string{c.Cmd}, c.Args...)
}

// Timeout returns the command timeout, or zero when unset.
func (c RunCommand) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RunResult is the outcome of a blocking command execution.
type RunResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Channel identifies which output stream a chunk belongs to.
type Channel string

const (
	Stdout Channel = "stdout"
	Stderr Channel = "stderr"
)

// ProcessChunk is one unit of streamed process output, emitted in arrival
// order with no re-framing of partial UTF-8.
type ProcessChunk struct {
	Channel Channel `json:"channel"`
	Data    []byte  `json:"data"`
}

// EntryType distinguishes files from directories in listings.
type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

// FsEntry is one directory listing entry.
type FsEntry struct {
	// Path is absolute inside the sandbox.
	Path string    `json:"path"`
	Type EntryType `json:"type"`

	// Size is in bytes; zero for directories on providers that omit it.
	Size int64 `json:"size,omitempty"`

	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// SnapshotInfo describes an immutable point-in-time capture of a sandbox.
// Restoring always produces a new sandbox.
type SnapshotInfo struct {
	ID        string            `json:"id"`
	SandboxID string            `json:"sandbox_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// VolumeInfo describes a persistent volume. Volumes outlive the sandboxes
// that mount them.
type VolumeInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// RunCodeInput is a snippet execution request.
type RunCodeInput struct {
	// Language accepts python/py, javascript/js, typescript/ts, bash/sh.
	Language string `json:"language"`

	Code      string `json:"code"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// ProcessInfo describes a background process started inside a sandbox.
type ProcessInfo struct {
	ID      string `json:"id"`
	Command string `json:"command,omitempty"`

	// Status is "running" or "exited".
	Status string `json:"status"`
}

// Background process status values.
const (
	ProcessRunning = "running"
	ProcessExited  = "exited"
)

// StartProcessOptions configures a background process launch.
type StartProcessOptions struct {
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args,omitempty"`
	Cwd  string            `json:"cwd,omitempty"`
	Env  map[string]string `json:"env,omitempty"`

	// Background detaches the process from the exec session so it survives
	// the call returning.
	Background bool `json:"background"`
}

// RemoveOptions controls filesystem removal.
type RemoveOptions struct {
	Recursive bool `json:"recursive,omitempty"`
	Force     bool `json:"force,omitempty"`
}

// SourceType tags the workspace seed variant in CreateOptions.
type SourceType string

const (
	SourceGit      SourceType = "git"
	SourceTarball  SourceType = "tarball"
	SourceSnapshot SourceType = "snapshot"
)

// Source seeds a new sandbox's workspace from a repository, an archive, or a
// prior snapshot.
type Source struct {
	Type SourceType `json:"type"`

	// URL is the repository or tarball location.
	URL string `json:"url,omitempty"`

	// Revision is the git branch, tag, or commit to check out.
	Revision string `json:"revision,omitempty"`

	// Depth limits git history; defaults to a shallow clone.
	Depth int `json:"depth,omitempty"`

	// Credentials is an optional token injected into the clone URL.
	Credentials string `json:"credentials,omitempty"`

	// SnapshotID selects the snapshot to restore from.
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// CreateOptions configures a new sandbox. Zero values mean "provider
// default" except where Validate documents otherwise.
type CreateOptions struct {
	Name string `json:"name,omitempty"`

	// Image is a provider-resolved reference. Adapters accept common Docker
	// tags and provider-native shortcuts and fall back to a documented
	// default when empty.
	Image string `json:"image,omitempty"`

	Env     map[string]string `json:"env,omitempty"`
	Workdir string            `json:"workdir,omitempty"`

	// CPU is fractional cores; MemoryMiB is the memory limit.
	CPU       float64 `json:"cpu,omitempty"`
	MemoryMiB int64   `json:"memory_mib,omitempty"`
	GPU       string  `json:"gpu,omitempty"`

	// TimeoutMs is the sandbox lifetime; IdleTimeoutMs the idle cutoff.
	TimeoutMs     int64 `json:"timeout_ms,omitempty"`
	IdleTimeoutMs int64 `json:"idle_timeout_ms,omitempty"`

	// Volumes maps mount path to volume name.
	Volumes map[string]string `json:"volumes,omitempty"`

	// Ports to expose. Encrypted ports get TLS-terminated tunnels where the
	// provider distinguishes; Docker treats both sets alike.
	EncryptedPorts   []int `json:"encrypted_ports,omitempty"`
	UnencryptedPorts []int `json:"unencrypted_ports,omitempty"`

	// Command overrides the image entrypoint argv.
	Command []string `json:"command,omitempty"`

	// Labels are attached to the provider resource where supported.
	Labels map[string]string `json:"labels,omitempty"`

	Source *Source `json:"source,omitempty"`
}

// Ports returns the union of encrypted and unencrypted ports, first
// occurrence order, duplicates removed.
func (o *CreateOptions) Ports() []int {
	return lo.Uniq(append(append([]int{}, o.EncryptedPorts...), o.UnencryptedPorts...))
}

// Resource ceilings enforced by Validate. Providers may impose lower limits.
const (
	maxCPU       = 16.0
	maxMemoryMiB = 64 * 1024
	maxTimeout   = 24 * time.Hour
)

// Validate checks the options and applies defaults.
func (o *CreateOptions) Validate() error {
	if o.CPU < 0 || o.MemoryMiB < 0 || o.TimeoutMs < 0 || o.IdleTimeoutMs < 0 {
		return errdefs.New(errdefs.KindValidation, "resource limits must not be negative")
	}
	if o.CPU > maxCPU {
		return errdefs.Newf(errdefs.KindValidation, "cpu %g exceeds the %g core ceiling", o.CPU, maxCPU)
	}
	if o.MemoryMiB > maxMemoryMiB {
		return errdefs.Newf(errdefs.KindValidation, "memory %d MiB exceeds the %d MiB ceiling", o.MemoryMiB, maxMemoryMiB)
	}
	if time.Duration(o.TimeoutMs)*time.Millisecond > maxTimeout {
		return errdefs.Newf(errdefs.KindValidation, "timeout exceeds %s", maxTimeout)
	}

	for _, p := range o.Ports() {
		if p < 1 || p > 65535 {
			return errdefs.Newf(errdefs.KindValidation, "port %d out of range", p)
		}
	}

	for mount, name := range o.Volumes {
		if !strings.HasPrefix(mount, "/") {
			return errdefs.Newf(errdefs.KindValidation, "volume mount path %q must be absolute", mount)
		}
		if name == "" {
			return errdefs.Newf(errdefs.KindValidation, "volume name for mount %q is empty", mount)
		}
	}

	if o.Source != nil {
		if err := o.Source.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) validate() error {
	switch s.Type {
	case SourceGit:
		if s.URL == "" {
			return errdefs.New(errdefs.KindValidation, "git source requires a url")
		}
		if s.Depth < 0 {
			return errdefs.New(errdefs.KindValidation, "git depth must not be negative")
		}
		if s.Depth == 0 {
			s.Depth = 1
		}
	case SourceTarball:
		if s.URL == "" {
			return errdefs.New(errdefs.KindValidation, "tarball source requires a url")
		}
	case SourceSnapshot:
		if s.SnapshotID == "" {
			return errdefs.New(errdefs.KindValidation, "snapshot source requires a snapshot id")
		}
	default:
		return errdefs.Newf(errdefs.KindValidation, "unknown source type %q", s.Type)
	}
	return nil
}
