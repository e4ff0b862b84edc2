// Package store defines the persistence interfaces for run history and
// per-user records, plus an in-memory reference implementation. The real
// document store lives outside this process; servers that have one plug it
// in behind these interfaces, everything else runs on memory.
package store

import (
	"context"
	"time"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/events"
)

// User is an account known to the server. ClerkID ties the record to the
// external auth plane.
type User struct {
	ID        string    `json:"id"`
	ClerkID   string    `json:"clerkId,omitempty"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sandbox is the persisted record of a provisioned sandbox. SandboxID is
// the provider-assigned id; ID is the store's own key.
type Sandbox struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	SandboxID string    `json:"sandboxId"`
	Provider  string    `json:"provider"`
	Image     string    `json:"image,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RunLane is one provider's slice of a persisted run.
type RunLane struct {
	Provider  string `json:"provider"`
	SandboxID string `json:"sandboxId,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Run is the persisted snapshot of an orchestrated run.
type Run struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId,omitempty"`
	RepoURL    string    `json:"repoUrl"`
	Branch     string    `json:"branch,omitempty"`
	Task       string    `json:"task"`
	Status     string    `json:"status"`
	Lanes      []RunLane `json:"lanes"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// ProviderKey is an opaque per-user provider credential. The secret is
// stored as given; this layer does not interpret it.
type ProviderKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Provider  string    `json:"provider"`
	Label     string    `json:"label,omitempty"`
	Secret    string    `json:"secret"`
	CreatedAt time.Time `json:"createdAt"`
}

// Users stores accounts.
type Users interface {
	Put(ctx context.Context, u User) error
	Get(ctx context.Context, id string) (User, error)
	ByClerkID(ctx context.Context, clerkID string) (User, error)
}

// Sandboxes stores sandbox records. Put upserts by ID.
type Sandboxes interface {
	Put(ctx context.Context, s Sandbox) error
	Get(ctx context.Context, id string) (Sandbox, error)
	ByUser(ctx context.Context, userID string) ([]Sandbox, error)
	BySandboxID(ctx context.Context, sandboxID string) (Sandbox, error)
}

// Runs stores run snapshots. Put upserts by ID; an upsert with a zero
// UserID or StartedAt keeps the existing values, so orchestrator updates
// cannot erase what the API layer recorded at start.
type Runs interface {
	Put(ctx context.Context, r Run) error
	Get(ctx context.Context, id string) (Run, error)
	ByUser(ctx context.Context, userID string) ([]Run, error)
	BySandbox(ctx context.Context, sandboxID string) ([]Run, error)
}

// AgentEvents stores the per-run event history mirrored off the bus.
type AgentEvents interface {
	Append(ctx context.Context, runID string, evt events.AgentEvent) error
	ByRun(ctx context.Context, runID string) ([]events.AgentEvent, error)
}

// ProviderKeys stores per-user provider credentials.
type ProviderKeys interface {
	Put(ctx context.Context, k ProviderKey) error
	Get(ctx context.Context, id string) (ProviderKey, error)
	Delete(ctx context.Context, id string) error
	ByUser(ctx context.Context, userID string) ([]ProviderKey, error)
	ByUserProvider(ctx context.Context, userID, provider string) (ProviderKey, error)
}

// Store bundles the five tables.
type Store struct {
	Users        Users
	Sandboxes    Sandboxes
	Runs         Runs
	AgentEvents  AgentEvents
	ProviderKeys ProviderKeys
}
