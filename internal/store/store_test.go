package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/events"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/run"
)

func TestUsersByClerkID(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Users.Put(ctx, User{ID: "u1", ClerkID: "clerk_abc", Email: "a@example.com"}))
	require.NoError(t, s.Users.Put(ctx, User{ID: "u2", ClerkID: "clerk_def"}))

	u, err := s.Users.ByClerkID(ctx, "clerk_abc")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "a@example.com", u.Email)

	_, err = s.Users.ByClerkID(ctx, "clerk_missing")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = s.Users.Get(ctx, "u3")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSandboxIndexes(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Sandboxes.Put(ctx, Sandbox{
		ID: "r1", UserID: "u1", SandboxID: "sb-old", Provider: "docker",
		Status: "ready", CreatedAt: base,
	}))
	require.NoError(t, s.Sandboxes.Put(ctx, Sandbox{
		ID: "r2", UserID: "u1", SandboxID: "sb-new", Provider: "e2b",
		Status: "ready", CreatedAt: base.Add(time.Hour),
	}))
	require.NoError(t, s.Sandboxes.Put(ctx, Sandbox{
		ID: "r3", UserID: "u2", SandboxID: "sb-other", Provider: "docker",
		Status: "ready", CreatedAt: base,
	}))

	list, err := s.Sandboxes.ByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "sb-new", list[0].SandboxID)
	assert.Equal(t, "sb-old", list[1].SandboxID)

	got, err := s.Sandboxes.BySandboxID(ctx, "sb-other")
	require.NoError(t, err)
	assert.Equal(t, "r3", got.ID)
	assert.Equal(t, "u2", got.UserID)

	_, err = s.Sandboxes.BySandboxID(ctx, "sb-missing")
	assert.True(t, errdefs.IsNotFound(err))

	// Status updates without a CreatedAt keep the original timestamp.
	require.NoError(t, s.Sandboxes.Put(ctx, Sandbox{
		ID: "r1", UserID: "u1", SandboxID: "sb-old", Provider: "docker",
		Status: "stopped", UpdatedAt: base.Add(2 * time.Hour),
	}))
	got, err = s.Sandboxes.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "stopped", got.Status)
	assert.Equal(t, base, got.CreatedAt)
}

func TestRunsUpsertPreservesOwnership(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Runs.Put(ctx, Run{
		ID: "run-1", UserID: "u1", RepoURL: "https://github.com/acme/demo-app",
		Task: "fix the build", Status: "running", StartedAt: started,
	}))

	// Orchestrator snapshots carry no user; the upsert must keep it.
	require.NoError(t, s.Runs.Put(ctx, Run{
		ID: "run-1", RepoURL: "https://github.com/acme/demo-app",
		Task: "fix the build", Status: "completed",
		Lanes:      []RunLane{{Provider: "docker", SandboxID: "sb-1", Status: "completed"}},
		FinishedAt: started.Add(time.Minute),
	}))

	got, err := s.Runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, started, got.StartedAt)
	assert.Equal(t, "completed", got.Status)
	require.Len(t, got.Lanes, 1)
	assert.Equal(t, "sb-1", got.Lanes[0].SandboxID)

	byUser, err := s.Runs.ByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "run-1", byUser[0].ID)

	bySandbox, err := s.Runs.BySandbox(ctx, "sb-1")
	require.NoError(t, err)
	require.Len(t, bySandbox, 1)
	assert.Equal(t, "run-1", bySandbox[0].ID)

	bySandbox, err = s.Runs.BySandbox(ctx, "sb-none")
	require.NoError(t, err)
	assert.Empty(t, bySandbox)
}

func TestRunsByUserNewestFirst(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Runs.Put(ctx, Run{ID: "run-a", UserID: "u1", Task: "a", StartedAt: base}))
	require.NoError(t, s.Runs.Put(ctx, Run{ID: "run-b", UserID: "u1", Task: "b", StartedAt: base.Add(time.Hour)}))
	require.NoError(t, s.Runs.Put(ctx, Run{ID: "run-c", UserID: "u2", Task: "c", StartedAt: base}))

	list, err := s.Runs.ByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-b", list[0].ID)
	assert.Equal(t, "run-a", list[1].ID)
}

func TestAgentEventsByRun(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		evt := events.New(events.TypeOutput, "docker", map[string]any{"line": i})
		evt.Seq = uint64(i + 1)
		require.NoError(t, s.AgentEvents.Append(ctx, "run-1", evt))
	}
	require.NoError(t, s.AgentEvents.Append(ctx, "run-2", events.New(events.TypeStatus, "e2b", nil)))

	got, err := s.AgentEvents.ByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, evt := range got {
		assert.Equal(t, uint64(i+1), evt.Seq)
		assert.Equal(t, "docker", evt.Provider)
	}

	other, err := s.AgentEvents.ByRun(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, events.TypeStatus, other[0].Type)

	empty, err := s.AgentEvents.ByRun(ctx, "run-none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestProviderKeys(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.ProviderKeys.Put(ctx, ProviderKey{
		ID: "k1", UserID: "u1", Provider: "e2b", Label: "old", Secret: "e2b_one", CreatedAt: base,
	}))
	require.NoError(t, s.ProviderKeys.Put(ctx, ProviderKey{
		ID: "k2", UserID: "u1", Provider: "e2b", Label: "new", Secret: "e2b_two", CreatedAt: base.Add(time.Hour),
	}))
	require.NoError(t, s.ProviderKeys.Put(ctx, ProviderKey{
		ID: "k3", UserID: "u1", Provider: "modal", Secret: "modal_one", CreatedAt: base,
	}))

	// Newest key wins when a user holds several for one provider.
	k, err := s.ProviderKeys.ByUserProvider(ctx, "u1", "e2b")
	require.NoError(t, err)
	assert.Equal(t, "k2", k.ID)
	assert.Equal(t, "e2b_two", k.Secret)

	list, err := s.ProviderKeys.ByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "k2", list[0].ID)

	require.NoError(t, s.ProviderKeys.Delete(ctx, "k2"))
	k, err = s.ProviderKeys.ByUserProvider(ctx, "u1", "e2b")
	require.NoError(t, err)
	assert.Equal(t, "k1", k.ID)

	err = s.ProviderKeys.Delete(ctx, "k2")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = s.ProviderKeys.ByUserProvider(ctx, "u1", "daytona")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRecorderMapsRunState(t *testing.T) {
	s := NewMemory()
	rec := NewRecorder(s)
	ctx := context.Background()
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	state := run.State{
		ID:      "run-1",
		RepoURL: "https://github.com/acme/demo-app",
		Branch:  "main",
		Task:    "fix the build",
		Status:  run.StatusFailed,
		Lanes: []run.LaneState{
			{Provider: "docker", SandboxID: "sb-1", Status: run.StatusCompleted},
			{Provider: "modal", Status: run.StatusFailed, Error: "quota exceeded"},
		},
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	}
	require.NoError(t, rec.SaveRun(ctx, state))

	got, err := s.Runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "main", got.Branch)
	require.Len(t, got.Lanes, 2)
	assert.Equal(t, RunLane{Provider: "docker", SandboxID: "sb-1", Status: "completed"}, got.Lanes[0])
	assert.Equal(t, RunLane{Provider: "modal", Status: "failed", Error: "quota exceeded"}, got.Lanes[1])

	evt := events.New(events.TypeComplete, "", map[string]any{"status": "failed"})
	evt.Seq = 9
	require.NoError(t, rec.AppendEvent(ctx, "run-1", evt))

	history, err := s.AgentEvents.ByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, uint64(9), history[0].Seq)
}

func TestMemoryValidation(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	assert.True(t, errdefs.IsValidation(s.Users.Put(ctx, User{})))
	assert.True(t, errdefs.IsValidation(s.Sandboxes.Put(ctx, Sandbox{})))
	assert.True(t, errdefs.IsValidation(s.Runs.Put(ctx, Run{})))
	assert.True(t, errdefs.IsValidation(s.AgentEvents.Append(ctx, "", events.AgentEvent{})))
	assert.True(t, errdefs.IsValidation(s.ProviderKeys.Put(ctx, ProviderKey{ID: "k1"})))
}
