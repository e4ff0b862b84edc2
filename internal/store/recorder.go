package store

import (
	"context"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/events"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/run"
)

// Recorder mirrors orchestrator state and bus events into the store. It
// satisfies run.Recorder.
type Recorder struct {
	s *Store
}

// NewRecorder returns a Recorder writing to s.
func NewRecorder(s *Store) *Recorder {
	return &Recorder{s: s}
}

// RunRecord maps an orchestrator snapshot to its stored form. UserID is
// left zero; the API layer stamps ownership once at start and the upsert
// keeps it.
func RunRecord(state run.State) Run {
	rec := Run{
		ID:         state.ID,
		RepoURL:    state.RepoURL,
		Branch:     state.Branch,
		Task:       state.Task,
		Status:     string(state.Status),
		Lanes:      make([]RunLane, len(state.Lanes)),
		StartedAt:  state.StartedAt,
		FinishedAt: state.FinishedAt,
	}
	for i, l := range state.Lanes {
		rec.Lanes[i] = RunLane{
			Provider:  l.Provider,
			SandboxID: l.SandboxID,
			Status:    string(l.Status),
			Error:     l.Error,
		}
	}
	return rec
}

// SaveRun upserts the run snapshot.
func (r *Recorder) SaveRun(ctx context.Context, state run.State) error {
	return r.s.Runs.Put(ctx, RunRecord(state))
}

// AppendEvent records one bus event for later history queries.
func (r *Recorder) AppendEvent(ctx context.Context, runID string, evt events.AgentEvent) error {
	return r.s.AgentEvents.Append(ctx, runID, evt)
}
