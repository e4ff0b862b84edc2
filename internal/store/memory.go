package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/events"
)

// NewMemory builds a Store backed by process memory. It is the reference
// implementation and the default for servers without an external document
// store.
func NewMemory() *Store {
	return &Store{
		Users:        &memUsers{byID: map[string]User{}},
		Sandboxes:    &memSandboxes{byID: map[string]Sandbox{}},
		Runs:         &memRuns{byID: map[string]Run{}},
		AgentEvents:  &memEvents{byRun: map[string][]events.AgentEvent{}},
		ProviderKeys: &memKeys{byID: map[string]ProviderKey{}},
	}
}

type memUsers struct {
	mu   sync.RWMutex
	byID map[string]User
}

func (m *memUsers) Put(ctx context.Context, u User) error {
	if u.ID == "" {
		return errdefs.New(errdefs.KindValidation, "user id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[u.ID] = u
	return nil
}

func (m *memUsers) Get(ctx context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return User{}, errdefs.Newf(errdefs.KindNotFound, "user %s not found", id)
	}
	return u, nil
}

func (m *memUsers) ByClerkID(ctx context.Context, clerkID string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.byID {
		if u.ClerkID == clerkID {
			return u, nil
		}
	}
	return User{}, errdefs.Newf(errdefs.KindNotFound, "no user for clerk id %s", clerkID)
}

type memSandboxes struct {
	mu   sync.RWMutex
	byID map[string]Sandbox
}

func (m *memSandboxes) Put(ctx context.Context, s Sandbox) error {
	if s.ID == "" {
		return errdefs.New(errdefs.KindValidation, "sandbox record id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byID[s.ID]; ok && s.CreatedAt.IsZero() {
		s.CreatedAt = prev.CreatedAt
	}
	m.byID[s.ID] = s
	return nil
}

func (m *memSandboxes) Get(ctx context.Context, id string) (Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return Sandbox{}, errdefs.Newf(errdefs.KindNotFound, "sandbox record %s not found", id)
	}
	return s, nil
}

func (m *memSandboxes) ByUser(ctx context.Context, userID string) ([]Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sandbox
	for _, s := range m.byID {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memSandboxes) BySandboxID(ctx context.Context, sandboxID string) (Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best := Sandbox{}
	found := false
	for _, s := range m.byID {
		if s.SandboxID != sandboxID {
			continue
		}
		if !found || s.CreatedAt.After(best.CreatedAt) {
			best, found = s, true
		}
	}
	if !found {
		return Sandbox{}, errdefs.Newf(errdefs.KindNotFound, "sandbox %s not found", sandboxID)
	}
	return best, nil
}

type memRuns struct {
	mu   sync.RWMutex
	byID map[string]Run
}

func (m *memRuns) Put(ctx context.Context, r Run) error {
	if r.ID == "" {
		return errdefs.New(errdefs.KindValidation, "run id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byID[r.ID]; ok {
		if r.UserID == "" {
			r.UserID = prev.UserID
		}
		if r.StartedAt.IsZero() {
			r.StartedAt = prev.StartedAt
		}
	}
	m.byID[r.ID] = r
	return nil
}

func (m *memRuns) Get(ctx context.Context, id string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return Run{}, errdefs.Newf(errdefs.KindNotFound, "run %s not found", id)
	}
	return r, nil
}

func (m *memRuns) ByUser(ctx context.Context, userID string) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Run
	for _, r := range m.byID {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *memRuns) BySandbox(ctx context.Context, sandboxID string) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Run
	for _, r := range m.byID {
		for _, l := range r.Lanes {
			if l.SandboxID == sandboxID {
				out = append(out, r)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

type memEvents struct {
	mu    sync.RWMutex
	byRun map[string][]events.AgentEvent
}

func (m *memEvents) Append(ctx context.Context, runID string, evt events.AgentEvent) error {
	if runID == "" {
		return errdefs.New(errdefs.KindValidation, "run id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRun[runID] = append(m.byRun[runID], evt)
	return nil
}

func (m *memEvents) ByRun(ctx context.Context, runID string) ([]events.AgentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.byRun[runID]
	out := make([]events.AgentEvent, len(recs))
	copy(out, recs)
	return out, nil
}

type memKeys struct {
	mu   sync.RWMutex
	byID map[string]ProviderKey
}

func (m *memKeys) Put(ctx context.Context, k ProviderKey) error {
	if k.ID == "" {
		return errdefs.New(errdefs.KindValidation, "key id required")
	}
	if k.UserID == "" || k.Provider == "" {
		return errdefs.New(errdefs.KindValidation, "key user and provider required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[k.ID] = k
	return nil
}

func (m *memKeys) Get(ctx context.Context, id string) (ProviderKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.byID[id]
	if !ok {
		return ProviderKey{}, errdefs.Newf(errdefs.KindNotFound, "key %s not found", id)
	}
	return k, nil
}

func (m *memKeys) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return errdefs.Newf(errdefs.KindNotFound, "key %s not found", id)
	}
	delete(m.byID, id)
	return nil
}

func (m *memKeys) ByUser(ctx context.Context, userID string) ([]ProviderKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ProviderKey
	for _, k := range m.byID {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memKeys) ByUserProvider(ctx context.Context, userID, provider string) (ProviderKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best := ProviderKey{}
	found := false
	for _, k := range m.byID {
		if k.UserID != userID || k.Provider != provider {
			continue
		}
		if !found || k.CreatedAt.After(best.CreatedAt) {
			best, found = k, true
		}
	}
	if !found {
		return ProviderKey{}, errdefs.Newf(errdefs.KindNotFound, "no %s key for user %s", provider, userID)
	}
	return best, nil
}
