// Package run fans a single task across a set of sandbox providers.
//
// A run owns one event bus and one lane per selected provider. Each lane
// provisions a sandbox, clones the repository into it, installs the agent,
// launches it as a background process, and relays the agent's event stream
// onto the run's bus tagged with the lane's provider. Lanes are independent:
// one failing never cancels its peers, and the run is terminal only once
// every lane is.
package run

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/events"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/httpapi"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/metrics"
)

// Agent endpoint contract. The in-sandbox agent serves HTTP on agentPort:
// a liveness document, an SSE event stream, and a session API the server
// proxies for the UI.
const (
	defaultAgentPort = 4096

	agentHealthPath   = "/app"
	agentEventsPath   = "/event"
	agentSessionsPath = "/session"
)

// workdirRoot is the workspace directory every lane uses regardless of the
// provider's own default, so paths in events and proxied sessions agree.
const workdirRoot = "/workspace"

// taskPath is where the task description lands inside each sandbox.
const taskPath = workdirRoot + "/task.md"

const (
	createAttempts = 3
	createDelay    = 2 * time.Second

	defaultHealthAttempts = 30
	defaultHealthDelay    = 500 * time.Millisecond
	healthProbeTimeout    = 2 * time.Second

	defaultCleanupGrace = 30 * time.Second
)

// Status is a run or lane state. Lane statuses advance monotonically
// through the non-terminal values; the aggregate is the furthest any lane
// has reached, and becomes terminal only when every lane is.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusCloning    Status = "cloning"
	StatusInstalling Status = "installing"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// phaseRank orders the non-terminal statuses for aggregation.
var phaseRank = map[Status]int{
	StatusIdle:       0,
	StatusCloning:    1,
	StatusInstalling: 2,
	StatusRunning:    3,
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Config tunes the in-sandbox agent loop. Zero values leave the agent's own
// defaults in place.
type Config struct {
	MaxIterations  int `json:"maxIterations,omitempty"`
	StallThreshold int `json:"loopStallThreshold,omitempty"`
}

// StartRequest describes a run: a task to perform against a repository,
// fanned across the listed providers.
type StartRequest struct {
	RepoURL   string   `json:"repoUrl"`
	Branch    string   `json:"branch,omitempty"`
	Task      string   `json:"task"`
	Providers []string `json:"providers"`
	Config    Config   `json:"config,omitempty"`
}

func (r StartRequest) validate() error {
	if r.RepoURL == "" {
		return errdefs.New(errdefs.KindValidation, "repoUrl is required")
	}
	if r.Task == "" {
		return errdefs.New(errdefs.KindValidation, "task is required")
	}
	if len(r.Providers) == 0 {
		return errdefs.New(errdefs.KindValidation, "at least one provider is required")
	}
	seen := make(map[string]bool, len(r.Providers))
	for _, p := range r.Providers {
		if p == "" {
			return errdefs.New(errdefs.KindValidation, "provider names must not be empty")
		}
		if seen[p] {
			return errdefs.Newf(errdefs.KindValidation, "provider %s listed twice", p)
		}
		seen[p] = true
	}
	return nil
}

// LaneResult is the provisioning outcome for one provider, returned from
// Start once every lane has settled its create step.
type LaneResult struct {
	Provider  string `json:"provider"`
	SandboxID string `json:"sandboxId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// StartResult identifies the run and reports per-provider provisioning.
type StartResult struct {
	RunID string       `json:"runId"`
	Lanes []LaneResult `json:"providers"`
}

// LaneState is a snapshot of one lane.
type LaneState struct {
	Provider  string `json:"provider"`
	SandboxID string `json:"sandboxId,omitempty"`
	AgentURL  string `json:"agentUrl,omitempty"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
	Done      bool   `json:"done"`
}

// State is a snapshot of a run.
type State struct {
	ID         string      `json:"id"`
	RepoURL    string      `json:"repoUrl"`
	Branch     string      `json:"branch,omitempty"`
	Task       string      `json:"task"`
	Status     Status      `json:"status"`
	Lanes      []LaneState `json:"lanes"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt,omitempty"`
}

// Resolver builds a composed driver for a provider name.
type Resolver func(ctx context.Context, provider string) (*driver.Driver, error)

// Recorder persists run snapshots and bus events for history queries.
// Recorder failures are logged, never surfaced to the run.
type Recorder interface {
	SaveRun(ctx context.Context, state State) error
	AppendEvent(ctx context.Context, runID string, evt events.AgentEvent) error
}

// lane is the mutable per-provider slice of a run, guarded by the run's mu.
// status tracks the furthest non-terminal phase the lane reached; terminal
// is set once, when the lane ends, and never erases that progress.
type lane struct {
	provider  string
	sandboxID string
	agentURL  string
	processID string
	status    Status
	terminal  Status
	err       string
	done      bool
}

// run is the orchestrator's record of one active or finished run.
type run struct {
	id  string
	req StartRequest
	bus *events.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	lanes      map[string]*lane
	stopOrder  bool
	startedAt  time.Time
	finishedAt time.Time
}

// Orchestrator starts, tracks, and stops runs. Safe for concurrent use.
type Orchestrator struct {
	resolve Resolver
	rec     Recorder

	agentArgv      []string
	agentPort      int
	installArgv    []string
	image          string
	healthAttempts uint
	healthDelay    time.Duration
	cleanupGrace   time.Duration

	mu   sync.Mutex
	runs map[string]*run
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder persists run state and events through rec.
func WithRecorder(rec Recorder) Option {
	return func(o *Orchestrator) { o.rec = rec }
}

// WithAgentCommand replaces the default agent launch argv. The command must
// serve the agent HTTP API on the configured port.
func WithAgentCommand(argv ...string) Option {
	return func(o *Orchestrator) { o.agentArgv = argv }
}

// WithAgentPort sets the port the agent serves on.
func WithAgentPort(port int) Option {
	return func(o *Orchestrator) { o.agentPort = port }
}

// WithInstallCommand replaces the default agent install argv.
func WithInstallCommand(argv ...string) Option {
	return func(o *Orchestrator) { o.installArgv = argv }
}

// WithImage pins the sandbox image for all lanes instead of each provider's
// default runtime.
func WithImage(image string) Option {
	return func(o *Orchestrator) { o.image = image }
}

// WithHealthWindow bounds the agent readiness poll.
func WithHealthWindow(attempts uint, delay time.Duration) Option {
	return func(o *Orchestrator) {
		o.healthAttempts = attempts
		o.healthDelay = delay
	}
}

// WithCleanupGrace bounds how long a cancelled lane may spend destroying
// its sandbox before being abandoned.
func WithCleanupGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.cleanupGrace = d }
}

// New builds an Orchestrator that resolves drivers through resolve.
func New(resolve Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolve:        resolve,
		agentPort:      defaultAgentPort,
		installArgv:    []string{"npm", "install", "--global", "opencode-ai"},
		healthAttempts: defaultHealthAttempts,
		healthDelay:    defaultHealthDelay,
		cleanupGrace:   defaultCleanupGrace,
		runs:           make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// laneCreated is one lane's provisioning outcome, delivered exactly once.
type laneCreated struct {
	idx       int
	sandboxID string
	err       error
}

// Start validates req, spawns one lane per provider, and returns once every
// lane has settled its create step. Lanes keep running after Start returns;
// progress flows on the run's event bus. When no lane provisions a sandbox
// the first lane's error is returned and the run is already terminal.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if err := req.validate(); err != nil {
		return StartResult{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        uuid.NewString(),
		req:       req,
		bus:       events.NewBus(),
		ctx:       runCtx,
		cancel:    cancel,
		lanes:     make(map[string]*lane, len(req.Providers)),
		startedAt: time.Now(),
	}
	for _, p := range req.Providers {
		r.lanes[p] = &lane{provider: p, status: StatusIdle}
	}

	o.mu.Lock()
	o.runs[r.id] = r
	o.mu.Unlock()

	log.Info().Str("run_id", r.id).Str("repo", req.RepoURL).
		Strs("providers", req.Providers).Msg("run started")

	if o.rec != nil {
		go o.record(r)
	}
	o.persist(r)

	created := make(chan laneCreated, len(req.Providers))
	for i, p := range req.Providers {
		r.wg.Add(1)
		go func(idx int, provider string) {
			defer r.wg.Done()
			o.lane(r, idx, provider, created)
		}(i, p)
	}
	go o.finalize(r)

	results := make([]LaneResult, len(req.Providers))
	var firstErr error
	succeeded := 0
	for range req.Providers {
		var c laneCreated
		select {
		case c = <-created:
		case <-ctx.Done():
			return StartResult{}, errdefs.FromContextErr(ctx.Err(), "", "")
		}
		res := LaneResult{Provider: req.Providers[c.idx]}
		if c.err != nil {
			res.Error = c.err.Error()
			if firstErr == nil {
				firstErr = c.err
			}
		} else {
			res.SandboxID = c.sandboxID
			res.Success = true
			succeeded++
		}
		results[c.idx] = res
	}
	if succeeded == 0 {
		return StartResult{}, firstErr
	}
	return StartResult{RunID: r.id, Lanes: results}, nil
}

// Stop cancels every lane of the run. Lanes destroy their sandboxes
// best-effort within the cleanup grace window; Stop does not wait for them.
// Stopping a terminal run is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, runID string) error {
	r, err := o.get(runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.aggregateLocked().Terminal() {
		r.mu.Unlock()
		return nil
	}
	r.stopOrder = true
	r.mu.Unlock()

	log.Info().Str("run_id", runID).Msg("run stop requested")
	r.cancel()
	return nil
}

// Shutdown stops every active run and waits for lane cleanup, bounded by
// ctx. Called on server exit so sandboxes are destroyed, not orphaned.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		terminal := r.aggregateLocked().Terminal()
		if !terminal {
			r.stopOrder = true
		}
		r.mu.Unlock()
		if !terminal {
			r.cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		for _, r := range runs {
			r.wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("shutdown grace expired with lanes still cleaning up")
	}
}

// Get returns a snapshot of the run.
func (o *Orchestrator) Get(runID string) (State, error) {
	r, err := o.get(runID)
	if err != nil {
		return State{}, err
	}
	return r.snapshot(), nil
}

// Bus returns the run's event bus for subscription.
func (o *Orchestrator) Bus(runID string) (*events.Bus, error) {
	r, err := o.get(runID)
	if err != nil {
		return nil, err
	}
	return r.bus, nil
}

// Agent returns a client for the lane's in-sandbox agent API, usable for
// proxying session queries. It fails until the lane reported the agent
// ready.
func (o *Orchestrator) Agent(runID, provider string) (*httpapi.Client, error) {
	r, err := o.get(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	l, ok := r.lanes[provider]
	url := ""
	if ok {
		url = l.agentURL
	}
	r.mu.Unlock()
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "run %s has no %s lane", runID, provider)
	}
	if url == "" {
		return nil, errdefs.Newf(errdefs.KindConflict, "agent on %s is not ready yet", provider)
	}
	return httpapi.NewClient(provider, url, nil), nil
}

// Health probes the lane's agent. A lane without a URL yet, or one whose
// probe fails, is unhealthy rather than an error.
func (o *Orchestrator) Health(ctx context.Context, runID, provider string) (bool, string, error) {
	c, err := o.Agent(runID, provider)
	if err != nil {
		if errdefs.IsConflict(err) {
			return false, "", nil
		}
		return false, "", err
	}
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	if err := c.Do(probeCtx, http.MethodGet, agentHealthPath, nil, nil); err != nil {
		return false, c.BaseURL(), nil
	}
	return true, c.BaseURL(), nil
}

// Sessions proxies the lane agent's session list.
func (o *Orchestrator) Sessions(ctx context.Context, runID, provider string) (json.RawMessage, error) {
	c, err := o.Agent(runID, provider)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := c.Do(ctx, http.MethodGet, agentSessionsPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages proxies one agent session's message history. limit <= 0 leaves
// the agent's own page size in place.
func (o *Orchestrator) Messages(ctx context.Context, runID, provider, sessionID string, limit int) (json.RawMessage, error) {
	c, err := o.Agent(runID, provider)
	if err != nil {
		return nil, err
	}
	path := agentSessionsPath + "/" + url.PathEscape(sessionID) + "/message"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out json.RawMessage
	if err := c.Do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) get(runID string) (*run, error) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "run %s not found", runID)
	}
	return r, nil
}

// finalize waits for every lane, stamps the terminal status, and closes the
// bus with a final complete frame.
func (o *Orchestrator) finalize(r *run) {
	r.wg.Wait()

	r.mu.Lock()
	r.finishedAt = time.Now()
	status := r.aggregateLocked()
	r.mu.Unlock()

	metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	log.Info().Str("run_id", r.id).Str("status", string(status)).Msg("run finished")

	r.bus.CloseWith(events.New(events.TypeComplete, "", map[string]any{
		"runId":  r.id,
		"status": string(status),
	}))
	o.persist(r)
}

// record copies bus events into the recorder until the bus closes.
func (o *Orchestrator) record(r *run) {
	for evt := range r.bus.Subscribe(context.Background()) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.rec.AppendEvent(ctx, r.id, evt); err != nil {
			log.Warn().Err(err).Str("run_id", r.id).Msg("event not recorded")
		}
		cancel()
	}
}

// persist stores a snapshot if a recorder is configured.
func (o *Orchestrator) persist(r *run) {
	if o.rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.rec.SaveRun(ctx, r.snapshot()); err != nil {
		log.Warn().Err(err).Str("run_id", r.id).Msg("run state not recorded")
	}
}

// aggregateLocked folds lane states into the run status. Callers hold r.mu.
// While any lane is live the aggregate is the furthest phase any lane ever
// reached, terminal lanes included, so an early failure cannot mask peers.
func (r *run) aggregateLocked() Status {
	allDone, anyFailed := true, false
	best := StatusIdle
	for _, l := range r.lanes {
		if phaseRank[l.status] > phaseRank[best] {
			best = l.status
		}
		if !l.done {
			allDone = false
			continue
		}
		if l.terminal == StatusFailed {
			anyFailed = true
		}
	}
	if !allDone {
		return best
	}
	if r.stopOrder {
		return StatusStopped
	}
	if anyFailed {
		return StatusFailed
	}
	return StatusCompleted
}

// snapshot copies the run state under lock.
func (r *run) snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	lanes := make([]LaneState, 0, len(r.lanes))
	for _, l := range r.lanes {
		st := l.status
		if l.done {
			st = l.terminal
		}
		lanes = append(lanes, LaneState{
			Provider:  l.provider,
			SandboxID: l.sandboxID,
			AgentURL:  l.agentURL,
			Status:    st,
			Error:     l.err,
			Done:      l.done,
		})
	}
	sort.Slice(lanes, func(i, j int) bool { return lanes[i].Provider < lanes[j].Provider })

	return State{
		ID:         r.id,
		RepoURL:    r.req.RepoURL,
		Branch:     r.req.Branch,
		Task:       r.req.Task,
		Status:     r.aggregateLocked(),
		Lanes:      lanes,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
}

// advance raises the lane to st unless it is already further along.
// Regressions are ignored so a retrying lane cannot lower the aggregate.
func (r *run) advance(provider string, st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.lanes[provider]
	if l.done || phaseRank[st] <= phaseRank[l.status] {
		return
	}
	l.status = st
}

// setSandbox records the lane's provisioned sandbox id.
func (r *run) setSandbox(provider, sandboxID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lanes[provider].sandboxID = sandboxID
}

// setAgent records the lane's agent process and URL.
func (r *run) setAgent(provider, processID, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.lanes[provider]
	l.processID = processID
	l.agentURL = url
}

// finish marks the lane terminal with the given status.
func (r *run) finish(provider string, st Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.lanes[provider]
	l.done = true
	l.terminal = st
	if err != nil {
		l.err = err.Error()
	}
}

// stopped reports whether a stop was ordered for the run.
func (r *run) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopOrder
}
