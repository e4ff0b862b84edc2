package run

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strconv"
	"strings"

	retry "github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/shellfs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/events"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/httpapi"
)

// lane drives one provider from provisioning through agent completion.
// The create outcome is delivered on created exactly once so Start can
// answer with per-provider results while the lane keeps working.
func (o *Orchestrator) lane(r *run, idx int, provider string, created chan<- laneCreated) {
	ctx := r.ctx

	d, err := o.resolve(ctx, provider)
	if err != nil {
		created <- laneCreated{idx: idx, err: err}
		o.endLane(r, nil, provider, "", err)
		return
	}

	info, err := o.provision(ctx, d, r)
	if err != nil {
		created <- laneCreated{idx: idx, err: err}
		o.endLane(r, d, provider, "", err)
		return
	}
	r.setSandbox(provider, info.ID)
	r.bus.Publish(events.New(events.TypeStatus, provider, map[string]any{
		"message":   "sandbox created",
		"sandboxId": info.ID,
	}))
	created <- laneCreated{idx: idx, sandboxID: info.ID}
	log.Info().Str("run_id", r.id).Str("provider", provider).
		Str("sandbox_id", info.ID).Msg("lane sandbox created")

	o.endLane(r, d, provider, info.ID, o.pipeline(ctx, d, r, provider, info.ID))
}

// pipeline is the lane's post-provisioning sequence: clone, install, launch,
// then relay the agent's events until it completes.
func (o *Orchestrator) pipeline(ctx context.Context, d *driver.Driver, r *run, provider, id string) error {
	dir := workdirRoot + "/" + repoDirName(r.req.RepoURL)

	if err := o.clone(ctx, d, r, provider, id, dir); err != nil {
		return err
	}
	if err := o.install(ctx, d, r, provider, id); err != nil {
		return err
	}
	agentURL, err := o.launch(ctx, d, r, provider, id, dir)
	if err != nil {
		return err
	}

	agent := httpapi.NewClient(provider, agentURL, nil)
	if err := o.await(ctx, r, provider, agent); err != nil {
		return err
	}
	return o.relay(ctx, r, provider, agent)
}

// provision creates the lane's sandbox, retrying transient provider
// failures a few times. Anything else fails the lane immediately.
func (o *Orchestrator) provision(ctx context.Context, d *driver.Driver, r *run) (driver.SandboxInfo, error) {
	opts := driver.CreateOptions{
		Image:          o.image,
		Workdir:        workdirRoot,
		EncryptedPorts: []int{o.agentPort},
		Labels:         map[string]string{"ralph.run": r.id},
	}

	var info driver.SandboxInfo
	err := retry.Do(
		func() error {
			var err error
			info, err = d.Create(ctx, opts)
			if err != nil && !transient(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(createAttempts),
		retry.Delay(createDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	return info, err
}

// clone checks the repository out inside the sandbox, relaying git's
// progress lines as clone_progress events. Stream carries no exit code, so
// the checkout is verified with a follow-up test.
func (o *Orchestrator) clone(ctx context.Context, d *driver.Driver, r *run, provider, id, dir string) error {
	r.advance(provider, StatusCloning)
	o.persist(r)

	args := []string{"clone", "--progress", "--depth", "1"}
	if r.req.Branch != "" {
		args = append(args, "--branch", r.req.Branch)
	}
	args = append(args, r.req.RepoURL, dir)

	ch, err := d.Stream(ctx, id, driver.RunCommand{Cmd: "git", Args: args, Cwd: workdirRoot})
	if err != nil {
		return err
	}
	prog := newProgress(cloneLine, func(line string) {
		r.bus.Publish(events.New(events.TypeCloneProgress, provider, map[string]any{"message": line}))
	})
	for chunk := range ch {
		prog.Write(chunk.Data)
	}
	prog.Flush()

	res, err := d.Run(ctx, id, driver.RunCommand{
		Cmd:  "sh",
		Args: []string{"-c", "test -d " + shellfs.Quote(dir+"/.git")},
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errdefs.Newf(errdefs.KindProvider, "git clone of %s did not produce a checkout", r.req.RepoURL)
	}
	return nil
}

// install puts the agent binary in place, relaying installer output as
// install_progress events, and verifies the binary is on PATH afterwards.
func (o *Orchestrator) install(ctx context.Context, d *driver.Driver, r *run, provider, id string) error {
	r.advance(provider, StatusInstalling)
	o.persist(r)

	cmd := driver.RunCommand{Cmd: o.installArgv[0], Args: o.installArgv[1:], Cwd: workdirRoot}
	ch, err := d.Stream(ctx, id, cmd)
	if err != nil {
		return err
	}
	prog := newProgress(anyLine, func(line string) {
		r.bus.Publish(events.New(events.TypeInstallProgress, provider, map[string]any{"message": line}))
	})
	for chunk := range ch {
		prog.Write(chunk.Data)
	}
	prog.Flush()

	bin := o.agentCommand()[0]
	res, err := d.Run(ctx, id, driver.RunCommand{
		Cmd:  "sh",
		Args: []string{"-c", "command -v " + shellfs.Quote(bin)},
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errdefs.Newf(errdefs.KindProvider, "agent binary %s missing after install", bin)
	}
	return nil
}

// launch writes the task file, starts the agent as a background process in
// the checkout, and resolves its URL through the provider's port mapping.
func (o *Orchestrator) launch(ctx context.Context, d *driver.Driver, r *run, provider, id, dir string) (string, error) {
	if err := d.WriteFile(ctx, id, taskPath, []byte(r.req.Task), 0o644); err != nil {
		return "", err
	}

	env := map[string]string{
		"RALPH_RUN_ID":    r.id,
		"RALPH_TASK_FILE": taskPath,
	}
	if cfg := r.req.Config; cfg.MaxIterations > 0 {
		env["RALPH_MAX_ITERATIONS"] = strconv.Itoa(cfg.MaxIterations)
	}
	if cfg := r.req.Config; cfg.StallThreshold > 0 {
		env["RALPH_STALL_THRESHOLD"] = strconv.Itoa(cfg.StallThreshold)
	}

	argv := o.agentCommand()
	info, err := d.StartProcess(ctx, id, driver.StartProcessOptions{
		Cmd:        argv[0],
		Args:       argv[1:],
		Cwd:        dir,
		Env:        env,
		Background: true,
	})
	if err != nil {
		return "", err
	}

	urls, err := d.ProcessURLs(ctx, id, []int{o.agentPort})
	if err != nil {
		return "", err
	}
	agentURL, ok := urls[o.agentPort]
	if !ok || agentURL == "" {
		return "", errdefs.Newf(errdefs.KindProvider, "provider exposed no url for port %d", o.agentPort)
	}
	r.setAgent(provider, info.ID, agentURL)
	return agentURL, nil
}

// await polls the agent until it answers, then announces it ready.
func (o *Orchestrator) await(ctx context.Context, r *run, provider string, agent *httpapi.Client) error {
	err := retry.Do(
		func() error {
			probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
			defer cancel()
			return agent.Do(probeCtx, http.MethodGet, agentHealthPath, nil, nil)
		},
		retry.Context(ctx),
		retry.Attempts(o.healthAttempts),
		retry.Delay(o.healthDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTimeout, "agent did not become ready")
	}

	r.bus.Publish(events.New(events.TypeOpencodeReady, provider, map[string]any{"url": agent.BaseURL()}))
	r.advance(provider, StatusRunning)
	o.persist(r)
	return nil
}

// relay copies the agent's event stream onto the run bus, tagged with this
// lane's provider, until the agent reports completion. A stream that ends
// any other way fails the lane.
func (o *Orchestrator) relay(ctx context.Context, r *run, provider string, agent *httpapi.Client) error {
	rc, err := agent.DoRaw(ctx, http.MethodGet, agentEventsPath, nil, "")
	if err != nil {
		return err
	}
	defer rc.Close()

	sc := httpapi.Lines(rc)
	for {
		line, ok := sc.Next()
		if !ok {
			break
		}
		var ue struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &ue); err != nil || ue.Type == "" {
			continue
		}
		// The bus emits its own keep-alives.
		if ue.Type == string(events.TypePing) {
			continue
		}
		r.bus.Publish(events.AgentEvent{
			Type:     events.Type(ue.Type),
			Provider: provider,
			Data:     json.RawMessage(line),
		})
		if ue.Type == string(events.TypeRalphComplete) {
			return nil
		}
	}

	if ctx.Err() != nil {
		return errdefs.FromContextErr(ctx.Err(), "", "")
	}
	if err := sc.Err(); err != nil {
		return errdefs.Wrap(err, errdefs.KindNetwork, "agent event stream")
	}
	return errdefs.New(errdefs.KindProvider, "agent event stream ended before completion")
}

// endLane settles the lane: completed lanes keep their sandbox for the
// provider's idle reaper, stopped and failed lanes destroy theirs.
func (o *Orchestrator) endLane(r *run, d *driver.Driver, provider, sandboxID string, err error) {
	switch {
	case err == nil:
		r.finish(provider, StatusCompleted, nil)
		log.Info().Str("run_id", r.id).Str("provider", provider).Msg("lane completed")

	case r.stopped():
		o.destroy(d, provider, sandboxID)
		r.bus.Publish(events.New(events.TypeStatus, provider, map[string]any{"message": "stopped"}))
		r.finish(provider, StatusStopped, nil)
		log.Info().Str("run_id", r.id).Str("provider", provider).Msg("lane stopped")

	default:
		kind := errdefs.KindProvider
		if e, ok := errdefs.GetError(err); ok {
			kind = e.Kind
		}
		payload := map[string]any{
			"message": err.Error(),
			"kind":    string(kind),
		}
		if sandboxID != "" {
			payload["sandboxId"] = sandboxID
		}
		r.bus.Publish(events.New(events.TypeError, provider, payload))
		o.destroy(d, provider, sandboxID)
		r.finish(provider, StatusFailed, err)
		log.Warn().Err(err).Str("run_id", r.id).Str("provider", provider).Msg("lane failed")
	}
	o.persist(r)
}

// destroy tears the lane's sandbox down on a detached context so cleanup
// still runs after the lane's own context is cancelled.
func (o *Orchestrator) destroy(d *driver.Driver, provider, sandboxID string) {
	if d == nil || sandboxID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cleanupGrace)
	defer cancel()
	if err := d.Destroy(ctx, sandboxID); err != nil {
		log.Warn().Err(err).Str("provider", provider).
			Str("sandbox_id", sandboxID).Msg("lane sandbox not destroyed")
	}
}

// agentCommand is the argv launched inside each sandbox.
func (o *Orchestrator) agentCommand() []string {
	if len(o.agentArgv) > 0 {
		return o.agentArgv
	}
	return []string{"opencode", "serve", "--hostname", "0.0.0.0", "--port", strconv.Itoa(o.agentPort)}
}

// transient reports whether a create failure is worth another attempt.
func transient(err error) bool {
	return errdefs.IsNetwork(err) || errdefs.IsTimeout(err) || errdefs.IsRateLimited(err)
}

// repoDirName derives the checkout directory from the repository URL.
func repoDirName(repoURL string) string {
	name := strings.TrimSuffix(path.Base(strings.TrimSuffix(repoURL, "/")), ".git")
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, name)
	if name == "" || name == "." || name == ".." {
		return "repo"
	}
	return name
}
