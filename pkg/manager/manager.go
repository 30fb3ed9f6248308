// Package manager implements the control loop that turns a graph of jobs
// into engine submissions: each tick it re-derives every job's state from
// disk, promotes waiting jobs whose inputs are now available, dispatches
// runnable and resumable work, and links any newly finished output. State
// is never cached across ticks beyond what a single tick's queue-state
// snapshot requires.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rwth-i6/sisyphus/pkg/engine"
	"github.com/rwth-i6/sisyphus/pkg/engine/selector"
	"github.com/rwth-i6/sisyphus/pkg/graph"
	"github.com/rwth-i6/sisyphus/pkg/manager/history"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
	"github.com/rwth-i6/sisyphus/pkg/sispath"
)

// CommandBuilder renders the worker invocation for one (job, task, shard).
type CommandBuilder func(job sisjob.Job, task *sisjob.Task, shard int) []string

// Config holds the manager's tunables, the Go analogue of the
// WAIT_PERIOD_*/JOB_*/PRINT_* constants in global_settings.py.
type Config struct {
	TickInterval        time.Duration
	StopIfDone          bool
	LinkOutputs         bool
	ClearErrorsOnce     bool
	ClearInterruptsOnce bool
	MaxConcurrentDispatch int
	StaleOverviewPeriod time.Duration
	LivenessWindow      time.Duration
	OutputDir           string
	AliasDir            string
	RetryEscalation     float64
	// MaxSubmitRetries is Settings.Retry.MaxSubmitRetries: once a shard's
	// submit-history count reaches this, dispatchJob stops resubmitting it
	// even if DeriveTaskState still reports a retryable state, folding the
	// shard's job-level state to StateError instead. Zero or negative
	// falls back to 3.
	MaxSubmitRetries int
	// MTimeInputsDelay is Settings.Timing.MTimeInputsDelay: the minimum age
	// an input's backing file's mtime must have before a waiting job is
	// promoted to runnable. Zero disables the check.
	MTimeInputsDelay time.Duration
}

func (c Config) tickInterval() time.Duration {
	if c.TickInterval <= 0 {
		return 30 * time.Second
	}
	return c.TickInterval
}

func (c Config) maxConcurrentDispatch() int {
	if c.MaxConcurrentDispatch <= 0 {
		return 8
	}
	return c.MaxConcurrentDispatch
}

func (c Config) maxSubmitRetries() int {
	if c.MaxSubmitRetries <= 0 {
		return 3
	}
	return c.MaxSubmitRetries
}

// Manager runs the graph-update-then-dispatch control loop.
type Manager struct {
	cfg     Config
	graph   *graph.Graph
	engines *selector.Selector
	history *history.Store
	log     *zap.Logger
	command CommandBuilder

	mu     sync.Mutex
	jobs   graph.StatusBuckets
	paused bool
	stop   bool
}

// New constructs a manager over graph g, dispatching through engines and
// persisting submit/usage records in hist.
func New(cfg Config, g *graph.Graph, engines *selector.Selector, hist *history.Store, log *zap.Logger, command CommandBuilder) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cfg: cfg, graph: g, engines: engines, history: hist, log: log, command: command, paused: true}
}

// Pause stops dispatch (but not state reporting) until Unpause is called,
// mirroring the reference's interactive-confirmation gate before the
// manager is allowed to submit anything.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Unpause allows dispatch to proceed on the next tick.
func (m *Manager) Unpause() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

func (m *Manager) isPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Stop requests the run loop exit at the next tick boundary.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stop = true
	m.mu.Unlock()
}

func (m *Manager) stopRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop
}

// Jobs returns the most recent status buckets, computed by the last tick.
func (m *Manager) Jobs() graph.StatusBuckets {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs
}

// Graph exposes the underlying graph for read-only inspection, e.g. by
// pkg/manager/httpapi's per-job lookup endpoint.
func (m *Manager) Graph() *graph.Graph {
	return m.graph
}

// Run executes the control loop until ctx is cancelled, Stop is called, or
// (when Config.StopIfDone is set) nothing is left to do.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("manager starting", zap.Duration("tick_interval", m.cfg.tickInterval()))

	var lastOverview string
	lastOverviewAt := time.Time{}

	for {
		if ctx.Err() != nil {
			m.log.Info("manager context cancelled, stopping")
			return ctx.Err()
		}
		if m.stopRequested() {
			m.log.Info("manager stop requested")
			return nil
		}

		if m.isPaused() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		m.engines.ResetCache()
		buckets, err := m.tick(ctx)
		if err != nil {
			m.log.Error("tick failed", zap.Error(err))
		}

		m.mu.Lock()
		m.jobs = buckets
		m.mu.Unlock()

		overview := overviewString(buckets)
		if overview != lastOverview || (m.cfg.StaleOverviewPeriod > 0 && time.Since(lastOverviewAt) > m.cfg.StaleOverviewPeriod) {
			m.log.Info("state overview", zap.String("overview", overview))
			lastOverview = overview
			lastOverviewAt = time.Now()
		}

		if m.cfg.StopIfDone && !hasPendingWork(buckets) {
			m.log.Info("nothing left to do")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.tickInterval()):
		}
	}
}

// tick performs one graph-update-then-dispatch cycle: derive every job's
// state, promote waiting jobs whose inputs are ready, dispatch runnable
// and resumable shards, and link finished outputs.
func (m *Manager) tick(ctx context.Context) (graph.StatusBuckets, error) {
	queueSnapshot, err := m.snapshotQueueState(ctx)
	if err != nil {
		m.log.Warn("failed to snapshot engine queue state", zap.Error(err))
	}

	buckets := make(graph.StatusBuckets)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(m.cfg.maxConcurrentDispatch())
	var mu sync.Mutex

	for _, job := range m.graph.TopoSorted() {
		job := job
		group.Go(func() error {
			state, err := m.dispatchJob(gctx, job, queueSnapshot)
			if err != nil {
				m.log.Error("dispatch failed", zap.String("job", job.SisID()), zap.Error(err))
			}
			mu.Lock()
			buckets[state] = append(buckets[state], job)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return buckets, err
	}

	if err := m.linkOutputs(ctx); err != nil {
		m.log.Warn("failed to link outputs", zap.Error(err))
	}
	return buckets, nil
}

func (m *Manager) snapshotQueueState(ctx context.Context) (map[string]sisjob.EngineQueueState, error) {
	out := make(map[string]sisjob.EngineQueueState)
	var firstErr error
	for name, e := range m.engines.Engines() {
		states, err := e.QueueState(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("engine %s: %w", name, err)
			}
			continue
		}
		for id, s := range states {
			out[id] = s
		}
	}
	return out, firstErr
}

// dispatchJob derives job's current state and, if it is runnable or
// resumable, submits its next task's ready shards.
func (m *Manager) dispatchJob(ctx context.Context, job sisjob.Job, queueSnapshot map[string]sisjob.EngineQueueState) (sisjob.State, error) {
	if job.IsFinished() {
		return sisjob.StateFinished, nil
	}
	if err := os.MkdirAll(job.WorkDir(), 0o755); err != nil {
		return sisjob.StateUnknown, fmt.Errorf("setup work dir: %w", err)
	}

	held := statExists(filepath.Join(job.WorkDir(), sisjob.MarkerHold))

	task := nextIncompleteTask(job, m.probeFactory(ctx, job, queueSnapshot, held))
	if task == nil {
		if err := job.(interface{ MarkFinished() error }).MarkFinished(); err != nil {
			return sisjob.StateUnknown, err
		}
		return sisjob.StateFinished, nil
	}

	probe := m.probeFactory(ctx, job, queueSnapshot, held)
	worst := sisjob.StateFinished
	for shard := 0; shard < task.EffectiveShardCount(); shard++ {
		state := sisjob.DeriveTaskState(probe, task, shard)
		state = m.promoteIfRunnable(ctx, job, task, state)

		// A shard that has exhausted its submit-history retry cap stops
		// resubmitting even if DeriveTaskState still calls it retryable
		// (retry_oom is otherwise unconditional, and retry_error's own
		// Tries budget is a separate, usually smaller, counter).
		if (state == sisjob.StateRetryError || state == sisjob.StateRetryOOM) &&
			probe.SubmitCount(task, shard) >= m.cfg.maxSubmitRetries() {
			state = sisjob.StateError
		}

		switch state {
		case sisjob.StateRunnable:
			m.submitShard(ctx, job, task, shard, sisjob.ResourceUsage{})
		case sisjob.StateInterruptedResumable:
			if task.Continuable {
				m.submitShard(ctx, job, task, shard, probe.Usage(task, shard))
			}
		case sisjob.StateRetryError, sisjob.StateRetryOOM:
			usage := probe.Usage(task, shard)
			m.recordUsage(ctx, job, task, shard, usage)
			m.submitShard(ctx, job, task, shard, usage)
		}
		if sisjob.Rank(state) > sisjob.Rank(worst) {
			worst = state
		}
	}
	return worst, nil
}

// recordUsage persists the sample a resubmitted shard's last attempt left
// behind, the durable side of the marker file FSProbe.Usage reads back into
// Task.NextRequirements for escalation.
func (m *Manager) recordUsage(ctx context.Context, job sisjob.Job, task *sisjob.Task, shard int, usage sisjob.ResourceUsage) {
	if err := m.history.RecordUsage(ctx, job.SisID(), task.Name, shard,
		usage.MaxMemGB, usage.RunTime, usage.ExitCode, usage.WasOOM, usage.WasKilled, time.Now()); err != nil {
		m.log.Warn("failed to record usage history",
			zap.String("job", job.SisID()), zap.String("task", task.Name), zap.Int("shard", shard), zap.Error(err))
	}
}

// promoteIfRunnable upgrades a StateWaiting task to StateRunnable once
// every one of the job's declared inputs is available, the split the
// reference makes by checking creator._sis_runnable() before deriving a
// task's own state.
func (m *Manager) promoteIfRunnable(ctx context.Context, job sisjob.Job, task *sisjob.Task, state sisjob.State) sisjob.State {
	if state != sisjob.StateWaiting {
		return state
	}
	for _, in := range job.Inputs() {
		ok, err := in.Available(ctx)
		if err != nil || !ok {
			return sisjob.StateWaiting
		}
		if !m.inputAgedEnough(in) {
			return sisjob.StateWaiting
		}
	}
	return sisjob.StateRunnable
}

// inputAgedEnough enforces cfg.MTimeInputsDelay: an input whose creator has
// finished but whose backing file was modified too recently is still held
// back, guarding against a writer whose data hasn't finished flushing to
// NFS by the time its finished marker appeared. Inputs that don't resolve
// to a concrete on-disk location (sispath.Locator), or whose creator isn't
// in this graph, are always treated as aged enough.
func (m *Manager) inputAgedEnough(in sispath.Handle) bool {
	if m.cfg.MTimeInputsDelay <= 0 {
		return true
	}
	loc, ok := in.(sispath.Locator)
	if !ok {
		return true
	}
	sisID, ok := loc.CreatorSisID()
	if !ok {
		return true
	}
	creator, ok := m.graph.JobByID(sisID)
	if !ok {
		return true
	}
	mtime, ok := loc.ModTimeAt(loc.Get(creator.WorkDir()))
	if !ok {
		return true
	}
	return time.Since(mtime) >= m.cfg.MTimeInputsDelay
}

func (m *Manager) probeFactory(ctx context.Context, job sisjob.Job, queueSnapshot map[string]sisjob.EngineQueueState, held bool) *FSProbe {
	return &FSProbe{
		WorkDir:        job.WorkDir(),
		HoldSet:        held,
		LivenessWindow: m.cfg.LivenessWindow,
		QueueStateFn: func(task *sisjob.Task, shard int) sisjob.EngineQueueState {
			id, ok, err := m.history.LatestEngineJobID(ctx, job.SisID(), task.Name, shard)
			if err != nil || !ok {
				return sisjob.EngineStateNone
			}
			return queueSnapshot[id]
		},
		SubmitCountFn: func(task *sisjob.Task, shard int) int {
			n, err := m.history.SubmitCount(ctx, job.SisID(), task.Name, shard)
			if err != nil {
				return 0
			}
			return n
		},
	}
}

// submitShard escalates requirements when resubmitting after a failure,
// submits through the engine selector, and records the attempt.
func (m *Manager) submitShard(ctx context.Context, job sisjob.Job, task *sisjob.Task, shard int, usage sisjob.ResourceUsage) {
	rqmt := task.NextRequirements(usage, m.cfg.RetryEscalation)
	if m.command == nil {
		m.log.Error("no command builder configured, cannot dispatch", zap.String("job", job.SisID()))
		return
	}
	req := engine.SubmitRequest{
		Job:          job,
		Task:         task,
		Shard:        shard,
		Requirements: rqmt,
		Command:      m.command(job, task, shard),
		WorkDir:      job.WorkDir(),
	}
	res, err := m.engines.Submit(ctx, req)
	if err != nil {
		m.log.Warn("submit failed, will retry next tick",
			zap.String("job", job.SisID()), zap.String("task", task.Name), zap.Int("shard", shard), zap.Error(err))
		return
	}
	eng, selErr := m.engines.For(task, rqmt)
	engineName := "local"
	if selErr == nil {
		engineName = eng.Name()
	}
	if err := m.history.RecordSubmit(ctx, job.SisID(), task.Name, shard, engineName, res.EngineJobID, time.Now(), ""); err != nil {
		m.log.Warn("failed to record submit history", zap.Error(err))
	}
}

// linkOutputs runs every registered target's RunWhenDone, creating or
// repairing output symlinks now that a tick's worth of state has settled.
func (m *Manager) linkOutputs(ctx context.Context) error {
	if !m.cfg.LinkOutputs {
		return nil
	}
	var firstErr error
	for _, target := range m.graph.Targets() {
		done, err := target.IsDone(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !done {
			continue
		}
		if err := target.RunWhenDone(ctx, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// nextIncompleteTask returns the first task with at least one non-finished
// shard, or nil once every task's every shard is finished.
func nextIncompleteTask(job sisjob.Job, probe sisjob.StateProbe) *sisjob.Task {
	for _, task := range job.Tasks() {
		allDone := true
		for shard := 0; shard < task.EffectiveShardCount(); shard++ {
			if !probe.Finished(task, shard) {
				allDone = false
				break
			}
		}
		if !allDone {
			return task
		}
	}
	return nil
}

func statExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func overviewString(buckets graph.StatusBuckets) string {
	out := ""
	for state, jobs := range buckets {
		out += fmt.Sprintf("%s(%d) ", state, len(jobs))
	}
	return out
}

func hasPendingWork(buckets graph.StatusBuckets) bool {
	for _, s := range []sisjob.State{
		sisjob.StateRunnable, sisjob.StateRunning, sisjob.StateQueued,
		sisjob.StateInterruptedResumable, sisjob.StateRetryError, sisjob.StateRetryOOM,
	} {
		if len(buckets[s]) > 0 {
			return true
		}
	}
	return false
}

