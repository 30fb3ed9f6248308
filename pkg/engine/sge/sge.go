// Package sge implements the Engine interface against Sun/Univa/Son of
// Grid Engine, shelling out to qsub for submission and qstat for queue
// polling, rate-limited so a large dispatch batch doesn't hammer the
// scheduler's own request budget.
package sge

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/rwth-i6/sisyphus/pkg/engine"
	"github.com/rwth-i6/sisyphus/pkg/engine/clustershell"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

// Engine talks to Grid Engine via qsub/qstat/qdel.
type Engine struct {
	runner  clustershell.Runner
	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[string]sisjob.EngineQueueState
	valid bool
}

// New constructs an SGE engine. runner is typically clustershell.LocalRunner{}
// or a clustershell.SSHRunner pointed at a submission host. requestsPerSec
// caps how often qsub/qstat are invoked; the reference imposes no such
// limit but every cluster site operator does in practice, so this
// generalizes the corpus's rate-limited-crawler pattern to scheduler
// polling.
func New(runner clustershell.Runner, requestsPerSec float64) *Engine {
	if requestsPerSec <= 0 {
		requestsPerSec = 2
	}
	return &Engine{
		runner:  runner,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), 1),
		cache:   make(map[string]sisjob.EngineQueueState),
	}
}

func (e *Engine) Name() string { return "sge" }

var submittedRE = regexp.MustCompile(`[Yy]our job(?:-array)? (\d+)`)

// Submit runs qsub with flags derived from the task's requirements: -pe
// smp for cpu, -l h_vmem for mem, -l h_rt for time, plus any raw
// "qsub_args" passthrough. Each shard is submitted as its own qsub job; no
// -t array range is used.
func (e *Engine) Submit(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResult, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return engine.SubmitResult{}, err
	}

	args := []string{"qsub", "-terse", "-cwd", "-j", "y"}
	rqmt := req.Requirements
	if cpu := rqmt.CPU(); cpu > 1 {
		args = append(args, "-pe", "smp", strconv.Itoa(cpu))
	}
	args = append(args, "-l", fmt.Sprintf("h_vmem=%dG", rqmt.Mem()))
	args = append(args, "-l", fmt.Sprintf("h_rt=%d:00:00", rqmt.Time()))
	if extra, ok := rqmt["qsub_args"].(string); ok && extra != "" {
		args = append(args, strings.Fields(extra)...)
	}
	args = append(args, req.Command...)

	var markers sisjob.MarkerPaths
	if req.WorkDir != "" {
		markers = sisjob.TaskMarkers(req.WorkDir, req.Task, req.Shard)
		if err := sisjob.WriteMarkerAtomic(markers.EngineCmd, strings.Join(args, " ")+"\n"); err != nil {
			return engine.SubmitResult{}, fmt.Errorf("sge: write engine_cmd marker: %w", err)
		}
	}

	out, err := e.runner.Run(ctx, args...)
	if req.WorkDir != "" {
		_ = sisjob.WriteMarkerAtomic(markers.SubmitLog, out)
	}
	if err != nil {
		return engine.SubmitResult{}, fmt.Errorf("sge: qsub failed: %w: %s", err, out)
	}

	id := strings.TrimSpace(out)
	if m := submittedRE.FindStringSubmatch(out); m != nil {
		id = m[1]
	}
	if id == "" {
		return engine.SubmitResult{}, fmt.Errorf("sge: could not parse job id from qsub output: %q", out)
	}
	return engine.SubmitResult{EngineJobID: id}, nil
}

// QueueState runs `qstat` once and parses every row's state column ("qw"
// for queued, "r"/"t" for running), caching the result until ResetCache is
// called — the manager calls that once per tick so every dispatch decision
// within the tick sees the same snapshot.
func (e *Engine) QueueState(ctx context.Context) (map[string]sisjob.EngineQueueState, error) {
	e.mu.Lock()
	if e.valid {
		out := make(map[string]sisjob.EngineQueueState, len(e.cache))
		for k, v := range e.cache {
			out[k] = v
		}
		e.mu.Unlock()
		return out, nil
	}
	e.mu.Unlock()

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := e.runner.Run(ctx, "qstat")
	if err != nil {
		return nil, fmt.Errorf("sge: qstat failed: %w: %s", err, out)
	}

	states := parseQstat(out)

	e.mu.Lock()
	e.cache = states
	e.valid = true
	result := make(map[string]sisjob.EngineQueueState, len(states))
	for k, v := range states {
		result[k] = v
	}
	e.mu.Unlock()
	return result, nil
}

func parseQstat(out string) map[string]sisjob.EngineQueueState {
	states := make(map[string]sisjob.EngineQueueState)
	lines := strings.Split(out, "\n")
	for _, line := range lines[min(2, len(lines)):] {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		id := fields[0]
		status := fields[4]
		switch {
		case strings.ContainsAny(status, "rt"):
			states[id] = sisjob.EngineStateRunning
		case strings.Contains(status, "q"):
			states[id] = sisjob.EngineStateQueued
		}
	}
	return states
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (e *Engine) TaskState(ctx context.Context, engineJobID string) (sisjob.EngineQueueState, error) {
	states, err := e.QueueState(ctx)
	if err != nil {
		return sisjob.EngineStateNone, err
	}
	s, ok := states[engineJobID]
	if !ok {
		return sisjob.EngineStateNone, engine.ErrNotFound
	}
	return s, nil
}

func (e *Engine) Kill(ctx context.Context, engineJobID string) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	out, err := e.runner.Run(ctx, "qdel", engineJobID)
	if err != nil {
		return fmt.Errorf("sge: qdel failed: %w: %s", err, out)
	}
	return nil
}

// ResetCache invalidates the cached qstat snapshot, called once at the
// start of every manager tick.
func (e *Engine) ResetCache() {
	e.mu.Lock()
	e.valid = false
	e.mu.Unlock()
}

// GatewayHost reports the SSH gateway host when the engine's runner is an
// SSHRunner, satisfying engine.GatewayTunneler.
func (e *Engine) GatewayHost() string {
	if h, ok := e.runner.(interface{ GatewayHost() string }); ok {
		return h.GatewayHost()
	}
	return ""
}

var _ engine.Engine = (*Engine)(nil)
