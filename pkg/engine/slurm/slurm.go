// Package slurm implements the Engine interface against the Slurm
// Workload Manager, shelling out to sbatch for submission and squeue for
// queue polling.
package slurm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/rwth-i6/sisyphus/pkg/engine"
	"github.com/rwth-i6/sisyphus/pkg/engine/clustershell"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

// Engine talks to Slurm via sbatch/squeue/scancel.
type Engine struct {
	runner  clustershell.Runner
	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[string]sisjob.EngineQueueState
	valid bool
}

// New constructs a Slurm engine backed by runner.
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

func (e *Engine) Name() string { return "slurm" }

// Submit runs sbatch with --cpus-per-task, --mem, and --time derived from
// the task's requirements, printing only the assigned job id (--parsable).
func (e *Engine) Submit(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResult, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return engine.SubmitResult{}, err
	}

	rqmt := req.Requirements
	args := []string{
		"sbatch", "--parsable",
		"--cpus-per-task", strconv.Itoa(rqmt.CPU()),
		"--mem", fmt.Sprintf("%dG", rqmt.Mem()),
		"--time", fmt.Sprintf("%d:00:00", rqmt.Time()),
	}
	if gpu := rqmt.GPU(); gpu > 0 {
		args = append(args, "--gres", fmt.Sprintf("gpu:%d", gpu))
	}
	if extra, ok := rqmt["qsub_args"].(string); ok && extra != "" {
		args = append(args, strings.Fields(extra)...)
	}
	args = append(args, "--wrap", strings.Join(req.Command, " "))

	var markers sisjob.MarkerPaths
	if req.WorkDir != "" {
		markers = sisjob.TaskMarkers(req.WorkDir, req.Task, req.Shard)
		if err := sisjob.WriteMarkerAtomic(markers.EngineCmd, strings.Join(args, " ")+"\n"); err != nil {
			return engine.SubmitResult{}, fmt.Errorf("slurm: write engine_cmd marker: %w", err)
		}
	}

	out, err := e.runner.Run(ctx, args...)
	if req.WorkDir != "" {
		_ = sisjob.WriteMarkerAtomic(markers.SubmitLog, out)
	}
	if err != nil {
		return engine.SubmitResult{}, fmt.Errorf("slurm: sbatch failed: %w: %s", err, out)
	}
	id := strings.TrimSpace(strings.SplitN(out, ";", 2)[0])
	if id == "" {
		return engine.SubmitResult{}, fmt.Errorf("slurm: could not parse job id from sbatch output: %q", out)
	}
	return engine.SubmitResult{EngineJobID: id}, nil
}

// QueueState runs `squeue --noheader --format=%i %T` once per tick.
func (e *Engine) QueueState(ctx context.Context) (map[string]sisjob.EngineQueueState, error) {
	e.mu.Lock()
	if e.valid {
		out := cloneStates(e.cache)
		e.mu.Unlock()
		return out, nil
	}
	e.mu.Unlock()

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := e.runner.Run(ctx, "squeue", "--noheader", "--format=%i %T")
	if err != nil {
		return nil, fmt.Errorf("slurm: squeue failed: %w: %s", err, out)
	}

	states := make(map[string]sisjob.EngineQueueState)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		switch fields[1] {
		case "RUNNING", "COMPLETING":
			states[fields[0]] = sisjob.EngineStateRunning
		case "PENDING", "CONFIGURING":
			states[fields[0]] = sisjob.EngineStateQueued
		}
	}

	e.mu.Lock()
	e.cache = states
	e.valid = true
	result := cloneStates(states)
	e.mu.Unlock()
	return result, nil
}

func cloneStates(m map[string]sisjob.EngineQueueState) map[string]sisjob.EngineQueueState {
	out := make(map[string]sisjob.EngineQueueState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
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
	out, err := e.runner.Run(ctx, "scancel", engineJobID)
	if err != nil {
		return fmt.Errorf("slurm: scancel failed: %w: %s", err, out)
	}
	return nil
}

func (e *Engine) ResetCache() {
	e.mu.Lock()
	e.valid = false
	e.mu.Unlock()
}

var _ engine.Engine = (*Engine)(nil)
