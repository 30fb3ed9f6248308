// Package lsf implements the Engine interface against IBM Spectrum LSF,
// shelling out to bsub for submission and bjobs for queue polling.
package lsf

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

// Engine talks to LSF via bsub/bjobs/bkill.
type Engine struct {
	runner  clustershell.Runner
	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[string]sisjob.EngineQueueState
	valid bool
}

// New constructs an LSF engine backed by runner.
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

func (e *Engine) Name() string { return "lsf" }

var bsubJobIDRE = regexp.MustCompile(`Job <(\d+)>`)

// Submit runs bsub with -n for cpu count, -M/-R rusage for mem, and -W for
// the wall-clock limit.
func (e *Engine) Submit(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResult, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return engine.SubmitResult{}, err
	}

	rqmt := req.Requirements
	args := []string{"bsub", "-n", strconv.Itoa(rqmt.CPU())}
	args = append(args, "-M", fmt.Sprintf("%dG", rqmt.Mem()))
	args = append(args, "-R", fmt.Sprintf("rusage[mem=%dG]", rqmt.Mem()))
	args = append(args, "-W", strconv.Itoa(rqmt.Time()*60))
	if extra, ok := rqmt["qsub_args"].(string); ok && extra != "" {
		args = append(args, strings.Fields(extra)...)
	}
	args = append(args, req.Command...)

	var markers sisjob.MarkerPaths
	if req.WorkDir != "" {
		markers = sisjob.TaskMarkers(req.WorkDir, req.Task, req.Shard)
		if err := sisjob.WriteMarkerAtomic(markers.EngineCmd, strings.Join(args, " ")+"\n"); err != nil {
			return engine.SubmitResult{}, fmt.Errorf("lsf: write engine_cmd marker: %w", err)
		}
	}

	out, err := e.runner.Run(ctx, args...)
	if req.WorkDir != "" {
		_ = sisjob.WriteMarkerAtomic(markers.SubmitLog, out)
	}
	if err != nil {
		return engine.SubmitResult{}, fmt.Errorf("lsf: bsub failed: %w: %s", err, out)
	}
	m := bsubJobIDRE.FindStringSubmatch(out)
	if m == nil {
		return engine.SubmitResult{}, fmt.Errorf("lsf: could not parse job id from bsub output: %q", out)
	}
	return engine.SubmitResult{EngineJobID: m[1]}, nil
}

// QueueState runs `bjobs -a -noheader -o "jobid stat"` once per tick.
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
	out, err := e.runner.Run(ctx, "bjobs", "-a", "-noheader", "-o", "jobid stat")
	if err != nil {
		return nil, fmt.Errorf("lsf: bjobs failed: %w: %s", err, out)
	}

	states := make(map[string]sisjob.EngineQueueState)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		switch fields[1] {
		case "RUN":
			states[fields[0]] = sisjob.EngineStateRunning
		case "PEND", "PSUSP":
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
	out, err := e.runner.Run(ctx, "bkill", engineJobID)
	if err != nil {
		return fmt.Errorf("lsf: bkill failed: %w: %s", err, out)
	}
	return nil
}

func (e *Engine) ResetCache() {
	e.mu.Lock()
	e.valid = false
	e.mu.Unlock()
}

var _ engine.Engine = (*Engine)(nil)
