// Package selector routes each task to a named backend engine, the Go
// equivalent of the reference's engine-selector callable
// (global_settings.ENGINE). A task's own "engine" requirement key, if set,
// wins; mini_task-flagged tasks are always routed to the configured mini
// engine (conventionally the local, in-process engine) regardless of any
// other rule, matching the reference's rationale for mini tasks bypassing
// the cluster entirely.
package selector

import (
	"context"
	"fmt"

	"github.com/rwth-i6/sisyphus/pkg/engine"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

// Selector dispatches SubmitRequest by task shape to one of several named
// engines.
type Selector struct {
	engines    map[string]engine.Engine
	defaultEng string
	miniEng    string
}

// New builds a selector over the given named engines. defaultEngine and
// miniEngine must be keys present in engines.
func New(engines map[string]engine.Engine, defaultEngine, miniEngine string) (*Selector, error) {
	if _, ok := engines[defaultEngine]; !ok {
		return nil, fmt.Errorf("selector: default engine %q not registered", defaultEngine)
	}
	if _, ok := engines[miniEngine]; !ok {
		return nil, fmt.Errorf("selector: mini engine %q not registered", miniEngine)
	}
	return &Selector{engines: engines, defaultEng: defaultEngine, miniEng: miniEngine}, nil
}

// For picks the engine a given task should submit through.
func (s *Selector) For(task *sisjob.Task, rqmt sisjob.Requirements) (engine.Engine, error) {
	if task.MiniTask {
		return s.engines[s.miniEng], nil
	}
	name := rqmt.Engine()
	if name == "" {
		name = s.defaultEng
	}
	e, ok := s.engines[name]
	if !ok {
		return nil, fmt.Errorf("selector: engine %q not registered", name)
	}
	return e, nil
}

// Submit resolves the right engine for req.Task and submits through it,
// routing mini tasks through MiniTaskRunner when the target engine
// implements it (always true for the local engine).
func (s *Selector) Submit(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResult, error) {
	eng, err := s.For(req.Task, req.Requirements)
	if err != nil {
		return engine.SubmitResult{}, err
	}
	if req.Task.MiniTask {
		if runner, ok := eng.(engine.MiniTaskRunner); ok {
			return engine.SubmitResult{EngineJobID: ""}, runner.RunMiniTask(ctx, req)
		}
	}
	return eng.Submit(ctx, req)
}

// ResetCache invalidates every registered engine's tick cache.
func (s *Selector) ResetCache() {
	for _, e := range s.engines {
		e.ResetCache()
	}
}

// Engines exposes the underlying registry, used by the manager to poll
// QueueState per backend.
func (s *Selector) Engines() map[string]engine.Engine {
	out := make(map[string]engine.Engine, len(s.engines))
	for k, v := range s.engines {
		out[k] = v
	}
	return out
}
