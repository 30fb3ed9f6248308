// Package local implements an in-process engine that runs worker
// subprocesses directly on the manager's own machine, admission-controlled
// by a fixed cpu/gpu/mem budget. This is both the default engine for
// small setups and the mandatory backend for mini_task-flagged tasks
// dispatched by any other engine.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rwth-i6/sisyphus/pkg/engine"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

// Budget is the fixed resource pool the local engine admits submissions
// against. Zero fields mean unbounded on that resource.
type Budget struct {
	CPU int
	GPU int
	MemGB int
}

type running struct {
	req   engine.SubmitRequest
	cmd   *exec.Cmd
	state sisjob.EngineQueueState
}

// Engine is a local, subprocess-based backend, the Go analogue of the
// teacher's jobregistry.Executor: spawn a child process per unit of work,
// capture its stdout/stderr to per-shard log files, track it by a
// generated id rather than the OS pid (which can be reused).
type Engine struct {
	mu      sync.Mutex
	budget  Budget
	used    Budget
	jobs    map[string]*running
}

// New constructs a local engine with the given resource budget.
func New(budget Budget) *Engine {
	return &Engine{budget: budget, jobs: make(map[string]*running)}
}

func (e *Engine) Name() string { return "local" }

func (e *Engine) admit(req engine.SubmitRequest) error {
	cpu := req.Requirements.CPU()
	gpu := req.Requirements.GPU()
	mem := req.Requirements.Mem()

	if e.budget.CPU > 0 && e.used.CPU+cpu > e.budget.CPU {
		return fmt.Errorf("local: cpu budget exceeded (%d/%d)", e.used.CPU+cpu, e.budget.CPU)
	}
	if e.budget.GPU > 0 && e.used.GPU+gpu > e.budget.GPU {
		return fmt.Errorf("local: gpu budget exceeded (%d/%d)", e.used.GPU+gpu, e.budget.GPU)
	}
	if e.budget.MemGB > 0 && e.used.MemGB+mem > e.budget.MemGB {
		return fmt.Errorf("local: mem budget exceeded (%d/%d)", e.used.MemGB+mem, e.budget.MemGB)
	}
	e.used.CPU += cpu
	e.used.GPU += gpu
	e.used.MemGB += mem
	return nil
}

func (e *Engine) release(req engine.SubmitRequest) {
	e.used.CPU -= req.Requirements.CPU()
	e.used.GPU -= req.Requirements.GPU()
	e.used.MemGB -= req.Requirements.Mem()
}

// Submit spawns the worker command as a child process, logging to
// <workdir>/engine_cmd.<engineJobID>.{out,err}. Admission is checked against the
// engine's budget before spawning; a rejected submission returns an error
// the manager should treat as "retry next tick", not a task failure.
func (e *Engine) Submit(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResult, error) {
	if len(req.Command) == 0 {
		return engine.SubmitResult{}, fmt.Errorf("local: empty command")
	}

	e.mu.Lock()
	if err := e.admit(req); err != nil {
		e.mu.Unlock()
		return engine.SubmitResult{}, err
	}
	e.mu.Unlock()

	id := uuid.New().String()

	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		e.mu.Lock()
		e.release(req)
		e.mu.Unlock()
		return engine.SubmitResult{}, fmt.Errorf("local: create work dir: %w", err)
	}

	markers := sisjob.TaskMarkers(req.WorkDir, req.Task, req.Shard)
	if err := sisjob.WriteMarkerAtomic(markers.EngineCmd, strings.Join(req.Command, " ")+"\n"); err != nil {
		e.mu.Lock()
		e.release(req)
		e.mu.Unlock()
		return engine.SubmitResult{}, fmt.Errorf("local: write engine_cmd marker: %w", err)
	}

	stdout, err := os.Create(filepath.Join(req.WorkDir, "engine_cmd."+id+".out"))
	if err != nil {
		e.mu.Lock()
		e.release(req)
		e.mu.Unlock()
		return engine.SubmitResult{}, fmt.Errorf("local: create stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(req.WorkDir, "engine_cmd."+id+".err"))
	if err != nil {
		_ = stdout.Close()
		e.mu.Lock()
		e.release(req)
		e.mu.Unlock()
		return engine.SubmitResult{}, fmt.Errorf("local: create stderr log: %w", err)
	}

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(),
		"SIS_TASK_NAME="+req.Task.Name,
		"SIS_TASK_SHARD="+strconv.Itoa(req.Shard),
	)

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		e.mu.Lock()
		e.release(req)
		e.mu.Unlock()
		return engine.SubmitResult{}, fmt.Errorf("local: start worker: %w", err)
	}

	e.mu.Lock()
	e.jobs[id] = &running{req: req, cmd: cmd, state: sisjob.EngineStateRunning}
	e.mu.Unlock()

	submitLog := fmt.Sprintf("engine=local\nengine_job_id=%s\npid=%d\nsubmitted_at=%s\n", id, cmd.Process.Pid, time.Now().Format(time.RFC3339))
	_ = sisjob.WriteMarkerAtomic(markers.SubmitLog, submitLog)

	go func() {
		_ = cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.jobs, id)
		e.release(req)
	}()

	return engine.SubmitResult{EngineJobID: id}, nil
}

// RunMiniTask runs the worker command synchronously in the calling
// goroutine, bypassing admission control and the subprocess bookkeeping
// used for full submissions. Mini-tasks are meant to be cheap and short,
// matching the reference's rationale for routing them off the cluster.
func (e *Engine) RunMiniTask(ctx context.Context, req engine.SubmitRequest) error {
	if len(req.Command) == 0 {
		return fmt.Errorf("local: empty command")
	}
	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("local: mini task failed: %w: %s", err, out)
	}
	return nil
}

func (e *Engine) QueueState(ctx context.Context) (map[string]sisjob.EngineQueueState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]sisjob.EngineQueueState, len(e.jobs))
	for id, r := range e.jobs {
		out[id] = r.state
	}
	return out, nil
}

func (e *Engine) TaskState(ctx context.Context, engineJobID string) (sisjob.EngineQueueState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.jobs[engineJobID]
	if !ok {
		return sisjob.EngineStateNone, engine.ErrNotFound
	}
	return r.state, nil
}

func (e *Engine) Kill(ctx context.Context, engineJobID string) error {
	e.mu.Lock()
	r, ok := e.jobs[engineJobID]
	e.mu.Unlock()
	if !ok {
		return engine.ErrNotFound
	}
	if r.cmd.Process == nil {
		return nil
	}
	return r.cmd.Process.Kill()
}

// ResetCache is a no-op for the local engine: QueueState already reads
// live process state on every call, so there is nothing to invalidate.
func (e *Engine) ResetCache() {}

var (
	_ engine.Engine         = (*Engine)(nil)
	_ engine.MiniTaskRunner = (*Engine)(nil)
)
