// Package engine defines the abstraction that submits tasks to a compute
// backend and reports back on them. The core interface is intentionally
// small; backends that support more than the minimum (a mini-task fast
// path, an SSH gateway tunnel) advertise it through optional capability
// interfaces detected via type assertion, the same pattern the teacher
// uses for its storage providers.
package engine

import (
	"context"
	"errors"

	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

// ErrNotFound is returned by TaskState (and by the local engine's Kill)
// when the engine has no record of the requested submission.
var ErrNotFound = errors.New("engine: task not found in queue")

// SubmitRequest describes one (task, shard) submission.
type SubmitRequest struct {
	Job          sisjob.Job
	Task         *sisjob.Task
	Shard        int
	Requirements sisjob.Requirements
	// Command is the fully-formed worker invocation, e.g.
	// ["sisyphus", "worker", workDir, name, "0"].
	Command []string
	WorkDir string
}

// SubmitResult identifies a submitted unit of work in engine-specific
// terms (a queue job id, an SGE/SLURM/LSF job number, an AWS Batch job
// ARN).
type SubmitResult struct {
	EngineJobID string
}

// Engine is the minimal surface every backend implements: submit, query,
// kill, and drop any cached queue state (the manager calls ResetCache at
// the start of every tick so each tick re-derives from scratch).
type Engine interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	// QueueState returns the engine's current view of every (task, shard)
	// it has submitted and not yet reaped, keyed by EngineJobID. Called
	// once per manager tick and cached for the duration of that tick, so
	// every dispatch decision within a tick sees a consistent snapshot.
	QueueState(ctx context.Context) (map[string]sisjob.EngineQueueState, error)
	// TaskState reports one submission's state directly, used when a
	// fresher answer than the tick cache is required (e.g. right after
	// submit).
	TaskState(ctx context.Context, engineJobID string) (sisjob.EngineQueueState, error)
	Kill(ctx context.Context, engineJobID string) error
	ResetCache()
}

// MiniTaskRunner is implemented by engines that can run a task in-process
// instead of going through their normal submission path — every engine's
// "short" fallback for mini_task-flagged tasks. Detected via type
// assertion, following the teacher's provider.ObjectPutter pattern.
type MiniTaskRunner interface {
	RunMiniTask(ctx context.Context, req SubmitRequest) error
}

// GatewayTunneler is implemented by engines that reach their scheduler
// through an SSH gateway host rather than local binaries (SGE/SLURM/LSF
// clusters not reachable from the manager's own machine).
type GatewayTunneler interface {
	GatewayHost() string
}
