package manager

import (
	"os"
	"time"

	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

// FSProbe implements sisjob.StateProbe against one job's on-disk work
// directory, consulting the history store for submit counts and the
// manager's tick-cached engine queue snapshot for in-flight state. A fresh
// FSProbe is built per job per tick so every state derivation within a
// tick sees a consistent view.
type FSProbe struct {
	WorkDir        string
	HoldSet        bool
	LivenessWindow time.Duration
	QueueStateFn   func(task *sisjob.Task, shard int) sisjob.EngineQueueState
	SubmitCountFn  func(task *sisjob.Task, shard int) int
}

func (p *FSProbe) livenessWindow() time.Duration {
	if p.LivenessWindow <= 0 {
		return 5 * time.Minute
	}
	return p.LivenessWindow
}

func (p *FSProbe) Finished(task *sisjob.Task, shard int) bool {
	return statExists(sisjob.TaskMarkers(p.WorkDir, task, shard).Finished)
}

func (p *FSProbe) Errored(task *sisjob.Task, shard int) bool {
	return statExists(sisjob.TaskMarkers(p.WorkDir, task, shard).Error)
}

// OOMOrKilled reports whether the shard's error marker was tagged by the
// worker as an OOM or SIGTERM kill, the signal DeriveTaskState uses to
// route the failure to unconditional resubmission (StateRetryOOM) instead
// of the Task.Tries-gated StateRetryError.
func (p *FSProbe) OOMOrKilled(task *sisjob.Task, shard int) bool {
	tag, ok := sisjob.ReadErrorTag(sisjob.TaskMarkers(p.WorkDir, task, shard).Error)
	if !ok {
		return false
	}
	return tag == sisjob.ErrorTagOOMRetryable || tag == sisjob.ErrorTagInterruptedRetryable
}

// Usage reads back the shard's usage marker, the resource sample the
// worker recorded when the last attempt ended. The zero value is returned
// if no usage marker was ever written.
func (p *FSProbe) Usage(task *sisjob.Task, shard int) sisjob.ResourceUsage {
	usage, _ := sisjob.ParseUsageMarker(sisjob.TaskMarkers(p.WorkDir, task, shard).Usage)
	return usage
}

func (p *FSProbe) Started(task *sisjob.Task, shard int) bool {
	return statExists(sisjob.TaskMarkers(p.WorkDir, task, shard).Log)
}

func (p *FSProbe) RunningRecently(task *sisjob.Task, shard int) bool {
	info, err := os.Stat(sisjob.TaskMarkers(p.WorkDir, task, shard).Log)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < p.livenessWindow()
}

func (p *FSProbe) EngineState(task *sisjob.Task, shard int) sisjob.EngineQueueState {
	if p.QueueStateFn == nil {
		return sisjob.EngineStateNone
	}
	return p.QueueStateFn(task, shard)
}

func (p *FSProbe) SubmitCount(task *sisjob.Task, shard int) int {
	if p.SubmitCountFn == nil {
		return 0
	}
	return p.SubmitCountFn(task, shard)
}

func (p *FSProbe) Held() bool { return p.HoldSet }

var _ sisjob.StateProbe = (*FSProbe)(nil)
