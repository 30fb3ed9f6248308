package sisjob

import (
	"context"
	"strings"
)

// Task is one named step of a job's execution, optionally sharded across
// several parallel array-job indices. Fields mirror the reference Task
// class: Name/ResumeName distinguish a fresh run from one resuming partial
// output, Requirements is the base resource request, ShardCount splits the
// step into independent array indices, MiniTask routes the step to the
// manager's own lightweight local engine instead of the cluster, and
// Continuable governs whether an interrupted run may be resumed in place
// or must restart from scratch.
type Task struct {
	Name         string
	ResumeName   string
	Requirements Requirements
	ShardCount   int
	MiniTask     bool
	Continuable  bool
	Tries        int

	// Run is the recipe function invoked for a fresh attempt at one shard
	// of this task, the Go analogue of the reference's `_start` method
	// name looked up on the job via getattr. Resume, when set, is invoked
	// instead for a Continuable task's worker restart, matching `_resume`.
	// A shard is one array-job index; Run is responsible for iterating the
	// argument range ArgIndexRange returns for it when the task is sharded.
	Run    func(ctx context.Context, shard int) error
	Resume func(ctx context.Context, shard int) error

	// UpdateRqmt is called with the base requirements and the previous
	// attempt's recorded usage after an OOM or time-kill, returning the
	// escalated requirements to submit next. A nil UpdateRqmt falls back
	// to Requirements.Escalate with the default factor and no cap.
	UpdateRqmt func(base Requirements, usage ResourceUsage) Requirements
}

// markerName returns the name segment used in marker filenames: the resume
// name takes precedence once a task has been resumed, matching the
// reference's log-file naming so a resumed task's markers don't collide
// with its pre-resume run.
func (t *Task) markerName() string {
	if t.ResumeName != "" {
		return t.ResumeName
	}
	return t.Name
}

func (t *Task) effectiveShardCount() int {
	if t.ShardCount < 1 {
		return 1
	}
	return t.ShardCount
}

// EffectiveShardCount is the exported form of effectiveShardCount, used by
// callers outside this package (the manager's dispatch loop) that need to
// enumerate a task's shards without duplicating the ShardCount<1 default.
func (t *Task) EffectiveShardCount() int {
	return t.effectiveShardCount()
}

// Entrypoint picks which function the worker should invoke: Resume when
// resuming a Continuable task and a Resume function was actually set,
// falling back to Run otherwise (mirroring the reference's fallback when a
// resume function was never registered for a task that changed shape after
// the job was constructed).
func (t *Task) Entrypoint(resume bool) func(ctx context.Context, shard int) error {
	if resume && t.Resume != nil {
		return t.Resume
	}
	return t.Run
}

func (t *Task) effectiveTries() int {
	if t.Tries < 1 {
		return 1
	}
	return t.Tries
}

// NextRequirements computes the resource request for a shard's next submit
// attempt, escalating from the base Requirements once usage indicates the
// previous attempt was killed for exceeding memory or time. factor is the
// manager's configured Retry.Escalation multiplier (Config.RetryEscalation);
// a value <= 0 falls back to a 2x escalation.
func (t *Task) NextRequirements(usage ResourceUsage, factor float64) Requirements {
	base := t.Requirements
	if base == nil {
		base = DefaultRequirements()
	}
	if !usage.WasOOM && !usage.WasKilled {
		return base
	}
	if t.UpdateRqmt != nil {
		return t.UpdateRqmt(base, usage)
	}
	return base.Escalate(factor, nil)
}

// ArgIndexRange returns the [start, end) range of a shard's array-job
// indices, mirroring _get_arg_idx_for_task_id: shards own consecutive
// ranges from the low end up, and the remainder of an uneven split goes one
// extra index each to the first totalArgs%shards shards.
func (t *Task) ArgIndexRange(totalArgs, shard int) (start, end int) {
	shards := t.effectiveShardCount()
	if shards <= 1 {
		return 0, totalArgs
	}
	per := totalArgs / shards
	rem := totalArgs % shards
	start = shard * per
	if shard < rem {
		start += shard
	} else {
		start += rem
	}
	end = start + per
	if shard < rem {
		end++
	}
	return start, end
}

// ValidateTags checks a job's sis_tags-style label set against the
// reference's allowed character class: letters, digits, underscore and
// dash. Tags are free-form recipe metadata forwarded onto declared output
// paths; validating them here catches typos before they reach the graph.
func ValidateTags(tags []string) bool {
	for _, tag := range tags {
		if tag == "" {
			return false
		}
		for _, r := range tag {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
				return false
			}
		}
	}
	return true
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}
