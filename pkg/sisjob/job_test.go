package sisjob

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recipeArgs struct {
	Input string
	Count int
}

func TestComputeIdentityDeterministic(t *testing.T) {
	a, err := ComputeIdentity("recipe.corpus", "ExtractCorpus", recipeArgs{Input: "a.txt", Count: 3})
	require.NoError(t, err)
	b, err := ComputeIdentity("recipe.corpus", "ExtractCorpus", recipeArgs{Input: "a.txt", Count: 3})
	require.NoError(t, err)
	require.Equal(t, a.SisID(), b.SisID())

	c, err := ComputeIdentity("recipe.corpus", "ExtractCorpus", recipeArgs{Input: "a.txt", Count: 4})
	require.NoError(t, err)
	require.NotEqual(t, a.SisID(), c.SisID())
}

func TestIdentitySisIDShape(t *testing.T) {
	id, err := ComputeIdentity("recipe.corpus", "ExtractCorpus", recipeArgs{Input: "a.txt", Count: 3})
	require.NoError(t, err)
	require.Contains(t, id.SisID(), "recipe.corpus/ExtractCorpus.")
}

func TestBaseIsFinishedReflectsMarker(t *testing.T) {
	root := t.TempDir()
	id, err := ComputeIdentity("recipe.corpus", "ExtractCorpus", recipeArgs{Input: "a.txt", Count: 3})
	require.NoError(t, err)
	base := NewBase(id, root, nil)
	require.False(t, base.IsFinished())

	require.NoError(t, base.MarkFinished())
	require.True(t, base.IsFinished())
}

func TestValidateTags(t *testing.T) {
	require.True(t, ValidateTags([]string{"corpus-v2", "en_US"}))
	require.False(t, ValidateTags([]string{"bad tag"}))
	require.False(t, ValidateTags([]string{""}))
}

func TestTaskArgIndexRangeEvenSplit(t *testing.T) {
	task := &Task{Name: "run", ShardCount: 4}
	for shard := 0; shard < 4; shard++ {
		start, end := task.ArgIndexRange(8, shard)
		require.Equal(t, 2, end-start)
	}
}

func TestTaskArgIndexRangeUnevenSplit(t *testing.T) {
	task := &Task{Name: "run", ShardCount: 3}
	total := 0
	for shard := 0; shard < 3; shard++ {
		start, end := task.ArgIndexRange(10, shard)
		total += end - start
	}
	require.Equal(t, 10, total)
}

func TestRequirementsEscalate(t *testing.T) {
	base := Requirements{"cpu": 2, "mem": 4, "time": 1}
	esc := base.Escalate(2.0, nil)
	require.Equal(t, 8, esc.Mem())
	require.Equal(t, 2, esc.Time())
	require.Equal(t, 2, esc.CPU())
}

func TestRequirementsEscalateRespectsCap(t *testing.T) {
	base := Requirements{"mem": 16, "time": 1}
	cap := Requirements{"mem": 20}
	esc := base.Escalate(2.0, cap)
	require.Equal(t, 20, esc.Mem())
}

func TestTaskNextRequirementsOnlyEscalatesAfterKill(t *testing.T) {
	task := &Task{Name: "run", Requirements: Requirements{"mem": 4, "time": 1}}
	same := task.NextRequirements(ResourceUsage{}, 2.0)
	require.Equal(t, 4, same.Mem())

	escalated := task.NextRequirements(ResourceUsage{WasOOM: true}, 2.0)
	require.Greater(t, escalated.Mem(), 4)
}

type fakeProbe struct {
	held     bool
	finished map[string]bool
	errored  map[string]bool
	oom      map[string]bool
	started  map[string]bool
	running  map[string]bool
	engine   map[string]EngineQueueState
	submits  map[string]int
	tries    int
}

func key(task *Task, shard int) string {
	return task.markerName() + "#" + string(rune('0'+shard))
}

func (p *fakeProbe) Finished(task *Task, shard int) bool { return p.finished[key(task, shard)] }
func (p *fakeProbe) Errored(task *Task, shard int) bool  { return p.errored[key(task, shard)] }
func (p *fakeProbe) OOMOrKilled(task *Task, shard int) bool {
	return p.oom[key(task, shard)]
}
func (p *fakeProbe) Started(task *Task, shard int) bool  { return p.started[key(task, shard)] }
func (p *fakeProbe) RunningRecently(task *Task, shard int) bool {
	return p.running[key(task, shard)]
}
func (p *fakeProbe) EngineState(task *Task, shard int) EngineQueueState {
	return p.engine[key(task, shard)]
}
func (p *fakeProbe) SubmitCount(task *Task, shard int) int { return p.submits[key(task, shard)] }
func (p *fakeProbe) Held() bool                            { return p.held }

func TestDeriveTaskStateWaitingByDefault(t *testing.T) {
	probe := &fakeProbe{finished: map[string]bool{}, errored: map[string]bool{}, started: map[string]bool{}, running: map[string]bool{}, engine: map[string]EngineQueueState{}, submits: map[string]int{}}
	task := &Task{Name: "run", Tries: 1}
	require.Equal(t, StateWaiting, DeriveTaskState(probe, task, 0))
}

func TestDeriveTaskStateFinished(t *testing.T) {
	task := &Task{Name: "run", Tries: 1}
	probe := &fakeProbe{finished: map[string]bool{key(task, 0): true}}
	require.Equal(t, StateFinished, DeriveTaskState(probe, task, 0))
}

func TestDeriveTaskStateRetryErrorThenError(t *testing.T) {
	task := &Task{Name: "run", Tries: 2}
	probe := &fakeProbe{
		errored: map[string]bool{key(task, 0): true},
		submits: map[string]int{key(task, 0): 1},
	}
	require.Equal(t, StateRetryError, DeriveTaskState(probe, task, 0))

	probe.submits[key(task, 0)] = 2
	require.Equal(t, StateError, DeriveTaskState(probe, task, 0))
}

// TestDeriveTaskStateOOMRetriesUnconditionallyEvenAtDefaultTries covers
// spec.md §8 Scenario 3: a task that never set Tries (so effectiveTries()
// is 1) still resubmits after an OOM kill, because retry_oom is gated on
// the error marker's tag, not on SubmitCount vs. effectiveTries.
func TestDeriveTaskStateOOMRetriesUnconditionallyEvenAtDefaultTries(t *testing.T) {
	task := &Task{Name: "run"}
	probe := &fakeProbe{
		errored: map[string]bool{key(task, 0): true},
		oom:     map[string]bool{key(task, 0): true},
		submits: map[string]int{key(task, 0): 1},
	}
	require.Equal(t, StateRetryOOM, DeriveTaskState(probe, task, 0))

	// Even after many submits, an OOM-tagged error keeps retrying: nothing
	// in DeriveTaskState caps it against Tries.
	probe.submits[key(task, 0)] = 5
	require.Equal(t, StateRetryOOM, DeriveTaskState(probe, task, 0))
}

// TestDeriveTaskStateGenericErrorStillGatedByTriesAtDefault confirms the
// generic-error path is unaffected by the OOM split: with Tries left at its
// default, the very first submit already exhausts the self-healing budget.
func TestDeriveTaskStateGenericErrorStillGatedByTriesAtDefault(t *testing.T) {
	task := &Task{Name: "run"}
	probe := &fakeProbe{
		errored: map[string]bool{key(task, 0): true},
		submits: map[string]int{key(task, 0): 1},
	}
	require.Equal(t, StateError, DeriveTaskState(probe, task, 0))
}

func TestDeriveTaskStateHoldWins(t *testing.T) {
	task := &Task{Name: "run", Tries: 1}
	probe := &fakeProbe{held: true, finished: map[string]bool{key(task, 0): true}}
	require.Equal(t, StateHold, DeriveTaskState(probe, task, 0))
}

func TestDeriveTaskStateInterruptedResumable(t *testing.T) {
	task := &Task{Name: "run", Tries: 1, Continuable: true}
	probe := &fakeProbe{started: map[string]bool{key(task, 0): true}}
	require.Equal(t, StateInterruptedResumable, DeriveTaskState(probe, task, 0))
}

func TestDeriveTaskStateInterruptedNotResumable(t *testing.T) {
	task := &Task{Name: "run", Tries: 1, Continuable: false}
	probe := &fakeProbe{started: map[string]bool{key(task, 0): true}}
	require.Equal(t, StateInterruptedNotResumable, DeriveTaskState(probe, task, 0))
}

func TestDeriveTaskStateEngineQueuedAndRunning(t *testing.T) {
	task := &Task{Name: "run", Tries: 1}
	probe := &fakeProbe{engine: map[string]EngineQueueState{key(task, 0): EngineStateQueued}}
	require.Equal(t, StateQueued, DeriveTaskState(probe, task, 0))

	probe.engine[key(task, 0)] = EngineStateRunning
	require.Equal(t, StateRunning, DeriveTaskState(probe, task, 0))
}
