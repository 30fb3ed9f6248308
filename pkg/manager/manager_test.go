package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rwth-i6/sisyphus/pkg/engine"
	"github.com/rwth-i6/sisyphus/pkg/engine/local"
	"github.com/rwth-i6/sisyphus/pkg/engine/selector"
	"github.com/rwth-i6/sisyphus/pkg/graph"
	"github.com/rwth-i6/sisyphus/pkg/manager/history"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

type testJob struct {
	sisjob.Base
}

func newTestJob(t *testing.T, root, class string, args any) *testJob {
	t.Helper()
	id, err := sisjob.ComputeIdentity("recipe.pkg", class, args)
	require.NoError(t, err)
	return &testJob{Base: sisjob.NewBase(id, root, nil)}
}

func newTestManager(t *testing.T) (*Manager, *testJob) {
	t.Helper()
	root := t.TempDir()
	g := graph.New()
	job := newTestJob(t, root, "Echo", map[string]any{"n": 1})
	interned := g.Intern(job).(*testJob)
	interned.SetTasks(&sisjob.Task{Name: "run", MiniTask: true})

	eng := local.New(local.Budget{CPU: 4, GPU: 0, MemGB: 8})
	sel, err := selector.New(map[string]engine.Engine{"local": eng}, "local", "local")
	require.NoError(t, err)

	hist, err := history.Open(filepath.Join(root, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	m := New(Config{LinkOutputs: true}, g, sel, hist, nil, func(job sisjob.Job, task *sisjob.Task, shard int) []string {
		return []string{"true"}
	})
	return m, interned
}

func TestDispatchJobSubmitsRunnableMiniTask(t *testing.T) {
	m, job := newTestManager(t)
	ctx := context.Background()

	state, err := m.dispatchJob(ctx, job, map[string]sisjob.EngineQueueState{})
	require.NoError(t, err)
	require.NotEqual(t, sisjob.StateError, state)

	require.Eventually(t, func() bool {
		n, _ := m.history.SubmitCount(ctx, job.SisID(), "run", 0)
		return n == 1
	}, time.Second, 10*time.Millisecond)
}

// TestDispatchJobOOMKillResubmitsUnconditionallyThenEscalates drives
// spec.md §8 Scenario 3 end-to-end through dispatchJob: a task that never
// sets Tries (so the generic-error retry budget is already exhausted after
// one submit) still resubmits after an OOM kill, with the resubmission's
// requirements escalated from the recorded usage sample, and the shard
// eventually finishes.
func TestDispatchJobOOMKillResubmitsUnconditionallyThenEscalates(t *testing.T) {
	root := t.TempDir()
	g := graph.New()
	job := newTestJob(t, root, "Train", map[string]any{"n": 1})
	interned := g.Intern(job).(*testJob)
	task := &sisjob.Task{Name: "run", Requirements: sisjob.Requirements{"mem": 2, "time": 1}}
	interned.SetTasks(task)

	eng := local.New(local.Budget{CPU: 4, MemGB: 32})
	sel, err := selector.New(map[string]engine.Engine{"local": eng}, "local", "local")
	require.NoError(t, err)
	hist, err := history.Open(filepath.Join(root, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	m := New(Config{RetryEscalation: 2.0}, g, sel, hist, nil, func(job sisjob.Job, task *sisjob.Task, shard int) []string {
		return []string{"true"}
	})

	ctx := context.Background()

	state, err := m.dispatchJob(ctx, interned, map[string]sisjob.EngineQueueState{})
	require.NoError(t, err)
	require.Equal(t, sisjob.StateRunnable, state)
	require.Eventually(t, func() bool {
		n, _ := m.history.SubmitCount(ctx, interned.SisID(), "run", 0)
		return n == 1
	}, time.Second, 10*time.Millisecond)

	// Simulate the worker exiting with the exit-137 OOM signal: an
	// OOM-tagged error marker plus the usage sample it recorded before
	// dying, exactly what pkg/worker.RunTask writes on that path.
	markers := sisjob.TaskMarkers(interned.WorkDir(), task, 0)
	require.NoError(t, sisjob.WriteMarkerAtomic(markers.Error, sisjob.ErrorTagOOMRetryable+"\nsignal: killed (exit 137)\n"))
	require.NoError(t, sisjob.WriteMarkerAtomic(markers.Usage, sisjob.UsageMarkerBody(sisjob.ResourceUsage{
		MaxMemGB: 2, RunTime: 0.1, ExitCode: 137, WasOOM: true,
	})))

	state, err = m.dispatchJob(ctx, interned, map[string]sisjob.EngineQueueState{})
	require.NoError(t, err)
	require.Equal(t, sisjob.StateRetryOOM, state)
	require.Eventually(t, func() bool {
		n, _ := m.history.SubmitCount(ctx, interned.SisID(), "run", 0)
		return n == 2
	}, time.Second, 10*time.Millisecond)

	usage, ok, err := m.history.LatestUsage(ctx, interned.SisID(), "run", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, usage.WasOOM)

	escalated := task.NextRequirements(usage, m.cfg.RetryEscalation)
	require.Greater(t, escalated.Mem(), 2)

	// The escalated resubmission finishes normally.
	require.NoError(t, sisjob.WriteMarkerAtomic(markers.Finished, ""))
	state, err = m.dispatchJob(ctx, interned, map[string]sisjob.EngineQueueState{})
	require.NoError(t, err)
	require.Equal(t, sisjob.StateFinished, state)
}

// TestDispatchJobStopsRetryingPastMaxSubmitRetries confirms
// Config.MaxSubmitRetries actually caps resubmission instead of retrying
// an OOM kill forever.
func TestDispatchJobStopsRetryingPastMaxSubmitRetries(t *testing.T) {
	root := t.TempDir()
	g := graph.New()
	job := newTestJob(t, root, "Train", map[string]any{"n": 2})
	interned := g.Intern(job).(*testJob)
	task := &sisjob.Task{Name: "run"}
	interned.SetTasks(task)

	eng := local.New(local.Budget{CPU: 4, MemGB: 32})
	sel, err := selector.New(map[string]engine.Engine{"local": eng}, "local", "local")
	require.NoError(t, err)
	hist, err := history.Open(filepath.Join(root, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	m := New(Config{MaxSubmitRetries: 1}, g, sel, hist, nil, func(job sisjob.Job, task *sisjob.Task, shard int) []string {
		return []string{"true"}
	})

	ctx := context.Background()
	require.NoError(t, m.history.RecordSubmit(ctx, interned.SisID(), "run", 0, "local", "prior", time.Now(), ""))

	markers := sisjob.TaskMarkers(interned.WorkDir(), task, 0)
	require.NoError(t, os.MkdirAll(interned.WorkDir(), 0o755))
	require.NoError(t, sisjob.WriteMarkerAtomic(markers.Error, sisjob.ErrorTagOOMRetryable+"\nkilled\n"))

	state, err := m.dispatchJob(ctx, interned, map[string]sisjob.EngineQueueState{})
	require.NoError(t, err)
	require.Equal(t, sisjob.StateError, state)
}

func TestDispatchJobMarksFinishedJobWithNoTasksLeft(t *testing.T) {
	root := t.TempDir()
	g := graph.New()
	job := newTestJob(t, root, "NoOp", map[string]any{})
	interned := g.Intern(job).(*testJob)
	interned.SetTasks() // no tasks at all

	eng := local.New(local.Budget{CPU: 1, MemGB: 1})
	sel, err := selector.New(map[string]engine.Engine{"local": eng}, "local", "local")
	require.NoError(t, err)
	hist, err := history.Open(filepath.Join(root, "history.db"))
	require.NoError(t, err)
	defer hist.Close()

	m := New(Config{}, g, sel, hist, nil, nil)
	state, err := m.dispatchJob(context.Background(), interned, nil)
	require.NoError(t, err)
	require.Equal(t, sisjob.StateFinished, state)
	require.True(t, interned.IsFinished())
}

func TestPromoteIfRunnableRequiresAllInputsAvailable(t *testing.T) {
	m, job := newTestManager(t)

	blocker := newTestJob(t, t.TempDir(), "Blocker", map[string]any{"n": 2})
	job.SetInputs(blocker.OutputPath("out.txt"))

	state := m.promoteIfRunnable(context.Background(), job, job.Tasks()[0], sisjob.StateWaiting)
	require.Equal(t, sisjob.StateWaiting, state)
}

func TestPromoteIfRunnableWaitsForInputMTimeDelay(t *testing.T) {
	root := t.TempDir()
	g := graph.New()

	blocker := newTestJob(t, root, "Blocker", map[string]any{"n": 5})
	internedBlocker := g.Intern(blocker).(*testJob)
	require.NoError(t, os.MkdirAll(filepath.Join(internedBlocker.WorkDir(), "output"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(internedBlocker.WorkDir(), "output", "out.txt"), []byte("x"), 0o644))
	require.NoError(t, internedBlocker.MarkFinished())

	job := newTestJob(t, root, "Echo", map[string]any{"n": 9})
	job.SetInputs(internedBlocker.OutputPath("out.txt"))
	interned := g.Intern(job).(*testJob)
	interned.SetTasks(&sisjob.Task{Name: "run", MiniTask: true})

	eng := local.New(local.Budget{CPU: 4, MemGB: 8})
	sel, err := selector.New(map[string]engine.Engine{"local": eng}, "local", "local")
	require.NoError(t, err)
	hist, err := history.Open(filepath.Join(root, "history.db"))
	require.NoError(t, err)
	defer hist.Close()

	m := New(Config{MTimeInputsDelay: time.Hour}, g, sel, hist, nil, nil)
	state := m.promoteIfRunnable(context.Background(), interned, interned.Tasks()[0], sisjob.StateWaiting)
	require.Equal(t, sisjob.StateWaiting, state)
}

func TestPromoteIfRunnableAllowsAgedInputPastDelay(t *testing.T) {
	root := t.TempDir()
	g := graph.New()

	blocker := newTestJob(t, root, "Blocker", map[string]any{"n": 6})
	internedBlocker := g.Intern(blocker).(*testJob)
	require.NoError(t, os.MkdirAll(filepath.Join(internedBlocker.WorkDir(), "output"), 0o755))
	outPath := filepath.Join(internedBlocker.WorkDir(), "output", "out.txt")
	require.NoError(t, os.WriteFile(outPath, []byte("x"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(outPath, old, old))
	require.NoError(t, internedBlocker.MarkFinished())

	job := newTestJob(t, root, "Echo", map[string]any{"n": 10})
	job.SetInputs(internedBlocker.OutputPath("out.txt"))
	interned := g.Intern(job).(*testJob)
	interned.SetTasks(&sisjob.Task{Name: "run", MiniTask: true})

	eng := local.New(local.Budget{CPU: 4, MemGB: 8})
	sel, err := selector.New(map[string]engine.Engine{"local": eng}, "local", "local")
	require.NoError(t, err)
	hist, err := history.Open(filepath.Join(root, "history.db"))
	require.NoError(t, err)
	defer hist.Close()

	m := New(Config{MTimeInputsDelay: time.Minute}, g, sel, hist, nil, nil)
	state := m.promoteIfRunnable(context.Background(), interned, interned.Tasks()[0], sisjob.StateWaiting)
	require.Equal(t, sisjob.StateRunnable, state)
}

func TestHasPendingWork(t *testing.T) {
	require.True(t, hasPendingWork(graph.StatusBuckets{sisjob.StateRunnable: {nil}}))
	require.False(t, hasPendingWork(graph.StatusBuckets{sisjob.StateFinished: {nil}}))
}

func TestSyncAliasesCreatesSymlink(t *testing.T) {
	root := t.TempDir()
	g := graph.New()
	id, err := sisjob.ComputeIdentity("recipe.pkg", "Echo", map[string]any{"n": 3})
	require.NoError(t, err)
	job := &testJob{Base: sisjob.NewBase(id, root, []string{"train/baseline"})}
	interned := g.Intern(job).(*testJob)

	aliasDir := filepath.Join(root, "alias")
	require.NoError(t, SyncAliases(g, aliasDir, nil))

	target, err := os.Readlink(filepath.Join(aliasDir, "train", "baseline"))
	require.NoError(t, err)
	require.Equal(t, interned.WorkDir(), target)
}
