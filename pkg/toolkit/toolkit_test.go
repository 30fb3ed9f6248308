package toolkit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rwth-i6/sisyphus/pkg/graph"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
	"github.com/rwth-i6/sisyphus/pkg/sispath"
)

type recipeJob struct {
	sisjob.Base
}

func newRecipeJob(t *testing.T, root, class string, args any) *recipeJob {
	t.Helper()
	id, err := sisjob.ComputeIdentity("recipe.pkg", class, args)
	require.NoError(t, err)
	return &recipeJob{Base: sisjob.NewBase(id, root, nil)}
}

func TestJobInternsThroughGraph(t *testing.T) {
	root := t.TempDir()
	g := graph.New()
	tk := New(g, filepath.Join(root, "output"))

	a := tk.Job(newRecipeJob(t, root, "Foo", struct{ X int }{1}))
	b := tk.Job(newRecipeJob(t, root, "Foo", struct{ X int }{1}))
	require.Same(t, a, b)
	require.Len(t, g.Jobs(), 1)
}

func TestRegisterOutputCreatesSymlink(t *testing.T) {
	root := t.TempDir()
	outputRoot := filepath.Join(root, "output")
	g := graph.New()
	tk := New(g, outputRoot)

	job := tk.Job(newRecipeJob(t, root, "Foo", struct{ X int }{1}))
	require.NoError(t, job.(*recipeJob).MarkFinished())

	handle := sispath.NewOutputPath(job.(*recipeJob), "result.txt")
	link := tk.RegisterOutput("final", handle)

	ctx := context.Background()
	done, err := link.IsDone(ctx)
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, link.RunWhenDone(ctx, true))

	resolved, err := os.Readlink(filepath.Join(outputRoot, "final"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(job.WorkDir(), "output", "result.txt"), resolved)
}

func TestAsyncRunFiresOnceGuardsAvailable(t *testing.T) {
	root := t.TempDir()
	g := graph.New()
	tk := New(g, filepath.Join(root, "output"))

	job := tk.Job(newRecipeJob(t, root, "Upstream", struct{ X int }{1}))

	calls := 0
	guard := sispath.NewOutputPath(job.(*recipeJob), "intermediate.txt")
	cb := tk.AsyncRun("continue-pipeline", []sispath.Handle{guard}, func(ctx context.Context) error {
		calls++
		return nil
	})

	ctx := context.Background()
	require.NoError(t, cb.RunWhenDone(ctx, true))
	require.Equal(t, 0, calls, "continuation must not fire before its guard is available")

	require.NoError(t, job.(*recipeJob).MarkFinished())
	require.NoError(t, cb.RunWhenDone(ctx, true))
	require.NoError(t, cb.RunWhenDone(ctx, true))
	require.Equal(t, 1, calls, "continuation fires exactly once")

	require.Contains(t, g.Targets(), graph.Target(cb))
}

func TestAsyncRunRequiresNonNilFunc(t *testing.T) {
	g := graph.New()
	tk := New(g, t.TempDir())
	require.Panics(t, func() {
		tk.AsyncRun("bad", nil, nil)
	})
}

func TestFindMatchesID(t *testing.T) {
	root := t.TempDir()
	g := graph.New()
	tk := New(g, filepath.Join(root, "output"))
	tk.Job(newRecipeJob(t, root, "SpecialJob", struct{ X int }{7}))

	found := tk.Find("SpecialJob")
	require.Len(t, found, 1)
}
