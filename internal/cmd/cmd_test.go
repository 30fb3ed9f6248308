package cmd

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rwth-i6/sisyphus/pkg/sisjob"
	"github.com/rwth-i6/sisyphus/pkg/worker"
)

type recipeJob struct {
	sisjob.Base
}

func setupWorkRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	id, err := sisjob.ComputeIdentity("recipe.pkg", "Foo", struct{ X int }{1})
	require.NoError(t, err)
	job := &recipeJob{Base: sisjob.NewBase(id, root, []string{"demo"})}
	require.NoError(t, worker.SaveSpec(job.WorkDir(), worker.Spec{
		ClassName: "Foo",
		Args:      json.RawMessage(`{"X":1}`),
	}))
	require.NoError(t, job.MarkFinished())
	return root
}

func runCLI(t *testing.T, reg *worker.Registry, args []string) int {
	t.Helper()
	registry = reg
	rootCmd.SetArgs(args)
	rootCmd.SetContext(context.Background())
	code := Execute(reg)
	rootCmd.SetArgs(nil)
	return code
}

func TestVersionCommandSucceeds(t *testing.T) {
	code := runCLI(t, worker.NewRegistry(), []string{"version"})
	require.Equal(t, 0, code)
}

func TestWorkerBadUsageWithoutRegistry(t *testing.T) {
	registry = nil
	rootCmd.SetArgs([]string{"worker", "somedir", "sometask"})
	code := Execute(nil)
	rootCmd.SetArgs(nil)
	require.Equal(t, exitCodeBadUsage, code)
}

func TestWorkerBadUsageOnBadShard(t *testing.T) {
	reg := worker.NewRegistry()
	code := runCLI(t, reg, []string{"worker", "somedir", "sometask", "notanumber"})
	require.Equal(t, exitCodeBadUsage, code)
}

func TestJobsListsPersistedJobs(t *testing.T) {
	root := setupWorkRoot(t)
	reg := worker.NewRegistry()
	reg.Register("Foo", func(args json.RawMessage) (sisjob.Job, error) {
		id, err := sisjob.ComputeIdentity("recipe.pkg", "Foo", struct{ X int }{1})
		if err != nil {
			return nil, err
		}
		j := &recipeJob{Base: sisjob.NewBase(id, root, []string{"demo"})}
		require.NoError(t, j.MarkFinished())
		return j, nil
	})

	code := runCLI(t, reg, []string{"jobs", "--work-dir", root, "--json"})
	require.Equal(t, 0, code)
}

func TestCleanDryRunListsNothingOnEmptyWorkDir(t *testing.T) {
	root := t.TempDir()
	code := runCLI(t, worker.NewRegistry(), []string{"clean", "--dry-run", "--work-dir", root})
	require.Equal(t, 0, code)
}
