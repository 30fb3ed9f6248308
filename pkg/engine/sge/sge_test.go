package sge

import (
	"context"
	"os"
	"testing"

	"github.com/rwth-i6/sisyphus/pkg/engine"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	outputs map[string]string
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, args ...string) (string, error) {
	f.calls = append(f.calls, args[0])
	return f.outputs[args[0]], nil
}

func TestParseQstatSplitsQueuedAndRunning(t *testing.T) {
	out := "job-ID  prior   name       user   state submit/start at     queue\n" +
		"-----------------------------------------------------------------\n" +
		"     10 0.5      job1       u      r     08/06/2026 10:00:00  all.q\n" +
		"     11 0.5      job2       u      qw    08/06/2026 10:00:00\n"
	states := parseQstat(out)
	require.Equal(t, sisjob.EngineStateRunning, states["10"])
	require.Equal(t, sisjob.EngineStateQueued, states["11"])
}

func TestSubmitParsesTerseJobID(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"qsub": "12345\n"}}
	e := New(runner, 1000)

	dir := t.TempDir()
	task := &sisjob.Task{Name: "run", Requirements: sisjob.Requirements{"cpu": 2, "mem": 4, "time": 1}}
	res, err := e.Submit(context.Background(), engine.SubmitRequest{
		Task:         task,
		Requirements: task.Requirements,
		Command:      []string{"sisyphus-worker"},
		WorkDir:      dir,
	})
	require.NoError(t, err)
	require.Equal(t, "12345", res.EngineJobID)
}

func TestSubmitWritesEngineCmdAndSubmitLogMarkers(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"qsub": "12345\n"}}
	e := New(runner, 1000)

	dir := t.TempDir()
	task := &sisjob.Task{Name: "run", Requirements: sisjob.Requirements{"cpu": 2, "mem": 4, "time": 1}}
	_, err := e.Submit(context.Background(), engine.SubmitRequest{
		Task:         task,
		Requirements: task.Requirements,
		Command:      []string{"sisyphus-worker"},
		WorkDir:      dir,
	})
	require.NoError(t, err)

	markers := sisjob.TaskMarkers(dir, task, 0)
	cmdBody, err := os.ReadFile(markers.EngineCmd)
	require.NoError(t, err)
	require.Contains(t, string(cmdBody), "qsub")
	require.Contains(t, string(cmdBody), "sisyphus-worker")

	logBody, err := os.ReadFile(markers.SubmitLog)
	require.NoError(t, err)
	require.Equal(t, "12345\n", string(logBody))
}

func TestQueueStateCachesUntilReset(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"qstat": ""}}
	e := New(runner, 1000)

	_, err := e.QueueState(context.Background())
	require.NoError(t, err)
	_, err = e.QueueState(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, len(runner.calls))

	e.ResetCache()
	_, err = e.QueueState(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, len(runner.calls))
}
