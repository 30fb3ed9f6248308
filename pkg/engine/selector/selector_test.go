package selector

import (
	"context"
	"testing"

	"github.com/rwth-i6/sisyphus/pkg/engine"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	name    string
	submits int
	reset   int
}

func (f *fakeEngine) Name() string { return f.name }
func (f *fakeEngine) Submit(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResult, error) {
	f.submits++
	return engine.SubmitResult{EngineJobID: "1"}, nil
}
func (f *fakeEngine) QueueState(ctx context.Context) (map[string]sisjob.EngineQueueState, error) {
	return nil, nil
}
func (f *fakeEngine) TaskState(ctx context.Context, id string) (sisjob.EngineQueueState, error) {
	return sisjob.EngineStateNone, engine.ErrNotFound
}
func (f *fakeEngine) Kill(ctx context.Context, id string) error { return nil }
func (f *fakeEngine) ResetCache()                               { f.reset++ }

type fakeMiniEngine struct {
	fakeEngine
	miniCalls int
}

func (f *fakeMiniEngine) RunMiniTask(ctx context.Context, req engine.SubmitRequest) error {
	f.miniCalls++
	return nil
}

func TestSelectorRoutesMiniTaskToMiniEngine(t *testing.T) {
	local := &fakeMiniEngine{fakeEngine: fakeEngine{name: "local"}}
	cluster := &fakeEngine{name: "sge"}
	sel, err := New(map[string]engine.Engine{"local": local, "sge": cluster}, "sge", "local")
	require.NoError(t, err)

	task := &sisjob.Task{Name: "mini", MiniTask: true}
	_, err = sel.Submit(context.Background(), engine.SubmitRequest{Task: task, Requirements: sisjob.Requirements{}})
	require.NoError(t, err)
	require.Equal(t, 1, local.miniCalls)
	require.Equal(t, 0, cluster.submits)
}

func TestSelectorHonorsExplicitEngineOverride(t *testing.T) {
	local := &fakeMiniEngine{fakeEngine: fakeEngine{name: "local"}}
	cluster := &fakeEngine{name: "sge"}
	sel, err := New(map[string]engine.Engine{"local": local, "sge": cluster}, "local", "local")
	require.NoError(t, err)

	task := &sisjob.Task{Name: "run"}
	_, err = sel.Submit(context.Background(), engine.SubmitRequest{Task: task, Requirements: sisjob.Requirements{"engine": "sge"}})
	require.NoError(t, err)
	require.Equal(t, 1, cluster.submits)
}

func TestSelectorRejectsUnregisteredDefault(t *testing.T) {
	local := &fakeMiniEngine{fakeEngine: fakeEngine{name: "local"}}
	_, err := New(map[string]engine.Engine{"local": local}, "missing", "local")
	require.Error(t, err)
}

func TestSelectorResetCacheHitsEveryEngine(t *testing.T) {
	local := &fakeMiniEngine{fakeEngine: fakeEngine{name: "local"}}
	cluster := &fakeEngine{name: "sge"}
	sel, err := New(map[string]engine.Engine{"local": local, "sge": cluster}, "sge", "local")
	require.NoError(t, err)

	sel.ResetCache()
	require.Equal(t, 1, local.reset)
	require.Equal(t, 1, cluster.reset)
}
