package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rwth-i6/sisyphus/pkg/engine"
	"github.com/rwth-i6/sisyphus/pkg/engine/local"
	"github.com/rwth-i6/sisyphus/pkg/engine/selector"
	"github.com/rwth-i6/sisyphus/pkg/graph"
	"github.com/rwth-i6/sisyphus/pkg/manager"
	"github.com/rwth-i6/sisyphus/pkg/manager/history"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

type recipeJob struct {
	sisjob.Base
}

func newRecipeJob(t *testing.T, root, class string, args any) *recipeJob {
	t.Helper()
	id, err := sisjob.ComputeIdentity("recipe.pkg", class, args)
	require.NoError(t, err)
	return &recipeJob{Base: sisjob.NewBase(id, root, []string{"demo"})}
}

// runOneTick spins up a real manager over g with one idle local engine, unpauses it,
// and lets it run exactly one tick via StopIfDone before shutting down, so
// Manager.Jobs() reflects one real tick's worth of derived state.
func runOneTick(t *testing.T, g *graph.Graph) *manager.Manager {
	t.Helper()
	sel, err := selector.New(map[string]engine.Engine{"local": local.New(local.Budget{})}, "local", "local")
	require.NoError(t, err)
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	m := manager.New(manager.Config{TickInterval: time.Millisecond, StopIfDone: true}, g, sel, hist, nil, nil)
	m.Unpause()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.Run(ctx)
	return m
}

func TestHandleStatusReportsCounts(t *testing.T) {
	root := t.TempDir()
	g := graph.New()
	job := newRecipeJob(t, root, "Foo", struct{ X int }{1})
	require.NoError(t, job.MarkFinished())
	g.Intern(job)

	m := runOneTick(t, g)
	srv := New(m)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	require.Equal(t, 1, resp.Counts["finished"])
}

func TestHandleJobsListsSummaries(t *testing.T) {
	root := t.TempDir()
	g := graph.New()
	job := newRecipeJob(t, root, "Foo", struct{ X int }{1})
	require.NoError(t, job.MarkFinished())
	g.Intern(job)

	m := runOneTick(t, g)
	srv := New(m)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var summaries []jobSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, job.SisID(), summaries[0].SisID)
	require.Equal(t, "finished", summaries[0].State)
	require.Equal(t, []string{"demo"}, summaries[0].Tags)
}

func TestHandleJobReturnsDetail(t *testing.T) {
	root := t.TempDir()
	g := graph.New()
	job := newRecipeJob(t, root, "Foo", struct{ X int }{1})
	require.NoError(t, job.MarkFinished())
	interned := g.Intern(job)

	m := runOneTick(t, g)
	srv := New(m)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+interned.SisID(), nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail jobDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Equal(t, interned.SisID(), detail.SisID)
	require.Equal(t, "finished", detail.State)
	require.Equal(t, interned.WorkDir(), detail.WorkDir)
}

func TestHandleJobUnknownIDReturnsNotFound(t *testing.T) {
	g := graph.New()
	m := runOneTick(t, g)
	srv := New(m)

	req := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
