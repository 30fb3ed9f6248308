// Package httpapi exposes read-only JSON observability endpoints over a
// running manager, replacing the reference's Flask/HTML console
// (original_source/sisyphus/http_server.py). It never mutates graph or
// filesystem state: every handler here answers from the manager's last
// tick snapshot or a fresh filesystem probe, exactly like the console role
// is restricted to (pkg/sispath's RoleConsole never reaches Variable.Get).
package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rwth-i6/sisyphus/pkg/manager"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

// Server wraps a *manager.Manager with a read-only HTTP surface.
type Server struct {
	mgr *manager.Manager
}

// New builds a Server over mgr.
func New(mgr *manager.Manager) *Server {
	return &Server{mgr: mgr}
}

// Router builds the chi router. Handlers are registered directly on the
// package-standard router rather than a custom mux, matching the
// dependency the module's DOMAIN STACK wires in for this component.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/status", s.handleStatus)
	r.Get("/jobs", s.handleJobs)
	// Sisyphus-ids contain '/' (<module_path>/<ClassName>.<hash>), so the
	// job id is taken from a catch-all segment rather than a {id} param.
	r.Get("/jobs/*", s.handleJob)

	return r
}

// statusResponse is the payload for GET /status: a count of jobs per
// derived lifecycle state, the console's at-a-glance overview.
type statusResponse struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	buckets := s.mgr.Jobs()
	resp := statusResponse{Counts: make(map[string]int)}
	for state, jobs := range buckets {
		resp.Counts[state.String()] = len(jobs)
		resp.Total += len(jobs)
	}
	writeJSON(w, http.StatusOK, resp)
}

// jobSummary is one row of GET /jobs.
type jobSummary struct {
	SisID string   `json:"sis_id"`
	State string   `json:"state"`
	Tags  []string `json:"tags,omitempty"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	buckets := s.mgr.Jobs()
	var out []jobSummary
	for state, jobs := range buckets {
		for _, job := range jobs {
			out = append(out, jobSummary{SisID: job.SisID(), State: state.String(), Tags: job.Tags()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SisID < out[j].SisID })
	writeJSON(w, http.StatusOK, out)
}

// taskSummary is one row of a job's per-task, per-shard state list.
type taskSummary struct {
	Task  string `json:"task"`
	Shard int    `json:"shard"`
	State string `json:"state"`
}

// jobDetail is the payload for GET /jobs/{id}.
type jobDetail struct {
	SisID   string        `json:"sis_id"`
	State   string        `json:"state"`
	WorkDir string        `json:"work_dir"`
	Tags    []string      `json:"tags,omitempty"`
	Tasks   []taskSummary `json:"tasks"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "*")
	job, ok := s.mgr.Graph().JobByID(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	probe := &manager.FSProbe{WorkDir: job.WorkDir()}
	detail := jobDetail{
		SisID:   job.SisID(),
		State:   sisjob.DeriveJobState(probe, job).String(),
		WorkDir: job.WorkDir(),
		Tags:    job.Tags(),
	}
	for _, task := range job.Tasks() {
		for shard := 0; shard < task.EffectiveShardCount(); shard++ {
			detail.Tasks = append(detail.Tasks, taskSummary{
				Task:  task.Name,
				Shard: shard,
				State: sisjob.DeriveTaskState(probe, task, shard).String(),
			})
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
