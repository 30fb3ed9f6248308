// Package graph builds and queries the DAG of jobs reachable from a run's
// registered targets. Jobs are interned by content hash so that two recipe
// calls constructing equal arguments collapse onto a single node, and the
// graph itself holds no lifecycle state — every status query re-derives
// state from the filesystem through a caller-supplied probe.
package graph

import (
	"sort"
	"strings"
	"sync"

	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

// Graph is the canonicalization table and target registry for one run.
type Graph struct {
	mu      sync.Mutex
	jobs    map[string]sisjob.Job
	order   []string // insertion order, for stable iteration
	targets []Target
	used    map[string]bool
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		jobs: make(map[string]sisjob.Job),
		used: make(map[string]bool),
	}
}

// Intern registers job under its SisID, returning the previously
// registered job with the same id if one already exists. Recipe code
// should always use the returned value, never the argument, so that two
// constructions with identical hashed arguments become one node — this is
// the Go equivalent of the reference's JobSingleton.__call__ cache.
func (g *Graph) Intern(job sisjob.Job) sisjob.Job {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := job.SisID()
	if existing, ok := g.jobs[id]; ok {
		return existing
	}
	g.jobs[id] = job
	g.order = append(g.order, id)
	return job
}

// AddTarget registers a target the graph must fully compute. Emits no
// warning for a duplicate name; callers doing interactive recipe reloads
// are expected to rebuild the graph from scratch instead.
func (g *Graph) AddTarget(t Target) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.targets = append(g.targets, t)
}

// Targets returns every registered target.
func (g *Graph) Targets() []Target {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Target, len(g.targets))
	copy(out, g.targets)
	return out
}

// Jobs returns every interned job, in registration order.
func (g *Graph) Jobs() []sisjob.Job {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]sisjob.Job, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.jobs[id])
	}
	return out
}

// JobByID looks up an interned job by its sisyphus-id.
func (g *Graph) JobByID(id string) (sisjob.Job, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[id]
	return j, ok
}

// WorkDirOf reports the on-disk work directory of the job registered under
// id, satisfying Resolver so OutputLink can turn a creator-owned handle
// into an absolute symlink target.
func (g *Graph) WorkDirOf(id string) (string, bool) {
	j, ok := g.JobByID(id)
	if !ok {
		return "", false
	}
	return j.WorkDir(), true
}

// Find returns every job whose id or tags contain pattern as a substring,
// matching the reference find()'s "job" mode.
func (g *Graph) Find(pattern string) []sisjob.Job {
	var out []sisjob.Job
	for _, job := range g.Jobs() {
		if strings.Contains(job.SisID(), pattern) {
			out = append(out, job)
			continue
		}
		for _, tag := range job.Tags() {
			if strings.Contains(tag, pattern) {
				out = append(out, job)
				break
			}
		}
	}
	return out
}

// dependents builds a job -> jobs-that-depend-on-it adjacency map by
// walking every job's declared inputs back to their creators.
func (g *Graph) dependents() (deps map[string][]string, indegree map[string]int) {
	deps = make(map[string][]string)
	indegree = make(map[string]int)
	jobs := g.Jobs()
	for _, job := range jobs {
		indegree[job.SisID()] = 0
	}
	for _, job := range jobs {
		for _, in := range job.Inputs() {
			creatorID, ok := creatorIDOf(in)
			if !ok {
				continue
			}
			if _, known := indegree[creatorID]; !known {
				continue
			}
			deps[creatorID] = append(deps[creatorID], job.SisID())
			indegree[job.SisID()]++
		}
	}
	return deps, indegree
}

// creatorIDOf extracts a handle's creator id, if it has one, without
// importing sispath's concrete Path/Variable types.
func creatorIDOf(h interface{ Location() string }) (string, bool) {
	type creatorHaver interface {
		CreatorSisID() (string, bool)
	}
	if ch, ok := h.(creatorHaver); ok {
		return ch.CreatorSisID()
	}
	return "", false
}

// Descendants returns every job transitively depending on the job
// registered under id — every job reachable by following "depends on"
// edges forward from it — the traversal spec.md requires the graph expose
// for cleanup's "remove this job and everything built on it" primitive.
// The starting job itself is never included. Order is by sisyphus-id, for
// determinism.
func (g *Graph) Descendants(id string) []sisjob.Job {
	deps, _ := g.dependents()
	byID := make(map[string]sisjob.Job, len(g.jobs))
	for _, j := range g.Jobs() {
		byID[j.SisID()] = j
	}

	seen := make(map[string]bool)
	var out []sisjob.Job
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range deps[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if j, ok := byID[dep]; ok {
				out = append(out, j)
			}
			walk(dep)
		}
	}
	walk(id)

	sort.Slice(out, func(i, j int) bool { return out[i].SisID() < out[j].SisID() })
	return out
}

// TopoSorted returns jobs in dependency order: every job appears after all
// jobs it depends on, matching the reference's jobs_sorted(). Ties are
// broken by sisyphus-id for determinism.
func (g *Graph) TopoSorted() []sisjob.Job {
	deps, indegree := g.dependents()
	jobs := g.Jobs()
	byID := make(map[string]sisjob.Job, len(jobs))
	for _, j := range jobs {
		byID[j.SisID()] = j
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var out []sisjob.Job
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, byID[id])

		var newlyReady []string
		for _, dep := range deps[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		sort.Strings(newlyReady)
		ready = append(ready, newlyReady...)
		sort.Strings(ready)
	}
	return out
}

// StatusBuckets groups jobs by their currently derived state.
type StatusBuckets map[sisjob.State][]sisjob.Job

// JobsByStatus derives every job's current state via probeFor and groups
// the result, mirroring get_jobs_by_status. skipFinished leaves out every
// job whose finished.run marker is present; the walk still visits all
// other jobs, including those that depend on a finished one.
func (g *Graph) JobsByStatus(probeFor func(sisjob.Job) sisjob.StateProbe, skipFinished bool) StatusBuckets {
	buckets := make(StatusBuckets)
	for _, job := range g.TopoSorted() {
		if skipFinished && job.IsFinished() {
			continue
		}
		state := sisjob.DeriveJobState(probeFor(job), job)
		buckets[state] = append(buckets[state], job)
	}
	return buckets
}
