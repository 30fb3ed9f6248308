// Package worker implements the per-task executor invoked on the target
// machine: it loads the persisted job spec, runs the named task's
// function for one shard, and writes the status markers the manager
// derives lifecycle state from. It never shares memory with the manager;
// every handoff between the two happens through files in the job's work
// directory, per the filesystem-as-coordination-log design.
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

// Spec is the persisted, JSON-serializable description of a job: its
// class identity and the arguments that were hashed to build it. This is
// the Go replacement for the reference's job.save pickle — a bound
// Python object becomes a plain data record plus a compiled-in factory
// keyed by ClassName, since Go has no equivalent of unpickling a closure.
type Spec struct {
	ModulePath string          `json:"module_path"`
	ClassName  string          `json:"class_name"`
	Args       json.RawMessage `json:"args"`
	Tags       []string        `json:"tags,omitempty"`
}

// specFile is the on-disk name for a job's persisted Spec, mirroring the
// reference's job.save.
const specFile = "job.save"

// SaveSpec atomically writes spec to <workDir>/job.save, tempfile then
// rename, matching every other marker write in this codebase. Nothing in
// this module calls it outside tests (pkg/toolkit does not); LoadAll and
// Load find only jobs whose spec was written by a call to it.
func SaveSpec(workDir string, spec Spec) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("worker: create work dir: %w", err)
	}
	body, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("worker: marshal spec: %w", err)
	}
	tmp, err := os.CreateTemp(workDir, ".job.save.tmp.*")
	if err != nil {
		return fmt.Errorf("worker: create spec tempfile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("worker: write spec: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("worker: close spec tempfile: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(workDir, specFile)); err != nil {
		return fmt.Errorf("worker: rename spec into place: %w", err)
	}
	return nil
}

// LoadSpec reads back the Spec written by SaveSpec.
func LoadSpec(workDir string) (Spec, error) {
	body, err := os.ReadFile(filepath.Join(workDir, specFile))
	if err != nil {
		return Spec{}, fmt.Errorf("worker: read spec: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(body, &spec); err != nil {
		return Spec{}, fmt.Errorf("worker: parse spec: %w", err)
	}
	return spec, nil
}

// Factory reconstructs a job from its persisted constructor arguments.
// Recipe packages register one factory per job type at init time, the Go
// analogue of a pickled object's class being importable in the worker's
// environment.
type Factory func(args json.RawMessage) (sisjob.Job, error)

// Registry maps a job's ClassName to the factory that can rebuild it.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates className with a reconstruction factory. Calling it
// twice for the same name is a programming error in recipe code and
// panics immediately rather than silently keeping the first registration,
// so the mistake surfaces at process startup instead of at dispatch time.
func (r *Registry) Register(className string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[className]; exists {
		panic(fmt.Sprintf("worker: factory already registered for %q", className))
	}
	r.factories[className] = f
}

// LoadAll reconstructs every job persisted directly under workRoot, the
// file-driven graph rebuild a manager process performs on startup in place
// of holding a live recipe graph in memory: Go has no analogue of
// re-executing an interpreted recipe module, but every job's constructor
// arguments were already hashed and persisted to job.save when the job was
// first interned, so replaying the same factory against them reconstructs
// an identical job (same identity, same declared inputs and tasks).
// Directories with no job.save are skipped rather than treated as an
// error, since a job directory can exist before (or without) its spec
// being written by SaveSpec.
func (r *Registry) LoadAll(workRoot string) ([]sisjob.Job, error) {
	entries, err := os.ReadDir(workRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("worker: read work root: %w", err)
	}

	var jobs []sisjob.Job
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(workRoot, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, specFile)); err != nil {
			continue
		}
		job, err := r.Load(dir)
		if err != nil {
			return nil, fmt.Errorf("worker: load %s: %w", dir, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Load reads workDir's job.save and reconstructs the job via the
// registered factory for its class name.
func (r *Registry) Load(workDir string) (sisjob.Job, error) {
	spec, err := LoadSpec(workDir)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	factory, ok := r.factories[spec.ClassName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("worker: no factory registered for class %q", spec.ClassName)
	}
	job, err := factory(spec.Args)
	if err != nil {
		return nil, fmt.Errorf("worker: reconstruct %s: %w", spec.ClassName, err)
	}
	return job, nil
}
