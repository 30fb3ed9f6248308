package sisjob

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rwth-i6/sisyphus/pkg/sispath"
)

// Job is the interface the graph, manager, and worker code depend on.
// Concrete recipe job types embed Base and get it for free; Base in turn
// satisfies sispath.Creator, so a job's own output paths can report
// availability without sispath importing this package.
type Job interface {
	SisID() string
	IsFinished() bool
	Inputs() []sispath.Handle
	Tasks() []*Task
	WorkDir() string
	Tags() []string
}

// Base is the embeddable job identity and bookkeeping shared by every
// recipe job type, the Go analogue of the reference's JobSingleton/Job
// base class. A recipe type embeds Base and adds its own typed fields for
// declared inputs and outputs.
type Base struct {
	identity Identity
	workDir  string
	inputs   []sispath.Handle
	tasks    []*Task
	tags     []string
}

// NewBase constructs a Base from a computed identity. workDirRoot is the
// graph's root work directory; the job's own directory is
// <root>/<ClassName>.<hash>, matching the reference's flat one-level
// work-directory layout.
func NewBase(identity Identity, workDirRoot string, tags []string) Base {
	dir := filepath.Join(workDirRoot, identity.ClassName+"."+identitySuffix(identity))
	return Base{identity: identity, workDir: dir, tags: tags}
}

func identitySuffix(id Identity) string {
	full := id.SisID()
	// id.SisID() is "<modulePath>/<ClassName>.<hash>"; keep only the hash.
	base := filepath.Base(full)
	idx := len(id.ClassName)
	if idx < len(base) && base[idx] == '.' {
		return base[idx+1:]
	}
	return base
}

// SisID returns the job's content-addressed identity string.
func (b *Base) SisID() string { return b.identity.SisID() }

// WorkDir returns the job's on-disk directory, where marker files, output/,
// and alias/ live.
func (b *Base) WorkDir() string { return b.workDir }

// Tags returns the job's recipe-supplied labels.
func (b *Base) Tags() []string { return b.tags }

func (b *Base) String() string {
	if len(b.tags) == 0 {
		return b.SisID()
	}
	return fmt.Sprintf("%s [%s]", b.SisID(), joinTags(b.tags))
}

// SetInputs records the job's declared input handles, used by the graph to
// derive dependency edges and by the manager's input-availability check.
func (b *Base) SetInputs(inputs ...sispath.Handle) { b.inputs = inputs }

// Inputs returns the job's declared inputs.
func (b *Base) Inputs() []sispath.Handle { return b.inputs }

// SetTasks records the job's task list, in execution order.
func (b *Base) SetTasks(tasks ...*Task) { b.tasks = tasks }

// Tasks returns the job's tasks.
func (b *Base) Tasks() []*Task { return b.tasks }

// OutputPath declares one of the job's own output files.
func (b *Base) OutputPath(relative string) *sispath.Path {
	return sispath.NewOutputPath(b, relative)
}

// OutputVariable declares one of the job's own serialized outputs.
func (b *Base) OutputVariable(relative string) *sispath.Variable {
	return sispath.NewOutputVariable(b, relative)
}

// IsFinished reports whether the job's finished.run marker is present. This
// is a direct filesystem check, not a cached flag: it is called from
// sispath.Path.Available on every dependency check, so it must always
// reflect the current on-disk truth.
func (b *Base) IsFinished() bool {
	if b.workDir == "" {
		return false
	}
	return fileExists(filepath.Join(b.workDir, MarkerFinishedRun))
}

// MarkFinished writes the job-level finished.run marker, called once the
// last shard of the job's final task completes. Atomic via
// tempfile-then-rename, matching sispath.Variable.Set and the reference's
// own marker-writing convention.
func (b *Base) MarkFinished() error {
	if err := os.MkdirAll(b.workDir, 0o755); err != nil {
		return fmt.Errorf("sisjob: create work dir: %w", err)
	}
	target := filepath.Join(b.workDir, MarkerFinishedRun)
	tmp, err := os.CreateTemp(b.workDir, ".finished.tmp.*")
	if err != nil {
		return fmt.Errorf("sisjob: create finished marker: %w", err)
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("sisjob: rename finished marker: %w", err)
	}
	return nil
}

var _ sispath.Creator = (*Base)(nil)
