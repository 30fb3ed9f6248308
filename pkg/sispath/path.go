package sispath

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rwth-i6/sisyphus/pkg/sishash"
)

// Creator is the minimal surface a Path needs from its creating job: an
// identity for fingerprinting and a completion predicate for availability.
// sisjob.Job satisfies this; sispath does not import sisjob to avoid a
// dependency cycle between the two core packages.
type Creator interface {
	SisID() string
	IsFinished() bool
}

// Handle is the common interface satisfied by Path and Variable, used
// wherever code needs to treat either uniformly (job inputs, hashing,
// dependency-edge extraction).
type Handle interface {
	sishash.Fingerprinter
	Exists() bool
	Available(ctx context.Context) (bool, error)
	Location() string
}

// Locator is implemented by handles that can resolve themselves to an
// on-disk location given their creator's work directory, and report that
// location's modification time. The manager uses this to enforce
// Settings.Timing.MTimeInputsDelay before trusting a creator-finished input,
// on top of the plain Available() check. Both Path and Variable satisfy
// this without extra code (Variable embeds Path).
type Locator interface {
	CreatorSisID() (string, bool)
	Get(creatorWorkDir string) string
	ModTimeAt(resolved string) (time.Time, bool)
}

// Path is a typed reference to a file produced by a job, or to an absolute
// path outside the work directory (e.g. a checked-in resource).
type Path struct {
	// Creator is the job that produces this path, or nil for an absolute,
	// externally supplied path.
	Creator Creator

	// Relative is the path relative to Creator's output/ directory. Ignored
	// when Creator is nil, in which case Absolute must be set.
	Relative string

	// Absolute is used only when Creator is nil.
	Absolute string

	// HashOverwrite, when non-empty, replaces the (creator, relative)
	// component of the fingerprint. Used to keep a job's identity stable
	// across a rename of one of its declared outputs.
	HashOverwrite string

	// Tags carry short recipe-supplied labels forwarded from the job's
	// sis_tags field extraction (tools.extract_paths in the reference).
	Tags []string
}

// NewOutputPath constructs a Path owned by creator at the given
// job-relative location. This is the Go equivalent of the reference's
// Job.output_path(relative).
func NewOutputPath(creator Creator, relative string) *Path {
	return &Path{Creator: creator, Relative: relative}
}

// NewAbsolutePath constructs a Path to a file outside the work directory,
// with no creator job.
func NewAbsolutePath(absolute string) *Path {
	return &Path{Absolute: absolute}
}

// Location returns the handle's location: for a creator-owned Path this is
// Relative (relative to the creator's output/ directory; Get resolves it
// to an on-disk path), and for a Path with no creator it is Absolute.
func (p *Path) Location() string {
	if p.Creator == nil {
		return p.Absolute
	}
	return p.Relative
}

// Get resolves the path to an absolute filesystem location, given the
// creator's work directory (empty when Creator is nil).
func (p *Path) Get(creatorWorkDir string) string {
	if p.Creator == nil {
		return p.Absolute
	}
	return filepath.Join(creatorWorkDir, "output", p.Relative)
}

// Exists reports whether the underlying file is present, independent of
// whether the creator has finished.
func (p *Path) Exists() bool {
	// Absolute paths with no creator are checked directly; creator-relative
	// paths require the caller to have resolved Get() first via the graph's
	// work-directory layout, so Exists here only handles the absolute case.
	// Manager/worker code should prefer Available, which does the full
	// creator-aware resolution.
	if p.Creator == nil {
		_, err := os.Stat(p.Absolute)
		return err == nil
	}
	return false
}

// ExistsAt reports whether the file exists at the given resolved location.
func (p *Path) ExistsAt(resolved string) bool {
	_, err := os.Stat(resolved)
	return err == nil
}

// ModTimeAt returns the modification time of the file at the given resolved
// location, and whether the stat succeeded.
func (p *Path) ModTimeAt(resolved string) (time.Time, bool) {
	info, err := os.Stat(resolved)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Available reports whether the path can be consumed. With no creator it
// reports whether the absolute file exists. With a creator it reports only
// whether the creator has finished; the file under the creator's output/
// directory is not checked here, since a Path does not know that directory
// (AvailableAt checks both once the location is resolved). Calling this
// from the manager role is fine (existence is metadata, not contents); it
// is Variable.Get that is forbidden from the manager.
func (p *Path) Available(ctx context.Context) (bool, error) {
	_ = ctx
	if p.Creator == nil {
		return p.Exists(), nil
	}
	if !p.Creator.IsFinished() {
		return false, nil
	}
	return true, nil
}

// AvailableAt is the resolved-location variant of Available, used once the
// manager or worker knows the concrete on-disk path.
func (p *Path) AvailableAt(resolved string) bool {
	if p.Creator != nil && !p.Creator.IsFinished() {
		return false
	}
	return p.ExistsAt(resolved)
}

// Fingerprint implements sishash.Fingerprinter. Per spec, a Path's identity
// component is (creator.SisID() OR absolute path bytes, relative location,
// hash overwrite) — never file contents.
func (p *Path) Fingerprint() ([]byte, error) {
	if p.HashOverwrite != "" {
		return sishash.Hash(struct{ Overwrite string }{p.HashOverwrite})
	}
	if p.Creator != nil {
		return sishash.Hash(struct {
			CreatorID string
			Relative  string
		}{p.Creator.SisID(), p.Relative})
	}
	return sishash.Hash(struct{ Absolute string }{p.Absolute})
}

// CreatorSisID returns the creating job's identity, if this path has one.
// Used by the graph to derive dependency edges without importing sisjob.
func (p *Path) CreatorSisID() (string, bool) {
	if p.Creator == nil {
		return "", false
	}
	return p.Creator.SisID(), true
}

func (p *Path) String() string {
	if p.Creator != nil {
		return fmt.Sprintf("Path(%s, %s)", p.Creator.SisID(), p.Relative)
	}
	return fmt.Sprintf("Path(%s)", p.Absolute)
}

var _ Handle = (*Path)(nil)
var _ Locator = (*Path)(nil)
