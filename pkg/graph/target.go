package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rwth-i6/sisyphus/pkg/sispath"
)

// Target is something the graph must fully compute: an output link or a
// callback fired once its dependencies resolve. Mirrors the reference's
// OutputTarget hierarchy (OutputPath/OutputCall in graph.py); this package
// has no report target.
type Target interface {
	Name() string
	Required() []sispath.Handle
	IsDone(ctx context.Context) (bool, error)
	RunWhenDone(ctx context.Context, writeOutput bool) error
}

// Resolver looks up a job's on-disk work directory by its sisyphus-id,
// letting OutputLink turn a creator-owned handle's identity-relative
// Location() into an absolute filesystem path. *graph.Graph satisfies
// this via WorkDirOf.
type Resolver interface {
	WorkDirOf(sisID string) (string, bool)
}

// OutputLink registers a job output under a stable, user-facing name in
// the run's output/ directory, materialized as a symlink once available.
type OutputLink struct {
	name       string
	handle     sispath.Handle
	outputRoot string
	resolver   Resolver
}

// NewOutputLink registers handle to appear at <outputRoot>/name. resolver
// is used to turn a creator-relative handle into an absolute symlink
// target; it may be nil for handles with no creator (absolute paths).
func NewOutputLink(outputRoot, name string, handle sispath.Handle, resolver Resolver) *OutputLink {
	return &OutputLink{name: name, handle: handle, outputRoot: outputRoot, resolver: resolver}
}

func (o *OutputLink) Name() string              { return o.name }
func (o *OutputLink) Required() []sispath.Handle { return []sispath.Handle{o.handle} }

func (o *OutputLink) IsDone(ctx context.Context) (bool, error) {
	return o.handle.Available(ctx)
}

// resolvedTarget turns o.handle into an absolute filesystem path: an
// absolute (creator-less) handle's Location() is already correct, while a
// creator-owned handle's Location() is only the path relative to that
// creator's output/ directory, so it must be joined against the creator's
// resolved work directory.
func (o *OutputLink) resolvedTarget() (string, error) {
	type creatorHaver interface {
		CreatorSisID() (string, bool)
	}
	ch, ok := o.handle.(creatorHaver)
	if !ok {
		return o.handle.Location(), nil
	}
	creatorID, hasCreator := ch.CreatorSisID()
	if !hasCreator {
		return o.handle.Location(), nil
	}
	if o.resolver == nil {
		return "", fmt.Errorf("graph: output %q has a creator-owned handle but no resolver was configured", o.name)
	}
	workDir, ok := o.resolver.WorkDirOf(creatorID)
	if !ok {
		return "", fmt.Errorf("graph: output %q: creator job %s not found in graph", o.name, creatorID)
	}
	return filepath.Join(workDir, "output", o.handle.Location()), nil
}

// RunWhenDone creates (or repairs) the output symlink once the underlying
// handle is available, matching OutputPath.run_when_done: remove a stale
// link pointing elsewhere, leave a correct one alone.
func (o *OutputLink) RunWhenDone(ctx context.Context, writeOutput bool) error {
	if !writeOutput {
		return nil
	}
	ok, err := o.handle.Available(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	linkPath := filepath.Join(o.outputRoot, o.name)
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return fmt.Errorf("graph: create output dir: %w", err)
	}

	target, err := o.resolvedTarget()
	if err != nil {
		return err
	}
	if existing, err := os.Readlink(linkPath); err == nil {
		if existing == target {
			return nil
		}
		if err := os.Remove(linkPath); err != nil {
			return fmt.Errorf("graph: remove stale output link: %w", err)
		}
	}
	if err := os.Symlink(target, linkPath); err != nil {
		return fmt.Errorf("graph: create output link: %w", err)
	}
	return nil
}

// Callback fires f once every required handle is available, exactly once,
// the Go analogue of OutputCall.
type Callback struct {
	name     string
	required []sispath.Handle
	fn       func(ctx context.Context) error
	called   bool
}

// NewCallback registers fn to run once every handle in required is
// available.
func NewCallback(name string, required []sispath.Handle, fn func(ctx context.Context) error) *Callback {
	return &Callback{name: name, required: required, fn: fn}
}

func (c *Callback) Name() string              { return c.name }
func (c *Callback) Required() []sispath.Handle { return c.required }

func (c *Callback) IsDone(ctx context.Context) (bool, error) {
	for _, h := range c.required {
		ok, err := h.Available(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c *Callback) RunWhenDone(ctx context.Context, writeOutput bool) error {
	if c.called {
		return nil
	}
	done, err := c.IsDone(ctx)
	if err != nil || !done {
		return err
	}
	if c.fn != nil {
		if err := c.fn(ctx); err != nil {
			return err
		}
	}
	c.called = true
	return nil
}
