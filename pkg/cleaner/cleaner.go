// Package cleaner identifies and safely removes job directories that have
// fallen out of the live graph. It never touches a directory the graph
// still reaches, and its orphan sweep never removes a finished job's
// directory before a grace period has elapsed since completion. The
// alias/output symlink tree is not maintained here (see
// pkg/manager.SyncAliases).
package cleaner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rwth-i6/sisyphus/pkg/graph"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

// Config tunes the cleaner, the Go analogue of global_settings.py's
// JOB_CLEANER_INTERVAL/JOB_CLEANER_WORKER/JOB_AUTO_CLEANUP.
type Config struct {
	// WorkRoot is the directory containing every job's work directory.
	WorkRoot string
	// GracePeriod is how long a job's finished.run marker must be old
	// before the job becomes eligible for removal as an orphan.
	GracePeriod time.Duration
	// Workers bounds concurrent removal goroutines, replacing the
	// reference's ThreadPool(JOB_CLEANER_WORKER).
	Workers int
	// ExcludeGlobs are doublestar patterns (matched against a job
	// directory's base name) that are never treated as orphans even if
	// the graph no longer reaches them, e.g. a directory kept around for
	// manual inspection.
	ExcludeGlobs []string
}

func (c Config) gracePeriod() time.Duration {
	if c.GracePeriod <= 0 {
		return 24 * time.Hour
	}
	return c.GracePeriod
}

func (c Config) workers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// Cleaner scans WorkRoot for job directories the graph no longer reaches.
type Cleaner struct {
	cfg Config
	log *zap.Logger
}

// New builds a Cleaner over cfg.
func New(cfg Config, log *zap.Logger) *Cleaner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cleaner{cfg: cfg, log: log}
}

// Orphan describes one job directory not reachable from g, along with
// whether it currently passes the grace-period safety check.
type Orphan struct {
	Path      string
	Removable bool
	Reason    string
}

// FindOrphans lists every directory directly under WorkRoot that is not
// one of g's live job work directories and does not match an exclude
// glob, mirroring the reference's orphan definition: "not reachable from
// the current graph's outputs".
func (c *Cleaner) FindOrphans(g *graph.Graph) ([]Orphan, error) {
	live := make(map[string]bool)
	for _, job := range g.Jobs() {
		live[filepath.Clean(job.WorkDir())] = true
	}

	entries, err := os.ReadDir(c.cfg.WorkRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cleaner: read work root: %w", err)
	}

	var orphans []Orphan
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		full := filepath.Clean(filepath.Join(c.cfg.WorkRoot, entry.Name()))
		if live[full] {
			continue
		}
		if c.excluded(entry.Name()) {
			continue
		}
		removable, reason := c.gracePeriodOK(full)
		orphans = append(orphans, Orphan{Path: full, Removable: removable, Reason: reason})
	}
	return orphans, nil
}

func (c *Cleaner) excluded(name string) bool {
	for _, pattern := range c.cfg.ExcludeGlobs {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// gracePeriodOK checks the safety condition the reference applies before
// ever removing anything: a job with no finished.run marker at all (never
// completed, e.g. still mid-run under a stale directory) is never
// considered safe to remove automatically.
func (c *Cleaner) gracePeriodOK(jobDir string) (bool, string) {
	info, err := os.Stat(filepath.Join(jobDir, sisjob.MarkerFinishedRun))
	if err != nil {
		return false, "not finished, refusing to remove automatically"
	}
	age := time.Since(info.ModTime())
	if age < c.cfg.gracePeriod() {
		return false, fmt.Sprintf("finished only %s ago, grace period not elapsed", age)
	}
	return true, ""
}

// RemoveOrphans removes every orphan that passes the grace-period check,
// fanned out over a bounded worker pool (the Go equivalent of the
// reference JobCleaner's ThreadPool(JOB_CLEANER_WORKER)).
func (c *Cleaner) RemoveOrphans(ctx context.Context, g *graph.Graph) (removed []string, err error) {
	orphans, err := c.FindOrphans(g)
	if err != nil {
		return nil, err
	}

	group, _ := errgroup.WithContext(ctx)
	group.SetLimit(c.cfg.workers())
	results := make(chan string, len(orphans))

	for _, orphan := range orphans {
		if !orphan.Removable {
			c.log.Info("skipping orphan, not yet removable", zap.String("path", orphan.Path), zap.String("reason", orphan.Reason))
			continue
		}
		orphan := orphan
		group.Go(func() error {
			if err := removeDir(orphan.Path); err != nil {
				c.log.Warn("failed to remove orphan", zap.String("path", orphan.Path), zap.Error(err))
				return nil
			}
			results <- orphan.Path
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	close(results)
	for path := range results {
		removed = append(removed, path)
	}
	return removed, nil
}

// RemoveSubtree deletes the work directory of the job registered under
// sisID in g, plus every one of its descendants (graph.Graph.Descendants),
// the console's "rerun this subtree" primitive: discarding a job's
// progress only makes sense if everything built on top of it is discarded
// too, since a descendant's own output embeds the discarded job's output
// as one of its inputs. Unlike RemoveOrphans this performs no grace-period
// check — the caller names a job explicitly because they mean to discard
// whatever progress it and its descendants hold. The named job is removed
// first, then its descendants in sisyphus-id order (not topological
// order); a failure partway through still returns what was removed before
// the error.
func (c *Cleaner) RemoveSubtree(ctx context.Context, g *graph.Graph, sisID string) ([]string, error) {
	job, ok := g.JobByID(sisID)
	if !ok {
		return nil, fmt.Errorf("cleaner: unknown job %q", sisID)
	}
	targets := append([]sisjob.Job{job}, g.Descendants(sisID)...)

	var removed []string
	for _, j := range targets {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := removeDir(j.WorkDir()); err != nil {
			return removed, err
		}
		c.log.Info("removed job directory", zap.String("path", j.WorkDir()), zap.String("sis_id", j.SisID()))
		removed = append(removed, j.WorkDir())
	}
	return removed, nil
}

// removeDir deletes a single job directory and everything under it. Used
// both by RemoveSubtree, which has already computed the exact set of
// directories to discard, and by RemoveOrphans, whose orphan directories
// have no corresponding graph node to look up.
func removeDir(jobDir string) error {
	if jobDir == "" || jobDir == "/" || jobDir == "." {
		return fmt.Errorf("cleaner: refusing to remove suspicious path %q", jobDir)
	}
	if err := os.RemoveAll(jobDir); err != nil {
		return fmt.Errorf("cleaner: remove %s: %w", jobDir, err)
	}
	return nil
}
