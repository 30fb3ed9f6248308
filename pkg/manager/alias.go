package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/rwth-i6/sisyphus/pkg/graph"
)

// SyncAliases creates or repairs an alias symlink tree under aliasDir, one
// symlink per job tag pointing back at the job's real work directory,
// mirroring the reference's create_aliases: a tag claimed by two jobs is
// a collision, logged and left pointing at whichever job claimed it first,
// and an existing correct link is left untouched rather than recreated
// every tick.
func SyncAliases(g *graph.Graph, aliasDir string, log *zap.Logger) error {
	if aliasDir == "" {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	claimed := make(map[string]string) // alias -> job sisyphus-id
	for _, job := range g.Jobs() {
		for _, tag := range job.Tags() {
			if owner, ok := claimed[tag]; ok && owner != job.SisID() {
				log.Warn("alias collision, keeping first definition",
					zap.String("alias", tag), zap.String("kept", owner), zap.String("ignored", job.SisID()))
				continue
			}
			claimed[tag] = job.SisID()
		}
	}

	for alias, jobID := range claimed {
		job, ok := g.JobByID(jobID)
		if !ok {
			continue
		}
		relPath := aliasSegments(alias)
		linkDir := filepath.Join(aliasDir, filepath.Dir(relPath))
		if err := os.MkdirAll(linkDir, 0o755); err != nil {
			return fmt.Errorf("alias: mkdir %s: %w", linkDir, err)
		}
		linkPath := filepath.Join(aliasDir, relPath)
		if err := repairSymlink(linkPath, job.WorkDir()); err != nil {
			return fmt.Errorf("alias: link %s: %w", alias, err)
		}
	}
	return nil
}

// repairSymlink leaves linkPath alone if it already points at target,
// otherwise removes and recreates it.
func repairSymlink(linkPath, target string) error {
	if existing, err := os.Readlink(linkPath); err == nil {
		if existing == target {
			return nil
		}
		if err := os.Remove(linkPath); err != nil {
			return err
		}
	} else if _, statErr := os.Lstat(linkPath); statErr == nil {
		// Something exists at linkPath that isn't a symlink; leave it be
		// rather than clobbering unrelated user state.
		return fmt.Errorf("alias: %s exists and is not a symlink", linkPath)
	}
	return os.Symlink(target, linkPath)
}

// aliasSegments splits a dotted tag into path segments the way the
// reference lays alias directories out, e.g. "train.baseline" ->
// "train/baseline".
func aliasSegments(tag string) string {
	return strings.ReplaceAll(tag, ".", string(filepath.Separator))
}
