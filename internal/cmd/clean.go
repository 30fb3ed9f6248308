package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rwth-i6/sisyphus/pkg/cleaner"
	"github.com/rwth-i6/sisyphus/pkg/graph"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "List or remove orphaned job directories, or a named job's subtree",
	Long: `Scan the work directory for job directories no longer reachable from
the live graph and, unless --dry-run is given, remove the ones that pass
the grace-period safety check.

Run without a recipe process attached, every persisted job directory is
treated as orphaned once its grace period has elapsed; the standard
workflow is to run this after a recipe run's own manager session has
exited, the same way the reference's console-triggered cleaner runs
between sessions rather than concurrently with one.

Passing --job <sis_id> switches to the console's "rerun this subtree"
primitive instead: the named job and every job transitively built on
top of it are removed unconditionally, no grace period applied, since
the caller named the job to discard its progress deliberately.`,
	RunE: runClean,
}

var (
	cleanDryRun bool
	cleanJSON   bool
	cleanJob    string
)

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "list orphans without removing anything")
	cleanCmd.Flags().BoolVar(&cleanJSON, "json", false, "output as JSON")
	cleanCmd.Flags().StringVar(&cleanJob, "job", "", "remove this job (by sisyphus-id) and every descendant, instead of sweeping orphans")
}

func runClean(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return newExitError(exitCodeBadUsage, err)
	}

	c := cleaner.New(cleaner.Config{
		WorkRoot:     s.Paths.WorkDir,
		GracePeriod:  s.Cleaner.GracePeriod,
		Workers:      s.Cleaner.Workers,
		ExcludeGlobs: s.Cleaner.ExcludeGlobs,
	}, newLogger())

	if cleanJob != "" {
		return runCleanSubtree(cmd, c, s.Paths.WorkDir)
	}

	// No recipe process is attached to a standalone orphan sweep, so the
	// live set is empty: every persisted job directory is a candidate,
	// gated only by the grace-period safety check.
	g := graph.New()

	if cleanDryRun {
		orphans, err := c.FindOrphans(g)
		if err != nil {
			return newExitError(exitCodeUnrecoverable, err)
		}
		return printOrphans(orphans)
	}

	removed, err := c.RemoveOrphans(context.Background(), g)
	if err != nil {
		return newExitError(exitCodeUnrecoverable, err)
	}
	if cleanJSON {
		return json.NewEncoder(os.Stdout).Encode(removed)
	}
	for _, path := range removed {
		fmt.Println(path)
	}
	return nil
}

// runCleanSubtree reconstructs the graph from disk (--job needs to
// resolve descendant edges, unlike the orphan sweep above) and removes
// the named job plus everything depending on it.
func runCleanSubtree(cmd *cobra.Command, c *cleaner.Cleaner, workDir string) error {
	if registry == nil {
		return newExitError(exitCodeBadUsage, fmt.Errorf("no job registry configured for this binary"))
	}
	jobs, err := registry.LoadAll(workDir)
	if err != nil {
		return newExitError(exitCodeUnrecoverable, err)
	}
	g := graph.New()
	for _, j := range jobs {
		g.Intern(j)
	}

	removed, err := c.RemoveSubtree(cmd.Context(), g, cleanJob)
	if err != nil {
		return newExitError(exitCodeUnrecoverable, err)
	}
	if cleanJSON {
		return json.NewEncoder(os.Stdout).Encode(removed)
	}
	for _, path := range removed {
		fmt.Println(path)
	}
	return nil
}

func printOrphans(orphans []cleaner.Orphan) error {
	if cleanJSON {
		return json.NewEncoder(os.Stdout).Encode(orphans)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tREMOVABLE\tREASON")
	for _, o := range orphans {
		fmt.Fprintf(w, "%s\t%v\t%s\n", o.Path, o.Removable, o.Reason)
	}
	return w.Flush()
}
