package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rwth-i6/sisyphus/pkg/manager"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List every persisted job's derived state",
	Long: `Reconstruct the graph from the jobs persisted under the work directory
and print each one's current lifecycle state, without running the
control loop. Useful for a quick status check between manager sessions.`,
	RunE: runJobs,
}

var jobsJSON bool

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.Flags().BoolVar(&jobsJSON, "json", false, "output as JSON")
}

type jobsRow struct {
	SisID string   `json:"sis_id"`
	State string   `json:"state"`
	Tags  []string `json:"tags,omitempty"`
}

func runJobs(cmd *cobra.Command, args []string) error {
	if registry == nil {
		return newExitError(exitCodeBadUsage, fmt.Errorf("no job registry configured for this binary"))
	}
	s, err := loadSettings()
	if err != nil {
		return newExitError(exitCodeBadUsage, err)
	}

	jobs, err := registry.LoadAll(s.Paths.WorkDir)
	if err != nil {
		return newExitError(exitCodeUnrecoverable, err)
	}

	rows := make([]jobsRow, 0, len(jobs))
	for _, job := range jobs {
		probe := &manager.FSProbe{WorkDir: job.WorkDir()}
		rows = append(rows, jobsRow{
			SisID: job.SisID(),
			State: sisjob.DeriveJobState(probe, job).String(),
			Tags:  job.Tags(),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SisID < rows[j].SisID })

	if jobsJSON {
		return json.NewEncoder(os.Stdout).Encode(rows)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "SIS_ID\tSTATE\tTAGS")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%v\n", r.SisID, r.State, r.Tags)
	}
	return w.Flush()
}
