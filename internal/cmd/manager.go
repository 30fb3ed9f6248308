package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rwth-i6/sisyphus/pkg/engine/local"
	"github.com/rwth-i6/sisyphus/pkg/engine/selector"
	"github.com/rwth-i6/sisyphus/pkg/graph"
	"github.com/rwth-i6/sisyphus/pkg/manager"
	"github.com/rwth-i6/sisyphus/pkg/manager/history"
	"github.com/rwth-i6/sisyphus/pkg/manager/httpapi"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

var (
	managerRunWithoutPrompt bool
	managerHTTPPort         int
)

var managerCmd = &cobra.Command{
	Use:     "manager",
	Aliases: []string{"m"},
	Short:   "Run the control loop that drives every persisted job to completion",
	RunE:    runManager,
}

func init() {
	rootCmd.AddCommand(managerCmd)
	managerCmd.Flags().BoolVarP(&managerRunWithoutPrompt, "run", "r", false, "run without an interactive confirmation prompt")
	managerCmd.Flags().IntVar(&managerHTTPPort, "http", 0, "serve read-only observability endpoints on this port (0 disables)")
}

func runManager(cmd *cobra.Command, args []string) error {
	if registry == nil {
		return newExitError(exitCodeBadUsage, fmt.Errorf("no job registry configured for this binary"))
	}

	s, err := loadSettings()
	if err != nil {
		return newExitError(exitCodeBadUsage, err)
	}

	if !managerRunWithoutPrompt {
		if !confirm(fmt.Sprintf("run manager over %s?", s.Paths.WorkDir)) {
			return nil
		}
	}

	log := newLogger()
	defer func() { _ = log.Sync() }()

	jobs, err := registry.LoadAll(s.Paths.WorkDir)
	if err != nil {
		return newExitError(exitCodeUnrecoverable, err)
	}
	g := graph.New()
	for _, j := range jobs {
		g.Intern(j)
	}
	log.Info("loaded jobs from work directory", zap.Int("count", len(jobs)), zap.String("work_dir", s.Paths.WorkDir))

	localEng := local.New(local.Budget{CPU: s.Engine.CPUCount})
	engines, err := buildEngines(cmd.Context(), s, localEng)
	if err != nil {
		return newExitError(exitCodeBadUsage, err)
	}
	sel, err := selector.New(engines, s.Engine.Default, "local")
	if err != nil {
		return newExitError(exitCodeUnrecoverable, err)
	}

	hist, err := history.Open(historyPath(s.Paths.WorkDir))
	if err != nil {
		return newExitError(exitCodeUnrecoverable, err)
	}
	defer func() { _ = hist.Close() }()

	cfg := manager.Config{
		TickInterval:          s.Timing.TickInterval,
		LinkOutputs:           true,
		LivenessWindow:        s.Timing.FSSyncDelay,
		OutputDir:             s.Paths.OutputDir,
		AliasDir:              s.Paths.AliasDir,
		RetryEscalation:       s.Retry.Escalation,
		MaxSubmitRetries:      s.Retry.MaxSubmitRetries,
		MaxConcurrentDispatch: s.Concurrency.GraphWorkers,
		MTimeInputsDelay:      s.Timing.MTimeInputsDelay,
	}
	mgr := manager.New(cfg, g, sel, hist, log, workerCommand)
	mgr.Unpause()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("interrupt received, stopping manager at next tick boundary")
		mgr.Stop()
		cancel()
	}()

	if managerHTTPPort > 0 {
		srv := httpapi.New(mgr)
		httpSrv := &httpServer{addr: fmt.Sprintf(":%d", managerHTTPPort), handler: srv.Router()}
		go func() {
			if err := httpSrv.run(ctx); err != nil {
				log.Warn("observability http server stopped", zap.Error(err))
			}
		}()
	}

	if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
		return newExitError(exitCodeUnrecoverable, err)
	}
	return nil
}

// workerCommand renders the argv this same binary re-invokes itself with
// to run one task, matching spec.md §6's `worker <job_dir> <task> [shard]`
// contract: the engine (local subprocess, or a cluster script on another
// host) executes exactly this argv.
func workerCommand(job sisjob.Job, task *sisjob.Task, shard int) []string {
	exe, err := os.Executable()
	if err != nil {
		exe = "sisyphus"
	}
	return []string{exe, "worker", job.WorkDir(), task.Name, fmt.Sprint(shard)}
}

func historyPath(workRoot string) string {
	return workRoot + "/.sisyphus-history.db"
}

func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	var answer string
	_, _ = fmt.Scanln(&answer)
	return answer == "y" || answer == "Y" || answer == "yes"
}

// httpServer wraps net/http.Server so runManager can start and stop it
// alongside the manager's own context, without pkg/manager/httpapi itself
// needing to know how it is served.
type httpServer struct {
	addr    string
	handler http.Handler
}

func (h *httpServer) run(ctx context.Context) error {
	srv := &http.Server{Addr: h.addr, Handler: h.handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
