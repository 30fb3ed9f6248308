// Package cmd builds the sisyphus command-line tool: the cobra command
// tree shared by every recipe binary that embeds it. A recipe author's own
// main package registers its job factories into a *worker.Registry and
// hands it to Execute; this package supplies everything else (manager
// loop, worker invocation, orphan cleanup, job inspection, version
// printing), the Go analogue of the reference's sis-manager/sis-worker
// console scripts, restructured as subcommands of one binary the way
// gonimbus structures crawl/index/doctor/etc. under a single root command.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/rwth-i6/sisyphus/pkg/settings"
	"github.com/rwth-i6/sisyphus/pkg/worker"
)

var (
	cfgFile string
	workDir string
)

// registry holds the job factories Execute's caller registered, consulted
// by the worker and manager subcommands to reconstruct persisted jobs.
var registry *worker.Registry

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{Version: "dev", Commit: "none", BuildDate: "unknown"}

// SetVersionInfo overrides the compiled-in version metadata the version
// subcommand reports, called from main with values injected at build time
// via -ldflags, matching the reference's convention of stamping a
// user-visible build identifier into the CLI.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:           "sisyphus",
	Short:         "Content-addressed, DAG-based workflow manager",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a settings YAML file")
	rootCmd.PersistentFlags().StringVar(&workDir, "work-dir", "", "override the settings-resolved work directory")
}

// exitError carries the exit code spec.md §6 assigns a failure mode,
// letting a subcommand's RunE report something other than the blanket
// unrecoverable-error code without cobra's own error/success binary signal.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitCodeBadUsage, exitCodeWorkerBusy mirror spec.md §6's exit code table
// (0 success, 1 unrecoverable error, 2 bad usage, 3 worker busy).
const (
	exitCodeUnrecoverable = 1
	exitCodeBadUsage      = 2
	exitCodeWorkerBusy    = 3
)

func newExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// Execute runs the CLI against reg, returning the process exit code rather
// than calling os.Exit directly so main and tests both stay in control of
// the process.
func Execute(reg *worker.Registry) int {
	registry = reg
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	code := exitCodeUnrecoverable
	msg := error(err)
	if ee, ok := err.(*exitError); ok {
		code = ee.code
		msg = ee.err
	}
	fmt.Fprintln(os.Stderr, "sisyphus:", msg)
	return code
}

// loadSettings resolves the layered configuration and applies the
// --work-dir override, if given, over whatever settings.Load resolved.
func loadSettings() (*settings.Settings, error) {
	fs := pflag.NewFlagSet("settings", pflag.ContinueOnError)
	s, err := settings.Load(cfgFile, fs)
	if err != nil {
		return nil, err
	}
	if workDir != "" {
		s.Paths.WorkDir = workDir
	}
	return s, nil
}

func newLogger() *zap.Logger {
	log, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
