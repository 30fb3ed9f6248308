// Command sisyphus is a thin example binary demonstrating internal/cmd's
// command tree. Real usage embeds internal/cmd's Execute into a recipe
// author's own binary that has already registered its job factories into
// a *worker.Registry — this module ships no recipes of its own, so main
// here passes an empty (non-nil) registry. Every subcommand runs, but none
// can rebuild a persisted job: loading any job.save fails because no
// factory is registered for its class.
package main

import (
	"os"

	"github.com/rwth-i6/sisyphus/internal/cmd"
	"github.com/rwth-i6/sisyphus/pkg/worker"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute(worker.NewRegistry()))
}
