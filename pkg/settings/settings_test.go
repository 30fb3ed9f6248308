package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoadsCompiledDefaults(t *testing.T) {
	s := Default()
	require.Equal(t, "local", s.Engine.Default)
	require.Equal(t, 30*time.Second, s.Timing.TickInterval)
	require.Equal(t, 30*time.Second, s.Timing.FSSyncDelay)
	require.True(t, s.Cleaner.AutoCleanup)
	require.Equal(t, 5, s.Cleaner.Workers)
	require.Equal(t, "work", filepath.Base(s.Paths.WorkDir))
	require.Equal(t, 3, s.Retry.MaxSubmitRetries)
	require.True(t, s.Observability.ShowJobTargets)

	require.False(t, s.ClusterEngines.SGE.Enabled)
	require.False(t, s.ClusterEngines.Slurm.Enabled)
	require.False(t, s.ClusterEngines.LSF.Enabled)
	require.False(t, s.ClusterEngines.AWSBatch.Enabled)
	require.Equal(t, 2.0, s.ClusterEngines.Slurm.RequestsPerSec)
	require.Equal(t, 10*time.Second, s.ClusterEngines.LSF.SSHTimeout)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	body := "timing:\n  tick_interval: 5s\ncleaner:\n  workers: 9\npaths:\n  work_dir: /tmp/sis-work\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	s, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, s.Timing.TickInterval)
	require.Equal(t, 9, s.Cleaner.Workers)
	require.Equal(t, "/tmp/sis-work", s.Paths.WorkDir)
	// Unset fields still fall back to compiled defaults.
	require.Equal(t, 30*time.Second, s.Timing.FSSyncDelay)
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	require.Equal(t, "local", s.Engine.Default)
}

func TestEnvOverridesDefaultAndFile(t *testing.T) {
	t.Setenv("SIS_CLEANER_WORKERS", "12")
	t.Setenv("SIS_OBSERVABILITY_SHOW_JOB_TARGETS", "false")

	s, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, 12, s.Cleaner.Workers)
	require.False(t, s.Observability.ShowJobTargets)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("SIS_CLEANER_WORKERS", "12")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("cleaner.workers", 0, "")
	require.NoError(t, flags.Set("cleaner.workers", "20"))

	s, err := Load("", flags)
	require.NoError(t, err)
	require.Equal(t, 20, s.Cleaner.Workers)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timing: [this is not a mapping"), 0o644))

	_, err := Load(path, nil)
	require.Error(t, err)
}
