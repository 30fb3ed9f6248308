// Package settings loads the process-wide configuration surface: engine
// selection, tick and NFS-sync timing, cleaner policy, path layout, and
// hash-compatibility flags. It replaces the reference's settings.py
// module-as-config (a Python file evaluated for its side effects) with a
// typed struct populated by spf13/viper, layered as flags > environment
// (SIS_ prefix) > YAML file > compiled-in defaults.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name viper binds,
// with dots in the key replaced by underscores, e.g. timing.tick_interval
// is read from SIS_TIMING_TICK_INTERVAL.
const EnvPrefix = "SIS"

// Engine configures which engine backend the manager dispatches to and how
// it is sized, the Go analogue of global_settings.py's engine() factory.
type Engine struct {
	// Default names the engine used when a task declares no engine
	// selector tag: one of "local", "sge", "slurm", "lsf", "aws_batch".
	// Backends other than "local" are only constructed when their
	// ClusterEngines block sets Enabled true.
	Default string `mapstructure:"default"`
	// CPUCount bounds the local engine's concurrent shard budget. Zero
	// means size it from runtime.NumCPU at construction time.
	CPUCount int `mapstructure:"cpu_count"`
}

// ClusterEngines configures the batch-scheduler backends this module can
// dispatch to alongside "local", the Go analogue of the reference's
// engine_object() factory branching on engine_selector. Each block is only
// dialed (subprocess runner or AWS SDK client constructed) when Enabled,
// so an unused backend costs nothing at manager startup.
type ClusterEngines struct {
	SGE      ClusterEngine  `mapstructure:"sge"`
	Slurm    ClusterEngine  `mapstructure:"slurm"`
	LSF      ClusterEngine  `mapstructure:"lsf"`
	AWSBatch AWSBatchEngine `mapstructure:"aws_batch"`
}

// ClusterEngine configures one of the subprocess-driven schedulers (SGE,
// Slurm, LSF), all of which share the clustershell.Runner abstraction: run
// locally when SSHHost is empty, or over SSH to a login/gateway node when
// the scheduler's client binaries aren't on the manager's own host.
type ClusterEngine struct {
	Enabled bool `mapstructure:"enabled"`
	// SSHHost, if set, is a host:port the runner dials instead of
	// executing qsub/sbatch/bsub as a direct subprocess.
	SSHHost string `mapstructure:"ssh_host"`
	SSHUser string `mapstructure:"ssh_user"`
	// SSHKeyPath is a private key file used to authenticate to SSHHost.
	SSHKeyPath     string        `mapstructure:"ssh_key_path"`
	SSHTimeout     time.Duration `mapstructure:"ssh_timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
}

// AWSBatchEngine configures the SDK-backed AWS Batch engine. AccessKeyID/
// SecretAccessKey are optional: leave both empty to fall back to the SDK's
// default credential chain (env vars, shared config file, EC2/ECS instance
// role), the way the reference relies on the AWS CLI's own resolution.
type AWSBatchEngine struct {
	Enabled         bool   `mapstructure:"enabled"`
	Region          string `mapstructure:"region"`
	JobQueue        string `mapstructure:"job_queue"`
	JobDefinition   string `mapstructure:"job_definition"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// Timing holds the interval settings that govern the manager's tick loop
// and its trust in freshly observed filesystem state.
type Timing struct {
	// TickInterval is WAIT_PERIOD_BETWEEN_CHECKS: how long the manager
	// sleeps between control-loop passes.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// FSSyncDelay is WAIT_PERIOD_JOB_FS_SYNC: how long a newly observed
	// finished marker is held suspect before being trusted, guarding
	// against NFS metadata caching lying about a file's existence.
	FSSyncDelay time.Duration `mapstructure:"fs_sync_delay"`
	// MTimeInputsDelay is WAIT_PERIOD_MTIME_OF_INPUTS: minimum age an
	// input's mtime must have before a dependent job is allowed to start,
	// guarding against a writer whose data hasn't flushed to NFS yet.
	MTimeInputsDelay time.Duration `mapstructure:"mtime_inputs_delay"`
}

// Cleaner configures pkg/cleaner's orphan sweep, the Go analogue of
// global_settings.py's JOB_AUTO_CLEANUP/JOB_CLEANER_INTERVAL/JOB_CLEANER_WORKER.
type Cleaner struct {
	// AutoCleanup is JOB_AUTO_CLEANUP: whether the manager runs the
	// cleaner automatically as part of its loop.
	AutoCleanup bool `mapstructure:"auto_cleanup"`
	// Interval is JOB_CLEANER_INTERVAL: how often the automatic sweep runs.
	Interval time.Duration `mapstructure:"interval"`
	// Workers is JOB_CLEANER_WORKER: the bounded removal pool size.
	Workers int `mapstructure:"workers"`
	// GracePeriod is how long a finished job must sit before it becomes
	// eligible for automatic removal as an orphan.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// ExcludeGlobs are doublestar patterns never treated as orphans.
	ExcludeGlobs []string `mapstructure:"exclude_globs"`
}

// Paths lays out where the manager keeps state on disk, the Go analogue of
// CONFIG_PATH/RECIPE_PATH/WORK_DIR/ALIAS_DIR/OUTPUT_DIR.
type Paths struct {
	WorkDir    string `mapstructure:"work_dir"`
	AliasDir   string `mapstructure:"alias_dir"`
	OutputDir  string `mapstructure:"output_dir"`
	ConfigPath string `mapstructure:"config_path"`
	RecipePath string `mapstructure:"recipe_path"`
}

// Hash carries hash-compatibility switches. This module ships a single
// hash encoding (pkg/sishash), so these flags are reserved surface for a
// future compatibility mode rather than live behavior today; they are
// still loaded and validated so a settings file written against a later
// version of the hasher does not silently fail to parse.
type Hash struct {
	// ShortIDLength is the number of characters ComputeIdentity's
	// human-facing suffix uses when a caller opts into a shortened id.
	ShortIDLength int `mapstructure:"short_id_length"`
}

// Retry bounds how many times the manager escalates and resubmits a task
// that was killed for exceeding its resource requirements.
type Retry struct {
	// MaxSubmitRetries is MAX_SUBMIT_RETRIES.
	MaxSubmitRetries int `mapstructure:"max_submit_retries"`
	// Escalation multiplies a killed shard's next requirement request.
	Escalation float64 `mapstructure:"escalation"`
}

// Concurrency bounds the manager's own internal worker pools, the Go
// analogue of GRAPH_WORKER/MANAGER_SUBMIT_WORKER.
type Concurrency struct {
	GraphWorkers  int `mapstructure:"graph_workers"`
	SubmitWorkers int `mapstructure:"submit_workers"`
}

// Observability toggles console/manager output, the Go analogue of
// SHOW_JOB_TARGETS and the terminal-color environment override.
type Observability struct {
	ShowJobTargets bool `mapstructure:"show_job_targets"`
	ForceNoColor   bool `mapstructure:"force_no_color"`
}

// Settings is the fully resolved, typed configuration surface.
type Settings struct {
	Engine         Engine         `mapstructure:"engine"`
	ClusterEngines ClusterEngines `mapstructure:"cluster_engines"`
	Timing         Timing         `mapstructure:"timing"`
	Cleaner        Cleaner        `mapstructure:"cleaner"`
	Paths          Paths          `mapstructure:"paths"`
	Hash           Hash           `mapstructure:"hash"`
	Retry          Retry          `mapstructure:"retry"`
	Concurrency    Concurrency    `mapstructure:"concurrency"`
	Observability  Observability  `mapstructure:"observability"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.default", "local")
	v.SetDefault("engine.cpu_count", 0)

	for _, name := range []string{"sge", "slurm", "lsf"} {
		v.SetDefault("cluster_engines."+name+".enabled", false)
		v.SetDefault("cluster_engines."+name+".ssh_timeout", 10*time.Second)
		v.SetDefault("cluster_engines."+name+".requests_per_sec", 2.0)
	}
	v.SetDefault("cluster_engines.aws_batch.enabled", false)
	v.SetDefault("cluster_engines.aws_batch.region", "")

	v.SetDefault("timing.tick_interval", 30*time.Second)
	v.SetDefault("timing.fs_sync_delay", 30*time.Second)
	v.SetDefault("timing.mtime_inputs_delay", 60*time.Second)

	v.SetDefault("cleaner.auto_cleanup", true)
	v.SetDefault("cleaner.interval", 60*time.Second)
	v.SetDefault("cleaner.workers", 5)
	v.SetDefault("cleaner.grace_period", 24*time.Hour)
	v.SetDefault("cleaner.exclude_globs", []string{})

	// Absent an explicit --work-dir/$SIS_PATHS_WORK_DIR, fall back to the
	// platform's per-user app data directory rather than the process's cwd,
	// grounded on the teacher's resolveIndexDBPath XDG-data-dir fallback.
	v.SetDefault("paths.work_dir", filepath.Join(gfconfig.GetAppDataDir("sisyphus"), "work"))
	v.SetDefault("paths.alias_dir", "alias")
	v.SetDefault("paths.output_dir", "output")
	v.SetDefault("paths.config_path", ".")
	v.SetDefault("paths.recipe_path", ".")

	v.SetDefault("hash.short_id_length", 0)

	v.SetDefault("retry.max_submit_retries", 3)
	v.SetDefault("retry.escalation", 2.0)

	v.SetDefault("concurrency.graph_workers", 16)
	v.SetDefault("concurrency.submit_workers", 10)

	v.SetDefault("observability.show_job_targets", true)
	v.SetDefault("observability.force_no_color", false)
}

// Load resolves Settings by layering, from lowest to highest precedence:
// compiled-in defaults, an optional YAML file at configFile (skipped
// silently if empty or missing), SIS_-prefixed environment variables, and
// finally any flags already bound into flagSet. flagSet may be nil.
func Load(configFile string, flagSet *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			// An explicit config file path that does not exist surfaces as a
			// plain fs not-exist error, not viper.ConfigFileNotFoundError.
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("settings: read config file %s: %w", configFile, err)
			}
		}
	}

	if flagSet != nil {
		if err := v.BindPFlags(flagSet); err != nil {
			return nil, fmt.Errorf("settings: bind flags: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("settings: unmarshal: %w", err)
	}
	return &s, nil
}

// Default returns Settings populated with only compiled-in defaults, for
// callers (tests, one-off tools) that don't need file/env/flag layering.
func Default() *Settings {
	s, err := Load("", nil)
	if err != nil {
		// setDefaults alone can never fail Unmarshal; a panic here would
		// indicate a mapstructure tag typo caught long before release.
		panic(fmt.Sprintf("settings: default load failed: %v", err))
	}
	return s
}
