package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"golang.org/x/crypto/ssh"

	"github.com/rwth-i6/sisyphus/pkg/engine"
	"github.com/rwth-i6/sisyphus/pkg/engine/awsbatch"
	"github.com/rwth-i6/sisyphus/pkg/engine/clustershell"
	"github.com/rwth-i6/sisyphus/pkg/engine/lsf"
	"github.com/rwth-i6/sisyphus/pkg/engine/sge"
	"github.com/rwth-i6/sisyphus/pkg/engine/slurm"
	"github.com/rwth-i6/sisyphus/pkg/settings"
)

// buildEngines constructs every engine backend enabled in s, keyed by name,
// the Go analogue of the reference's engine_object() factory but resolved
// once at manager startup instead of lazily per submission. "local" is
// always present; cluster backends are added only when their
// ClusterEngines block sets Enabled true, so an operator who never touches
// a cluster never pays for a runner or SDK client.
func buildEngines(ctx context.Context, s *settings.Settings, localEng engine.Engine) (map[string]engine.Engine, error) {
	engines := map[string]engine.Engine{"local": localEng}

	if c := s.ClusterEngines.SGE; c.Enabled {
		runner, err := clusterRunner(c)
		if err != nil {
			return nil, fmt.Errorf("engines: sge: %w", err)
		}
		engines["sge"] = sge.New(runner, c.RequestsPerSec)
	}
	if c := s.ClusterEngines.Slurm; c.Enabled {
		runner, err := clusterRunner(c)
		if err != nil {
			return nil, fmt.Errorf("engines: slurm: %w", err)
		}
		engines["slurm"] = slurm.New(runner, c.RequestsPerSec)
	}
	if c := s.ClusterEngines.LSF; c.Enabled {
		runner, err := clusterRunner(c)
		if err != nil {
			return nil, fmt.Errorf("engines: lsf: %w", err)
		}
		engines["lsf"] = lsf.New(runner, c.RequestsPerSec)
	}
	if a := s.ClusterEngines.AWSBatch; a.Enabled {
		client, err := awsBatchClient(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("engines: aws_batch: %w", err)
		}
		engines["aws_batch"] = awsbatch.New(client, a.JobQueue, a.JobDefinition)
	}

	if _, ok := engines[s.Engine.Default]; !ok {
		return nil, fmt.Errorf("engines: default engine %q is not local and not enabled in cluster_engines", s.Engine.Default)
	}
	return engines, nil
}

// clusterRunner returns a subprocess runner for one of sge/slurm/lsf: local
// if no SSH gateway is configured, otherwise a runner that dials the
// gateway host and authenticates with the configured private key.
func clusterRunner(c settings.ClusterEngine) (clustershell.Runner, error) {
	if c.SSHHost == "" {
		return clustershell.LocalRunner{}, nil
	}
	keyBytes, err := os.ReadFile(c.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", c.SSHKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", c.SSHKeyPath, err)
	}
	return clustershell.NewSSHRunner(c.SSHHost, c.SSHUser, signer, c.SSHTimeout), nil
}

// awsBatchClient resolves the AWS config via config.LoadDefaultConfig.
// When the settings block supplies static keys it overrides the default
// chain with credentials.NewStaticCredentialsProvider; otherwise it falls
// back to the SDK's usual resolution (env vars, shared config file,
// EC2/ECS instance role), matching the reference's reliance on the AWS
// CLI's own credential resolution rather than the module inventing its own.
func awsBatchClient(ctx context.Context, a settings.AWSBatchEngine) (*batch.Client, error) {
	var opts []func(*config.LoadOptions) error
	if a.Region != "" {
		opts = append(opts, config.WithRegion(a.Region))
	}
	if a.AccessKeyID != "" && a.SecretAccessKey != "" {
		provider := credentials.NewStaticCredentialsProvider(a.AccessKeyID, a.SecretAccessKey, a.SessionToken)
		opts = append(opts, config.WithCredentialsProvider(provider))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return batch.NewFromConfig(cfg), nil
}
