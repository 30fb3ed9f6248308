// Package awsbatch implements the Engine interface against AWS Batch via
// the AWS SDK v2, a deliberate deviation from the reference implementation
// (which shells out to the AWS CLI's `aws batch` subcommands through a
// json_call helper): the SDK gives typed requests/responses and avoids a
// CLI-parsing layer for a backend the corpus already has direct SDK
// bindings for.
package awsbatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"

	"github.com/rwth-i6/sisyphus/pkg/engine"
	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

// Engine submits tasks as AWS Batch jobs.
type Engine struct {
	client    *batch.Client
	JobQueue  string
	JobDefinition string

	mu      sync.Mutex
	cache   map[string]sisjob.EngineQueueState
	valid   bool
	jobArns map[string]string // engineJobID -> AWS jobId, kept 1:1 today but named for clarity
}

// New constructs an AWS Batch engine submitting into the given queue using
// the given job definition. client is expected to be built from
// config.LoadDefaultConfig, matching the SDK-default-credential-chain
// convention the teacher's own provider package follows.
func New(client *batch.Client, jobQueue, jobDefinition string) *Engine {
	return &Engine{
		client:        client,
		JobQueue:      jobQueue,
		JobDefinition: jobDefinition,
		cache:         make(map[string]sisjob.EngineQueueState),
		jobArns:       make(map[string]string),
	}
}

func (e *Engine) Name() string { return "aws_batch" }

// Submit maps a task's requirements onto a Batch container override (vcpus,
// memory) and submits it against the configured queue/job definition.
func (e *Engine) Submit(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResult, error) {
	rqmt := req.Requirements
	name := sanitizeJobName(fmt.Sprintf("%s-%s-%d", req.Task.Name, req.Job.SisID(), req.Shard))

	input := &batch.SubmitJobInput{
		JobName:       aws.String(name),
		JobQueue:      aws.String(e.JobQueue),
		JobDefinition: aws.String(e.JobDefinition),
		ContainerOverrides: &types.ContainerOverrides{
			Command: req.Command,
			ResourceRequirements: []types.ResourceRequirement{
				{Type: types.ResourceTypeVcpu, Value: aws.String(fmt.Sprintf("%d", rqmt.CPU()))},
				{Type: types.ResourceTypeMemory, Value: aws.String(fmt.Sprintf("%d", rqmt.Mem()*1024))},
			},
		},
	}

	var markers sisjob.MarkerPaths
	if req.WorkDir != "" {
		markers = sisjob.TaskMarkers(req.WorkDir, req.Task, req.Shard)
		if err := sisjob.WriteMarkerAtomic(markers.EngineCmd, strings.Join(req.Command, " ")+"\n"); err != nil {
			return engine.SubmitResult{}, fmt.Errorf("awsbatch: write engine_cmd marker: %w", err)
		}
	}

	out, err := e.client.SubmitJob(ctx, input)
	if err != nil {
		if req.WorkDir != "" {
			_ = sisjob.WriteMarkerAtomic(markers.SubmitLog, fmt.Sprintf("SubmitJob failed: %s\n", err))
		}
		return engine.SubmitResult{}, fmt.Errorf("awsbatch: SubmitJob: %w", err)
	}
	if req.WorkDir != "" {
		_ = sisjob.WriteMarkerAtomic(markers.SubmitLog, fmt.Sprintf("job_id=%s\njob_name=%s\njob_queue=%s\n", aws.ToString(out.JobId), name, e.JobQueue))
	}
	return engine.SubmitResult{EngineJobID: aws.ToString(out.JobId)}, nil
}

// QueueState describes every job Batch reports across the queue's active
// statuses, cached until ResetCache is next called.
func (e *Engine) QueueState(ctx context.Context) (map[string]sisjob.EngineQueueState, error) {
	e.mu.Lock()
	if e.valid {
		out := cloneStates(e.cache)
		e.mu.Unlock()
		return out, nil
	}
	e.mu.Unlock()

	states := make(map[string]sisjob.EngineQueueState)
	for _, status := range []types.JobStatus{
		types.JobStatusSubmitted, types.JobStatusPending, types.JobStatusRunnable,
		types.JobStatusStarting, types.JobStatusRunning,
	} {
		var nextToken *string
		for {
			out, err := e.client.ListJobs(ctx, &batch.ListJobsInput{
				JobQueue:  aws.String(e.JobQueue),
				JobStatus: status,
				NextToken: nextToken,
			})
			if err != nil {
				return nil, fmt.Errorf("awsbatch: ListJobs: %w", err)
			}
			for _, summary := range out.JobSummaryList {
				id := aws.ToString(summary.JobId)
				if status == types.JobStatusRunning || status == types.JobStatusStarting {
					states[id] = sisjob.EngineStateRunning
				} else {
					states[id] = sisjob.EngineStateQueued
				}
			}
			if out.NextToken == nil {
				break
			}
			nextToken = out.NextToken
		}
	}

	e.mu.Lock()
	e.cache = states
	e.valid = true
	result := cloneStates(states)
	e.mu.Unlock()
	return result, nil
}

func cloneStates(m map[string]sisjob.EngineQueueState) map[string]sisjob.EngineQueueState {
	out := make(map[string]sisjob.EngineQueueState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (e *Engine) TaskState(ctx context.Context, engineJobID string) (sisjob.EngineQueueState, error) {
	states, err := e.QueueState(ctx)
	if err != nil {
		return sisjob.EngineStateNone, err
	}
	if s, ok := states[engineJobID]; ok {
		return s, nil
	}
	return sisjob.EngineStateNone, engine.ErrNotFound
}

func (e *Engine) Kill(ctx context.Context, engineJobID string) error {
	_, err := e.client.TerminateJob(ctx, &batch.TerminateJobInput{
		JobId:  aws.String(engineJobID),
		Reason: aws.String("killed by sisyphus manager"),
	})
	if err != nil {
		return fmt.Errorf("awsbatch: TerminateJob: %w", err)
	}
	return nil
}

func (e *Engine) ResetCache() {
	e.mu.Lock()
	e.valid = false
	e.mu.Unlock()
}

func sanitizeJobName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 128 {
		out = out[:128]
	}
	return out
}

var _ engine.Engine = (*Engine)(nil)
