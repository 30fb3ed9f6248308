package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rwth-i6/sisyphus/pkg/sisjob"
)

// Result reports how RunTask's attempt ended, for internal/cmd's worker
// subcommand to translate
// into the exit codes spec.md §6 defines.
type Result int

const (
	// ResultSuccess: the shard finished normally.
	ResultSuccess Result = iota
	// ResultBusy: another worker already holds the shard's lock.
	ResultBusy
	// ResultFailed: the task function returned an error.
	ResultFailed
	// ResultInterrupted: the worker was signaled (SIGTERM) mid-run.
	ResultInterrupted
)

// RunTask executes the 8-step worker contract for one (job, task, shard)
// against the job whose spec lives in workDir: acquire the shard's
// exclusive lock, mark it started, run the task's registered function
// with a heartbeat sampling resource usage in the background, and record
// the outcome as a finished or error marker.
func RunTask(ctx context.Context, reg *Registry, workDir, taskName string, shard int, resume bool) (Result, error) {
	lock, err := acquireShardLock(workDir, taskName, shard)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return ResultBusy, nil
		}
		return ResultFailed, err
	}
	defer lock.release()

	// The marker name a task writes under is resolved from its own
	// ResumeName/Name once loaded; before the job is deserialized, the
	// literal task name the caller was invoked with is the only marker
	// name available, which is correct for every non-resumed invocation.
	placeholderTask := &sisjob.Task{Name: taskName}

	if err := writeLogMarker(workDir, placeholderTask, shard); err != nil {
		return ResultFailed, err
	}

	job, err := reg.Load(workDir)
	if err != nil {
		_ = writeErrorMarker(workDir, placeholderTask, shard, err.Error(), "")
		return ResultFailed, err
	}

	task, err := findTask(job, taskName)
	if err != nil {
		_ = writeErrorMarker(workDir, placeholderTask, shard, err.Error(), "")
		return ResultFailed, err
	}

	entry := task.Entrypoint(resume)
	if entry == nil {
		err := fmt.Errorf("worker: task %q has no run function registered", taskName)
		_ = writeErrorMarker(workDir, task, shard, err.Error(), "")
		return ResultFailed, err
	}

	hb := startHeartbeat(workDir)
	defer hb.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var interrupted atomic.Bool
	go func() {
		select {
		case <-sigCh:
			interrupted.Store(true)
			cancel()
		case <-runCtx.Done():
		}
	}()

	runStart := time.Now()
	runErr := entry(runCtx, shard)
	elapsedHours := time.Since(runStart).Hours()

	if interrupted.Load() {
		_ = writeErrorMarker(workDir, task, shard, "interrupted by SIGTERM", sisjob.ErrorTagInterruptedRetryable)
		// A SIGTERM this worker caught and unwound from cleanly is, on
		// every scheduler this module submits to, how a wall-clock time
		// limit is enforced: the scheduler sends SIGTERM before SIGKILL.
		// Recording it as a time kill lets NextRequirements escalate the
		// resubmission the same way an OOM kill does.
		_ = writeUsageMarker(workDir, task, shard, sisjob.ResourceUsage{
			RunTime:   elapsedHours,
			MaxMemGB:  currentUsage().maxRSSGB(),
			WasKilled: true,
		})
		return ResultInterrupted, runErr
	}
	if runErr != nil {
		oom := classifyOOM(runErr)
		tag := ""
		if oom {
			tag = sisjob.ErrorTagOOMRetryable
		}
		_ = writeErrorMarker(workDir, task, shard, runErr.Error(), tag)
		_ = writeUsageMarker(workDir, task, shard, sisjob.ResourceUsage{
			RunTime:  elapsedHours,
			MaxMemGB: currentUsage().maxRSSGB(),
			ExitCode: exitCodeOf(runErr),
			WasOOM:   oom,
		})
		if oom {
			return ResultFailed, fmt.Errorf("worker: task killed, likely out of memory: %w", runErr)
		}
		return ResultFailed, runErr
	}

	if task.Continuable {
		// Continuable tasks intentionally never write a per-shard finished
		// marker: the reference leaves them perpetually resumable, and the
		// job only completes once a later, non-continuable task finishes.
		return ResultSuccess, nil
	}
	if err := writeFinishedMarker(workDir, task, shard); err != nil {
		return ResultFailed, err
	}
	return ResultSuccess, nil
}

func findTask(job sisjob.Job, name string) (*sisjob.Task, error) {
	for _, t := range job.Tasks() {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("worker: no task named %q on job %s", name, job.SisID())
}

// classifyOOM reports whether err looks like a subprocess killed for
// exceeding memory, matching the reference's convention that exit code
// 137 (128 + SIGKILL) from a scheduler-managed subprocess indicates OOM.
func classifyOOM(err error) bool {
	return exitCodeOf(err) == 137
}

// exitCodeOf extracts a subprocess exit code from err, or -1 if err didn't
// come from an *exec.ExitError (e.g. the task function returned a plain
// application error rather than shelling out).
func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func writeLogMarker(workDir string, task *sisjob.Task, shard int) error {
	host, _ := os.Hostname()
	body := fmt.Sprintf("started_at: %s\nhost: %s\npid: %d\n", time.Now().Format(time.RFC3339), host, os.Getpid())
	return atomicWrite(sisjob.TaskMarkers(workDir, task, shard).Log, body)
}

func writeFinishedMarker(workDir string, task *sisjob.Task, shard int) error {
	return atomicWrite(sisjob.TaskMarkers(workDir, task, shard).Finished, "")
}

func writeErrorMarker(workDir string, task *sisjob.Task, shard int, message, tag string) error {
	body := message + "\n"
	if tag != "" {
		body = tag + "\n" + body
	}
	return atomicWrite(sisjob.TaskMarkers(workDir, task, shard).Error, body)
}

// writeUsageMarker records the resource sample from this attempt so the
// manager's next tick can read it back into Task.NextRequirements without
// needing a live connection into this process's history database handle.
func writeUsageMarker(workDir string, task *sisjob.Task, shard int, usage sisjob.ResourceUsage) error {
	return atomicWrite(sisjob.TaskMarkers(workDir, task, shard).Usage, sisjob.UsageMarkerBody(usage))
}

func atomicWrite(path, body string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".marker.tmp.*")
	if err != nil {
		return fmt.Errorf("worker: create marker tempfile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("worker: write marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("worker: close marker tempfile: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("worker: rename marker into place: %w", err)
	}
	return nil
}
