package sisjob

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Marker filenames follow the reference layout: a per-(task, shard) suffix
// appended to a fixed prefix, written atomically by the worker and read
// directly off disk by anything deriving state. No lifecycle fact is ever
// cached in memory independent of these files.
const (
	markerFinishedPrefix  = "finished."
	markerErrorPrefix     = "error."
	markerLogPrefix       = "log."
	markerSubmitLogPrefix = "submit_log."
	markerEngineCmdPrefix = "engine_cmd."
	markerUsagePrefix     = "usage."
	MarkerJobSave         = "job.save"
	MarkerInfo            = "info"
	MarkerHold            = "hold"
	// MarkerFinishedRun is written once by the last shard of a job's final
	// task, marking the job itself (not just one task) complete.
	MarkerFinishedRun = "finished.run"
)

// Error markers may open with one of these tags on their own line, ahead of
// the human-readable message, so a probe can recover why a shard failed
// without parsing the message text. ErrorTagInterruptedRetryable marks a
// SIGTERM the worker caught mid-run; ErrorTagOOMRetryable marks an exit
// code 137 the worker classified as a memory kill. Both retry
// unconditionally; an untagged error retries only while Task.Tries allows.
const (
	ErrorTagInterruptedRetryable = "INTERRUPTED_RETRYABLE"
	ErrorTagOOMRetryable         = "OOM_RETRYABLE"
)

func markerName(prefix, taskName string, shard int) string {
	return fmt.Sprintf("%s%s.%d", prefix, taskName, shard)
}

// MarkerPaths bundles the marker file locations for a single (task, shard)
// pair inside a job's work directory.
type MarkerPaths struct {
	Finished  string
	Error     string
	Log       string
	SubmitLog string
	EngineCmd string
	Usage     string
}

// TaskMarkers returns the marker paths for one shard of a task, rooted at
// the job's work directory.
func TaskMarkers(workDir string, task *Task, shard int) MarkerPaths {
	return MarkerPaths{
		Finished:  filepath.Join(workDir, markerName(markerFinishedPrefix, task.markerName(), shard)),
		Error:     filepath.Join(workDir, markerName(markerErrorPrefix, task.markerName(), shard)),
		Log:       filepath.Join(workDir, markerName(markerLogPrefix, task.markerName(), shard)),
		SubmitLog: filepath.Join(workDir, markerName(markerSubmitLogPrefix, task.markerName(), shard)),
		EngineCmd: filepath.Join(workDir, markerName(markerEngineCmdPrefix, task.markerName(), shard)),
		Usage:     filepath.Join(workDir, markerName(markerUsagePrefix, task.markerName(), shard)),
	}
}

// WriteMarkerAtomic writes body to path via tempfile-then-rename, the
// atomic marker-write convention every writer in this codebase follows
// (Base.MarkFinished, pkg/worker's log/finished/error markers). Exported
// so engine backends can write their own submit_log/engine_cmd markers
// without duplicating the tempfile dance.
func WriteMarkerAtomic(path, body string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".marker.tmp.*")
	if err != nil {
		return fmt.Errorf("sisjob: create marker tempfile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sisjob: write marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("sisjob: close marker tempfile: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("sisjob: rename marker into place: %w", err)
	}
	return nil
}

// ReadErrorTag returns the leading tag line of an error marker at path, if
// any, and whether the marker could be read at all. The tag is whichever of
// the ErrorTag* constants writeErrorMarker prefixed the body with, or the
// empty string for an untagged (generic) failure.
func ReadErrorTag(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	line := string(data)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	switch line {
	case ErrorTagInterruptedRetryable, ErrorTagOOMRetryable:
		return line, true
	default:
		return "", true
	}
}

// UsageMarkerBody renders a ResourceUsage sample into the plain key: value
// text a usage marker is written as, matching this codebase's other
// human-readable marker bodies (submit_log, log).
func UsageMarkerBody(usage ResourceUsage) string {
	return fmt.Sprintf(
		"max_mem_gb: %g\nrun_time: %g\nexit_code: %d\nwas_oom: %t\nwas_killed: %t\n",
		usage.MaxMemGB, usage.RunTime, usage.ExitCode, usage.WasOOM, usage.WasKilled,
	)
}

// ParseUsageMarker reads back a usage marker written by UsageMarkerBody.
// The second return is false if the marker does not exist.
func ParseUsageMarker(path string) (ResourceUsage, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ResourceUsage{}, false
	}
	var usage ResourceUsage
	for _, line := range strings.Split(string(data), "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "max_mem_gb":
			usage.MaxMemGB, _ = strconv.ParseFloat(val, 64)
		case "run_time":
			usage.RunTime, _ = strconv.ParseFloat(val, 64)
		case "exit_code":
			usage.ExitCode, _ = strconv.Atoi(val)
		case "was_oom":
			usage.WasOOM = val == "true"
		case "was_killed":
			usage.WasKilled = val == "true"
		}
	}
	return usage, true
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// fileAge returns how long ago p was last modified. The zero duration and
// false are returned if the file does not exist.
func fileAge(p string) (time.Duration, bool) {
	info, err := os.Stat(p)
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}
