package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"
)

// usageSample is one point-in-time resource reading, written into the
// job's info marker on the interval below, the Go analogue of the
// reference LoggingThread's periodic RSS/CPU snapshot.
type usageSample struct {
	Host        string    `json:"host"`
	PID         int       `json:"pid"`
	NumGoroutine int      `json:"num_goroutine"`
	MaxRSSKB    int64     `json:"max_rss_kb"`
	UserTime    float64   `json:"user_time_seconds"`
	SysTime     float64   `json:"sys_time_seconds"`
	SampledAt   time.Time `json:"sampled_at"`
}

// maxRSSGB converts the sample's Maxrss reading (kilobytes on Linux) into
// gigabytes, the unit ResourceUsage.MaxMemGB and Requirements' "mem" key
// both use.
func (s usageSample) maxRSSGB() float64 {
	return float64(s.MaxRSSKB) / (1024 * 1024)
}

const heartbeatInterval = 30 * time.Second

// heartbeat periodically overwrites <workDir>/info with the process's
// current resource usage, until stop is closed.
type heartbeat struct {
	path string
	stop chan struct{}
	wg   sync.WaitGroup
}

func startHeartbeat(workDir string) *heartbeat {
	h := &heartbeat{
		path: filepath.Join(workDir, "info"),
		stop: make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *heartbeat) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		h.writeSample()
		select {
		case <-h.stop:
			h.writeSample()
			return
		case <-ticker.C:
		}
	}
}

func (h *heartbeat) writeSample() {
	sample := currentUsage()
	body := fmt.Sprintf("%+v\n", sample)
	tmp, err := os.CreateTemp(filepath.Dir(h.path), ".info.tmp.*")
	if err != nil {
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return
	}
	_ = tmp.Close()
	_ = os.Rename(tmpName, h.path)
}

func (h *heartbeat) close() {
	close(h.stop)
	h.wg.Wait()
}

func timevalSeconds(tv syscall.Timeval) float64 {
	return float64(tv.Sec) + float64(tv.Usec)/1e6
}

func currentUsage() usageSample {
	var rusage syscall.Rusage
	_ = syscall.Getrusage(syscall.RUSAGE_SELF, &rusage)
	host, _ := os.Hostname()
	return usageSample{
		Host:         host,
		PID:          os.Getpid(),
		NumGoroutine: runtime.NumGoroutine(),
		MaxRSSKB:     int64(rusage.Maxrss),
		UserTime:     timevalSeconds(rusage.Utime),
		SysTime:      timevalSeconds(rusage.Stime),
		SampledAt:    time.Now(),
	}
}
