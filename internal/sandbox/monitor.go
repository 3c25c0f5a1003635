package sandbox

import (
	"fmt"
	"sync"
	"time"

	gopsutilprocess "github.com/shirou/gopsutil/v3/process"
)

// Violation records a single resource limit breach.
type Violation struct {
	Kind    string
	Actual  int64
	Limit   int64
	Message string
}

// Metrics is the ResourceMonitor's output: what it observed over an
// action's lifetime.
type Metrics struct {
	PeakMemoryBytes int64
	CPUSeconds      float64
	WallTime        time.Duration
	Violations      []Violation
}

// ResourceMonitor samples a child process's resource usage while it
// runs, via gopsutil. It is the only resource accounting in this
// package on every platform: no strategy sets up cgroup v2.
type ResourceMonitor struct {
	pid    int32
	limits Limits

	mu        sync.Mutex
	peakMem   int64
	startTime time.Time
	stopCh    chan struct{}
	done      chan struct{}
}

// NewResourceMonitor begins sampling pid immediately.
func NewResourceMonitor(pid int, limits Limits) *ResourceMonitor {
	m := &ResourceMonitor{
		pid:       int32(pid),
		limits:    limits,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go m.sampleLoop()
	return m
}

func (m *ResourceMonitor) sampleLoop() {
	defer close(m.done)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *ResourceMonitor) sampleOnce() {
	proc, err := gopsutilprocess.NewProcess(m.pid)
	if err != nil {
		return // process likely already exited; final Stop() still reports what we have
	}
	if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
		m.mu.Lock()
		if int64(mi.RSS) > m.peakMem {
			m.peakMem = int64(mi.RSS)
		}
		m.mu.Unlock()
	}
}

// Stop halts sampling and evaluates the accumulated metrics against
// the configured limits, returning a Violation for each hard limit
// exceeded.
func (m *ResourceMonitor) Stop() Metrics {
	close(m.stopCh)
	<-m.done

	m.mu.Lock()
	peak := m.peakMem
	m.mu.Unlock()

	wall := time.Since(m.startTime)

	var cpuSeconds float64
	if proc, err := gopsutilprocess.NewProcess(m.pid); err == nil {
		if times, err := proc.Times(); err == nil && times != nil {
			cpuSeconds = times.User + times.System
		}
	}

	metrics := Metrics{PeakMemoryBytes: peak, CPUSeconds: cpuSeconds, WallTime: wall}

	if !m.limits.MaxMemoryBytes.Unlimited && peak > m.limits.MaxMemoryBytes.Value {
		metrics.Violations = append(metrics.Violations, Violation{
			Kind: "memory", Actual: peak, Limit: m.limits.MaxMemoryBytes.Value,
			Message: fmt.Sprintf("peak RSS %d exceeds limit %d", peak, m.limits.MaxMemoryBytes.Value),
		})
	}
	if !m.limits.MaxCPUSeconds.Unlimited && int64(cpuSeconds) > m.limits.MaxCPUSeconds.Value {
		metrics.Violations = append(metrics.Violations, Violation{
			Kind: "cpu", Actual: int64(cpuSeconds), Limit: m.limits.MaxCPUSeconds.Value,
			Message: fmt.Sprintf("CPU time %.1fs exceeds limit %ds", cpuSeconds, m.limits.MaxCPUSeconds.Value),
		})
	}
	if !m.limits.MaxWallSeconds.Unlimited && int64(wall.Seconds()) > m.limits.MaxWallSeconds.Value {
		metrics.Violations = append(metrics.Violations, Violation{
			Kind: "wall", Actual: int64(wall.Seconds()), Limit: m.limits.MaxWallSeconds.Value,
			Message: fmt.Sprintf("wall time %s exceeds limit %ds", wall, m.limits.MaxWallSeconds.Value),
		})
	}

	return metrics
}
