package autoscaler

import (
	"runtime"
	"runtime/debug"

	"conductor/internal/queue"
)

// RuntimeMetrics samples the Go runtime and merges in queue statistics.
// Memory usage is heap-in-use relative to the memory limit when one is
// set (GOMEMLIMIT or debug.SetMemoryLimit), else relative to HeapSys.
// CPU sampling has no portable runtime hook, so CPU is supplied through
// the optional CPUFunc and reads 0 without one.
type RuntimeMetrics struct {
	QueueStats func() queue.Stats
	Workers    func() int
	CPUFunc    func() float64
}

func (r *RuntimeMetrics) Sample() Metrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var m Metrics
	if r.QueueStats != nil {
		st := r.QueueStats()
		m.QueueDepth = st.QueueDepth
		m.RunningTasks = st.Running
		m.AvgTaskWaitTime = st.AvgWaitTime
	}
	if r.Workers != nil {
		m.WorkerCount = r.Workers()
	}
	if r.CPUFunc != nil {
		m.CPUUsage = r.CPUFunc()
	}

	limit := debug.SetMemoryLimit(-1)
	if limit > 0 && limit < (1<<60) {
		m.MemoryUsage = float64(ms.HeapInuse) / float64(limit) * 100
	} else if ms.HeapSys > 0 {
		m.MemoryUsage = float64(ms.HeapInuse) / float64(ms.HeapSys) * 100
	}
	m.Goroutines = runtime.NumGoroutine()
	return m
}
