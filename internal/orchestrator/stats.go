package orchestrator

import "github.com/heteroforge/dispatch/internal/remotegpu"

// BackendStats is the per-backend slice of the metrics ring: how many
// recorded executions and their rolling average wall-clock time.
type BackendStats struct {
	Count     int     `json:"count"`
	AvgWallMs float64 `json:"avg_wall_ms"`
}

// Stats is the point-in-time engine summary exposed by the control plane's
// GET /v1/stats.
type Stats struct {
	TotalJobs        int                      `json:"total_jobs"`
	ByState          map[string]int           `json:"by_state"`
	ByErrorKind      map[string]int           `json:"by_error_kind"`
	ByBackend        map[string]BackendStats  `json:"by_backend"`
	QueueDepth       int                      `json:"queue_depth"`
	PoolAllocated    int64                    `json:"pool_allocated_bytes"`
	PoolTotal        int64                    `json:"pool_total_bytes"`
	RemoteGPUSavings *remotegpu.SavingsReport `json:"remote_gpu_savings,omitempty"`
}

// Stats snapshots job-state/error-kind counts, per-backend rolling wall-time
// averages, queue/pool occupancy, and (when a remote GPU aggregator is
// configured) its accrued savings report, per spec.md §7's "stats surfaces
// counts per error kind" and SPEC_FULL.md §3's EngineStats supplement.
// Counting walks the records map under its read lock; for very large
// in-memory histories callers should prefer the metrics ring for trend data
// instead of polling this on a tight loop.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Stats{
		TotalJobs:   len(e.records),
		ByState:     make(map[string]int, 6),
		ByErrorKind: make(map[string]int),
		ByBackend:   make(map[string]BackendStats),
	}
	for _, rec := range e.records {
		snap := rec.snapshot()
		s.ByState[snap.State.String()]++
		if snap.State == Failed && snap.FailKind != "" {
			s.ByErrorKind[snap.FailKind]++
		}
	}

	sums := make(map[string]int64)
	counts := make(map[string]int)
	for _, rec := range e.ring.Snapshot() {
		counts[rec.Backend]++
		sums[rec.Backend] += rec.WallMs
	}
	for backendTag, count := range counts {
		s.ByBackend[backendTag] = BackendStats{
			Count:     count,
			AvgWallMs: float64(sums[backendTag]) / float64(count),
		}
	}

	s.QueueDepth = e.q.Len()
	s.PoolAllocated = e.pool.AllocatedBytes()
	s.PoolTotal = e.pool.TotalBytes()

	if e.remoteGPU != nil {
		report := e.remoteGPU.Savings()
		s.RemoteGPUSavings = &report
	}
	return s
}
