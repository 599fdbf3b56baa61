// Package metrics records a bounded ring of execution records and exposes
// two independent, pluggable sinks over it: an InfluxDB line-protocol
// encoder (grounded on the teacher's internal/metrics/encoders.InfluxStrategy)
// and Prometheus counters/histograms (grounded on the Lux consensus
// dependency's prometheus.Registerer wiring). Neither sink blocks the
// synchronous critical section that appends to the ring.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Record is one completed job's execution summary.
type Record struct {
	JobID    string
	Backend  string
	Outcome  string // "completed", "failed", "cancelled"
	WallMs   int64
	BytesIn  int64
	BytesOut int64
}

// Ring is a fixed-capacity circular buffer of Records. Appends are
// synchronous and O(1); once full, the oldest record is overwritten.
type Ring struct {
	mu       sync.Mutex
	buf      []Record
	next     int
	size     int
	capacity int
}

// NewRing builds a ring of the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]Record, capacity), capacity: capacity}
}

// Append records one execution, evicting the oldest entry if full.
func (r *Ring) Append(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// Snapshot returns a copy of every record currently held, oldest first.
func (r *Ring) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, r.size)
	start := (r.next - r.size + r.capacity) % r.capacity
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%r.capacity])
	}
	return out
}

// PrometheusSink exposes client_golang counters/histograms over the ring's
// records, one Observe call per Append.
type PrometheusSink struct {
	jobsTotal      *prometheus.CounterVec
	wallMsHist     *prometheus.HistogramVec
	poolAllocGauge prometheus.Gauge
}

// NewPrometheusSink registers the dispatcher's metrics against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	jobsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_jobs_total",
		Help: "Total number of jobs executed, by backend and outcome.",
	}, []string{"backend", "outcome"})

	wallMsHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_wall_ms",
		Help:    "Job wall-clock execution time in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	}, []string{"backend"})

	poolAllocGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_pool_allocated_bytes",
		Help: "Bytes currently allocated from the memory pool.",
	})

	for _, c := range []prometheus.Collector{jobsTotal, wallMsHist, poolAllocGauge} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &PrometheusSink{jobsTotal: jobsTotal, wallMsHist: wallMsHist, poolAllocGauge: poolAllocGauge}, nil
}

// Observe records one execution against the Prometheus collectors.
func (s *PrometheusSink) Observe(rec Record) {
	s.jobsTotal.WithLabelValues(rec.Backend, rec.Outcome).Inc()
	s.wallMsHist.WithLabelValues(rec.Backend).Observe(float64(rec.WallMs))
}

// SetPoolAllocatedBytes updates the pool allocation gauge.
func (s *PrometheusSink) SetPoolAllocatedBytes(n int64) {
	s.poolAllocGauge.Set(float64(n))
}
