package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects and exposes Prometheus-style metrics for a trie
// database: session churn, allocator throughput, and GC queue depth.
type Metrics struct {
	// Counters
	upsertsTotal     atomic.Uint64
	removesTotal     atomic.Uint64
	getsTotal        atomic.Uint64
	allocationsTotal atomic.Uint64
	bytesAllocated   atomic.Uint64
	bytesFreed       atomic.Uint64
	evacuationsTotal atomic.Uint64
	regionsGrown     atomic.Uint64
	needCopyTotal    atomic.Uint64
	errorsTotal      atomic.Uint64

	// Gauges
	readSessionsActive  atomic.Int64
	writeSessionsActive atomic.Int64
	gcQueueDepth        atomic.Int64
	regionsLive         atomic.Int64

	// Histograms (simplified as averages)
	upsertLatencySum atomic.Uint64
	upsertLatencyN   atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordUpsert records a completed upsert and its latency.
func (m *Metrics) RecordUpsert(latency time.Duration) {
	m.upsertsTotal.Add(1)
	m.upsertLatencySum.Add(uint64(latency.Microseconds()))
	m.upsertLatencyN.Add(1)
}

// RecordRemove records a completed remove.
func (m *Metrics) RecordRemove() { m.removesTotal.Add(1) }

// RecordGet records a completed get.
func (m *Metrics) RecordGet() { m.getsTotal.Add(1) }

// RecordAllocation records a region-allocator allocation of size bytes.
func (m *Metrics) RecordAllocation(size uint64) {
	m.allocationsTotal.Add(1)
	m.bytesAllocated.Add(size)
}

// RecordFree records bytes returned to a region on release.
func (m *Metrics) RecordFree(size uint64) {
	m.bytesFreed.Add(size)
}

// RecordEvacuation records one completed region evacuation.
func (m *Metrics) RecordEvacuation() { m.evacuationsTotal.Add(1) }

// RecordRegionGrowth records the arena file being extended by a region.
func (m *Metrics) RecordRegionGrowth() { m.regionsGrown.Add(1) }

// RecordNeedCopy records a retain() that hit ref-count saturation.
func (m *Metrics) RecordNeedCopy() { m.needCopyTotal.Add(1) }

// RecordError records an error.
func (m *Metrics) RecordError() { m.errorsTotal.Add(1) }

// ReadSessionOpened/Closed and WriteSessionOpened/Closed track live
// session gauges.
func (m *Metrics) ReadSessionOpened()  { m.readSessionsActive.Add(1) }
func (m *Metrics) ReadSessionClosed()  { m.readSessionsActive.Add(-1) }
func (m *Metrics) WriteSessionOpened() { m.writeSessionsActive.Add(1) }
func (m *Metrics) WriteSessionClosed() { m.writeSessionsActive.Add(-1) }

// SetGCQueueDepth reports the current number of pending reclamations.
func (m *Metrics) SetGCQueueDepth(depth int) { m.gcQueueDepth.Store(int64(depth)) }

// SetRegionsLive reports the current number of allocated regions.
func (m *Metrics) SetRegionsLive(n int) { m.regionsLive.Store(int64(n)) }

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		uptime := time.Since(m.startTime).Seconds()
		fmt.Fprintf(w, "# HELP triestore_uptime_seconds Time since the database was opened\n")
		fmt.Fprintf(w, "# TYPE triestore_uptime_seconds gauge\n")
		fmt.Fprintf(w, "triestore_uptime_seconds %.2f\n\n", uptime)

		fmt.Fprintf(w, "# HELP triestore_upserts_total Total upsert operations\n")
		fmt.Fprintf(w, "# TYPE triestore_upserts_total counter\n")
		fmt.Fprintf(w, "triestore_upserts_total %d\n\n", m.upsertsTotal.Load())

		fmt.Fprintf(w, "# HELP triestore_removes_total Total remove operations\n")
		fmt.Fprintf(w, "# TYPE triestore_removes_total counter\n")
		fmt.Fprintf(w, "triestore_removes_total %d\n\n", m.removesTotal.Load())

		fmt.Fprintf(w, "# HELP triestore_gets_total Total get operations\n")
		fmt.Fprintf(w, "# TYPE triestore_gets_total counter\n")
		fmt.Fprintf(w, "triestore_gets_total %d\n\n", m.getsTotal.Load())

		fmt.Fprintf(w, "# HELP triestore_allocations_total Total region allocator allocations\n")
		fmt.Fprintf(w, "# TYPE triestore_allocations_total counter\n")
		fmt.Fprintf(w, "triestore_allocations_total %d\n\n", m.allocationsTotal.Load())

		fmt.Fprintf(w, "# HELP triestore_bytes_allocated_total Total bytes handed out by the region allocator\n")
		fmt.Fprintf(w, "# TYPE triestore_bytes_allocated_total counter\n")
		fmt.Fprintf(w, "triestore_bytes_allocated_total %d\n\n", m.bytesAllocated.Load())

		fmt.Fprintf(w, "# HELP triestore_bytes_freed_total Total bytes released back to regions\n")
		fmt.Fprintf(w, "# TYPE triestore_bytes_freed_total counter\n")
		fmt.Fprintf(w, "triestore_bytes_freed_total %d\n\n", m.bytesFreed.Load())

		fmt.Fprintf(w, "# HELP triestore_evacuations_total Total regions evacuated\n")
		fmt.Fprintf(w, "# TYPE triestore_evacuations_total counter\n")
		fmt.Fprintf(w, "triestore_evacuations_total %d\n\n", m.evacuationsTotal.Load())

		fmt.Fprintf(w, "# HELP triestore_regions_grown_total Total times the arena file was extended\n")
		fmt.Fprintf(w, "# TYPE triestore_regions_grown_total counter\n")
		fmt.Fprintf(w, "triestore_regions_grown_total %d\n\n", m.regionsGrown.Load())

		fmt.Fprintf(w, "# HELP triestore_need_copy_total Total retain() calls that hit ref-count saturation\n")
		fmt.Fprintf(w, "# TYPE triestore_need_copy_total counter\n")
		fmt.Fprintf(w, "triestore_need_copy_total %d\n\n", m.needCopyTotal.Load())

		fmt.Fprintf(w, "# HELP triestore_errors_total Total errors\n")
		fmt.Fprintf(w, "# TYPE triestore_errors_total counter\n")
		fmt.Fprintf(w, "triestore_errors_total %d\n\n", m.errorsTotal.Load())

		fmt.Fprintf(w, "# HELP triestore_read_sessions_active Current open read sessions\n")
		fmt.Fprintf(w, "# TYPE triestore_read_sessions_active gauge\n")
		fmt.Fprintf(w, "triestore_read_sessions_active %d\n\n", m.readSessionsActive.Load())

		fmt.Fprintf(w, "# HELP triestore_write_sessions_active Current open write sessions\n")
		fmt.Fprintf(w, "# TYPE triestore_write_sessions_active gauge\n")
		fmt.Fprintf(w, "triestore_write_sessions_active %d\n\n", m.writeSessionsActive.Load())

		fmt.Fprintf(w, "# HELP triestore_gc_queue_depth Pending epoch-reclamation items\n")
		fmt.Fprintf(w, "# TYPE triestore_gc_queue_depth gauge\n")
		fmt.Fprintf(w, "triestore_gc_queue_depth %d\n\n", m.gcQueueDepth.Load())

		fmt.Fprintf(w, "# HELP triestore_regions_live Current allocated regions in the arena\n")
		fmt.Fprintf(w, "# TYPE triestore_regions_live gauge\n")
		fmt.Fprintf(w, "triestore_regions_live %d\n\n", m.regionsLive.Load())

		upsertN := m.upsertLatencyN.Load()
		if upsertN > 0 {
			avg := float64(m.upsertLatencySum.Load()) / float64(upsertN) / 1000.0
			fmt.Fprintf(w, "# HELP triestore_upsert_latency_ms Average upsert latency\n")
			fmt.Fprintf(w, "# TYPE triestore_upsert_latency_ms gauge\n")
			fmt.Fprintf(w, "triestore_upsert_latency_ms %.2f\n\n", avg)
		}
	}
}

// Snapshot returns current metric values.
type Snapshot struct {
	UpsertsTotal        uint64
	RemovesTotal        uint64
	GetsTotal           uint64
	AllocationsTotal    uint64
	BytesAllocated      uint64
	BytesFreed          uint64
	EvacuationsTotal    uint64
	NeedCopyTotal       uint64
	ErrorsTotal         uint64
	ReadSessionsActive  int64
	WriteSessionsActive int64
	GCQueueDepth        int64
	UptimeSeconds       float64
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		UpsertsTotal:        m.upsertsTotal.Load(),
		RemovesTotal:        m.removesTotal.Load(),
		GetsTotal:           m.getsTotal.Load(),
		AllocationsTotal:    m.allocationsTotal.Load(),
		BytesAllocated:      m.bytesAllocated.Load(),
		BytesFreed:          m.bytesFreed.Load(),
		EvacuationsTotal:    m.evacuationsTotal.Load(),
		NeedCopyTotal:       m.needCopyTotal.Load(),
		ErrorsTotal:         m.errorsTotal.Load(),
		ReadSessionsActive:  m.readSessionsActive.Load(),
		WriteSessionsActive: m.writeSessionsActive.Load(),
		GCQueueDepth:        m.gcQueueDepth.Load(),
		UptimeSeconds:       time.Since(m.startTime).Seconds(),
	}
}
