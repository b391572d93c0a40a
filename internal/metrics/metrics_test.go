package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_RecordUpsert(t *testing.T) {
	m := NewMetrics()

	m.RecordUpsert(5 * time.Millisecond)
	m.RecordUpsert(3 * time.Millisecond)

	snap := m.Snapshot()

	if snap.UpsertsTotal != 2 {
		t.Errorf("expected 2 upserts, got %d", snap.UpsertsTotal)
	}
}

func TestMetrics_RecordAllocationAndFree(t *testing.T) {
	m := NewMetrics()

	m.RecordAllocation(64)
	m.RecordAllocation(128)
	m.RecordFree(64)

	snap := m.Snapshot()

	if snap.AllocationsTotal != 2 {
		t.Errorf("expected 2 allocations, got %d", snap.AllocationsTotal)
	}
	if snap.BytesAllocated != 192 {
		t.Errorf("expected 192 bytes allocated, got %d", snap.BytesAllocated)
	}
	if snap.BytesFreed != 64 {
		t.Errorf("expected 64 bytes freed, got %d", snap.BytesFreed)
	}
}

func TestMetrics_Sessions(t *testing.T) {
	m := NewMetrics()

	m.ReadSessionOpened()
	m.ReadSessionOpened()
	m.ReadSessionClosed()
	m.WriteSessionOpened()

	snap := m.Snapshot()

	if snap.ReadSessionsActive != 1 {
		t.Errorf("expected 1 active read session, got %d", snap.ReadSessionsActive)
	}
	if snap.WriteSessionsActive != 1 {
		t.Errorf("expected 1 active write session, got %d", snap.WriteSessionsActive)
	}
}

func TestMetrics_Errors(t *testing.T) {
	m := NewMetrics()

	m.RecordError()
	m.RecordError()

	snap := m.Snapshot()

	if snap.ErrorsTotal != 2 {
		t.Errorf("expected 2 errors, got %d", snap.ErrorsTotal)
	}
}

func TestMetrics_NeedCopy(t *testing.T) {
	m := NewMetrics()

	m.RecordNeedCopy()

	snap := m.Snapshot()
	if snap.NeedCopyTotal != 1 {
		t.Errorf("expected 1 need-copy event, got %d", snap.NeedCopyTotal)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()

	m.RecordUpsert(5 * time.Millisecond)
	m.RecordRemove()
	m.RecordGet()
	m.RecordAllocation(4096)
	m.RecordEvacuation()
	m.RecordError()
	m.ReadSessionOpened()
	m.SetGCQueueDepth(3)
	m.SetRegionsLive(2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	m.Handler()(rec, req)

	body := rec.Body.String()

	checks := []string{
		"triestore_uptime_seconds",
		"triestore_upserts_total 1",
		"triestore_removes_total 1",
		"triestore_gets_total 1",
		"triestore_allocations_total 1",
		"triestore_bytes_allocated_total 4096",
		"triestore_evacuations_total 1",
		"triestore_errors_total 1",
		"triestore_read_sessions_active 1",
		"triestore_gc_queue_depth 3",
		"triestore_regions_live 2",
		"triestore_upsert_latency_ms",
	}

	for _, check := range checks {
		if !strings.Contains(body, check) {
			t.Errorf("expected %q in metrics output", check)
		}
	}
}
