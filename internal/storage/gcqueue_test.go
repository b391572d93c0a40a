package storage

import "testing"

func TestGCQueue_ReclaimsOnceAllSessionsAdvance(t *testing.T) {
	q := newGCQueue()
	s1 := q.begin()

	reclaimed := false
	q.push(reclaimFunc(func() { reclaimed = true }))

	if reclaimed {
		t.Fatal("item pushed while s1 is pinned must not reclaim yet")
	}

	s1.end()
	s2 := q.begin()
	defer s2.end()

	if !reclaimed {
		t.Error("item should reclaim once every session live at push time has ended")
	}
}

func TestGCQueue_PendingLenTracksQueueDepth(t *testing.T) {
	q := newGCQueue()
	s := q.begin()

	q.push(reclaimFunc(func() {}))
	if got := q.pendingLen(); got != 1 {
		t.Errorf("pendingLen = %d, want 1 while a session is still pinned", got)
	}

	s.end()
	if got := q.pendingLen(); got != 0 {
		t.Errorf("pendingLen = %d, want 0 after the blocking session ended", got)
	}
}

func TestGCSession_RelockAllowsReclamationDuringHold(t *testing.T) {
	q := newGCQueue()
	s := q.begin()

	reclaimed := false
	q.push(reclaimFunc(func() { reclaimed = true }))

	restore := s.relock()
	if !reclaimed {
		t.Error("relock should let a pending item behind this session reclaim")
	}
	restore()

	if s.pin.Load() == 0 {
		t.Error("restore should re-pin the session at a fresh epoch")
	}
}
