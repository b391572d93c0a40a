package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
)

func newTestObjectDB(t *testing.T) (*ObjectDB, *gcQueue) {
	t.Helper()
	dir := t.TempDir()
	gc := newGCQueue()
	cfg := DefaultConfig()
	cfg.InitialIDCapacity = 4
	db, err := openObjectDB(filepath.Join(dir, "ids.db"), gc, cfg, hclog.NewNullLogger(), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.close() })
	return db, gc
}

func TestObjectDB_AllocRetainRelease(t *testing.T) {
	db, gc := newTestObjectDB(t)
	session := gc.begin()
	defer session.end()

	lock, err := db.Alloc(session, NodeKindLeaf)
	if err != nil {
		t.Fatal(err)
	}
	id := lock.ID()
	lock.Move(objectLocation{cache: arenaCacheLevel, offset: 128})
	lock.Unlock()

	info := db.Get(id)
	if info.ref != 1 {
		t.Errorf("expected ref count 1 after alloc, got %d", info.ref)
	}
	if info.kind != NodeKindLeaf {
		t.Errorf("expected kind leaf, got %v", info.kind)
	}
	if info.location.offset != 128 {
		t.Errorf("expected offset 128, got %d", info.location.offset)
	}

	if !db.Retain(id) {
		t.Fatal("retain should succeed")
	}
	info = db.Get(id)
	if info.ref != 2 {
		t.Errorf("expected ref count 2 after retain, got %d", info.ref)
	}

	db.Release(id)
	info = db.Get(id)
	if info.ref != 1 {
		t.Errorf("expected ref count 1 after one release, got %d", info.ref)
	}

	released := db.Release(id)
	if released.ref != 1 {
		t.Errorf("expected pre-release info.ref == 1, got %d", released.ref)
	}
}

func TestObjectDB_FreeListReuse(t *testing.T) {
	db, gc := newTestObjectDB(t)
	session := gc.begin()
	defer session.end()

	lock1, err := db.Alloc(session, NodeKindLeaf)
	if err != nil {
		t.Fatal(err)
	}
	id1 := lock1.ID()
	lock1.Unlock()
	db.Release(id1)

	lock2, err := db.Alloc(session, NodeKindInner)
	if err != nil {
		t.Fatal(err)
	}
	if lock2.ID() != id1 {
		t.Errorf("expected freed id %d to be reused, got %d", id1, lock2.ID())
	}
	lock2.Unlock()
}

func TestObjectDB_AllocGrowsFile(t *testing.T) {
	db, gc := newTestObjectDB(t)
	session := gc.begin()
	defer session.end()

	// more ids than the initial page-rounded file holds, so Alloc must grow it
	var ids []ObjectID
	for i := 0; i < 1024; i++ {
		lock, err := db.Alloc(session, NodeKindLeaf)
		if err != nil {
			t.Fatalf("alloc %d failed: %v", i, err)
		}
		ids = append(ids, lock.ID())
		lock.Unlock()
	}

	seen := make(map[ObjectID]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d allocated", id)
		}
		seen[id] = true
	}
}

func TestObjectDB_TryLock(t *testing.T) {
	db, gc := newTestObjectDB(t)
	session := gc.begin()
	defer session.end()

	lock, err := db.Alloc(session, NodeKindLeaf)
	if err != nil {
		t.Fatal(err)
	}
	id := lock.ID()
	lock.Unlock()

	l1, ok := db.TryLock(id)
	if !ok {
		t.Fatal("expected first TryLock to succeed")
	}
	if _, ok := db.TryLock(id); ok {
		t.Fatal("expected second TryLock to fail while locked")
	}
	l1.Unlock()
	if _, ok := db.TryLock(id); !ok {
		t.Fatal("expected TryLock to succeed again after unlock")
	}
}

func TestObjectDB_GCMarkAndSweep(t *testing.T) {
	db, gc := newTestObjectDB(t)
	session := gc.begin()
	defer session.end()

	lockLive, _ := db.Alloc(session, NodeKindLeaf)
	liveID := lockLive.ID()
	lockLive.Unlock()

	lockDead, _ := db.Alloc(session, NodeKindLeaf)
	deadID := lockDead.ID()
	lockDead.Unlock()

	db.gcStart()
	if !db.gcRetain(liveID) {
		t.Fatal("expected first gcRetain to report newly visited")
	}
	db.gcFinish()

	if info := db.Get(liveID); info.ref == 0 {
		t.Errorf("live object should survive gc, ref = %d", info.ref)
	}
	if info := db.Get(deadID); info.ref != 0 {
		t.Errorf("unvisited object should be freed by gc, ref = %d", info.ref)
	}

	// deadID should now be reusable from the free list.
	lockReused, err := db.Alloc(session, NodeKindInner)
	if err != nil {
		t.Fatal(err)
	}
	if lockReused.ID() != deadID {
		t.Errorf("expected gc-freed id %d to be recycled, got %d", deadID, lockReused.ID())
	}
	lockReused.Unlock()
}

func TestObjectDB_Validate(t *testing.T) {
	db, gc := newTestObjectDB(t)
	session := gc.begin()
	defer session.end()

	lock, _ := db.Alloc(session, NodeKindLeaf)
	id := lock.ID()
	lock.Unlock()

	if err := db.Validate(id); err != nil {
		t.Errorf("valid id rejected: %v", err)
	}
	if err := db.Validate(id + 1000); err != ErrInvalidObjectID {
		t.Errorf("expected ErrInvalidObjectID for out-of-range id, got %v", err)
	}
}

func TestOpenObjectDB_RejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ids.db")
	if err := os.WriteFile(path, make([]byte, objectDBHeaderSize+64), 0644); err != nil {
		t.Fatal(err)
	}
	gc := newGCQueue()
	_, err := openObjectDB(path, gc, DefaultConfig(), hclog.NewNullLogger(), false)
	if err == nil {
		t.Fatal("expected error opening a zeroed (bad magic) file")
	}
}
