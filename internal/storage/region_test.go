package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
)

func newTestRegionAllocator(t *testing.T, regionSize uint64) (*RegionAllocator, *ObjectDB, *gcQueue) {
	t.Helper()
	dir := t.TempDir()
	gc := newGCQueue()
	cfg := DefaultConfig()
	cfg.InitialIDCapacity = 16
	ids, err := openObjectDB(filepath.Join(dir, "ids.db"), gc, cfg, hclog.NewNullLogger(), false)
	if err != nil {
		t.Fatal(err)
	}
	cfg.InitialRegionSize = regionSize
	arena, err := openRegionAllocator(filepath.Join(dir, "arena.db"), gc, ids, cfg, hclog.NewNullLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		arena.Close()
		ids.close()
	})
	return arena, ids, gc
}

func TestRegionAllocator_AllocateAndRead(t *testing.T) {
	arena, ids, gc := newTestRegionAllocator(t, 4096)
	session := gc.begin()
	defer session.end()

	lock, err := ids.Alloc(session, NodeKindLeaf)
	if err != nil {
		t.Fatal(err)
	}
	id := lock.ID()
	payload := []byte("hello region allocator")

	err = arena.Allocate(session, id, uint32(len(payload)), func(dst []byte, loc objectLocation) {
		copy(dst, payload)
		lock.Move(loc)
	})
	if err != nil {
		t.Fatal(err)
	}
	lock.Unlock()

	info := ids.Get(id)
	got := arena.Object(info.location)
	if string(got) != string(payload) {
		t.Errorf("Object() returned %q, want %q", got, payload)
	}
}

func TestRegionAllocator_DeallocateFreesRegion(t *testing.T) {
	arena, ids, gc := newTestRegionAllocator(t, 4096)
	session := gc.begin()
	defer session.end()

	lock, err := ids.Alloc(session, NodeKindLeaf)
	if err != nil {
		t.Fatal(err)
	}
	id := lock.ID()
	err = arena.Allocate(session, id, 32, func(dst []byte, loc objectLocation) {
		lock.Move(loc)
	})
	if err != nil {
		t.Fatal(err)
	}
	lock.Unlock()

	info := ids.Get(id)
	arena.Deallocate(info.location)

	stats := arena.Stats()
	if stats.Used[0] != 0 {
		t.Errorf("expected region 0 fully drained, used = %d", stats.Used[0])
	}
}

func TestRegionAllocator_RolloverAndEvacuate(t *testing.T) {
	// A tiny region size forces a rollover (and, since the first region
	// ends up sparsely used, an evacuation) well within a handful of
	// allocations.
	arena, ids, gc := newTestRegionAllocator(t, 256)
	session := gc.begin()
	defer session.end()

	var idList []ObjectID
	for i := 0; i < 3; i++ {
		lock, err := ids.Alloc(session, NodeKindLeaf)
		if err != nil {
			t.Fatal(err)
		}
		id := lock.ID()
		err = arena.Allocate(session, id, 64, func(dst []byte, loc objectLocation) {
			lock.Move(loc)
		})
		if err != nil {
			t.Fatal(err)
		}
		lock.Unlock()
		idList = append(idList, id)
	}

	// Release the first two objects so the originating region becomes
	// sparse, then force a second rollover to queue its evacuation.
	for _, id := range idList[:2] {
		info := ids.Get(id)
		arena.Deallocate(info.location)
	}

	for i := 0; i < 4; i++ {
		lock, err := ids.Alloc(session, NodeKindLeaf)
		if err != nil {
			t.Fatal(err)
		}
		id := lock.ID()
		err = arena.Allocate(session, id, 64, func(dst []byte, loc objectLocation) {
			lock.Move(loc)
		})
		if err != nil {
			t.Fatal(err)
		}
		lock.Unlock()
	}

	// The surviving object's bytes must remain readable at its
	// (possibly relocated) position regardless of background
	// evacuation having run.
	info := ids.Get(idList[2])
	_ = arena.Object(info.location)
}

func TestRegionAllocator_RejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	idsPath := filepath.Join(dir, "ids.db")
	gc := newGCQueue()
	ids, err := openObjectDB(idsPath, gc, DefaultConfig(), hclog.NewNullLogger(), false)
	if err != nil {
		t.Fatal(err)
	}
	defer ids.close()

	arenaPath := filepath.Join(dir, "arena.db")
	if err := os.WriteFile(arenaPath, make([]byte, headerPageSize), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = openRegionAllocator(arenaPath, gc, ids, DefaultConfig(), hclog.NewNullLogger())
	if err == nil {
		t.Fatal("expected error opening a zeroed (bad magic) arena file")
	}
}
