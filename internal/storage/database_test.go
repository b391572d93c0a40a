package storage

import (
	"testing"

	"github.com/google/uuid"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDatabase_PutGetAcrossSessions(t *testing.T) {
	db := newTestDatabase(t)

	ws := db.StartWriteSession()
	if _, err := ws.Upsert([]byte("foo"), []byte("bar")); err != nil {
		t.Fatal(err)
	}
	ws.SetRootRevision()
	ws.Close()

	rs := db.StartReadSession()
	defer rs.Close()
	value, ok := rs.Get([]byte("foo"))
	if !ok || string(value) != "bar" {
		t.Errorf("Get(foo) = (%q, %v), want (bar, true)", value, ok)
	}
}

func TestDatabase_ReadSessionIsolatedFromLaterWrites(t *testing.T) {
	db := newTestDatabase(t)

	ws1 := db.StartWriteSession()
	ws1.Upsert([]byte("foo"), []byte("v1"))
	ws1.SetRootRevision()
	ws1.Close()

	rs := db.StartReadSession()
	defer rs.Close()

	ws2 := db.StartWriteSession()
	ws2.Upsert([]byte("foo"), []byte("v2"))
	ws2.SetRootRevision()
	ws2.Close()

	// rs was opened before ws2 committed: it must keep observing v1.
	value, ok := rs.Get([]byte("foo"))
	if !ok || string(value) != "v1" {
		t.Errorf("isolated read session got (%q, %v), want (v1, true)", value, ok)
	}

	rs2 := db.StartReadSession()
	defer rs2.Close()
	value, ok = rs2.Get([]byte("foo"))
	if !ok || string(value) != "v2" {
		t.Errorf("fresh read session got (%q, %v), want (v2, true)", value, ok)
	}
}

func TestDatabase_ForkAndDelete(t *testing.T) {
	db := newTestDatabase(t)

	ws := db.StartWriteSession()
	ws.Upsert([]byte("a"), []byte("1"))
	ws.Upsert([]byte("b"), []byte("2"))
	ws.SetRootRevision()
	ws.Close()

	rs := db.StartReadSession()
	forked := rs.Fork(ObjectID(0))
	rs.Close()

	ws2 := db.StartWriteSession()
	db.release(ws2.root)
	ws2.root = forked
	prev, err := ws2.Remove([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if prev != 1 {
		t.Errorf("expected removed value size 1, got %d", prev)
	}
	ws2.SetRootRevision()
	ws2.Close()

	rs2 := db.StartReadSession()
	defer rs2.Close()
	if _, ok := rs2.Get([]byte("a")); ok {
		t.Error("a should be gone after fork+delete")
	}
	if _, ok := rs2.Get([]byte("b")); !ok {
		t.Error("b should survive fork+delete of an unrelated key")
	}
}

func TestDatabase_InstanceIDStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	id1 := db1.InstanceID()
	if id1 == uuid.Nil {
		t.Fatal("expected a non-nil instance id on first open")
	}
	db1.Close()

	db2, err := Open(dir, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	if db2.InstanceID() != id1 {
		t.Errorf("instance id changed across reopen: %s != %s", db2.InstanceID(), id1)
	}
}

func TestDatabase_GarbageCollectionRecovery(t *testing.T) {
	db := newTestDatabase(t)

	ws := db.StartWriteSession()
	ws.Upsert([]byte("a"), []byte("1"))
	ws.Upsert([]byte("b"), []byte("2"))
	ws.SetRootRevision()
	ws.Close()

	ws2 := db.StartWriteSession()
	ws2.StartCollectGarbage()
	ws2.RecursiveRetain(ws2.Revision())
	ws2.EndCollectGarbage()
	ws2.Close()

	rs := db.StartReadSession()
	defer rs.Close()
	for _, k := range []string{"a", "b"} {
		if _, ok := rs.Get([]byte(k)); !ok {
			t.Errorf("%q should survive a mark-and-sweep pass that retains the root", k)
		}
	}
}
