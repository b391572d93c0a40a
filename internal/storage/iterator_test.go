package storage

import (
	"sort"
	"testing"
)

func seedKeys(t *testing.T, ws *WriteSession, keys []string) {
	t.Helper()
	for _, k := range keys {
		if _, err := ws.Upsert([]byte(k), []byte(k+"-value")); err != nil {
			t.Fatal(err)
		}
	}
}

func TestIterator_FirstLastInOrder(t *testing.T) {
	db := newTestDatabase(t)
	keys := []string{"banana", "apple", "cherry", "app", "application", "band"}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	ws := db.StartWriteSession()
	seedKeys(t, ws, keys)
	ws.SetRootRevision()
	ws.Close()

	rs := db.StartReadSession()
	defer rs.Close()

	var got []string
	it := rs.First()
	for it.Valid() {
		got = append(got, string(it.Key()))
		it.Next()
	}
	if len(got) != len(sorted) {
		t.Fatalf("iterated %d keys, want %d (%v)", len(got), len(sorted), got)
	}
	for i := range sorted {
		if got[i] != sorted[i] {
			t.Errorf("position %d: got %q, want %q (full: %v)", i, got[i], sorted[i], got)
		}
	}

	var rev []string
	it = rs.Last()
	for it.Valid() {
		rev = append(rev, string(it.Key()))
		it.Prev()
	}
	for i := range rev {
		if rev[i] != sorted[len(sorted)-1-i] {
			t.Errorf("reverse position %d: got %q, want %q", i, rev[i], sorted[len(sorted)-1-i])
		}
	}
}

func TestIterator_FindAndLowerBound(t *testing.T) {
	db := newTestDatabase(t)
	keys := []string{"apple", "banana", "cherry", "date"}

	ws := db.StartWriteSession()
	seedKeys(t, ws, keys)
	ws.SetRootRevision()
	ws.Close()

	rs := db.StartReadSession()
	defer rs.Close()

	it := rs.Find([]byte("banana"))
	if !it.Valid() || string(it.Key()) != "banana" {
		t.Errorf("Find(banana) did not land exactly on banana")
	}

	it = rs.Find([]byte("ban"))
	if it.Valid() {
		t.Error("Find should invalidate on a key that doesn't exist exactly")
	}

	it = rs.LowerBound([]byte("ban"))
	if !it.Valid() || string(it.Key()) != "banana" {
		t.Errorf("LowerBound(ban) = %q, want banana", it.Key())
	}

	it = rs.LowerBound([]byte("zzz"))
	if it.Valid() {
		t.Error("LowerBound past every key should be invalid")
	}

	it = rs.LowerBound([]byte(""))
	if !it.Valid() || string(it.Key()) != "apple" {
		t.Errorf("LowerBound(\"\") = %q, want apple", it.Key())
	}
}

func TestIterator_LastWithPrefix(t *testing.T) {
	db := newTestDatabase(t)
	keys := []string{"app", "apple", "application", "apply", "banana"}

	ws := db.StartWriteSession()
	seedKeys(t, ws, keys)
	ws.SetRootRevision()
	ws.Close()

	rs := db.StartReadSession()
	defer rs.Close()

	it := rs.LastWithPrefix([]byte("app"))
	if !it.Valid() {
		t.Fatal("expected a match for prefix app")
	}
	key := string(it.Key())
	if key != "apply" && key != "application" {
		t.Errorf("LastWithPrefix(app) = %q, want the lexicographically largest app* key", key)
	}

	it = rs.LastWithPrefix([]byte("nonexistent"))
	if it.Valid() {
		t.Error("LastWithPrefix should be invalid for a prefix with no matches")
	}
}

func TestIterator_ValueMatchesGet(t *testing.T) {
	db := newTestDatabase(t)
	keys := []string{"a", "ab", "abc", "b"}

	ws := db.StartWriteSession()
	seedKeys(t, ws, keys)
	ws.SetRootRevision()
	ws.Close()

	rs := db.StartReadSession()
	defer rs.Close()

	it := rs.First()
	count := 0
	for it.Valid() {
		key := it.Key()
		want, ok := rs.Get(key)
		if !ok {
			t.Errorf("iterator produced key %q not found by Get", key)
		}
		if string(it.Value()) != string(want) {
			t.Errorf("iterator value %q != Get value %q for key %q", it.Value(), want, key)
		}
		count++
		it.Next()
	}
	if count != len(keys) {
		t.Errorf("iterated %d keys, want %d", count, len(keys))
	}
}
