package storage

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

const rootFileMagic = 0x524F4F54 // "ROOT"

// root.db layout: magic(4) | pad(4) | root revision(8, atomic) | instance id(16).
const instanceIDOffset = 16

// Database opens the three files that make up a trie store at a
// directory: the object indirection table, the single-level arena, and
// a tiny root cell holding the published revision.
type Database struct {
	log        hclog.Logger
	cfg        Config
	dir        string
	ids        *ObjectDB
	arena      *RegionAllocator
	gc         *gcQueue
	root       *mapping
	instanceID uuid.UUID

	rootMu  sync.Mutex // serializes publish of a new root revision
	version atomic.Uint64
	closed  atomic.Bool
}

// Open opens (creating if necessary) a trie database at dir.
func Open(dir string, cfg Config, log hclog.Logger) (*Database, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	gc := newGCQueue()

	ids, err := openObjectDB(filepath.Join(dir, "ids.db"), gc, cfg, log.Named("objectdb"), false)
	if err != nil {
		return nil, err
	}
	arena, err := openRegionAllocator(filepath.Join(dir, "arena.db"), gc, ids, cfg, log.Named("region"))
	if err != nil {
		ids.close()
		return nil, err
	}
	rootMapping, err := openMapping(filepath.Join(dir, "root.db"))
	if err != nil {
		arena.Close()
		ids.close()
		return nil, err
	}
	var instanceID uuid.UUID
	if rootMapping.size() == 0 {
		if _, err := rootMapping.resize(pageSize); err != nil {
			rootMapping.close()
			arena.Close()
			ids.close()
			return nil, err
		}
		instanceID = uuid.New()
		data := rootMapping.data()
		putUint32(data[0:4], rootFileMagic)
		putUint64(data[8:16], 0)
		copy(data[instanceIDOffset:instanceIDOffset+16], instanceID[:])
	} else {
		data := rootMapping.data()
		copy(instanceID[:], data[instanceIDOffset:instanceIDOffset+16])
		if instanceID == uuid.Nil {
			// root.db predates instance id stamping; mint one now.
			instanceID = uuid.New()
			copy(data[instanceIDOffset:instanceIDOffset+16], instanceID[:])
		}
	}

	db := &Database{log: log, cfg: cfg, dir: dir, ids: ids, arena: arena, gc: gc, root: rootMapping, instanceID: instanceID}
	return db, nil
}

// InstanceID returns the UUID stamped into this directory's root.db the
// first time it was created. It identifies one directory generation:
// restoring an archive into a fresh directory produces a database with
// a different InstanceID even if its root revision matches.
func (db *Database) InstanceID() uuid.UUID {
	return db.instanceID
}

func putUint32(b []byte, v uint32) { *(*uint32)(unsafe.Pointer(&b[0])) = v }
func putUint64(b []byte, v uint64) { atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[0])), v) }

// Close shuts down the background evacuation worker and unmaps all
// three files.
func (db *Database) Close() error {
	db.closed.Store(true)
	errArena := db.arena.Close()
	errIDs := db.ids.close()
	errRoot := db.root.close()
	if errArena != nil {
		return errArena
	}
	if errIDs != nil {
		return errIDs
	}
	return errRoot
}

func (db *Database) rootWord() *uint64 {
	return (*uint64)(unsafe.Pointer(&db.root.data()[8]))
}

// GetRootRevision returns a retained snapshot of the published root. The
// caller is responsible for releasing it (directly, or implicitly by
// dropping a session whose revision it became).
func (db *Database) GetRootRevision() ObjectID {
	db.rootMu.Lock()
	defer db.rootMu.Unlock()
	id := ObjectID(atomic.LoadUint64(db.rootWord()))
	if id.Valid() {
		db.ids.Retain(id)
	}
	return id
}

// SetRootRevision publishes newRoot as the database's head: it retains
// newRoot, atomically stores it, and releases whatever was previously
// published, all under the root-change mutex so concurrent publishers
// serialize and readers never observe a half-updated root.
func (db *Database) SetRootRevision(newRoot ObjectID) {
	db.rootMu.Lock()
	defer db.rootMu.Unlock()
	if newRoot.Valid() {
		db.ids.Retain(newRoot)
	}
	old := ObjectID(atomic.LoadUint64(db.rootWord()))
	atomic.StoreUint64(db.rootWord(), uint64(newRoot))
	if old.Valid() {
		db.release(old)
	}
}

func (db *Database) release(id ObjectID) {
	if !id.Valid() {
		return
	}
	info := db.ids.Release(id)
	if info.ref != 1 {
		return
	}
	if info.kind == NodeKindInner {
		inner := decodeInner(db.arena.Object(info.location))
		if inner.HasValue {
			db.release(inner.ValueID)
		}
		for _, c := range inner.ChildIDs {
			db.release(c)
		}
	}
	db.arena.Deallocate(info.location)
}

// ReadSession is a snapshot-consistent handle over one revision of the
// trie. It holds a GC-queue session for its entire lifetime, which
// keeps any arena bytes it may dereference safe from concurrent
// evacuation until Close.
type ReadSession struct {
	db      *Database
	session *gcSession
	trie    *Trie
	root    ObjectID
}

// StartReadSession opens a read-only view pinned to the currently
// published root revision.
func (db *Database) StartReadSession() *ReadSession {
	session := db.gc.begin()
	root := db.GetRootRevision()
	return &ReadSession{db: db, session: session, trie: newTrie(db.ids, db.arena, session), root: root}
}

// Close releases the session's pin and its root revision reference.
func (s *ReadSession) Close() {
	s.db.release(s.root)
	s.session.end()
}

// Revision returns the object id this session reads from.
func (s *ReadSession) Revision() ObjectID { return s.root }

// Get looks up key under this session's revision.
func (s *ReadSession) Get(key []byte) ([]byte, bool) {
	return s.trie.Get(s.root, key)
}

// Fork returns a new retained id referencing this session's current
// revision (or, if from is valid, that specific revision instead),
// suitable for handing to another write session as a starting point.
func (s *ReadSession) Fork(from ObjectID) ObjectID {
	id := s.root
	if from.Valid() {
		id = from
	}
	if id.Valid() {
		s.db.ids.Retain(id)
	}
	return id
}

// WriteSession is a single-writer handle that may mutate the trie
// in-place for nodes created under its own version, and must allocate
// fresh nodes otherwise (copy-on-write).
type WriteSession struct {
	ReadSession
	version uint64
}

// StartWriteSession opens a write session at the currently published
// root, stamped with a fresh monotonic version number so newly created
// nodes may be safely mutated in place for the remainder of this
// session.
func (db *Database) StartWriteSession() *WriteSession {
	rs := db.StartReadSession()
	return &WriteSession{ReadSession: *rs, version: db.version.Add(1)}
}

// Upsert inserts or replaces key's value under this session's working
// root, returning the previous value's size (-1 if key was absent).
func (w *WriteSession) Upsert(key, value []byte) (int, error) {
	newRoot, prev, err := w.trie.Upsert(w.root, w.version, key, value)
	if err != nil {
		return 0, err
	}
	w.root = newRoot
	return prev, nil
}

// Remove deletes key from this session's working root, returning the
// removed value's size (-1 if absent).
func (w *WriteSession) Remove(key []byte) (int, error) {
	newRoot, prev, err := w.trie.Remove(w.root, w.version, key)
	if err != nil {
		return 0, err
	}
	w.root = newRoot
	return prev, nil
}

// SetRootRevision publishes this session's working root as the
// database's head.
func (w *WriteSession) SetRootRevision() {
	w.db.SetRootRevision(w.root)
}

// StartCollectGarbage enters mark phase across the object db: every
// live id's ref count is reset to the unvisited marker, and the
// published root is then re-marked for the root cell's own reference.
// Call RecursiveRetain once for every other reference that must
// survive (this session's Revision included), then EndCollectGarbage
// to rebuild the free list from whatever was never visited. Used
// during crash recovery when the recorded ref counts may be wrong.
func (w *WriteSession) StartCollectGarbage() {
	w.db.ids.gcStart()
	w.RecursiveRetain(ObjectID(atomic.LoadUint64(w.db.rootWord())))
}

// RecursiveRetain walks every object reachable from id, marking each
// visited exactly once during a StartCollectGarbage/EndCollectGarbage
// bracket.
func (w *WriteSession) RecursiveRetain(id ObjectID) {
	if !id.Valid() {
		return
	}
	if !w.db.ids.gcRetain(id) {
		return
	}
	info := w.db.ids.Get(id)
	if info.kind != NodeKindInner {
		return
	}
	inner := decodeInner(w.db.arena.Object(info.location))
	if inner.HasValue {
		w.RecursiveRetain(inner.ValueID)
	}
	for _, c := range inner.ChildIDs {
		w.RecursiveRetain(c)
	}
}

// EndCollectGarbage rebuilds the free list from every id that
// RecursiveRetain never visited and clears the in-progress flag.
func (w *WriteSession) EndCollectGarbage() {
	w.db.ids.gcFinish()
}
