package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hashicorp/go-hclog"
)

// ObjectID is a compact handle into the object indirection table. Zero
// denotes "none". Ids are recycled through a LIFO free list.
type ObjectID uint64

// Valid reports whether id is not the "none" sentinel.
func (id ObjectID) Valid() bool { return id != 0 }

// NodeKind tags what an object's bytes decode as.
type NodeKind uint8

const (
	NodeKindNone NodeKind = iota
	NodeKindLeaf
	NodeKindInner
)

// objectLocation is where an object's bytes live: a cache-level tag
// (arenas are collapsed to a single level by this implementation, but
// the tag is preserved in the on-disk word per spec) and a byte offset
// within that level's arena.
type objectLocation struct {
	cache  uint8
	offset uint64
}

const arenaCacheLevel uint8 = 3

// objectInfo is the decoded form of the 64-bit packed word described
// in the database's on-disk format:
//
//	bits 0-12   ref count            (13 bits)
//	bit  13     position lock        (1 bit)
//	bits 14-15  node kind            (2 bits)
//	bits 16-17  cache level          (2 bits)
//	bits 18-63  offset/8             (46 bits)
//
// When ref == 0 and the id is on the free list, bits 14-63 instead
// hold the next free id (see extractNextFree/createNextFree).
type objectInfo struct {
	ref      uint16
	posLock  bool
	kind     NodeKind
	location objectLocation
}

const (
	refBits    = 13
	refMask    = (uint64(1) << refBits) - 1
	maxRef     = refMask // all-ones reserved so gc_retain can safely fetch_add past live max
	posLockBit = uint64(1) << 13
	kindShift  = 14
	kindMask   = uint64(0x3) << kindShift
	cacheShift = 16
	cacheMask  = uint64(0x3) << cacheShift
	offShift   = 18
)

func decodeObjectInfo(word uint64) objectInfo {
	return objectInfo{
		ref:     uint16(word & refMask),
		posLock: word&posLockBit != 0,
		kind:    NodeKind((word & kindMask) >> kindShift),
		location: objectLocation{
			cache:  uint8((word & cacheMask) >> cacheShift),
			offset: (word >> offShift) * 8,
		},
	}
}

func encodeObjectInfo(info objectInfo) uint64 {
	w := uint64(info.ref) & refMask
	if info.posLock {
		w |= posLockBit
	}
	w |= (uint64(info.kind) << kindShift) & kindMask
	w |= (uint64(info.location.cache) << cacheShift) & cacheMask
	w |= (info.location.offset / 8) << offShift
	return w
}

func extractNextFree(word uint64) uint64 { return word >> kindShift }
func createNextFree(next uint64) uint64  { return next << kindShift }

// objectDBHeader is the fixed-size prefix of ids.db.
type objectDBHeader struct {
	magic          uint32
	flags          uint32 // atomic; bit 8 = gc in progress
	firstFree      uint64 // atomic
	maxAllocated   uint64
	maxUnallocated uint64
}

const (
	objectDBMagic      = 0x4F424A44 // "OBJD"
	objectDBHeaderSize = 64         // padded; leaves room without disturbing 8-byte object-word alignment
	gcInProgressFlag   = uint32(1) << 8
)

// ObjectDB is the durable indirection table mapping ObjectID to
// {offset, cache level, node kind, ref count, position lock}.
type ObjectDB struct {
	log hclog.Logger
	gc  *gcQueue

	mu  sync.Mutex // guards resize + header field updates that aren't per-word atomics
	m   *mapping
	cap Config
}

func objWordOffset(id ObjectID) int64 {
	return objectDBHeaderSize + int64(id)*8
}

func wordPtr(data []byte, id ObjectID) *uint64 {
	off := objWordOffset(id)
	return (*uint64)(unsafe.Pointer(&data[off]))
}

func openObjectDB(path string, gc *gcQueue, cfg Config, log hclog.Logger, allowGC bool) (*ObjectDB, error) {
	m, err := openMapping(path)
	if err != nil {
		return nil, err
	}
	db := &ObjectDB{log: log, gc: gc, m: m, cap: cfg}

	if m.size() == 0 {
		maxID := cfg.InitialIDCapacity
		if maxID == 0 {
			maxID = 1
		}
		size := roundToPage(uint64(objectDBHeaderSize) + (maxID+1)*8)
		if _, err := m.resize(size); err != nil {
			return nil, err
		}
		db.writeHeader(objectDBHeader{
			magic:          objectDBMagic,
			firstFree:      0,
			maxAllocated:   0,
			maxUnallocated: (size-objectDBHeaderSize)/8 - 1,
		})
	}

	hdr := db.readHeader()
	if hdr.magic != objectDBMagic {
		m.close()
		return nil, fmt.Errorf("%w: bad object db magic", ErrCorrupted)
	}
	existing := uint64(m.size())
	if hdr.maxUnallocated != (existing-objectDBHeaderSize)/8-1 {
		m.close()
		return nil, fmt.Errorf("%w: object db size mismatch", ErrCorrupted)
	}
	if !allowGC && atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.data()[4])))&gcInProgressFlag != 0 {
		m.close()
		return nil, ErrGCInProgress
	}

	// Clear any position-lock bits stranded by a crash mid-write: their
	// owning writer is gone, and if the id wasn't reachable from a
	// published root it will be cleaned up by recovery's mark-and-sweep.
	data := m.data()
	for i := uint64(1); i <= hdr.maxAllocated; i++ {
		p := wordPtr(data, ObjectID(i))
		for {
			old := atomic.LoadUint64(p)
			if old&posLockBit == 0 {
				break
			}
			if atomic.CompareAndSwapUint64(p, old, old&^posLockBit) {
				break
			}
		}
	}

	return db, nil
}

func (db *ObjectDB) readHeader() objectDBHeader {
	data := db.m.data()
	return objectDBHeader{
		magic:          binary.LittleEndian.Uint32(data[0:4]),
		flags:          atomic.LoadUint32((*uint32)(unsafe.Pointer(&data[4]))),
		firstFree:      atomic.LoadUint64((*uint64)(unsafe.Pointer(&data[8]))),
		maxAllocated:   binary.LittleEndian.Uint64(data[16:24]),
		maxUnallocated: binary.LittleEndian.Uint64(data[24:32]),
	}
}

func (db *ObjectDB) writeHeader(h objectDBHeader) {
	data := db.m.data()
	binary.LittleEndian.PutUint32(data[0:4], h.magic)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&data[4])), h.flags)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&data[8])), h.firstFree)
	binary.LittleEndian.PutUint64(data[16:24], h.maxAllocated)
	binary.LittleEndian.PutUint64(data[24:32], h.maxUnallocated)
}

func (db *ObjectDB) setMaxAllocated(v uint64) {
	data := db.m.data()
	binary.LittleEndian.PutUint64(data[16:24], v)
}

func (db *ObjectDB) setMaxUnallocated(v uint64) {
	data := db.m.data()
	binary.LittleEndian.PutUint64(data[24:32], v)
}

func (db *ObjectDB) firstFreePtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&db.m.data()[8]))
}

// LocationLock is an exclusive, scoped claim on an id's right to be
// relocated or mutated in place. It must be released exactly once,
// either via Unlock or IntoUnlockUnchecked.
type LocationLock struct {
	db   *ObjectDB
	id   ObjectID
	done bool
}

// ID returns the id this lock protects.
func (l *LocationLock) ID() ObjectID { return l.id }

// Unlock releases the position lock without altering the ref count.
func (l *LocationLock) Unlock() {
	if l.done || l.db == nil {
		return
	}
	l.db.unlock(l.id)
	l.done = true
}

// IntoUnlockUnchecked releases the position lock and hands ownership
// of the id to the caller, without touching the reference count. Used
// when a freshly allocated id's lock must be handed off to become a
// stored child pointer.
func (l *LocationLock) IntoUnlockUnchecked() ObjectID {
	l.Unlock()
	return l.id
}

// Move atomically updates the stored location for the locked id. The
// lock must still be held.
func (l *LocationLock) Move(loc objectLocation) {
	p := wordPtr(l.db.m.data(), l.id)
	for {
		old := atomic.LoadUint64(p)
		info := decodeObjectInfo(old)
		info.location = loc
		if atomic.CompareAndSwapUint64(p, old, encodeObjectInfo(info)) {
			return
		}
	}
}

func (db *ObjectDB) unlock(id ObjectID) {
	p := wordPtr(db.m.data(), id)
	for {
		old := atomic.LoadUint64(p)
		if atomic.CompareAndSwapUint64(p, old, old&^posLockBit) {
			return
		}
	}
}

// Alloc reserves a fresh id, either from the free list or by bumping
// the high-water mark (growing the backing file if necessary), sets
// ref count to 1, and returns it locked for the caller's exclusive use
// until it publishes a location via Move.
func (db *ObjectDB) Alloc(session *gcSession, kind NodeKind) (LocationLock, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	hdr := db.readHeader()
	if hdr.flags&gcInProgressFlag != 0 {
		return LocationLock{}, ErrGCInProgress
	}

	if hdr.firstFree == 0 {
		if hdr.maxAllocated >= hdr.maxUnallocated {
			newSize := uint64(db.m.size()) + roundToPage(hdr.maxUnallocated*2+8)
			cleanup, err := db.m.resize(newSize)
			if err != nil {
				return LocationLock{}, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
			}
			db.setMaxUnallocated((newSize-objectDBHeaderSize)/8 - 1)
			if cleanup != nil {
				restore := session.relock()
				db.gc.push(cleanup)
				restore()
			}
			hdr = db.readHeader()
		}
		id := ObjectID(hdr.maxAllocated + 1)
		db.setMaxAllocated(uint64(id))
		p := wordPtr(db.m.data(), id)
		atomic.StoreUint64(p, encodeObjectInfo(objectInfo{ref: 1, posLock: true, kind: kind})|posLockBit)
		return LocationLock{db: db, id: id}, nil
	}

	ffp := db.firstFreePtr()
	for {
		ff := atomic.LoadUint64(ffp)
		next := extractNextFree(atomic.LoadUint64(wordPtr(db.m.data(), ObjectID(ff))))
		if atomic.CompareAndSwapUint64(ffp, ff, next) {
			id := ObjectID(ff)
			p := wordPtr(db.m.data(), id)
			atomic.StoreUint64(p, encodeObjectInfo(objectInfo{ref: 1, posLock: true, kind: kind}))
			return LocationLock{db: db, id: id}, nil
		}
	}
}

// Retain bumps id's reference count by one. It returns false (without
// modifying anything) if the count is already at saturation, signaling
// that the caller must clone the object into a new id instead.
//
// The cap leaves two units of headroom below refMask, not one:
// gcStart resets a live object's count to 1 as its "unvisited" mark,
// and gcRetain then adds one per live edge the mark-phase DFS finds.
// An object retained all the way to maxRef-1 would hit exactly refMask
// once every one of its edges was re-counted, tripping gcRetain's own
// overflow check on a perfectly legitimate object.
func (db *ObjectDB) Retain(id ObjectID) bool {
	p := wordPtr(db.m.data(), id)
	for {
		old := atomic.LoadUint64(p)
		if old&refMask == maxRef-2 {
			return false
		}
		if atomic.CompareAndSwapUint64(p, old, old+1) {
			return true
		}
	}
}

// Release decrements id's reference count. When it reaches zero, id is
// pushed onto the free list. The pre-decrement info is returned so
// callers can inspect what the object was before release.
func (db *ObjectDB) Release(id ObjectID) objectInfo {
	p := wordPtr(db.m.data(), id)
	ffp := db.firstFreePtr()

	var before uint64
	for {
		old := atomic.LoadUint64(p)
		before = old
		if atomic.CompareAndSwapUint64(p, old, old-1) {
			break
		}
	}
	if before&refMask != 1 {
		return decodeObjectInfo(before)
	}

	// We alone observed the count drop to zero; nothing else may touch
	// this word until it is re-allocated, so the free-list link can be
	// written without racing id's own word.
	for {
		ff := atomic.LoadUint64(ffp)
		atomic.StoreUint64(p, createNextFree(ff))
		if atomic.CompareAndSwapUint64(ffp, ff, uint64(id)) {
			break
		}
	}
	return decodeObjectInfo(before)
}

// Get returns the current decoded info for id.
func (db *ObjectDB) Get(id ObjectID) objectInfo {
	return decodeObjectInfo(atomic.LoadUint64(wordPtr(db.m.data(), id)))
}

// Validate raises ErrInvalidObjectID if id falls outside the allocated
// range; used before dereferencing ids that came from untrusted input
// such as a caller-supplied revision.
func (db *ObjectDB) Validate(id ObjectID) error {
	if uint64(id) > db.readHeader().maxAllocated {
		return ErrInvalidObjectID
	}
	return nil
}

// TryLock acquires the position lock for id if it is free, regardless
// of id's current location.
func (db *ObjectDB) TryLock(id ObjectID) (LocationLock, bool) {
	p := wordPtr(db.m.data(), id)
	for {
		old := atomic.LoadUint64(p)
		if old&posLockBit != 0 {
			return LocationLock{}, false
		}
		if atomic.CompareAndSwapUint64(p, old, old|posLockBit) {
			return LocationLock{db: db, id: id}, true
		}
	}
}

// TryLockAt acquires the position lock for id only if it both is free
// and still points at expected. matched reports whether id's location
// matched expected (regardless of whether the lock was acquired),
// which lets the evacuation worker distinguish "someone else is
// already moving it" from "it moved since I looked".
func (db *ObjectDB) TryLockAt(id ObjectID, expected objectLocation) (lock LocationLock, matched bool) {
	p := wordPtr(db.m.data(), id)
	for {
		old := atomic.LoadUint64(p)
		info := decodeObjectInfo(old)
		if info.ref == 0 || info.location != expected {
			return LocationLock{}, false
		}
		if info.posLock {
			return LocationLock{}, true
		}
		if atomic.CompareAndSwapUint64(p, old, old|posLockBit) {
			return LocationLock{db: db, id: id}, true
		}
	}
}

// SpinLock acquires the position lock for id, blocking (via busy spin)
// until it becomes available.
func (db *ObjectDB) SpinLock(id ObjectID) LocationLock {
	p := wordPtr(db.m.data(), id)
	for {
		old := atomic.LoadUint64(p)
		if old&posLockBit != 0 {
			continue
		}
		if atomic.CompareAndSwapUint64(p, old, old|posLockBit) {
			return LocationLock{db: db, id: id}
		}
	}
}

// gcStart enters mark-phase: every object with a nonzero ref count has
// its count reset to 1 (the "not yet visited" mark), and the
// GC-in-progress flag is set so concurrent writers are refused.
func (db *ObjectDB) gcStart() {
	db.mu.Lock()
	defer db.mu.Unlock()
	hdr := db.readHeader()
	data := db.m.data()
	for i := uint64(1); i <= hdr.maxAllocated; i++ {
		p := wordPtr(data, ObjectID(i))
		old := atomic.LoadUint64(p)
		if old&refMask != 0 {
			atomic.StoreUint64(p, (old&^refMask)|1)
		}
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&data[4])), hdr.flags|gcInProgressFlag)
}

// gcRetain marks id visited during a mark-phase DFS from live roots,
// returning true the first time it is visited (driving the caller to
// recurse into its children).
func (db *ObjectDB) gcRetain(id ObjectID) bool {
	p := wordPtr(db.m.data(), id)
	old := atomic.AddUint64(p, 1)
	ref := old & refMask
	if ref == 0 {
		panic("storage: gc_retain found reference to a deleted object")
	}
	if ref == refMask {
		panic("storage: gc_retain overflowed ref count")
	}
	return ref == 2 // was 1 (unvisited), now 2 (visited once)
}

// gcFinish rebuilds the free list from every id left unvisited by the
// mark phase and clears the GC-in-progress flag.
func (db *ObjectDB) gcFinish() {
	db.mu.Lock()
	defer db.mu.Unlock()
	hdr := db.readHeader()
	data := db.m.data()
	ffp := db.firstFreePtr()
	var lastFree uint64
	for i := uint64(1); i <= hdr.maxAllocated; i++ {
		p := wordPtr(data, ObjectID(i))
		old := atomic.LoadUint64(p)
		if old&refMask > 1 {
			atomic.StoreUint64(p, old-1)
		} else {
			atomic.StoreUint64(p, createNextFree(lastFree))
			lastFree = i
		}
	}
	atomic.StoreUint64(ffp, lastFree)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&data[4])), hdr.flags&^gcInProgressFlag)
}

// Stats summarizes live vs free ids; relatively expensive since it
// walks the entire table.
type ObjectDBStats struct {
	Total    uint64
	Live     uint64
	ZeroRef  uint64
	MaxAlloc uint64
}

func (db *ObjectDB) Stats() ObjectDBStats {
	hdr := db.readHeader()
	data := db.m.data()
	var s ObjectDBStats
	s.MaxAlloc = hdr.maxAllocated
	for i := uint64(1); i <= hdr.maxUnallocated; i++ {
		word := atomic.LoadUint64(wordPtr(data, ObjectID(i)))
		s.Total++
		if word&refMask == 0 {
			s.ZeroRef++
		} else {
			s.Live++
		}
	}
	return s
}

func (db *ObjectDB) close() error { return db.m.close() }
