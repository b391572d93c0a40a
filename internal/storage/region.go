package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hashicorp/go-hclog"
)

const (
	maxRegions        = 64
	maxEvacQueue      = 32
	pendingWrite      = uint64(1) << 48
	regionHeaderMagic = 0x52474E41 // "RGNA"
)

// arenaObjectHeader prefixes every allocation inside a region: the
// object's declared byte capacity and the id that currently claims it,
// packed into a single 8-byte word (data_size:24, id:40). A filler
// object used to pad out rollover/evacuation remainders carries
// id == 0, capping a single filler's size at 2^24-1 bytes.
type arenaObjectHeader struct {
	Size uint32
	ID   uint64
}

const (
	arenaObjectHeaderSize = 8
	arenaIDBits           = 40
	arenaIDMask           = (uint64(1) << arenaIDBits) - 1
)

func readArenaHeader(b []byte) arenaObjectHeader {
	word := binary.LittleEndian.Uint64(b[0:8])
	return arenaObjectHeader{
		Size: uint32(word >> arenaIDBits),
		ID:   word & arenaIDMask,
	}
}

func writeArenaHeader(b []byte, h arenaObjectHeader) {
	word := (uint64(h.Size) << arenaIDBits) | (h.ID & arenaIDMask)
	binary.LittleEndian.PutUint64(b[0:8], word)
}

// allocSize is the total footprint an allocation of size bytes of
// payload occupies: the payload rounded up to 8 bytes, plus the header.
func allocSize(size uint32) uint64 {
	return uint64((size+7)&^7) + arenaObjectHeaderSize
}

// regionDataView is one of the two alternating images of allocator state.
// Mutations are built up in the inactive image and then published by
// flipping the header's current index, so a crash never observes a
// torn update to num_regions/current_region/alloc_pos.
type regionDataView struct {
	data []byte
	base int64 // byte offset of this image within the header page
}

const (
	regionDataRegionSize    = 0
	regionDataAllocPos      = 8
	regionDataNumRegions    = 16
	regionDataCurrentRegion = 24
	regionDataUsedArray     = 32
	regionDataSize          = regionDataUsedArray + maxRegions*8 // 544
)

func (v regionDataView) u64(off int64) *uint64 {
	return (*uint64)(unsafe.Pointer(&v.data[v.base+off]))
}

func (v regionDataView) regionSize() uint64    { return atomic.LoadUint64(v.u64(regionDataRegionSize)) }
func (v regionDataView) setRegionSize(x uint64) { atomic.StoreUint64(v.u64(regionDataRegionSize), x) }
func (v regionDataView) allocPos() uint64      { return atomic.LoadUint64(v.u64(regionDataAllocPos)) }
func (v regionDataView) setAllocPos(x uint64)  { atomic.StoreUint64(v.u64(regionDataAllocPos), x) }
func (v regionDataView) numRegions() uint64    { return atomic.LoadUint64(v.u64(regionDataNumRegions)) }
func (v regionDataView) setNumRegions(x uint64) {
	atomic.StoreUint64(v.u64(regionDataNumRegions), x)
}
func (v regionDataView) currentRegion() uint64 {
	return atomic.LoadUint64(v.u64(regionDataCurrentRegion))
}
func (v regionDataView) setCurrentRegion(x uint64) {
	atomic.StoreUint64(v.u64(regionDataCurrentRegion), x)
}
func (v regionDataView) used(i uint64) uint64 {
	return atomic.LoadUint64(v.u64(regionDataUsedArray + int64(i)*8))
}
func (v regionDataView) setUsed(i uint64, x uint64) {
	atomic.StoreUint64(v.u64(regionDataUsedArray+int64(i)*8), x)
}
func (v regionDataView) addUsed(i uint64, delta int64) uint64 {
	if delta >= 0 {
		return atomic.AddUint64(v.u64(regionDataUsedArray+int64(i)*8), uint64(delta))
	}
	return atomic.AddUint64(v.u64(regionDataUsedArray+int64(i)*8), ^uint64(-delta)+1)
}

func (v regionDataView) copyFrom(old regionDataView) {
	v.setRegionSize(old.regionSize())
	v.setNumRegions(old.numRegions())
	n := old.numRegions()
	for i := uint64(0); i < n; i++ {
		v.setUsed(i, old.used(i))
	}
}

type queueItemView struct {
	data []byte
	base int64
}

const (
	qDestBegin = 0
	qDestEnd   = 8
	qSrcBegin  = 16
	qSrcEnd    = 24
	queueItemSize = 32
)

func (q queueItemView) u64(off int64) *uint64 { return (*uint64)(unsafe.Pointer(&q.data[q.base+off])) }
func (q queueItemView) destBegin() uint64     { return atomic.LoadUint64(q.u64(qDestBegin)) }
func (q queueItemView) setDestBegin(x uint64) { atomic.StoreUint64(q.u64(qDestBegin), x) }
func (q queueItemView) destEnd() uint64       { return atomic.LoadUint64(q.u64(qDestEnd)) }
func (q queueItemView) setDestEnd(x uint64)   { atomic.StoreUint64(q.u64(qDestEnd), x) }
func (q queueItemView) srcBegin() uint64      { return atomic.LoadUint64(q.u64(qSrcBegin)) }
func (q queueItemView) setSrcBegin(x uint64)  { atomic.StoreUint64(q.u64(qSrcBegin), x) }
func (q queueItemView) srcEnd() uint64        { return atomic.LoadUint64(q.u64(qSrcEnd)) }
func (q queueItemView) setSrcEnd(x uint64)    { atomic.StoreUint64(q.u64(qSrcEnd), x) }
func (q queueItemView) isUsed() bool          { return q.destEnd() > q.destBegin() }

const (
	headerMagicOff   = headerQueueOff + maxEvacQueue*queueItemSize // 2120, past the queue
	headerCurrentOff = 2 * regionDataSize // 1088
	headerQueueOff   = headerCurrentOff + 8
	headerPageSize   = pageSize
)

// RegionAllocator serves bump-pointer allocations from a current region
// of a single cache-level arena file, evacuating sparsely populated
// regions in the background so the arena never grows without bound
// under steady-state churn.
type RegionAllocator struct {
	log hclog.Logger
	gc  *gcQueue
	ids *ObjectDB

	mu          sync.Mutex
	m           *mapping
	freeRegions [maxRegions]bool

	queuePos   uint64
	queueFront uint64

	workSig chan struct{}
	done    atomic.Bool
	wg      sync.WaitGroup
}

func openRegionAllocator(path string, gc *gcQueue, ids *ObjectDB, cfg Config, log hclog.Logger) (*RegionAllocator, error) {
	m, err := openMapping(path)
	if err != nil {
		return nil, err
	}
	a := &RegionAllocator{log: log, gc: gc, ids: ids, m: m, workSig: make(chan struct{}, 1)}

	if m.size() == 0 {
		initial := cfg.InitialRegionSize
		if initial == 0 {
			initial = DefaultConfig().InitialRegionSize
		}
		if _, err := m.resize(headerPageSize + initial); err != nil {
			return nil, err
		}
		data := m.data()
		binary.LittleEndian.PutUint32(data[headerMagicOff:headerMagicOff+4], regionHeaderMagic)
		v0 := regionDataView{data: data, base: 0}
		v0.setRegionSize(initial)
		v0.setAllocPos(0)
		v0.setNumRegions(1)
		v0.setCurrentRegion(0)
		v0.setUsed(0, initial)
	}

	if binary.LittleEndian.Uint32(a.m.data()[headerMagicOff:headerMagicOff+4]) != regionHeaderMagic {
		m.close()
		return nil, fmt.Errorf("%w: bad arena magic", ErrCorrupted)
	}

	a.loadQueue()
	a.wg.Add(1)
	go a.run()
	return a, nil
}

func (a *RegionAllocator) currentView() regionDataView {
	idx := atomic.LoadUint32((*uint32)(unsafe.Pointer(&a.m.data()[headerCurrentOff])))
	return regionDataView{data: a.m.data(), base: int64(idx) * regionDataSize}
}

func (a *RegionAllocator) inactiveView() regionDataView {
	idx := atomic.LoadUint32((*uint32)(unsafe.Pointer(&a.m.data()[headerCurrentOff])))
	return regionDataView{data: a.m.data(), base: int64(idx^1) * regionDataSize}
}

func (a *RegionAllocator) flipCurrent() {
	idx := atomic.LoadUint32((*uint32)(unsafe.Pointer(&a.m.data()[headerCurrentOff])))
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&a.m.data()[headerCurrentOff])), idx^1)
}

func (a *RegionAllocator) queueItem(i uint64) queueItemView {
	return queueItemView{data: a.m.data(), base: headerQueueOff + int64(i)*queueItemSize}
}

func (a *RegionAllocator) base() int64 { return headerPageSize }

func (a *RegionAllocator) objectAt(offset uint64) []byte {
	return a.m.data()[a.base()+int64(offset):]
}

// loadQueue runs once at open, restoring region_used sentinel bits
// that a crash may have left in an inconsistent state: every region is
// normalized modulo pendingWrite and then any queue item still "in
// use" (and the current region) gets pendingWrite re-added.
func (a *RegionAllocator) loadQueue() {
	a.queueFront, a.queuePos = 0, 0
	for i := uint64(0); i < maxEvacQueue; i++ {
		if !a.queueItem(i).isUsed() {
			a.queuePos = i
			a.queueFront = (i + 1) % maxEvacQueue
		}
	}

	v := a.currentView()
	n := v.numRegions()
	for i := uint64(0); i < n; i++ {
		v.setUsed(i, v.used(i)%pendingWrite)
	}
	for i := uint64(0); i < maxEvacQueue; i++ {
		item := a.queueItem(i)
		if item.isUsed() {
			r := item.destBegin() / v.regionSize()
			v.setUsed(r, v.used(r)+pendingWrite)
		}
	}
	cur := v.currentRegion()
	v.setUsed(cur, v.used(cur)+pendingWrite)

	for i := uint64(0); i < n; i++ {
		a.freeRegions[i] = v.used(i) == 0
	}
}

// Allocate bump-allocates size bytes for id, rolling over to a new
// region first if the current one lacks room. init receives the
// object's payload pointer and the resulting location.
func (a *RegionAllocator) Allocate(session *gcSession, id ObjectID, size uint32, init func([]byte, objectLocation)) error {
	used := allocSize(size)
	a.mu.Lock()
	defer a.mu.Unlock()

	v := a.currentView()
	available := (v.currentRegion()+1)*v.regionSize() - v.allocPos()
	if used > available {
		if available > 0 {
			writeArenaHeader(a.objectAt(v.allocPos()), arenaObjectHeader{Size: uint32(available) - arenaObjectHeaderSize})
		}
		a.deallocateRegionLocked(v, v.currentRegion(), available+pendingWrite)

		next := a.inactiveView()
		if err := a.startNewRegion(session, v, next); err != nil {
			return err
		}
		a.flipCurrent()
		v = a.currentView()

		smallest, smallUsed := a.smallestRegion(v)
		if smallUsed < v.regionSize()/2 {
			a.pushQueueLocked(v, smallest, smallUsed)
		}
	}

	pos := v.allocPos()
	writeArenaHeader(a.objectAt(pos), arenaObjectHeader{Size: size, ID: uint64(id)})
	payload := a.objectAt(pos + arenaObjectHeaderSize)
	init(payload[:size], objectLocation{cache: arenaCacheLevel, offset: uint64(pos)})
	v.setAllocPos(pos + used)
	return nil
}

func (a *RegionAllocator) smallestRegion(v regionDataView) (region, used uint64) {
	min := v.regionSize()
	var minIdx uint64
	for i := uint64(0); i < v.numRegions(); i++ {
		u := v.used(i)
		if u != 0 && u < min {
			min, minIdx = u, i
		}
	}
	return minIdx, min
}

func (a *RegionAllocator) freeRegionIndex(n uint64) (uint64, bool) {
	for i := uint64(0); i < n; i++ {
		if a.freeRegions[i] {
			return i, true
		}
	}
	return 0, false
}

// startNewRegion selects the region that becomes current next: reuse a
// free one if available, otherwise grow the file (doubling region size
// once the 64-region cap is hit).
func (a *RegionAllocator) startNewRegion(session *gcSession, old, next regionDataView) error {
	numRegions := old.numRegions()
	if freeIdx, ok := a.freeRegionIndex(numRegions); ok {
		next.copyFrom(old)
		next.setCurrentRegion(freeIdx)
	} else {
		if numRegions == maxRegions {
			a.doubleRegionSize(old, next)
		} else {
			next.copyFrom(old)
		}
		if err := a.growFileLocked(session, next); err != nil {
			return err
		}
		next = a.inactiveView()
	}
	next.setUsed(next.currentRegion(), next.regionSize()+pendingWrite)
	a.freeRegions[next.currentRegion()] = false
	next.setAllocPos(next.currentRegion() * next.regionSize())
	return nil
}

func (a *RegionAllocator) doubleRegionSize(old, next regionDataView) {
	n := old.numRegions()
	next.setRegionSize(old.regionSize() * 2)
	next.setNumRegions(n / 2)
	for i := uint64(0); i < n/2; i++ {
		a.freeRegions[i] = a.freeRegions[2*i] && a.freeRegions[2*i+1]
		next.setUsed(i, old.used(2*i)+old.used(2*i+1))
	}
}

func (a *RegionAllocator) growFileLocked(session *gcSession, next regionDataView) error {
	n := next.numRegions()
	newSize := uint64(a.m.size()) + next.regionSize()
	cleanup, err := a.m.resize(newSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	if cleanup != nil {
		restore := session.relock()
		a.gc.push(cleanup)
		restore()
	}
	// the old mapping may already be unmapped: rebuild the view
	next = a.inactiveView()
	next.setCurrentRegion(n)
	next.setNumRegions(n + 1)
	return nil
}

// Deallocate releases an object's footprint from the region containing
// loc, freeing the whole region through the GC queue once its used
// counter reaches zero.
func (a *RegionAllocator) Deallocate(loc objectLocation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.currentView()
	hdr := readArenaHeader(a.objectAt(loc.offset))
	footprint := allocSize(hdr.Size)
	region := loc.offset / v.regionSize()
	a.deallocateRegionLocked(v, region, footprint)
}

func (a *RegionAllocator) deallocateRegionLocked(v regionDataView, region uint64, amount uint64) {
	total := v.used(region)
	v.setUsed(region, total-amount)
	if total == amount {
		a.makeAvailable(region, v.regionSize())
	}
}

// Object returns the payload bytes for an object at the given location
// within this arena.
func (a *RegionAllocator) Object(loc objectLocation) []byte {
	hdr := readArenaHeader(a.objectAt(loc.offset))
	start := loc.offset + arenaObjectHeaderSize
	return a.m.data()[a.base()+int64(start) : a.base()+int64(start)+int64(hdr.Size)]
}

// pushQueueLocked reserves destination space in the current region for
// evacuating a sparse region and wakes the background worker.
func (a *RegionAllocator) pushQueueLocked(v regionDataView, region, used uint64) bool {
	if a.queueItem(a.queuePos).isUsed() {
		return false
	}
	item := a.queueItem(a.queuePos)
	item.setDestEnd(0)
	item.setSrcBegin(region * v.regionSize())
	item.setSrcEnd((region + 1) * v.regionSize())
	pos := v.allocPos()
	item.setDestBegin(pos)
	pos += used
	v.setAllocPos(pos)
	cur := v.currentRegion()
	v.setUsed(cur, v.used(cur)+pendingWrite)
	item.setDestEnd(pos)
	a.queuePos = (a.queuePos + 1) % maxEvacQueue
	select {
	case a.workSig <- struct{}{}:
	default:
	}
	return true
}

func (a *RegionAllocator) makeAvailable(region, regionSize uint64) {
	a.gc.push(reclaimFunc(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		v := a.currentView()
		if v.regionSize() == regionSize {
			a.freeRegions[region] = true
		}
	}))
}

// evacuateRegion copies every still-live object out of item's source
// range into its reserved destination range, relocating each one under
// its object-db position lock, stopping early if the destination fills
// before the source is exhausted.
func (a *RegionAllocator) evacuateRegion(item queueItemView) uint64 {
	begin := item.srcBegin()
	end := item.srcEnd()
	dest := item.destBegin()
	destEnd := item.destEnd()

	for begin != end {
		hdr := readArenaHeader(a.objectAt(begin))
		loc := objectLocation{cache: arenaCacheLevel, offset: begin}
		id := ObjectID(hdr.ID)
		if id != 0 {
			info := a.ids.Get(id)
			if info.ref != 0 && info.location == loc {
				lock, matched := a.ids.TryLockAt(id, loc)
				if matched && lock.db != nil {
					info = a.ids.Get(id)
					objectSize := allocSize(hdr.Size)
					if objectSize > destEnd-dest {
						lock.Unlock()
						break
					}
					copy(a.objectAt(dest)[:objectSize], a.objectAt(begin)[:objectSize])
					item.setDestBegin(dest + objectSize)
					lock.Move(objectLocation{cache: arenaCacheLevel, offset: dest})
					lock.Unlock()
					dest += objectSize
				}
			}
		}
		begin += allocSize(hdr.Size)
		item.setSrcBegin(begin)
	}
	return dest
}

// maxFillSize is the largest size value the 24-bit data_size field of
// arenaObjectHeader can represent; filler objects wider than this are
// emitted in multiple chunks.
const maxFillSize = uint32(1)<<24 - 1

// runOne processes exactly one queued evacuation item, blocking until
// one is available or the allocator is shutting down. It returns false
// once every item has drained after shutdown was requested.
func (a *RegionAllocator) runOne() bool {
	for {
		a.mu.Lock()
		item := a.queueItem(a.queueFront)
		if a.queueFront != a.queuePos || item.isUsed() {
			a.queueFront = (a.queueFront + 1) % maxEvacQueue
			a.mu.Unlock()
			a.processItem(item)
			return true
		}
		done := a.done.Load()
		a.mu.Unlock()
		if done {
			return false
		}
		<-a.workSig
	}
}

func (a *RegionAllocator) processItem(item queueItemView) {
	if !item.isUsed() {
		return
	}
	origSrc := item.srcBegin()
	origDest := item.destBegin()
	end := a.evacuateRegion(item)

	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.currentView()
	srcRegion := origSrc / v.regionSize()
	destRegion := origDest / v.regionSize()
	used := v.used(destRegion)
	destEnd := item.destEnd()
	extra := destEnd - end
	copied := end - origDest

	if extra != 0 {
		chunk := uint64(maxFillSize) &^ 7
		for destEnd-end > uint64(maxFillSize) {
			writeArenaHeader(a.objectAt(end), arenaObjectHeader{Size: uint32(chunk - arenaObjectHeaderSize)})
			end += chunk
			item.setDestBegin(end)
		}
		writeArenaHeader(a.objectAt(end), arenaObjectHeader{Size: uint32(destEnd - end - arenaObjectHeaderSize)})
		item.setDestBegin(destEnd)
	}

	srcUsed := v.used(srcRegion)
	if srcUsed != 0 {
		if item.srcBegin()-origSrc == v.regionSize() {
			srcUsed = 0
		} else {
			srcUsed -= copied
		}
		v.setUsed(srcRegion, srcUsed)
		if srcUsed == 0 {
			a.makeAvailable(srcRegion, v.regionSize())
		}
	}

	v.setUsed(destRegion, used-pendingWrite-extra)
	if used == pendingWrite+extra {
		a.makeAvailable(destRegion, v.regionSize())
	}
}

func (a *RegionAllocator) run() {
	defer a.wg.Done()
	for a.runOne() {
	}
}

// Close signals the evacuation worker to stop once the queue drains
// and waits for it to exit.
func (a *RegionAllocator) Close() error {
	a.done.Store(true)
	select {
	case a.workSig <- struct{}{}:
	default:
	}
	a.wg.Wait()
	return a.m.close()
}

// Stats reports per-region live-byte usage, primarily for tests and
// operator tooling.
type RegionStats struct {
	RegionSize  uint64
	NumRegions  uint64
	Used        []uint64
	FreeRegions int
}

func (a *RegionAllocator) Stats() RegionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.currentView()
	n := v.numRegions()
	s := RegionStats{RegionSize: v.regionSize(), NumRegions: n, Used: make([]uint64, n)}
	for i := uint64(0); i < n; i++ {
		s.Used[i] = v.used(i) % pendingWrite
		if a.freeRegions[i] {
			s.FreeRegions++
		}
	}
	return s
}
