package storage

import (
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
)

const pageSize = 4096

func roundToPage(n uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// mapping owns a file-backed memory region that can be resized at
// runtime without invalidating pointers already handed out to readers.
// Resize never unmaps the previous mapping itself; it returns a cleanup
// token that the caller pushes onto the gc queue, so any reader that
// began before the resize keeps a dereferenceable view until its
// session ends.
type mapping struct {
	mu   sync.Mutex
	file *os.File
	cur  mmap.MMap
}

// mappingCleanup unmaps a superseded mapping once every session that
// could still be using it has advanced past the epoch at which it was
// pushed. It implements the gc queue's reclaimable interface.
type mappingCleanup struct {
	region mmap.MMap
}

func (c *mappingCleanup) reclaim() {
	if c.region != nil {
		_ = c.region.Unmap()
	}
}

// openMapping opens or creates path and maps its full current extent.
// A freshly created file starts zero-sized; callers resize it before
// use.
func openMapping(path string) (*mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	m := &mapping{file: f}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() > 0 {
		region, err := mmap.MapRegion(f, int(info.Size()), mmap.RDWR, 0, 0)
		if err != nil {
			f.Close()
			return nil, err
		}
		m.cur = region
	}
	return m, nil
}

// resize grows (or shrinks) the mapping to newSize, rounded up to page
// granularity. It returns a non-nil cleanup token when a previous
// mapping existed and must be kept alive for in-flight readers; the
// caller is responsible for pushing it to the gc queue.
func (m *mapping) resize(newSize uint64) (*mappingCleanup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rounded := int64(roundToPage(newSize))
	if err := m.file.Truncate(rounded); err != nil {
		return nil, err
	}

	var cleanup *mappingCleanup
	if m.cur != nil {
		cleanup = &mappingCleanup{region: m.cur}
	}

	region, err := mmap.MapRegion(m.file, int(rounded), mmap.RDWR, 0, 0)
	if err != nil {
		return nil, err
	}
	m.cur = region
	return cleanup, nil
}

// data returns the current mapping's backing slice. Callers that mix
// this with resize must hold a lock that serializes against it (the
// object db and region allocator each have their own mutex that wraps
// both).
func (m *mapping) data() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

func (m *mapping) size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.cur))
}

func (m *mapping) sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil
	}
	return m.cur.Flush()
}

func (m *mapping) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var unmapErr error
	if m.cur != nil {
		unmapErr = m.cur.Unmap()
	}
	closeErr := m.file.Close()
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}
