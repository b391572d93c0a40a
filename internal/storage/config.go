package storage

// Config configures a Database's on-disk layout and background workers.
type Config struct {
	// InitialRegionSize is the size in bytes of the first region created
	// in arena.db. Regions double in size (halving in count) once the
	// 64-region cap is reached.
	InitialRegionSize uint64
	// InitialIDCapacity is the minimum number of object ids reserved in
	// ids.db the first time a database is created at a directory; the
	// file is rounded up to a whole page, so more ids may fit.
	InitialIDCapacity uint64
	// EvacuationThreshold is not read by the region allocator. When the
	// current region rolls over, the sparsest region is queued for
	// evacuation if its used-byte counter is below half the region size,
	// whatever this field holds.
	EvacuationThreshold float64
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		InitialRegionSize:   64 * 1024 * 1024, // 64MB
		InitialIDCapacity:   1024,
		EvacuationThreshold: 0.5,
	}
}
