package storage

import "errors"

var (
	// ErrKeyNotFound names a missing key. Lookups report absence through
	// their bool or Valid results and do not return this error.
	ErrKeyNotFound = errors.New("key not found")

	// ErrCorrupted is returned when on-disk structures fail a sanity check
	// on open. The store refuses to open rather than operate on bad state.
	ErrCorrupted = errors.New("storage: file corruption detected")

	// ErrNeedCopy names reference-count saturation for an id, where the
	// caller must clone the object into a new id instead of sharing the
	// existing one. ObjectDB.Retain reports saturation by returning false
	// and does not return this error.
	ErrNeedCopy = errors.New("storage: ref count saturated, must copy")

	// ErrNoFreeIDs names exhaustion of the object id table. Alloc does not
	// return it: a failure to grow ids.db is reported as
	// ErrResourceExhausted.
	ErrNoFreeIDs = errors.New("storage: object id table exhausted")

	// ErrResourceExhausted covers file-growth failures in the arena or
	// id table that aren't specifically an id shortage.
	ErrResourceExhausted = errors.New("storage: unable to grow backing file")

	// ErrInvalidObjectID is raised when an id falls outside the allocated
	// range; this is a programming error in the caller, never a user
	// facing condition.
	ErrInvalidObjectID = errors.New("storage: invalid object id")

	// ErrGCInProgress is returned when a writable handle is opened on an
	// id file whose GC-in-progress flag is still set, unless the caller
	// explicitly requests recovery.
	ErrGCInProgress = errors.New("storage: garbage collection in progress")

	// ErrPositionLocked names an id whose relocation right another writer
	// already holds. The non-blocking lock attempts report this through
	// their bool results and do not return this error.
	ErrPositionLocked = errors.New("storage: object position is locked")

	// ErrClosed names operations on a closed database. Sessions do not
	// check whether their database has been closed and never return it.
	ErrClosed = errors.New("storage: database is closed")
)
