// Package storage implements a memory-mapped, copy-compacting persistent
// store for a versioned radix trie. It is the storage core beneath a
// chain node's state: transaction execution, RPC, consensus, and
// networking all sit on top of it and are out of scope here.
//
// The store is built from five layers, leaves first:
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                          Database                                 │
//	│   opens ids.db / arena.db / root.db, hands out sessions,         │
//	│   publishes the atomic root revision                             │
//	├─────────────────────────────────────────────────────────────────┤
//	│                        Trie (node.go, trie.go)                    │
//	│   radix trie, branching factor 64 (6-bit nibbles), copy-on-write  │
//	├─────────────────────────────────────────────────────────────────┤
//	│                    Region allocator (region.go)                   │
//	│   bump-pointer arena split into fixed regions, background        │
//	│   evacuation of under-used regions                                │
//	├─────────────────────────────────────────────────────────────────┤
//	│                     Object DB (objectdb.go)                       │
//	│   object_id -> {offset, kind, ref count, position lock}           │
//	├─────────────────────────────────────────────────────────────────┤
//	│            Mapping + GC queue (mapping.go, gcqueue.go)             │
//	│   growable mmap, epoch reclamation of stale mappings/objects       │
//	└─────────────────────────────────────────────────────────────────┘
//
// Write path: session -> trie mutation (copy-on-write) -> allocate node
// bytes via the region allocator -> update object DB pointers -> on
// commit, atomically swap the database's root object id.
//
// Read path: session -> resolve root -> dereference each object id via
// the object DB -> read bytes from the mapped region, under a swap
// guard that keeps the allocator's evacuation worker from reclaiming
// mappings the reader is using.
package storage
