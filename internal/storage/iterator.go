package storage

// pathEntry is one frame of an iterator's descent: the inner node's id
// and which branch (or the inner value, at index -1) it is currently
// positioned on. A leaf frame's branch is always leafBranch.
type pathEntry struct {
	id     ObjectID
	branch int
}

const leafBranch = -2
const valueBranch = -1

// highBranchSentinel marks a frame positioned past the last populated
// branch of its node (used when a seek lands beyond every branch, so
// Next()'s normal "advance past top.branch" logic pops straight to the
// parent on its first step).
const highBranchSentinel = 63

// Iterator walks a trie's keys in lexicographic order over its
// 6-bit-nibble encoding, which coincides with byte-order for keys of
// equal length.
type Iterator struct {
	trie  *Trie
	root  ObjectID
	path  []pathEntry
	valid bool
}

func newIterator(trie *Trie, root ObjectID) *Iterator {
	return &Iterator{trie: trie, root: root}
}

// Valid reports whether the iterator is positioned on a key.
func (it *Iterator) Valid() bool { return it.valid }

// Key reassembles the current position's full key from the path stack.
func (it *Iterator) Key() []byte {
	if !it.valid {
		return nil
	}
	var nibbles []byte
	for _, frame := range it.path {
		if frame.branch == leafBranch {
			leaf := it.trie.readLeaf(frame.id)
			nibbles = append(nibbles, leaf.KeySuffix...)
			continue
		}
		inner := it.trie.readInner(frame.id)
		nibbles = append(nibbles, inner.Prefix...)
		if frame.branch == valueBranch {
			continue
		}
		nibbles = append(nibbles, byte(frame.branch))
	}
	return decodeNibbles(nibbles, len(nibbles)*6/8)
}

// Value returns the value at the current position.
func (it *Iterator) Value() []byte {
	if !it.valid {
		return nil
	}
	last := it.path[len(it.path)-1]
	switch last.branch {
	case leafBranch:
		return it.trie.readLeaf(last.id).Value
	case valueBranch:
		inner := it.trie.readInner(last.id)
		return it.trie.readLeaf(inner.ValueID).Value
	default:
		inner := it.trie.readInner(last.id)
		idx, _ := inner.slotIndex(byte(last.branch))
		childID := inner.ChildIDs[idx]
		return it.trie.readLeaf(childID).Value
	}
}

// descendLeftmost pushes frames from id down to the first key in its
// subtree (inner value if present, else the lowest populated branch).
func (it *Iterator) descendLeftmost(id ObjectID) {
	for id.Valid() {
		if it.trie.kindOf(id) == NodeKindLeaf {
			it.path = append(it.path, pathEntry{id: id, branch: leafBranch})
			return
		}
		inner := it.trie.readInner(id)
		if inner.HasValue {
			it.path = append(it.path, pathEntry{id: id, branch: valueBranch})
			return
		}
		if len(inner.ChildIDs) == 0 {
			return
		}
		nibble := lowestBranch(inner.Branches)
		it.path = append(it.path, pathEntry{id: id, branch: int(nibble)})
		idx, _ := inner.slotIndex(nibble)
		id = inner.ChildIDs[idx]
	}
}

// descendRightmost mirrors descendLeftmost for Last/Prev, preferring
// the highest populated branch and only settling on the inner value
// when no branch exists below it in priority (values sort before
// their branches since the value key is a strict prefix).
func (it *Iterator) descendRightmost(id ObjectID) {
	for id.Valid() {
		if it.trie.kindOf(id) == NodeKindLeaf {
			it.path = append(it.path, pathEntry{id: id, branch: leafBranch})
			return
		}
		inner := it.trie.readInner(id)
		if len(inner.ChildIDs) > 0 {
			nibble := highestBranch(inner.Branches)
			it.path = append(it.path, pathEntry{id: id, branch: int(nibble)})
			idx, _ := inner.slotIndex(nibble)
			id = inner.ChildIDs[idx]
			continue
		}
		if inner.HasValue {
			it.path = append(it.path, pathEntry{id: id, branch: valueBranch})
			return
		}
		return
	}
}

func lowestBranch(branches uint64) byte {
	for b := 0; b < 64; b++ {
		if branches&(uint64(1)<<b) != 0 {
			return byte(b)
		}
	}
	return 0
}

func highestBranch(branches uint64) byte {
	for b := 63; b >= 0; b-- {
		if branches&(uint64(1)<<b) != 0 {
			return byte(b)
		}
	}
	return 0
}

// First positions the iterator at the smallest key.
func (it *Iterator) First() {
	it.path = it.path[:0]
	it.descendLeftmost(it.root)
	it.valid = len(it.path) > 0
}

// Last positions the iterator at the largest key.
func (it *Iterator) Last() {
	it.path = it.path[:0]
	it.descendRightmost(it.root)
	it.valid = len(it.path) > 0
}

// Next advances to the next key in order.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	for len(it.path) > 0 {
		top := &it.path[len(it.path)-1]
		if top.branch == leafBranch {
			it.path = it.path[:len(it.path)-1]
			continue
		}
		inner := it.trie.readInner(top.id)
		var nextNibble int = -1
		start := 0
		if top.branch != valueBranch {
			start = top.branch + 1
		}
		for b := start; b < 64; b++ {
			if inner.Branches&(uint64(1)<<b) != 0 {
				nextNibble = b
				break
			}
		}
		if nextNibble == -1 {
			it.path = it.path[:len(it.path)-1]
			continue
		}
		top.branch = nextNibble
		idx, _ := inner.slotIndex(byte(nextNibble))
		it.descendLeftmost(inner.ChildIDs[idx])
		it.valid = true
		return
	}
	it.valid = false
}

// Prev retreats to the previous key in order.
func (it *Iterator) Prev() {
	if !it.valid {
		return
	}
	for len(it.path) > 0 {
		top := &it.path[len(it.path)-1]
		if top.branch == leafBranch {
			it.path = it.path[:len(it.path)-1]
			continue
		}
		if top.branch == valueBranch {
			it.path = it.path[:len(it.path)-1]
			continue
		}
		inner := it.trie.readInner(top.id)
		prevNibble := -1
		for b := top.branch - 1; b >= 0; b-- {
			if inner.Branches&(uint64(1)<<b) != 0 {
				prevNibble = b
				break
			}
		}
		if prevNibble == -1 {
			if inner.HasValue {
				top.branch = valueBranch
				it.valid = true
				return
			}
			it.path = it.path[:len(it.path)-1]
			continue
		}
		top.branch = prevNibble
		idx, _ := inner.slotIndex(byte(prevNibble))
		it.descendRightmost(inner.ChildIDs[idx])
		it.valid = true
		return
	}
	it.valid = false
}

// Find positions the iterator exactly at key, or invalidates it.
func (it *Iterator) Find(key []byte) {
	it.seekTo(key)
	if it.valid {
		if string(it.Key()) != string(key) {
			it.valid = false
		}
	}
}

// LowerBound positions the iterator at the smallest key >= key.
func (it *Iterator) LowerBound(key []byte) {
	it.seekTo(key)
}

// LastWithPrefix positions the iterator at the largest key starting
// with prefix.
func (it *Iterator) LastWithPrefix(prefix []byte) {
	nibbles := encodeNibbles(prefix)
	it.path = it.path[:0]
	id := it.root
	for id.Valid() {
		if it.trie.kindOf(id) == NodeKindLeaf {
			leaf := it.trie.readLeaf(id)
			if hasPrefix(leaf.KeySuffix, nibbles) {
				it.path = append(it.path, pathEntry{id: id, branch: leafBranch})
			} else {
				it.path = it.path[:0]
			}
			break
		}
		inner := it.trie.readInner(id)
		pl := len(inner.Prefix)
		cp := commonPrefixLen(inner.Prefix, nibbles)
		if cp < pl && cp < len(nibbles) {
			it.path = it.path[:0]
			break
		}
		if len(nibbles) <= pl {
			if hasPrefix(inner.Prefix, nibbles) {
				it.descendRightmost(id)
			}
			break
		}
		nibble := nibbles[pl]
		idx, ok := inner.slotIndex(nibble)
		if !ok {
			it.path = it.path[:0]
			break
		}
		it.path = append(it.path, pathEntry{id: id, branch: int(nibble)})
		nibbles = nibbles[pl+1:]
		id = inner.ChildIDs[idx]
	}
	it.valid = len(it.path) > 0
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// seekTo is the shared implementation for Find/LowerBound: descend
// following the key, landing on the first key that compares >= key.
// Find additionally checks the result for exact equality.
func (it *Iterator) seekTo(key []byte) {
	nibbles := encodeNibbles(key)
	it.path = it.path[:0]
	id := it.root
	for id.Valid() {
		if it.trie.kindOf(id) == NodeKindLeaf {
			leaf := it.trie.readLeaf(id)
			if compareBytes(leaf.KeySuffix, nibbles) >= 0 {
				it.path = append(it.path, pathEntry{id: id, branch: leafBranch})
				break
			}
			// leaf sorts before key: continue after it
			it.valid = len(it.path) > 0
			it.Next()
			return
		}
		inner := it.trie.readInner(id)
		pl := len(inner.Prefix)
		cp := commonPrefixLen(inner.Prefix, nibbles)
		if cp < pl {
			if cp < len(nibbles) && inner.Prefix[cp] < nibbles[cp] {
				// entire subtree sorts before key: continue after it
				it.valid = len(it.path) > 0
				it.Next()
				return
			}
			// entire subtree sorts after key
			it.descendLeftmost(id)
			it.valid = len(it.path) > 0
			return
		}
		if len(nibbles) == pl {
			if inner.HasValue {
				it.path = append(it.path, pathEntry{id: id, branch: valueBranch})
				it.valid = true
				return
			}
			it.descendLeftmost(id)
			it.valid = len(it.path) > 0
			return
		}
		nibble := nibbles[pl]
		idx, ok := inner.slotIndex(nibble)
		if !ok {
			// land on the next populated branch above nibble, if any
			nextNibble := -1
			for b := int(nibble) + 1; b < 64; b++ {
				if inner.Branches&(uint64(1)<<b) != 0 {
					nextNibble = b
					break
				}
			}
			if nextNibble == -1 {
				it.path = append(it.path, pathEntry{id: id, branch: highBranchSentinel})
				it.valid = true
				it.Next()
				return
			}
			idx2, _ := inner.slotIndex(byte(nextNibble))
			it.path = append(it.path, pathEntry{id: id, branch: nextNibble})
			it.descendLeftmost(inner.ChildIDs[idx2])
			it.valid = len(it.path) > 0
			return
		}
		it.path = append(it.path, pathEntry{id: id, branch: int(nibble)})
		nibbles = nibbles[pl+1:]
		id = inner.ChildIDs[idx]
	}
	it.valid = len(it.path) > 0
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// First/Last/Find/LowerBound/LastWithPrefix convenience constructors
// exposed at the session level.

func (s *ReadSession) First() *Iterator {
	it := newIterator(s.trie, s.root)
	it.First()
	return it
}

func (s *ReadSession) Last() *Iterator {
	it := newIterator(s.trie, s.root)
	it.Last()
	return it
}

func (s *ReadSession) Find(key []byte) *Iterator {
	it := newIterator(s.trie, s.root)
	it.Find(key)
	return it
}

func (s *ReadSession) LowerBound(key []byte) *Iterator {
	it := newIterator(s.trie, s.root)
	it.LowerBound(key)
	return it
}

func (s *ReadSession) LastWithPrefix(prefix []byte) *Iterator {
	it := newIterator(s.trie, s.root)
	it.LastWithPrefix(prefix)
	return it
}
