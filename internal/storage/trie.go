package storage

import "bytes"

// Trie implements the radix-64 Patricia trie described by the object
// db and region allocator beneath it. A Trie holds no version of its
// own: Upsert and Remove take the writer's version on each call and
// mutate in place only nodes stamped with it; reads never mutate.
type Trie struct {
	ids     *ObjectDB
	arena   *RegionAllocator
	session *gcSession
}

func newTrie(ids *ObjectDB, arena *RegionAllocator, session *gcSession) *Trie {
	return &Trie{ids: ids, arena: arena, session: session}
}

func (t *Trie) location(id ObjectID) objectLocation {
	return t.ids.Get(id).location
}

func (t *Trie) kindOf(id ObjectID) NodeKind {
	return t.ids.Get(id).kind
}

func (t *Trie) readLeaf(id ObjectID) *leafNode {
	return decodeLeaf(t.arena.Object(t.location(id)))
}

func (t *Trie) readInner(id ObjectID) *innerNode {
	return decodeInner(t.arena.Object(t.location(id)))
}

func (t *Trie) allocLeaf(n *leafNode) (ObjectID, error) {
	bytes := encodeLeaf(n)
	var id ObjectID
	lock, err := t.ids.Alloc(t.session, NodeKindLeaf)
	if err != nil {
		return 0, err
	}
	id = lock.ID()
	err = t.arena.Allocate(t.session, id, uint32(len(bytes)), func(dst []byte, loc objectLocation) {
		copy(dst, bytes)
		lock.Move(loc)
	})
	if err != nil {
		return 0, err
	}
	lock.IntoUnlockUnchecked()
	return id, nil
}

func (t *Trie) allocInner(n *innerNode) (ObjectID, error) {
	encoded := encodeInner(n)
	lock, err := t.ids.Alloc(t.session, NodeKindInner)
	if err != nil {
		return 0, err
	}
	id := lock.ID()
	err = t.arena.Allocate(t.session, id, uint32(len(encoded)), func(dst []byte, loc objectLocation) {
		copy(dst, encoded)
		lock.Move(loc)
	})
	if err != nil {
		return 0, err
	}
	lock.IntoUnlockUnchecked()
	return id, nil
}

// release drops id's reference. Once the count hits zero, an inner
// node's value and every child are released in turn before its own
// arena bytes are freed through the region allocator, so releasing a
// root always drains every id reachable only from it.
func (t *Trie) release(id ObjectID) {
	if !id.Valid() {
		return
	}
	info := t.ids.Release(id)
	if info.ref != 1 {
		return
	}
	if info.kind == NodeKindInner {
		inner := decodeInner(t.arena.Object(info.location))
		if inner.HasValue {
			t.release(inner.ValueID)
		}
		for _, c := range inner.ChildIDs {
			t.release(c)
		}
	}
	t.arena.Deallocate(info.location)
}

// retainChildren bumps the ref count of every child id an inner node
// still references, used when cloning a node for copy-on-write so the
// new node shares (rather than steals) its unchanged subtrees.
func (t *Trie) retainChildren(n *innerNode) {
	if n.HasValue && n.ValueID.Valid() {
		if !t.ids.Retain(n.ValueID) {
			panic("storage: ref count saturated retaining inner value")
		}
	}
	for _, c := range n.ChildIDs {
		if !t.ids.Retain(c) {
			panic("storage: ref count saturated retaining child")
		}
	}
}

// retainAllChildren unconditionally retains every one of orig's child
// ids ahead of an allocation that shares them with an independent
// clone. The caller that is actually replacing one of those slots
// releases it again right after the recursive call that produced the
// replacement returns; every other slot's extra reference is left in
// place to be reconciled when orig's own id is eventually released.
func (t *Trie) retainAllChildren(orig *innerNode) {
	for _, c := range orig.ChildIDs {
		if !t.ids.Retain(c) {
			panic("storage: ref count saturated retaining child")
		}
	}
}

// retainUnchangedValue retains clone's value id when it is the same
// one orig already held, so both nodes can independently own it. When
// the value itself changed, orig's old value is left for orig's own
// eventual release to reclaim instead.
func (t *Trie) retainUnchangedValue(orig, clone *innerNode) {
	if clone.HasValue && clone.ValueID.Valid() && orig.HasValue && orig.ValueID == clone.ValueID {
		if !t.ids.Retain(clone.ValueID) {
			panic("storage: ref count saturated retaining inner value")
		}
	}
}

// Get performs a linear descent for key, returning its value and true
// if present.
func (t *Trie) Get(root ObjectID, key []byte) ([]byte, bool) {
	nibbles := encodeNibbles(key)
	id := root
	for id.Valid() {
		switch t.kindOf(id) {
		case NodeKindLeaf:
			leaf := t.readLeaf(id)
			if bytes.Equal(leaf.KeySuffix, nibbles) {
				return leaf.Value, true
			}
			return nil, false
		case NodeKindInner:
			inner := t.readInner(id)
			pl := len(inner.Prefix)
			if len(nibbles) < pl || !bytes.Equal(inner.Prefix, nibbles[:pl]) {
				return nil, false
			}
			if len(nibbles) == pl {
				if inner.HasValue {
					return t.readLeaf(inner.ValueID).Value, true
				}
				return nil, false
			}
			nibble := nibbles[pl]
			idx, ok := inner.slotIndex(nibble)
			if !ok {
				return nil, false
			}
			id = inner.ChildIDs[idx]
			nibbles = nibbles[pl+1:]
		default:
			return nil, false
		}
	}
	return nil, false
}

// Upsert inserts or replaces key's value, returning the new subtree
// root and the size of the previous value (-1 if key was absent).
func (t *Trie) Upsert(root ObjectID, version uint64, key, value []byte) (newRoot ObjectID, previousSize int, err error) {
	nibbles := encodeNibbles(key)
	newRoot, previousSize, err = t.addChild(root, version, nibbles, value)
	if err == nil && newRoot != root {
		t.release(root)
	}
	return newRoot, previousSize, err
}

func (t *Trie) addChild(root ObjectID, version uint64, nibbles, value []byte) (ObjectID, int, error) {
	if !root.Valid() {
		id, err := t.allocLeaf(&leafNode{KeySuffix: append([]byte(nil), nibbles...), Value: value})
		return id, -1, err
	}

	switch t.kindOf(root) {
	case NodeKindLeaf:
		leaf := t.readLeaf(root)
		if bytes.Equal(leaf.KeySuffix, nibbles) {
			prev := len(leaf.Value)
			newID, err := t.allocLeaf(&leafNode{KeySuffix: nibbles, Value: value})
			if err != nil {
				return 0, 0, err
			}
			return newID, prev, nil
		}
		newID, err := t.combineValueNodes(root, leaf.KeySuffix, nibbles, value)
		return newID, -1, err

	case NodeKindInner:
		inner := t.readInner(root)
		pl := len(inner.Prefix)
		cp := commonPrefixLen(inner.Prefix, nibbles)

		if cp == pl && cp == len(nibbles) {
			// exact prefix match: set/replace the inner value
			prev := -1
			var newValueID ObjectID
			var err error
			if inner.HasValue {
				prev = len(t.readLeaf(inner.ValueID).Value)
			}
			newValueID, err = t.allocLeaf(&leafNode{KeySuffix: nil, Value: value})
			if err != nil {
				return 0, 0, err
			}
			clone := *inner
			clone.HasValue = true
			clone.ValueID = newValueID
			clone.Version = version
			newID, err := t.storeInner(root, inner, &clone, version)
			return newID, prev, err
		}

		if cp == pl {
			// prefix is a strict prefix of the key: recurse into child
			nibble := nibbles[pl]
			rest := nibbles[pl+1:]
			idx, ok := inner.slotIndex(nibble)
			clone := *inner
			clone.ChildIDs = append([]ObjectID(nil), inner.ChildIDs...)
			clone.Prefix = append([]byte(nil), inner.Prefix...)

			if ok {
				childID := inner.ChildIDs[idx]
				newChild, prev, err := t.addChild(childID, version, rest, value)
				if err != nil {
					return 0, 0, err
				}
				clone.ChildIDs[idx] = newChild
				clone.Version = version
				newID, err := t.storeInner(root, inner, &clone, version)
				if err != nil {
					return 0, 0, err
				}
				if newChild != childID {
					t.release(childID)
				}
				return newID, prev, nil
			}

			newChild, err := t.allocLeaf(&leafNode{KeySuffix: append([]byte(nil), rest...), Value: value})
			if err != nil {
				return 0, 0, err
			}
			newIdx := inner.insertIndex(nibble)
			clone.Branches = inner.Branches | (uint64(1) << nibble)
			clone.ChildIDs = append(clone.ChildIDs[:newIdx:newIdx], append([]ObjectID{newChild}, clone.ChildIDs[newIdx:]...)...)
			clone.Version = version
			newID, err := t.storeInner(root, inner, &clone, version)
			return newID, -1, err
		}

		// prefix diverges from the key at nibble cp: split
		newLeaf, err := t.allocLeaf(&leafNode{KeySuffix: append([]byte(nil), nibbles[cp+1:]...), Value: value})
		if err != nil {
			return 0, 0, err
		}
		splitNibble := inner.Prefix[cp]
		restPrefix := append([]byte(nil), inner.Prefix[cp+1:]...)
		existingClone := *inner
		existingClone.Prefix = restPrefix
		t.retainChildren(&existingClone)
		existingID, err := t.storeInnerAsNew(&existingClone)
		if err != nil {
			return 0, 0, err
		}

		var branches uint64
		var children []ObjectID
		keyNibble := nibbles[cp]
		if keyNibble < splitNibble {
			branches = (uint64(1) << keyNibble) | (uint64(1) << splitNibble)
			children = []ObjectID{newLeaf, existingID}
		} else {
			branches = (uint64(1) << splitNibble) | (uint64(1) << keyNibble)
			children = []ObjectID{existingID, newLeaf}
		}
		split := &innerNode{
			Prefix:   append([]byte(nil), nibbles[:cp]...),
			Branches: branches,
			ChildIDs: children,
			Version:  version,
		}
		newID, err := t.storeInnerAsNew(split)
		if err != nil {
			return 0, 0, err
		}
		return newID, -1, nil
	}
	return 0, 0, ErrCorrupted
}

// combineValueNodes builds the minimal inner node whose prefix is the
// common prefix of two leaves' key suffixes.
func (t *Trie) combineValueNodes(existingID ObjectID, existingSuffix, newSuffix, newValue []byte) (ObjectID, error) {
	cp := commonPrefixLen(existingSuffix, newSuffix)

	var branches uint64
	var children []ObjectID
	var hasValue bool
	var valueID ObjectID

	existingTail := existingSuffix[cp:]
	newTail := newSuffix[cp:]

	switch {
	case len(existingTail) == 0 && len(newTail) == 0:
		// identical suffixes handled by caller before reaching here
		return 0, ErrCorrupted
	case len(existingTail) == 0:
		// existing key terminates exactly at this prefix: becomes the inner value
		hasValue = true
		existingLeaf := t.readLeaf(existingID)
		var err error
		valueID, err = t.allocLeaf(&leafNode{KeySuffix: nil, Value: existingLeaf.Value})
		if err != nil {
			return 0, err
		}
		newLeafID, err := t.allocLeaf(&leafNode{KeySuffix: append([]byte(nil), newTail[1:]...), Value: newValue})
		if err != nil {
			return 0, err
		}
		nb := newTail[0]
		branches = uint64(1) << nb
		children = []ObjectID{newLeafID}
	case len(newTail) == 0:
		hasValue = true
		var err error
		valueID, err = t.allocLeaf(&leafNode{KeySuffix: nil, Value: newValue})
		if err != nil {
			return 0, err
		}
		nb := existingTail[0]
		branches = uint64(1) << nb
		reslicedExisting, err := t.resliceLeaf(existingID, existingTail[1:])
		if err != nil {
			return 0, err
		}
		children = []ObjectID{reslicedExisting}
	default:
		eb, nb := existingTail[0], newTail[0]
		reslicedExisting, err := t.resliceLeaf(existingID, existingTail[1:])
		if err != nil {
			return 0, err
		}
		newLeafTail, err := t.allocLeaf(&leafNode{KeySuffix: append([]byte(nil), newTail[1:]...), Value: newValue})
		if err != nil {
			return 0, err
		}
		if eb < nb {
			branches = (uint64(1) << eb) | (uint64(1) << nb)
			children = []ObjectID{reslicedExisting, newLeafTail}
		} else {
			branches = (uint64(1) << nb) | (uint64(1) << eb)
			children = []ObjectID{newLeafTail, reslicedExisting}
		}
	}

	node := &innerNode{
		Prefix:   append([]byte(nil), existingSuffix[:cp]...),
		HasValue: hasValue,
		ValueID:  valueID,
		Branches: branches,
		ChildIDs: children,
	}
	return t.allocInner(node)
}

// resliceLeaf returns a leaf holding newSuffix and value, reusing
// existingID's value bytes. existingID itself is left for whichever
// caller is replacing it to release, same as any other superseded id.
func (t *Trie) resliceLeaf(existingID ObjectID, newSuffix []byte) (ObjectID, error) {
	leaf := t.readLeaf(existingID)
	id, err := t.allocLeaf(&leafNode{KeySuffix: append([]byte(nil), newSuffix...), Value: leaf.Value})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// storeInner publishes clone as the replacement for orig/origID. If
// origID was created under this writer's version and the encoding is
// the same size, its allocation is reused in place and any value
// clone no longer holds is released (nothing else will ever free it,
// since origID itself survives). Otherwise a fresh id is allocated:
// every one of orig's children is retained unconditionally, since
// clone now shares them independently, and orig's unchanged value is
// retained too; origID itself is left for whichever caller holds it
// to release once it compares the returned id against its own,
// exactly the way a replaced child is handled one level up.
func (t *Trie) storeInner(origID ObjectID, orig, clone *innerNode, version uint64) (ObjectID, error) {
	if orig.Version == version {
		encoded := encodeInner(clone)
		if len(encoded) == len(encodeInner(orig)) {
			if orig.HasValue && orig.ValueID.Valid() && (!clone.HasValue || clone.ValueID != orig.ValueID) {
				t.release(orig.ValueID)
			}
			copy(t.arena.Object(t.location(origID)), encoded)
			return origID, nil
		}
	}
	newID, err := t.allocInner(clone)
	if err != nil {
		return 0, err
	}
	t.retainAllChildren(orig)
	t.retainUnchangedValue(orig, clone)
	return newID, nil
}

func (t *Trie) storeInnerAsNew(n *innerNode) (ObjectID, error) {
	return t.allocInner(n)
}

// Remove deletes key, returning the new subtree root and the removed
// value's size (-1 if key was absent).
func (t *Trie) Remove(root ObjectID, version uint64, key []byte) (newRoot ObjectID, previousSize int, err error) {
	nibbles := encodeNibbles(key)
	newRoot, previousSize, err = t.removeChild(root, version, nibbles)
	if err == nil && newRoot != root {
		t.release(root)
	}
	return newRoot, previousSize, err
}

func (t *Trie) removeChild(root ObjectID, version uint64, nibbles []byte) (ObjectID, int, error) {
	if !root.Valid() {
		return 0, -1, nil
	}

	switch t.kindOf(root) {
	case NodeKindLeaf:
		leaf := t.readLeaf(root)
		if !bytes.Equal(leaf.KeySuffix, nibbles) {
			return root, -1, nil
		}
		return 0, len(leaf.Value), nil

	case NodeKindInner:
		inner := t.readInner(root)
		pl := len(inner.Prefix)
		cp := commonPrefixLen(inner.Prefix, nibbles)
		if cp != pl {
			return root, -1, nil
		}
		if len(nibbles) == pl {
			if !inner.HasValue {
				return root, -1, nil
			}
			prev := len(t.readLeaf(inner.ValueID).Value)
			clone := *inner
			clone.HasValue = false
			clone.ValueID = 0
			return t.finishRemove(root, inner, &clone, version, prev)
		}

		nibble := nibbles[pl]
		idx, ok := inner.slotIndex(nibble)
		if !ok {
			return root, -1, nil
		}
		childID := inner.ChildIDs[idx]
		newChild, prev, err := t.removeChild(childID, version, nibbles[pl+1:])
		if err != nil {
			return 0, 0, err
		}
		if prev == -1 {
			return root, -1, nil
		}

		clone := *inner
		clone.ChildIDs = append([]ObjectID(nil), inner.ChildIDs...)
		clone.Prefix = append([]byte(nil), inner.Prefix...)
		if newChild.Valid() {
			clone.ChildIDs[idx] = newChild
		} else {
			clone.Branches = inner.Branches &^ (uint64(1) << nibble)
			clone.ChildIDs = append(clone.ChildIDs[:idx], clone.ChildIDs[idx+1:]...)
		}
		newRoot, prevOut, err := t.finishRemove(root, inner, &clone, version, prev)
		if err != nil {
			return 0, 0, err
		}
		if newChild != childID {
			t.release(childID)
		}
		return newRoot, prevOut, nil
	}
	return root, -1, ErrCorrupted
}

// finishRemove collapses clone if it now has at most one branch and no
// inner value, then publishes it in place of root. Either way, rootID
// itself is left for whichever caller holds it to release, matching
// storeInner's handling of origID.
func (t *Trie) finishRemove(rootID ObjectID, orig, clone *innerNode, version uint64, prevSize int) (ObjectID, int, error) {
	if !clone.HasValue && clone.childCount() <= 1 {
		// Collapsing never calls storeInner, so rootID's cascade release
		// (whenever its holder lets go of it) will still walk orig's
		// untouched children. Retain them here so that release, plus
		// whatever this branch itself consumes below, nets out instead
		// of freeing a child twice.
		t.retainAllChildren(orig)
		if clone.childCount() == 0 {
			return 0, prevSize, nil
		}
		// exactly one branch and no value: merge prefix + branch nibble +
		// child's own prefix/suffix into a single node.
		childID := clone.ChildIDs[0]
		var nibble byte
		for b := 0; b < 64; b++ {
			if clone.Branches&(uint64(1)<<b) != 0 {
				nibble = byte(b)
				break
			}
		}
		merged, err := t.mergeChild(clone.Prefix, nibble, childID)
		if err != nil {
			return 0, 0, err
		}
		return merged, prevSize, nil
	}
	clone.Version = version
	newID, err := t.storeInner(rootID, orig, clone, version)
	if err != nil {
		return 0, 0, err
	}
	return newID, prevSize, nil
}

// mergeChild prepends prefix+nibble onto childID's own key material,
// reusing childID's value bytes but allocating a fresh node for the
// combined key (the original stays referenced by any other parent that
// shares it, so it cannot be mutated in place).
func (t *Trie) mergeChild(prefix []byte, nibble byte, childID ObjectID) (ObjectID, error) {
	combined := append(append([]byte(nil), prefix...), nibble)
	switch t.kindOf(childID) {
	case NodeKindLeaf:
		leaf := t.readLeaf(childID)
		newSuffix := append(combined, leaf.KeySuffix...)
		id, err := t.allocLeaf(&leafNode{KeySuffix: newSuffix, Value: leaf.Value})
		if err != nil {
			return 0, err
		}
		t.release(childID)
		return id, nil
	case NodeKindInner:
		child := t.readInner(childID)
		clone := *child
		clone.Prefix = append(combined, child.Prefix...)
		id, err := t.allocInner(&clone)
		if err != nil {
			return 0, err
		}
		t.retainChildren(child)
		t.release(childID)
		return id, nil
	}
	return 0, ErrCorrupted
}
