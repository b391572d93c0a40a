package storage

import "bytes"

import "testing"

func TestEncodeDecodeNibbles_RoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("a"),
		[]byte("hello"),
		[]byte("hello, world!"),
		{0x00, 0xFF, 0x10, 0xAB, 0xCD, 0xEF},
		bytes.Repeat([]byte{0x5A}, 37),
	}

	for _, c := range cases {
		nibbles := encodeNibbles(c)
		for _, nb := range nibbles {
			if nb > 63 {
				t.Fatalf("nibble %d out of range for input %v", nb, c)
			}
		}
		got := decodeNibbles(nibbles, len(c))
		if !bytes.Equal(got, c) {
			t.Errorf("round trip mismatch: input %v, got %v", c, got)
		}
	}
}

func TestCommonPrefixLen(t *testing.T) {
	cases := []struct {
		a, b []byte
		want int
	}{
		{[]byte{1, 2, 3}, []byte{1, 2, 3}, 3},
		{[]byte{1, 2, 3}, []byte{1, 2, 4}, 2},
		{[]byte{1, 2, 3}, []byte{1, 2}, 2},
		{nil, []byte{1}, 0},
		{[]byte{}, []byte{}, 0},
	}
	for _, c := range cases {
		if got := commonPrefixLen(c.a, c.b); got != c.want {
			t.Errorf("commonPrefixLen(%v, %v) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestEncodeDecodeLeaf_RoundTrip(t *testing.T) {
	n := &leafNode{KeySuffix: []byte{1, 2, 3, 4}, Value: []byte("the quick brown fox")}
	got := decodeLeaf(encodeLeaf(n))
	if !bytes.Equal(got.KeySuffix, n.KeySuffix) {
		t.Errorf("key suffix mismatch: got %v, want %v", got.KeySuffix, n.KeySuffix)
	}
	if !bytes.Equal(got.Value, n.Value) {
		t.Errorf("value mismatch: got %q, want %q", got.Value, n.Value)
	}
}

func TestEncodeDecodeInner_RoundTrip(t *testing.T) {
	n := &innerNode{
		Prefix:   []byte{1, 2, 3},
		HasValue: true,
		ValueID:  42,
		Branches: (1 << 5) | (1 << 10) | (1 << 63),
		Version:  7,
		ChildIDs: []ObjectID{100, 200, 300},
	}
	encoded := encodeInner(n)
	if len(encoded) != encodedInnerSize(len(n.Prefix), n.childCount()) {
		t.Errorf("encodedInnerSize mismatch: got len %d, predicted %d", len(encoded), encodedInnerSize(len(n.Prefix), n.childCount()))
	}
	got := decodeInner(encoded)
	if !bytes.Equal(got.Prefix, n.Prefix) {
		t.Errorf("prefix mismatch: got %v, want %v", got.Prefix, n.Prefix)
	}
	if got.HasValue != n.HasValue || got.ValueID != n.ValueID {
		t.Errorf("value fields mismatch: got (%v, %d), want (%v, %d)", got.HasValue, got.ValueID, n.HasValue, n.ValueID)
	}
	if got.Branches != n.Branches || got.Version != n.Version {
		t.Errorf("branches/version mismatch")
	}
	if len(got.ChildIDs) != len(n.ChildIDs) {
		t.Fatalf("child count mismatch: got %d, want %d", len(got.ChildIDs), len(n.ChildIDs))
	}
	for i := range n.ChildIDs {
		if got.ChildIDs[i] != n.ChildIDs[i] {
			t.Errorf("child %d mismatch: got %d, want %d", i, got.ChildIDs[i], n.ChildIDs[i])
		}
	}
}

func TestInnerNode_SlotIndex(t *testing.T) {
	n := &innerNode{Branches: (1 << 2) | (1 << 5) | (1 << 9)}
	idx, ok := n.slotIndex(5)
	if !ok || idx != 1 {
		t.Errorf("slotIndex(5) = (%d, %v), want (1, true)", idx, ok)
	}
	if _, ok := n.slotIndex(6); ok {
		t.Errorf("slotIndex(6) should report absent")
	}
	if got := n.insertIndex(7); got != 2 {
		t.Errorf("insertIndex(7) = %d, want 2", got)
	}
}
