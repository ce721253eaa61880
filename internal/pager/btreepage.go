package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// B+tree node records
// ───────────────────────────────────────────────────────────────────────────
// Internal and leaf pages are slotted pages whose records are, respectively,
// an InternalEntry (key + child pointer) or a LeafEntry (key + row payload,
// possibly spilled to an overflow chain). Keys are opaque length-prefixed
// byte strings so a single node implementation serves both single-column and
// composite-lexicographic-tuple keys.

// InternalEntry is one (separator key, left-child) pair. The tree's
// right-most child of an internal node is the page header's RightSibling-
// style "last child" pointer stored via LastChild below instead of an entry
// (N keys, N+1 children).
type InternalEntry struct {
	Key   []byte
	Child PageID
}

// LeafEntry is one (key, payload) pair. If Overflow != InvalidPageID the
// payload is empty here and must be read from the overflow chain.
type LeafEntry struct {
	Key      []byte
	Payload  []byte
	Overflow PageID
}

// MarshalInternalEntry encodes e as: keyLen(2) key childPageID(8).
func MarshalInternalEntry(e InternalEntry) []byte {
	buf := make([]byte, 2+len(e.Key)+8)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(e.Key)))
	copy(buf[2:], e.Key)
	binary.LittleEndian.PutUint64(buf[2+len(e.Key):], uint64(e.Child))
	return buf
}

// UnmarshalInternalEntry decodes an InternalEntry from buf.
func UnmarshalInternalEntry(buf []byte) (InternalEntry, error) {
	if len(buf) < 2 {
		return InternalEntry{}, fmt.Errorf("internal entry truncated")
	}
	klen := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) < 2+klen+8 {
		return InternalEntry{}, fmt.Errorf("internal entry truncated")
	}
	key := make([]byte, klen)
	copy(key, buf[2:2+klen])
	child := PageID(binary.LittleEndian.Uint64(buf[2+klen:]))
	return InternalEntry{Key: key, Child: child}, nil
}

// MarshalLeafEntry encodes e as: keyLen(2) key overflowPageID(8) payloadLen(4) payload.
// When Overflow != InvalidPageID, payload is empty and the value lives in the overflow chain.
func MarshalLeafEntry(e LeafEntry) []byte {
	buf := make([]byte, 2+len(e.Key)+8+4+len(e.Payload))
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Key)))
	off += 2
	copy(buf[off:], e.Key)
	off += len(e.Key)
	binary.LittleEndian.PutUint64(buf[off:], uint64(e.Overflow))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Payload)))
	off += 4
	copy(buf[off:], e.Payload)
	return buf
}

// UnmarshalLeafEntry decodes a LeafEntry from buf.
func UnmarshalLeafEntry(buf []byte) (LeafEntry, error) {
	if len(buf) < 2 {
		return LeafEntry{}, fmt.Errorf("leaf entry truncated")
	}
	off := 0
	klen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+klen+8+4 {
		return LeafEntry{}, fmt.Errorf("leaf entry truncated")
	}
	key := make([]byte, klen)
	copy(key, buf[off:off+klen])
	off += klen
	overflow := PageID(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	plen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+plen {
		return LeafEntry{}, fmt.Errorf("leaf entry truncated")
	}
	payload := make([]byte, plen)
	copy(payload, buf[off:off+plen])
	return LeafEntry{Key: key, Payload: payload, Overflow: overflow}, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Node wrapper
// ───────────────────────────────────────────────────────────────────────────

// Node wraps a slotted page as a B+tree internal or leaf node.
// Internal nodes store N keys and N+1 children: N entries of (key,
// leftChild) plus a trailing LastChild pointer held in the page header's
// RightSibling field (repurposed as "last child" for internal pages; leaf
// pages use the same field as the right-sibling leaf pointer — the two page
// kinds never share a liveness window so the field's meaning is
// kind-dependent, never ambiguous).
type Node struct {
	sp   *SlottedPage
	kind PageKind
}

// WrapNode wraps buf as a B+tree node. buf must already be an initialized
// slotted page of kind PageKindInternal or PageKindLeaf.
func WrapNode(buf []byte) (*Node, error) {
	k := pageKind(buf)
	if k != PageKindInternal && k != PageKindLeaf {
		return nil, fmt.Errorf("pager: page is not a btree node (kind=%s)", k)
	}
	return &Node{sp: WrapSlottedPage(buf), kind: k}, nil
}

// InitNode initializes buf as a fresh internal or leaf node.
func InitNode(buf []byte, kind PageKind) *Node {
	InitSlottedPage(buf, kind)
	return &Node{sp: WrapSlottedPage(buf), kind: kind}
}

func (n *Node) IsLeaf() bool   { return n.kind == PageKindLeaf }
func (n *Node) KeyCount() int  { return n.sp.SlotCount() }
func (n *Node) Bytes() []byte  { return n.sp.Bytes() }
func (n *Node) FreeSpace() int { return n.sp.FreeSpace() }

// LastChild / SetLastChild (internal nodes) reuse the header's sibling slot.
func (n *Node) LastChild() PageID {
	h, _ := UnmarshalHeader(n.sp.Bytes())
	return h.RightSibling
}

func (n *Node) SetLastChild(id PageID) {
	binary.LittleEndian.PutUint32(n.sp.Bytes()[24:28], uint32(id))
}

// NextLeaf / SetNextLeaf (leaf nodes) — forward chain for range scans.
func (n *Node) NextLeaf() PageID {
	h, _ := UnmarshalHeader(n.sp.Bytes())
	return h.RightSibling
}

func (n *Node) SetNextLeaf(id PageID) {
	binary.LittleEndian.PutUint32(n.sp.Bytes()[24:28], uint32(id))
}

// Internal entry access ------------------------------------------------------

func (n *Node) GetInternalEntry(i int) (InternalEntry, error) {
	raw := n.sp.GetRecord(i)
	if raw == nil {
		return InternalEntry{}, fmt.Errorf("pager: tombstone slot %d", i)
	}
	return UnmarshalInternalEntry(raw)
}

// SearchInternal returns the index of the first entry whose key is > key
// (i.e. the child to descend into is that entry's Child, or LastChild if
// no such entry exists), using cmp for key ordering.
func (n *Node) SearchInternal(key []byte, cmp KeyCompare) int {
	lo, hi := 0, n.KeyCount()
	for lo < hi {
		mid := (lo + hi) / 2
		e, err := n.GetInternalEntry(mid)
		if err != nil {
			hi = mid
			continue
		}
		if cmp(key, e.Key) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// ChildForKey returns the page to descend into for key. Internal nodes are
// laid out as child_0 | key_0 | child_1 | key_1 |... | key_{N-1} | LastChild,
// where child_i is the left child of key_i: every key in that subtree is
// < key_i (and, for i>0, >= key_{i-1}). SearchInternal(key) gives the index
// of the first key strictly greater than key — that entry's Child is exactly
// the subtree key belongs in; if no such key exists, LastChild holds it.
func (n *Node) ChildForKey(key []byte, cmp KeyCompare) (PageID, error) {
	pos := n.SearchInternal(key, cmp)
	if pos == n.KeyCount() {
		return n.LastChild(), nil
	}
	e, err := n.GetInternalEntry(pos)
	if err != nil {
		return InvalidPageID, err
	}
	return e.Child, nil
}

// InsertInternalEntry inserts e in sorted position.
func (n *Node) InsertInternalEntry(e InternalEntry, cmp KeyCompare) error {
	pos := n.SearchInternal(e.Key, cmp)
	return n.sp.InsertRecordAt(pos, MarshalInternalEntry(e))
}

// DeleteInternalEntry removes the entry at position i.
func (n *Node) DeleteInternalEntry(i int) error { return n.sp.DeleteRecordAt(i) }

// Leaf entry access -----------------------------------------------------------

func (n *Node) GetLeafEntry(i int) (LeafEntry, error) {
	raw := n.sp.GetRecord(i)
	if raw == nil {
		return LeafEntry{}, fmt.Errorf("pager: tombstone slot %d", i)
	}
	return UnmarshalLeafEntry(raw)
}

// SearchLeaf returns (index, found) for key using binary search.
func (n *Node) SearchLeaf(key []byte, cmp KeyCompare) (int, bool) {
	lo, hi := 0, n.KeyCount()
	for lo < hi {
		mid := (lo + hi) / 2
		e, err := n.GetLeafEntry(mid)
		if err != nil {
			hi = mid
			continue
		}
		c := cmp(key, e.Key)
		if c == 0 {
			return mid, true
		} else if c < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, false
}

// InsertLeafEntry inserts e in sorted position, replacing the existing
// record in place when key is already present.
func (n *Node) InsertLeafEntry(e LeafEntry, cmp KeyCompare) error {
	pos, found := n.SearchLeaf(e.Key, cmp)
	if found {
		return n.sp.UpdateRecord(pos, MarshalLeafEntry(e))
	}
	return n.sp.InsertRecordAt(pos, MarshalLeafEntry(e))
}

func (n *Node) DeleteLeafEntry(i int) error { return n.sp.DeleteRecordAt(i) }

// AllLeafEntries returns every live entry in slot order.
func (n *Node) AllLeafEntries() ([]LeafEntry, error) {
	out := make([]LeafEntry, 0, n.KeyCount())
	for i := 0; i < n.KeyCount(); i++ {
		e, err := n.GetLeafEntry(i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// AllInternalEntries returns every live entry in slot order.
func (n *Node) AllInternalEntries() ([]InternalEntry, error) {
	out := make([]InternalEntry, 0, n.KeyCount())
	for i := 0; i < n.KeyCount(); i++ {
		e, err := n.GetInternalEntry(i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// FirstKey returns the smallest key in this node (leaf or internal).
func (n *Node) FirstKey() ([]byte, error) {
	if n.KeyCount() == 0 {
		return nil, fmt.Errorf("pager: empty node")
	}
	if n.IsLeaf() {
		e, err := n.GetLeafEntry(0)
		return e.Key, err
	}
	e, err := n.GetInternalEntry(0)
	return e.Key, err
}
