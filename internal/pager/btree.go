package pager

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// BTree — transactional B+tree built on top of the Pager
// ───────────────────────────────────────────────────────────────────────────
// Every mutation happens inside a transaction (txID) and is WAL-logged by
// the Pager automatically. Splits and merges rebuild the affected node(s)
// from a fully materialized, sorted entry list rather than patching slots
// in place — simpler to reason about than incremental slot surgery, and
// it compacts tombstones for free.
// Unlike a textbook implementation that only grows on insert, Delete here
// also rebalances: an undersized node borrows from a sibling if one has
// room to spare, or merges with it otherwise, propagating the shrink
// upward and collapsing the root when it is left with a single child.

// BTree represents one B+tree stored in the pager, identified by its root
// page ID (persisted by the catalog alongside the tree's schema).
type BTree struct {
	pager          *Pager
	root           PageID
	cmp            KeyCompare
	order          uint32 // max children per internal node; max keys = order-1
	overflowThresh int
}

func overflowThresholdFor(pageSize int) int {
	t := (pageSize - PageHeaderSize) / 4
	if t < 256 {
		t = 256
	}
	return t
}

func minKeysFor(order uint32) int {
	if order < 4 {
		order = 4
	}
	m := int((order+1)/2) - 1
	if m < 1 {
		m = 1
	}
	return m
}

// NewBTree creates a handle to an existing tree rooted at root.
func NewBTree(p *Pager, root PageID, cmp KeyCompare, order uint32) *BTree {
	if cmp == nil {
		cmp = Compare
	}
	return &BTree{pager: p, root: root, cmp: cmp, order: order, overflowThresh: overflowThresholdFor(p.pageSize)}
}

// CreateBTree allocates a new tree with an empty leaf root. Must run inside
// a transaction.
func CreateBTree(p *Pager, txID TxID, cmp KeyCompare, order uint32) (*BTree, error) {
	rootID, rootBuf := p.AllocPage()
	InitNode(rootBuf, PageKindLeaf)
	SetChecksum(rootBuf)
	if err := p.WritePage(txID, rootID, rootBuf); err != nil {
		return nil, err
	}
	p.UnpinPage(rootID)
	return NewBTree(p, rootID, cmp, order), nil
}

// Root returns the tree's current root page ID (it moves on split/collapse).
func (bt *BTree) Root() PageID { return bt.root }

// Pager returns the pager this tree reads and writes through.
func (bt *BTree) Pager() *Pager { return bt.pager }

func (bt *BTree) minKeys() int { return minKeysFor(bt.order) }

// maxKeys is the order-imposed key cap per node; page capacity still
// applies independently for large keys/values.
func (bt *BTree) maxKeys() int {
	if bt.order >= 2 {
		return int(bt.order) - 1
	}
	return 1 << 30
}

// ── Search ───────────────────────────────────────────────────────────────

// Get looks up a key, transparently dereferencing overflow chains.
func (bt *BTree) Get(key []byte) ([]byte, bool, error) {
	leafID, err := bt.findLeaf(key)
	if err != nil {
		return nil, false, err
	}
	buf, err := bt.pager.ReadPage(leafID)
	if err != nil {
		return nil, false, err
	}
	defer bt.pager.UnpinPage(leafID)

	node, err := WrapNode(buf)
	if err != nil {
		return nil, false, err
	}
	pos, found := node.SearchLeaf(key, bt.cmp)
	if !found {
		return nil, false, nil
	}
	entry, err := node.GetLeafEntry(pos)
	if err != nil {
		return nil, false, err
	}
	if entry.Overflow != InvalidPageID {
		val, err := bt.readOverflow(entry.Overflow)
		return val, true, err
	}
	return entry.Payload, true, nil
}

// leafPageLSN returns id's current page-LSN without parsing its entries,
// used by Cursor to detect a concurrent split/merge cheaply.
func (bt *BTree) leafPageLSN(id PageID) (LSN, error) {
	buf, err := bt.pager.ReadPage(id)
	if err != nil {
		return 0, err
	}
	lsn := pageLSN(buf)
	bt.pager.UnpinPage(id)
	return lsn, nil
}

func (bt *BTree) findLeaf(key []byte) (PageID, error) {
	id := bt.root
	for {
		buf, err := bt.pager.ReadPage(id)
		if err != nil {
			return InvalidPageID, err
		}
		node, err := WrapNode(buf)
		if err != nil {
			bt.pager.UnpinPage(id)
			return InvalidPageID, err
		}
		if node.IsLeaf() {
			bt.pager.UnpinPage(id)
			return id, nil
		}
		child, err := node.ChildForKey(key, bt.cmp)
		bt.pager.UnpinPage(id)
		if err != nil {
			return InvalidPageID, err
		}
		id = child
	}
}

// pathToLeaf returns the page IDs from root to (and including) the leaf
// holding key.
func (bt *BTree) pathToLeaf(key []byte) ([]PageID, error) {
	var path []PageID
	id := bt.root
	for {
		path = append(path, id)
		buf, err := bt.pager.ReadPage(id)
		if err != nil {
			return nil, err
		}
		node, err := WrapNode(buf)
		if err != nil {
			bt.pager.UnpinPage(id)
			return nil, err
		}
		if node.IsLeaf() {
			bt.pager.UnpinPage(id)
			return path, nil
		}
		child, err := node.ChildForKey(key, bt.cmp)
		bt.pager.UnpinPage(id)
		if err != nil {
			return nil, err
		}
		id = child
	}
}

// ── Insert ───────────────────────────────────────────────────────────────

// Insert adds or updates a key, spilling large values to an overflow chain.
func (bt *BTree) Insert(txID TxID, key, value []byte) error {
	entry := LeafEntry{Key: key, Overflow: InvalidPageID}
	if len(value) > bt.overflowThresh {
		head, err := bt.writeOverflow(txID, value)
		if err != nil {
			return err
		}
		entry.Overflow = head
	} else {
		entry.Payload = value
	}

	path, err := bt.pathToLeaf(key)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]
	buf, err := bt.pager.ReadPage(leafID)
	if err != nil {
		return err
	}
	node, err := WrapNode(buf)
	if err != nil {
		bt.pager.UnpinPage(leafID)
		return err
	}

	pos, found := node.SearchLeaf(key, bt.cmp)
	if found {
		old, _ := node.GetLeafEntry(pos)
		if old.Overflow != InvalidPageID {
			bt.freeOverflowChain(old.Overflow)
		}
	}
	if !found && node.KeyCount() >= bt.maxKeys() {
		bt.pager.UnpinPage(leafID)
		return bt.splitLeaf(txID, path, entry)
	}
	if err := node.InsertLeafEntry(entry, bt.cmp); err == nil {
		SetChecksum(buf)
		bt.pager.UnpinPage(leafID)
		return bt.pager.WritePage(txID, leafID, buf)
	}
	bt.pager.UnpinPage(leafID)
	return bt.splitLeaf(txID, path, entry)
}

func (bt *BTree) splitLeaf(txID TxID, path []PageID, newEntry LeafEntry) error {
	leafID := path[len(path)-1]
	buf, err := bt.pager.ReadPage(leafID)
	if err != nil {
		return err
	}
	node, err := WrapNode(buf)
	if err != nil {
		bt.pager.UnpinPage(leafID)
		return err
	}
	existing, err := node.AllLeafEntries()
	if err != nil {
		bt.pager.UnpinPage(leafID)
		return err
	}
	oldNext := node.NextLeaf()
	bt.pager.UnpinPage(leafID)

	merged := make([]LeafEntry, 0, len(existing)+1)
	inserted := false
	for _, e := range existing {
		if !inserted && bt.cmp(newEntry.Key, e.Key) < 0 {
			merged = append(merged, newEntry)
			inserted = true
		}
		if bt.cmp(e.Key, newEntry.Key) == 0 {
			if e.Overflow != InvalidPageID {
				bt.freeOverflowChain(e.Overflow)
			}
			continue // replaced by newEntry
		}
		merged = append(merged, e)
	}
	if !inserted {
		merged = append(merged, newEntry)
	}

	mid := len(merged) / 2
	leftEntries, rightEntries := merged[:mid], merged[mid:]

	leftBuf := make([]byte, bt.pager.pageSize)
	leftNode := InitNode(leftBuf, PageKindLeaf)
	for i, e := range leftEntries {
		if err := leftNode.sp.InsertRecordAt(i, MarshalLeafEntry(e)); err != nil {
			return fmt.Errorf("split leaf left: %w", err)
		}
	}
	rightID, rightBuf := bt.pager.AllocPage()
	rightNode := InitNode(rightBuf, PageKindLeaf)
	for i, e := range rightEntries {
		if err := rightNode.sp.InsertRecordAt(i, MarshalLeafEntry(e)); err != nil {
			return fmt.Errorf("split leaf right: %w", err)
		}
	}
	leftNode.SetNextLeaf(rightID)
	rightNode.SetNextLeaf(oldNext)

	SetChecksum(leftBuf)
	if err := bt.pager.WritePage(txID, leafID, leftBuf); err != nil {
		return err
	}
	SetChecksum(rightBuf)
	if err := bt.pager.WritePage(txID, rightID, rightBuf); err != nil {
		return err
	}

	sepKey := rightEntries[0].Key
	return bt.insertIntoParent(txID, path[:len(path)-1], leafID, sepKey, rightID)
}

// insertIntoParent records that leftID/rightID are now siblings separated
// by key, where leftID is the (possibly just-split) child that already
// occupies a slot in the parent at path's tail (or, if path is empty,
// leftID was the old root and a brand new root must be created).
func (bt *BTree) insertIntoParent(txID TxID, path []PageID, leftID PageID, key []byte, rightID PageID) error {
	if len(path) == 0 {
		return bt.createNewRoot(txID, leftID, key, rightID)
	}

	parentID := path[len(path)-1]
	buf, err := bt.pager.ReadPage(parentID)
	if err != nil {
		return err
	}
	node, err := WrapNode(buf)
	if err != nil {
		bt.pager.UnpinPage(parentID)
		return err
	}
	keys, children, err := bt.childLists(node)
	if err != nil {
		bt.pager.UnpinPage(parentID)
		return err
	}
	bt.pager.UnpinPage(parentID)

	idx := indexOfChild(children, leftID)
	if idx < 0 {
		return fmt.Errorf("pager: corrupt tree, child %d not found in parent %d", leftID, parentID)
	}
	newKeys := make([][]byte, 0, len(keys)+1)
	newKeys = append(newKeys, keys[:idx]...)
	newKeys = append(newKeys, key)
	newKeys = append(newKeys, keys[idx:]...)

	newChildren := make([]PageID, 0, len(children)+1)
	newChildren = append(newChildren, children[:idx+1]...)
	newChildren = append(newChildren, rightID)
	newChildren = append(newChildren, children[idx+1:]...)

	if len(newKeys) <= bt.maxKeys() {
		scratch := make([]byte, bt.pager.pageSize)
		if err := buildInternalNode(scratch, newKeys, newChildren); err == nil {
			SetChecksum(scratch)
			return bt.pager.WritePage(txID, parentID, scratch)
		}
	}

	// Parent full — split it, pushing the middle key further up.
	mid := len(newKeys) / 2
	pushUpKey := newKeys[mid]
	leftKeys, leftChildren := newKeys[:mid], newChildren[:mid+1]
	rightKeys, rightChildren := newKeys[mid+1:], newChildren[mid+1:]

	leftBuf := make([]byte, bt.pager.pageSize)
	if err := buildInternalNode(leftBuf, leftKeys, leftChildren); err != nil {
		return fmt.Errorf("split internal left: %w", err)
	}
	newRightID, rightBuf := bt.pager.AllocPage()
	if err := buildInternalNode(rightBuf, rightKeys, rightChildren); err != nil {
		return fmt.Errorf("split internal right: %w", err)
	}

	SetChecksum(leftBuf)
	if err := bt.pager.WritePage(txID, parentID, leftBuf); err != nil {
		return err
	}
	SetChecksum(rightBuf)
	if err := bt.pager.WritePage(txID, newRightID, rightBuf); err != nil {
		return err
	}

	return bt.insertIntoParent(txID, path[:len(path)-1], parentID, pushUpKey, newRightID)
}

func (bt *BTree) createNewRoot(txID TxID, leftID PageID, key []byte, rightID PageID) error {
	rootID, rootBuf := bt.pager.AllocPage()
	if err := buildInternalNode(rootBuf, [][]byte{key}, []PageID{leftID, rightID}); err != nil {
		return err
	}
	SetChecksum(rootBuf)
	if err := bt.pager.WritePage(txID, rootID, rootBuf); err != nil {
		return err
	}
	bt.pager.UnpinPage(rootID)
	bt.root = rootID
	return nil
}

// childLists returns node's keys and children as slices the same shape
// insertIntoParent/rebalance reason about: len(children) == len(keys)+1.
func (bt *BTree) childLists(node *Node) ([][]byte, []PageID, error) {
	entries, err := node.AllInternalEntries()
	if err != nil {
		return nil, nil, err
	}
	keys := make([][]byte, len(entries))
	children := make([]PageID, len(entries)+1)
	for i, e := range entries {
		keys[i] = e.Key
		children[i] = e.Child
	}
	children[len(entries)] = node.LastChild()
	return keys, children, nil
}

func indexOfChild(children []PageID, id PageID) int {
	for i, c := range children {
		if c == id {
			return i
		}
	}
	return -1
}

// buildInternalNode rebuilds buf as a fresh internal node with the given
// keys/children (len(children) must be len(keys)+1), returning ErrPageFull
// if they don't fit.
func buildInternalNode(buf []byte, keys [][]byte, children []PageID) error {
	node := InitNode(buf, PageKindInternal)
	for i, k := range keys {
		if err := node.sp.InsertRecordAt(i, MarshalInternalEntry(InternalEntry{Key: k, Child: children[i]})); err != nil {
			return err
		}
	}
	node.SetLastChild(children[len(children)-1])
	return nil
}

// ── Delete ───────────────────────────────────────────────────────────────

// Delete removes key, rebalancing the tree (redistribute-then-merge) so
// every non-root node keeps at least minKeys() entries.
func (bt *BTree) Delete(txID TxID, key []byte) (bool, error) {
	path, err := bt.pathToLeaf(key)
	if err != nil {
		return false, err
	}
	leafID := path[len(path)-1]
	buf, err := bt.pager.ReadPage(leafID)
	if err != nil {
		return false, err
	}
	node, err := WrapNode(buf)
	if err != nil {
		bt.pager.UnpinPage(leafID)
		return false, err
	}
	pos, found := node.SearchLeaf(key, bt.cmp)
	if !found {
		bt.pager.UnpinPage(leafID)
		return false, nil
	}
	entry, _ := node.GetLeafEntry(pos)
	if entry.Overflow != InvalidPageID {
		bt.freeOverflowChain(entry.Overflow)
	}
	if err := node.DeleteLeafEntry(pos); err != nil {
		bt.pager.UnpinPage(leafID)
		return false, err
	}
	SetChecksum(buf)
	bt.pager.UnpinPage(leafID)
	if err := bt.pager.WritePage(txID, leafID, buf); err != nil {
		return false, err
	}

	if len(path) == 1 {
		return true, nil // leaf is root: no rebalancing required
	}
	if err := bt.rebalanceAfterDelete(txID, path); err != nil {
		return false, err
	}
	return true, nil
}

// rebalanceAfterDelete walks from the leaf up, fixing any node that fell
// below minKeys() by borrowing from a sibling or merging with one. It stops
// as soon as a level is not underfull, then collapses the root if it was
// left holding a single child.
func (bt *BTree) rebalanceAfterDelete(txID TxID, path []PageID) error {
	for level := len(path) - 1; level > 0; level-- {
		nodeID := path[level]
		parentID := path[level-1]

		buf, err := bt.pager.ReadPage(nodeID)
		if err != nil {
			return err
		}
		node, err := WrapNode(buf)
		bt.pager.UnpinPage(nodeID)
		if err != nil {
			return err
		}
		if node.KeyCount() >= bt.minKeys() {
			return bt.collapseRootIfNeeded(txID)
		}

		parentBuf, err := bt.pager.ReadPage(parentID)
		if err != nil {
			return err
		}
		parentNode, err := WrapNode(parentBuf)
		bt.pager.UnpinPage(parentID)
		if err != nil {
			return err
		}
		keys, children, err := bt.childLists(parentNode)
		if err != nil {
			return err
		}
		idx := indexOfChild(children, nodeID)
		if idx < 0 {
			return fmt.Errorf("pager: corrupt tree, child %d missing from parent %d", nodeID, parentID)
		}

		merged, err := bt.fixUnderflow(txID, node.IsLeaf(), keys, children, idx, parentID)
		if err != nil {
			return err
		}
		if !merged {
			return bt.collapseRootIfNeeded(txID) // redistribution resolved it; parent unchanged
		}
		// A merge removed one child+key from the parent; continue the loop
		// to check whether the parent itself is now underfull.
	}
	return bt.collapseRootIfNeeded(txID)
}

// fixUnderflow repairs children[idx] (below minKeys) against a sibling,
// rewriting the parent's key/child list in place. Returns merged=true if
// two nodes became one (shrinking the parent), false if it was resolved by
// redistribution (parent's child count unchanged).
func (bt *BTree) fixUnderflow(txID TxID, isLeaf bool, keys [][]byte, children []PageID, idx int, parentID PageID) (bool, error) {
	var siblingIdx int
	leftOfPair := false // true if children[idx] is the LEFT member of the pair we're rewriting
	if idx > 0 {
		siblingIdx = idx - 1
	} else {
		siblingIdx = idx + 1
		leftOfPair = true
	}
	leftIdx, rightIdx := idx, siblingIdx
	if !leftOfPair {
		leftIdx, rightIdx = siblingIdx, idx
	}
	sepIdx := leftIdx // keys[leftIdx] separates children[leftIdx] and children[rightIdx]

	leftID, rightID := children[leftIdx], children[rightIdx]
	leftBuf, err := bt.pager.ReadPage(leftID)
	if err != nil {
		return false, err
	}
	leftNode, err := WrapNode(leftBuf)
	bt.pager.UnpinPage(leftID)
	if err != nil {
		return false, err
	}
	rightBuf, err := bt.pager.ReadPage(rightID)
	if err != nil {
		return false, err
	}
	rightNode, err := WrapNode(rightBuf)
	bt.pager.UnpinPage(rightID)
	if err != nil {
		return false, err
	}

	if isLeaf {
		return bt.fixLeafUnderflow(txID, leftNode, rightNode, leftID, rightID, keys, children, leftIdx, rightIdx, sepIdx, parentID)
	}
	return bt.fixInternalUnderflow(txID, leftNode, rightNode, leftID, rightID, keys, children, leftIdx, rightIdx, sepIdx, parentID)
}

func (bt *BTree) fixLeafUnderflow(txID TxID, left, right *Node, leftID, rightID PageID, keys [][]byte, children []PageID, leftIdx, rightIdx, sepIdx int, parentID PageID) (bool, error) {
	leftEntries, err := left.AllLeafEntries()
	if err != nil {
		return false, err
	}
	rightEntries, err := right.AllLeafEntries()
	if err != nil {
		return false, err
	}

	if len(leftEntries) > bt.minKeys() || len(rightEntries) > bt.minKeys() {
		// Redistribute: move one entry across so both sides are non-deficient.
		if len(leftEntries) > len(rightEntries) {
			moved := leftEntries[len(leftEntries)-1]
			leftEntries = leftEntries[:len(leftEntries)-1]
			rightEntries = append([]LeafEntry{moved}, rightEntries...)
		} else {
			moved := rightEntries[0]
			rightEntries = rightEntries[1:]
			leftEntries = append(leftEntries, moved)
		}
		if err := bt.rewriteLeaf(txID, leftID, leftEntries, right.NextLeaf()); err != nil {
			return false, err
		}
		// leftID's NextLeaf must still point at rightID, not right's old next.
		if err := bt.relinkLeafNext(txID, leftID, rightID); err != nil {
			return false, err
		}
		if err := bt.rewriteLeaf(txID, rightID, rightEntries, right.NextLeaf()); err != nil {
			return false, err
		}
		newKeys := append([]byte{}, rightEntries[0].Key...)
		keys[sepIdx] = newKeys
		return false, bt.rewriteParentKeys(txID, parentID, keys, children)
	}

	// Merge: fold right into left, drop the separator and right's slot.
	mergedEntries := append(leftEntries, rightEntries...)
	if err := bt.rewriteLeaf(txID, leftID, mergedEntries, right.NextLeaf()); err != nil {
		return false, err
	}
	bt.pager.FreePage(rightID)

	newKeys := append(append([][]byte{}, keys[:sepIdx]...), keys[sepIdx+1:]...)
	newChildren := append(append([]PageID{}, children[:rightIdx]...), children[rightIdx+1:]...)
	return true, bt.rewriteParentKeys(txID, parentID, newKeys, newChildren)
}

func (bt *BTree) fixInternalUnderflow(txID TxID, left, right *Node, leftID, rightID PageID, keys [][]byte, children []PageID, leftIdx, rightIdx, sepIdx int, parentID PageID) (bool, error) {
	leftKeys, leftChildren, err := bt.childLists(left)
	if err != nil {
		return false, err
	}
	rightKeys, rightChildren, err := bt.childLists(right)
	if err != nil {
		return false, err
	}
	sepKey := keys[sepIdx]

	if len(leftKeys) > bt.minKeys() || len(rightKeys) > bt.minKeys() {
		var newLeftKeys, newRightKeys [][]byte
		var newLeftChildren, newRightChildren []PageID
		var newSep []byte

		if len(leftKeys) > len(rightKeys) {
			// Borrow from left: its last key/child move up/across.
			newSep = leftKeys[len(leftKeys)-1]
			borrowChild := leftChildren[len(leftChildren)-1]
			newLeftKeys = leftKeys[:len(leftKeys)-1]
			newLeftChildren = leftChildren[:len(leftChildren)-1]
			newRightKeys = append([][]byte{sepKey}, rightKeys...)
			newRightChildren = append([]PageID{borrowChild}, rightChildren...)
		} else {
			// Borrow from right: its first key/child move up/across.
			newSep = rightKeys[0]
			borrowChild := rightChildren[0]
			newRightKeys = rightKeys[1:]
			newRightChildren = rightChildren[1:]
			newLeftKeys = append(append([][]byte{}, leftKeys...), sepKey)
			newLeftChildren = append(append([]PageID{}, leftChildren...), borrowChild)
		}

		leftBuf := make([]byte, bt.pager.pageSize)
		if err := buildInternalNode(leftBuf, newLeftKeys, newLeftChildren); err != nil {
			return false, fmt.Errorf("redistribute internal left: %w", err)
		}
		rightBuf := make([]byte, bt.pager.pageSize)
		if err := buildInternalNode(rightBuf, newRightKeys, newRightChildren); err != nil {
			return false, fmt.Errorf("redistribute internal right: %w", err)
		}
		SetChecksum(leftBuf)
		if err := bt.pager.WritePage(txID, leftID, leftBuf); err != nil {
			return false, err
		}
		SetChecksum(rightBuf)
		if err := bt.pager.WritePage(txID, rightID, rightBuf); err != nil {
			return false, err
		}
		keys[sepIdx] = newSep
		return false, bt.rewriteParentKeys(txID, parentID, keys, children)
	}

	// Merge: left + separator + right become one node at leftID.
	mergedKeys := append(append(append([][]byte{}, leftKeys...), sepKey), rightKeys...)
	mergedChildren := append(append([]PageID{}, leftChildren...), rightChildren...)
	mergedBuf := make([]byte, bt.pager.pageSize)
	if err := buildInternalNode(mergedBuf, mergedKeys, mergedChildren); err != nil {
		return false, fmt.Errorf("merge internal: %w", err)
	}
	SetChecksum(mergedBuf)
	if err := bt.pager.WritePage(txID, leftID, mergedBuf); err != nil {
		return false, err
	}
	bt.pager.FreePage(rightID)

	newKeys := append(append([][]byte{}, keys[:sepIdx]...), keys[sepIdx+1:]...)
	newChildren := append(append([]PageID{}, children[:rightIdx]...), children[rightIdx+1:]...)
	return true, bt.rewriteParentKeys(txID, parentID, newKeys, newChildren)
}

func (bt *BTree) rewriteLeaf(txID TxID, id PageID, entries []LeafEntry, nextLeaf PageID) error {
	buf := make([]byte, bt.pager.pageSize)
	node := InitNode(buf, PageKindLeaf)
	for i, e := range entries {
		if err := node.sp.InsertRecordAt(i, MarshalLeafEntry(e)); err != nil {
			return fmt.Errorf("rewrite leaf %d: %w", id, err)
		}
	}
	node.SetNextLeaf(nextLeaf)
	SetChecksum(buf)
	return bt.pager.WritePage(txID, id, buf)
}

func (bt *BTree) relinkLeafNext(txID TxID, id, next PageID) error {
	buf, err := bt.pager.ReadPage(id)
	if err != nil {
		return err
	}
	node, err := WrapNode(buf)
	bt.pager.UnpinPage(id)
	if err != nil {
		return err
	}
	node.SetNextLeaf(next)
	SetChecksum(buf)
	return bt.pager.WritePage(txID, id, buf)
}

func (bt *BTree) rewriteParentKeys(txID TxID, parentID PageID, keys [][]byte, children []PageID) error {
	buf := make([]byte, bt.pager.pageSize)
	if err := buildInternalNode(buf, keys, children); err != nil {
		return fmt.Errorf("rewrite parent %d: %w", parentID, err)
	}
	SetChecksum(buf)
	return bt.pager.WritePage(txID, parentID, buf)
}

// collapseRootIfNeeded replaces the root with its sole child while the root
// is an internal node holding zero keys (one child left after merges).
func (bt *BTree) collapseRootIfNeeded(txID TxID) error {
	for {
		buf, err := bt.pager.ReadPage(bt.root)
		if err != nil {
			return err
		}
		node, err := WrapNode(buf)
		bt.pager.UnpinPage(bt.root)
		if err != nil {
			return err
		}
		if node.IsLeaf() || node.KeyCount() > 0 {
			return nil
		}
		oldRoot := bt.root
		bt.root = node.LastChild()
		bt.pager.FreePage(oldRoot)
	}
}

// ── Range scan ───────────────────────────────────────────────────────────

// ScanRange calls fn for each key in [startKey, endKey] (endKey nil means
// unbounded), stopping early if fn returns false. Implemented over the
// leaf forward chain so it costs one descent plus a linear walk.
func (bt *BTree) ScanRange(startKey, endKey []byte, fn func(key, value []byte) bool) error {
	leafID, err := bt.findLeaf(startKey)
	if err != nil {
		return err
	}
	for leafID != InvalidPageID {
		buf, err := bt.pager.ReadPage(leafID)
		if err != nil {
			return err
		}
		node, err := WrapNode(buf)
		if err != nil {
			bt.pager.UnpinPage(leafID)
			return err
		}
		entries, err := node.AllLeafEntries()
		if err != nil {
			bt.pager.UnpinPage(leafID)
			return err
		}
		next := node.NextLeaf()
		bt.pager.UnpinPage(leafID)

		for _, e := range entries {
			if startKey != nil && bt.cmp(e.Key, startKey) < 0 {
				continue
			}
			if endKey != nil && bt.cmp(e.Key, endKey) > 0 {
				return nil
			}
			val := e.Payload
			if e.Overflow != InvalidPageID {
				val, err = bt.readOverflow(e.Overflow)
				if err != nil {
					return err
				}
			}
			if !fn(e.Key, val) {
				return nil
			}
		}
		leafID = next
	}
	return nil
}

// Cursor is a restartable range-scan position, keyed on the last key
// returned rather than a raw (page, slot) pair, so it survives a page split
// or merge that happens between calls to Next. While the current leaf's
// page-LSN stays unchanged, Next follows the leaf's right-sibling link
// directly and never revisits an internal node; a leaf
// whose page-LSN moved since it was cached means a concurrent split or
// merge may have touched it, so the cursor re-descends from the root
// keyed on the last key it returned instead of trusting the stale link.
type Cursor struct {
	bt        *BTree
	lastKey   []byte
	endKey    []byte
	started   bool
	exhausted bool

	leafID     PageID
	leafLSN    LSN
	nextLeafID PageID
	entries    []LeafEntry
	pos        int
}

// NewCursor returns a cursor over [startKey, endKey] (endKey nil = unbounded).
func (bt *BTree) NewCursor(startKey, endKey []byte) *Cursor {
	return &Cursor{bt: bt, lastKey: startKey, endKey: endKey, leafID: InvalidPageID}
}

// loadLeaf caches id's entries, page-LSN, and right-sibling pointer.
func (c *Cursor) loadLeaf(id PageID) error {
	buf, err := c.bt.pager.ReadPage(id)
	if err != nil {
		return err
	}
	node, werr := WrapNode(buf)
	if werr != nil {
		c.bt.pager.UnpinPage(id)
		return werr
	}
	entries, eerr := node.AllLeafEntries()
	if eerr != nil {
		c.bt.pager.UnpinPage(id)
		return eerr
	}
	c.leafID = id
	c.leafLSN = pageLSN(buf)
	c.nextLeafID = node.NextLeaf()
	c.entries = entries
	c.bt.pager.UnpinPage(id)
	return nil
}

// seekPos returns the index of the first cached entry the cursor should
// yield next: the first entry >= lastKey on the initial call (lastKey
// being the inclusive startKey), or the first entry > lastKey afterward
// (keys are unique within a tree, so strict inequality is enough to skip
// exactly the entry already returned).
func (c *Cursor) seekPos() int {
	if !c.started && c.lastKey == nil {
		return 0
	}
	for i, e := range c.entries {
		cmpv := c.bt.cmp(e.Key, c.lastKey)
		if c.started {
			if cmpv > 0 {
				return i
			}
		} else if cmpv >= 0 {
			return i
		}
	}
	return len(c.entries)
}

// LeafLSN returns the page-LSN of the leaf the cursor's current entry was
// read from, used by scans to decide tuple visibility against their
// snapshot LSN.
func (c *Cursor) LeafLSN() LSN { return c.leafLSN }

// Next returns the next (key, value) pair, or ok=false when exhausted.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	if c.exhausted {
		return nil, nil, false, nil
	}

	for {
		if c.leafID == InvalidPageID {
			leafID, ferr := c.bt.findLeaf(c.lastKey)
			if ferr != nil {
				return nil, nil, false, ferr
			}
			if lerr := c.loadLeaf(leafID); lerr != nil {
				return nil, nil, false, lerr
			}
			c.pos = c.seekPos()
		} else if c.pos >= len(c.entries) {
			if c.nextLeafID == InvalidPageID {
				c.exhausted = true
				return nil, nil, false, nil
			}
			if lerr := c.loadLeaf(c.nextLeafID); lerr != nil {
				return nil, nil, false, lerr
			}
			c.pos = 0
		} else {
			curLSN, lerr := c.bt.leafPageLSN(c.leafID)
			if lerr != nil {
				return nil, nil, false, lerr
			}
			if curLSN != c.leafLSN {
				// A split or merge touched this leaf since it was cached;
				// re-descend from the root keyed on the last key returned
				// rather than trust the now-stale cached entries.
				c.leafID = InvalidPageID
				continue
			}
		}

		if c.pos >= len(c.entries) {
			continue
		}

		e := c.entries[c.pos]
		if c.endKey != nil && c.bt.cmp(e.Key, c.endKey) > 0 {
			c.exhausted = true
			return nil, nil, false, nil
		}
		c.pos++

		val := e.Payload
		if e.Overflow != InvalidPageID {
			val, err = c.bt.readOverflow(e.Overflow)
			if err != nil {
				return nil, nil, false, err
			}
		}
		c.started = true
		c.lastKey = e.Key
		return e.Key, val, true, nil
	}
}

// ── Overflow chain I/O ───────────────────────────────────────────────────

func (bt *BTree) writeOverflow(txID TxID, data []byte) (PageID, error) {
	capacity := OverflowCapacity(bt.pager.pageSize)
	var headID, prevID PageID = InvalidPageID, InvalidPageID
	var prevBuf []byte

	for off := 0; off < len(data); off += capacity {
		end := off + capacity
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]

		pid, buf := bt.pager.AllocPage()
		InitOverflowPage(buf, InvalidPageID, chunk)

		if prevBuf != nil {
			SetOverflowNext(prevBuf, pid)
			SetChecksum(prevBuf)
			if err := bt.pager.WritePage(txID, prevID, prevBuf); err != nil {
				return InvalidPageID, err
			}
			bt.pager.UnpinPage(prevID)
		} else {
			headID = pid
		}
		prevBuf, prevID = buf, pid
	}
	if prevBuf != nil {
		SetChecksum(prevBuf)
		if err := bt.pager.WritePage(txID, prevID, prevBuf); err != nil {
			return InvalidPageID, err
		}
		bt.pager.UnpinPage(prevID)
	}
	return headID, nil
}

func (bt *BTree) readOverflow(head PageID) ([]byte, error) {
	var out []byte
	pid := head
	for pid != InvalidPageID {
		buf, err := bt.pager.ReadPage(pid)
		if err != nil {
			return nil, err
		}
		out = append(out, OverflowData(buf)...)
		next := OverflowNext(buf)
		bt.pager.UnpinPage(pid)
		pid = next
	}
	return out, nil
}

func (bt *BTree) freeOverflowChain(head PageID) {
	pid := head
	for pid != InvalidPageID {
		buf, err := bt.pager.ReadPage(pid)
		if err != nil {
			break
		}
		next := OverflowNext(buf)
		bt.pager.UnpinPage(pid)
		bt.pager.FreePage(pid)
		pid = next
	}
}

// FreeAllPages recursively frees every page owned by this tree (internal,
// leaf, and overflow). The tree must not be used after this call.
func (bt *BTree) FreeAllPages() {
	bt.freeSubtree(bt.root)
}

func (bt *BTree) freeSubtree(id PageID) {
	if id == InvalidPageID {
		return
	}
	buf, err := bt.pager.ReadPage(id)
	if err != nil {
		return
	}
	node, err := WrapNode(buf)
	if err != nil {
		bt.pager.UnpinPage(id)
		return
	}
	if node.IsLeaf() {
		entries, _ := node.AllLeafEntries()
		bt.pager.UnpinPage(id)
		for _, e := range entries {
			if e.Overflow != InvalidPageID {
				bt.freeOverflowChain(e.Overflow)
			}
		}
		bt.pager.FreePage(id)
		return
	}
	_, children, err := bt.childLists(node)
	bt.pager.UnpinPage(id)
	if err != nil {
		return
	}
	for _, c := range children {
		bt.freeSubtree(c)
	}
	bt.pager.FreePage(id)
}

// ── Count ────────────────────────────────────────────────────────────────

// Count returns the total number of keys in the tree.
func (bt *BTree) Count() (int, error) {
	id := bt.root
	for {
		buf, err := bt.pager.ReadPage(id)
		if err != nil {
			return 0, err
		}
		node, err := WrapNode(buf)
		if err != nil {
			bt.pager.UnpinPage(id)
			return 0, err
		}
		if node.IsLeaf() {
			bt.pager.UnpinPage(id)
			break
		}
		_, children, err := bt.childLists(node)
		bt.pager.UnpinPage(id)
		if err != nil {
			return 0, err
		}
		id = children[0]
	}

	count := 0
	for id != InvalidPageID {
		buf, err := bt.pager.ReadPage(id)
		if err != nil {
			return 0, err
		}
		node, err := WrapNode(buf)
		if err != nil {
			bt.pager.UnpinPage(id)
			return 0, err
		}
		count += node.KeyCount()
		next := node.NextLeaf()
		bt.pager.UnpinPage(id)
		id = next
	}
	return count, nil
}
