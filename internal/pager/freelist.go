package pager

import "encoding/binary"

// ───────────────────────────────────────────────────────────────────────────
// Free-list page chain
// ───────────────────────────────────────────────────────────────────────────
//
// Freed pages are recorded as PageID entries in a chain of free-list pages
// rooted from the superblock, so allocation reuses space instead of growing
// the file unboundedly. Layout past the common header:
//   [32:40) NextFreeList PageID LE (InvalidPageID terminates the chain)
//   [40:44) EntryCount   uint32 LE
//   [44:)   PageID entries, 8 bytes each

const (
	freelistNextOff  = 32
	freelistCountOff = 40
	freelistEntryOff = 44
)

// FreeListCapacity returns the max number of PageID entries one free-list
// page can hold.
func FreeListCapacity(pageSize int) int { return (pageSize - freelistEntryOff) / 8 }

// InitFreeListPage initializes buf as an empty free-list page.
func InitFreeListPage(buf []byte, next PageID) {
	h := &Header{Kind: PageKindFree}
	MarshalHeader(h, buf)
	binary.LittleEndian.PutUint64(buf[freelistNextOff:], uint64(next))
	binary.LittleEndian.PutUint32(buf[freelistCountOff:], 0)
}

func FreeListNext(buf []byte) PageID {
	return PageID(binary.LittleEndian.Uint64(buf[freelistNextOff:]))
}

func SetFreeListNext(buf []byte, next PageID) {
	binary.LittleEndian.PutUint64(buf[freelistNextOff:], uint64(next))
}

func FreeListCount(buf []byte) int {
	return int(binary.LittleEndian.Uint32(buf[freelistCountOff:]))
}

func setFreeListCount(buf []byte, n int) {
	binary.LittleEndian.PutUint32(buf[freelistCountOff:], uint32(n))
}

// FreeListEntry returns the i'th PageID entry in this page.
func FreeListEntry(buf []byte, i int) PageID {
	off := freelistEntryOff + i*8
	return PageID(binary.LittleEndian.Uint64(buf[off:]))
}

// FreeListAppend appends id to this page's entry list. Caller must ensure
// FreeListCount(buf) < FreeListCapacity(len(buf)) first.
func FreeListAppend(buf []byte, id PageID) {
	n := FreeListCount(buf)
	off := freelistEntryOff + n*8
	binary.LittleEndian.PutUint64(buf[off:], uint64(id))
	setFreeListCount(buf, n+1)
}

// FreeListPop removes and returns the last entry in this page.
func FreeListPop(buf []byte) PageID {
	n := FreeListCount(buf)
	if n == 0 {
		return InvalidPageID
	}
	id := FreeListEntry(buf, n-1)
	setFreeListCount(buf, n-1)
	return id
}
