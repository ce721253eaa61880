package pager

import "encoding/binary"

// ───────────────────────────────────────────────────────────────────────────
// Overflow page chain
// ───────────────────────────────────────────────────────────────────────────
//
// A leaf value longer than the tree's overflow threshold (overflowThresholdFor:
// a quarter of the page past its header, at least 256 bytes) spills into a
// chain of overflow pages. Layout past the common header:
//   [32:40) NextOverflow PageID LE (InvalidPageID terminates the chain)
//   [40:44) DataLen      uint32 LE (bytes of payload in *this* page)
//   [44:)   Data

const (
	overflowNextOff = 32
	overflowLenOff  = 40
	overflowDataOff = 44
)

// OverflowCapacity returns the max payload bytes a single overflow page holds.
func OverflowCapacity(pageSize int) int { return pageSize - overflowDataOff }

// InitOverflowPage initializes buf as an overflow page carrying a chunk of
// data with the given next-page link.
func InitOverflowPage(buf []byte, next PageID, data []byte) {
	h := &Header{Kind: PageKindOverflow}
	MarshalHeader(h, buf)
	binary.LittleEndian.PutUint64(buf[overflowNextOff:], uint64(next))
	binary.LittleEndian.PutUint32(buf[overflowLenOff:], uint32(len(data)))
	copy(buf[overflowDataOff:], data)
}

// OverflowNext returns the next page in the chain (InvalidPageID if last).
func OverflowNext(buf []byte) PageID {
	return PageID(binary.LittleEndian.Uint64(buf[overflowNextOff:]))
}

func SetOverflowNext(buf []byte, next PageID) {
	binary.LittleEndian.PutUint64(buf[overflowNextOff:], uint64(next))
}

// OverflowData returns this page's payload chunk.
func OverflowData(buf []byte) []byte {
	n := binary.LittleEndian.Uint32(buf[overflowLenOff:])
	return buf[overflowDataOff : overflowDataOff+int(n)]
}
