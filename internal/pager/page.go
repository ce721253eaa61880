// Package pager implements the disk-oriented page cache, B+tree, and
// write-ahead log that back every table and index in the engine.
// The storage format is a fixed-size page file (page 0 is the superblock)
// plus a sequential WAL file. Every page carries a typed header with magic,
// kind, LSN, and a CRC32-C checksum. Crash recovery replays the page images
// of committed WAL transactions whose record LSN is past the superblock's
// checkpoint LSN; it does not compare page-LSNs and does not undo.
package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ───────────────────────────────────────────────────────────────────────────
// Constants
// ───────────────────────────────────────────────────────────────────────────

const (
	// DefaultPageSize is the default page size in bytes (8 KiB).
	DefaultPageSize = 8192

	// MinPageSize is the minimum allowed page size (4 KiB).
	MinPageSize = 4096

	// MaxPageSize is the maximum allowed page size.
	MaxPageSize = 65536

	// PageMagic identifies a page belonging to this engine ("PHMS").
	PageMagic uint32 = 0x50484D53

	// PageHeaderSize is the size of the common page header in bytes.
	//
	// Layout (bit-exact):
	//   [0:4]   Magic        uint32 LE (0x50484D53, "PHMS")
	//   [4:8]   PageKind     uint32 LE
	//   [8:16]  LSN          uint64 LE
	//   [16:18] SlotCount    uint16 LE
	//   [18:20] FreeSpaceOff uint16 LE
	//   [20:24] Checksum     uint32 LE (CRC32-C, field zeroed during compute)
	//   [24:32] RightSibling uint32 LE (leaf: next leaf; internal: last child) + 4 bytes reserved
	PageHeaderSize = 32

	// InvalidPageID represents a null/invalid page pointer.
	InvalidPageID PageID = 0

	// OverflowThreshold is a fixed inline value size (bytes). BTree does
	// not use it; its threshold comes from overflowThresholdFor(pageSize).
	OverflowThreshold = 1024
)

// PageID is a 64-bit page identifier. Page 0 is always the superblock.
type PageID uint64

// LSN is a monotonically increasing Log Sequence Number.
type LSN uint64

// TxID is a transaction identifier.
type TxID uint64

// PageKind identifies the kind of data stored in a page.
type PageKind uint32

const (
	PageKindMeta     PageKind = 0
	PageKindInternal PageKind = 1
	PageKindLeaf     PageKind = 2
	PageKindOverflow PageKind = 3
	PageKindFree     PageKind = 4
)

func (k PageKind) String() string {
	switch k {
	case PageKindMeta:
		return "meta"
	case PageKindInternal:
		return "tree-internal"
	case PageKindLeaf:
		return "tree-leaf"
	case PageKindOverflow:
		return "overflow"
	case PageKindFree:
		return "free"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(k))
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Page header
// ───────────────────────────────────────────────────────────────────────────

// Header is the common 32-byte header present at the start of every page.
type Header struct {
	Kind         PageKind
	LSN          LSN
	SlotCount    uint16
	FreeSpaceOff uint16
	Checksum     uint32
	RightSibling PageID // leaf: next leaf; internal: last child; low 32 bits used
}

// MarshalHeader writes h into the first PageHeaderSize bytes of buf.
func MarshalHeader(h *Header, buf []byte) {
	if len(buf) < PageHeaderSize {
		panic("pager: buffer too small for Header")
	}
	binary.LittleEndian.PutUint32(buf[0:4], PageMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Kind))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.LSN))
	binary.LittleEndian.PutUint16(buf[16:18], h.SlotCount)
	binary.LittleEndian.PutUint16(buf[18:20], h.FreeSpaceOff)
	binary.LittleEndian.PutUint32(buf[20:24], h.Checksum)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.RightSibling))
}

// UnmarshalHeader reads a Header from the first PageHeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) (Header, error) {
	var h Header
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != PageMagic {
		return h, fmt.Errorf("pager: bad page magic %08x", magic)
	}
	h.Kind = PageKind(binary.LittleEndian.Uint32(buf[4:8]))
	h.LSN = LSN(binary.LittleEndian.Uint64(buf[8:16]))
	h.SlotCount = binary.LittleEndian.Uint16(buf[16:18])
	h.FreeSpaceOff = binary.LittleEndian.Uint16(buf[18:20])
	h.Checksum = binary.LittleEndian.Uint32(buf[20:24])
	h.RightSibling = PageID(binary.LittleEndian.Uint32(buf[24:28]))
	return h, nil
}

func pageLSN(buf []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(buf[8:16]))
}

func setPageLSN(buf []byte, lsn LSN) {
	binary.LittleEndian.PutUint64(buf[8:16], uint64(lsn))
}

func pageKind(buf []byte) PageKind {
	return PageKind(binary.LittleEndian.Uint32(buf[4:8]))
}

// ───────────────────────────────────────────────────────────────────────────
// CRC helpers
// ───────────────────────────────────────────────────────────────────────────

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes the CRC32-C of a full page, treating the
// checksum field (bytes 20..24) as zero during computation.
func ComputeChecksum(page []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(page[:20])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(page[24:])
	return h.Sum32()
}

// SetChecksum computes and writes the checksum into the page header.
func SetChecksum(page []byte) {
	c := ComputeChecksum(page)
	binary.LittleEndian.PutUint32(page[20:24], c)
}

// VerifyChecksum checks the CRC32-C checksum of a page, returning
// ErrCorruptPage-wrapping error on mismatch (torn-page detection, §4.1).
func VerifyChecksum(page []byte) error {
	stored := binary.LittleEndian.Uint32(page[20:24])
	computed := ComputeChecksum(page)
	if stored != computed {
		return fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorruptPage, stored, computed)
	}
	return nil
}

// NewPage allocates a zeroed page buffer and writes its header.
func NewPage(pageSize int, kind PageKind, id PageID) []byte {
	buf := make([]byte, pageSize)
	h := &Header{Kind: kind, FreeSpaceOff: uint16(pageSize), RightSibling: InvalidPageID}
	MarshalHeader(h, buf)
	return buf
}
