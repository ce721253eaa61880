package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Superblock — page 0
// ───────────────────────────────────────────────────────────────────────────
//
// Layout (fits in one page):
//
//  Offset  Size  Field
//  ──────  ────  ───────────────────
//  0       32    Common Header (Kind=Meta)
//  32      8     Magic          [8]byte "HMSSQLDB"
//  40      4     FormatVersion  uint32 LE
//  44      4     PageSize       uint32 LE
//  48      8     PageCount      uint64 LE
//  56      8     FeatureFlags   uint64 LE (bitmask)
//  64      8     CatalogRoot    PageID LE (B+tree root of the system catalog)
//  72      8     FreeListRoot   PageID LE
//  80      8     CheckpointLSN  LSN LE
//  88      8     NextTxID       TxID LE
//  96      8     NextPageID     PageID LE
//  104     4     TreeOrder      uint32 LE (default fan-out for new trees)
//  108     2     KeySchemaLen   uint16 LE
//  110     ...   KeySchema      opaque bytes describing the primary key codec
//
// KeySchema holds the bytes passed as PagerConfig.KeySchema when the file
// was created (KeyCodec.Marshal in keycodec.go produces this form). The
// pager stores and reloads them but does not decode them, and a string
// codec's collator locale is not part of the encoding.

const (
	SuperblockMagic = "HMSSQLDB"

	CurrentFormatVersion uint32 = 1

	sbMagicOff         = PageHeaderSize // 32
	sbFormatVersionOff = sbMagicOff + 8 // 40
	sbPageSizeOff      = sbFormatVersionOff + 4
	sbPageCountOff     = sbPageSizeOff + 4
	sbFeatureFlagsOff  = sbPageCountOff + 8
	sbCatalogRootOff   = sbFeatureFlagsOff + 8
	sbFreeListRootOff  = sbCatalogRootOff + 8
	sbCheckpointLSNOff = sbFreeListRootOff + 8
	sbNextTxIDOff      = sbCheckpointLSNOff + 8
	sbNextPageIDOff    = sbNextTxIDOff + 8
	sbTreeOrderOff     = sbNextPageIDOff + 8
	sbKeySchemaLenOff  = sbTreeOrderOff + 4
	sbKeySchemaOff     = sbKeySchemaLenOff + 2
)

// FeatureFlag is a bitmask of optional on-disk format features.
type FeatureFlag uint64

const (
	FeatureCompression FeatureFlag = 1 << iota // reserved
	FeatureEncryption                          // reserved
	FeatureMVCC                                // reserved, unused: this engine is single-writer
	FeaturePartitions                          // reserved
)

// SupportedFeatures is the set of features this build understands.
const SupportedFeatures FeatureFlag = 0

// Superblock holds the parsed contents of page 0.
type Superblock struct {
	FormatVersion uint32
	PageSize      uint32
	PageCount     uint64
	FeatureFlags  FeatureFlag
	CatalogRoot   PageID
	FreeListRoot  PageID
	CheckpointLSN LSN
	NextTxID      TxID
	NextPageID    PageID
	TreeOrder     uint32
	KeySchema     []byte
}

// MarshalSuperblock serializes sb into a full page-sized buffer.
func MarshalSuperblock(sb *Superblock, pageSize int) []byte {
	buf := NewPage(pageSize, PageKindMeta, 0)

	copy(buf[sbMagicOff:sbMagicOff+8], SuperblockMagic)
	binary.LittleEndian.PutUint32(buf[sbFormatVersionOff:], sb.FormatVersion)
	binary.LittleEndian.PutUint32(buf[sbPageSizeOff:], sb.PageSize)
	binary.LittleEndian.PutUint64(buf[sbPageCountOff:], sb.PageCount)
	binary.LittleEndian.PutUint64(buf[sbFeatureFlagsOff:], uint64(sb.FeatureFlags))
	binary.LittleEndian.PutUint64(buf[sbCatalogRootOff:], uint64(sb.CatalogRoot))
	binary.LittleEndian.PutUint64(buf[sbFreeListRootOff:], uint64(sb.FreeListRoot))
	binary.LittleEndian.PutUint64(buf[sbCheckpointLSNOff:], uint64(sb.CheckpointLSN))
	binary.LittleEndian.PutUint64(buf[sbNextTxIDOff:], uint64(sb.NextTxID))
	binary.LittleEndian.PutUint64(buf[sbNextPageIDOff:], uint64(sb.NextPageID))
	binary.LittleEndian.PutUint32(buf[sbTreeOrderOff:], sb.TreeOrder)
	binary.LittleEndian.PutUint16(buf[sbKeySchemaLenOff:], uint16(len(sb.KeySchema)))
	copy(buf[sbKeySchemaOff:sbKeySchemaOff+len(sb.KeySchema)], sb.KeySchema)

	SetChecksum(buf)
	return buf
}

// UnmarshalSuperblock decodes page 0, validating magic, version, page size,
// and feature flags.
func UnmarshalSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < MinPageSize {
		return nil, fmt.Errorf("superblock too small: %d bytes", len(buf))
	}
	if err := VerifyChecksum(buf); err != nil {
		return nil, fmt.Errorf("superblock checksum: %w", err)
	}
	magic := string(buf[sbMagicOff : sbMagicOff+8])
	if magic != SuperblockMagic {
		return nil, fmt.Errorf("bad magic %q, expected %q", magic, SuperblockMagic)
	}

	sb := &Superblock{
		FormatVersion: binary.LittleEndian.Uint32(buf[sbFormatVersionOff:]),
		PageSize:      binary.LittleEndian.Uint32(buf[sbPageSizeOff:]),
		PageCount:     binary.LittleEndian.Uint64(buf[sbPageCountOff:]),
		FeatureFlags:  FeatureFlag(binary.LittleEndian.Uint64(buf[sbFeatureFlagsOff:])),
		CatalogRoot:   PageID(binary.LittleEndian.Uint64(buf[sbCatalogRootOff:])),
		FreeListRoot:  PageID(binary.LittleEndian.Uint64(buf[sbFreeListRootOff:])),
		CheckpointLSN: LSN(binary.LittleEndian.Uint64(buf[sbCheckpointLSNOff:])),
		NextTxID:      TxID(binary.LittleEndian.Uint64(buf[sbNextTxIDOff:])),
		NextPageID:    PageID(binary.LittleEndian.Uint64(buf[sbNextPageIDOff:])),
		TreeOrder:     binary.LittleEndian.Uint32(buf[sbTreeOrderOff:]),
	}
	klen := int(binary.LittleEndian.Uint16(buf[sbKeySchemaLenOff:]))
	if klen > 0 {
		sb.KeySchema = make([]byte, klen)
		copy(sb.KeySchema, buf[sbKeySchemaOff:sbKeySchemaOff+klen])
	}

	if sb.FormatVersion != CurrentFormatVersion {
		return nil, fmt.Errorf("unsupported format version %d (build supports %d)",
			sb.FormatVersion, CurrentFormatVersion)
	}
	if sb.PageSize < MinPageSize || sb.PageSize > MaxPageSize {
		return nil, fmt.Errorf("page size %d out of range [%d..%d]", sb.PageSize, MinPageSize, MaxPageSize)
	}
	if sb.PageSize&(sb.PageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of two", sb.PageSize)
	}
	if sb.FeatureFlags & ^SupportedFeatures != 0 {
		return nil, fmt.Errorf("unsupported feature flags: %016x", sb.FeatureFlags)
	}
	return sb, nil
}

// NewSuperblock creates the default Superblock for a freshly created database.
func NewSuperblock(pageSize uint32, treeOrder uint32, keySchema []byte) *Superblock {
	return &Superblock{
		FormatVersion: CurrentFormatVersion,
		PageSize:      pageSize,
		PageCount:     1,
		FeatureFlags:  0,
		CatalogRoot:   InvalidPageID,
		FreeListRoot:  InvalidPageID,
		CheckpointLSN: 0,
		NextTxID:      1,
		NextPageID:    1,
		TreeOrder:     treeOrder,
		KeySchema:     keySchema,
	}
}
