package pager

import "testing"

func TestHeader_MarshalRoundTrip(t *testing.T) {
	h := Header{
		Kind:         PageKindLeaf,
		LSN:          LSN(12345),
		SlotCount:    7,
		FreeSpaceOff: 4096,
		RightSibling: PageID(99),
	}
	buf := make([]byte, PageHeaderSize)
	MarshalHeader(&h, buf)
	h2, err := UnmarshalHeader(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h2.Kind != h.Kind || h2.LSN != h.LSN || h2.SlotCount != h.SlotCount ||
		h2.FreeSpaceOff != h.FreeSpaceOff || h2.RightSibling != h.RightSibling {
		t.Fatalf("header roundtrip mismatch: %+v vs %+v", h, h2)
	}
}

func TestHeader_BadMagic(t *testing.T) {
	buf := make([]byte, PageHeaderSize)
	h := Header{Kind: PageKindLeaf}
	MarshalHeader(&h, buf)
	buf[0] ^= 0xFF
	if _, err := UnmarshalHeader(buf); err == nil {
		t.Fatal("expected error for corrupted magic")
	}
}

func TestChecksum_DetectsCorruption(t *testing.T) {
	buf := NewPage(DefaultPageSize, PageKindLeaf, 1)
	SetChecksum(buf)
	if err := VerifyChecksum(buf); err != nil {
		t.Fatalf("valid checksum failed: %v", err)
	}
	buf[100] ^= 0xFF
	if err := VerifyChecksum(buf); err == nil {
		t.Fatal("expected checksum error after corruption")
	}
}

func TestChecksum_IgnoresItsOwnField(t *testing.T) {
	buf := NewPage(DefaultPageSize, PageKindInternal, 1)
	SetChecksum(buf)
	c1 := ComputeChecksum(buf)
	SetChecksum(buf) // recomputing and re-storing must be idempotent
	c2 := ComputeChecksum(buf)
	if c1 != c2 {
		t.Fatalf("checksum not stable across re-stamping: %x vs %x", c1, c2)
	}
}
