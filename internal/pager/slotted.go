package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Slotted page
// ───────────────────────────────────────────────────────────────────────────
//
// Variable-length records are stored slotted, growing from both ends of
// the page: the slot directory grows forward from just after the header,
// record bytes grow backward from the end of the page. A slot with
// Offset==0 and Length==0 is a tombstone.

const (
	slotDirOff   = PageHeaderSize // 32, slot directory starts here
	slotEntrySize = 4             // 2 bytes offset + 2 bytes length
)

// SlotEntry describes one slot in the directory.
type SlotEntry struct {
	Offset uint16
	Length uint16
}

// SlottedPage wraps a raw page buffer and provides record-level operations.
type SlottedPage struct {
	buf []byte
}

// WrapSlottedPage wraps an existing page buffer.
func WrapSlottedPage(buf []byte) *SlottedPage { return &SlottedPage{buf: buf} }

// InitSlottedPage initializes buf as an empty slotted page of the given kind.
func InitSlottedPage(buf []byte, kind PageKind) *SlottedPage {
	h := &Header{Kind: kind, FreeSpaceOff: uint16(len(buf)), RightSibling: InvalidPageID}
	MarshalHeader(h, buf)
	return &SlottedPage{buf: buf}
}

func (sp *SlottedPage) SlotCount() int {
	return int(binary.LittleEndian.Uint16(sp.buf[16:18]))
}

func (sp *SlottedPage) setSlotCount(n int) {
	binary.LittleEndian.PutUint16(sp.buf[16:18], uint16(n))
}

// FreeSpaceOff is the byte offset where the next record will be written.
func (sp *SlottedPage) FreeSpaceOff() int {
	return int(binary.LittleEndian.Uint16(sp.buf[18:20]))
}

func (sp *SlottedPage) setFreeSpaceOff(off int) {
	binary.LittleEndian.PutUint16(sp.buf[18:20], uint16(off))
}

func (sp *SlottedPage) slotDirEnd() int {
	return slotDirOff + sp.SlotCount()*slotEntrySize
}

// FreeSpace returns the bytes available for one more record+slot.
func (sp *SlottedPage) FreeSpace() int {
	return sp.FreeSpaceOff() - sp.slotDirEnd() - slotEntrySize
}

func (sp *SlottedPage) GetSlot(i int) SlotEntry {
	off := slotDirOff + i*slotEntrySize
	return SlotEntry{
		Offset: binary.LittleEndian.Uint16(sp.buf[off:]),
		Length: binary.LittleEndian.Uint16(sp.buf[off+2:]),
	}
}

func (sp *SlottedPage) setSlot(i int, e SlotEntry) {
	off := slotDirOff + i*slotEntrySize
	binary.LittleEndian.PutUint16(sp.buf[off:], e.Offset)
	binary.LittleEndian.PutUint16(sp.buf[off+2:], e.Length)
}

func (sp *SlottedPage) IsDeleted(i int) bool {
	e := sp.GetSlot(i)
	return e.Offset == 0 && e.Length == 0
}

// GetRecord returns the raw bytes of record i, or nil if it is a tombstone.
func (sp *SlottedPage) GetRecord(i int) []byte {
	e := sp.GetSlot(i)
	if e.Offset == 0 && e.Length == 0 {
		return nil
	}
	return sp.buf[e.Offset : e.Offset+e.Length]
}

// InsertRecordAt inserts data at slot position pos, shifting later slots.
func (sp *SlottedPage) InsertRecordAt(pos int, data []byte) error {
	needed := len(data)
	if sp.FreeSpace() < needed {
		return fmt.Errorf("%w: need %d, have %d", ErrPageFull, needed, sp.FreeSpace())
	}
	newEnd := sp.FreeSpaceOff() - needed
	copy(sp.buf[newEnd:], data)
	sp.setFreeSpaceOff(newEnd)

	sc := sp.SlotCount()
	sp.setSlotCount(sc + 1)
	for i := sc; i > pos; i-- {
		sp.setSlot(i, sp.GetSlot(i-1))
	}
	sp.setSlot(pos, SlotEntry{Offset: uint16(newEnd), Length: uint16(needed)})
	return nil
}

// UpdateRecord replaces record i in place if it fits, otherwise re-appends.
func (sp *SlottedPage) UpdateRecord(i int, data []byte) error {
	old := sp.GetSlot(i)
	if int(old.Length) >= len(data) {
		copy(sp.buf[old.Offset:], data)
		for j := int(old.Offset) + len(data); j < int(old.Offset)+int(old.Length); j++ {
			sp.buf[j] = 0
		}
		sp.setSlot(i, SlotEntry{Offset: old.Offset, Length: uint16(len(data))})
		return nil
	}
	if sp.FreeSpace()+slotEntrySize < len(data) {
		return fmt.Errorf("%w: update needs %d bytes", ErrPageFull, len(data))
	}
	newEnd := sp.FreeSpaceOff() - len(data)
	copy(sp.buf[newEnd:], data)
	sp.setFreeSpaceOff(newEnd)
	sp.setSlot(i, SlotEntry{Offset: uint16(newEnd), Length: uint16(len(data))})
	return nil
}

// DeleteRecordAt removes slot pos, shifting later slots left.
func (sp *SlottedPage) DeleteRecordAt(pos int) error {
	sc := sp.SlotCount()
	if pos < 0 || pos >= sc {
		return fmt.Errorf("slot %d out of range [0,%d)", pos, sc)
	}
	for i := pos; i < sc-1; i++ {
		sp.setSlot(i, sp.GetSlot(i+1))
	}
	sp.setSlot(sc-1, SlotEntry{})
	sp.setSlotCount(sc - 1)
	return nil
}

func (sp *SlottedPage) Bytes() []byte { return sp.buf }
