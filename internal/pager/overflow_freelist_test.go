package pager

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestOverflowPage_ReadWrite(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	data := make([]byte, OverflowCapacity(DefaultPageSize))
	rand.Read(data)
	InitOverflowPage(buf, PageID(5), data)
	if OverflowNext(buf) != 5 {
		t.Fatalf("next: got %d want 5", OverflowNext(buf))
	}
	if !bytes.Equal(OverflowData(buf), data) {
		t.Fatal("data mismatch")
	}
}

func TestOverflowPage_SetNext(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	InitOverflowPage(buf, InvalidPageID, []byte("chunk"))
	SetOverflowNext(buf, PageID(42))
	if OverflowNext(buf) != 42 {
		t.Fatalf("next: got %d want 42", OverflowNext(buf))
	}
}

func TestFreeListPage_AppendAndPop(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	InitFreeListPage(buf, PageID(7))
	FreeListAppend(buf, PageID(10))
	FreeListAppend(buf, PageID(20))
	FreeListAppend(buf, PageID(30))
	if FreeListCount(buf) != 3 {
		t.Fatalf("count: got %d", FreeListCount(buf))
	}
	if FreeListNext(buf) != 7 {
		t.Fatalf("next: got %d want 7", FreeListNext(buf))
	}
	pid := FreeListPop(buf)
	if pid != PageID(30) {
		t.Fatalf("pop: got %d want 30", pid)
	}
	if FreeListCount(buf) != 2 {
		t.Fatalf("count after pop: got %d", FreeListCount(buf))
	}
	if FreeListEntry(buf, 0) != PageID(10) || FreeListEntry(buf, 1) != PageID(20) {
		t.Fatal("remaining entries corrupted")
	}
}

func TestFreeListPage_PopEmpty(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	InitFreeListPage(buf, InvalidPageID)
	if pid := FreeListPop(buf); pid != InvalidPageID {
		t.Fatalf("pop on empty list: got %d want InvalidPageID", pid)
	}
}
