package pager

import (
	"bytes"
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"sort"
	"testing"
)

func TestBTree_InsertAndGet(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, err := CreateBTree(p, txID, nil, 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := bt.Insert(txID, []byte("key1"), []byte("value1")); err != nil {
		t.Fatal(err)
	}
	if err := bt.Insert(txID, []byte("key2"), []byte("value2")); err != nil {
		t.Fatal(err)
	}
	p.CommitTx(txID)

	val, found, err := bt.Get([]byte("key1"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "value1" {
		t.Fatalf("got %q/%v want value1/true", val, found)
	}
	_, found, err = bt.Get([]byte("nonexistent"))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestBTree_UpdateExistingKey(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, _ := CreateBTree(p, txID, nil, 8)
	bt.Insert(txID, []byte("key"), []byte("val1"))
	bt.Insert(txID, []byte("key"), []byte("val2"))
	p.CommitTx(txID)

	val, found, _ := bt.Get([]byte("key"))
	if !found || string(val) != "val2" {
		t.Fatalf("got %q want val2", val)
	}
	count, _ := bt.Count()
	if count != 1 {
		t.Fatalf("count: got %d want 1", count)
	}
}

func TestBTree_Delete(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, _ := CreateBTree(p, txID, nil, 8)
	bt.Insert(txID, []byte("a"), []byte("1"))
	bt.Insert(txID, []byte("b"), []byte("2"))
	bt.Insert(txID, []byte("c"), []byte("3"))
	p.CommitTx(txID)

	txID2, _ := p.BeginTx()
	deleted, err := bt.Delete(txID2, []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("expected deleted=true")
	}
	p.CommitTx(txID2)

	_, found, _ := bt.Get([]byte("b"))
	if found {
		t.Fatal("b should be deleted")
	}
	count, _ := bt.Count()
	if count != 2 {
		t.Fatalf("count: got %d want 2", count)
	}
}

func TestBTree_DeleteMissingKeyIsNoop(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, _ := CreateBTree(p, txID, nil, 8)
	bt.Insert(txID, []byte("a"), []byte("1"))
	p.CommitTx(txID)

	deleted, err := bt.Delete(txID, []byte("zzz"))
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Fatal("expected deleted=false for a key that was never present")
	}
}

func TestBTree_ScanRange(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, _ := CreateBTree(p, txID, nil, 8)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key%02d", i)
		bt.Insert(txID, []byte(key), []byte(fmt.Sprintf("val%02d", i)))
	}
	p.CommitTx(txID)

	var scanned []string
	bt.ScanRange([]byte("key03"), []byte("key07"), func(key, val []byte) bool {
		scanned = append(scanned, string(key))
		return true
	})
	expected := []string{"key03", "key04", "key05", "key06", "key07"}
	if len(scanned) != len(expected) {
		t.Fatalf("scanned %d want %d: %v", len(scanned), len(expected), scanned)
	}
	for i, s := range scanned {
		if s != expected[i] {
			t.Errorf("scanned[%d]=%q want %q", i, s, expected[i])
		}
	}
}

func TestBTree_ScanRangeEarlyStop(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, _ := CreateBTree(p, txID, nil, 8)
	for i := 0; i < 20; i++ {
		bt.Insert(txID, []byte(fmt.Sprintf("k%03d", i)), []byte("v"))
	}
	p.CommitTx(txID)

	var seen int
	bt.ScanRange(nil, nil, func(key, val []byte) bool {
		seen++
		return seen < 3
	})
	if seen != 3 {
		t.Fatalf("expected scan to stop after 3, got %d", seen)
	}
}

func TestBTree_SplitAcrossManyKeys(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, _ := CreateBTree(p, txID, nil, 8)
	n := 500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%05d", i)
		val := fmt.Sprintf("v%05d", i)
		if err := bt.Insert(txID, []byte(key), []byte(val)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	p.CommitTx(txID)

	count, err := bt.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != n {
		t.Fatalf("count: got %d want %d", count, n)
	}

	var keys []string
	bt.ScanRange(nil, nil, func(key, val []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	if len(keys) != n {
		t.Fatalf("scan: got %d keys want %d", len(keys), n)
	}
	if !sort.StringsAreSorted(keys) {
		t.Fatal("keys not sorted after split-heavy insert sequence")
	}

	for _, i := range []int{0, 50, 99, 250, 499} {
		key := fmt.Sprintf("k%05d", i)
		val, found, err := bt.Get([]byte(key))
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatalf("key %s not found", key)
		}
		if want := fmt.Sprintf("v%05d", i); string(val) != want {
			t.Fatalf("key %s: got %q want %q", key, val, want)
		}
	}
}

func TestBTree_SplitAndScanWindow(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, err := CreateBTree(p, txID, nil, 4)
	if err != nil {
		t.Fatal(err)
	}
	keys := make([]int64, 100)
	for i := range keys {
		keys[i] = int64(i + 1)
	}
	mrand.New(mrand.NewSource(42)).Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})
	for _, k := range keys {
		if err := bt.Insert(txID, EncodeInt64(k), EncodeInt64(k*10)); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}
	p.CommitTx(txID)

	var got []int64
	err = bt.ScanRange(EncodeInt64(25), EncodeInt64(75), func(key, val []byte) bool {
		k := DecodeInt64(key)
		if DecodeInt64(val) != k*10 {
			t.Fatalf("key %d: value %d want %d", k, DecodeInt64(val), k*10)
		}
		got = append(got, k)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 51 {
		t.Fatalf("inclusive window [25,75]: got %d keys want 51", len(got))
	}
	for i, k := range got {
		if k != int64(25+i) {
			t.Fatalf("position %d: key %d want %d", i, k, 25+i)
		}
	}
}

func TestBTree_LeavesAtEqualDepth(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, _ := CreateBTree(p, txID, nil, 4)
	for i := int64(1); i <= 200; i++ {
		if err := bt.Insert(txID, EncodeInt64(i), EncodeInt64(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := int64(2); i <= 200; i += 3 {
		if _, err := bt.Delete(txID, EncodeInt64(i)); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	p.CommitTx(txID)

	depth := -1
	for i := int64(1); i <= 200; i += 7 {
		path, err := bt.pathToLeaf(EncodeInt64(i))
		if err != nil {
			t.Fatalf("pathToLeaf %d: %v", i, err)
		}
		if depth == -1 {
			depth = len(path)
		} else if len(path) != depth {
			t.Fatalf("leaf for key %d at depth %d, others at %d", i, len(path), depth)
		}
	}
	if depth < 2 {
		t.Fatalf("expected a multi-level tree after 200 order-4 inserts, depth %d", depth)
	}
}

func TestBTree_DeleteManyTriggersRebalance(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, _ := CreateBTree(p, txID, nil, 8)
	n := 300
	for i := 0; i < n; i++ {
		bt.Insert(txID, []byte(fmt.Sprintf("k%05d", i)), []byte(fmt.Sprintf("v%05d", i)))
	}
	p.CommitTx(txID)

	txID2, _ := p.BeginTx()
	// Delete every key except a handful, forcing repeated merges and a root collapse.
	for i := 0; i < n; i++ {
		if i%37 == 0 {
			continue
		}
		if _, err := bt.Delete(txID2, []byte(fmt.Sprintf("k%05d", i))); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	p.CommitTx(txID2)

	count, err := bt.Count()
	if err != nil {
		t.Fatal(err)
	}
	wantSurvivors := 0
	for i := 0; i < n; i++ {
		if i%37 == 0 {
			wantSurvivors++
		}
	}
	if count != wantSurvivors {
		t.Fatalf("count after mass delete: got %d want %d", count, wantSurvivors)
	}
	for i := 0; i < n; i += 37 {
		val, found, err := bt.Get([]byte(fmt.Sprintf("k%05d", i)))
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatalf("surviving key %d missing after rebalance", i)
		}
		if want := fmt.Sprintf("v%05d", i); string(val) != want {
			t.Fatalf("surviving key %d: got %q want %q", i, val, want)
		}
	}
}

func TestBTree_OverflowValues(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, _ := CreateBTree(p, txID, nil, 8)
	key := []byte("bigkey")
	val := make([]byte, bt.overflowThresh*3+500)
	rand.Read(val)
	if err := bt.Insert(txID, key, val); err != nil {
		t.Fatalf("insert overflow: %v", err)
	}
	p.CommitTx(txID)

	got, found, err := bt.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("overflow key not found")
	}
	if !bytes.Equal(got, val) {
		t.Fatalf("overflow value mismatch: got %d bytes, want %d", len(got), len(val))
	}
}

func TestBTree_DeleteOverflowValueFreesChain(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, _ := CreateBTree(p, txID, nil, 8)
	key := []byte("bigkey")
	val := make([]byte, bt.overflowThresh*2)
	rand.Read(val)
	bt.Insert(txID, key, val)
	p.CommitTx(txID)

	txID2, _ := p.BeginTx()
	deleted, err := bt.Delete(txID2, key)
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("expected deleted=true")
	}
	p.CommitTx(txID2)

	_, found, _ := bt.Get(key)
	if found {
		t.Fatal("overflow key should be gone")
	}
}

func TestBTree_Cursor_SurvivesAcrossCalls(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, _ := CreateBTree(p, txID, nil, 8)
	for i := 0; i < 50; i++ {
		bt.Insert(txID, []byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%03d", i)))
	}
	p.CommitTx(txID)

	cur := bt.NewCursor(nil, nil)
	var got []string
	for {
		k, _, ok, err := cur.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	if len(got) != 50 {
		t.Fatalf("cursor returned %d keys want 50", len(got))
	}
	if !sort.StringsAreSorted(got) {
		t.Fatal("cursor results not sorted")
	}

	// A second cursor bounded to [k010, k015] returns that inclusive window.
	cur2 := bt.NewCursor([]byte("k010"), []byte("k015"))
	var got2 []string
	for {
		k, _, ok, err := cur2.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got2 = append(got2, string(k))
	}
	want := []string{"k010", "k011", "k012", "k013", "k014", "k015"}
	if len(got2) != len(want) {
		t.Fatalf("bounded cursor: got %v want %v", got2, want)
	}
}

func TestBTree_FreeAllPages(t *testing.T) {
	p := newTestPager(t)
	txID, _ := p.BeginTx()
	bt, _ := CreateBTree(p, txID, nil, 8)
	for i := 0; i < 100; i++ {
		bt.Insert(txID, []byte(fmt.Sprintf("k%04d", i)), []byte("v"))
	}
	p.CommitTx(txID)

	bt.FreeAllPages()

	reused, _ := p.AllocPage()
	if reused == InvalidPageID {
		t.Fatal("expected AllocPage to succeed after freeing a populated tree")
	}
}
