package pager

import "testing"

func TestSuperblock_RoundTrip(t *testing.T) {
	sb := NewSuperblock(DefaultPageSize, 128, []byte("schema-blob"))
	sb.CatalogRoot = PageID(5)
	sb.FreeListRoot = PageID(10)
	sb.CheckpointLSN = LSN(999)
	sb.NextTxID = TxID(42)
	sb.NextPageID = PageID(50)
	sb.PageCount = 50

	buf := MarshalSuperblock(sb, DefaultPageSize)
	sb2, err := UnmarshalSuperblock(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sb2.FormatVersion != sb.FormatVersion {
		t.Errorf("version mismatch")
	}
	if sb2.PageSize != sb.PageSize {
		t.Errorf("pageSize mismatch")
	}
	if sb2.CatalogRoot != sb.CatalogRoot {
		t.Errorf("catalogRoot mismatch")
	}
	if sb2.CheckpointLSN != sb.CheckpointLSN {
		t.Errorf("checkpointLSN mismatch")
	}
	if sb2.TreeOrder != 128 {
		t.Errorf("treeOrder mismatch: got %d", sb2.TreeOrder)
	}
	if string(sb2.KeySchema) != "schema-blob" {
		t.Errorf("keySchema mismatch: got %q", sb2.KeySchema)
	}
}

func TestSuperblock_BadMagic(t *testing.T) {
	buf := MarshalSuperblock(NewSuperblock(DefaultPageSize, 128, nil), DefaultPageSize)
	buf[sbMagicOff] = 'X'
	SetChecksum(buf)
	if _, err := UnmarshalSuperblock(buf); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestSuperblock_BadChecksum(t *testing.T) {
	buf := MarshalSuperblock(NewSuperblock(DefaultPageSize, 128, nil), DefaultPageSize)
	buf[sbPageCountOff] ^= 0xFF
	if _, err := UnmarshalSuperblock(buf); err == nil {
		t.Fatal("expected checksum error")
	}
}

func TestSuperblock_UnsupportedFeatureFlags(t *testing.T) {
	sb := NewSuperblock(DefaultPageSize, 128, nil)
	sb.FeatureFlags = FeatureMVCC
	buf := MarshalSuperblock(sb, DefaultPageSize)
	if _, err := UnmarshalSuperblock(buf); err == nil {
		t.Fatal("expected error for unsupported feature flags")
	}
}
