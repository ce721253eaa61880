package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// WAL file format
// ───────────────────────────────────────────────────────────────────────────
//
// Physical (full-page-image) logging: every WritePage call appends the
// new page image (no before-image is logged) so crash recovery can replay
// it idempotently.
//
// WAL file header (first 32 bytes):
//   [0:8]   Magic      "HMSSWAL\x00"
//   [8:12]  Version    uint32 LE
//   [12:16] PageSize   uint32 LE
//   [16:24] Reserved
//   [24:28] HeaderCRC  uint32 LE (CRC32-C of bytes 0:24)
//   [28:32] Padding
//
// WAL record (variable length, offsets relative to the record body after
// the 4-byte RecordLen prefix):
//   [0]     Kind       (1 byte)
//   [1:9]   LSN        uint64 LE
//   [9:17]  PrevLSN    uint64 LE (WALRecord.PrevLSN as given; the Pager's records leave it 0)
//   [17:25] TxID       uint64 LE
//   [25:29] PageID     uint32 LE (PAGE_IMAGE only)
//   [29:33] DataLen    uint32 LE
//   [33:33+DataLen]    Data
//   last 4  CRC        uint32 LE (CRC32-C of every preceding body byte)

const (
	WALMagic         = "HMSSWAL\x00"
	WALVersion       = uint32(1)
	WALFileHdrSize   = 32
	walRecPreDataLen = 33 // kind through DataLen; Data and the trailing CRC follow
)

// WALRecordKind identifies the kind of WAL record.
type WALRecordKind uint8

const (
	WALBegin      WALRecordKind = 0x01
	WALPageImage  WALRecordKind = 0x02
	WALCommit     WALRecordKind = 0x03
	WALAbort      WALRecordKind = 0x04
	WALCheckpoint WALRecordKind = 0x05
)

func (k WALRecordKind) String() string {
	switch k {
	case WALBegin:
		return "BEGIN"
	case WALPageImage:
		return "PAGE_IMAGE"
	case WALCommit:
		return "COMMIT"
	case WALAbort:
		return "ABORT"
	case WALCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(k))
	}
}

// WALRecord is the in-memory representation of one WAL record.
type WALRecord struct {
	Kind    WALRecordKind
	LSN     LSN
	PrevLSN LSN
	TxID    TxID
	PageID  PageID // PAGE_IMAGE only
	Data    []byte // full page image for PAGE_IMAGE, nil otherwise
}

// WALFile manages the append-only write-ahead log.
type WALFile struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize int
	nextLSN  LSN
	writePos int64
}

// OpenWALFile opens or creates the WAL at path.
func OpenWALFile(path string, pageSize int) (*WALFile, error) {
	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}

	wf := &WALFile{f: f, path: path, pageSize: pageSize, nextLSN: 1}

	if exists {
		if err := wf.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := wf.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("seek WAL end: %w", err)
	}
	wf.writePos = end
	return wf, nil
}

func (wf *WALFile) writeHeader() error {
	var hdr [WALFileHdrSize]byte
	copy(hdr[0:8], WALMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], WALVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(wf.pageSize))
	c := crc32.Checksum(hdr[:24], crcTable)
	binary.LittleEndian.PutUint32(hdr[24:28], c)
	if _, err := wf.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write WAL header: %w", err)
	}
	return wf.f.Sync()
}

func (wf *WALFile) validateHeader() error {
	var hdr [WALFileHdrSize]byte
	n, err := wf.f.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read WAL header: %w", err)
	}
	if n < WALFileHdrSize {
		return fmt.Errorf("%w: header too short (%d bytes)", ErrWALTruncated, n)
	}
	if string(hdr[0:8]) != WALMagic {
		return fmt.Errorf("%w: bad magic", ErrCorruptLog)
	}
	if ver := binary.LittleEndian.Uint32(hdr[8:12]); ver != WALVersion {
		return fmt.Errorf("unsupported WAL version %d", ver)
	}
	if ps := binary.LittleEndian.Uint32(hdr[12:16]); int(ps) != wf.pageSize {
		return fmt.Errorf("WAL page size %d != expected %d", ps, wf.pageSize)
	}
	stored := binary.LittleEndian.Uint32(hdr[24:28])
	if computed := crc32.Checksum(hdr[:24], crcTable); stored != computed {
		return fmt.Errorf("%w: header CRC mismatch", ErrCorruptLog)
	}
	return nil
}

// AppendRecord writes rec and assigns it a monotonic LSN, returning it.
func (wf *WALFile) AppendRecord(rec *WALRecord) (LSN, error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()

	lsn := wf.nextLSN
	wf.nextLSN++
	rec.LSN = lsn

	data := marshalWALRecord(rec)
	n, err := wf.f.WriteAt(data, wf.writePos)
	if err != nil {
		return 0, fmt.Errorf("WAL append: %w", err)
	}
	wf.writePos += int64(n)
	return lsn, nil
}

// Sync fsyncs the WAL file for durability (group-commit boundary).
func (wf *WALFile) Sync() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Sync()
}

func (wf *WALFile) Close() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Close()
}

// Truncate resets the WAL to just its header, called after a checkpoint.
func (wf *WALFile) Truncate() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if err := wf.f.Truncate(WALFileHdrSize); err != nil {
		return err
	}
	wf.writePos = WALFileHdrSize
	return wf.f.Sync()
}

func (wf *WALFile) NextLSN() LSN {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.nextLSN
}

// SetNextLSN lets recovery restore the LSN counter after replay.
func (wf *WALFile) SetNextLSN(lsn LSN) {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.nextLSN = lsn
}

func marshalWALRecord(rec *WALRecord) []byte {
	dataLen := len(rec.Data)
	body := make([]byte, walRecPreDataLen+dataLen+4)
	body[0] = byte(rec.Kind)
	binary.LittleEndian.PutUint64(body[1:9], uint64(rec.LSN))
	binary.LittleEndian.PutUint64(body[9:17], uint64(rec.PrevLSN))
	binary.LittleEndian.PutUint64(body[17:25], uint64(rec.TxID))
	binary.LittleEndian.PutUint32(body[25:29], uint32(rec.PageID))
	binary.LittleEndian.PutUint32(body[29:33], uint32(dataLen))
	if dataLen > 0 {
		copy(body[walRecPreDataLen:], rec.Data)
	}
	crc := crc32.Checksum(body[:walRecPreDataLen+dataLen], crcTable)
	binary.LittleEndian.PutUint32(body[walRecPreDataLen+dataLen:], crc)

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

func unmarshalWALRecord(r io.Reader) (*WALRecord, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	if bodyLen < walRecPreDataLen+4 {
		return nil, fmt.Errorf("%w: record too short", ErrCorruptLog)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	rec := &WALRecord{
		Kind:    WALRecordKind(body[0]),
		LSN:     LSN(binary.LittleEndian.Uint64(body[1:9])),
		PrevLSN: LSN(binary.LittleEndian.Uint64(body[9:17])),
		TxID:    TxID(binary.LittleEndian.Uint64(body[17:25])),
		PageID:  PageID(binary.LittleEndian.Uint32(body[25:29])),
	}
	dataLen := int(binary.LittleEndian.Uint32(body[29:33]))
	if walRecPreDataLen+dataLen+4 != len(body) {
		return nil, fmt.Errorf("%w: data length mismatch", ErrCorruptLog)
	}
	storedCRC := binary.LittleEndian.Uint32(body[walRecPreDataLen+dataLen:])
	if dataLen > 0 {
		rec.Data = body[walRecPreDataLen : walRecPreDataLen+dataLen]
	}

	if crc := crc32.Checksum(body[:walRecPreDataLen+dataLen], crcTable); crc != storedCRC {
		return nil, fmt.Errorf("%w: CRC mismatch at LSN %d", ErrCorruptLog, rec.LSN)
	}
	return rec, nil
}

// ReadAllRecords reads every WAL record after the file header. A partial or
// corrupt record at the tail (from a mid-write crash) stops the scan rather
// than erroring the whole read.
func ReadAllRecords(path string) ([]*WALRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(WALFileHdrSize, io.SeekStart); err != nil {
		return nil, err
	}

	var records []*WALRecord
	for {
		rec, err := unmarshalWALRecord(f)
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}
