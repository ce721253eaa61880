package pager

import (
	"bytes"
	"encoding/binary"
	"math"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// KeyCompare orders two encoded keys, returning <0, 0, >0 like bytes.Compare.
type KeyCompare func(a, b []byte) int

// KeyKind identifies how a key column's bytes should be compared.
type KeyKind uint8

const (
	KeyKindBytes   KeyKind = iota // raw lexicographic byte compare
	KeyKindInt64                  // big-endian sign-flipped int64, memcmp-order
	KeyKindFloat64                // IEEE-754 order-preserving transform
	KeyKindString                 // golang.org/x/text collation + NFC normalization
	KeyKindTuple                  // composite: length-prefixed sequence of sub-keys
)

// KeyCodec describes how one key column (or a composite tuple of them) is
// compared. When FloatEpsilon is non-zero, two KeyKindFloat64 values within
// FloatEpsilon of each other compare equal; zero keeps exact ordering.
type KeyCodec struct {
	Kind         KeyKind
	FloatEpsilon float64
	Sub          []KeyCodec // only used when Kind == KeyKindTuple
	collator     *collate.Collator
}

// NewStringKeyCodec returns a codec using x/text collation for the given
// BCP-47 language tag (language.Und for a locale-agnostic default order).
func NewStringKeyCodec(tag language.Tag) KeyCodec {
	return KeyCodec{Kind: KeyKindString, collator: collate.New(tag)}
}

// EncodeInt64 produces a byte encoding that preserves numeric order under
// bytes.Compare: big-endian with the sign bit flipped.
func EncodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)^(1<<63))
	return buf
}

func DecodeInt64(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf) ^ (1 << 63))
}

// EncodeFloat64 produces an order-preserving byte encoding for IEEE-754
// doubles: for non-negative values flip the sign bit, for negative values
// flip every bit, so bytes.Compare matches numeric order (NaN sorts last).
func EncodeFloat64(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}

func DecodeFloat64(buf []byte) float64 {
	bits := binary.BigEndian.Uint64(buf)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// EncodeTuple length-prefixes each sub-key so the parts can be split back
// apart. Tuple order comes from KeyCodec.Compare with KeyKindTuple, which
// decodes and compares part by part; a plain byte comparison of the
// encoding orders by the first part's length before its contents.
func EncodeTuple(parts [][]byte) []byte {
	var buf bytes.Buffer
	var lenPrefix [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(p)))
		buf.Write(lenPrefix[:])
		buf.Write(p)
	}
	return buf.Bytes()
}

// DecodeTuple splits a tuple encoding back into its parts.
func DecodeTuple(buf []byte) [][]byte {
	var parts [][]byte
	for len(buf) >= 4 {
		n := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint32(len(buf)) < n {
			break
		}
		parts = append(parts, buf[:n])
		buf = buf[n:]
	}
	return parts
}

// Compare orders two encoded keys according to c's kind.
func (c KeyCodec) Compare(a, b []byte) int {
	switch c.Kind {
	case KeyKindInt64:
		return bytes.Compare(a, b) // order-preserving encoding: byte compare suffices
	case KeyKindFloat64:
		if c.FloatEpsilon > 0 {
			fa, fb := DecodeFloat64(a), DecodeFloat64(b)
			d := fa - fb
			if d < 0 {
				d = -d
			}
			if d <= c.FloatEpsilon {
				return 0
			}
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
		return bytes.Compare(a, b)
	case KeyKindString:
		an, bn := norm.NFC.Bytes(a), norm.NFC.Bytes(b)
		if c.collator != nil {
			return c.collator.CompareString(string(an), string(bn))
		}
		return bytes.Compare(an, bn)
	case KeyKindTuple:
		return c.compareTuple(a, b)
	default:
		return bytes.Compare(a, b)
	}
}

func (c KeyCodec) compareTuple(a, b []byte) int {
	pa, pb := DecodeTuple(a), DecodeTuple(b)
	for i := 0; i < len(pa) && i < len(pb); i++ {
		sub := KeyCodec{Kind: KeyKindBytes}
		if i < len(c.Sub) {
			sub = c.Sub[i]
		}
		if cmp := sub.Compare(pa[i], pb[i]); cmp != 0 {
			return cmp
		}
	}
	switch {
	case len(pa) < len(pb):
		return -1
	case len(pa) > len(pb):
		return 1
	default:
		return 0
	}
}

// Compare is the package-level default comparator: plain lexicographic byte
// order, used by trees that were not given an explicit KeyCodec.
func Compare(a, b []byte) int { return bytes.Compare(a, b) }

// Marshal serializes c's kind/epsilon/sub-codecs so it can be stored in the
// superblock's KeySchema field and reconstructed on reopen. The collator
// itself (locale) is not round-tripped here; callers that need a specific
// locale re-supply it via NewStringKeyCodec after load.
func (c KeyCodec) Marshal() []byte {
	buf := make([]byte, 1+8+2)
	buf[0] = byte(c.Kind)
	binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(c.FloatEpsilon))
	binary.LittleEndian.PutUint16(buf[9:], uint16(len(c.Sub)))
	for _, s := range c.Sub {
		buf = append(buf, s.Marshal()...)
	}
	return buf
}

// UnmarshalKeyCodec is the inverse of KeyCodec.Marshal.
func UnmarshalKeyCodec(buf []byte) (KeyCodec, int) {
	c := KeyCodec{
		Kind:         KeyKind(buf[0]),
		FloatEpsilon: math.Float64frombits(binary.LittleEndian.Uint64(buf[1:])),
	}
	n := int(binary.LittleEndian.Uint16(buf[9:]))
	off := 11
	for i := 0; i < n; i++ {
		sub, consumed := UnmarshalKeyCodec(buf[off:])
		c.Sub = append(c.Sub, sub)
		off += consumed
	}
	return c, off
}
