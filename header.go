package sockmux

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Format identifies which header variant framed a message.
type Format uint8

const (
	// FormatExtended is the magic-prefixed header with 32-bit fields.
	// Every frame sent by this package uses it.
	FormatExtended Format = iota
	// FormatLegacy is the 8-byte header with a 16-bit id and a length
	// counted in 16-bit words. It is accepted on receive only.
	FormatLegacy
)

func (f Format) String() string {
	switch f {
	case FormatExtended:
		return "extended"
	case FormatLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Wire sizes of the two header variants.
const (
	// LegacyHeaderLen is the size of a legacy header and also the number of
	// bytes sniffed for the magic sentinel.
	LegacyHeaderLen = 8
	// MagicLen is the size of the magic block that opens an extended header.
	MagicLen = 16
	// ExtendedHeaderLen is the magic block plus id, len and seq.
	ExtendedHeaderLen = MagicLen + 12

	// MaxLegacyBody is the largest body a legacy header can describe.
	MaxLegacyBody = 0xFFFF * 2
)

// magicWord is repeated twice to form the magic block.
const magicWord uint64 = 0x534F4B32F00DCAFE

var magicBlock = func() []byte {
	b := make([]byte, MagicLen)
	binary.BigEndian.PutUint64(b[0:8], magicWord)
	binary.BigEndian.PutUint64(b[8:16], magicWord)
	return b
}()

// ErrBadMagic is returned when an extended header's second sentinel word
// does not match.
var ErrBadMagic = errors.New("corrupt magic block")

// ErrLegacyTooLarge is returned when a body cannot be described by a
// legacy header.
var ErrLegacyTooLarge = errors.New("body too large for legacy header")

// Header is the decoded frame header. Format tags which variant it came
// from; Len is always the body length in bytes regardless of variant.
type Header struct {
	Format Format
	ID     uint32
	Len    uint32
	Seq    uint32
}

// isMagic reports whether the first sniffed bytes open an extended header.
func isMagic(b []byte) bool {
	return len(b) >= 8 && binary.BigEndian.Uint64(b[:8]) == magicWord
}

// EncodeExtended renders an extended header.
func EncodeExtended(h Header) []byte {
	buf := make([]byte, ExtendedHeaderLen)
	putExtended(buf, h)
	return buf
}

func putExtended(buf []byte, h Header) {
	copy(buf[0:MagicLen], magicBlock)
	binary.BigEndian.PutUint32(buf[16:20], h.ID)
	binary.BigEndian.PutUint32(buf[20:24], h.Len)
	binary.BigEndian.PutUint32(buf[24:28], h.Seq)
}

// decodeExtended parses a full extended header including the magic block.
func decodeExtended(b []byte) (Header, error) {
	if len(b) != ExtendedHeaderLen {
		return Header{}, errors.Errorf("invalid extended header length: %d", len(b))
	}
	if !bytes.Equal(b[:MagicLen], magicBlock) {
		return Header{}, ErrBadMagic
	}
	return Header{
		Format: FormatExtended,
		ID:     binary.BigEndian.Uint32(b[16:20]),
		Len:    binary.BigEndian.Uint32(b[20:24]),
		Seq:    binary.BigEndian.Uint32(b[24:28]),
	}, nil
}

// EncodeLegacy renders a legacy header for a body of h.Len bytes. The
// length field is rounded up to whole 16-bit words.
func EncodeLegacy(h Header) ([]byte, error) {
	if h.Len > MaxLegacyBody {
		return nil, ErrLegacyTooLarge
	}
	if h.ID > 0xFFFF {
		return nil, errors.Errorf("type id %d does not fit a legacy header", h.ID)
	}
	buf := make([]byte, LegacyHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.ID))
	binary.BigEndian.PutUint16(buf[2:4], uint16((h.Len+1)/2))
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	return buf, nil
}

func decodeLegacy(b []byte) (Header, error) {
	if len(b) != LegacyHeaderLen {
		return Header{}, errors.Errorf("invalid legacy header length: %d", len(b))
	}
	return Header{
		Format: FormatLegacy,
		ID:     uint32(binary.BigEndian.Uint16(b[0:2])),
		Len:    uint32(binary.BigEndian.Uint16(b[2:4])) * 2,
		Seq:    binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// AppendFrame appends an extended-header frame carrying body to dst.
// The header's Len is taken from len(body).
func AppendFrame(dst []byte, h Header, body []byte) []byte {
	h.Len = uint32(len(body))
	var hdr [ExtendedHeaderLen]byte
	putExtended(hdr[:], h)
	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}

// AppendLegacyFrame appends a legacy frame carrying body to dst, padding an
// odd body with one zero byte.
func AppendLegacyFrame(dst []byte, h Header, body []byte) ([]byte, error) {
	h.Len = uint32(len(body))
	hdr, err := EncodeLegacy(h)
	if err != nil {
		return dst, err
	}
	dst = append(dst, hdr...)
	dst = append(dst, body...)
	if len(body)%2 == 1 {
		dst = append(dst, 0)
	}
	return dst, nil
}

// ConvertToLegacy renders a received frame in legacy wire form for callers
// that still consume the old layout. The id must fit in 16 bits and the body
// in MaxLegacyBody bytes.
func ConvertToLegacy(h Header, body []byte) ([]byte, error) {
	return AppendLegacyFrame(make([]byte, 0, LegacyHeaderLen+len(body)+1), h, body)
}
