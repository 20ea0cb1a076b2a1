// Package wire implements the frame and header codec described in spec §4.3:
// an 8-byte length prefix followed by a variable-length, self-describing
// header, followed by an opaque payload. Field order and the optional-field
// bitmap mirror original_source/fdbus/CFdbMessageHeader.h so this codec is
// wire-compatible with the reference implementation's framing.
package wire

import (
	"encoding/binary"
	"errors"
)

// Option bits in Header.Options, matching CFdbMessageHeader's mOptHas* flags.
const (
	OptSenderName uint8 = 1 << 0
	OptFilter     uint8 = 1 << 1
	OptArriveTime uint8 = 1 << 2
	OptReplyTime  uint8 = 1 << 3
)

// ErrShortHeader is returned when a header blob is too small to hold even
// the fixed fields; the caller marks the session fatal on this error
// (spec §4.3 "a frame whose header fails to parse marks the session fatal").
var ErrShortHeader = errors.New("wire: header shorter than fixed fields")

// ErrHeaderTooLarge guards against a peer claiming an implausible header
// or frame size (over MaxHeaderLen or MaxFrameLen), which would otherwise
// force an unbounded allocation.
var ErrHeaderTooLarge = errors.New("wire: header length exceeds maximum")

// MaxHeaderLen bounds a single header blob. The real protocol never needs
// more than a few hundred bytes (a couple of strings plus seven fixed
// fields); this is generous headroom, not a true spec limit.
const MaxHeaderLen = 64 * 1024

// MaxFrameLen bounds total_length so a corrupt or hostile prefix cannot
// force an unbounded payload allocation before the header is even parsed.
const MaxFrameLen = 64 * 1024 * 1024

// PrefixLen is the fixed 8-byte frame prefix: total_length + head_length,
// each a little-endian uint32 (spec §4.3).
const PrefixLen = 8

// Header is the decoded fixed+optional header fields of one frame.
type Header struct {
	Type        uint8
	Serial      int32
	Code        int32
	Flags       uint32
	ObjId       uint32
	PayloadSize uint32
	Options     uint8

	SenderName string
	Filter     string
	ArriveTime uint64
	ReplyTime  uint64
}

// EncodePrefix writes the 8-byte length prefix for a frame whose header blob
// is headLen bytes and whose payload is payloadLen bytes.
func EncodePrefix(headLen, payloadLen int) []byte {
	buf := make([]byte, PrefixLen)
	total := uint32(PrefixLen + headLen + payloadLen)
	binary.LittleEndian.PutUint32(buf[0:4], total)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(headLen))
	return buf
}

// DecodePrefix parses the 8-byte prefix, returning total frame length and
// header blob length.
func DecodePrefix(buf []byte) (totalLen, headLen uint32, err error) {
	if len(buf) < PrefixLen {
		return 0, 0, ErrShortHeader
	}
	totalLen = binary.LittleEndian.Uint32(buf[0:4])
	headLen = binary.LittleEndian.Uint32(buf[4:8])
	if totalLen > MaxFrameLen || headLen > MaxHeaderLen {
		return 0, 0, ErrHeaderTooLarge
	}
	if uint32(PrefixLen)+headLen > totalLen {
		return 0, 0, ErrShortHeader
	}
	return totalLen, headLen, nil
}

// Encode serializes h into a header blob, writing fixed fields first, the
// options byte, then only the optional fields actually present — mirroring
// CFdbMessageHeader::serialize's field order exactly.
func Encode(h *Header) []byte {
	h.Options = 0
	if h.SenderName != "" {
		h.Options |= OptSenderName
	}
	if h.Filter != "" {
		h.Options |= OptFilter
	}
	if h.ArriveTime != 0 {
		h.Options |= OptArriveTime
	}
	if h.ReplyTime != 0 {
		h.Options |= OptReplyTime
	}

	size := 1 + 4 + 4 + 4 + 4 + 4 + 1
	if h.Options&OptSenderName != 0 {
		size += 4 + len(h.SenderName)
	}
	if h.Options&OptFilter != 0 {
		size += 4 + len(h.Filter)
	}
	if h.Options&OptArriveTime != 0 {
		size += 8
	}
	if h.Options&OptReplyTime != 0 {
		size += 8
	}

	buf := make([]byte, size)
	off := 0
	buf[off] = h.Type
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.Serial))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.Code))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.Flags)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.ObjId)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.PayloadSize)
	off += 4
	buf[off] = h.Options
	off++

	if h.Options&OptSenderName != 0 {
		off = putString(buf, off, h.SenderName)
	}
	if h.Options&OptFilter != 0 {
		off = putString(buf, off, h.Filter)
	}
	if h.Options&OptArriveTime != 0 {
		binary.LittleEndian.PutUint64(buf[off:], h.ArriveTime)
		off += 8
	}
	if h.Options&OptReplyTime != 0 {
		binary.LittleEndian.PutUint64(buf[off:], h.ReplyTime)
		off += 8
	}
	return buf
}

// Decode parses a header blob produced by Encode. A malformed blob returns
// ErrShortHeader; the caller marks the owning session fatal (spec §4.3).
func Decode(buf []byte) (*Header, error) {
	const fixed = 1 + 4 + 4 + 4 + 4 + 4 + 1
	if len(buf) < fixed {
		return nil, ErrShortHeader
	}
	h := &Header{}
	off := 0
	h.Type = buf[off]
	off++
	h.Serial = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	h.Code = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	h.Flags = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.ObjId = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.PayloadSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Options = buf[off]
	off++

	var err error
	if h.Options&OptSenderName != 0 {
		h.SenderName, off, err = getString(buf, off)
		if err != nil {
			return nil, err
		}
	}
	if h.Options&OptFilter != 0 {
		h.Filter, off, err = getString(buf, off)
		if err != nil {
			return nil, err
		}
	}
	if h.Options&OptArriveTime != 0 {
		if off+8 > len(buf) {
			return nil, ErrShortHeader
		}
		h.ArriveTime = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	if h.Options&OptReplyTime != 0 {
		if off+8 > len(buf) {
			return nil, ErrShortHeader
		}
		h.ReplyTime = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	return h, nil
}

func putString(buf []byte, off int, s string) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(s)))
	off += 4
	copy(buf[off:], s)
	return off + len(s)
}

func getString(buf []byte, off int) (string, int, error) {
	if off+4 > len(buf) {
		return "", off, ErrShortHeader
	}
	n := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if n < 0 || off+n > len(buf) {
		return "", off, ErrShortHeader
	}
	return string(buf[off : off+n]), off + n, nil
}
