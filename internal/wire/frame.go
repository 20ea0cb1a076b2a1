package wire

import "errors"

// Frame is a fully decoded on-wire message: header plus opaque payload.
type Frame struct {
	Header  *Header
	Payload []byte
}

// ErrNeedMore signals the Reader does not yet have a complete frame and the
// caller should retry once more bytes are available (EAGAIN/EINTR keep the
// partial state per spec §4.3).
var ErrNeedMore = errors.New("wire: incomplete frame")

// Reader is a per-session input reassembly state machine. Feed appends
// freshly-read bytes; Next extracts as many complete frames as are present.
// It never blocks and never discards partial trailing bytes, so short reads
// are tolerated exactly as spec §4.3 requires.
type Reader struct {
	buf []byte
}

// NewReader returns an empty input state machine.
func NewReader() *Reader { return &Reader{} }

// Feed appends newly-read bytes to the reassembly buffer.
func (r *Reader) Feed(b []byte) {
	r.buf = append(r.buf, b...)
}

// Next extracts the next complete frame, if any. It returns ErrNeedMore when
// the buffer holds only a partial prefix or a partial body; the caller
// should stop draining and wait for the next readiness notification.
func (r *Reader) Next() (*Frame, error) {
	if len(r.buf) < PrefixLen {
		return nil, ErrNeedMore
	}
	totalLen, headLen, err := DecodePrefix(r.buf)
	if err != nil {
		return nil, err
	}
	if uint32(len(r.buf)) < totalLen {
		return nil, ErrNeedMore
	}

	headStart := PrefixLen
	headEnd := headStart + int(headLen)
	header, err := Decode(r.buf[headStart:headEnd])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, int(totalLen)-headEnd)
	copy(payload, r.buf[headEnd:totalLen])

	r.buf = r.buf[totalLen:]
	return &Frame{Header: header, Payload: payload}, nil
}

// Pending reports how many unconsumed bytes remain buffered, for tests and
// diagnostics.
func (r *Reader) Pending() int { return len(r.buf) }

// EncodeFrame builds one contiguous wire frame: prefix + header + payload.
// The header is built just-in-time into a buffer that precedes the payload
// so the whole frame can be written in a single contiguous slice, matching
// spec §4.3's "reserved prefix" send strategy. Callers that need to avoid a
// payload copy on a hot path can instead call Encode and EncodePrefix and
// write the payload as a second vectored chunk; EncodeFrame is the simple,
// always-correct form used by the session's default write path.
func EncodeFrame(h *Header, payload []byte) []byte {
	h.PayloadSize = uint32(len(payload))
	headBlob := Encode(h)
	prefix := EncodePrefix(len(headBlob), len(payload))

	out := make([]byte, 0, len(prefix)+len(headBlob)+len(payload))
	out = append(out, prefix...)
	out = append(out, headBlob...)
	out = append(out, payload...)
	return out
}
