package fdbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Message is the value type carried across the bus (spec §3). It is
// reference-counted because the I/O layer, the session's pending-reply
// table, and a migrated worker callback may all hold the same instance at
// once (spec §9 "Shared message references"); Unique reports whether the
// caller holds the last reference, the precondition MutateForSend documents.
type Message struct {
	Kind  Kind
	Code  int32
	Serial int32
	Flags Flags

	// routing
	DstSession *Session
	DstObjId   uint32

	// Topic is carried on the wire in the header's "filter" optional field
	// (original_source uses "filter" and "topic" interchangeably — see
	// DESIGN.md / SPEC_FULL.md); empty topic means "no topic" / wildcard.
	Topic   string
	Payload []byte

	SenderName string

	SendOrArriveTime time.Time
	ReplyTime        time.Time

	status Status

	refs int32
	mu   sync.Mutex
}

// NewMessage builds a ref-counted message with one reference held by the
// caller.
func NewMessage(kind Kind, code int32, payload []byte) *Message {
	return &Message{Kind: kind, Code: code, Payload: payload, refs: 1}
}

// Retain increments the reference count; callers that hand the message to
// another owner (pending-reply table, a migrated job) must Retain first.
func (m *Message) Retain() *Message {
	atomic.AddInt32(&m.refs, 1)
	return m
}

// Release decrements the reference count. It is a no-op beyond bookkeeping:
// Go's GC reclaims the backing array once the last reference drops, there is
// no explicit free, but code that wants "am I the sole owner" (MutateForSend)
// depends on this counter being accurate.
func (m *Message) Release() {
	atomic.AddInt32(&m.refs, -1)
}

// Unique reports whether the caller is the only owner, which is the
// precondition for in-place header mutation before send (spec §9).
func (m *Message) Unique() bool {
	return atomic.LoadInt32(&m.refs) == 1
}

// Clone returns an independent copy with its own payload buffer and a fresh
// single reference, used for multi-dispatch fan-out (spec §4.6) where each
// subscribing handler must see an unshared buffer.
func (m *Message) Clone() *Message {
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)
	return &Message{
		Kind:             m.Kind,
		Code:             m.Code,
		Serial:           m.Serial,
		Flags:            m.Flags,
		DstObjId:         m.DstObjId,
		Topic:            m.Topic,
		Payload:          payload,
		SenderName:       m.SenderName,
		SendOrArriveTime: m.SendOrArriveTime,
		ReplyTime:        m.ReplyTime,
		status:           m.status,
		refs:             1,
	}
}

// Status returns the status code carried by a Reply/Status-kind message.
func (m *Message) Status() Status { return m.status }

// SetStatus marks the message as a status-carrying reply.
func (m *Message) SetStatus(s Status) {
	m.status = s
	m.Flags |= FlagStatus
	if s != StatusOk && s != StatusAutoReplyOk {
		m.Flags |= FlagError
	}
}

// MutateForSend marks the message's header as built by setting
// FlagHeadBuilt; the wire header itself is encoded by the session's send
// path. It must only be called when Unique() is true (the single-writer
// invariant from spec §9); it does not check this itself.
func (m *Message) MutateForSend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Flags |= FlagHeadBuilt
}
