package fdbus

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/fdbus/internal/transport"
	"github.com/adred-codev/fdbus/internal/wire"
	"github.com/adred-codev/fdbus/internal/worker"
)

// SessionState is one of the four states a Session moves through (spec §4.4).
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionConnected               // "Live": accepting requests/broadcasts
	SessionDraining
	SessionDead
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "Connecting"
	case SessionConnected:
		return "Connected"
	case SessionDraining:
		return "Draining"
	default:
		return "Dead"
	}
}

// pendingRequest is one outstanding request awaiting a Reply/Status on this
// session (spec §3 "Pending request").
type pendingRequest struct {
	serial   int32
	replyCh  chan replyResult // nil for async requests
	asyncCb  func(*Message, Status)
	cbWorker *worker.Worker
	timer    *worker.Timer
}

type replyResult struct {
	msg    *Message
	status Status
}

// Session is one live peer connection on a stream socket (spec §3).
type Session struct {
	ID         string
	conn       net.Conn
	endpoint   *Endpoint
	creds      *transport.PeerCredentials
	securityLevel int
	token      string

	state atomic.Int32

	serial atomic.Int32

	pendingMu sync.Mutex
	pending   map[int32]*pendingRequest

	sendCh chan []byte
	logger zerolog.Logger

	closeOnce sync.Once
	doneCh    chan struct{}

	watchdog *sessionWatchdog
	limiter  *rate.Limiter
	udpPeer  *net.UDPAddr

	deathReason Status
}

// newSession wraps an already-connected net.Conn. The caller (Endpoint)
// still owns transitioning state to Connected once registered.
func newSession(conn net.Conn, creds *transport.PeerCredentials, ep *Endpoint) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		conn:     conn,
		endpoint: ep,
		creds:    creds,
		pending:  make(map[int32]*pendingRequest),
		sendCh:   make(chan []byte, 256),
		logger:   ep.logger.With().Str("session", "").Logger(),
		doneCh:   make(chan struct{}),
	}
	s.logger = ep.logger.With().Str("session_id", s.ID).Logger()
	s.state.Store(int32(SessionConnecting))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Credentials returns the peer identity captured at accept/connect time.
func (s *Session) Credentials() *transport.PeerCredentials { return s.creds }

// start transitions to Connected and launches the read/write pumps. Called
// by Endpoint once the session has been registered in its session table.
func (s *Session) start() {
	s.state.Store(int32(SessionConnected))
	go s.readPump()
	go s.writePump()
}

func (s *Session) nextSerial() int32 {
	return s.serial.Add(1)
}

// readPump is the input side of the state machine (spec §4.3/§4.4): it reads
// whatever bytes are available, feeds the reassembly buffer, and dispatches
// every complete frame in order. Grounded on _examples/adred-codev-ws_poc/ws/internal/shared/pump_read.go's
// read-loop shape.
func (s *Session) readPump() {
	defer s.die(StatusPeerVanish)

	r := wire.NewReader()
	buf := make([]byte, 64*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			r.Feed(buf[:n])
			for {
				frame, ferr := r.Next()
				if ferr == wire.ErrNeedMore {
					break
				}
				if ferr != nil {
					s.logger.Warn().Err(ferr).Msg("frame parse failed, marking session fatal")
					return
				}
				s.endpoint.dispatchInbound(s, frame)
			}
		}
		if err != nil {
			if transport.IsTemporary(err) {
				continue
			}
			return
		}
	}
}

// writePump drains the outbound queue: after each frame it also writes the
// frames already queued before waiting again, loosely following
// _examples/adred-codev-ws_poc/ws/internal/shared/pump_write.go. Each frame
// is still written with its own writeAll call; frames are not coalesced.
func (s *Session) writePump() {
	for {
		select {
		case <-s.doneCh:
			return
		case b, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := s.writeAll(b); err != nil {
				return
			}
			n := len(s.sendCh)
			for i := 0; i < n; i++ {
				select {
				case next := <-s.sendCh:
					if err := s.writeAll(next); err != nil {
						return
					}
				default:
				}
			}
		}
	}
}

func (s *Session) writeAll(b []byte) error {
	for len(b) > 0 {
		n, err := s.conn.Write(b)
		if err != nil {
			if transport.IsTemporary(err) {
				continue
			}
			return err
		}
		b = b[n:]
	}
	return nil
}

// enqueue pushes a fully-framed wire buffer to the write pump. Returns
// StatusUnableToSend if the outbound queue is saturated (backpressure, no
// flow control beyond this per spec §1 Non-goals).
func (s *Session) enqueue(frame []byte) Status {
	if s.State() != SessionConnected {
		return StatusInvalidId
	}
	select {
	case s.sendCh <- frame:
		return StatusOk
	default:
		return StatusUnableToSend
	}
}

func (s *Session) frameFor(m *Message) []byte {
	h := &wire.Header{
		Type:       uint8(m.Kind),
		Serial:     m.Serial,
		Code:       m.Code,
		Flags:      uint32(m.Flags),
		ObjId:      m.DstObjId,
		SenderName: m.SenderName,
		Filter:     m.Topic, // the wire "filter" field carries the topic, see SPEC_FULL.md
	}
	if !m.SendOrArriveTime.IsZero() {
		h.ArriveTime = uint64(m.SendOrArriveTime.UnixNano())
	}
	if !m.ReplyTime.IsZero() {
		h.ReplyTime = uint64(m.ReplyTime.UnixNano())
	}
	return wire.EncodeFrame(h, m.Payload)
}

// Invoke sends a Request and blocks for a reply up to timeout (<=0 waits
// forever). This is the sync path of spec §4.4.
func (s *Session) Invoke(code int32, payload []byte, timeout time.Duration) (*Message, Status) {
	req := NewMessage(KindRequest, code, payload)
	req.Serial = s.nextSerial()

	pr := &pendingRequest{serial: req.Serial, replyCh: make(chan replyResult, 1)}
	s.registerPending(pr, timeout)

	if st := s.enqueue(s.frameFor(req)); st != StatusOk {
		s.completePending(req.Serial, nil, StatusUnableToSend)
		return nil, StatusUnableToSend
	}

	res := <-pr.replyCh
	return res.msg, res.status
}

// InvokeAsync sends a Request and migrates the reply callback onto cbWorker
// (or the session's context worker if nil) when it arrives.
func (s *Session) InvokeAsync(code int32, payload []byte, timeout time.Duration, cbWorker *worker.Worker, cb func(*Message, Status)) {
	req := NewMessage(KindRequest, code, payload)
	req.Serial = s.nextSerial()

	if cbWorker == nil {
		cbWorker = s.endpoint.contextWorker
	}
	pr := &pendingRequest{serial: req.Serial, asyncCb: cb, cbWorker: cbWorker}
	s.registerPending(pr, timeout)

	if st := s.enqueue(s.frameFor(req)); st != StatusOk {
		s.completePending(req.Serial, nil, StatusUnableToSend)
	}
}

func (s *Session) registerPending(pr *pendingRequest, timeout time.Duration) {
	s.pendingMu.Lock()
	s.pending[pr.serial] = pr
	s.pendingMu.Unlock()

	if timeout > 0 {
		serial := pr.serial
		pr.timer = s.endpoint.contextWorker.AddTimer(timeout, false, func() {
			s.endpoint.mu.RLock()
			m := s.endpoint.metrics
			s.endpoint.mu.RUnlock()
			if m != nil {
				m.RequestsTimedOut.Inc()
			}
			s.completePending(serial, nil, StatusTimeout)
		})
	}
}

// completePending finishes the pending request identified by serial exactly
// once, across whichever of {reply, timeout, session death, cancel} gets
// there first (spec §8 "at-most-once delivery").
func (s *Session) completePending(serial int32, msg *Message, status Status) {
	s.pendingMu.Lock()
	pr, ok := s.pending[serial]
	if ok {
		delete(s.pending, serial)
	}
	s.pendingMu.Unlock()
	if !ok {
		return // already completed, or a reply for an unknown/expired serial: dropped
	}
	if pr.timer != nil {
		pr.timer.Cancel()
	}

	if pr.replyCh != nil {
		pr.replyCh <- replyResult{msg: msg, status: status}
		return
	}
	if pr.asyncCb != nil {
		cb, cbWorker := pr.asyncCb, pr.cbWorker
		job := worker.NewAsyncJob(func() { cb(msg, status) })
		cbWorker.Post(job)
	}
}

// onReply routes an inbound Reply/Status/SidebandReply/ReturnEvent message
// to its pending request (spec §4.4/§4.5).
func (s *Session) onReply(m *Message) {
	status := StatusOk
	if m.Flags.Has(FlagStatus) {
		status = m.Status()
	}
	s.completePending(m.Serial, m, status)
}

// die transitions Draining->Dead (or Connecting/Connected->Dead directly):
// flushes every pending request with finalStatus and fires the endpoint's
// offline callback. Idempotent.
func (s *Session) die(finalStatus Status) {
	s.closeOnce.Do(func() {
		s.deathReason = finalStatus
		s.state.Store(int32(SessionDraining))
		_ = s.conn.Close()
		close(s.doneCh)
		if s.watchdog != nil {
			s.watchdog.stop()
		}

		s.pendingMu.Lock()
		pending := s.pending
		s.pending = make(map[int32]*pendingRequest)
		s.pendingMu.Unlock()

		for _, pr := range pending {
			if pr.timer != nil {
				pr.timer.Cancel()
			}
			if pr.replyCh != nil {
				pr.replyCh <- replyResult{status: finalStatus}
			} else if pr.asyncCb != nil {
				cb, cbWorker := pr.asyncCb, pr.cbWorker
				cbWorker.Post(worker.NewAsyncJob(func() { cb(nil, finalStatus) }))
			}
		}

		s.state.Store(int32(SessionDead))
		s.endpoint.onSessionDead(s)
	})
}

// Disconnect tears the session down deliberately (as opposed to a transport
// failure), used by the client-side teardown path.
func (s *Session) Disconnect() {
	s.die(StatusPeerVanish)
}

// Reply sends a payload back for the Request/SidebandRequest req, marking
// req so the framework's auto-reply (spec §4.5) doesn't also fire. Call at
// most once per inbound request; a second call's frame still goes out but
// the peer will see two replies for one serial.
func (s *Session) Reply(req *Message, payload []byte) Status {
	kind := KindReply
	if req.Kind == KindSidebandRequest {
		kind = KindSidebandReply
	}
	reply := NewMessage(kind, req.Code, payload)
	reply.Serial = req.Serial
	reply.DstObjId = req.DstObjId
	req.Flags |= FlagReplied
	return s.enqueue(s.frameFor(reply))
}

// ReplyStatus sends a status-only reply (no payload), e.g. to report a
// handler-level failure the framework's auto-reply can't know about.
func (s *Session) ReplyStatus(req *Message, status Status) Status {
	kind := KindReply
	if req.Kind == KindSidebandRequest {
		kind = KindSidebandReply
	}
	reply := NewMessage(kind, req.Code, nil)
	reply.Serial = req.Serial
	reply.DstObjId = req.DstObjId
	reply.SetStatus(status)
	req.Flags |= FlagReplied
	return s.enqueue(s.frameFor(reply))
}

// FeedWatchdog sends the liveness-probe sideband request the peer's
// WatchdogConfig expects (spec §4.9). Fire-and-forget: the peer's
// auto-reply is discarded.
func (s *Session) FeedWatchdog() Status {
	msg := NewMessage(KindSidebandRequest, SidebandFeedWatchdog, nil)
	msg.Serial = s.nextSerial()
	msg.Flags |= FlagNoReplyExpected
	return s.enqueue(s.frameFor(msg))
}

func (s *Session) String() string {
	return fmt.Sprintf("session[%s]", s.ID)
}
