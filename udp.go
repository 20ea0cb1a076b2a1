package fdbus

import (
	"fmt"
	"net"

	"github.com/adred-codev/fdbus/internal/transport"
	"github.com/adred-codev/fdbus/internal/wire"
)

// UDPSession is the datagram counterpart to the stream Session, grounded on
// original_source/fdbus/CFdbUDPSession.cpp: one socket per endpoint rather
// than one per peer, carrying only PreferUDP-flagged fire-and-forget traffic
// with no pending-reply bookkeeping (Non-goal "no guaranteed delivery on UDP
// path"). CFdbUDPSession::onInput only ever routes FDB_MT_BROADCAST and
// FDB_MT_REQUEST/FDB_MT_PUBLISH, both session-less; this port carries that
// over as Broadcast/Publish only — a Request sent over this path would have
// nowhere to deliver its reply, so Requests never take it: Session.sendFrame
// is used only for Publish and Broadcast.
type UDPSession struct {
	sock     *transport.DatagramSocket
	endpoint *Endpoint
	doneCh   chan struct{}
}

// EnableUDP binds a datagram socket at rawURL and starts the endpoint's UDP
// receive loop. Call once, before any session's SetUDPPeer.
func (e *Endpoint) EnableUDP(rawURL string) (*UDPSession, error) {
	u, err := transport.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	sock, err := transport.BindDatagram(u)
	if err != nil {
		return nil, err
	}
	us := &UDPSession{sock: sock, endpoint: e, doneCh: make(chan struct{})}
	e.mu.Lock()
	e.udp = us
	e.mu.Unlock()
	go us.readLoop()
	return us, nil
}

// URL returns the bound local datagram address.
func (u *UDPSession) URL() *transport.URL { return u.sock.URL() }

func (u *UDPSession) sendTo(frame []byte, addr *net.UDPAddr) error {
	n, err := u.sock.SendTo(frame, addr)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("fdbus: short UDP write: %d of %d bytes", n, len(frame))
	}
	return nil
}

// readLoop receives one complete datagram per syscall and dispatches it
// immediately, matching CFdbUDPSession::onInput's no-reassembly model: a
// datagram is a complete frame or it is dropped, never buffered across
// reads.
func (u *UDPSession) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-u.doneCh:
			return
		default:
		}
		n, _, err := u.sock.RecvFrom(buf)
		if err != nil {
			return
		}

		r := wire.NewReader()
		r.Feed(buf[:n])
		frame, ferr := r.Next()
		if ferr != nil {
			u.endpoint.logger.Debug().Err(ferr).Msg("dropping malformed UDP datagram")
			continue
		}
		u.endpoint.dispatchInboundUDP(frame)
	}
}

// Close stops the receive loop and releases the socket.
func (u *UDPSession) Close() error {
	close(u.doneCh)
	return u.sock.Close()
}

// SetUDPPeer records the UDP address PreferUDP-flagged messages sent on
// this session should target, learned out of band (handshake payload,
// well-known config) since the protocol itself has no UDP address exchange.
func (s *Session) SetUDPPeer(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("fdbus: resolve UDP peer %s: %w", addr, err)
	}
	s.udpPeer = udpAddr
	return nil
}

// sendFrame routes msg over the endpoint's UDPSession when msg carries
// FlagPreferUDP and both the endpoint's datagram socket and this session's
// peer address are configured; otherwise it falls back to the ordinary
// stream path. A PreferUDP send is fire-and-forget: no reply is ever
// expected on it, matching CFdbUDPSession's session-less receive side.
func (s *Session) sendFrame(msg *Message) Status {
	if msg.Flags.Has(FlagPreferUDP) {
		s.endpoint.mu.RLock()
		udp := s.endpoint.udp
		s.endpoint.mu.RUnlock()
		if udp != nil && s.udpPeer != nil {
			msg.Flags |= FlagNoReplyExpected
			if err := udp.sendTo(s.frameFor(msg), s.udpPeer); err != nil {
				return StatusUnableToSend
			}
			return StatusOk
		}
	}
	return s.enqueue(s.frameFor(msg))
}
