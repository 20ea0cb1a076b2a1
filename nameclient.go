package fdbus

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/fdbus/internal/transport"
)

// DefaultNameServerURL is used when no explicit address is configured via
// SetNameServerURL; it matches the well-known ipc path a locally-running
// name server binds to in this implementation's cmd/ tooling.
const DefaultNameServerURL = "ipc:///tmp/fdbus-name-server"

const nameClientReconnectBackoff = 500 * time.Millisecond

// nameClient resolves svc:// addresses against the name server described in
// spec §4.8, and keeps its own connection alive with a reconnect-and-
// resubscribe loop grounded on go-server-2's NATS reconnect idiom and
// _examples/adred-codev-ws_poc/ws/kafka/consumer.go's retry-with-backoff shape.
type nameClient struct {
	ep    *Endpoint
	nsURL string

	mu      sync.Mutex
	session *Session
	obj     *Object

	watchers map[string][]chan string // service -> waiters for the next ServiceOnline broadcast

	// watchedServices is the durable record of every service this client has
	// ever resolved, distinct from watchers' one-shot waiter channels: an
	// entry here survives past its first resolution and is replayed as a
	// fresh Subscribe on every reconnect, so a later ServiceOnline broadcast
	// (e.g. the service rebinding to a new address) still reaches this
	// client even though the old session's subscription died with it.
	watchedServices map[string]struct{}

	// boundServices is the durable record of every service this endpoint
	// has registered via bindByService, replayed as a fresh RegisterService
	// call on every reconnect (spec §8 "every previously bound service is
	// re-registered").
	boundServices map[string]string // service -> bound address

	stopped bool
}

// newNameClient wraps ep's OnOffline hook to detect and reconnect its own
// name-server session; call Endpoint.OnOnline/OnOffline before the first
// svc:// Bind/Connect so this wrapping doesn't get silently replaced.
func newNameClient(ep *Endpoint, nsURL string) *nameClient {
	if nsURL == "" {
		nsURL = DefaultNameServerURL
	}
	nc := &nameClient{
		ep:              ep,
		nsURL:           nsURL,
		watchers:        make(map[string][]chan string),
		watchedServices: make(map[string]struct{}),
		boundServices:   make(map[string]string),
	}

	prevOffline := ep.onOffline
	ep.onOffline = func(s *Session) {
		nc.mu.Lock()
		isNsSession := nc.session == s
		nc.mu.Unlock()
		if isNsSession {
			nc.scheduleReconnect()
		}
		if prevOffline != nil {
			prevOffline(s)
		}
	}

	nc.connect()
	return nc
}

func (nc *nameClient) connect() {
	u, err := transport.ParseURL(nc.nsURL)
	if err != nil {
		nc.ep.logger.Error().Err(err).Str("url", nc.nsURL).Msg("bad name server url")
		return
	}
	conn, creds, err := transport.Connect(u, transport.DefaultConnectRetries, transport.DefaultConnectInterval, transport.DefaultConnectTimeout)
	if err != nil {
		nc.ep.logger.Warn().Err(err).Msg("name server unreachable, will retry in background")
		nc.scheduleReconnect()
		return
	}

	sess := newSession(conn, creds, nc.ep)
	obj := sess.endpoint.PrimaryObject()

	nc.mu.Lock()
	nc.session = sess
	nc.obj = obj
	bound := make(map[string]string, len(nc.boundServices))
	for svc, addr := range nc.boundServices {
		bound[svc] = addr
	}
	watched := make([]string, 0, len(nc.watchedServices))
	for svc := range nc.watchedServices {
		watched = append(watched, svc)
	}
	nc.mu.Unlock()

	nc.ep.registerSession(sess)
	obj.OnEvent(NsCodeServiceOnline, "", nil, nc.onServiceOnline)
	sess.start()

	// Reconnect idempotence (spec §8): every previously bound service is
	// re-registered, and every previously resolved service's subscription
	// is replayed exactly once against the new session, since the name
	// server dropped both when the old session died.
	for svc, addr := range bound {
		if status := nc.registerService(svc, addr, nc.ep.connectTimeout); status != StatusOk {
			nc.ep.logger.Warn().Str("service", svc).Str("status", status.String()).
				Msg("failed to re-register bound service after name-server reconnect")
		}
	}
	for _, svc := range watched {
		_ = obj.Subscribe(sess, []SubscribeItem{{Code: NsCodeServiceOnline, Topic: svc, Type: SubNormal}})
	}
}

func (nc *nameClient) scheduleReconnect() {
	nc.mu.Lock()
	stopped := nc.stopped
	nc.mu.Unlock()
	if stopped {
		return
	}
	nc.ep.contextWorker.AddTimer(nameClientReconnectBackoff, false, nc.connect)
}

// onServiceOnline fulfills every in-flight resolve() call waiting on
// msg.Topic. It only drains the ephemeral per-call waiter channels in
// watchers; watchedServices, the durable record that connect() replays on
// reconnect, is never trimmed here — a service stays watched for the life
// of this nameClient once first resolved.
func (nc *nameClient) onServiceOnline(obj *Object, session *Session, msg *Message) {
	nc.mu.Lock()
	waiters := nc.watchers[msg.Topic]
	delete(nc.watchers, msg.Topic)
	nc.mu.Unlock()

	addr := string(msg.Payload)
	for _, ch := range waiters {
		ch <- addr
	}
}

// resolve subscribes to ServiceOnline for service and blocks up to timeout
// for the first address to arrive (spec §4.8's "resolve a service name to
// an address"). service joins watchedServices permanently, so a later
// name-server reconnect replays the subscription even though this call has
// long since returned.
func (nc *nameClient) resolve(service string, timeout time.Duration) (string, Status) {
	nc.mu.Lock()
	if nc.session == nil || nc.session.State() != SessionConnected {
		nc.mu.Unlock()
		return "", StatusPeerVanish
	}
	ch := make(chan string, 1)
	nc.watchers[service] = append(nc.watchers[service], ch)
	nc.watchedServices[service] = struct{}{}
	sess, obj := nc.session, nc.obj
	nc.mu.Unlock()

	if st := obj.Subscribe(sess, []SubscribeItem{{Code: NsCodeServiceOnline, Topic: service, Type: SubNormal}}); st != StatusOk {
		return "", st
	}

	select {
	case addr := <-ch:
		return addr, StatusOk
	case <-time.After(timeout):
		return "", StatusTimeout
	}
}

// allocAddress asks the name server to hand back a free local address for
// service (spec §4.8 AllocServiceAddress), used by Bind(svc://...).
func (nc *nameClient) allocAddress(service string, timeout time.Duration) (string, Status) {
	nc.mu.Lock()
	sess := nc.session
	nc.mu.Unlock()
	if sess == nil || sess.State() != SessionConnected {
		return "", StatusPeerVanish
	}
	reply, status := sess.Invoke(NsCodeAllocServiceAddress, []byte(service), timeout)
	if status != StatusOk {
		return "", status
	}
	return string(reply.Payload), StatusOk
}

// registerService tells the name server service is now bound at addr (spec
// §4.8 RegisterService), fanning out as a ServiceOnline broadcast to
// whoever already subscribed.
func (nc *nameClient) registerService(service, addr string, timeout time.Duration) Status {
	nc.mu.Lock()
	sess := nc.session
	nc.mu.Unlock()
	if sess == nil || sess.State() != SessionConnected {
		return StatusPeerVanish
	}
	_, status := sess.Invoke(NsCodeRegisterService, EncodeNamePair(service, addr), timeout)
	return status
}

// unregisterService tells the name server to forget service (spec §4.8
// UnregisterService) and drops it from the re-register-on-reconnect set.
func (nc *nameClient) unregisterService(service string, timeout time.Duration) Status {
	nc.mu.Lock()
	sess := nc.session
	delete(nc.boundServices, service)
	nc.mu.Unlock()
	if sess == nil || sess.State() != SessionConnected {
		return StatusPeerVanish
	}
	_, status := sess.Invoke(NsCodeUnregisterService, []byte(service), timeout)
	return status
}

func (nc *nameClient) close() {
	nc.mu.Lock()
	nc.stopped = true
	sess := nc.session
	nc.mu.Unlock()
	if sess != nil {
		sess.Disconnect()
	}
}

// EncodeNamePair packs a (service, address) pair for RegisterService's
// request payload. Exported so an external name-server implementation
// (spec §3's "real deployments run an external name server") can decode
// the same wire format this client sends.
func EncodeNamePair(name, addr string) []byte {
	buf := make([]byte, 4+len(name)+len(addr))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(name)))
	copy(buf[4:], name)
	copy(buf[4+len(name):], addr)
	return buf
}

// DecodeNamePair is the inverse of EncodeNamePair.
func DecodeNamePair(buf []byte) (name, addr string, err error) {
	if len(buf) < 4 {
		return "", "", fmt.Errorf("fdbus: malformed name/address pair")
	}
	n := int(binary.LittleEndian.Uint32(buf[:4]))
	if 4+n > len(buf) {
		return "", "", fmt.Errorf("fdbus: malformed name/address pair")
	}
	return string(buf[4 : 4+n]), string(buf[4+n:]), nil
}

// ensureNameClient lazily connects the endpoint's name-resolution client.
// newNameClient connects and registers its session, which takes e.mu, so it
// runs with e.mu released; a client that loses a concurrent race is closed.
func (e *Endpoint) ensureNameClient() *nameClient {
	e.mu.Lock()
	existing, nsURL := e.nc, e.nameServerURL
	e.mu.Unlock()
	if existing != nil {
		return existing
	}
	nc := newNameClient(e, nsURL)
	e.mu.Lock()
	existing = e.nc
	if existing == nil {
		e.nc = nc
	}
	e.mu.Unlock()
	if existing != nil {
		nc.close()
		return existing
	}
	return nc
}

// SetNameServerURL overrides the default name server address, used by
// tests wiring a fake name server (spec §4.8 process boundaries).
func (e *Endpoint) SetNameServerURL(rawURL string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nameServerURL = rawURL
}

func (e *Endpoint) bindByService(service string) error {
	nc := e.ensureNameClient()
	addr, status := nc.allocAddress(service, e.connectTimeout)
	if status != StatusOk {
		return fmt.Errorf("fdbus: AllocServiceAddress(%q): %s", service, status)
	}
	u, err := transport.ParseURL(addr)
	if err != nil {
		return fmt.Errorf("fdbus: name server returned bad address %q: %w", addr, err)
	}
	if err := e.bindOne(u); err != nil {
		return err
	}
	boundAddr := u.String()
	if status := nc.registerService(service, boundAddr, e.connectTimeout); status != StatusOk {
		return fmt.Errorf("fdbus: RegisterService(%q): %s", service, status)
	}
	nc.mu.Lock()
	nc.boundServices[service] = boundAddr
	nc.mu.Unlock()
	return nil
}

func (e *Endpoint) connectByService(service string) error {
	nc := e.ensureNameClient()
	addr, status := nc.resolve(service, e.connectTimeout)
	if status != StatusOk {
		return fmt.Errorf("fdbus: resolve service %q: %s", service, status)
	}
	u, err := transport.ParseURL(addr)
	if err != nil {
		return fmt.Errorf("fdbus: name server returned bad address %q: %w", addr, err)
	}
	_, err = e.connectOne(u)
	return err
}
