package fdbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/fdbus/internal/metrics"
	"github.com/adred-codev/fdbus/internal/transport"
	"github.com/adred-codev/fdbus/internal/wire"
	"github.com/adred-codev/fdbus/internal/worker"
)

// Role distinguishes a client endpoint (connects out) from a server
// endpoint (binds and accepts), spec §3.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Endpoint is an addressable participant with a name, a role, a set of
// sockets, sessions, and child objects (spec §3). Grounded on
// _examples/adred-codev-ws_poc/ws/internal/shared/server.go's Server struct (config, listener,
// connection map, lifecycle ctx/wg) and _examples/adred-codev-ws_poc/ws/internal/multi/shard.go's
// multi-listener idiom, generalized from one WebSocket hub to the full
// endpoint/object graph.
type Endpoint struct {
	name string
	role Role
	rt   *Runtime

	contextWorker *worker.Worker
	logger        zerolog.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	objects   map[uint32]*Object
	nextObjId uint32
	listeners []*transport.ServerSocket

	registry *Registry
	cache    *EventCache

	watchdogCfg  *WatchdogConfig
	rateLimitCfg *RequestRateLimitConfig

	nc            *nameClient
	nameServerURL string

	udp *UDPSession

	metrics *metrics.Collectors

	onOnline  func(*Session)
	onOffline func(*Session)

	closing  atomic.Bool
	acceptWg sync.WaitGroup

	bindRetries    int
	connectRetries int
	connectBackoff time.Duration
	connectTimeout time.Duration
}

// NewEndpoint creates an endpoint under runtime rt. Every endpoint owns a
// dedicated context worker that runs its scheduled callbacks and timers
// (spec §4.1's "one distinguished context worker"); each endpoint gets its
// own rather than sharing one process-wide worker, which is what makes
// multiple runtimes usable in tests (spec §9 "permit multiple runtimes for
// testability").
func NewEndpoint(rt *Runtime, name string, role Role) *Endpoint {
	ep := &Endpoint{
		name:           name,
		role:           role,
		rt:             rt,
		logger:         rt.logger.With().Str("endpoint", name).Logger(),
		sessions:       make(map[string]*Session),
		objects:        make(map[uint32]*Object),
		registry:       NewRegistry(),
		bindRetries:    transport.DefaultBindRetries,
		connectRetries: transport.DefaultConnectRetries,
		connectBackoff: transport.DefaultConnectInterval,
		connectTimeout: transport.DefaultConnectTimeout,
	}
	ep.contextWorker = worker.New(name+"-ctx", 256, rt.logger)
	ep.contextWorker.Start()
	ep.objects[PrimaryObjectId] = newObject(ep, PrimaryObjectId, name)
	rt.register(ep)

	ep.contextWorker.AddTimer(5*time.Second, true, ep.sampleWorkerQueueDepth)
	return ep
}

func (e *Endpoint) sampleWorkerQueueDepth() {
	e.mu.RLock()
	m := e.metrics
	e.mu.RUnlock()
	if m == nil {
		return
	}
	m.WorkerQueueDepth.WithLabelValues(e.contextWorker.Name()).Set(float64(e.contextWorker.QueueDepth()))
}

// Name returns the endpoint's configured name.
func (e *Endpoint) Name() string { return e.name }

// Role returns whether this endpoint is a client or a server.
func (e *Endpoint) Role() Role { return e.role }

// ContextWorker returns the endpoint's default worker, used when a
// component is created with no explicit worker (DESIGN.md Open Question 3).
func (e *Endpoint) ContextWorker() *worker.Worker { return e.contextWorker }

// PrimaryObject returns object id zero, the endpoint itself as a dispatch
// target (spec §3/§4.5).
func (e *Endpoint) PrimaryObject() *Object {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.objects[PrimaryObjectId]
}

// CreateObject allocates a new non-primary object under this endpoint
// (spec §3 "created by bind (server) or connect (client) against an
// endpoint").
func (e *Endpoint) CreateObject(name string) *Object {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextObjId++
	obj := newObject(e, e.nextObjId, name)
	e.objects[obj.objId] = obj
	return obj
}

// ReleaseObject removes obj from the endpoint (spec §3 "destroyed by
// unbind/disconnect and then release").
func (e *Endpoint) ReleaseObject(obj *Object) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.objects, obj.objId)
}

func (e *Endpoint) objectByID(id uint32) *Object {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.objects[id]
}

// EnableEventCache turns on the per-server last-value cache (spec §4.7).
// No-op, idempotently, if already enabled.
func (e *Endpoint) EnableEventCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache == nil {
		e.cache = NewEventCache()
	}
}

// Cache returns the endpoint's event cache, or nil if EnableEventCache was
// never called.
func (e *Endpoint) Cache() *EventCache {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache
}

// EnableWatchdog installs a liveness probe on every session accepted or
// connected from this point on (spec §4.9). Sessions already live when this
// is called are not retroactively covered.
func (e *Endpoint) EnableWatchdog(cfg WatchdogConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watchdogCfg = &cfg
}

// EnableRequestRateLimit installs a per-session inbound request throttle
// (spec §4.5) on every session accepted or connected from this point on.
// Sessions already live when this is called are not retroactively covered,
// matching EnableWatchdog's semantics.
func (e *Endpoint) EnableRequestRateLimit(cfg RequestRateLimitConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rateLimitCfg = &cfg
}

// SetMetrics attaches a prometheus collector set; pass nil to disable
// instrumentation (the default). Call before Bind/Connect.
func (e *Endpoint) SetMetrics(m *metrics.Collectors) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// OnOnline registers the callback fired when a session transitions
// Connecting->Connected (spec §4.4).
func (e *Endpoint) OnOnline(fn func(*Session)) { e.onOnline = fn }

// OnOffline registers the callback fired when a session dies
// (Draining->Dead, spec §4.4).
func (e *Endpoint) OnOffline(fn func(*Session)) { e.onOffline = fn }

// Bind opens a listening socket at rawURL and begins accepting sessions
// (server role only). svc:// URLs are resolved through the name-resolution
// client (spec §4.8) before binding.
func (e *Endpoint) Bind(rawURL string) error {
	if e.role != RoleServer {
		return fmt.Errorf("fdbus: Bind called on a client-role endpoint %q", e.name)
	}
	u, err := transport.ParseURL(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme == "svc" {
		return e.bindByService(u.Service)
	}
	return e.bindOne(u)
}

func (e *Endpoint) bindOne(u *transport.URL) error {
	sock, err := transport.Bind(u, e.bindRetries)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, sock)
	e.mu.Unlock()

	e.acceptWg.Add(1)
	go e.acceptLoop(sock)
	return nil
}

func (e *Endpoint) acceptLoop(sock *transport.ServerSocket) {
	defer e.acceptWg.Done()
	for {
		conn, creds, err := sock.Accept()
		if err != nil {
			if e.closing.Load() {
				return
			}
			e.logger.Warn().Err(err).Msg("accept failed")
			return
		}
		sess := newSession(conn, creds, e)
		e.registerSession(sess)
		sess.start()
	}
}

// Connect opens a session to rawURL (client role only). svc:// URLs are
// resolved once via the name-resolution client (spec §4.8) and the endpoint
// connects to the returned address; later ServiceOnline notifications do not
// reconnect it, and a service going offline does not disconnect it.
// ipc:// and tcp:// connect directly.
func (e *Endpoint) Connect(rawURL string) (*Session, error) {
	if e.role != RoleClient {
		return nil, fmt.Errorf("fdbus: Connect called on a server-role endpoint %q", e.name)
	}
	u, err := transport.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "svc" {
		return nil, e.connectByService(u.Service)
	}
	return e.connectOne(u)
}

func (e *Endpoint) connectOne(u *transport.URL) (*Session, error) {
	conn, creds, err := transport.Connect(u, e.connectRetries, e.connectBackoff, e.connectTimeout)
	if err != nil {
		return nil, err
	}
	sess := newSession(conn, creds, e)
	e.registerSession(sess)
	sess.start()
	return sess, nil
}

func (e *Endpoint) registerSession(s *Session) {
	e.mu.Lock()
	e.sessions[s.ID] = s
	cfg := e.watchdogCfg
	rlCfg := e.rateLimitCfg
	m := e.metrics
	e.mu.Unlock()

	if rlCfg != nil {
		s.limiter = newSessionLimiter(*rlCfg)
	}

	if m != nil {
		m.SessionsTotal.Inc()
		m.SessionsActive.Inc()
	}

	if cfg != nil {
		wrappedCfg := *cfg
		userBark := wrappedCfg.OnBark
		wrappedCfg.OnBark = func(sess *Session) {
			e.mu.RLock()
			m := e.metrics
			e.mu.RUnlock()
			if m != nil {
				m.WatchdogBarks.Inc()
			}
			if userBark != nil {
				userBark(sess)
			}
		}
		s.watchdog = newSessionWatchdog(s, &wrappedCfg, e.contextWorker)
	}

	if e.onOnline != nil {
		s := s
		e.contextWorker.Post(worker.NewAsyncJob(func() { e.onOnline(s) }))
	}
}

// onSessionDead removes a dead session from the endpoint's table, erases
// its subscriptions, and fires the offline callback (spec §4.4/§4.10).
func (e *Endpoint) onSessionDead(s *Session) {
	e.mu.Lock()
	delete(e.sessions, s.ID)
	m := e.metrics
	e.mu.Unlock()

	if m != nil {
		m.SessionsActive.Dec()
		m.SessionsDead.WithLabelValues(s.deathReason.String()).Inc()
	}

	removed := e.registry.RemoveSession(s)
	if m != nil && removed > 0 {
		m.SubscribersCurrent.Sub(float64(removed))
	}

	if e.onOffline != nil {
		e.contextWorker.Post(worker.NewAsyncJob(func() { e.onOffline(s) }))
	}
}

// Sessions returns a snapshot of currently live sessions.
func (e *Endpoint) Sessions() []*Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// Quiesce begins the first phase of the two-phase teardown (spec §3): it
// marks the endpoint closing and puts the context worker into discarding
// mode, so non-urgent jobs already queued or posted later are skipped (sync
// waiters still unblock) while urgent jobs keep running until Release.
func (e *Endpoint) Quiesce() {
	e.closing.Store(true)
	e.contextWorker.BeginDiscarding()
}

// Release is the second phase of teardown: closes every listener and
// session, stops the context worker, and removes the endpoint from its
// runtime.
func (e *Endpoint) Release() {
	e.mu.Lock()
	listeners := e.listeners
	e.listeners = nil
	e.mu.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}
	e.acceptWg.Wait()

	for _, s := range e.Sessions() {
		s.Disconnect()
	}

	e.mu.Lock()
	nc := e.nc
	udp := e.udp
	e.mu.Unlock()
	if nc != nil {
		nc.close()
	}
	if udp != nil {
		_ = udp.Close()
	}

	e.contextWorker.Stop()
	e.rt.unregister(e)
}

// dispatchInboundUDP routes one datagram received on the endpoint's
// UDPSession. Only Broadcast and Publish are supported on this path — both
// are session-less in the original CFdbUDPSession.cpp, unlike Request, which
// needs a live session to deliver its reply. Session.sendFrame, the only
// sender that uses UDP, is called only for Publish and Broadcast; Invoke and
// InvokeAsync always send Requests over the stream session.
func (e *Endpoint) dispatchInboundUDP(frame *wire.Frame) {
	h := frame.Header
	msg := &Message{
		Kind:       Kind(h.Type),
		Code:       h.Code,
		Serial:     h.Serial,
		Flags:      Flags(h.Flags),
		DstObjId:   h.ObjId,
		Topic:      h.Filter,
		Payload:    frame.Payload,
		SenderName: h.SenderName,
		refs:       1,
	}

	switch msg.Kind {
	case KindBroadcast:
		e.dispatchBroadcastToObject(nil, msg)
	case KindPublish:
		e.dispatchPublish(nil, msg)
	default:
		e.logger.Debug().Str("kind", msg.Kind.String()).Msg("dropping UDP datagram of unsupported kind")
	}
}

// dispatchInbound routes one decoded frame to the right handler (spec
// §4.5). It runs on the session's own read-pump goroutine; user callbacks
// are migrated to their registered worker before running, so this function
// itself must never block on user code.
func (e *Endpoint) dispatchInbound(s *Session, frame *wire.Frame) {
	h := frame.Header
	msg := &Message{
		Kind:       Kind(h.Type),
		Code:       h.Code,
		Serial:     h.Serial,
		Flags:      Flags(h.Flags),
		DstObjId:   h.ObjId,
		Topic:      h.Filter,
		Payload:    frame.Payload,
		SenderName: h.SenderName,
		refs:       1,
	}
	if h.Options&wire.OptArriveTime != 0 {
		msg.SendOrArriveTime = time.Unix(0, int64(h.ArriveTime))
	}
	if h.Flags&uint32(FlagStatus) != 0 {
		msg.status = Status(msg.Code)
	}

	switch msg.Kind {
	case KindReply, KindStatus, KindSidebandReply, KindReturnEvent:
		s.onReply(msg)

	case KindRequest, KindSidebandRequest:
		e.dispatchRequest(s, msg)

	case KindSubscribeRequest:
		e.dispatchSubscribe(s, msg)

	case KindBroadcast:
		e.dispatchBroadcastToObject(s, msg)

	case KindPublish:
		e.dispatchPublish(s, msg)

	case KindGetEvent:
		e.dispatchGetEvent(s, msg)

	default:
		e.logger.Debug().Str("kind", msg.Kind.String()).Msg("dropping message of unhandled kind")
	}
}

func (e *Endpoint) dispatchRequest(s *Session, msg *Message) {
	if msg.Kind == KindSidebandRequest && msg.Code == SidebandFeedWatchdog {
		if s.watchdog != nil {
			s.watchdog.feed()
		}
		e.sendAutoReply(s, msg, KindSidebandReply)
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		e.replyStatus(s, msg, StatusRateLimited)
		return
	}

	obj := e.objectByID(msg.DstObjId)
	if obj == nil {
		e.replyStatus(s, msg, StatusObjectNotFound)
		return
	}

	var rec *handlerRecord
	if msg.Kind == KindSidebandRequest {
		rec = obj.sidebandHandler(msg.Code)
	} else {
		rec = obj.requestHandler(msg.Code)
	}
	if rec == nil {
		e.replyStatus(s, msg, StatusMsgDecodeFail)
		return
	}
	if !obj.checkAuth(s, msg.Code) {
		e.replyStatus(s, msg, StatusAuthenticationFail)
		return
	}

	e.mu.RLock()
	m := e.metrics
	e.mu.RUnlock()
	if m != nil {
		m.RequestsTotal.Inc()
	}

	w := rec.targetWorker(e.contextWorker)
	fn, replyKind := rec.request, KindReply
	if msg.Kind == KindSidebandRequest {
		replyKind = KindSidebandReply
	}
	w.Post(worker.NewAsyncJob(func() {
		fn(obj, s, msg)
		if !msg.Flags.Has(FlagReplied) && !msg.Flags.Has(FlagNoReplyExpected) {
			e.sendAutoReply(s, msg, replyKind)
		}
	}))
}

func (e *Endpoint) sendAutoReply(s *Session, req *Message, kind Kind) {
	reply := NewMessage(kind, req.Code, nil)
	reply.Serial = req.Serial
	reply.DstObjId = req.DstObjId
	reply.SetStatus(StatusAutoReplyOk)
	reply.Flags |= FlagAutoReply
	_ = s.enqueue(s.frameFor(reply))
}

func (e *Endpoint) replyStatus(s *Session, req *Message, status Status) {
	kind := KindStatus
	if req.Kind == KindSidebandRequest {
		kind = KindSidebandReply
	}
	reply := NewMessage(kind, req.Code, nil)
	reply.Serial = req.Serial
	reply.DstObjId = req.DstObjId
	reply.SetStatus(status)
	_ = s.enqueue(s.frameFor(reply))
}

func (e *Endpoint) dispatchSubscribe(s *Session, msg *Message) {
	obj := e.objectByID(msg.DstObjId)
	if obj == nil {
		e.replyStatus(s, msg, StatusObjectNotFound)
		return
	}
	kind, items, ok := decodeSubscribeItems(msg.Payload)
	if !ok {
		e.replyStatus(s, msg, StatusMsgDecodeFail)
		return
	}

	e.mu.RLock()
	m := e.metrics
	e.mu.RUnlock()

	switch kind {
	case SubscribeAdd:
		authFailed := false
		for _, it := range items {
			if !obj.checkEventAuth(s, it.Code, it.Topic) {
				authFailed = true
				continue
			}
			e.registry.Subscribe(it.Code, it.Topic, s, obj.objId, it.Type)
			if m != nil {
				m.SubscribersCurrent.Inc()
			}
		}
		if authFailed {
			e.replyStatus(s, msg, StatusAuthenticationFail)
			return
		}
		e.replayEventCache(s, obj, items)
		if obj.onSubscribe != nil {
			items := items
			e.contextWorker.Post(worker.NewAsyncJob(func() { obj.onSubscribe(obj, s, items, false) }))
		}

	case SubscribeRemove:
		for _, it := range items {
			e.registry.Unsubscribe(it.Code, it.Topic, s, obj.objId)
			if m != nil {
				m.SubscribersCurrent.Dec()
			}
		}

	case SubscribeUpdate:
		if obj.onSubscribe != nil {
			items := items
			e.contextWorker.Post(worker.NewAsyncJob(func() { obj.onSubscribe(obj, s, items, true) }))
		}
		for _, it := range items {
			for _, target := range e.registry.manualUpdateTargets(it.Code, it.Topic) {
				e.deliverBroadcastTo(target, it.Code, it.Topic, nil, false, false)
			}
		}
	}
}

// replayEventCache implements spec §4.6's snapshot-on-subscribe: for every
// cache entry matching a freshly-installed Normal subscription, send an
// InitialResponse-flagged broadcast. ManualUpdate entries are excluded
// (DESIGN.md Open Question 1).
func (e *Endpoint) replayEventCache(s *Session, obj *Object, items []SubscribeItem) {
	e.mu.RLock()
	cache := e.cache
	e.mu.RUnlock()
	if cache == nil {
		return
	}
	for _, it := range items {
		if it.Type != SubNormal {
			continue
		}
		for _, k := range cache.MatchingKeys(it.Code, it.Topic) {
			payload, ok := cache.Get(k.code, k.topic)
			if !ok {
				continue
			}
			msg := NewMessage(KindBroadcast, k.code, payload)
			msg.DstObjId = obj.objId
			msg.Topic = k.topic
			msg.Flags |= FlagInitialResponse
			_ = s.enqueue(s.frameFor(msg))
		}
	}
}

// dispatchPublish re-broadcasts a client's Publish; broadcast itself updates
// the event cache and applies its unchanged-payload suppression.
func (e *Endpoint) dispatchPublish(s *Session, msg *Message) {
	obj := e.objectByID(msg.DstObjId)
	if obj == nil {
		obj = e.PrimaryObject()
	}
	e.broadcast(obj, msg.Code, msg.Topic, msg.Payload, msg.Flags.Has(FlagForceUpdate), false, msg.Flags.Has(FlagPreferUDP))
}

func (e *Endpoint) dispatchGetEvent(s *Session, msg *Message) {
	e.mu.RLock()
	cache := e.cache
	e.mu.RUnlock()

	reply := NewMessage(KindReturnEvent, msg.Code, nil)
	reply.Serial = msg.Serial
	reply.DstObjId = msg.DstObjId
	reply.Topic = msg.Topic

	if cache != nil {
		if payload, ok := cache.Get(msg.Code, msg.Topic); ok {
			reply.Payload = payload
			_ = s.enqueue(s.frameFor(reply))
			return
		}
	}
	reply.SetStatus(StatusObjectNotFound)
	_ = s.enqueue(s.frameFor(reply))
}

// dispatchBroadcastToObject delivers an inbound Broadcast to every locally
// registered event handler on the target object, cloning the message once
// per handler so each migrated job owns an independent buffer (spec §4.6
// "multi-dispatch").
func (e *Endpoint) dispatchBroadcastToObject(s *Session, msg *Message) {
	obj := e.objectByID(msg.DstObjId)
	if obj == nil {
		return
	}
	recs := obj.eventHandlersFor(msg.Code, msg.Topic)
	if len(recs) == 0 && msg.Topic != "" {
		recs = obj.eventHandlersFor(msg.Code, "")
	}
	for _, rec := range recs {
		clone := msg.Clone()
		w := rec.targetWorker(e.contextWorker)
		fn := rec.event
		w.Post(worker.NewAsyncJob(func() { fn(obj, s, clone) }))
	}
}

// broadcast is the server-side fan-out of spec §4.6/§4.7: look up
// subscribers in the registry, apply event-cache force-update suppression,
// and send to each subscribing session in iteration order (spec §5:
// "not globally serialized with unrelated requests"). preferUDP routes each
// delivery over the target session's UDP peer address when configured.
func (e *Endpoint) broadcast(obj *Object, code int32, topic string, payload []byte, forceUpdate bool, manualUpdateFlag bool, preferUDP bool) {
	e.mu.RLock()
	cache := e.cache
	e.mu.RUnlock()

	e.mu.RLock()
	m := e.metrics
	e.mu.RUnlock()

	if cache != nil {
		if !cache.Update(code, topic, payload, forceUpdate) {
			if m != nil {
				m.BroadcastsSuppressed.Inc()
			}
			return
		}
	}
	if m != nil {
		m.BroadcastsTotal.Inc()
	}

	for _, target := range e.registry.matchFor(code, topic) {
		e.deliverBroadcastTo(target, code, topic, payload, manualUpdateFlag, preferUDP)
	}
}

func (e *Endpoint) deliverBroadcastTo(target *subEntry, code int32, topic string, payload []byte, manualUpdateFlag bool, preferUDP bool) {
	if target.session.State() != SessionConnected {
		return
	}
	msg := NewMessage(KindBroadcast, code, payload)
	msg.DstObjId = target.objId
	msg.Topic = topic
	if manualUpdateFlag {
		msg.Flags |= FlagManualUpdate
	}
	if preferUDP {
		msg.Flags |= FlagPreferUDP
	}
	if st := target.session.sendFrame(msg); st != StatusOk {
		e.logger.Debug().Str("session", target.session.ID).Msg("broadcast dropped: session unreachable")
	}
}
