package fdbus

import (
	"sync"

	"github.com/adred-codev/fdbus/internal/worker"
)

// Object is a dispatch scope under an Endpoint, identified by an object id
// (id zero is the endpoint's own "primary" object, spec §3/§4.5). Grounded
// on _examples/adred-codev-ws_poc/ws/internal/shared/server.go's handler-registration shape
// (handlers_message.go / handlers_ws.go keyed by message type), generalized
// from one WS connection's handlers to the full request/event/subscribe
// dispatch table spec §4.5 describes.
type Object struct {
	endpoint *Endpoint
	objId    uint32
	name     string

	mu                sync.RWMutex
	requestHandlers   map[int32]*handlerRecord
	sidebandHandlers  map[int32]*handlerRecord
	eventHandlers     map[subKey][]*handlerRecord
	onSubscribe       SubscribeHookFn
	authenticate      func(session *Session, code int32) bool
	authenticateEvent func(session *Session, code int32, topic string) bool
}

func newObject(ep *Endpoint, objId uint32, name string) *Object {
	return &Object{
		endpoint:         ep,
		objId:            objId,
		name:             name,
		requestHandlers:  make(map[int32]*handlerRecord),
		sidebandHandlers: make(map[int32]*handlerRecord),
		eventHandlers:    make(map[subKey][]*handlerRecord),
	}
}

// ObjectId returns this object's id (zero for the endpoint's primary object).
func (o *Object) ObjectId() uint32 { return o.objId }

// OnRequest registers the handler for inbound Request messages of code.
// w may be nil to run on the context worker (DESIGN.md Open Question 3).
func (o *Object) OnRequest(code int32, w *worker.Worker, fn RequestHandlerFn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requestHandlers[code] = &handlerRecord{worker: w, request: fn}
}

// OnSideband registers the handler for inbound SidebandRequest messages.
func (o *Object) OnSideband(code int32, w *worker.Worker, fn RequestHandlerFn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sidebandHandlers[code] = &handlerRecord{worker: w, request: fn}
}

// OnEvent registers a handler invoked when a Broadcast for (code, topic)
// arrives on this object. Multiple handlers may register the same
// (code, topic); each receives an independent message clone (spec §4.6
// "multi-dispatch").
func (o *Object) OnEvent(code int32, topic string, w *worker.Worker, fn EventHandlerFn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := subKey{code: code, topic: topic}
	o.eventHandlers[k] = append(o.eventHandlers[k], &handlerRecord{worker: w, event: fn})
}

// OnSubscribe sets the server-side hook run after the registry is updated
// for a Subscribe/Update sub-kind (spec §4.5).
func (o *Object) OnSubscribe(fn SubscribeHookFn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onSubscribe = fn
}

// SetAuthenticator installs the per-request authentication hook (spec §4.5
// "run authentication hook"). A nil hook allows everything.
func (o *Object) SetAuthenticator(fn func(session *Session, code int32) bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.authenticate = fn
}

// SetEventAuthenticator installs the per-subscribe-tuple authentication hook
// (spec §4.5/§4.10 "authenticate_event").
func (o *Object) SetEventAuthenticator(fn func(session *Session, code int32, topic string) bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.authenticateEvent = fn
}

func (o *Object) requestHandler(code int32) *handlerRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.requestHandlers[code]
}

func (o *Object) sidebandHandler(code int32) *handlerRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sidebandHandlers[code]
}

func (o *Object) eventHandlersFor(code int32, topic string) []*handlerRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]*handlerRecord(nil), o.eventHandlers[subKey{code: code, topic: topic}]...)
}

func (o *Object) checkAuth(session *Session, code int32) bool {
	o.mu.RLock()
	fn := o.authenticate
	o.mu.RUnlock()
	if fn == nil {
		return true
	}
	return fn(session, code)
}

func (o *Object) checkEventAuth(session *Session, code int32, topic string) bool {
	o.mu.RLock()
	fn := o.authenticateEvent
	o.mu.RUnlock()
	if fn == nil {
		return true
	}
	return fn(session, code, topic)
}

// Subscribe sends a SubscribeRequest with the Subscribe sub-kind for items
// (spec §4.5), used by client-role objects.
func (o *Object) Subscribe(session *Session, items []SubscribeItem) Status {
	return o.sendSubscribeRequest(session, items, SubscribeAdd)
}

// Unsubscribe sends a SubscribeRequest with the Unsubscribe sub-kind.
func (o *Object) Unsubscribe(session *Session, items []SubscribeItem) Status {
	return o.sendSubscribeRequest(session, items, SubscribeRemove)
}

// TriggerUpdate sends a SubscribeRequest with the Update sub-kind, which
// causes matching ManualUpdate subscribers (and only them) to be fed,
// without touching the registry (spec §4.5/§8).
func (o *Object) TriggerUpdate(session *Session, items []SubscribeItem) Status {
	return o.sendSubscribeRequest(session, items, SubscribeUpdate)
}

func (o *Object) sendSubscribeRequest(session *Session, items []SubscribeItem, kind SubscribeKind) Status {
	payload := encodeSubscribeItems(kind, items)
	msg := NewMessage(KindSubscribeRequest, 0, payload)
	msg.DstObjId = o.objId
	msg.Serial = session.nextSerial()
	return session.enqueue(session.frameFor(msg))
}

// Publish sends a Publish-kind message, the client-initiated broadcast path
// of spec §4.5 ("Publish: treat as broadcast by a client into the
// registry"). preferUDP routes the send over session's UDP peer address when
// one is configured (SetUDPPeer) and the endpoint has called EnableUDP;
// otherwise it silently falls back to the stream path, since UDP delivery is
// never guaranteed (spec Non-goal "no guaranteed delivery on UDP path").
func (o *Object) Publish(session *Session, code int32, topic string, payload []byte, forceUpdate, preferUDP bool) Status {
	msg := NewMessage(KindPublish, code, payload)
	msg.DstObjId = o.objId
	msg.Topic = topic
	if forceUpdate {
		msg.Flags |= FlagForceUpdate
	}
	if preferUDP {
		msg.Flags |= FlagPreferUDP
	}
	msg.Serial = session.nextSerial()
	return session.sendFrame(msg)
}

// Broadcast sends a Broadcast-kind message to every subscriber of (code,
// topic) on this endpoint's registry (server-side; spec §4.6/§4.7).
// preferUDP asks deliverBroadcastTo to route each subscriber's copy over its
// UDP peer address where one is configured.
func (o *Object) Broadcast(code int32, topic string, payload []byte, forceUpdate, preferUDP bool) {
	o.endpoint.broadcast(o, code, topic, payload, forceUpdate, false, preferUDP)
}
