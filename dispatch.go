package fdbus

import "github.com/adred-codev/fdbus/internal/worker"

// RequestHandlerFn handles an inbound Request/SidebandRequest. It may call
// Session.Reply/Session.ReplyStatus on msg; if it does neither, auto-reply runs
// (spec §4.5) and the caller receives StatusAutoReplyOk.
type RequestHandlerFn func(obj *Object, session *Session, msg *Message)

// EventHandlerFn handles an inbound Broadcast delivered to a subscriber.
type EventHandlerFn func(obj *Object, session *Session, msg *Message)

// SubscribeHookFn runs after the registry has been updated for a
// SubscribeRequest (Subscribe or Update sub-kind); it typically emits
// additional snapshot broadcasts beyond the automatic event-cache replay
// (spec §4.5/§4.6).
type SubscribeHookFn func(obj *Object, session *Session, items []SubscribeItem, manualUpdateOnly bool)

// SubscribeItem is one (code, topic, type) element of a SubscribeRequest
// payload (spec §4.5).
type SubscribeItem struct {
	Code  int32
	Topic string
	Type  SubType
}

// handlerRecord binds a callback to the worker it must be migrated onto for
// delivery (spec §4.1 "Dispatcher tables": "Maps event_code ... to handler
// records bound to a worker, for user-thread delivery"). A nil Worker means
// "run on the context worker" (DESIGN.md Open Question 3).
type handlerRecord struct {
	worker  *worker.Worker
	request RequestHandlerFn
	event   EventHandlerFn
}

func (h *handlerRecord) targetWorker(ctx *worker.Worker) *worker.Worker {
	if h.worker != nil {
		return h.worker
	}
	return ctx
}
