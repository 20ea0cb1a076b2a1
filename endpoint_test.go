package fdbus

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testEchoCode    int32 = 1
	testCounterCode int32 = 2
)

// newLoopback wires up a server endpoint bound to a fresh ipc socket under
// t.TempDir() and a client endpoint connected to it, tearing both down via
// t.Cleanup. Covers spec §8's "request/reply round trip through real
// transport" scenario setup shared by the tests below.
func newLoopback(t *testing.T) (rt *Runtime, server *Endpoint, client *Endpoint, clientSession *Session) {
	t.Helper()

	rt = NewRuntime(zerolog.Nop())
	addr := "ipc://" + filepath.Join(t.TempDir(), "fdbus-test.sock")

	server = NewEndpoint(rt, "server", RoleServer)
	require.NoError(t, server.Bind(addr))

	client = NewEndpoint(rt, "client", RoleClient)
	sess, err := client.Connect(addr)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Quiesce()
		client.Release()
		server.Quiesce()
		server.Release()
	})

	// Give the server's accept loop a moment to register the session so
	// broadcast-oriented tests don't race subscribe against accept.
	require.Eventually(t, func() bool { return len(server.Sessions()) == 1 }, time.Second, time.Millisecond)

	return rt, server, client, sess
}

func TestEndpoint_RequestReply_RoundTrip(t *testing.T) {
	t.Parallel()

	_, server, _, clientSession := newLoopback(t)

	server.PrimaryObject().OnRequest(testEchoCode, nil, func(obj *Object, session *Session, msg *Message) {
		session.Reply(msg, append([]byte(nil), msg.Payload...))
	})

	reply, status := clientSession.Invoke(testEchoCode, []byte("hello"), time.Second)
	require.Equal(t, StatusOk, status)
	require.Equal(t, []byte("hello"), reply.Payload)
}

func TestEndpoint_RequestReply_AutoReplyWhenHandlerDoesNotReply(t *testing.T) {
	t.Parallel()

	_, server, _, clientSession := newLoopback(t)

	server.PrimaryObject().OnRequest(testEchoCode, nil, func(obj *Object, session *Session, msg *Message) {
		// Deliberately does not call Reply/ReplyStatus.
	})

	reply, status := clientSession.Invoke(testEchoCode, []byte("x"), time.Second)
	require.Equal(t, StatusAutoReplyOk, status)
	require.Empty(t, reply.Payload)
}

func TestEndpoint_RequestReply_UnknownCodeReturnsMsgDecodeFail(t *testing.T) {
	t.Parallel()

	_, _, _, clientSession := newLoopback(t)
	// No handler at all registered for this code on the primary object.
	_, status := clientSession.Invoke(999, nil, time.Second)
	require.Equal(t, StatusMsgDecodeFail, status)
}

func TestEndpoint_Request_TimesOutWhenNoReplyArrives(t *testing.T) {
	t.Parallel()

	_, server, _, clientSession := newLoopback(t)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	server.PrimaryObject().OnRequest(testEchoCode, nil, func(obj *Object, session *Session, msg *Message) {
		<-block // never replies within the test's timeout
		session.Reply(msg, nil)
	})

	_, status := clientSession.Invoke(testEchoCode, nil, 30*time.Millisecond)
	require.Equal(t, StatusTimeout, status)
}

func TestEndpoint_Broadcast_WithEventCache_ReplaysOnSubscribe(t *testing.T) {
	t.Parallel()

	_, server, _, clientSession := newLoopback(t)
	server.EnableEventCache()
	server.PrimaryObject().Broadcast(testCounterCode, "counter", []byte("1"), false, false)

	received := make(chan []byte, 4)
	client := clientSession.endpoint
	client.PrimaryObject().OnEvent(testCounterCode, "counter", nil, func(obj *Object, session *Session, msg *Message) {
		received <- msg.Payload
	})

	status := client.PrimaryObject().Subscribe(clientSession, []SubscribeItem{{Code: testCounterCode, Topic: "counter", Type: SubNormal}})
	require.Equal(t, StatusOk, status)

	select {
	case payload := <-received:
		require.Equal(t, []byte("1"), payload)
	case <-time.After(time.Second):
		t.Fatal("cached value was never replayed on subscribe")
	}
}

func TestEndpoint_Broadcast_WildcardSubscription(t *testing.T) {
	t.Parallel()

	_, server, _, clientSession := newLoopback(t)
	client := clientSession.endpoint

	received := make(chan string, 4)
	client.PrimaryObject().OnEvent(testCounterCode, "", nil, func(obj *Object, session *Session, msg *Message) {
		received <- msg.Topic
	})
	require.Equal(t, StatusOk, client.PrimaryObject().Subscribe(clientSession, []SubscribeItem{{Code: testCounterCode, Topic: "", Type: SubNormal}}))

	// Give the subscribe request time to land server-side before publishing.
	require.Eventually(t, func() bool {
		return len(server.registry.matchFor(testCounterCode, "any-topic")) == 1
	}, time.Second, time.Millisecond)

	server.PrimaryObject().Broadcast(testCounterCode, "any-topic", []byte("v"), false, false)

	select {
	case topic := <-received:
		require.Equal(t, "any-topic", topic)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber never received the broadcast")
	}
}

func TestEndpoint_SessionDeath_FlushesPendingRequests(t *testing.T) {
	t.Parallel()

	_, server, _, clientSession := newLoopback(t)

	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	server.PrimaryObject().OnRequest(testEchoCode, nil, func(obj *Object, session *Session, msg *Message) {
		entered <- struct{}{}
		<-block
	})

	resultCh := make(chan Status, 1)
	go func() {
		_, status := clientSession.Invoke(testEchoCode, nil, 5*time.Second)
		resultCh <- status
	}()

	// Let the request reach the server before killing the session.
	require.Eventually(t, func() bool { return len(entered) == 1 }, time.Second, time.Millisecond)
	clientSession.Disconnect()
	close(block)

	select {
	case status := <-resultCh:
		require.Equal(t, StatusPeerVanish, status)
	case <-time.After(time.Second):
		t.Fatal("pending request was never flushed on session death")
	}
}

func TestEndpoint_Broadcast_MultiDispatchClonesPerHandler(t *testing.T) {
	t.Parallel()

	_, server, _, clientSession := newLoopback(t)
	client := clientSession.endpoint

	first := make(chan []byte, 1)
	second := make(chan []byte, 1)
	client.PrimaryObject().OnEvent(testCounterCode, "counter", nil, func(obj *Object, session *Session, msg *Message) {
		first <- msg.Payload
		msg.Payload[0] = 'Z' // mutating this handler's clone must not affect the other's
	})
	client.PrimaryObject().OnEvent(testCounterCode, "counter", nil, func(obj *Object, session *Session, msg *Message) {
		second <- msg.Payload
	})

	require.Equal(t, StatusOk, client.PrimaryObject().Subscribe(clientSession, []SubscribeItem{{Code: testCounterCode, Topic: "counter", Type: SubNormal}}))
	require.Eventually(t, func() bool {
		return len(server.registry.matchFor(testCounterCode, "counter")) == 1
	}, time.Second, time.Millisecond)

	server.PrimaryObject().Broadcast(testCounterCode, "counter", []byte("ab"), false, false)

	var a, b []byte
	select {
	case a = <-first:
	case <-time.After(time.Second):
		t.Fatal("first handler never received broadcast")
	}
	select {
	case b = <-second:
	case <-time.After(time.Second):
		t.Fatal("second handler never received broadcast")
	}
	require.Equal(t, []byte("ab"), b, "second handler's clone must be unaffected by the first handler's mutation")
	require.NotEqual(t, a, b, "sanity: the first handler's clone really was mutated")
}

func TestEndpoint_EventCache_ForceUpdate_RepublishesUnchangedValue(t *testing.T) {
	t.Parallel()

	_, server, _, clientSession := newLoopback(t)
	server.EnableEventCache()
	client := clientSession.endpoint

	received := make(chan []byte, 4)
	client.PrimaryObject().OnEvent(testCounterCode, "counter", nil, func(obj *Object, session *Session, msg *Message) {
		received <- msg.Payload
	})
	require.Equal(t, StatusOk, client.PrimaryObject().Subscribe(clientSession, []SubscribeItem{{Code: testCounterCode, Topic: "counter", Type: SubNormal}}))
	require.Eventually(t, func() bool {
		return len(server.registry.matchFor(testCounterCode, "counter")) == 1
	}, time.Second, time.Millisecond)

	server.PrimaryObject().Broadcast(testCounterCode, "counter", []byte("same"), false, false)
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("first broadcast never arrived")
	}

	server.PrimaryObject().Broadcast(testCounterCode, "counter", []byte("same"), false, false)
	select {
	case <-received:
		t.Fatal("unchanged payload without forceUpdate must be suppressed")
	case <-time.After(50 * time.Millisecond):
	}

	server.PrimaryObject().Broadcast(testCounterCode, "counter", []byte("same"), true, false)
	select {
	case payload := <-received:
		require.Equal(t, []byte("same"), payload)
	case <-time.After(time.Second):
		t.Fatal("forceUpdate broadcast of an unchanged payload must still be delivered")
	}
}

func TestEndpoint_GetEvent_ReturnsCachedValueOrNotFound(t *testing.T) {
	t.Parallel()

	_, server, _, clientSession := newLoopback(t)
	server.EnableEventCache()
	server.PrimaryObject().Broadcast(testCounterCode, "counter", []byte("42"), false, false)

	req := NewMessage(KindGetEvent, testCounterCode, nil)
	req.Topic = "counter"
	req.DstObjId = PrimaryObjectId
	req.Serial = clientSession.nextSerial()

	pr := &pendingRequest{serial: req.Serial, replyCh: make(chan replyResult, 1)}
	clientSession.registerPending(pr, time.Second)
	require.Equal(t, StatusOk, clientSession.enqueue(clientSession.frameFor(req)))

	res := <-pr.replyCh
	require.Equal(t, StatusOk, res.status)
	require.Equal(t, []byte("42"), res.msg.Payload)
}

func TestEndpoint_RequestRateLimit_RejectsOnceBurstExhausted(t *testing.T) {
	t.Parallel()

	rt := NewRuntime(zerolog.Nop())
	addr := "ipc://" + filepath.Join(t.TempDir(), "fdbus-ratelimit-test.sock")

	server := NewEndpoint(rt, "server", RoleServer)
	// EnableRequestRateLimit only covers sessions accepted after this call,
	// so it must run before Bind/Connect establish the loopback session.
	server.EnableRequestRateLimit(RequestRateLimitConfig{Rate: 1, Burst: 1})
	require.NoError(t, server.Bind(addr))

	client := NewEndpoint(rt, "client", RoleClient)
	clientSession, err := client.Connect(addr)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Quiesce()
		client.Release()
		server.Quiesce()
		server.Release()
	})
	require.Eventually(t, func() bool { return len(server.Sessions()) == 1 }, time.Second, time.Millisecond)

	server.PrimaryObject().OnRequest(testEchoCode, nil, func(obj *Object, session *Session, msg *Message) {
		session.Reply(msg, nil)
	})

	_, status := clientSession.Invoke(testEchoCode, nil, time.Second)
	require.Equal(t, StatusOk, status)

	_, status = clientSession.Invoke(testEchoCode, nil, time.Second)
	require.Equal(t, StatusRateLimited, status)
}

func TestEndpoint_Subscribe_ManualUpdateOnlyFiresOnTriggerUpdate(t *testing.T) {
	t.Parallel()

	_, server, _, clientSession := newLoopback(t)
	client := clientSession.endpoint

	received := make(chan struct{}, 4)
	client.PrimaryObject().OnEvent(testCounterCode, "counter", nil, func(obj *Object, session *Session, msg *Message) {
		received <- struct{}{}
	})
	require.Equal(t, StatusOk, client.PrimaryObject().Subscribe(clientSession, []SubscribeItem{{Code: testCounterCode, Topic: "counter", Type: SubManualUpdate}}))

	require.Eventually(t, func() bool {
		return len(server.registry.manualUpdateTargets(testCounterCode, "counter")) == 1
	}, time.Second, time.Millisecond)

	// A plain broadcast must not reach a ManualUpdate-only subscriber.
	server.PrimaryObject().Broadcast(testCounterCode, "counter", []byte("x"), false, false)
	select {
	case <-received:
		t.Fatal("ManualUpdate subscriber must not fire on a normal broadcast")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, StatusOk, client.PrimaryObject().TriggerUpdate(clientSession, []SubscribeItem{{Code: testCounterCode, Topic: "counter"}}))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("ManualUpdate subscriber never fired on explicit TriggerUpdate")
	}
}
