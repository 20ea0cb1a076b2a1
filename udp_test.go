package fdbus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testUDPEventCode int32 = 7

func enableLoopbackUDP(t *testing.T, ep *Endpoint) *UDPSession {
	t.Helper()
	us, err := ep.EnableUDP("tcp://127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = us.Close() })
	return us
}

func TestSession_SendFrame_PreferUDP_DeliversOverDatagramSocket(t *testing.T) {
	t.Parallel()

	_, server, _, clientSession := newLoopback(t)

	serverUDP := enableLoopbackUDP(t, server)
	enableLoopbackUDP(t, clientSession.endpoint)

	u := serverUDP.URL()
	require.NoError(t, clientSession.SetUDPPeer(fmt.Sprintf("%s:%d", u.Host, u.Port)))

	received := make(chan string, 1)
	server.PrimaryObject().OnEvent(testUDPEventCode, "udp-topic", nil, func(obj *Object, session *Session, msg *Message) {
		received <- string(msg.Payload)
	})

	msg := NewMessage(KindBroadcast, testUDPEventCode, []byte("hello-over-udp"))
	msg.DstObjId = PrimaryObjectId
	msg.Topic = "udp-topic"
	msg.Flags |= FlagPreferUDP
	msg.Serial = clientSession.nextSerial()

	status := clientSession.sendFrame(msg)
	require.Equal(t, StatusOk, status)

	select {
	case payload := <-received:
		require.Equal(t, "hello-over-udp", payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for UDP-delivered broadcast")
	}
}

func TestSession_SendFrame_PreferUDP_FallsBackToStreamWhenUDPNotConfigured(t *testing.T) {
	t.Parallel()

	_, server, _, clientSession := newLoopback(t)

	received := make(chan string, 1)
	server.PrimaryObject().OnEvent(testUDPEventCode, "udp-topic", nil, func(obj *Object, session *Session, msg *Message) {
		received <- string(msg.Payload)
	})

	msg := NewMessage(KindBroadcast, testUDPEventCode, []byte("no-udp-configured"))
	msg.DstObjId = PrimaryObjectId
	msg.Topic = "udp-topic"
	msg.Flags |= FlagPreferUDP
	msg.Serial = clientSession.nextSerial()

	status := clientSession.sendFrame(msg)
	require.Equal(t, StatusOk, status)

	select {
	case payload := <-received:
		require.Equal(t, "no-udp-configured", payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream-delivered fallback broadcast")
	}
}

func TestObject_Publish_PreferUDP_RoutesThroughEndpointUDPSession(t *testing.T) {
	t.Parallel()

	_, server, _, clientSession := newLoopback(t)
	serverUDP := enableLoopbackUDP(t, server)
	enableLoopbackUDP(t, clientSession.endpoint)

	u := serverUDP.URL()
	require.NoError(t, clientSession.SetUDPPeer(fmt.Sprintf("%s:%d", u.Host, u.Port)))

	server.EnableEventCache()

	status := clientSession.endpoint.PrimaryObject().Publish(clientSession, testUDPEventCode, "udp-publish", []byte("v1"), false, true)
	require.Equal(t, StatusOk, status)

	require.Eventually(t, func() bool {
		payload, ok := server.Cache().Get(testUDPEventCode, "udp-publish")
		return ok && string(payload) == "v1"
	}, time.Second, 5*time.Millisecond)
}
