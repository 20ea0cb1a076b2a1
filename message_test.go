package fdbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessage_NewMessage_StartsWithOneRef(t *testing.T) {
	t.Parallel()
	m := NewMessage(KindRequest, 1, []byte("x"))
	require.True(t, m.Unique())
}

func TestMessage_RetainRelease_TracksUniqueness(t *testing.T) {
	t.Parallel()

	m := NewMessage(KindRequest, 1, nil)
	m.Retain()
	require.False(t, m.Unique(), "two references held, should not be unique")

	m.Release()
	require.True(t, m.Unique(), "back down to the original single reference")
}

func TestMessage_Clone_IndependentPayloadBuffer(t *testing.T) {
	t.Parallel()

	orig := NewMessage(KindBroadcast, 7, []byte("hello"))
	orig.Topic = "temperature"
	orig.SenderName = "svc-a"

	clone := orig.Clone()
	require.True(t, clone.Unique())
	require.Equal(t, orig.Code, clone.Code)
	require.Equal(t, orig.Topic, clone.Topic)
	require.Equal(t, orig.SenderName, clone.SenderName)
	require.Equal(t, orig.Payload, clone.Payload)

	clone.Payload[0] = 'X'
	require.Equal(t, byte('h'), orig.Payload[0], "mutating a clone's payload must not affect the original")
}

func TestMessage_SetStatus_OkDoesNotSetErrorFlag(t *testing.T) {
	t.Parallel()

	m := NewMessage(KindReply, 1, nil)
	m.SetStatus(StatusOk)
	require.True(t, m.Flags.Has(FlagStatus))
	require.False(t, m.Flags.Has(FlagError))
	require.Equal(t, StatusOk, m.Status())
}

func TestMessage_SetStatus_AutoReplyOkDoesNotSetErrorFlag(t *testing.T) {
	t.Parallel()

	m := NewMessage(KindReply, 1, nil)
	m.SetStatus(StatusAutoReplyOk)
	require.False(t, m.Flags.Has(FlagError))
}

func TestMessage_SetStatus_FailureSetsErrorFlag(t *testing.T) {
	t.Parallel()

	m := NewMessage(KindReply, 1, nil)
	m.SetStatus(StatusTimeout)
	require.True(t, m.Flags.Has(FlagStatus))
	require.True(t, m.Flags.Has(FlagError))
	require.Equal(t, StatusTimeout, m.Status())
}

func TestMessage_MutateForSend_SetsHeadBuiltFlag(t *testing.T) {
	t.Parallel()

	m := NewMessage(KindRequest, 1, nil)
	require.False(t, m.Flags.Has(FlagHeadBuilt))
	m.MutateForSend()
	require.True(t, m.Flags.Has(FlagHeadBuilt))
}

func TestFlags_Has(t *testing.T) {
	t.Parallel()

	f := FlagStatus | FlagReplied
	require.True(t, f.Has(FlagStatus))
	require.True(t, f.Has(FlagReplied))
	require.True(t, f.Has(FlagStatus|FlagReplied))
	require.False(t, f.Has(FlagError))
}
