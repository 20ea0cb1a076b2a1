package fdbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventCache_Update_FirstPublishAlwaysDispatches(t *testing.T) {
	t.Parallel()

	c := NewEventCache()
	require.True(t, c.Update(1, "t", []byte("v1"), false))
}

func TestEventCache_Update_UnchangedPayloadSuppressed(t *testing.T) {
	t.Parallel()

	c := NewEventCache()
	c.Update(1, "t", []byte("v1"), false)
	require.False(t, c.Update(1, "t", []byte("v1"), false))
}

func TestEventCache_Update_ChangedPayloadDispatches(t *testing.T) {
	t.Parallel()

	c := NewEventCache()
	c.Update(1, "t", []byte("v1"), false)
	require.True(t, c.Update(1, "t", []byte("v2"), false))
}

func TestEventCache_Update_ForceUpdateAlwaysDispatchesEvenIfUnchanged(t *testing.T) {
	t.Parallel()

	c := NewEventCache()
	c.Update(1, "t", []byte("v1"), false)
	require.True(t, c.Update(1, "t", []byte("v1"), true))
}

func TestEventCache_Get_ReturnsIndependentCopy(t *testing.T) {
	t.Parallel()

	c := NewEventCache()
	original := []byte("v1")
	c.Update(1, "t", original, false)

	got, ok := c.Get(1, "t")
	require.True(t, ok)
	require.Equal(t, original, got)

	got[0] = 'X'
	got2, _ := c.Get(1, "t")
	require.Equal(t, []byte("v1"), got2, "mutating a returned slice must not corrupt the cache")
}

func TestEventCache_Get_Missing(t *testing.T) {
	t.Parallel()

	c := NewEventCache()
	_, ok := c.Get(1, "missing")
	require.False(t, ok)
}

func TestEventCache_MatchingKeys_WildcardSubscribeMatchesAllTopicsForCode(t *testing.T) {
	t.Parallel()

	c := NewEventCache()
	c.Update(1, "a", []byte("1"), false)
	c.Update(1, "b", []byte("2"), false)
	c.Update(2, "a", []byte("3"), false)

	keys := c.MatchingKeys(1, "")
	require.Len(t, keys, 2)
}

func TestEventCache_MatchingKeys_ExactSubscribeMatchesOnlyThatTopic(t *testing.T) {
	t.Parallel()

	c := NewEventCache()
	c.Update(1, "a", []byte("1"), false)
	c.Update(1, "b", []byte("2"), false)

	keys := c.MatchingKeys(1, "a")
	require.Equal(t, []subKey{{code: 1, topic: "a"}}, keys)
}

func TestEventCache_MatchingKeys_NoMatchingCode(t *testing.T) {
	t.Parallel()

	c := NewEventCache()
	c.Update(1, "a", []byte("1"), false)

	require.Empty(t, c.MatchingKeys(99, ""))
}
