package fdbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribeItemsCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		kind  SubscribeKind
		items []SubscribeItem
	}{
		{name: "empty list", kind: SubscribeAdd, items: nil},
		{
			name: "single normal item",
			kind: SubscribeAdd,
			items: []SubscribeItem{
				{Code: 1, Topic: "temperature", Type: SubNormal},
			},
		},
		{
			name: "multiple mixed items",
			kind: SubscribeRemove,
			items: []SubscribeItem{
				{Code: 1, Topic: "a", Type: SubNormal},
				{Code: 2, Topic: "", Type: SubManualUpdate},
				{Code: 3, Topic: "z", Type: SubNormal},
			},
		},
		{
			name: "empty topic wildcard entry",
			kind: SubscribeUpdate,
			items: []SubscribeItem{
				{Code: 5, Topic: "", Type: SubNormal},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			buf := encodeSubscribeItems(tt.kind, tt.items)
			gotKind, gotItems, ok := decodeSubscribeItems(buf)
			require.True(t, ok)
			require.Equal(t, tt.kind, gotKind)
			if len(tt.items) == 0 {
				require.Empty(t, gotItems)
				return
			}
			require.Equal(t, tt.items, gotItems)
		})
	}
}

func TestDecodeSubscribeItems_TooShort(t *testing.T) {
	t.Parallel()
	_, _, ok := decodeSubscribeItems([]byte{1, 2, 3})
	require.False(t, ok)
}

func TestDecodeSubscribeItems_TruncatedItem(t *testing.T) {
	t.Parallel()

	buf := encodeSubscribeItems(SubscribeAdd, []SubscribeItem{{Code: 1, Topic: "abc", Type: SubNormal}})
	_, _, ok := decodeSubscribeItems(buf[:len(buf)-2])
	require.False(t, ok)
}

func TestDecodeSubscribeItems_CountExceedsPayload(t *testing.T) {
	t.Parallel()

	buf := encodeSubscribeItems(SubscribeAdd, nil)
	// Lie about the count: claim one item follows when none does.
	buf[1] = 1
	_, _, ok := decodeSubscribeItems(buf)
	require.False(t, ok)
}
