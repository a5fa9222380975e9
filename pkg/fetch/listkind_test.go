package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/order"
)

func TestListKindFilter(t *testing.T) {
	since := time.Unix(1700000000, 0)
	tests := []struct {
		name   string
		list   ListKind
		params Params
		want   nostr.Filter
	}{
		{
			name: "orders",
			list: ListOrders,
			want: nostr.Filter{Kinds: []int{nostr.KindOrder}, Tags: nostr.TagMap{"z": {"order"}}},
		},
		{
			name:   "orders narrowed",
			list:   ListOrders,
			params: Params{Author: "pk", OrderID: "abc", Kind: order.KindSell, FiatCode: "EUR", Limit: 10},
			want: nostr.Filter{
				Kinds:   []int{nostr.KindOrder},
				Authors: []string{"pk"},
				Tags:    nostr.TagMap{"z": {"order"}, "d": {"abc"}, "k": {"sell"}, "f": {"EUR"}},
				Limit:   10,
			},
		},
		{
			name:   "direct messages",
			list:   ListDirectMessages,
			params: Params{Recipient: "me", Since: since},
			want:   nostr.Filter{Kinds: []int{nostr.KindDirectMessage}, Tags: nostr.TagMap{"p": {"me"}}, Since: 1700000000},
		},
		{
			name:   "disputes",
			list:   ListDisputes,
			params: Params{OrderID: "abc"},
			want:   nostr.Filter{Kinds: []int{nostr.KindDispute}, Tags: nostr.TagMap{"z": {"dispute"}, "d": {"abc"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.list.Filter(tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListKindFilter_Errors(t *testing.T) {
	_, err := ListDirectMessages.Filter(Params{})
	assert.ErrorIs(t, err, ErrMissingRecipient)

	_, err = ListKind(42).Filter(Params{})
	assert.ErrorIs(t, err, ErrUnknownListKind)
}

func TestParseListKind(t *testing.T) {
	for _, l := range []ListKind{ListOrders, ListDirectMessages, ListDisputes} {
		got, err := ParseListKind(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	got, err := ParseListKind(" Messages ")
	require.NoError(t, err)
	assert.Equal(t, ListDirectMessages, got)

	_, err = ParseListKind("trades")
	assert.ErrorIs(t, err, ErrUnknownListKind)
	assert.Equal(t, "ListKind(9)", ListKind(9).String())
}
