package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/relaytrade/pkg/crypto"
	"github.com/uhyunpark/relaytrade/pkg/metrics"
	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/order"
	"github.com/uhyunpark/relaytrade/pkg/relay"
)

var errRefused = errors.New("connection refused")

// scriptedRelay replays a fixed event list without verifying it. When eose
// is false the stream stays open until closed.
type scriptedRelay struct {
	url    string
	events []nostr.Event
	eose   bool
}

func (s scriptedRelay) URL() string { return s.url }

func (s scriptedRelay) Publish(context.Context, nostr.Event) error { return nil }

func (s scriptedRelay) Subscribe(ctx context.Context, f nostr.Filter) (*relay.Subscription, error) {
	events := make(chan nostr.Event, len(s.events))
	for _, ev := range s.events {
		events <- ev
	}
	eose := make(chan struct{})
	if s.eose {
		close(eose)
	}
	return relay.NewSubscription(events, eose, nil), nil
}

// deadRelay refuses every subscription.
type deadRelay struct{ url string }

func (d deadRelay) URL() string                                { return d.url }
func (d deadRelay) Publish(context.Context, nostr.Event) error { return errRefused }
func (d deadRelay) Subscribe(context.Context, nostr.Filter) (*relay.Subscription, error) {
	return nil, errRefused
}

// stuckRelay never finishes connecting.
type stuckRelay struct{ url string }

func (s stuckRelay) URL() string                                { return s.url }
func (s stuckRelay) Publish(context.Context, nostr.Event) error { return errRefused }
func (s stuckRelay) Subscribe(ctx context.Context, _ nostr.Filter) (*relay.Subscription, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func orderEvent(t *testing.T, keys *crypto.Keys, o order.Order, createdAt int64) nostr.Event {
	t.Helper()
	ev := nostr.Event{Kind: nostr.KindOrder, Tags: order.Encode(o), CreatedAt: createdAt}
	require.NoError(t, ev.Sign(keys))
	return ev
}

func testOrder(id string) order.Order {
	return order.Order{ID: id, Kind: order.KindSell, FiatCode: "USD", Fiat: order.FixedFiat(10), PaymentMethod: "cash"}
}

func newFetcher(m *metrics.Metrics, relays ...relay.Relay) *Fetcher {
	return New(relay.NewPool(relays, nil, m), nil, m)
}

func TestFetch_DeduplicatesByID(t *testing.T) {
	keys, _ := crypto.GenerateKey()
	a := orderEvent(t, keys, testOrder("a"), 100)
	b := orderEvent(t, keys, testOrder("b"), 200)

	f := newFetcher(nil,
		scriptedRelay{url: "r1", events: []nostr.Event{a, b, a}, eose: true},
		scriptedRelay{url: "r2", events: []nostr.Event{a}, eose: true},
	)
	got, err := f.Fetch(context.Background(), ListOrders, Params{}, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, a.ID, got[1].ID)
}

func TestFetch_AllRelaysUnreachable(t *testing.T) {
	m := metrics.NopMetrics()
	f := newFetcher(m, deadRelay{"r1"}, deadRelay{"r2"})

	_, err := f.Fetch(context.Background(), ListOrders, Params{}, time.Second)
	assert.ErrorIs(t, err, ErrAllRelaysUnreachable)
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RelayFailures.WithLabelValues("subscribe")))
}

func TestFetch_NoRelays(t *testing.T) {
	_, err := newFetcher(nil).Fetch(context.Background(), ListOrders, Params{}, time.Second)
	assert.ErrorIs(t, err, ErrAllRelaysUnreachable)
	assert.ErrorIs(t, err, relay.ErrNoRelays)
}

func TestFetch_PartialFailure(t *testing.T) {
	keys, _ := crypto.GenerateKey()
	mem := relay.NewMemoryRelay("mem://ok", 0)
	ev := orderEvent(t, keys, testOrder("a"), 100)
	require.NoError(t, mem.Publish(context.Background(), ev))

	got, err := newFetcher(nil, deadRelay{"r1"}, mem).Fetch(context.Background(), ListOrders, Params{}, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
}

func TestFetch_EmptyAnswerIsSuccess(t *testing.T) {
	got, err := newFetcher(nil, relay.NewMemoryRelay("mem://empty", 0)).Fetch(context.Background(), ListOrders, Params{}, time.Second)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetch_TimeoutKeepsReceivedEvents(t *testing.T) {
	keys, _ := crypto.GenerateKey()
	ev := orderEvent(t, keys, testOrder("slow"), 100)
	f := newFetcher(nil, scriptedRelay{url: "open", events: []nostr.Event{ev}})

	start := time.Now()
	got, err := f.Fetch(context.Background(), ListOrders, Params{}, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestFetch_StuckRelaysTimeOut(t *testing.T) {
	f := newFetcher(nil, stuckRelay{"s1"}, stuckRelay{"s2"})

	start := time.Now()
	_, err := f.Fetch(context.Background(), ListOrders, Params{}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrAllRelaysUnreachable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetch_CallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newFetcher(nil, relay.NewMemoryRelay("mem://a", 0)).Fetch(ctx, ListOrders, Params{}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetch_DropsInvalidEvents(t *testing.T) {
	keys, _ := crypto.GenerateKey()
	good := orderEvent(t, keys, testOrder("good"), 100)
	bad := orderEvent(t, keys, testOrder("bad"), 200)
	bad.Content = "tampered"
	other := nostr.Event{Kind: nostr.KindDirectMessage, CreatedAt: 300}
	require.NoError(t, other.Sign(keys))

	m := metrics.NopMetrics()
	f := newFetcher(m, scriptedRelay{url: "r", events: []nostr.Event{good, bad, other}, eose: true})
	got, err := f.Fetch(context.Background(), ListOrders, Params{}, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, good.ID, got[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvalidEvents))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchedEvents.WithLabelValues("orders")))
}

func TestFetchOrders(t *testing.T) {
	keys, _ := crypto.GenerateKey()
	mem := relay.NewMemoryRelay("mem://a", 0)
	ctx := context.Background()

	older := testOrder("repost")
	older.Premium = 1
	newer := testOrder("repost")
	newer.Premium = 2
	for _, ev := range []nostr.Event{
		orderEvent(t, keys, older, 100),
		orderEvent(t, keys, newer, 200),
		orderEvent(t, keys, testOrder("other"), 150),
	} {
		require.NoError(t, mem.Publish(ctx, ev))
	}

	broken := nostr.Event{Kind: nostr.KindOrder, Tags: nostr.Tags{{"d", "x"}, {"z", "order"}}, CreatedAt: 300}
	require.NoError(t, broken.Sign(keys))
	require.NoError(t, mem.Publish(ctx, broken))

	got, err := newFetcher(nil, mem).FetchOrders(ctx, Params{}, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer, got[0].Order)
	assert.Equal(t, keys.PublicKeyHex(), got[0].Author)
	assert.Equal(t, "other", got[1].Order.ID)
}
