package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/relaytrade/pkg/crypto"
	"github.com/uhyunpark/relaytrade/pkg/nostr"
)

func signedEvent(t *testing.T, keys *crypto.Keys, kind int, tags nostr.Tags, createdAt int64) nostr.Event {
	t.Helper()
	ev := nostr.Event{Kind: kind, Tags: tags, CreatedAt: createdAt}
	require.NoError(t, ev.Sign(keys))
	return ev
}

// collect reads a subscription until EOSE, then drains what is already buffered.
func collect(t *testing.T, sub *Subscription, timeout time.Duration) []nostr.Event {
	t.Helper()
	var out []nostr.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-sub.EOSE:
			for {
				select {
				case ev, ok := <-sub.Events:
					if !ok {
						return out
					}
					out = append(out, ev)
				default:
					return out
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for EOSE")
			return out
		}
	}
}

func TestMemoryRelay_PublishAndReplay(t *testing.T) {
	keys, err := crypto.GenerateKey()
	require.NoError(t, err)
	r := NewMemoryRelay("mem://a", 0)
	ctx := context.Background()

	old := signedEvent(t, keys, nostr.KindOrder, nostr.Tags{{"d", "1"}, {"z", "order"}}, 100)
	mid := signedEvent(t, keys, nostr.KindOrder, nostr.Tags{{"d", "2"}, {"z", "order"}}, 200)
	dm := signedEvent(t, keys, nostr.KindDirectMessage, nostr.Tags{{"p", keys.PublicKeyHex()}}, 300)
	for _, ev := range []nostr.Event{old, mid, dm} {
		require.NoError(t, r.Publish(ctx, ev))
	}
	assert.Equal(t, 3, r.Len())
	assert.True(t, r.Has(mid.ID))

	sub, err := r.Subscribe(ctx, nostr.Filter{Kinds: []int{nostr.KindOrder}})
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, mid.ID, got[0].ID)
	assert.Equal(t, old.ID, got[1].ID)
}

func TestMemoryRelay_Limit(t *testing.T) {
	keys, _ := crypto.GenerateKey()
	r := NewMemoryRelay("mem://a", 0)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, r.Publish(context.Background(), signedEvent(t, keys, nostr.KindOrder, nil, i)))
	}

	sub, err := r.Subscribe(context.Background(), nostr.Filter{Limit: 2})
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, int64(5), got[0].CreatedAt)
	assert.Equal(t, int64(4), got[1].CreatedAt)
}

func TestMemoryRelay_LiveEvents(t *testing.T) {
	keys, _ := crypto.GenerateKey()
	r := NewMemoryRelay("mem://a", 0)

	sub, err := r.Subscribe(context.Background(), nostr.Filter{Kinds: []int{nostr.KindDirectMessage}})
	require.NoError(t, err)
	defer sub.Close()
	<-sub.EOSE

	require.NoError(t, r.Publish(context.Background(), signedEvent(t, keys, nostr.KindOrder, nil, 1)))
	live := signedEvent(t, keys, nostr.KindDirectMessage, nil, 2)
	require.NoError(t, r.Publish(context.Background(), live))

	select {
	case ev := <-sub.Events:
		assert.Equal(t, live.ID, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}
}

func TestMemoryRelay_RejectsInvalid(t *testing.T) {
	keys, _ := crypto.GenerateKey()
	r := NewMemoryRelay("mem://a", 0)

	ev := signedEvent(t, keys, nostr.KindOrder, nil, 1)
	ev.Content = "tampered"
	assert.ErrorIs(t, r.Publish(context.Background(), ev), ErrRejected)
	assert.Zero(t, r.Len())
}

func TestMemoryRelay_DuplicatePublish(t *testing.T) {
	keys, _ := crypto.GenerateKey()
	r := NewMemoryRelay("mem://a", 0)
	ev := signedEvent(t, keys, nostr.KindOrder, nil, 1)

	require.NoError(t, r.Publish(context.Background(), ev))
	require.NoError(t, r.Publish(context.Background(), ev))
	assert.Equal(t, 1, r.Len())
}

func TestMemoryRelay_CancelledContext(t *testing.T) {
	r := NewMemoryRelay("mem://a", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Subscribe(ctx, nostr.Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscription_CloseIdempotent(t *testing.T) {
	r := NewMemoryRelay("mem://a", 0)
	sub, err := r.Subscribe(context.Background(), nostr.Filter{})
	require.NoError(t, err)
	sub.Close()
	assert.NotPanics(t, sub.Close)
}
