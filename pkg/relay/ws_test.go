package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/relaytrade/pkg/crypto"
	"github.com/uhyunpark/relaytrade/pkg/nostr"
)

func startRelayServer(t *testing.T) (*MemoryRelay, string) {
	t.Helper()
	store := NewMemoryRelay("mem://server", 0)
	srv := httptest.NewServer(NewServer(store, nil))
	t.Cleanup(srv.Close)
	return store, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSRelay_PublishSubscribe(t *testing.T) {
	store, url := startRelayServer(t)
	keys, _ := crypto.GenerateKey()
	r := NewWSRelay(url)
	assert.Equal(t, url, r.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev := signedEvent(t, keys, nostr.KindOrder, nostr.Tags{{"d", "abc"}, {"z", "order"}}, 1700000000)
	require.NoError(t, r.Publish(ctx, ev))
	assert.True(t, store.Has(ev.ID))

	sub, err := r.Subscribe(ctx, nostr.Filter{Kinds: []int{nostr.KindOrder}, Tags: nostr.TagMap{"z": {"order"}}})
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 2*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	assert.NoError(t, got[0].Verify())
}

func TestWSRelay_LiveEventAfterEOSE(t *testing.T) {
	store, url := startRelayServer(t)
	keys, _ := crypto.GenerateKey()
	r := NewWSRelay(url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := r.Subscribe(ctx, nostr.Filter{Kinds: []int{nostr.KindDirectMessage}})
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, collect(t, sub, 2*time.Second))

	ev := signedEvent(t, keys, nostr.KindDirectMessage, nil, 5)
	require.NoError(t, store.Publish(ctx, ev))

	select {
	case got := <-sub.Events:
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("live event not delivered")
	}
}

func TestWSRelay_PublishRejected(t *testing.T) {
	_, url := startRelayServer(t)
	keys, _ := crypto.GenerateKey()

	ev := signedEvent(t, keys, nostr.KindOrder, nil, 1)
	ev.Sig = strings.Repeat("0", 128)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := NewWSRelay(url).Publish(ctx, ev)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestWSRelay_Unreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewWSRelay(url).Subscribe(ctx, nostr.Filter{})
	assert.Error(t, err)
	assert.Error(t, NewWSRelay(url).Publish(ctx, nostr.Event{}))
}

func TestWSRelay_ContextCancelEndsSubscription(t *testing.T) {
	_, url := startRelayServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := NewWSRelay(url).Subscribe(ctx, nostr.Filter{})
	require.NoError(t, err)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed after cancel")
		}
	}
}

func TestParseFrame(t *testing.T) {
	label, frame, err := parseFrame([]byte(`["OK","abc",true,""]`))
	require.NoError(t, err)
	assert.Equal(t, "OK", label)

	var id string
	var ok bool
	require.NoError(t, decodeFrame(frame, &id, &ok))
	assert.Equal(t, "abc", id)
	assert.True(t, ok)

	_, _, err = parseFrame([]byte(`[]`))
	assert.ErrorIs(t, err, errMalformedFrame)
	_, _, err = parseFrame([]byte(`{"not":"array"}`))
	assert.Error(t, err)
}

func TestServerConn_CloseStopsForwarding(t *testing.T) {
	store := NewMemoryRelay("mem://server", 0)
	c := &serverConn{
		srv:  NewServer(store, nil),
		out:  make(chan []any, subBuffer),
		subs: make(map[string]*serverSub),
	}
	req := func(id string) {
		_, frame, err := parseFrame([]byte(`["REQ","` + id + `",{"kinds":[1]}]`))
		require.NoError(t, err)
		c.handleReq(context.Background(), frame)
	}

	req("a")
	req("a") // reusing an id replaces the earlier REQ
	req("b")
	c.closeSub("a")
	c.closeSub("b")

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarding goroutines still running after CLOSE")
	}
	assert.Empty(t, c.subs)
}
