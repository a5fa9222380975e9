package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/uhyunpark/relaytrade/pkg/nostr"
)

const (
	DefaultStoreSize = 10000
	subBuffer        = 256
)

// MemoryRelay keeps the most recent events in an LRU and serves
// subscriptions from it. It backs the gossip relay and tests.
type MemoryRelay struct {
	url string

	mu    sync.Mutex
	store *lru.Cache[string, nostr.Event]
	subs  map[*memSub]struct{}
}

type memSub struct {
	filter nostr.Filter
	ch     chan nostr.Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewMemoryRelay(url string, size int) *MemoryRelay {
	if size <= 0 {
		size = DefaultStoreSize
	}
	store, _ := lru.New[string, nostr.Event](size)
	return &MemoryRelay{
		url:   url,
		store: store,
		subs:  make(map[*memSub]struct{}),
	}
}

func (r *MemoryRelay) URL() string { return r.url }

func (r *MemoryRelay) Len() int { return r.store.Len() }

// Has reports whether an event id is stored.
func (r *MemoryRelay) Has(id string) bool { return r.store.Contains(id) }

// Publish verifies and stores ev, then forwards it to matching live subscriptions.
// Re-publishing a stored event is accepted and not forwarded again.
func (r *MemoryRelay) Publish(ctx context.Context, ev nostr.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ev.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	r.mu.Lock()
	if r.store.Contains(ev.ID) {
		r.mu.Unlock()
		return nil
	}
	r.store.Add(ev.ID, ev)
	subs := make([]*memSub, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		if s.filter.Matches(ev) {
			s.push(ev)
		}
	}
	return nil
}

func (r *MemoryRelay) Subscribe(ctx context.Context, f nostr.Filter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memSub{
		filter: f,
		ch:     make(chan nostr.Event, subBuffer),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	stored := r.query(f)
	r.subs[s] = struct{}{}
	r.mu.Unlock()

	eose := make(chan struct{})
	go func() {
		for _, ev := range stored {
			select {
			case s.ch <- ev:
			case <-s.done:
				return
			}
		}
		close(eose)
	}()

	closeFn := func() {
		r.mu.Lock()
		delete(r.subs, s)
		r.mu.Unlock()
		s.mu.Lock()
		s.closed = true
		close(s.done)
		s.mu.Unlock()
	}
	sub := NewSubscription(s.ch, eose, closeFn)
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-s.done:
		}
	}()
	return sub, nil
}

// Query returns stored events matching f, newest first, capped at f.Limit.
func (r *MemoryRelay) Query(f nostr.Filter) []nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.query(f)
}

func (r *MemoryRelay) query(f nostr.Filter) []nostr.Event {
	var out []nostr.Event
	for _, ev := range r.store.Values() {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// push delivers a live event, dropping it if the subscriber is not keeping up.
func (s *memSub) push(ev nostr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}
