// Package relay holds the transports events travel over: a websocket relay
// client, an in-memory relay, and the Pool that fans publishes out to them.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/uhyunpark/relaytrade/pkg/nostr"
)

var (
	ErrRejected        = errors.New("relay rejected event")
	ErrNoRelayAccepted = errors.New("no relay accepted the event")
	ErrNoRelays        = errors.New("no relays configured")
)

// Relay is one store-and-forward node.
type Relay interface {
	URL() string
	Publish(ctx context.Context, ev nostr.Event) error
	// Subscribe streams stored events matching f, signals EOSE, then streams
	// live events until Close is called or ctx is done.
	Subscribe(ctx context.Context, f nostr.Filter) (*Subscription, error)
}

// Subscription is a live stream from one relay. Events is closed only when
// the relay ends the stream; EOSE is closed once stored events are sent.
type Subscription struct {
	Events <-chan nostr.Event
	EOSE   <-chan struct{}

	once    sync.Once
	closeFn func()
}

func NewSubscription(events <-chan nostr.Event, eose <-chan struct{}, closeFn func()) *Subscription {
	return &Subscription{Events: events, EOSE: eose, closeFn: closeFn}
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}
