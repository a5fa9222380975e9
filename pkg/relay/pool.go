package relay

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/relaytrade/pkg/metrics"
	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/util"
)

// Pool is the configured relay set. It is built once and only read afterwards,
// so it can be shared by concurrent fetches and waits.
type Pool struct {
	relays  []Relay
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewPool(relays []Relay, log *zap.SugaredLogger, m *metrics.Metrics) *Pool {
	return &Pool{
		relays:  append([]Relay(nil), relays...),
		log:     util.OrNop(log),
		metrics: metrics.OrNop(m),
	}
}

// Relays returns a copy of the relay list.
func (p *Pool) Relays() []Relay { return append([]Relay(nil), p.relays...) }

func (p *Pool) Len() int { return len(p.relays) }

// Publish sends ev to every relay concurrently. It succeeds when at least one
// relay accepts, returning the URLs that did.
func (p *Pool) Publish(ctx context.Context, ev nostr.Event) ([]string, error) {
	if len(p.relays) == 0 {
		return nil, ErrNoRelays
	}

	var (
		mu       sync.Mutex
		accepted []string
		errs     error
		g        errgroup.Group
	)
	for _, r := range p.relays {
		g.Go(func() error {
			err := r.Publish(ctx, ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.URL(), err))
				p.metrics.RelayFailures.WithLabelValues("publish").Inc()
				p.log.Warnw("relay_publish_failed", "relay", r.URL(), "event_id", ev.ID, "err", err)
				return nil
			}
			accepted = append(accepted, r.URL())
			return nil
		})
	}
	_ = g.Wait()

	if len(accepted) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoRelayAccepted, errs)
	}
	p.log.Debugw("event_published", "event_id", ev.ID, "kind", ev.Kind, "accepted", len(accepted), "relays", len(p.relays))
	return accepted, nil
}
