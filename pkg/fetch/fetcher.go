// Package fetch queries every configured relay at once and merges the
// answers into one deduplicated list.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/relaytrade/pkg/metrics"
	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/order"
	"github.com/uhyunpark/relaytrade/pkg/relay"
	"github.com/uhyunpark/relaytrade/pkg/util"
)

var ErrAllRelaysUnreachable = errors.New("all relays unreachable")

type Fetcher struct {
	pool    *relay.Pool
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func New(pool *relay.Pool, log *zap.SugaredLogger, m *metrics.Metrics) *Fetcher {
	return &Fetcher{pool: pool, log: util.OrNop(log), metrics: metrics.OrNop(m)}
}

// Fetch returns the events of list matching p from all relays, deduplicated
// by id and sorted newest first. timeout bounds the wait; events received
// before it fires are kept. The call fails only when no relay answered.
func (f *Fetcher) Fetch(ctx context.Context, list ListKind, p Params, timeout time.Duration) ([]nostr.Event, error) {
	filter, err := list.Filter(p)
	if err != nil {
		return nil, err
	}
	evs, err := f.FetchFilter(ctx, filter, timeout)
	if err != nil {
		return nil, err
	}
	f.metrics.FetchedEvents.WithLabelValues(list.String()).Add(float64(len(evs)))
	return evs, nil
}

// FetchFilter is Fetch for a prebuilt filter.
func (f *Fetcher) FetchFilter(ctx context.Context, filter nostr.Filter, timeout time.Duration) ([]nostr.Event, error) {
	relays := f.pool.Relays()
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrAllRelaysUnreachable, relay.ErrNoRelays)
	}

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		seen     = make(map[string]nostr.Event)
		answered int
		errs     error
		g        errgroup.Group
	)
	add := func(ev nostr.Event) {
		mu.Lock()
		if _, ok := seen[ev.ID]; !ok {
			seen[ev.ID] = ev
		}
		mu.Unlock()
	}

	for _, r := range relays {
		g.Go(func() error {
			err := f.collect(fctx, r, filter, add)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.URL(), err))
				f.metrics.RelayFailures.WithLabelValues("subscribe").Inc()
				f.log.Debugw("relay_fetch_failed", "relay", r.URL(), "err", err)
				return nil
			}
			answered++
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if answered == 0 {
		return nil, fmt.Errorf("%w: %w", ErrAllRelaysUnreachable, errs)
	}

	out := make([]nostr.Event, 0, len(seen))
	for _, ev := range seen {
		out = append(out, ev)
	}
	sortNewestFirst(out)
	return out, nil
}

// collect streams one relay until EOSE, stream end or ctx expiry. Only a
// failure to subscribe is an error; a relay that accepted the subscription
// has answered even if it sent nothing.
func (f *Fetcher) collect(ctx context.Context, r relay.Relay, filter nostr.Filter, add func(nostr.Event)) error {
	sub, err := r.Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	defer sub.Close()

	accept := func(ev nostr.Event) {
		if err := ev.Verify(); err != nil {
			f.metrics.InvalidEvents.Inc()
			f.log.Debugw("event_dropped", "relay", r.URL(), "event_id", ev.ID, "err", err)
			return
		}
		if !filter.Matches(ev) {
			return
		}
		add(ev)
	}

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			accept(ev)
		case <-sub.EOSE:
			// stored events may still be buffered behind EOSE
			for {
				select {
				case ev, ok := <-sub.Events:
					if !ok {
						return nil
					}
					accept(ev)
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func sortNewestFirst(evs []nostr.Event) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].CreatedAt != evs[j].CreatedAt {
			return evs[i].CreatedAt > evs[j].CreatedAt
		}
		return evs[i].ID < evs[j].ID
	})
}

// OrderListing is a decoded order announcement with its envelope.
type OrderListing struct {
	Order     order.Order
	Author    string
	EventID   string
	CreatedAt time.Time
}

// FetchOrders fetches and decodes order announcements. Events that do not
// decode are logged and skipped. An author re-announcing the same order id
// replaces the earlier announcement.
func (f *Fetcher) FetchOrders(ctx context.Context, p Params, timeout time.Duration) ([]OrderListing, error) {
	evs, err := f.Fetch(ctx, ListOrders, p, timeout)
	if err != nil {
		return nil, err
	}

	type key struct{ author, id string }
	latest := make(map[key]bool, len(evs))
	out := make([]OrderListing, 0, len(evs))
	for _, ev := range evs {
		o, err := order.Decode(ev.Tags)
		if err != nil {
			f.log.Debugw("order_decode_failed", "event_id", ev.ID, "author", ev.PubKey, "err", err)
			continue
		}
		k := key{ev.PubKey, o.ID}
		if latest[k] {
			continue
		}
		latest[k] = true
		out = append(out, OrderListing{Order: o, Author: ev.PubKey, EventID: ev.ID, CreatedAt: ev.Time()})
	}
	return out, nil
}
