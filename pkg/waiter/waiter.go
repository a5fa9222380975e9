// Package waiter sends a request and waits, bounded, for the direct message
// that answers it.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/uhyunpark/relaytrade/pkg/crypto"
	"github.com/uhyunpark/relaytrade/pkg/dm"
	"github.com/uhyunpark/relaytrade/pkg/fetch"
	"github.com/uhyunpark/relaytrade/pkg/metrics"
	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/relay"
	"github.com/uhyunpark/relaytrade/pkg/util"
)

var (
	ErrTimeout   = errors.New("timed out waiting for response")
	ErrTransport = errors.New("transport failure")
)

// WaitError carries the correlation id of a failed wait.
type WaitError struct {
	CorrelationID string
	Err           error
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("wait %s: %v", e.CorrelationID, e.Err)
}

func (e *WaitError) Unwrap() error { return e.Err }

type Config struct {
	// PollInterval is the pause between fetch rounds.
	PollInterval time.Duration
	// FetchTimeout bounds a single fetch round.
	FetchTimeout time.Duration
	// SinceSkew widens the since bound to absorb clock drift between
	// this node and the responder.
	SinceSkew time.Duration
	// SeenCacheSize caps the per-wait set of already parsed event ids.
	SeenCacheSize int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  500 * time.Millisecond,
		FetchTimeout:  2 * time.Second,
		SinceSkew:     30 * time.Second,
		SeenCacheSize: 4096,
	}
}

type Request struct {
	Recipient string
	Message   dm.Message
}

// Match selects the reply a wait accepts.
type Match struct {
	CorrelationID string
	// From restricts accepted replies to one sender. Empty accepts anyone.
	From string
	// Since is the earliest creation time considered, before SinceSkew.
	Since time.Time
	// Exclude lists reply event ids already handled by the caller.
	Exclude []string
}

type Waiter struct {
	cfg     Config
	keys    *crypto.Keys
	pool    *relay.Pool
	fetcher *fetch.Fetcher
	parser  *dm.Parser
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func New(cfg Config, keys *crypto.Keys, pool *relay.Pool, fetcher *fetch.Fetcher, parser *dm.Parser, clock util.Clock, log *zap.SugaredLogger, m *metrics.Metrics) *Waiter {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.SinceSkew < 0 {
		cfg.SinceSkew = 0
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = def.SeenCacheSize
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Waiter{
		cfg:     cfg,
		keys:    keys,
		pool:    pool,
		fetcher: fetcher,
		parser:  parser,
		clock:   clock,
		log:     util.OrNop(log),
		metrics: metrics.OrNop(m),
	}
}

// SendAndWait publishes req as an encrypted direct message, then waits up to
// timeout for a reply from req.Recipient whose correlation id matches. There
// is no retry: one publish, one bounded wait.
func (w *Waiter) SendAndWait(ctx context.Context, req Request, correlationID string, timeout time.Duration) (dm.DirectMessage, error) {
	_, sentAt, err := w.Send(ctx, req, correlationID)
	if err != nil {
		return dm.DirectMessage{}, err
	}
	return w.wait(ctx, Match{CorrelationID: correlationID, From: req.Recipient, Since: sentAt}, timeout)
}

// Send publishes req and returns the event with the time it was sent, which
// is the since bound for a following Wait.
func (w *Waiter) Send(ctx context.Context, req Request, correlationID string) (nostr.Event, time.Time, error) {
	ev, err := dm.NewDirectMessage(w.keys, req.Recipient, req.Message)
	if err != nil {
		return nostr.Event{}, time.Time{}, &WaitError{CorrelationID: correlationID, Err: err}
	}
	sentAt := w.clock.Now()
	if _, err := w.pool.Publish(ctx, ev); err != nil {
		w.metrics.WaitOutcomes.WithLabelValues("transport").Inc()
		return nostr.Event{}, time.Time{}, &WaitError{CorrelationID: correlationID, Err: fmt.Errorf("%w: %w", ErrTransport, err)}
	}
	w.log.Debugw("request_sent", "correlation_id", correlationID, "event_id", ev.ID, "action", req.Message.Action, "recipient", req.Recipient)
	return ev, sentAt, nil
}

// Wait waits for a reply selected by m without sending anything.
func (w *Waiter) Wait(ctx context.Context, m Match, timeout time.Duration) (dm.DirectMessage, error) {
	return w.wait(ctx, m, timeout)
}

func (w *Waiter) wait(ctx context.Context, m Match, timeout time.Duration) (dm.DirectMessage, error) {
	correlationID := m.CorrelationID
	deadline := w.clock.Now().Add(timeout)
	seen, _ := lru.New[string, struct{}](w.cfg.SeenCacheSize + len(m.Exclude))
	for _, id := range m.Exclude {
		seen.Add(id, struct{}{})
	}
	params := fetch.Params{
		Author:    m.From,
		Recipient: w.keys.PublicKeyHex(),
		Since:     m.Since.Add(-w.cfg.SinceSkew),
	}

	for {
		remaining := deadline.Sub(w.clock.Now())
		if remaining <= 0 {
			break
		}
		evs, err := w.fetcher.Fetch(ctx, fetch.ListDirectMessages, params, min(w.cfg.FetchTimeout, remaining))
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return dm.DirectMessage{}, &WaitError{CorrelationID: correlationID, Err: ctx.Err()}
		case errors.Is(err, fetch.ErrAllRelaysUnreachable):
			w.metrics.WaitOutcomes.WithLabelValues("transport").Inc()
			return dm.DirectMessage{}, &WaitError{CorrelationID: correlationID, Err: fmt.Errorf("%w: %w", ErrTransport, err)}
		default:
			return dm.DirectMessage{}, &WaitError{CorrelationID: correlationID, Err: err}
		}

		// fetch output is newest first; the earliest reply wins
		for i := len(evs) - 1; i >= 0; i-- {
			ev := evs[i]
			if seen.Contains(ev.ID) {
				continue
			}
			seen.Add(ev.ID, struct{}{})
			msg, err := w.parser.Parse(ev)
			if err != nil {
				continue
			}
			if msg.CorrelationID != correlationID {
				continue
			}
			// relays may ignore the author filter
			if m.From != "" && msg.Sender != m.From {
				w.log.Debugw("reply_from_unexpected_sender", "correlation_id", correlationID, "event_id", ev.ID, "sender", msg.Sender)
				continue
			}
			w.metrics.WaitOutcomes.WithLabelValues("matched").Inc()
			w.log.Debugw("response_matched", "correlation_id", correlationID, "event_id", ev.ID, "action", msg.Message.Action)
			return msg, nil
		}

		remaining = deadline.Sub(w.clock.Now())
		if remaining <= 0 {
			break
		}
		if err := util.Sleep(ctx, w.clock, min(w.cfg.PollInterval, remaining)); err != nil {
			return dm.DirectMessage{}, &WaitError{CorrelationID: correlationID, Err: err}
		}
	}

	w.metrics.WaitOutcomes.WithLabelValues("timeout").Inc()
	w.log.Debugw("response_timeout", "correlation_id", correlationID, "timeout", timeout)
	return dm.DirectMessage{}, &WaitError{CorrelationID: correlationID, Err: ErrTimeout}
}
