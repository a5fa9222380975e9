// Package driver runs the order actions a user triggers: publishing a new
// order and taking someone else's, tracking each order through its states.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/uhyunpark/relaytrade/pkg/crypto"
	"github.com/uhyunpark/relaytrade/pkg/dm"
	"github.com/uhyunpark/relaytrade/pkg/fetch"
	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/order"
	"github.com/uhyunpark/relaytrade/pkg/relay"
	"github.com/uhyunpark/relaytrade/pkg/util"
	"github.com/uhyunpark/relaytrade/pkg/waiter"
)

const (
	opPublishNewOrder = "publish_new_order"
	opTakeOrder       = "take_order"
	opAwait           = "await"
)

// Store persists what the driver learns. storage.PebbleStore implements it.
type Store interface {
	SaveOrder(l fetch.OrderListing) error
	SaveState(orderID, state string) error
	SaveMessage(m dm.DirectMessage) error
}

type Config struct {
	// Counterparty receives take requests. When empty they go to the
	// order's author.
	Counterparty string
	WaitTimeout  time.Duration
	FetchTimeout time.Duration
}

type TakeRequest struct {
	OrderID string
	// Kind of the order being taken; looked up when unknown.
	Kind order.Kind
	// Amount in fiat, for range orders.
	Amount  int64
	Invoice string
	// Timeout overrides Config.WaitTimeout when positive.
	Timeout time.Duration
}

type Driver struct {
	cfg     Config
	keys    *crypto.Keys
	pool    *relay.Pool
	fetcher *fetch.Fetcher
	waiter  *waiter.Waiter
	parser  *dm.Parser
	store   Store
	log     *zap.SugaredLogger

	feed event.FeedOf[StateChange]

	mu      sync.Mutex
	states  map[string]State
	pending map[string]pendingWait
	// handled holds reply event ids already acted on, per order, so a
	// retried wait does not pick them up again.
	handled map[string][]string
}

// pendingWait describes the reply an order in flight is waiting for.
type pendingWait struct {
	since time.Time
	// from is the only sender whose reply counts. Empty for a published
	// order, where any taker may answer.
	from string
	// take is set when the reply must carry the confirmed order.
	take bool
}

func New(cfg Config, keys *crypto.Keys, pool *relay.Pool, fetcher *fetch.Fetcher, w *waiter.Waiter, parser *dm.Parser, store Store, log *zap.SugaredLogger) *Driver {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	return &Driver{
		cfg:     cfg,
		keys:    keys,
		pool:    pool,
		fetcher: fetcher,
		waiter:  w,
		parser:  parser,
		store:   store,
		log:     util.OrNop(log),
		states:  make(map[string]State),
		pending: make(map[string]pendingWait),
		handled: make(map[string][]string),
	}
}

// SubscribeStates delivers every state change to ch until the subscription
// is unsubscribed.
func (d *Driver) SubscribeStates(ch chan<- StateChange) event.Subscription {
	return d.feed.Subscribe(ch)
}

// State returns the current state of an order this driver has handled.
func (d *Driver) State(orderID string) (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[orderID]
	return s, ok
}

func (d *Driver) transition(orderID string, to State) error {
	d.mu.Lock()
	from := d.states[orderID]
	if !from.CanTransition(to) {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, stateName(from), to)
	}
	d.states[orderID] = to
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.SaveState(orderID, string(to)); err != nil {
			d.log.Warnw("state_save_failed", "order_id", orderID, "state", to, "err", err)
		}
	}
	d.log.Debugw("order_state", "order_id", orderID, "from", stateName(from), "to", to)
	d.feed.Send(StateChange{OrderID: orderID, From: from, To: to, At: time.Now()})
	return nil
}

// rollback restores prev without emitting a change, for requests that never
// left this node.
func (d *Driver) rollback(orderID string, prev State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev == "" {
		delete(d.states, orderID)
		delete(d.pending, orderID)
		return
	}
	d.states[orderID] = prev
}

func stateName(s State) string {
	if s == "" {
		return "none"
	}
	return string(s)
}

// PublishNewOrder validates o, announces it on every relay and leaves it
// awaiting a taker. It returns the published event.
func (d *Driver) PublishNewOrder(ctx context.Context, o order.Order) (nostr.Event, error) {
	fail := func(err error) (nostr.Event, error) {
		return nostr.Event{}, &DriverError{Op: opPublishNewOrder, OrderID: o.ID, Err: err}
	}
	if err := o.Validate(); err != nil {
		return fail(err)
	}
	if !o.Kind.Valid() {
		return fail(&order.DecodeError{Code: order.InvalidEnum, Field: order.TagKind})
	}
	prev, _ := d.State(o.ID)
	if err := d.transition(o.ID, StateCreated); err != nil {
		return fail(err)
	}

	ev := nostr.Event{Kind: nostr.KindOrder, Tags: order.Encode(o)}
	if err := ev.Sign(d.keys); err != nil {
		d.rollback(o.ID, prev)
		return fail(err)
	}
	accepted, err := d.pool.Publish(ctx, ev)
	if err != nil {
		d.rollback(o.ID, prev)
		return fail(fmt.Errorf("%w: %w", ErrTransport, err))
	}
	if err := d.transition(o.ID, StatePublished); err != nil {
		return fail(err)
	}
	d.mu.Lock()
	d.pending[o.ID] = pendingWait{since: ev.Time()}
	d.mu.Unlock()

	d.saveOrder(fetch.OrderListing{Order: o, Author: ev.PubKey, EventID: ev.ID, CreatedAt: ev.Time()})
	d.log.Infow("order_published", "order_id", o.ID, "event_id", ev.ID, "kind", o.Kind, "relays", len(accepted))

	if err := d.transition(o.ID, StateAwaitingTaker); err != nil {
		return fail(err)
	}
	return ev, nil
}

// TakeOrder asks the order's counterparty to take it and waits for the
// confirmation, returning the order as confirmed.
func (d *Driver) TakeOrder(ctx context.Context, req TakeRequest) (order.Order, error) {
	fail := func(err error) (order.Order, error) {
		return order.Order{}, &DriverError{Op: opTakeOrder, OrderID: req.OrderID, Err: err}
	}

	kind, recipient := req.Kind, d.cfg.Counterparty
	if !kind.Valid() || recipient == "" {
		l, err := d.lookup(ctx, req.OrderID)
		if err != nil {
			return fail(err)
		}
		if !kind.Valid() {
			kind = l.Order.Kind
		}
		if recipient == "" {
			recipient = l.Author
		}
	}
	action, ok := dm.TakeAction(kind)
	if !ok {
		return fail(ErrUnsupportedOrderOp)
	}
	if recipient == "" {
		return fail(ErrNoCounterparty)
	}

	var payload *dm.Payload
	if req.Amount > 0 || req.Invoice != "" {
		payload = &dm.Payload{Invoice: req.Invoice}
		if req.Amount > 0 {
			amount := req.Amount
			payload.Amount = &amount
		}
	}

	prev, _ := d.State(req.OrderID)
	if err := d.transition(req.OrderID, StateCreated); err != nil {
		return fail(err)
	}
	msg := dm.NewMessage(req.OrderID, action, payload)
	ev, sentAt, err := d.waiter.Send(ctx, waiter.Request{Recipient: recipient, Message: msg}, req.OrderID)
	if err != nil {
		d.rollback(req.OrderID, prev)
		return fail(d.mapWaitErr(err))
	}
	if err := d.transition(req.OrderID, StatePublished); err != nil {
		return fail(err)
	}
	d.mu.Lock()
	d.pending[req.OrderID] = pendingWait{since: sentAt, from: recipient, take: true}
	d.mu.Unlock()
	d.log.Infow("take_requested", "order_id", req.OrderID, "event_id", ev.ID, "action", action, "recipient", recipient)

	_, o, err := d.await(ctx, req.OrderID, d.timeout(req.Timeout))
	if err != nil {
		return fail(err)
	}
	return o, nil
}

// Await waits again for the response to an order whose earlier wait timed
// out, or for a taker of an order this node published. No new request is
// sent.
func (d *Driver) Await(ctx context.Context, orderID string, timeout time.Duration) (dm.DirectMessage, error) {
	resp, _, err := d.await(ctx, orderID, d.timeout(timeout))
	if err != nil {
		return dm.DirectMessage{}, &DriverError{Op: opAwait, OrderID: orderID, Err: err}
	}
	return resp, nil
}

// await waits for the reply an order in flight expects. For a take, the
// reply must carry the order; the confirmed order is returned with it.
func (d *Driver) await(ctx context.Context, orderID string, timeout time.Duration) (dm.DirectMessage, order.Order, error) {
	d.mu.Lock()
	state := d.states[orderID]
	p, ok := d.pending[orderID]
	exclude := append([]string(nil), d.handled[orderID]...)
	d.mu.Unlock()
	if !ok || !state.CanTransition(StateTimedOut) {
		return dm.DirectMessage{}, order.Order{}, fmt.Errorf("%w: nothing to wait for in state %s", ErrInvalidTransition, stateName(state))
	}

	resp, err := d.waiter.Wait(ctx, waiter.Match{CorrelationID: orderID, From: p.from, Since: p.since, Exclude: exclude}, timeout)
	if err != nil {
		err = d.mapWaitErr(err)
		if errors.Is(err, ErrNoResponse) {
			_ = d.transition(orderID, StateTimedOut)
			d.log.Infow("order_wait_timed_out", "order_id", orderID, "timeout", timeout)
		}
		return dm.DirectMessage{}, order.Order{}, err
	}
	d.mu.Lock()
	d.handled[orderID] = append(d.handled[orderID], resp.EventID)
	d.mu.Unlock()
	if d.store != nil {
		if err := d.store.SaveMessage(resp); err != nil {
			d.log.Warnw("message_save_failed", "order_id", orderID, "event_id", resp.EventID, "err", err)
		}
	}

	if resp.Message.Action == dm.ActionCantDo {
		// a rejected take can be tried again from scratch
		d.rollback(orderID, "")
		d.log.Infow("order_rejected", "order_id", orderID, "sender", resp.Sender)
		return resp, order.Order{}, ErrRejected
	}

	var o order.Order
	if p.take {
		o, err = resp.Message.Order()
		if err != nil {
			d.rollback(orderID, "")
			d.log.Warnw("order_confirmation_malformed", "order_id", orderID, "event_id", resp.EventID, "err", err)
			return resp, order.Order{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
	}
	if err := d.transition(orderID, StateTakenConfirmed); err != nil {
		return resp, order.Order{}, err
	}
	if p.take {
		d.saveOrder(fetch.OrderListing{Order: o, Author: resp.Sender, EventID: resp.EventID, CreatedAt: resp.CreatedAt})
	}
	d.log.Infow("order_confirmed", "order_id", orderID, "action", resp.Message.Action, "sender", resp.Sender)
	return resp, o, nil
}

func (d *Driver) mapWaitErr(err error) error {
	switch {
	case errors.Is(err, waiter.ErrTimeout):
		return fmt.Errorf("%w: %w", ErrNoResponse, err)
	case errors.Is(err, waiter.ErrTransport):
		return fmt.Errorf("%w: %w", ErrTransport, err)
	default:
		return err
	}
}

func (d *Driver) timeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return d.cfg.WaitTimeout
}

// lookup finds the newest announcement of orderID on the relays.
func (d *Driver) lookup(ctx context.Context, orderID string) (fetch.OrderListing, error) {
	listings, err := d.fetcher.FetchOrders(ctx, fetch.Params{OrderID: orderID}, d.cfg.FetchTimeout)
	if err != nil {
		if errors.Is(err, fetch.ErrAllRelaysUnreachable) {
			return fetch.OrderListing{}, fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return fetch.OrderListing{}, err
	}
	for _, l := range listings {
		if l.Order.ID == orderID {
			return l, nil
		}
	}
	return fetch.OrderListing{}, ErrOrderNotFound
}

func (d *Driver) saveOrder(l fetch.OrderListing) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveOrder(l); err != nil {
		d.log.Warnw("order_save_failed", "order_id", l.Order.ID, "err", err)
	}
}

// ListOrders returns the order book currently visible on the relays.
func (d *Driver) ListOrders(ctx context.Context, p fetch.Params) ([]fetch.OrderListing, error) {
	return d.fetcher.FetchOrders(ctx, p, d.cfg.FetchTimeout)
}

// ListDisputes returns dispute events, optionally for one order.
func (d *Driver) ListDisputes(ctx context.Context, p fetch.Params) ([]nostr.Event, error) {
	return d.fetcher.Fetch(ctx, fetch.ListDisputes, p, d.cfg.FetchTimeout)
}

// ListMessages fetches and parses the direct messages sent to this node
// since the given time. Messages that fail to parse are skipped.
func (d *Driver) ListMessages(ctx context.Context, since time.Time) ([]dm.DirectMessage, error) {
	evs, err := d.fetcher.Fetch(ctx, fetch.ListDirectMessages, fetch.Params{
		Recipient: d.keys.PublicKeyHex(),
		Since:     since,
	}, d.cfg.FetchTimeout)
	if err != nil {
		return nil, err
	}
	msgs, errs := d.parser.ParseBatch(evs)
	if len(errs) > 0 {
		d.log.Debugw("messages_skipped", "count", len(errs))
	}
	if d.store != nil {
		for _, m := range msgs {
			if err := d.store.SaveMessage(m); err != nil {
				d.log.Warnw("message_save_failed", "event_id", m.EventID, "err", err)
			}
		}
	}
	return msgs, nil
}

// SyncOrders fetches the visible order book into the store and returns how
// many orders were saved.
func (d *Driver) SyncOrders(ctx context.Context) (int, error) {
	listings, err := d.ListOrders(ctx, fetch.Params{})
	if err != nil {
		return 0, err
	}
	for _, l := range listings {
		d.saveOrder(l)
	}
	return len(listings), nil
}
