package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/util"
)

const defaultWriteWait = 10 * time.Second

var errMalformedFrame = errors.New("malformed relay frame")

// WSRelay talks the relay wire protocol over websocket:
//
//	-> ["EVENT", <event>]            <- ["OK", <id>, <accepted>, <message>]
//	-> ["REQ", <sub id>, <filter>]   <- ["EVENT", <sub id>, <event>] ... ["EOSE", <sub id>]
//	-> ["CLOSE", <sub id>]           <- ["CLOSED", <sub id>, <message>] | ["NOTICE", <message>]
//
// Every Publish and Subscribe uses its own connection; there is no
// reconnect logic.
type WSRelay struct {
	url       string
	dialer    *websocket.Dialer
	log       *zap.SugaredLogger
	writeWait time.Duration
}

type WSOption func(*WSRelay)

func WithDialer(d *websocket.Dialer) WSOption {
	return func(r *WSRelay) { r.dialer = d }
}

func WithLogger(log *zap.SugaredLogger) WSOption {
	return func(r *WSRelay) { r.log = log }
}

// WithWriteWait sets the deadline for a single frame write.
func WithWriteWait(d time.Duration) WSOption {
	return func(r *WSRelay) { r.writeWait = d }
}

func NewWSRelay(url string, opts ...WSOption) *WSRelay {
	r := &WSRelay{
		url:       url,
		dialer:    websocket.DefaultDialer,
		writeWait: defaultWriteWait,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = util.OrNop(r.log)
	return r
}

func (r *WSRelay) URL() string { return r.url }

func (r *WSRelay) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", r.url, err)
	}
	return conn, nil
}

func (r *WSRelay) write(conn *websocket.Conn, frame ...any) error {
	conn.SetWriteDeadline(time.Now().Add(r.writeWait))
	return conn.WriteJSON(frame)
}

// closeOnDone closes conn when ctx ends, unblocking pending reads.
// The returned func stops the watcher.
func closeOnDone(ctx context.Context, conn *websocket.Conn) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

func (r *WSRelay) Publish(ctx context.Context, ev nostr.Event) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()

	if err := r.write(conn, "EVENT", ev); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read ok: %w", err)
		}
		label, frame, err := parseFrame(data)
		if err != nil {
			r.log.Debugw("relay_bad_frame", "relay", r.url, "err", err)
			continue
		}
		switch label {
		case "OK":
			var id, msg string
			var accepted bool
			if err := decodeFrame(frame, &id, &accepted, &msg); err != nil || id != ev.ID {
				continue
			}
			if !accepted {
				return fmt.Errorf("%w: %s", ErrRejected, msg)
			}
			return nil
		case "NOTICE":
			r.logNotice(frame)
		}
	}
}

func (r *WSRelay) Subscribe(ctx context.Context, f nostr.Filter) (*Subscription, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	subID := uuid.NewString()
	if err := r.write(conn, "REQ", subID, f); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write req: %w", err)
	}

	events := make(chan nostr.Event, subBuffer)
	eose := make(chan struct{})
	done := make(chan struct{})
	var closeOnce sync.Once
	closeFn := func() {
		closeOnce.Do(func() {
			close(done)
			_ = r.write(conn, "CLOSE", subID)
			conn.Close()
		})
	}

	go r.readLoop(conn, subID, events, eose, done)

	sub := NewSubscription(events, eose, closeFn)
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-done:
		}
	}()
	return sub, nil
}

func (r *WSRelay) readLoop(conn *websocket.Conn, subID string, events chan<- nostr.Event, eose chan struct{}, done <-chan struct{}) {
	defer close(events)
	eoseSent := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				r.log.Debugw("relay_read_ended", "relay", r.url, "sub", subID, "err", err)
			}
			return
		}
		label, frame, err := parseFrame(data)
		if err != nil {
			r.log.Debugw("relay_bad_frame", "relay", r.url, "err", err)
			continue
		}
		switch label {
		case "EVENT":
			var id string
			var ev nostr.Event
			if err := decodeFrame(frame, &id, &ev); err != nil || id != subID {
				continue
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		case "EOSE":
			if !eoseSent {
				eoseSent = true
				close(eose)
			}
		case "CLOSED":
			var id, msg string
			if err := decodeFrame(frame, &id, &msg); err == nil && id == subID {
				r.log.Infow("relay_closed_subscription", "relay", r.url, "sub", subID, "reason", msg)
				return
			}
		case "NOTICE":
			r.logNotice(frame)
		}
	}
}

func (r *WSRelay) logNotice(frame []json.RawMessage) {
	var msg string
	if err := decodeFrame(frame, &msg); err == nil {
		r.log.Infow("relay_notice", "relay", r.url, "msg", msg)
	}
}

// parseFrame splits a JSON array frame into its label and remaining elements.
func parseFrame(data []byte) (string, []json.RawMessage, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, err
	}
	if len(raw) == 0 {
		return "", nil, errMalformedFrame
	}
	var label string
	if err := json.Unmarshal(raw[0], &label); err != nil {
		return "", nil, err
	}
	return label, raw[1:], nil
}

// decodeFrame decodes frame elements positionally into dst. Missing
// trailing elements leave their destinations untouched.
func decodeFrame(frame []json.RawMessage, dst ...any) error {
	if len(frame) == 0 && len(dst) > 0 {
		return errMalformedFrame
	}
	for i, d := range dst {
		if i >= len(frame) {
			break
		}
		if err := json.Unmarshal(frame[i], d); err != nil {
			return err
		}
	}
	return nil
}
