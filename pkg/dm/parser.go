// Package dm turns encrypted direct-message events into structured
// messages and builds outbound ones.
package dm

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/relaytrade/pkg/crypto"
	"github.com/uhyunpark/relaytrade/pkg/metrics"
	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/util"
)

var (
	ErrNotAddressedToMe = errors.New("not addressed to me")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrMalformedContent = errors.New("malformed content")
)

type ParseError struct {
	EventID string
	Err     error
}

func (e *ParseError) Error() string { return fmt.Sprintf("dm %s: %v", e.EventID, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

type DirectMessage struct {
	EventID       string
	Sender        string
	Message       Message
	CorrelationID string
	CreatedAt     time.Time
}

type Parser struct {
	keys    *crypto.Keys
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewParser(keys *crypto.Keys, log *zap.SugaredLogger, m *metrics.Metrics) *Parser {
	return &Parser{keys: keys, log: util.OrNop(log), metrics: metrics.OrNop(m)}
}

// Parse decrypts and decodes one event. The recipient is checked before any
// decryption is attempted.
func (p *Parser) Parse(ev nostr.Event) (DirectMessage, error) {
	if to, _ := ev.Tags.Value("p"); to != p.keys.PublicKeyHex() {
		return DirectMessage{}, p.fail(ev, "not_addressed", ErrNotAddressedToMe)
	}
	if ev.Kind != nostr.KindDirectMessage {
		return DirectMessage{}, p.fail(ev, "malformed", fmt.Errorf("%w: kind %d", ErrMalformedContent, ev.Kind))
	}
	plaintext, err := p.keys.Decrypt(ev.Content, ev.PubKey)
	if err != nil {
		return DirectMessage{}, p.fail(ev, "decrypt", fmt.Errorf("%w: %v", ErrDecryptionFailed, err))
	}
	msg, err := decodeEnvelope([]byte(plaintext))
	if err != nil {
		return DirectMessage{}, p.fail(ev, "malformed", fmt.Errorf("%w: %v", ErrMalformedContent, err))
	}
	return DirectMessage{
		EventID:       ev.ID,
		Sender:        ev.PubKey,
		Message:       msg,
		CorrelationID: msg.ID,
		CreatedAt:     ev.Time(),
	}, nil
}

func (p *Parser) fail(ev nostr.Event, reason string, err error) error {
	p.metrics.ParseFailures.WithLabelValues(reason).Inc()
	p.log.Debugw("dm_parse_failed", "event_id", ev.ID, "sender", ev.PubKey, "reason", reason, "err", err)
	return &ParseError{EventID: ev.ID, Err: err}
}

// ParseBatch parses every event independently; failures are collected and
// never stop the batch.
func (p *Parser) ParseBatch(evs []nostr.Event) ([]DirectMessage, []error) {
	var (
		msgs []DirectMessage
		errs []error
	)
	for _, ev := range evs {
		m, err := p.Parse(ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, errs
}

// NewDirectMessage encrypts msg for recipient and returns the signed event.
func NewDirectMessage(keys *crypto.Keys, recipient string, msg Message) (nostr.Event, error) {
	if msg.Version == 0 {
		msg.Version = ProtocolVersion
	}
	body, err := encodeEnvelope(msg)
	if err != nil {
		return nostr.Event{}, err
	}
	content, err := keys.Encrypt(string(body), recipient)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encrypt: %w", err)
	}
	ev := nostr.Event{
		Kind:    nostr.KindDirectMessage,
		Tags:    nostr.Tags{{"p", recipient}},
		Content: content,
	}
	if err := ev.Sign(keys); err != nil {
		return nostr.Event{}, err
	}
	return ev, nil
}

// NewReply answers to under the same correlation id and topic.
func NewReply(keys *crypto.Keys, to DirectMessage, action Action, payload *Payload) (nostr.Event, error) {
	msg := NewMessage(to.CorrelationID, action, payload)
	msg.Topic = to.Message.Topic
	return NewDirectMessage(keys, to.Sender, msg)
}
