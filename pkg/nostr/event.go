package nostr

import (
	"errors"
	"fmt"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/uhyunpark/relaytrade/pkg/crypto"
)

var (
	ErrInvalidID        = errors.New("event id does not match content")
	ErrInvalidSignature = errors.New("invalid event signature")
)

// Event is the signed, content-addressed record exchanged with relays.
// Events received from the network are never mutated.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

func (e Event) Time() time.Time { return time.Unix(e.CreatedAt, 0) }

func (e Event) lib() gonostr.Event {
	tags := make(gonostr.Tags, len(e.Tags))
	for i, t := range e.Tags {
		tags[i] = gonostr.Tag(t)
	}
	return gonostr.Event{
		ID:        e.ID,
		PubKey:    e.PubKey,
		CreatedAt: gonostr.Timestamp(e.CreatedAt),
		Kind:      e.Kind,
		Tags:      tags,
		Content:   e.Content,
		Sig:       e.Sig,
	}
}

// Serialize returns the canonical form hashed into the event id:
// [0, pubkey, created_at, kind, tags, content].
func (e Event) Serialize() []byte {
	return e.lib().Serialize()
}

// ComputeID returns the hex id this event should carry.
func (e Event) ComputeID() string {
	return e.lib().GetID()
}

// Sign fills PubKey, ID and Sig using keys. CreatedAt is set to now when zero.
func (e *Event) Sign(keys *crypto.Keys) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	if e.Tags == nil {
		e.Tags = Tags{}
	}
	ev := e.lib()
	if err := ev.Sign(keys.PrivateKeyHex()); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.PubKey, e.ID, e.Sig = ev.PubKey, ev.ID, ev.Sig
	return nil
}

// Verify checks that ID matches the content and Sig is a valid signature by PubKey.
func (e Event) Verify() error {
	ev := e.lib()
	if e.ID != ev.GetID() {
		return ErrInvalidID
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return ErrInvalidSignature
	}
	return nil
}
