package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/relaytrade/pkg/dm"
	"github.com/uhyunpark/relaytrade/pkg/fetch"
	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/order"
)

var ErrNotFound = errors.New("not found")

// PebbleStore persists orders seen or published by this node, their driver
// states and the direct messages exchanged about them.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Orders are stored as their wire tags so the codec stays the only
// authority on what a valid order is.
type orderRecord struct {
	Tags      nostr.Tags `json:"tags"`
	Author    string     `json:"author"`
	EventID   string     `json:"event_id"`
	CreatedAt int64      `json:"created_at"`
}

type stateRecord struct {
	State     string `json:"state"`
	UpdatedAt int64  `json:"updated_at"`
}

type messageRecord struct {
	EventID       string     `json:"event_id"`
	Sender        string     `json:"sender"`
	CorrelationID string     `json:"correlation_id"`
	CreatedAt     int64      `json:"created_at"`
	Topic         dm.Topic   `json:"topic"`
	Message       dm.Message `json:"message"`
}

// SaveOrder persists an order listing, replacing any earlier one with the same id
func (s *PebbleStore) SaveOrder(l fetch.OrderListing) error {
	data, err := json.Marshal(orderRecord{
		Tags:      order.Encode(l.Order),
		Author:    l.Author,
		EventID:   l.EventID,
		CreatedAt: l.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(l.Order.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *PebbleStore) GetOrder(orderID string) (fetch.OrderListing, error) {
	data, closer, err := s.db.Get(orderKey(orderID))
	if err == pebble.ErrNotFound {
		return fetch.OrderListing{}, ErrNotFound
	}
	if err != nil {
		return fetch.OrderListing{}, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()
	return decodeOrder(data)
}

func decodeOrder(data []byte) (fetch.OrderListing, error) {
	var rec orderRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fetch.OrderListing{}, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	o, err := order.Decode(rec.Tags)
	if err != nil {
		return fetch.OrderListing{}, err
	}
	return fetch.OrderListing{
		Order:     o,
		Author:    rec.Author,
		EventID:   rec.EventID,
		CreatedAt: time.Unix(rec.CreatedAt, 0),
	}, nil
}

// ListOrders returns every stored order in id order. Entries that no longer
// decode are skipped.
func (s *PebbleStore) ListOrders() ([]fetch.OrderListing, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []fetch.OrderListing
	for iter.First(); iter.Valid(); iter.Next() {
		l, err := decodeOrder(iter.Value())
		if err != nil {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// DeleteOrder removes an order together with its state and messages
func (s *PebbleStore) DeleteOrder(orderID string) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(orderKey(orderID), nil); err != nil {
		return err
	}
	if err := b.Delete(stateKey(orderID), nil); err != nil {
		return err
	}
	prefix := messagePrefix(orderID)
	if err := b.DeleteRange(prefix, keyUpperBound(prefix), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

func (s *PebbleStore) SaveState(orderID, state string) error {
	data, err := json.Marshal(stateRecord{State: state, UpdatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	if err := s.db.Set(stateKey(orderID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (s *PebbleStore) GetState(orderID string) (string, error) {
	data, closer, err := s.db.Get(stateKey(orderID))
	if err == pebble.ErrNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get state: %w", err)
	}
	defer closer.Close()
	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return rec.State, nil
}

// SaveMessage records a direct message under the order it refers to.
// Messages are history, so writes are not synced.
func (s *PebbleStore) SaveMessage(m dm.DirectMessage) error {
	data, err := json.Marshal(messageRecord{
		EventID:       m.EventID,
		Sender:        m.Sender,
		CorrelationID: m.CorrelationID,
		CreatedAt:     m.CreatedAt.Unix(),
		Topic:         m.Message.Topic,
		Message:       m.Message,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	key := messageKey(m.CorrelationID, m.CreatedAt.Unix(), m.EventID)
	if err := s.db.Set(key, data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// ListMessages returns up to limit messages about orderID, newest first.
// limit <= 0 returns all of them.
func (s *PebbleStore) ListMessages(orderID string, limit int) ([]dm.DirectMessage, error) {
	prefix := messagePrefix(orderID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []dm.DirectMessage
	for iter.Last(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Prev() {
		var rec messageRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		rec.Message.Topic = rec.Topic
		out = append(out, dm.DirectMessage{
			EventID:       rec.EventID,
			Sender:        rec.Sender,
			Message:       rec.Message,
			CorrelationID: rec.CorrelationID,
			CreatedAt:     time.Unix(rec.CreatedAt, 0),
		})
	}
	return out, nil
}
