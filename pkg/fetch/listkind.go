package fetch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/order"
)

// Document markers carried in the "z" tag.
const (
	DocumentOrder   = order.DocumentOrder
	DocumentDispute = "dispute"
)

var (
	ErrUnknownListKind  = errors.New("unknown list kind")
	ErrMissingRecipient = errors.New("direct message list needs a recipient")
)

// ListKind names a category of relay content. Each kind owns one filter
// template; adding a kind means adding a case to Filter.
type ListKind int

const (
	ListOrders ListKind = iota
	ListDirectMessages
	ListDisputes
)

func (l ListKind) String() string {
	switch l {
	case ListOrders:
		return "orders"
	case ListDirectMessages:
		return "direct_messages"
	case ListDisputes:
		return "disputes"
	default:
		return fmt.Sprintf("ListKind(%d)", int(l))
	}
}

func ParseListKind(s string) (ListKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "orders":
		return ListOrders, nil
	case "direct_messages", "messages":
		return ListDirectMessages, nil
	case "disputes":
		return ListDisputes, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownListKind, s)
	}
}

// Params narrows a list. Zero fields add no constraint.
type Params struct {
	Author    string // event author pubkey
	Recipient string // required for direct messages
	OrderID   string
	Kind      order.Kind
	FiatCode  string
	Since     time.Time
	Limit     int
}

// Filter builds the relay filter for l.
func (l ListKind) Filter(p Params) (nostr.Filter, error) {
	f := nostr.Filter{Limit: p.Limit}
	if !p.Since.IsZero() {
		f.Since = p.Since.Unix()
	}
	if p.Author != "" {
		f.Authors = []string{p.Author}
	}

	switch l {
	case ListOrders:
		f.Kinds = []int{nostr.KindOrder}
		f.Tags = nostr.TagMap{order.TagDocument: {DocumentOrder}}
		if p.OrderID != "" {
			f.Tags[order.TagID] = []string{p.OrderID}
		}
		if p.Kind.Valid() {
			f.Tags[order.TagKind] = []string{string(p.Kind)}
		}
		if p.FiatCode != "" {
			f.Tags[order.TagFiatCode] = []string{p.FiatCode}
		}
	case ListDirectMessages:
		if p.Recipient == "" {
			return nostr.Filter{}, ErrMissingRecipient
		}
		f.Kinds = []int{nostr.KindDirectMessage}
		f.Tags = nostr.TagMap{"p": {p.Recipient}}
	case ListDisputes:
		f.Kinds = []int{nostr.KindDispute}
		f.Tags = nostr.TagMap{order.TagDocument: {DocumentDispute}}
		if p.OrderID != "" {
			f.Tags[order.TagID] = []string{p.OrderID}
		}
	default:
		return nostr.Filter{}, fmt.Errorf("%w: %d", ErrUnknownListKind, int(l))
	}
	return f, nil
}
