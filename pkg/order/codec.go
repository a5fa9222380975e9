package order

import (
	"strconv"

	"github.com/uhyunpark/relaytrade/pkg/nostr"
)

// Wire tag names.
const (
	TagID            = "d"
	TagKind          = "k"
	TagFiatCode      = "f"
	TagAmount        = "amt"
	TagFiatAmount    = "fa"
	TagPaymentMethod = "pm"
	TagPremium       = "premium"
	TagDocument      = "z"

	DocumentOrder = "order"
)

// Decode maps a tag set to an Order. Unknown tags are ignored and the first
// occurrence of a repeated tag wins. An unrecognized kind leaves Kind absent
// without failing; use DecodeStrict to reject it.
func Decode(tags nostr.Tags) (Order, error) {
	o, _, err := decode(tags)
	return o, err
}

// DecodeStrict is Decode, but an unrecognized kind yields an InvalidEnum
// error alongside the otherwise decoded order.
func DecodeStrict(tags nostr.Tags) (Order, error) {
	o, kindOK, err := decode(tags)
	if err != nil {
		return o, err
	}
	if !kindOK {
		return o, &DecodeError{Code: InvalidEnum, Field: TagKind}
	}
	return o, nil
}

func decode(tags nostr.Tags) (Order, bool, error) {
	var o Order
	var ok bool

	if o.ID, ok = tags.Value(TagID); !ok || o.ID == "" {
		return Order{}, false, &DecodeError{Code: MissingField, Field: TagID}
	}
	if o.FiatCode, ok = tags.Value(TagFiatCode); !ok || o.FiatCode == "" {
		return Order{}, false, &DecodeError{Code: MissingField, Field: TagFiatCode}
	}
	if o.PaymentMethod, ok = tags.Value(TagPaymentMethod); !ok || o.PaymentMethod == "" {
		return Order{}, false, &DecodeError{Code: MissingField, Field: TagPaymentMethod}
	}

	var err error
	if o.Amount, err = optionalInt(tags, TagAmount, false); err != nil {
		return Order{}, false, err
	}
	if o.Premium, err = optionalInt(tags, TagPremium, true); err != nil {
		return Order{}, false, err
	}
	if o.Fiat, err = decodeFiat(tags); err != nil {
		return Order{}, false, err
	}
	if !o.Fiat.IsSet() && o.Amount != 0 {
		return Order{}, false, &DecodeError{Code: MissingField, Field: TagFiatAmount}
	}

	k, _ := tags.Value(TagKind)
	kind, kindOK := ParseKind(k)
	o.Kind = kind
	return o, kindOK, nil
}

// decodeFiat dispatches on the arity of the fa tag: one value is a fixed
// amount, two or more are (min, max).
func decodeFiat(tags nostr.Tags) (FiatAmount, error) {
	t, ok := tags.Find(TagFiatAmount)
	if !ok {
		return FiatAmount{}, nil
	}
	values := t.Values()
	switch len(values) {
	case 0:
		return FiatAmount{}, &DecodeError{Code: MissingField, Field: TagFiatAmount}
	case 1:
		n, err := parseNonNegative(values[0])
		if err != nil {
			return FiatAmount{}, err
		}
		return FixedFiat(n), nil
	default:
		min, err := parseNonNegative(values[0])
		if err != nil {
			return FiatAmount{}, err
		}
		max, err := parseNonNegative(values[1])
		if err != nil {
			return FiatAmount{}, err
		}
		if min > max {
			return FiatAmount{}, &DecodeError{Code: InvalidRange, Field: TagFiatAmount}
		}
		return RangeFiat(min, max), nil
	}
}

func parseNonNegative(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, &DecodeError{Code: InvalidNumber, Field: TagFiatAmount}
	}
	return n, nil
}

func optionalInt(tags nostr.Tags, name string, signed bool) (int64, error) {
	v, ok := tags.Value(name)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || (!signed && n < 0) {
		return 0, &DecodeError{Code: InvalidNumber, Field: name}
	}
	return n, nil
}

// Encode is the inverse of Decode: Decode(Encode(o)) == o for every decoded o.
func Encode(o Order) nostr.Tags {
	tags := nostr.Tags{
		{TagID, o.ID},
		{TagKind, string(o.Kind)},
		{TagFiatCode, o.FiatCode},
		{TagAmount, strconv.FormatInt(o.Amount, 10)},
	}
	if n, ok := o.Fiat.Fixed(); ok {
		tags = append(tags, nostr.Tag{TagFiatAmount, strconv.FormatInt(n, 10)})
	} else if min, max, ok := o.Fiat.Range(); ok {
		tags = append(tags, nostr.Tag{TagFiatAmount, strconv.FormatInt(min, 10), strconv.FormatInt(max, 10)})
	}
	return append(tags,
		nostr.Tag{TagPaymentMethod, o.PaymentMethod},
		nostr.Tag{TagPremium, strconv.FormatInt(o.Premium, 10)},
		nostr.Tag{TagDocument, DocumentOrder},
	)
}
