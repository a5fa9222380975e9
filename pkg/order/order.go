package order

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind is the side of an order. The zero value means the kind is absent.
type Kind string

const (
	KindUnknown Kind = ""
	KindBuy     Kind = "buy"
	KindSell    Kind = "sell"
)

// ParseKind maps a wire value to a Kind. Matching is case-insensitive.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(s)) {
	case KindBuy:
		return KindBuy, true
	case KindSell:
		return KindSell, true
	default:
		return KindUnknown, false
	}
}

func (k Kind) Valid() bool { return k == KindBuy || k == KindSell }

type fiatMode uint8

const (
	fiatNone fiatMode = iota
	fiatFixed
	fiatRange
)

// FiatAmount is either absent, a fixed amount, or a (min, max) range.
type FiatAmount struct {
	mode     fiatMode
	min, max int64
}

func FixedFiat(n int64) FiatAmount { return FiatAmount{mode: fiatFixed, min: n, max: n} }

func RangeFiat(min, max int64) FiatAmount { return FiatAmount{mode: fiatRange, min: min, max: max} }

func (f FiatAmount) IsSet() bool   { return f.mode != fiatNone }
func (f FiatAmount) IsRange() bool { return f.mode == fiatRange }

// Fixed returns the fixed amount, ok=false for ranges and absent amounts.
func (f FiatAmount) Fixed() (int64, bool) {
	if f.mode != fiatFixed {
		return 0, false
	}
	return f.min, true
}

// Range returns the bounds, ok=false unless f is a range.
func (f FiatAmount) Range() (min, max int64, ok bool) {
	if f.mode != fiatRange {
		return 0, 0, false
	}
	return f.min, f.max, true
}

func (f FiatAmount) String() string {
	switch f.mode {
	case fiatFixed:
		return fmt.Sprintf("%d", f.min)
	case fiatRange:
		return fmt.Sprintf("%d-%d", f.min, f.max)
	default:
		return "-"
	}
}

// Order is a trade intent. Orders are values; a change is a new order.
type Order struct {
	ID            string
	Kind          Kind
	FiatCode      string
	Amount        int64 // 0 = market price
	Fiat          FiatAmount
	PaymentMethod string
	Premium       int64
}

func (o Order) FiatAmount() (int64, bool) { return o.Fiat.Fixed() }

func (o Order) FiatRange() (min, max int64, ok bool) { return o.Fiat.Range() }

func (o Order) IsMarketPrice() bool { return o.Amount == 0 }

// New builds a local order with a fresh id.
func New(kind Kind, fiatCode string, amount int64, fiat FiatAmount, paymentMethod string, premium int64) (Order, error) {
	o := Order{
		ID:            uuid.NewString(),
		Kind:          kind,
		FiatCode:      fiatCode,
		Amount:        amount,
		Fiat:          fiat,
		PaymentMethod: paymentMethod,
		Premium:       premium,
	}
	if !kind.Valid() {
		return Order{}, &DecodeError{Code: InvalidEnum, Field: TagKind}
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

// Validate checks the invariants every decoded order satisfies.
func (o Order) Validate() error {
	switch {
	case o.ID == "":
		return &DecodeError{Code: MissingField, Field: TagID}
	case o.FiatCode == "":
		return &DecodeError{Code: MissingField, Field: TagFiatCode}
	case o.PaymentMethod == "":
		return &DecodeError{Code: MissingField, Field: TagPaymentMethod}
	case o.Amount < 0:
		return &DecodeError{Code: InvalidNumber, Field: TagAmount}
	case !o.Fiat.IsSet() && o.Amount != 0:
		return &DecodeError{Code: MissingField, Field: TagFiatAmount}
	}
	if o.Fiat.min < 0 || o.Fiat.max < 0 {
		return &DecodeError{Code: InvalidNumber, Field: TagFiatAmount}
	}
	if o.Fiat.min > o.Fiat.max {
		return &DecodeError{Code: InvalidRange, Field: TagFiatAmount}
	}
	return nil
}
