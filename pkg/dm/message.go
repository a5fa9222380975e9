package dm

import (
	"encoding/json"
	"errors"

	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/order"
)

// ProtocolVersion is written into every outbound message.
const ProtocolVersion = 1

type Action string

const (
	ActionNewOrder   Action = "new-order"
	ActionTakeSell   Action = "take-sell"
	ActionTakeBuy    Action = "take-buy"
	ActionPayInvoice Action = "pay-invoice"
	ActionAddInvoice Action = "add-invoice"
	ActionCantDo     Action = "cant-do"
	ActionCanceled   Action = "canceled"
	ActionDispute    Action = "dispute"
)

func (a Action) Valid() bool {
	switch a {
	case ActionNewOrder, ActionTakeSell, ActionTakeBuy, ActionPayInvoice,
		ActionAddInvoice, ActionCantDo, ActionCanceled, ActionDispute:
		return true
	}
	return false
}

// TakeAction is the action that takes an order of the given side.
func TakeAction(k order.Kind) (Action, bool) {
	switch k {
	case order.KindSell:
		return ActionTakeSell, true
	case order.KindBuy:
		return ActionTakeBuy, true
	}
	return "", false
}

// Topic is the envelope key a message travels under.
type Topic string

const (
	TopicOrder   Topic = "order"
	TopicDispute Topic = "dispute"
)

var ErrNoOrder = errors.New("message carries no order")

type Payload struct {
	Order   nostr.Tags `json:"order,omitempty"`
	Amount  *int64     `json:"amount,omitempty"`
	Invoice string     `json:"payment_request,omitempty"`
	Text    string     `json:"text_message,omitempty"`
}

// Message is the structured body of a direct message. ID is the order the
// message refers to and is what responses are correlated on.
type Message struct {
	Version int      `json:"version"`
	ID      string   `json:"id"`
	Action  Action   `json:"action"`
	Payload *Payload `json:"payload,omitempty"`

	Topic Topic `json:"-"`
}

func NewMessage(id string, action Action, payload *Payload) Message {
	return Message{Version: ProtocolVersion, ID: id, Action: action, Payload: payload, Topic: TopicOrder}
}

// Order decodes the order tag set carried in the payload.
func (m Message) Order() (order.Order, error) {
	if m.Payload == nil || len(m.Payload.Order) == 0 {
		return order.Order{}, ErrNoOrder
	}
	return order.Decode(m.Payload.Order)
}

type envelope struct {
	Order   *Message `json:"order,omitempty"`
	Dispute *Message `json:"dispute,omitempty"`
}

func encodeEnvelope(m Message) ([]byte, error) {
	var env envelope
	switch m.Topic {
	case TopicDispute:
		env.Dispute = &m
	case TopicOrder, "":
		env.Order = &m
	default:
		return nil, errors.New("unknown topic " + string(m.Topic))
	}
	return json.Marshal(env)
}

// decodeEnvelope accepts exactly one known topic holding a message with an
// id and a known action.
func decodeEnvelope(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{}, err
	}
	var m *Message
	switch {
	case env.Order != nil && env.Dispute == nil:
		m = env.Order
		m.Topic = TopicOrder
	case env.Dispute != nil && env.Order == nil:
		m = env.Dispute
		m.Topic = TopicDispute
	default:
		return Message{}, errors.New("envelope must hold exactly one of order, dispute")
	}
	if m.ID == "" {
		return Message{}, errors.New("message without id")
	}
	if !m.Action.Valid() {
		return Message{}, errors.New("unknown action " + string(m.Action))
	}
	return *m, nil
}
