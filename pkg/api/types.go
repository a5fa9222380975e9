package api

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Types
// ==============================

// OrderInfo is an order as listed on the relays
type OrderInfo struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`                 // "buy", "sell" or "" when absent
	FiatCode      string `json:"fiatCode"`             // e.g., "USD"
	Amount        int64  `json:"amount"`               // Base units; 0 = market price
	FiatAmount    *int64 `json:"fiatAmount,omitempty"` // Fixed fiat amount
	MinAmount     *int64 `json:"minAmount,omitempty"`  // Range orders only
	MaxAmount     *int64 `json:"maxAmount,omitempty"`  // Range orders only
	PaymentMethod string `json:"paymentMethod"`
	Premium       int64  `json:"premium"` // Percent over market, may be negative
	Author        string `json:"author,omitempty"`
	EventID       string `json:"eventId,omitempty"`
	CreatedAt     int64  `json:"createdAt,omitempty"` // Unix seconds
}

// CreateOrderRequest publishes a new order. Set FiatAmount for a fixed
// order or both MinAmount and MaxAmount for a range.
type CreateOrderRequest struct {
	Kind          string `json:"kind"`
	FiatCode      string `json:"fiatCode"`
	Amount        int64  `json:"amount"`
	FiatAmount    *int64 `json:"fiatAmount,omitempty"`
	MinAmount     *int64 `json:"minAmount,omitempty"`
	MaxAmount     *int64 `json:"maxAmount,omitempty"`
	PaymentMethod string `json:"paymentMethod"`
	Premium       int64  `json:"premium"`
}

type CreateOrderResponse struct {
	Status  string `json:"status"` // "published"
	OrderID string `json:"orderId"`
	EventID string `json:"eventId"`
}

// TakeOrderRequest takes the order named in the URL
type TakeOrderRequest struct {
	Kind      string `json:"kind,omitempty"`      // Looked up when empty
	Amount    int64  `json:"amount,omitempty"`    // Fiat amount for range orders
	Invoice   string `json:"invoice,omitempty"`   // Payment request for buy orders
	TimeoutMs int64  `json:"timeoutMs,omitempty"` // Overrides the node default
}

type TakeOrderResponse struct {
	Status string    `json:"status"` // "taken"
	Order  OrderInfo `json:"order"`
}

// MessageInfo is a parsed direct message addressed to this node
type MessageInfo struct {
	EventID   string `json:"eventId"`
	Sender    string `json:"sender"`
	OrderID   string `json:"orderId"`
	Topic     string `json:"topic"`  // "order" or "dispute"
	Action    string `json:"action"` // e.g., "add-invoice"
	Text      string `json:"text,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

type DisputeInfo struct {
	EventID   string `json:"eventId"`
	Author    string `json:"author"`
	OrderID   string `json:"orderId,omitempty"`
	Status    string `json:"status,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Types
// ==============================

// WSSubscribeRequest subscribes to channels: "states" for every order, or
// "orders:<id>" for one.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// StateUpdate is pushed when an order changes state
type StateUpdate struct {
	Type      string `json:"type"` // "state"
	OrderID   string `json:"orderId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}
