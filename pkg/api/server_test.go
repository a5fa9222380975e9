package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/relaytrade/pkg/dm"
	"github.com/uhyunpark/relaytrade/pkg/driver"
	"github.com/uhyunpark/relaytrade/pkg/fetch"
	"github.com/uhyunpark/relaytrade/pkg/metrics"
	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/order"
)

type stubTrader struct {
	mu        sync.Mutex
	published []order.Order
	params    fetch.Params
	listings  []fetch.OrderListing
	disputes  []nostr.Event
	messages  []dm.DirectMessage
	takeErr   error
	listErr   error
	feed      event.FeedOf[driver.StateChange]
}

func (s *stubTrader) ListOrders(_ context.Context, p fetch.Params) ([]fetch.OrderListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	return s.listings, s.listErr
}

func (s *stubTrader) ListDisputes(context.Context, fetch.Params) ([]nostr.Event, error) {
	return s.disputes, nil
}

func (s *stubTrader) ListMessages(context.Context, time.Time) ([]dm.DirectMessage, error) {
	return s.messages, nil
}

func (s *stubTrader) PublishNewOrder(_ context.Context, o order.Order) (nostr.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, o)
	return nostr.Event{ID: "ev-" + o.ID}, nil
}

func (s *stubTrader) TakeOrder(_ context.Context, req driver.TakeRequest) (order.Order, error) {
	if s.takeErr != nil {
		return order.Order{}, s.takeErr
	}
	return order.Order{ID: req.OrderID, Kind: order.KindSell, FiatCode: "USD", Fiat: order.RangeFiat(10, 50), PaymentMethod: "cash"}, nil
}

func (s *stubTrader) SubscribeStates(ch chan<- driver.StateChange) event.Subscription {
	return s.feed.Subscribe(ch)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateOrder(t *testing.T) {
	trader := &stubTrader{}
	s := NewServer(trader, nil, nil, nil)

	rec := do(t, s, "POST", "/api/v1/orders", `{"kind":"sell","fiatCode":"USD","minAmount":10,"maxAmount":50,"paymentMethod":"zelle","premium":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp CreateOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "published", resp.Status)
	require.Len(t, trader.published, 1)
	o := trader.published[0]
	assert.Equal(t, o.ID, resp.OrderID)
	assert.Equal(t, "ev-"+o.ID, resp.EventID)
	min, max, ok := o.FiatRange()
	assert.True(t, ok)
	assert.Equal(t, int64(10), min)
	assert.Equal(t, int64(50), max)
}

func TestCreateOrder_BadRequests(t *testing.T) {
	s := NewServer(&stubTrader{}, nil, nil, nil)
	for name, body := range map[string]string{
		"not json":      `{`,
		"bad kind":      `{"kind":"hold","fiatCode":"USD","fiatAmount":1,"paymentMethod":"x"}`,
		"missing fiat":  `{"kind":"buy","fiatCode":"","fiatAmount":1,"paymentMethod":"x"}`,
		"amount no fa":  `{"kind":"buy","fiatCode":"USD","amount":1000,"paymentMethod":"x"}`,
		"inverted band": `{"kind":"buy","fiatCode":"USD","minAmount":9,"maxAmount":1,"paymentMethod":"x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, s, "POST", "/api/v1/orders", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestListOrders(t *testing.T) {
	trader := &stubTrader{listings: []fetch.OrderListing{{
		Order:     order.Order{ID: "o1", Kind: order.KindBuy, FiatCode: "EUR", Amount: 5000, Fiat: order.FixedFiat(20), PaymentMethod: "sepa"},
		Author:    "abc",
		EventID:   "e1",
		CreatedAt: time.Unix(1700000000, 0),
	}}}
	s := NewServer(trader, nil, nil, nil)

	rec := do(t, s, "GET", "/api/v1/orders?kind=buy&fiat=EUR&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []OrderInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "o1", got[0].ID)
	assert.Equal(t, "buy", got[0].Kind)
	require.NotNil(t, got[0].FiatAmount)
	assert.Equal(t, int64(20), *got[0].FiatAmount)
	assert.Nil(t, got[0].MinAmount)
	assert.Equal(t, int64(1700000000), got[0].CreatedAt)

	assert.Equal(t, fetch.Params{Kind: order.KindBuy, FiatCode: "EUR", Limit: 5}, trader.params)

	assert.Equal(t, http.StatusBadRequest, do(t, s, "GET", "/api/v1/orders?limit=many", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, "GET", "/api/v1/orders?kind=both", "").Code)
}

func TestListOrders_RelaysDown(t *testing.T) {
	s := NewServer(&stubTrader{listErr: fmt.Errorf("wrap: %w", fetch.ErrAllRelaysUnreachable)}, nil, nil, nil)
	assert.Equal(t, http.StatusBadGateway, do(t, s, "GET", "/api/v1/orders", "").Code)
}

type cache []fetch.OrderListing

func (c cache) ListOrders() ([]fetch.OrderListing, error) { return c, nil }

func TestListOrders_Cached(t *testing.T) {
	trader := &stubTrader{listErr: fetch.ErrAllRelaysUnreachable}
	s := NewServer(trader, cache{{Order: order.Order{ID: "kept"}}}, nil, nil)

	rec := do(t, s, "GET", "/api/v1/orders?cached=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []OrderInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].ID)
}

func TestTakeOrder(t *testing.T) {
	s := NewServer(&stubTrader{}, nil, nil, nil)
	rec := do(t, s, "POST", "/api/v1/orders/o9/take", `{"amount":20,"timeoutMs":1000}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TakeOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "taken", resp.Status)
	assert.Equal(t, "o9", resp.Order.ID)
	require.NotNil(t, resp.Order.MinAmount)
	assert.Equal(t, int64(10), *resp.Order.MinAmount)

	assert.Equal(t, http.StatusOK, do(t, s, "POST", "/api/v1/orders/o9/take", "").Code)
}

func TestTakeOrder_ErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{driver.ErrOrderNotFound, http.StatusNotFound},
		{driver.ErrRejected, http.StatusConflict},
		{driver.ErrInvalidTransition, http.StatusConflict},
		{driver.ErrNoResponse, http.StatusGatewayTimeout},
		{driver.ErrTransport, http.StatusBadGateway},
		{driver.ErrMalformedResponse, http.StatusBadGateway},
		{&order.DecodeError{Code: order.MissingField, Field: "pm"}, http.StatusBadRequest},
		{driver.ErrNoCounterparty, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := &driver.DriverError{Op: "take_order", OrderID: "o1", Err: tt.err}
			s := NewServer(&stubTrader{takeErr: err}, nil, nil, nil)
			rec := do(t, s, "POST", "/api/v1/orders/o1/take", "")
			assert.Equal(t, tt.code, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestTakeOrder_BadKind(t *testing.T) {
	s := NewServer(&stubTrader{}, nil, nil, nil)
	assert.Equal(t, http.StatusBadRequest, do(t, s, "POST", "/api/v1/orders/o1/take", `{"kind":"swap"}`).Code)
}

func TestListMessagesAndDisputes(t *testing.T) {
	amount := int64(3)
	trader := &stubTrader{
		messages: []dm.DirectMessage{{
			EventID:       "m1",
			Sender:        "peer",
			CorrelationID: "o1",
			Message:       dm.Message{Action: dm.ActionAddInvoice, Topic: dm.TopicOrder, Payload: &dm.Payload{Amount: &amount, Text: "hi"}},
			CreatedAt:     time.Unix(10, 0),
		}},
		disputes: []nostr.Event{{ID: "d1", PubKey: "solver", CreatedAt: 20, Tags: nostr.Tags{{"d", "o1"}, {"s", "initiated"}, {"z", "dispute"}}}},
	}
	s := NewServer(trader, nil, nil, nil)

	rec := do(t, s, "GET", "/api/v1/messages?since=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []MessageInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageInfo{EventID: "m1", Sender: "peer", OrderID: "o1", Topic: "order", Action: "add-invoice", Text: "hi", CreatedAt: 10}, msgs[0])

	assert.Equal(t, http.StatusBadRequest, do(t, s, "GET", "/api/v1/messages?since=yesterday", "").Code)

	rec = do(t, s, "GET", "/api/v1/disputes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var disputes []DisputeInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &disputes))
	assert.Equal(t, []DisputeInfo{{EventID: "d1", Author: "solver", OrderID: "o1", Status: "initiated", CreatedAt: 20}}, disputes)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.PrometheusMetrics(reg)
	require.NoError(t, err)
	m.InvalidEvents.Inc()

	s := NewServer(&stubTrader{}, nil, reg, nil)
	rec := do(t, s, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, s, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relaytrade_fetch_invalid_events_total 1")

	noMetrics := NewServer(&stubTrader{}, nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, do(t, noMetrics, "GET", "/metrics", "").Code)
}

func TestWebSocketStateUpdates(t *testing.T) {
	trader := &stubTrader{}
	s := NewServer(trader, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	sub, _ := json.Marshal(WSSubscribeRequest{Op: "subscribe", Channels: []string{"orders:o1"}})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))
	require.Eventually(t, func() bool {
		s.hub.mu.RLock()
		defer s.hub.mu.RUnlock()
		for c := range s.hub.clients {
			if c.IsSubscribed("orders:o1") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// Not subscribed to o2; only the o1 update arrives.
	require.Eventually(t, func() bool {
		return trader.feed.Send(driver.StateChange{OrderID: "o2", From: driver.StatePublished, To: driver.StateAwaitingTaker, At: time.Now()}) > 0
	}, 2*time.Second, 10*time.Millisecond)
	trader.feed.Send(driver.StateChange{OrderID: "o1", From: driver.StateCreated, To: driver.StatePublished, At: time.UnixMilli(1234)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got StateUpdate
	require.NoError(t, json.NewDecoder(bytes.NewReader(data)).Decode(&got))
	assert.Equal(t, StateUpdate{Type: "state", OrderID: "o1", From: "created", To: "published", Timestamp: 1234}, got)
}
