// Package api exposes the trading driver over a local REST and WebSocket API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/relaytrade/pkg/dm"
	"github.com/uhyunpark/relaytrade/pkg/driver"
	"github.com/uhyunpark/relaytrade/pkg/fetch"
	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/order"
	"github.com/uhyunpark/relaytrade/pkg/util"
)

// Trader is the driver surface the API needs. driver.Driver implements it.
type Trader interface {
	ListOrders(ctx context.Context, p fetch.Params) ([]fetch.OrderListing, error)
	ListDisputes(ctx context.Context, p fetch.Params) ([]nostr.Event, error)
	ListMessages(ctx context.Context, since time.Time) ([]dm.DirectMessage, error)
	PublishNewOrder(ctx context.Context, o order.Order) (nostr.Event, error)
	TakeOrder(ctx context.Context, req driver.TakeRequest) (order.Order, error)
	SubscribeStates(ch chan<- driver.StateChange) event.Subscription
}

// OrderCache serves orders already synced to disk.
type OrderCache interface {
	ListOrders() ([]fetch.OrderListing, error)
}

// Server handles REST API and WebSocket connections
type Server struct {
	trader   Trader
	cache    OrderCache
	gatherer prometheus.Gatherer
	router   *mux.Router
	hub      *Hub
	log      *zap.SugaredLogger
}

// NewServer wires routes. cache and gatherer may be nil, which disables
// ?cached=true and /metrics respectively.
func NewServer(trader Trader, cache OrderCache, gatherer prometheus.Gatherer, log *zap.SugaredLogger) *Server {
	log = util.OrNop(log)
	s := &Server{
		trader:   trader,
		cache:    cache,
		gatherer: gatherer,
		router:   mux.NewRouter(),
		hub:      NewHub(log),
		log:      log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order endpoints
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/take", s.handleTakeOrder).Methods("POST")

	api.HandleFunc("/disputes", s.handleListDisputes).Methods("GET")
	api.HandleFunc("/messages", s.handleListMessages).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run starts the hub and the state forwarder. It returns when ctx is done.
func (s *Server) Run(ctx context.Context) {
	go s.hub.Run(ctx)
	s.forwardStates(ctx)
}

// Start serves the API on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// forwardStates pushes driver state changes to "states" and "orders:<id>".
func (s *Server) forwardStates(ctx context.Context) {
	ch := make(chan driver.StateChange, 64)
	sub := s.trader.SubscribeStates(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				s.log.Warnw("state_feed_closed", "err", err)
			}
			return
		case c := <-ch:
			update := StateUpdate{
				Type:      "state",
				OrderID:   c.OrderID,
				From:      string(c.From),
				To:        string(c.To),
				Timestamp: c.At.UnixMilli(),
			}
			s.hub.BroadcastToChannel("states", update)
			s.hub.BroadcastToChannel("orders:"+c.OrderID, update)
		}
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		listings []fetch.OrderListing
		err      error
	)
	if q.Get("cached") == "true" && s.cache != nil {
		listings, err = s.cache.ListOrders()
	} else {
		p := fetch.Params{
			Author:   q.Get("author"),
			FiatCode: q.Get("fiat"),
		}
		if k := q.Get("kind"); k != "" {
			kind, ok := order.ParseKind(k)
			if !ok {
				respondError(w, http.StatusBadRequest, "invalid kind", k)
				return
			}
			p.Kind = kind
		}
		if l := q.Get("limit"); l != "" {
			if p.Limit, err = strconv.Atoi(l); err != nil {
				respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
				return
			}
		}
		listings, err = s.trader.ListOrders(r.Context(), p)
	}
	if err != nil {
		respondDriverError(w, err)
		return
	}

	response := make([]OrderInfo, len(listings))
	for i, l := range listings {
		response[i] = toOrderInfo(l.Order)
		response[i].Author = l.Author
		response[i].EventID = l.EventID
		response[i].CreatedAt = l.CreatedAt.Unix()
	}
	respondJSON(w, response)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	kind, ok := order.ParseKind(req.Kind)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid kind", req.Kind)
		return
	}

	var fiat order.FiatAmount
	switch {
	case req.FiatAmount != nil:
		fiat = order.FixedFiat(*req.FiatAmount)
	case req.MinAmount != nil && req.MaxAmount != nil:
		fiat = order.RangeFiat(*req.MinAmount, *req.MaxAmount)
	}

	o, err := order.New(kind, req.FiatCode, req.Amount, fiat, req.PaymentMethod, req.Premium)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}
	ev, err := s.trader.PublishNewOrder(r.Context(), o)
	if err != nil {
		respondDriverError(w, err)
		return
	}

	s.log.Infow("api_order_created", "order_id", o.ID, "event_id", ev.ID)
	respondJSON(w, CreateOrderResponse{Status: "published", OrderID: o.ID, EventID: ev.ID})
}

func (s *Server) handleTakeOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	var req TakeOrderRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}
	take := driver.TakeRequest{
		OrderID: orderID,
		Amount:  req.Amount,
		Invoice: req.Invoice,
		Timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
	}
	if req.Kind != "" {
		kind, ok := order.ParseKind(req.Kind)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid kind", req.Kind)
			return
		}
		take.Kind = kind
	}

	o, err := s.trader.TakeOrder(r.Context(), take)
	if err != nil {
		respondDriverError(w, err)
		return
	}
	respondJSON(w, TakeOrderResponse{Status: "taken", Order: toOrderInfo(o)})
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	evs, err := s.trader.ListDisputes(r.Context(), fetch.Params{OrderID: r.URL.Query().Get("order")})
	if err != nil {
		respondDriverError(w, err)
		return
	}
	response := make([]DisputeInfo, len(evs))
	for i, ev := range evs {
		id, _ := ev.Tags.Value(order.TagID)
		status, _ := ev.Tags.Value("s")
		response[i] = DisputeInfo{EventID: ev.ID, Author: ev.PubKey, OrderID: id, Status: status, CreatedAt: ev.CreatedAt}
	}
	respondJSON(w, response)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since", err.Error())
			return
		}
		since = time.Unix(sec, 0)
	}
	msgs, err := s.trader.ListMessages(r.Context(), since)
	if err != nil {
		respondDriverError(w, err)
		return
	}
	response := make([]MessageInfo, len(msgs))
	for i, m := range msgs {
		response[i] = MessageInfo{
			EventID:   m.EventID,
			Sender:    m.Sender,
			OrderID:   m.CorrelationID,
			Topic:     string(m.Message.Topic),
			Action:    string(m.Message.Action),
			CreatedAt: m.CreatedAt.Unix(),
		}
		if m.Message.Payload != nil {
			response[i].Text = m.Message.Payload.Text
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func toOrderInfo(o order.Order) OrderInfo {
	info := OrderInfo{
		ID:            o.ID,
		Kind:          string(o.Kind),
		FiatCode:      o.FiatCode,
		Amount:        o.Amount,
		PaymentMethod: o.PaymentMethod,
		Premium:       o.Premium,
	}
	if n, ok := o.FiatAmount(); ok {
		info.FiatAmount = &n
	}
	if min, max, ok := o.FiatRange(); ok {
		info.MinAmount, info.MaxAmount = &min, &max
	}
	return info
}

// respondDriverError maps driver and fetch failures to HTTP statuses.
func respondDriverError(w http.ResponseWriter, err error) {
	var de *order.DecodeError
	switch {
	case errors.As(err, &de):
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
	case errors.Is(err, driver.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "order not found", err.Error())
	case errors.Is(err, driver.ErrRejected), errors.Is(err, driver.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "order not available", err.Error())
	case errors.Is(err, driver.ErrNoResponse):
		respondError(w, http.StatusGatewayTimeout, "no response", err.Error())
	case errors.Is(err, driver.ErrTransport), errors.Is(err, fetch.ErrAllRelaysUnreachable),
		errors.Is(err, driver.ErrMalformedResponse):
		respondError(w, http.StatusBadGateway, "relay failure", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
