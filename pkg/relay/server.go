package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/util"
)

// Server exposes a MemoryRelay over the websocket relay protocol.
// It is meant for local networks and tests, not as a public relay.
type Server struct {
	store    *MemoryRelay
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
}

func NewServer(store *MemoryRelay, log *zap.SugaredLogger) *Server {
	return &Server{
		store: store,
		log:   util.OrNop(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("relay_upgrade_failed", "err", err)
		return
	}
	c := &serverConn{
		srv:  s,
		conn: conn,
		out:  make(chan []any, subBuffer),
		subs: make(map[string]*serverSub),
	}
	c.serve()
}

type serverConn struct {
	srv  *Server
	conn *websocket.Conn
	out  chan []any

	mu   sync.Mutex
	subs map[string]*serverSub
	wg   sync.WaitGroup
}

// serverSub is one REQ; done ends its forwarding goroutine.
type serverSub struct {
	sub  *Subscription
	done chan struct{}
}

func (s *serverSub) close() {
	s.sub.Close()
	close(s.done)
}

func (c *serverConn) serve() {
	ctx, cancel := context.WithCancel(context.Background())

	writerDone := make(chan struct{})
	go c.writePump(writerDone)

	c.readPump(ctx)

	cancel()
	c.mu.Lock()
	for id, ss := range c.subs {
		ss.close()
		delete(c.subs, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
	close(c.out)
	<-writerDone
	c.conn.Close()
}

func (c *serverConn) send(ctx context.Context, frame ...any) {
	select {
	case c.out <- frame:
	case <-ctx.Done():
	}
}

func (c *serverConn) writePump(done chan<- struct{}) {
	defer close(done)
	for frame := range c.out {
		c.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
		if err := c.conn.WriteJSON(frame); err != nil {
			// keep draining so senders never block
			continue
		}
	}
}

func (c *serverConn) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		label, frame, err := parseFrame(data)
		if err != nil {
			c.send(ctx, "NOTICE", "malformed frame")
			continue
		}
		switch label {
		case "EVENT":
			c.handleEvent(ctx, frame)
		case "REQ":
			c.handleReq(ctx, frame)
		case "CLOSE":
			var id string
			if decodeFrame(frame, &id) == nil {
				c.closeSub(id)
			}
		default:
			c.send(ctx, "NOTICE", "unknown frame "+label)
		}
	}
}

func (c *serverConn) handleEvent(ctx context.Context, frame []json.RawMessage) {
	var ev nostr.Event
	if err := decodeFrame(frame, &ev); err != nil {
		c.send(ctx, "NOTICE", "invalid event")
		return
	}
	if err := c.srv.store.Publish(ctx, ev); err != nil {
		c.send(ctx, "OK", ev.ID, false, "invalid: "+err.Error())
		return
	}
	c.send(ctx, "OK", ev.ID, true, "")
}

func (c *serverConn) handleReq(ctx context.Context, frame []json.RawMessage) {
	var id string
	var f nostr.Filter
	if err := decodeFrame(frame, &id, &f); err != nil || id == "" {
		c.send(ctx, "NOTICE", "invalid req")
		return
	}
	c.closeSub(id)
	sub, err := c.srv.store.Subscribe(ctx, f)
	if err != nil {
		c.send(ctx, "CLOSED", id, "error: "+err.Error())
		return
	}
	ss := &serverSub{sub: sub, done: make(chan struct{})}
	c.mu.Lock()
	c.subs[id] = ss
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		eose := sub.EOSE
		for {
			select {
			case <-ctx.Done():
				return
			case <-ss.done:
				return
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				c.send(ctx, "EVENT", id, ev)
			case <-eose:
				eose = nil
				c.send(ctx, "EOSE", id)
			}
		}
	}()
}

func (c *serverConn) closeSub(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ss, ok := c.subs[id]; ok {
		ss.close()
		delete(c.subs, id)
	}
}
