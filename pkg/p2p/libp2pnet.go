// Package p2p carries events between nodes over libp2p gossipsub, for
// deployments that run without public websocket relays.
package p2p

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/relaytrade/pkg/nostr"
	"github.com/uhyunpark/relaytrade/pkg/relay"
	"github.com/uhyunpark/relaytrade/pkg/util"
)

const (
	topicEvents  = "relaytrade-events"
	protocolSync = protocol.ID("/relaytrade/sync/1.0.0")

	syncTimeout = 3 * time.Second
)

// GossipRelay is a relay.Relay whose store is local and whose events are
// spread to peers over gossipsub. New subscriptions first pull matching
// history from connected peers.
type GossipRelay struct {
	h     host.Host
	ps    *pubsub.PubSub
	log   *zap.SugaredLogger
	store *relay.MemoryRelay

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	cancel    context.CancelFunc
	closeOnce sync.Once
}

type GossipConfig struct {
	ListenAddr string
	Bootstrap  []string
	StoreSize  int
	Logger     *zap.SugaredLogger
}

func NewGossipRelay(ctx context.Context, cfg GossipConfig) (*GossipRelay, error) {
	log := util.OrNop(cfg.Logger)

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	g := &GossipRelay{
		h:      h,
		ps:     ps,
		log:    log,
		store:  relay.NewMemoryRelay("libp2p://"+h.ID().String(), cfg.StoreSize),
		cancel: cancel,
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if g.topic, err = ps.Join(topicEvents); err != nil {
		g.Close()
		return nil, err
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		g.Close()
		return nil, err
	}

	h.SetStreamHandler(protocolSync, g.handleSyncStream)
	go g.handleEvents(runCtx)

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// Connect dials a peer given its full /p2p/ multiaddr.
func (g *GossipRelay) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, g.h, addr)
}

func (g *GossipRelay) Host() host.Host { return g.h }

// Addrs returns the dialable multiaddrs of this node, including its peer id.
func (g *GossipRelay) Addrs() []string {
	out := make([]string, 0, len(g.h.Addrs()))
	for _, a := range g.h.Addrs() {
		out = append(out, a.String()+"/p2p/"+g.h.ID().String())
	}
	return out
}

func (g *GossipRelay) URL() string { return g.store.URL() }

// Has reports whether the event is in the local store.
func (g *GossipRelay) Has(id string) bool { return g.store.Has(id) }

// Publish stores ev locally and gossips it. Events that fail verification
// are rejected before anything is sent.
func (g *GossipRelay) Publish(ctx context.Context, ev nostr.Event) error {
	if err := g.store.Publish(ctx, ev); err != nil {
		return err
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

// Subscribe opens a local subscription right away and backfills from peers
// behind it. Backfilled events arrive as live events; EOSE is held until the
// backfill ends, which syncTimeout bounds.
func (g *GossipRelay) Subscribe(ctx context.Context, f nostr.Filter) (*relay.Subscription, error) {
	local, err := g.store.Subscribe(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(g.h.Network().Peers()) == 0 {
		return local, nil
	}

	bctx, cancel := context.WithCancel(ctx)
	eose := make(chan struct{})
	go func() {
		defer cancel()
		g.backfill(bctx, f)
		select {
		case <-local.EOSE:
			close(eose)
		case <-bctx.Done():
		}
	}()
	return relay.NewSubscription(local.Events, eose, func() {
		cancel()
		local.Close()
	}), nil
}

func (g *GossipRelay) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.cancel()
		if g.sub != nil {
			g.sub.Cancel()
		}
		if g.topic != nil {
			_ = g.topic.Close()
		}
		err = g.h.Close()
	})
	return err
}

func (g *GossipRelay) handleEvents(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			g.log.Debugw("gossip_bad_event", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if err := g.store.Publish(ctx, ev); err != nil {
			g.log.Debugw("gossip_event_dropped", "from", msg.ReceivedFrom.String(), "event_id", ev.ID, "err", err)
		}
	}
}

// handleSyncStream answers a SyncRequest with the matching stored events.
func (g *GossipRelay) handleSyncStream(s network.Stream) {
	defer s.Close()
	s.SetDeadline(time.Now().Add(syncTimeout))

	var req SyncRequest
	if err := json.NewDecoder(s).Decode(&req); err != nil {
		_ = s.Reset()
		return
	}
	enc := json.NewEncoder(s)
	for _, ev := range g.store.Query(req.Filter) {
		if err := enc.Encode(ev); err != nil {
			return
		}
	}
}

// backfill pulls matching history from every connected peer into the store.
// Peers that fail are skipped.
func (g *GossipRelay) backfill(ctx context.Context, f nostr.Filter) {
	peers := g.h.Network().Peers()
	if len(peers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p peer.ID) {
			defer wg.Done()
			if err := g.syncFrom(ctx, p, f); err != nil {
				g.log.Debugw("gossip_sync_failed", "peer", p.String(), "err", err)
			}
		}(p)
	}
	wg.Wait()
}

func (g *GossipRelay) syncFrom(ctx context.Context, p peer.ID, f nostr.Filter) error {
	s, err := g.h.NewStream(ctx, p, protocolSync)
	if err != nil {
		return err
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		s.SetDeadline(dl)
	}
	if err := json.NewEncoder(s).Encode(SyncRequest{Filter: f}); err != nil {
		return err
	}
	if err := s.CloseWrite(); err != nil {
		return err
	}
	return readEvents(s, func(ev nostr.Event) {
		if err := g.store.Publish(ctx, ev); err != nil {
			g.log.Debugw("gossip_sync_event_dropped", "peer", p.String(), "event_id", ev.ID, "err", err)
		}
	})
}
