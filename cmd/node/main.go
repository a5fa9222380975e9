package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/uhyunpark/relaytrade/params"
	"github.com/uhyunpark/relaytrade/pkg/api"
	"github.com/uhyunpark/relaytrade/pkg/crypto"
	"github.com/uhyunpark/relaytrade/pkg/dm"
	"github.com/uhyunpark/relaytrade/pkg/driver"
	"github.com/uhyunpark/relaytrade/pkg/fetch"
	"github.com/uhyunpark/relaytrade/pkg/metrics"
	"github.com/uhyunpark/relaytrade/pkg/p2p"
	"github.com/uhyunpark/relaytrade/pkg/relay"
	"github.com/uhyunpark/relaytrade/pkg/storage"
	"github.com/uhyunpark/relaytrade/pkg/util"
	"github.com/uhyunpark/relaytrade/pkg/waiter"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.Node.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	keys, err := loadKeys(cfg.Identity.PrivateKey, sugar)
	if err != nil {
		sugar.Fatalw("identity_load_failed", "err", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.PrometheusMetrics(reg)
	if err != nil {
		sugar.Fatalw("metrics_init_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Relays ----
	relays, closeRelays, err := buildRelays(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalw("relay_init_failed", "err", err)
	}
	defer closeRelays()

	pool := relay.NewPool(relays, sugar, m)
	fetcher := fetch.New(pool, sugar, m)
	parser := dm.NewParser(keys, sugar, m)
	w := waiter.New(waiter.Config{
		PollInterval: cfg.Timing.PollInterval,
		FetchTimeout: cfg.Timing.FetchTimeout,
		SinceSkew:    cfg.Timing.SinceSkew,
	}, keys, pool, fetcher, parser, util.RealClock{}, sugar, m)

	// ---- Storage ----
	store, err := storage.NewPebbleStore(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer store.Close()

	d := driver.New(driver.Config{
		Counterparty: cfg.Identity.Counterparty,
		WaitTimeout:  cfg.Timing.WaitTimeout,
		FetchTimeout: cfg.Timing.FetchTimeout,
	}, keys, pool, fetcher, w, parser, store, sugar)

	sugar.Infow("node_starting",
		"pubkey", keys.PublicKeyHex(),
		"relay_mode", cfg.Relays.Mode,
		"relays", pool.Len(),
		"db", cfg.Node.DBPath)

	// ---- API Server ----
	apiServer := api.NewServer(d, store, reg, sugar)
	go func() {
		if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	if cfg.Timing.SyncInterval <= 0 {
		<-ctx.Done()
		return
	}

	// Order book sync loop
	ticker := time.NewTicker(cfg.Timing.SyncInterval)
	defer ticker.Stop()

	for {
		n, err := d.SyncOrders(ctx)
		if err != nil && ctx.Err() == nil {
			sugar.Warnw("order_sync_failed", "err", err)
		} else if err == nil {
			sugar.Infow("order_sync", "orders", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func loadKeys(hexKey string, log *zap.SugaredLogger) (*crypto.Keys, error) {
	if hexKey != "" {
		return crypto.FromPrivateKeyHex(hexKey)
	}
	keys, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	log.Warnw("ephemeral_identity", "pubkey", keys.PublicKeyHex(), "hint", "set PRIVATE_KEY to keep this identity")
	return keys, nil
}

// buildRelays connects the configured transport. The returned func releases
// whatever was started.
func buildRelays(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) ([]relay.Relay, func(), error) {
	switch cfg.Relays.Mode {
	case params.RelayModeLibp2p:
		g, err := p2p.NewGossipRelay(ctx, p2p.GossipConfig{
			ListenAddr: cfg.Relays.P2PListen,
			Bootstrap:  cfg.Relays.Bootstrap,
			StoreSize:  cfg.Relays.StoreSize,
			Logger:     log,
		})
		if err != nil {
			return nil, nil, err
		}
		for _, addr := range g.Addrs() {
			log.Infow("libp2p_listening", "addr", addr)
		}
		return []relay.Relay{g}, func() { g.Close() }, nil

	case params.RelayModeWS, "":
		var relays []relay.Relay
		for _, url := range cfg.Relays.URLs {
			relays = append(relays, relay.NewWSRelay(url, relay.WithLogger(log)))
		}
		if cfg.Relays.LocalListen == "" {
			return relays, func() {}, nil
		}

		local := relay.NewMemoryRelay("local://"+cfg.Relays.LocalListen, cfg.Relays.StoreSize)
		srv := &http.Server{
			Addr:              cfg.Relays.LocalListen,
			Handler:           relay.NewServer(local, log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infow("local_relay_listening", "addr", cfg.Relays.LocalListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("local_relay_failed", "err", err)
			}
		}()
		closeFn := func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
		return append(relays, local), closeFn, nil

	default:
		return nil, nil, errors.New("unknown RELAY_MODE " + cfg.Relays.Mode)
	}
}
