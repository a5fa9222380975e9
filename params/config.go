package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RelayModeWS     = "ws"
	RelayModeLibp2p = "libp2p"
)

type Relays struct {
	URLs []string
	// Mode selects the transport: websocket relays or the libp2p gossip relay.
	Mode string
	// LocalListen, when set, also serves an in-memory relay on this address
	// (ws mode only).
	LocalListen string
	P2PListen   string
	Bootstrap   []string
	StoreSize   int
}

type Identity struct {
	PrivateKey   string
	Counterparty string
}

type Timing struct {
	FetchTimeout time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
	SinceSkew    time.Duration
	// SyncInterval is how often the node copies the order book into the
	// store. Zero disables syncing.
	SyncInterval time.Duration
}

type Node struct {
	DBPath   string
	APIAddr  string
	LogFile  string
	LogLevel string
}

type Config struct {
	Relays   Relays
	Identity Identity
	Timing   Timing
	Node     Node
}

func Default() Config {
	return Config{
		Relays: Relays{
			URLs:      []string{"wss://relay.mostro.network", "wss://nos.lol"},
			Mode:      RelayModeWS,
			P2PListen: "/ip4/0.0.0.0/tcp/4001",
			StoreSize: 10000,
		},
		Timing: Timing{
			FetchTimeout: 5 * time.Second,
			WaitTimeout:  30 * time.Second,
			PollInterval: 500 * time.Millisecond,
			SinceSkew:    30 * time.Second,
			SyncInterval: time.Minute,
		},
		Node: Node{
			DBPath:   "./data/relaytrade",
			APIAddr:  ":8080",
			LogLevel: "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if relays := os.Getenv("RELAYS"); relays != "" {
		cfg.Relays.URLs = splitList(relays)
	}
	cfg.Relays.Mode = strings.ToLower(getEnv("RELAY_MODE", cfg.Relays.Mode))
	cfg.Relays.LocalListen = getEnv("LOCAL_RELAY_ADDR", cfg.Relays.LocalListen)
	cfg.Relays.P2PListen = getEnv("P2P_LISTEN", cfg.Relays.P2PListen)
	if bs := os.Getenv("P2P_BOOTSTRAP"); bs != "" {
		cfg.Relays.Bootstrap = splitList(bs)
	}
	if n, ok := getInt("RELAY_STORE_SIZE"); ok {
		cfg.Relays.StoreSize = n
	}

	cfg.Identity.PrivateKey = getEnv("PRIVATE_KEY", cfg.Identity.PrivateKey)
	cfg.Identity.Counterparty = getEnv("COUNTERPARTY_PUBKEY", cfg.Identity.Counterparty)

	setMillis(&cfg.Timing.FetchTimeout, "FETCH_TIMEOUT_MS")
	setMillis(&cfg.Timing.WaitTimeout, "WAIT_TIMEOUT_MS")
	setMillis(&cfg.Timing.PollInterval, "POLL_INTERVAL_MS")
	setMillis(&cfg.Timing.SinceSkew, "SINCE_SKEW_MS")
	setMillis(&cfg.Timing.SyncInterval, "SYNC_INTERVAL_MS")

	cfg.Node.DBPath = getEnv("DB_PATH", cfg.Node.DBPath)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// setMillis overrides *d with a millisecond value; malformed values are ignored.
func setMillis(d *time.Duration, key string) {
	if ms, ok := getInt(key); ok && ms >= 0 {
		*d = time.Duration(ms) * time.Millisecond
	}
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
