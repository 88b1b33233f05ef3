package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"footprint-systemv1/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Ingestion
	Venue    string
	Interval string

	// Storage
	DataDir       string
	SidecarSocket string
	StateDBPath   string
	SidecarBinary string
	UseDatabase   bool

	// Workers
	WorkerCount int

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	MetricsAddr   string
	APIAddr       string
	WebhookURL    string

	// Venue endpoints
	BinanceWSURL   string
	BinanceRESTURL string
	BybitWSURL     string
	OKXWSURL       string

	// Subscription: "SYMBOL:tickValue[:binMultiplier]" comma-separated,
	// e.g. "BTCUSDT:0.1:10,ETHUSDT:0.01:10"
	ActiveSymbols string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Venue:    getEnv("VENUE", "BINANCE"),
		Interval: getEnv("CANDLE_INTERVAL", "1m"),

		DataDir:       getEnv("DATA_DIR", "data/candles"),
		SidecarSocket: getEnv("SIDECAR_SOCKET", "/tmp/footprint-state.sock"),
		StateDBPath:   getEnv("STATE_DB_PATH", "data/state.db"),
		SidecarBinary: getEnv("SIDECAR_BINARY", ""),
		UseDatabase:   getBool("USE_DATABASE", true),

		WorkerCount: getInt("WORKER_COUNT", 0), // 0 = NumCPU

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		WebhookURL:    getEnv("WEBHOOK_URL", ""),

		BinanceWSURL:   getEnv("BINANCE_WS_URL", "wss://fstream.binance.com/ws"),
		BinanceRESTURL: getEnv("BINANCE_REST_URL", "https://fapi.binance.com"),
		BybitWSURL:     getEnv("BYBIT_WS_URL", "wss://stream.bybit.com/v5/public/linear"),
		OKXWSURL:       getEnv("OKX_WS_URL", "wss://ws.okx.com:8443/ws/v5/public"),

		ActiveSymbols: getEnv("ACTIVE_SYMBOLS", ""),
	}
}

// ParseSymbols parses ActiveSymbols into symbol configurations for the
// configured venue. Malformed entries are skipped with a log line.
func (c *Config) ParseSymbols() []model.SymbolConfig {
	venue := model.Venue(strings.ToUpper(c.Venue))
	var out []model.SymbolConfig
	for _, entry := range strings.Split(c.ActiveSymbols, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 {
			log.Printf("[config] skipping malformed symbol entry: %q", entry)
			continue
		}
		tick, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || tick <= 0 {
			log.Printf("[config] skipping symbol %s: bad tick value %q", parts[0], parts[1])
			continue
		}
		mult := 1
		if len(parts) >= 3 {
			m, err := strconv.Atoi(parts[2])
			if err != nil || m < 1 {
				log.Printf("[config] symbol %s: bad bin multiplier %q, using 1", parts[0], parts[2])
				m = 1
			}
			mult = m
		}
		out = append(out, model.SymbolConfig{
			Venue:         venue,
			Symbol:        strings.ToUpper(parts[0]),
			TickValue:     tick,
			BinMultiplier: mult,
			Active:        true,
			Status:        model.StatusActive,
			Revision:      1,
		})
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return b
}
