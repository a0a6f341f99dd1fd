package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

var logger = log.New(os.Stdout, "[config] ", log.LstdFlags)

var (
	DebugMode bool
	Port      int

	// BatchDim bounds the number of distinct subscriptions per batch,
	// BackupDim is the number of redundant connections inside one batch.
	BatchDim  int
	BackupDim int

	// How long a batch with zero subscriptions is kept alive before its
	// connections are closed.
	BatchIdleTeardown time.Duration

	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	SubscriberBuffer     int

	SymbolCacheTTL time.Duration

	OkxWsURL string
)

func init() {
	Load()
}

// Load reads the .env file (if present) and the process environment into the
// package level variables. Safe to call again from tests.
func Load() {
	if err := godotenv.Load(); err != nil {
		logger.Println("no .env file found, reading process environment only")
	}

	DebugMode = envBool("DEBUG_MODE", false)
	Port = envInt("PORT", 5050)

	BatchDim = envInt("BATCH_DIM", 30)
	BackupDim = envInt("BACKUP_DIM", 2)
	BatchIdleTeardown = envDuration("BATCH_IDLE_TEARDOWN", 30*time.Second)

	ConnectTimeout = envDuration("CONNECT_TIMEOUT", 10*time.Second)
	MaxReconnectAttempts = envInt("MAX_RECONNECT_ATTEMPTS", 5)
	SubscriberBuffer = envInt("SUBSCRIBER_BUFFER", 256)

	SymbolCacheTTL = envDuration("SYMBOL_CACHE_TTL", 10*time.Minute)

	OkxWsURL = envString("OKX_WS_URL", "wss://ws.okx.com:8443/ws/v5/public")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Printf("invalid value for %s: %q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Printf("invalid value for %s: %q, using default %t", key, v, fallback)
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Printf("invalid value for %s: %q, using default %s", key, v, fallback)
		return fallback
	}
	return d
}
