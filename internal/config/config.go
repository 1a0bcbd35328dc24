package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything wired at process start. Values come from the
// environment, with an optional .env file for local runs.
type Config struct {
	HTTPAddr string

	DBDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Dispatch worker.
	WorkerConcurrency int
	QueueRatePerSec   int
	CooldownWindow    time.Duration
	MediaTimeout      time.Duration
	AssetBaseURL      string

	// Connection lifecycle.
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	ReconnectMax      int
	HeartbeatInterval time.Duration

	// Cache / auth state.
	ConnCacheTTL time.Duration
	AuthStateTTL time.Duration

	LogLevel string
}

// Load reads configuration from the environment. A missing .env is fine.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:          getStr("HTTP_ADDR", ":8080"),
		DBDSN:             getStr("DB_DSN", "file:blast.db?_foreign_keys=on"),
		RedisAddr:         getStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getStr("REDIS_PASSWORD", ""),
		RedisDB:           getInt("REDIS_DB", 0),
		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 5),
		QueueRatePerSec:   getInt("QUEUE_RATE_PER_SEC", 10),
		CooldownWindow:    getDur("COOLDOWN_WINDOW", 5*time.Minute),
		MediaTimeout:      getDur("MEDIA_TIMEOUT", 60*time.Second),
		AssetBaseURL:      getStr("ASSET_BASE_URL", ""),
		ReconnectBase:     getDur("RECONNECT_BASE", 2*time.Second),
		ReconnectCap:      getDur("RECONNECT_CAP", 60*time.Second),
		ReconnectMax:      getInt("RECONNECT_MAX", 10),
		HeartbeatInterval: getDur("HEARTBEAT_INTERVAL", 30*time.Second),
		ConnCacheTTL:      getDur("CONN_CACHE_TTL", time.Hour),
		AuthStateTTL:      getDur("AUTH_STATE_TTL", 30*24*time.Hour),
		LogLevel:          getStr("LOG_LEVEL", "info"),
	}
}

func getStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
