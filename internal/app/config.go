package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// MongoURI empty means the in-memory dev store.
	MongoURI       string
	MongoDatabase  string
	MongoMaxPool   int
	MongoMinPool   int
	MongoOpTimeout time.Duration
	StoreGateSize  int64

	// JWTSecret empty means the dev token map ("dev:<user>" tokens).
	JWTSecret string

	WSOriginPatterns []string
	WSDevInsecure    bool

	RateLimitEvents int
	RateLimitWindow time.Duration

	FlushBatchSize int
	FlushInterval  time.Duration

	// If true, /readyz returns 503 unless the store is configured and
	// reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COURIER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COURIER_LOG_LEVEL", "info"),
		LogPretty: EnvBool("COURIER_LOG_PRETTY", false),

		ReadHeaderTimeout: EnvDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("COURIER_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("COURIER_HTTP_MAX_HEADER_BYTES", 1<<20),

		MongoURI:       EnvString("COURIER_MONGO_URI", ""),
		MongoDatabase:  EnvString("COURIER_MONGO_DB", "courier"),
		MongoMaxPool:   EnvInt("COURIER_MONGO_MAX_POOL", 100),
		MongoMinPool:   EnvInt("COURIER_MONGO_MIN_POOL", 10),
		MongoOpTimeout: EnvDuration("COURIER_MONGO_OP_TIMEOUT", 5*time.Second),
		StoreGateSize:  EnvInt64("COURIER_STORE_GATE", 20),

		JWTSecret: EnvString("COURIER_JWT_SECRET", ""),

		WSOriginPatterns: EnvCSV("COURIER_WS_ORIGIN_PATTERNS", "localhost,127.0.0.1"),
		WSDevInsecure:    EnvBool("COURIER_WS_DEV_INSECURE", false),

		RateLimitEvents: EnvInt("COURIER_RATE_EVENTS", 100),
		RateLimitWindow: EnvDuration("COURIER_RATE_WINDOW", time.Minute),

		FlushBatchSize: EnvInt("COURIER_FLUSH_BATCH", 20),
		FlushInterval:  EnvDuration("COURIER_FLUSH_INTERVAL", 2*time.Second),

		ReadinessRequireDB: EnvBool("COURIER_READINESS_REQUIRE_DB", false),
	}
}
