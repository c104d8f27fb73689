package app

import "time"

// Config contains the app-level runtime configuration loaded from
// environment variables. Subsystem configuration (session policy, gateway
// limits, backplane ports) loads through each package's own
// LoadConfigFromEnv.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// MongoURI empty runs every store in memory (dev mode, single node).
	MongoURI      string
	MongoDatabase string
	MongoTimeout  time.Duration

	// ReadinessRequireDB makes /readyz fail unless MongoDB is configured
	// and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("UNDERTOW_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("UNDERTOW_LOG_LEVEL", "info"),
		LogPretty: EnvBool("UNDERTOW_LOG_PRETTY", false),

		ReadHeaderTimeout: EnvDuration("UNDERTOW_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("UNDERTOW_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("UNDERTOW_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("UNDERTOW_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("UNDERTOW_HTTP_MAX_HEADER_BYTES", 1<<20),

		MongoURI:      EnvString("UNDERTOW_MONGO_URI", ""),
		MongoDatabase: EnvString("UNDERTOW_MONGO_DATABASE", "undertow"),
		MongoTimeout:  EnvDuration("UNDERTOW_MONGO_TIMEOUT", 5*time.Second),

		ReadinessRequireDB: EnvBool("UNDERTOW_READINESS_REQUIRE_DB", false),
	}
}
