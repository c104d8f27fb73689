package gateway

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig indicates invalid gateway configuration.
var ErrConfig = errors.New("invalid gateway configuration")

const (
	defaultSendQueue = 256
	minSendQueue     = 32

	// Peer frames may carry sdp/ICE payloads up to 200 KiB each.
	defaultMaxFrameBytes = 512 * 1024
)

// Config defines the runtime configuration for the client gateway.
type Config struct {
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool

	// AllowedOrigins is the handshake origin allowlist. Entries match the
	// full origin or just the host.
	AllowedOrigins []string

	// AllowForeign admits logged-in agents that did not present the
	// same-origin confirmation value.
	AllowForeign bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// SendQueue is the per-connection outbound queue depth. Frames beyond
	// it are dropped rather than blocking the backplane.
	SendQueue int

	MaxFrameBytes int64
}

// DefaultConfig returns the default gateway policy: origin required,
// localhost only, domestic connections only.
func DefaultConfig() Config {
	return Config{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		AllowForeign:      false,
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		SendQueue:         defaultSendQueue,
		MaxFrameBytes:     defaultMaxFrameBytes,
	}
}

// LoadConfigFromEnv loads gateway configuration from environment variables.
//
// Optional:
//   - UNDERTOW_WS_ORIGIN_REQUIRED
//   - UNDERTOW_WS_ALLOWED_ORIGINS (comma-separated)
//   - UNDERTOW_WS_ALLOW_FOREIGN
//   - UNDERTOW_WS_WRITE_TIMEOUT
//   - UNDERTOW_WS_READ_IDLE_TIMEOUT
//   - UNDERTOW_WS_HEARTBEAT_INTERVAL
//   - UNDERTOW_WS_HEARTBEAT_TIMEOUT
//   - UNDERTOW_WS_SEND_QUEUE
//   - UNDERTOW_WS_MAX_FRAME_BYTES
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("UNDERTOW_WS_ORIGIN_REQUIRED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.OriginRequired = b
	}

	if v := os.Getenv("UNDERTOW_WS_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				origins = append(origins, s)
			}
		}
		cfg.AllowedOrigins = origins
	}

	if v := os.Getenv("UNDERTOW_WS_ALLOW_FOREIGN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.AllowForeign = b
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"UNDERTOW_WS_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"UNDERTOW_WS_READ_IDLE_TIMEOUT", &cfg.ReadIdleTimeout},
		{"UNDERTOW_WS_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"UNDERTOW_WS_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
	} {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil || parsed <= 0 {
				return Config{}, ErrConfig
			}
			*d.dst = parsed
		}
	}

	if v := os.Getenv("UNDERTOW_WS_SEND_QUEUE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, ErrConfig
		}
		cfg.SendQueue = n
	}
	if cfg.SendQueue < minSendQueue {
		cfg.SendQueue = minSendQueue
	}

	if v := os.Getenv("UNDERTOW_WS_MAX_FRAME_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, ErrConfig
		}
		cfg.MaxFrameBytes = n
	}

	return cfg, nil
}
