package backplane

import (
	"os"
	"strconv"
	"time"
)

// Config defines the runtime configuration for the backplane.
type Config struct {
	// Address and Port identify this node to its peers. Peers dial the
	// node-to-node listener at this address.
	Address string
	Port    int

	// DialTimeout bounds how long a message for a remote node waits for the
	// node connection to come up before failing with ErrRelayUnavailable.
	DialTimeout time.Duration

	// CacheLinks is the maximum number of link records held in the local
	// link cache. Zero disables caching.
	CacheLinks int

	// LinkCacheTimeout bounds how long a cached link record is trusted.
	LinkCacheTimeout time.Duration
}

// DefaultConfig returns the default backplane configuration.
func DefaultConfig() Config {
	return Config{
		Address:          "127.0.0.1",
		Port:             8101,
		DialTimeout:      10 * time.Second,
		CacheLinks:       10_000,
		LinkCacheTimeout: 10 * time.Minute,
	}
}

// LoadConfigFromEnv loads backplane configuration from environment variables.
//
// Optional:
//   - UNDERTOW_NODE_ADDRESS
//   - UNDERTOW_NODE_PORT
//   - UNDERTOW_NODE_DIAL_TIMEOUT
//   - UNDERTOW_CACHE_LINKS
//   - UNDERTOW_LINK_CACHE_TIMEOUT
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("UNDERTOW_NODE_ADDRESS"); v != "" {
		cfg.Address = v
	}

	if v := os.Getenv("UNDERTOW_NODE_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			return Config{}, ErrConfig
		}
		cfg.Port = n
	}

	if v := os.Getenv("UNDERTOW_NODE_DIAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.DialTimeout = d
	}

	if v := os.Getenv("UNDERTOW_CACHE_LINKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, ErrConfig
		}
		cfg.CacheLinks = n
	}

	if v := os.Getenv("UNDERTOW_LINK_CACHE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.LinkCacheTimeout = d
	}

	return cfg, nil
}
