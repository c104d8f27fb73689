package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines the runtime configuration for the session subsystem.
//
// The four windows interact: a token younger than SessionLifespan is simply
// valid; one whose activity is younger than SessionRenewalTimeout is renewed
// into a fresh token; LoginLifespan bounds the whole chain regardless of
// renewals. CookieLifespan applies only when "remember me" was requested.
type Config struct {
	// CacheSessions is the maximum number of records held in the local
	// session cache. Zero disables caching.
	CacheSessions int

	// SessionCacheTimeout bounds how long a cached record is trusted without
	// re-reading the store. This is a safety net, not the logout mechanism.
	SessionCacheTimeout time.Duration

	// SessionLifespan is how long a session token stays fresh after creation.
	SessionLifespan time.Duration

	// SessionRenewalTimeout is how long after the last activity a stale
	// token can still be renewed into a new one.
	SessionRenewalTimeout time.Duration

	// LoginLifespan bounds the whole renewal chain from the login event.
	// Zero disables the bound.
	LoginLifespan time.Duration

	// CookieLifespan is the cookie max-age used when "remember me" is set.
	CookieLifespan time.Duration
}

// DefaultConfig returns the default session policy.
func DefaultConfig() Config {
	return Config{
		CacheSessions:         100_000,
		SessionCacheTimeout:   30 * time.Minute,
		SessionLifespan:       24 * time.Hour,
		SessionRenewalTimeout: 3 * 24 * time.Hour,
		LoginLifespan:         14 * 24 * time.Hour,
		CookieLifespan:        365 * 24 * time.Hour,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - UNDERTOW_AUTH_CACHE_SESSIONS
//   - UNDERTOW_AUTH_CACHE_TIMEOUT
//   - UNDERTOW_AUTH_SESSION_LIFESPAN
//   - UNDERTOW_AUTH_RENEWAL_TIMEOUT
//   - UNDERTOW_AUTH_LOGIN_LIFESPAN (0 disables the login bound)
//   - UNDERTOW_AUTH_COOKIE_LIFESPAN
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("UNDERTOW_AUTH_CACHE_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, ErrConfig
		}
		cfg.CacheSessions = n
	}

	if v := os.Getenv("UNDERTOW_AUTH_CACHE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.SessionCacheTimeout = d
	}

	if v := os.Getenv("UNDERTOW_AUTH_SESSION_LIFESPAN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.SessionLifespan = d
	}

	if v := os.Getenv("UNDERTOW_AUTH_RENEWAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.SessionRenewalTimeout = d
	}

	if v := os.Getenv("UNDERTOW_AUTH_LOGIN_LIFESPAN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.LoginLifespan = d
	}

	if v := os.Getenv("UNDERTOW_AUTH_COOKIE_LIFESPAN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.CookieLifespan = d
	}

	// The renewal window is measured from last activity and must cover at
	// least one full session lifespan to be reachable.
	if cfg.SessionRenewalTimeout < cfg.SessionLifespan {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
