package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	HTTPAddr string        `json:"httpAddr"`
	DataDir  string        `json:"dataDir"`
	Fsync    string        `json:"fsync"` // always | interval | never
	Auth     Auth          `json:"auth"`
	Lease    Lease         `json:"lease"`
	Claim    Claim         `json:"claim"`
	Backoff  Backoff       `json:"backoff"`
	Rate     Rate          `json:"rate"`
	Sweeper  Sweeper       `json:"sweeper"`
	Results  Results       `json:"results"`
	Subs     Subscriptions `json:"subscriptions"`
	Log      Log           `json:"log"`
}

// Auth configures bearer-token verification against a JWKS endpoint.
type Auth struct {
	JWKSURL          string `json:"jwksUrl"`
	Issuer           string `json:"issuer"`
	Audience         string `json:"audience"`
	ClockSkewSeconds int    `json:"clockSkewSeconds"`
	// RefreshSeconds is the background key-set refresh period. Zero disables
	// periodic refresh; misses still trigger an on-demand refresh.
	RefreshSeconds int `json:"refreshSeconds"`
}

// Lease bounds the lease durations workers may request.
type Lease struct {
	MinSeconds     int `json:"minSeconds"`
	DefaultSeconds int `json:"defaultSeconds"`
	MaxSeconds     int `json:"maxSeconds"`
}

// Claim tunes the claim path.
type Claim struct {
	// InspectLimit caps how many queue entries a single claim scans while
	// skipping expired or not-yet-visible tasks.
	InspectLimit int `json:"inspectLimit"`
	// MaxWaitSeconds bounds long-poll claim waits.
	MaxWaitSeconds int `json:"maxWaitSeconds"`
	// MaxAttemptsDefault applies when a task is created without maxAttempts.
	MaxAttemptsDefault int `json:"maxAttemptsDefault"`
}

// Backoff configures redelivery delay after a negative acknowledgement.
type Backoff struct {
	Policy      string `json:"policy"` // fixed | linear | exponential | exp_equal_jitter | exp_full_jitter
	BaseSeconds int    `json:"baseSeconds"`
	MaxSeconds  int    `json:"maxSeconds"`
}

// Rate configures per-subject request throttling.
type Rate struct {
	Enabled bool    `json:"enabled"`
	RPS     float64 `json:"rps"`
	Burst   int     `json:"burst"`
}

// Sweeper configures the optional background expiry sweep. It is disabled by
// default; expiry is always enforced lazily at claim/renew/complete time.
type Sweeper struct {
	Enabled         bool `json:"enabled"`
	IntervalSeconds int  `json:"intervalSeconds"`
}

// Results configures terminal-record retention.
type Results struct {
	TTLSeconds int `json:"ttlSeconds"`
}

// Subscriptions configures webhook subscription leases.
type Subscriptions struct {
	TTLSeconds int `json:"ttlSeconds"`
}

// Log configures the process logger.
type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"` // text | json
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Fsync:    "interval",
		Auth: Auth{
			ClockSkewSeconds: 30,
			RefreshSeconds:   300,
		},
		Lease: Lease{
			MinSeconds:     5,
			DefaultSeconds: 30,
			MaxSeconds:     300,
		},
		Claim: Claim{
			InspectLimit:       128,
			MaxWaitSeconds:     30,
			MaxAttemptsDefault: 5,
		},
		Backoff: Backoff{
			Policy:      "exp_full_jitter",
			BaseSeconds: 2,
			MaxSeconds:  300,
		},
		Rate: Rate{
			Enabled: false,
			RPS:     50,
			Burst:   100,
		},
		Sweeper: Sweeper{
			Enabled:         false,
			IntervalSeconds: 15,
		},
		Results: Results{
			TTLSeconds: 86400,
		},
		Subs: Subscriptions{
			TTLSeconds: 300,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	ext := filepath.Ext(path)
	switch ext {
	case ".yaml", ".yml":
		return Config{}, errors.New("yaml config not supported; use JSON")
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Validate reports configuration values that cannot be used as-is.
func (c Config) Validate() error {
	if c.Lease.MinSeconds <= 0 || c.Lease.MaxSeconds < c.Lease.MinSeconds {
		return fmt.Errorf("lease bounds invalid: min=%d max=%d", c.Lease.MinSeconds, c.Lease.MaxSeconds)
	}
	if c.Lease.DefaultSeconds < c.Lease.MinSeconds || c.Lease.DefaultSeconds > c.Lease.MaxSeconds {
		return fmt.Errorf("lease default %d outside [%d,%d]", c.Lease.DefaultSeconds, c.Lease.MinSeconds, c.Lease.MaxSeconds)
	}
	switch c.Backoff.Policy {
	case "fixed", "linear", "exponential", "exp_equal_jitter", "exp_full_jitter":
	default:
		return fmt.Errorf("unknown backoff policy %q", c.Backoff.Policy)
	}
	switch c.Fsync {
	case "", "always", "interval", "never":
	default:
		return fmt.Errorf("unknown fsync mode %q", c.Fsync)
	}
	if c.Claim.InspectLimit <= 0 {
		return errors.New("claim inspect limit must be positive")
	}
	return nil
}
