package config

import (
	"os"
	"strconv"
)

// FromEnv overlays CODEQ_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setStr("CODEQ_HTTP_ADDR", &cfg.HTTPAddr)
	setStr("CODEQ_DATA_DIR", &cfg.DataDir)
	setStr("CODEQ_FSYNC", &cfg.Fsync)

	setStr("CODEQ_AUTH_JWKS_URL", &cfg.Auth.JWKSURL)
	setStr("CODEQ_AUTH_ISSUER", &cfg.Auth.Issuer)
	setStr("CODEQ_AUTH_AUDIENCE", &cfg.Auth.Audience)
	setInt("CODEQ_AUTH_CLOCK_SKEW_SECONDS", &cfg.Auth.ClockSkewSeconds)
	setInt("CODEQ_AUTH_REFRESH_SECONDS", &cfg.Auth.RefreshSeconds)

	setInt("CODEQ_LEASE_MIN_SECONDS", &cfg.Lease.MinSeconds)
	setInt("CODEQ_LEASE_DEFAULT_SECONDS", &cfg.Lease.DefaultSeconds)
	setInt("CODEQ_LEASE_MAX_SECONDS", &cfg.Lease.MaxSeconds)

	setInt("CODEQ_CLAIM_INSPECT_LIMIT", &cfg.Claim.InspectLimit)
	setInt("CODEQ_CLAIM_MAX_WAIT_SECONDS", &cfg.Claim.MaxWaitSeconds)
	setInt("CODEQ_CLAIM_MAX_ATTEMPTS_DEFAULT", &cfg.Claim.MaxAttemptsDefault)

	setStr("CODEQ_BACKOFF_POLICY", &cfg.Backoff.Policy)
	setInt("CODEQ_BACKOFF_BASE_SECONDS", &cfg.Backoff.BaseSeconds)
	setInt("CODEQ_BACKOFF_MAX_SECONDS", &cfg.Backoff.MaxSeconds)

	setBool("CODEQ_RATE_ENABLED", &cfg.Rate.Enabled)
	if v := os.Getenv("CODEQ_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Rate.RPS = f
		}
	}
	setInt("CODEQ_RATE_BURST", &cfg.Rate.Burst)

	setBool("CODEQ_SWEEPER_ENABLED", &cfg.Sweeper.Enabled)
	setInt("CODEQ_SWEEPER_INTERVAL_SECONDS", &cfg.Sweeper.IntervalSeconds)

	setInt("CODEQ_RESULTS_TTL_SECONDS", &cfg.Results.TTLSeconds)
	setInt("CODEQ_SUBSCRIPTIONS_TTL_SECONDS", &cfg.Subs.TTLSeconds)

	setStr("CODEQ_LOG_LEVEL", &cfg.Log.Level)
	setStr("CODEQ_LOG_FORMAT", &cfg.Log.Format)
}
