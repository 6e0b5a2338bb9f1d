// Package keyset resolves RSA signing keys from a JWKS endpoint.
//
// The resolver keeps an in-memory snapshot of the key set. A lookup for an
// unknown kid triggers exactly one forced refresh; if the kid is still absent
// after the refresh the lookup fails with ErrKeyNotFound. Fetch failures are
// reported distinctly so callers can treat them as transient. Concurrent
// lookups that miss share a single refresh.
package keyset

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/osvaldoandrade/codeq/internal/metrics"
	"github.com/osvaldoandrade/codeq/pkg/log"
)

// ErrKeyNotFound means the kid is absent from the freshly fetched key set.
var ErrKeyNotFound = errors.New("keyset: key not found")

// FetchError wraps a failure to retrieve or decode the key set. It is
// transient: the key may exist but could not be confirmed.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("keyset: fetch failed: %v", e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err is a transient key-set fetch failure.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Options configures a Resolver.
type Options struct {
	// URL is the JWKS endpoint.
	URL string
	// HTTPTimeout bounds a single fetch. Defaults to 10s.
	HTTPTimeout time.Duration
	// HTTPClient overrides the client used for fetches. Optional.
	HTTPClient *http.Client
	Logger     log.Logger
}

// Resolver caches RSA public keys fetched from a JWKS endpoint.
type Resolver struct {
	url    string
	client *http.Client
	logger log.Logger

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey

	group singleflight.Group
}

// NewResolver creates a resolver. It does not fetch until first use.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.URL == "" {
		return nil, errors.New("keyset: Options.URL is required")
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.HTTPTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Resolver{
		url:    opts.URL,
		client: client,
		logger: logger.With(log.Component("keyset")),
		keys:   make(map[string]*rsa.PublicKey),
	}, nil
}

// Resolve returns the public key for kid. On a cache miss it forces one
// refresh; a kid still missing afterwards yields ErrKeyNotFound.
func (r *Resolver) Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key := r.lookup(kid); key != nil {
		return key, nil
	}
	if err := r.ForceRefresh(ctx); err != nil {
		return nil, err
	}
	if key := r.lookup(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid=%q", ErrKeyNotFound, kid)
}

func (r *Resolver) lookup(kid string) *rsa.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[kid]
}

// ForceRefresh fetches the key set and replaces the cache wholesale.
// Concurrent callers share one in-flight fetch.
func (r *Resolver) ForceRefresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		keys, err := r.fetch(ctx)
		if err != nil {
			metrics.KeySetRefreshTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.KeySetRefreshTotal.WithLabelValues("ok").Inc()
		r.mu.Lock()
		r.keys = keys
		r.mu.Unlock()
		r.logger.Debug("key set refreshed", log.Int("keys", len(keys)))
		return nil, nil
	})
	return err
}

// Run refreshes the key set periodically until ctx is canceled. Refresh
// failures are logged and retried on the next tick.
func (r *Resolver) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ForceRefresh(ctx); err != nil {
				r.logger.Warn("periodic key refresh failed", log.Err(err))
			}
		}
	}
}

type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (r *Resolver) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Err: fmt.Errorf("endpoint returned status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Err: err}
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &FetchError{Err: fmt.Errorf("decode document: %w", err)}
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			r.logger.Warn("skipping malformed key", log.Str("kid", k.Kid), log.Err(err))
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func parseRSAPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || e.Sign() <= 0 {
		return nil, errors.New("non-positive key component")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
