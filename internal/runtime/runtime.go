package runtime

import (
	"context"
	"errors"
	"time"

	cfgpkg "github.com/osvaldoandrade/codeq/internal/config"
	"github.com/osvaldoandrade/codeq/internal/metrics"
	"github.com/osvaldoandrade/codeq/internal/ratelimit"
	pebblestore "github.com/osvaldoandrade/codeq/internal/storage/pebble"
	"github.com/osvaldoandrade/codeq/internal/taskstore"
	"github.com/osvaldoandrade/codeq/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir string
	Fsync   pebblestore.FsyncMode
	// FsyncInterval sets the group-commit window when Fsync is
	// FsyncModeInterval.
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        log.Logger
}

// Runtime wires storage, config, and the task store for a single-node
// instance.
type Runtime struct {
	db      *pebblestore.DB
	store   *taskstore.Store
	limiter *ratelimit.SubjectLimiter
	config  cfgpkg.Config
	logger  log.Logger
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       metrics.StoreObserver{},
	})
	if err != nil {
		return nil, err
	}
	cfg := opts.Config
	store, err := taskstore.Open(db, taskstore.Options{
		LeaseMin:           time.Duration(cfg.Lease.MinSeconds) * time.Second,
		LeaseDefault:       time.Duration(cfg.Lease.DefaultSeconds) * time.Second,
		LeaseMax:           time.Duration(cfg.Lease.MaxSeconds) * time.Second,
		InspectLimit:       cfg.Claim.InspectLimit,
		MaxAttemptsDefault: cfg.Claim.MaxAttemptsDefault,
		Retention:          time.Duration(cfg.Results.TTLSeconds) * time.Second,
		BackoffPolicy:      cfg.Backoff.Policy,
		BackoffBaseSeconds: cfg.Backoff.BaseSeconds,
		BackoffMaxSeconds:  cfg.Backoff.MaxSeconds,
		Logger:             logger.With(log.F("component", "taskstore")),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	var limiter *ratelimit.SubjectLimiter
	if cfg.Rate.Enabled {
		limiter = ratelimit.New(ratelimit.Options{RPS: cfg.Rate.RPS, Burst: cfg.Rate.Burst})
	}
	return &Runtime{db: db, store: store, limiter: limiter, config: cfg, logger: logger}, nil
}

// Close stops background work and closes underlying resources.
func (r *Runtime) Close() error {
	if r.store != nil {
		r.store.StopSweeper()
	}
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Store returns the task store.
func (r *Runtime) Store() *taskstore.Store { return r.store }

// Limiter returns the per-subject rate limiter, or nil when disabled.
func (r *Runtime) Limiter() *ratelimit.SubjectLimiter { return r.limiter }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// Logger returns the process logger.
func (r *Runtime) Logger() log.Logger { return r.logger }
