package serverrun

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/osvaldoandrade/codeq/internal/auth"
	"github.com/osvaldoandrade/codeq/internal/auth/keyset"
	cfgpkg "github.com/osvaldoandrade/codeq/internal/config"
	"github.com/osvaldoandrade/codeq/internal/runtime"
	httpserver "github.com/osvaldoandrade/codeq/internal/server/http"
	pebblestore "github.com/osvaldoandrade/codeq/internal/storage/pebble"
	logpkg "github.com/osvaldoandrade/codeq/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper to allow testing; replaced by os.Getenv at build time
var getenv = func(key string) string { return os.Getenv(key) }

type Options struct {
	DataDir       string
	HTTPAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	// Be robust to callers that don't pass a signal-aware context
	// or if signal delivery needs to be observed here. We layer a
	// local signal context over the provided one.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = opts.Config.HTTPAddr
	}

	// Build the process-wide logger first so storage open errors are
	// reported through it. Defaults: level=info, format=text.
	logCfg := &logpkg.Config{
		Level:  getenvDefault("CODEQ_LOG_LEVEL", opts.Config.Log.Level),
		Format: getenvDefault("CODEQ_LOG_FORMAT", opts.Config.Log.Format),
	}
	procLogger, err := logpkg.ApplyConfig(logCfg)
	if err != nil {
		// Fallback to a sane default
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(logCfg.Level); e == nil {
			lvl = l
		}
		procLogger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}

	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	storeDir := filepath.Join(opts.DataDir, "store")
	rt, err := runtime.Open(runtime.Options{
		DataDir:       storeDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        opts.Config,
		Logger:        procLogger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	resolver, err := keyset.NewResolver(keyset.Options{
		URL:    opts.Config.Auth.JWKSURL,
		Logger: procLogger,
	})
	if err != nil {
		return err
	}
	if opts.Config.Auth.RefreshSeconds > 0 {
		go resolver.Run(sctx, time.Duration(opts.Config.Auth.RefreshSeconds)*time.Second)
	}
	verifier, err := auth.NewVerifier(resolver, auth.VerifierOptions{
		Issuer:    opts.Config.Auth.Issuer,
		Audience:  opts.Config.Auth.Audience,
		ClockSkew: time.Duration(opts.Config.Auth.ClockSkewSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	if opts.Config.Sweeper.Enabled {
		interval := time.Duration(opts.Config.Sweeper.IntervalSeconds) * time.Second
		rt.Store().StartSweeper(interval, opts.Config.Claim.InspectLimit)
	}

	procLogger.Info("Starting codeq server",
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("issuer", opts.Config.Auth.Issuer),
		logpkg.Str("level", logCfg.Level),
		logpkg.Str("format", logCfg.Format),
	)

	hsrv := httpserver.New(rt, verifier)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, opts.HTTPAddr); err != nil && sctx.Err() == nil {
			log.Printf("http error: %v", err)
		}
	}()

	<-sctx.Done()
	// Shut the server down before closing the runtime/DB to avoid races.
	hsrv.Close()
	wg.Wait()
	return nil
}
