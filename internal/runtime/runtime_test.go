package runtime

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	cfgpkg "github.com/osvaldoandrade/codeq/internal/config"
	"github.com/osvaldoandrade/codeq/internal/metrics"
	pebblestore "github.com/osvaldoandrade/codeq/internal/storage/pebble"
	"github.com/osvaldoandrade/codeq/internal/taskstore"
)

func TestOpenCloseHealth(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if rt.Limiter() != nil {
		t.Fatal("limiter should be nil when rate limiting is disabled")
	}
}

func TestStoreWiredFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := cfgpkg.Default()
	cfg.Rate.Enabled = true
	rt, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever, Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	task, err := rt.Store().Create(context.Background(), "GENERATE_MASTER", nil, taskstore.CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.MaxAttempts != cfg.Claim.MaxAttemptsDefault {
		t.Fatalf("maxAttempts = %d, want config default %d", task.MaxAttempts, cfg.Claim.MaxAttemptsDefault)
	}
	if rt.Limiter() == nil {
		t.Fatal("limiter should be wired when rate limiting is enabled")
	}
}

func histogramSamples(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	m := &dto.Metric{}
	if err := h.Write(m); err != nil {
		t.Fatalf("read histogram: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestStorageMetricsObserved(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()

	commitsBefore := histogramSamples(t, metrics.StoreCommitSeconds)
	readsBefore := histogramSamples(t, metrics.StoreReadSeconds)

	task, err := rt.Store().Create(context.Background(), "GENERATE_MASTER", nil, taskstore.CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := rt.Store().Get(context.Background(), task.ID); err != nil {
		t.Fatalf("get: %v", err)
	}

	if got := histogramSamples(t, metrics.StoreCommitSeconds); got <= commitsBefore {
		t.Fatalf("commit histogram samples = %d, want > %d", got, commitsBefore)
	}
	if got := histogramSamples(t, metrics.StoreReadSeconds); got <= readsBefore {
		t.Fatalf("read histogram samples = %d, want > %d", got, readsBefore)
	}
}
