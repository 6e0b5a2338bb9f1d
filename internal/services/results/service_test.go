package results

import (
	"context"
	"errors"
	"testing"
	"time"

	cfgpkg "github.com/osvaldoandrade/codeq/internal/config"
	"github.com/osvaldoandrade/codeq/internal/runtime"
	pebblestore "github.com/osvaldoandrade/codeq/internal/storage/pebble"
	"github.com/osvaldoandrade/codeq/internal/taskstore"
)

func newTestService(t *testing.T) (*Service, *runtime.Runtime) {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
		Config:  cfgpkg.Default(),
	})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return New(rt), rt
}

func claimedTask(t *testing.T, rt *runtime.Runtime, subject string) *taskstore.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := rt.Store().Create(ctx, "GENERATE_MASTER", []byte(`{}`), taskstore.CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	task, ok, err := rt.Store().ClaimOne(ctx, subject, []string{"GENERATE_MASTER"}, 30*time.Second, time.Time{})
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	return task
}

func TestSubmitAndGet(t *testing.T) {
	s, rt := newTestService(t)
	ctx := context.Background()
	task := claimedTask(t, rt, "w1")

	// In flight: the view is non-terminal.
	view, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Terminal {
		t.Fatal("claimed task reported terminal")
	}

	done, err := s.Submit(ctx, task.ID, "w1", SubmitRequest{Status: "COMPLETED", Result: []byte(`{"url":"s3://out"}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if done.State != taskstore.StateCompleted {
		t.Fatalf("state = %s", done.State)
	}

	view, err = s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get after submit: %v", err)
	}
	if !view.Terminal || string(view.Result) != `{"url":"s3://out"}` || view.CompletedBy != "w1" {
		t.Fatalf("result view: %+v", view)
	}
}

func TestSubmitFailureKeepsError(t *testing.T) {
	s, rt := newTestService(t)
	ctx := context.Background()
	task := claimedTask(t, rt, "w1")

	if _, err := s.Submit(ctx, task.ID, "w1", SubmitRequest{Status: "FAILED", Error: "render crashed"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	view, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != string(taskstore.StateFailed) || view.Error != "render crashed" {
		t.Fatalf("failure view: %+v", view)
	}
}

func TestSubmitRejectsBadStatus(t *testing.T) {
	s, rt := newTestService(t)
	task := claimedTask(t, rt, "w1")

	_, err := s.Submit(context.Background(), task.ID, "w1", SubmitRequest{Status: "DONE"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("want ErrInvalidStatus, got %v", err)
	}
}

func TestSubmitByNonOwner(t *testing.T) {
	s, rt := newTestService(t)
	task := claimedTask(t, rt, "w1")

	_, err := s.Submit(context.Background(), task.ID, "w2", SubmitRequest{Status: "COMPLETED"})
	if !errors.Is(err, taskstore.ErrNotOwner) {
		t.Fatalf("want ErrNotOwner, got %v", err)
	}
}

func TestGetUnknownTask(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, taskstore.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
