// Package scheduler exposes the producer/worker task operations: enqueue,
// claim, heartbeat, abandon, nack, plus the admin queue views.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/osvaldoandrade/codeq/internal/runtime"
	"github.com/osvaldoandrade/codeq/internal/taskstore"
	logpkg "github.com/osvaldoandrade/codeq/pkg/log"
)

// Notifier is told when a command's pending queue goes from empty to
// non-empty. Delivery is best-effort.
type Notifier interface {
	QueueReady(command string)
}

// Service coordinates the task store for the HTTP layer.
type Service struct {
	rt       *runtime.Runtime
	logger   logpkg.Logger
	notifier Notifier

	maxWait   time.Duration
	pollEvery time.Duration
}

// New creates a scheduler service.
func New(rt *runtime.Runtime) *Service {
	logger := rt.Logger().With(logpkg.F("component", "scheduler"))
	maxWait := time.Duration(rt.Config().Claim.MaxWaitSeconds) * time.Second
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Service{
		rt:        rt,
		logger:    logger,
		maxWait:   maxWait,
		pollEvery: 100 * time.Millisecond,
	}
}

// SetNotifier installs the queue-ready notifier. Must be called before the
// service starts taking requests.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// EnqueueRequest carries one task creation.
type EnqueueRequest struct {
	Command        string          `json:"command"`
	Payload        json.RawMessage `json:"payload"`
	MaxAttempts    int             `json:"maxAttempts"`
	DelaySeconds   int             `json:"delaySeconds"`
	Webhook        string          `json:"webhook"`
	IdempotencyKey string          `json:"-"`
	Producer       string          `json:"-"`
}

// Enqueue creates a task. Replaying the same idempotency key returns the
// originally created task.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*taskstore.Task, error) {
	opts := taskstore.CreateOptions{
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		Webhook:        req.Webhook,
		Producer:       req.Producer,
	}
	if req.DelaySeconds > 0 {
		opts.NotBefore = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	task, err := s.rt.Store().Create(ctx, req.Command, req.Payload, opts)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("task enqueued",
		logpkg.F("task_id", task.ID),
		logpkg.F("command", task.Command),
		logpkg.F("producer", req.Producer),
	)
	if s.notifier != nil && req.DelaySeconds <= 0 {
		if depth, derr := s.rt.Store().PendingDepth(ctx, task.Command); derr == nil && depth == 1 {
			s.notifier.QueueReady(task.Command)
		}
	}
	return task, nil
}

// ClaimRequest carries one claim attempt. Commands is the effective set after
// the caller's allowance filter; an empty set never matches.
type ClaimRequest struct {
	Subject      string
	Commands     []string
	LeaseSeconds int
	WaitSeconds  int
}

// Claim grants a lease on the oldest eligible task. With WaitSeconds > 0 it
// long-polls, re-checking the queues until work arrives or the bounded wait
// elapses. Returns ok=false when nothing was claimable.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*taskstore.Task, bool, error) {
	if len(req.Commands) == 0 {
		return nil, false, nil
	}
	lease := time.Duration(req.LeaseSeconds) * time.Second

	wait := time.Duration(req.WaitSeconds) * time.Second
	if wait > s.maxWait {
		wait = s.maxWait
	}
	deadline := time.Now().Add(wait)

	for {
		task, ok, err := s.rt.Store().ClaimOne(ctx, req.Subject, req.Commands, lease, time.Time{})
		if err != nil {
			return nil, false, err
		}
		if ok {
			s.logger.Debug("task claimed",
				logpkg.F("task_id", task.ID),
				logpkg.F("command", task.Command),
				logpkg.F("subject", req.Subject),
				logpkg.F("attempts", task.Attempts),
			)
			return task, true, nil
		}
		if !time.Now().Before(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(s.pollEvery):
		}
	}
}

// Heartbeat extends the caller's live lease and returns the new expiry.
func (s *Service) Heartbeat(ctx context.Context, id, subject string, extendSeconds int) (*taskstore.Lease, error) {
	lease, err := s.rt.Store().Renew(ctx, id, subject, time.Duration(extendSeconds)*time.Second, time.Time{})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("lease extended",
		logpkg.F("task_id", id),
		logpkg.F("subject", subject),
		logpkg.F("expires_at", lease.ExpiresAt),
	)
	return lease, nil
}

// Abandon returns the caller's CLAIMED task to the pending queue.
func (s *Service) Abandon(ctx context.Context, id, subject string) error {
	if err := s.rt.Store().Abandon(ctx, id, subject, time.Time{}); err != nil {
		return err
	}
	s.logger.Debug("task abandoned", logpkg.F("task_id", id), logpkg.F("subject", subject))
	return nil
}

// NackResult reports what a negative acknowledgement did to the task.
type NackResult struct {
	Failed       bool `json:"failed"`
	DelaySeconds int  `json:"delaySeconds"`
}

// Nack records a failed attempt. The task requeues after a delay, or fails
// terminally once the attempt budget is spent.
func (s *Service) Nack(ctx context.Context, id, subject string, delaySeconds int, reason string) (NackResult, error) {
	delay, failed, err := s.rt.Store().Nack(ctx, id, subject, delaySeconds, reason, time.Time{})
	if err != nil {
		return NackResult{}, err
	}
	if failed {
		s.logger.Info("task failed after final attempt",
			logpkg.F("task_id", id),
			logpkg.F("subject", subject),
			logpkg.F("reason", reason),
		)
	} else {
		s.logger.Debug("task nacked",
			logpkg.F("task_id", id),
			logpkg.F("subject", subject),
			logpkg.F("delay_seconds", delay),
		)
	}
	return NackResult{Failed: failed, DelaySeconds: delay}, nil
}

// Get returns the current task record.
func (s *Service) Get(ctx context.Context, id string) (*taskstore.Task, error) {
	return s.rt.Store().Get(ctx, id)
}

// Queues reports depth per command and state, sorted by command.
func (s *Service) Queues(ctx context.Context) ([]*taskstore.QueueStats, error) {
	commands, err := s.rt.Store().Commands(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(commands)
	out := make([]*taskstore.QueueStats, 0, len(commands))
	for _, cmd := range commands {
		st, err := s.rt.Store().Stats(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", cmd, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Cleanup deletes terminal tasks past the retention window, at most limit per
// call. Returns how many were removed.
func (s *Service) Cleanup(ctx context.Context, limit int) (int, error) {
	n, err := s.rt.Store().Cleanup(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("cleanup removed terminal tasks", logpkg.F("count", n))
	}
	return n, nil
}
