package taskstore

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/osvaldoandrade/codeq/internal/metrics"
	pebblestore "github.com/osvaldoandrade/codeq/internal/storage/pebble"
	"github.com/osvaldoandrade/codeq/pkg/log"
)

// Store errors. Callers branch on these to map outcomes to responses.
var (
	// ErrNotFound means the task id is unknown.
	ErrNotFound = errors.New("taskstore: task not found")
	// ErrConflict means the task is not in the state the operation expects,
	// including an expired lease.
	ErrConflict = errors.New("taskstore: state conflict")
	// ErrNotOwner means the caller does not hold the task's lease.
	ErrNotOwner = errors.New("taskstore: lease held by another subject")
	// ErrInvalidCommand means the command name cannot be used as a queue name.
	ErrInvalidCommand = errors.New("taskstore: invalid command")
)

// Options configures a Store.
type Options struct {
	// LeaseMin/LeaseMax bound worker-requested lease durations. Out-of-range
	// requests are clamped, never rejected.
	LeaseMin time.Duration
	LeaseMax time.Duration
	// LeaseDefault applies when a claim does not name a duration.
	LeaseDefault time.Duration
	// InspectLimit caps how many index entries one claim scans per command.
	InspectLimit int
	// MaxAttemptsDefault applies to tasks created without maxAttempts.
	MaxAttemptsDefault int
	// Retention is how long terminal tasks stay readable before Cleanup may
	// remove them.
	Retention time.Duration
	// Backoff* drive the redelivery delay after lease expiry or nack.
	BackoffPolicy      string
	BackoffBaseSeconds int
	BackoffMaxSeconds  int
	Logger             log.Logger
}

// Store is the source of truth for task records and claim exclusivity.
//
// A single mutex serializes all state transitions; each transition is one
// atomic Pebble batch, so readers never observe a half-applied move between
// indexes.
type Store struct {
	db     *pebblestore.DB
	logger log.Logger

	mu      sync.Mutex
	lastSeq uint64

	leaseMin           time.Duration
	leaseMax           time.Duration
	leaseDefault       time.Duration
	inspectLimit       int
	maxAttemptsDefault int
	retention          time.Duration
	backoffPolicy      string
	backoffBase        int
	backoffMax         int
	rng                *rand.Rand

	sweepStop chan struct{}
}

// Open initializes a Store and restores the sequence counter from metadata.
func Open(db *pebblestore.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("taskstore: db is required")
	}
	if opts.LeaseMin <= 0 {
		opts.LeaseMin = 5 * time.Second
	}
	if opts.LeaseMax < opts.LeaseMin {
		opts.LeaseMax = 5 * time.Minute
	}
	if opts.LeaseDefault < opts.LeaseMin || opts.LeaseDefault > opts.LeaseMax {
		opts.LeaseDefault = opts.LeaseMin
	}
	if opts.InspectLimit <= 0 {
		opts.InspectLimit = 128
	}
	if opts.MaxAttemptsDefault <= 0 {
		opts.MaxAttemptsDefault = 1
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	s := &Store{
		db:                 db,
		logger:             logger.With(log.Component("taskstore")),
		leaseMin:           opts.LeaseMin,
		leaseMax:           opts.LeaseMax,
		leaseDefault:       opts.LeaseDefault,
		inspectLimit:       opts.InspectLimit,
		maxAttemptsDefault: opts.MaxAttemptsDefault,
		retention:          opts.Retention,
		backoffPolicy:      opts.BackoffPolicy,
		backoffBase:        opts.BackoffBaseSeconds,
		backoffMax:         opts.BackoffMaxSeconds,
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if meta, err := db.Get(MetaSeqKey()); err == nil && len(meta) >= 8 {
		s.lastSeq = binary.BigEndian.Uint64(meta[:8])
	}
	return s, nil
}

// CreateOptions carries the optional attributes of a new task.
type CreateOptions struct {
	MaxAttempts    int
	NotBefore      time.Time
	IdempotencyKey string
	Webhook        string
	Producer       string
}

// Create persists a new PENDING task and indexes it for claiming. When an
// idempotency key is supplied and already mapped, the existing task is
// returned instead of creating a duplicate.
func (s *Store) Create(ctx context.Context, command string, payload []byte, opts CreateOptions) (*Task, error) {
	command = strings.TrimSpace(command)
	if command == "" || strings.Contains(command, "/") {
		return nil, ErrInvalidCommand
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.IdempotencyKey != "" {
		if existing, err := s.db.Get(IdemKey(opts.IdempotencyKey)); err == nil && len(existing) > 0 {
			if task, err := s.getLocked(string(existing)); err == nil {
				return task, nil
			}
			// Mapping points at a cleaned-up task; fall through and remint.
		}
	}

	now := time.Now()
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttemptsDefault
	}
	s.lastSeq++
	task := &Task{
		ID:          uuid.NewString(),
		Command:     command,
		Payload:     payload,
		State:       StatePending,
		Seq:         s.lastSeq,
		MaxAttempts: maxAttempts,
		Webhook:     opts.Webhook,
		IdemKey:     opts.IdempotencyKey,
		Producer:    opts.Producer,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if !opts.NotBefore.IsZero() && opts.NotBefore.After(now) {
		task.NotBefore = opts.NotBefore
	}

	b := s.db.NewBatch()
	defer b.Close()

	if err := s.putTask(b, task); err != nil {
		return nil, err
	}
	if task.NotBefore.IsZero() {
		if err := b.Set(PendingKey(command, task.Seq), []byte(task.ID), nil); err != nil {
			return nil, err
		}
	} else {
		if err := b.Set(DelayKey(command, uint64(task.NotBefore.UnixMilli()), task.Seq), []byte(task.ID), nil); err != nil {
			return nil, err
		}
	}
	if opts.IdempotencyKey != "" {
		if err := b.Set(IdemKey(opts.IdempotencyKey), []byte(task.ID), nil); err != nil {
			return nil, err
		}
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], s.lastSeq)
	if err := b.Set(MetaSeqKey(), meta[:], nil); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}

	metrics.TaskCreatedTotal.WithLabelValues(command).Inc()
	return task, nil
}

// Get returns the task record for id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (*Task, error) {
	data, err := s.db.Get(TaskKey(id))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeTask(data)
}

func (s *Store) putTask(b *pebble.Batch, t *Task) error {
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	return b.Set(TaskKey(t.ID), data, nil)
}

// transition applies mutate to t after checking the current state matches
// expected. It is the single gate for lifecycle moves; holding s.mu makes the
// check-and-write atomic.
func (s *Store) transition(t *Task, expected State, mutate func(*Task)) error {
	if t.State != expected {
		return ErrConflict
	}
	mutate(t)
	t.UpdatedAt = time.Now()
	return nil
}

// PendingDepth returns the number of immediately claimable tasks for command.
func (s *Store) PendingDepth(ctx context.Context, command string) (int64, error) {
	return s.countPrefix(PendingPrefix(command))
}

// Stats summarizes queue depths for one command.
func (s *Store) Stats(ctx context.Context, command string) (*QueueStats, error) {
	ready, err := s.countPrefix(PendingPrefix(command))
	if err != nil {
		return nil, err
	}
	delayed, err := s.countPrefix(DelayPrefix(command))
	if err != nil {
		return nil, err
	}
	claimed, err := s.countPrefix(ClaimedPrefix(command))
	if err != nil {
		return nil, err
	}
	failed, err := s.countPrefix(FailedPrefix(command))
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Command: command,
		Ready:   ready,
		Delayed: delayed,
		Claimed: claimed,
		Failed:  failed,
	}, nil
}

// Commands lists every command that currently has entries in any index.
func (s *Store) Commands(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	for _, prefix := range []string{prefixPending, prefixClaimed, prefixFailed, prefixDelay} {
		if err := s.collectCommands(prefix, seen); err != nil {
			return nil, err
		}
	}
	out := make([]string, 0, len(seen))
	for cmd := range seen {
		out = append(out, cmd)
	}
	return out, nil
}

func (s *Store) collectCommands(prefix string, seen map[string]struct{}) error {
	lo := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: upperBound(lo)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		rest := iter.Key()[len(prefix):]
		if i := strings.IndexByte(string(rest), '/'); i > 0 {
			seen[string(rest[:i])] = struct{}{}
		}
	}
	return nil
}

func (s *Store) countPrefix(prefix []byte) (int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	var n int64
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	return n, nil
}

// Cleanup removes terminal tasks whose retention deadline passed before the
// given instant. It returns how many tasks were deleted.
func (s *Store) Cleanup(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := RetainPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	deleted := 0
	beforeMs := before.UnixMilli()
	for ok := iter.First(); ok && deleted < limit; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+8+1 {
			continue
		}
		deadline := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if deadline > beforeMs {
			break
		}
		id := string(k[len(prefix)+8:])
		if task, err := s.getLocked(id); err == nil {
			if !task.State.Terminal() {
				// Stale entry from an earlier lifecycle; keep the task.
				_ = b.Delete(k, nil)
				continue
			}
			_ = b.Delete(TaskKey(id), nil)
			if task.IdemKey != "" {
				_ = b.Delete(IdemKey(task.IdemKey), nil)
			}
			if task.State == StateFailed {
				_ = b.Delete(FailedKey(task.Command, task.Seq), nil)
			}
		}
		_ = b.Delete(k, nil)
		deleted++
	}
	if deleted > 0 {
		if err := s.db.CommitBatch(ctx, b); err != nil {
			return 0, err
		}
	}
	return deleted, nil
}
