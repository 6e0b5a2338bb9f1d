package taskstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/osvaldoandrade/codeq/internal/backoff"
	"github.com/osvaldoandrade/codeq/internal/metrics"
	"github.com/osvaldoandrade/codeq/pkg/log"
)

// clampLease bounds a requested lease duration to the configured window.
// Zero or negative requests take the default.
func (s *Store) clampLease(requested time.Duration) time.Duration {
	if requested <= 0 {
		return s.leaseDefault
	}
	if requested < s.leaseMin {
		return s.leaseMin
	}
	if requested > s.leaseMax {
		return s.leaseMax
	}
	return requested
}

// ClaimOne grants subject a lease on the oldest eligible task whose command
// is in commands. Expired leases are reclaimed and due delayed tasks promoted
// before selection, so expiry needs no background process. Returns ok=false
// when no task is available. A zero now means time.Now().
func (s *Store) ClaimOne(ctx context.Context, subject string, commands []string, requested time.Duration, now time.Time) (*Task, bool, error) {
	leaseDur := s.clampLease(requested)

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = time.Now()
	}
	if _, err := s.reclaimExpiredLocked(ctx, now, s.inspectLimit); err != nil {
		return nil, false, err
	}
	for _, cmd := range commands {
		if err := s.promoteDueLocked(ctx, cmd, now, s.inspectLimit); err != nil {
			return nil, false, err
		}
		task, ok, err := s.claimPendingLocked(ctx, cmd, subject, leaseDur, now)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return task, true, nil
		}
	}
	return nil, false, nil
}

// claimPendingLocked scans one command's pending index oldest-first and
// claims the first intact entry. Broken index entries are dropped as they
// are encountered.
func (s *Store) claimPendingLocked(ctx context.Context, command, subject string, leaseDur time.Duration, now time.Time) (*Task, bool, error) {
	prefix := PendingPrefix(command)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	dirty := false

	inspected := 0
	for ok := iter.First(); ok && inspected < s.inspectLimit; ok = iter.Next() {
		inspected++
		key := append([]byte{}, iter.Key()...)
		id := string(iter.Value())

		task, gerr := s.getLocked(id)
		if gerr != nil || task.State != StatePending {
			// Orphaned or already-moved entry; drop it and keep scanning.
			_ = b.Delete(key, nil)
			dirty = true
			continue
		}

		expiresAt := now.Add(leaseDur)
		err := s.transition(task, StatePending, func(t *Task) {
			t.State = StateClaimed
			t.Attempts++
			t.LeaseEpoch++
			t.Lease = &Lease{
				Subject:   subject,
				Epoch:     t.LeaseEpoch,
				IssuedAt:  now,
				ExpiresAt: expiresAt,
			}
		})
		if err != nil {
			return nil, false, err
		}

		_ = b.Delete(key, nil)
		if err := b.Set(ClaimedKey(command, task.Seq), []byte(id), nil); err != nil {
			return nil, false, err
		}
		var epochBuf [8]byte
		binary.BigEndian.PutUint64(epochBuf[:], task.LeaseEpoch)
		if err := b.Set(LeaseIdxKey(uint64(expiresAt.UnixMilli()), id), epochBuf[:], nil); err != nil {
			return nil, false, err
		}
		if err := s.putTask(b, task); err != nil {
			return nil, false, err
		}
		if err := s.db.CommitBatch(ctx, b); err != nil {
			return nil, false, err
		}
		metrics.TaskClaimedTotal.WithLabelValues(command).Inc()
		return task, true, nil
	}

	if dirty {
		if err := s.db.CommitBatch(ctx, b); err != nil {
			return nil, false, err
		}
	}
	return nil, false, nil
}

// reclaimExpiredLocked walks the lease expiry index and requeues or fails
// tasks whose lease lapsed. An index entry whose epoch no longer matches the
// task's lease was superseded by a renewal and is dropped without touching
// the task.
func (s *Store) reclaimExpiredLocked(ctx context.Context, now time.Time, max int) (int, error) {
	prefix := LeaseIdxPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	dirty := false
	nowMs := now.UnixMilli()

	reclaimed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+8+1 {
			continue
		}
		exp := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if exp > nowMs {
			break
		}
		key := append([]byte{}, k...)
		id := string(k[len(prefix)+8:])
		var epoch uint64
		if v := iter.Value(); len(v) >= 8 {
			epoch = binary.BigEndian.Uint64(v[:8])
		}

		task, gerr := s.getLocked(id)
		if gerr != nil || task.Lease == nil || task.Lease.Epoch != epoch || task.State != StateClaimed {
			_ = b.Delete(key, nil)
			dirty = true
			continue
		}

		_ = b.Delete(key, nil)
		_ = b.Delete(ClaimedKey(task.Command, task.Seq), nil)
		metrics.LeaseExpiredTotal.WithLabelValues(task.Command).Inc()

		if task.Attempts >= task.MaxAttempts {
			terr := s.transition(task, StateClaimed, func(t *Task) {
				t.State = StateFailed
				t.Lease = nil
				t.Error = "lease expired after final attempt"
			})
			if terr != nil {
				return reclaimed, terr
			}
			if err := b.Set(FailedKey(task.Command, task.Seq), []byte(id), nil); err != nil {
				return reclaimed, err
			}
			if err := b.Set(RetainKey(uint64(now.Add(s.retention).UnixMilli()), id), nil, nil); err != nil {
				return reclaimed, err
			}
			s.observeTerminal(task, now)
		} else {
			delay := backoff.Compute(s.backoffPolicy, s.backoffBase, s.backoffMax, task.Attempts, s.rng)
			terr := s.transition(task, StateClaimed, func(t *Task) {
				t.State = StatePending
				t.Lease = nil
				t.NotBefore = now.Add(time.Duration(delay) * time.Second)
			})
			if terr != nil {
				return reclaimed, terr
			}
			if delay <= 0 {
				if err := b.Set(PendingKey(task.Command, task.Seq), []byte(id), nil); err != nil {
					return reclaimed, err
				}
			} else {
				if err := b.Set(DelayKey(task.Command, uint64(task.NotBefore.UnixMilli()), task.Seq), []byte(id), nil); err != nil {
					return reclaimed, err
				}
			}
		}
		if err := s.putTask(b, task); err != nil {
			return reclaimed, err
		}
		dirty = true
		reclaimed++
		if max > 0 && reclaimed >= max {
			break
		}
	}

	if dirty {
		if err := s.db.CommitBatch(ctx, b); err != nil {
			return reclaimed, err
		}
	}
	return reclaimed, nil
}

// promoteDueLocked moves due entries from the delay index into the pending
// index, preserving creation order via the original sequence.
func (s *Store) promoteDueLocked(ctx context.Context, command string, now time.Time, max int) error {
	prefix := DelayPrefix(command)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	promoted := 0
	nowMs := now.UnixMilli()
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+16 {
			continue
		}
		fire := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if fire > nowMs {
			break
		}
		seq := binary.BigEndian.Uint64(k[len(prefix)+8 : len(prefix)+16])
		id := append([]byte{}, iter.Value()...)
		if err := b.Delete(append([]byte{}, k...), nil); err != nil {
			return err
		}
		if err := b.Set(PendingKey(command, seq), id, nil); err != nil {
			return err
		}
		promoted++
		if max > 0 && promoted >= max {
			break
		}
	}
	if promoted > 0 {
		return s.db.CommitBatch(ctx, b)
	}
	return nil
}

// Renew extends subject's live lease on a task. The extension is clamped the
// same way claims are. A void lease is never extended.
func (s *Store) Renew(ctx context.Context, id, subject string, extend time.Duration, now time.Time) (*Lease, error) {
	dur := s.clampLease(extend)

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = time.Now()
	}
	task, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if task.State != StateClaimed {
		return nil, ErrConflict
	}
	if task.Lease == nil || task.Lease.Subject != subject {
		return nil, ErrNotOwner
	}
	if task.Lease.Expired(now) {
		return nil, ErrConflict
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(LeaseIdxKey(uint64(task.Lease.ExpiresAt.UnixMilli()), id), nil)

	expiresAt := now.Add(dur)
	terr := s.transition(task, StateClaimed, func(t *Task) {
		t.LeaseEpoch++
		t.Lease.Epoch = t.LeaseEpoch
		t.Lease.ExpiresAt = expiresAt
	})
	if terr != nil {
		return nil, terr
	}

	var epochBuf [8]byte
	binary.BigEndian.PutUint64(epochBuf[:], task.LeaseEpoch)
	if err := b.Set(LeaseIdxKey(uint64(expiresAt.UnixMilli()), id), epochBuf[:], nil); err != nil {
		return nil, err
	}
	if err := s.putTask(b, task); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	leaseCopy := *task.Lease
	return &leaseCopy, nil
}

// Abandon releases subject's live lease and returns the task to its
// creation-order position in the pending queue.
func (s *Store) Abandon(ctx context.Context, id, subject string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = time.Now()
	}
	task, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if task.State != StateClaimed {
		return ErrConflict
	}
	if task.Lease == nil || task.Lease.Subject != subject {
		return ErrNotOwner
	}
	if task.Lease.Expired(now) {
		return ErrConflict
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(LeaseIdxKey(uint64(task.Lease.ExpiresAt.UnixMilli()), id), nil)
	_ = b.Delete(ClaimedKey(task.Command, task.Seq), nil)

	terr := s.transition(task, StateClaimed, func(t *Task) {
		t.State = StatePending
		t.Lease = nil
	})
	if terr != nil {
		return terr
	}
	if err := b.Set(PendingKey(task.Command, task.Seq), []byte(id), nil); err != nil {
		return err
	}
	if err := s.putTask(b, task); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// Nack reports a failed attempt. If the attempt budget is exhausted the task
// fails terminally; otherwise it is redelivered after delaySeconds, or after
// the configured backoff when delaySeconds is negative. Returns the applied
// delay and whether the task went terminal.
func (s *Store) Nack(ctx context.Context, id, subject string, delaySeconds int, reason string, now time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = time.Now()
	}
	task, err := s.getLocked(id)
	if err != nil {
		return 0, false, err
	}
	if task.State != StateClaimed {
		return 0, false, ErrConflict
	}
	if task.Lease == nil || task.Lease.Subject != subject {
		return 0, false, ErrNotOwner
	}
	if task.Lease.Expired(now) {
		return 0, false, ErrConflict
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(LeaseIdxKey(uint64(task.Lease.ExpiresAt.UnixMilli()), id), nil)
	_ = b.Delete(ClaimedKey(task.Command, task.Seq), nil)

	if task.Attempts >= task.MaxAttempts {
		if reason == "" {
			reason = "attempt budget exhausted"
		}
		terr := s.transition(task, StateClaimed, func(t *Task) {
			t.State = StateFailed
			t.Lease = nil
			t.Error = reason
		})
		if terr != nil {
			return 0, false, terr
		}
		if err := b.Set(FailedKey(task.Command, task.Seq), []byte(id), nil); err != nil {
			return 0, false, err
		}
		if err := b.Set(RetainKey(uint64(now.Add(s.retention).UnixMilli()), id), nil, nil); err != nil {
			return 0, false, err
		}
		if err := s.putTask(b, task); err != nil {
			return 0, false, err
		}
		if err := s.db.CommitBatch(ctx, b); err != nil {
			return 0, false, err
		}
		s.observeTerminal(task, now)
		return 0, true, nil
	}

	if delaySeconds < 0 {
		delaySeconds = backoff.Compute(s.backoffPolicy, s.backoffBase, s.backoffMax, task.Attempts, s.rng)
	}
	if delaySeconds > s.backoffMax && s.backoffMax > 0 {
		delaySeconds = s.backoffMax
	}
	terr := s.transition(task, StateClaimed, func(t *Task) {
		t.State = StatePending
		t.Lease = nil
		t.Error = ""
		t.NotBefore = now.Add(time.Duration(delaySeconds) * time.Second)
	})
	if terr != nil {
		return 0, false, terr
	}
	if delaySeconds <= 0 {
		if err := b.Set(PendingKey(task.Command, task.Seq), []byte(id), nil); err != nil {
			return 0, false, err
		}
	} else {
		if err := b.Set(DelayKey(task.Command, uint64(task.NotBefore.UnixMilli()), task.Seq), []byte(id), nil); err != nil {
			return 0, false, err
		}
	}
	if err := s.putTask(b, task); err != nil {
		return 0, false, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, false, err
	}
	return delaySeconds, false, nil
}

// Complete records subject's terminal result for a task it holds a live
// lease on. errMsg is kept only for FAILED submissions. Re-submitting after a
// successful completion by the same subject returns the stored record
// unchanged, so client retries are safe.
func (s *Store) Complete(ctx context.Context, id, subject string, state State, result json.RawMessage, errMsg string, now time.Time) (*Task, error) {
	if !state.Terminal() {
		return nil, ErrConflict
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = time.Now()
	}
	task, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if task.State.Terminal() {
		if subject != "" && task.CompletedBy == subject {
			return task, nil
		}
		return nil, ErrConflict
	}
	if task.State != StateClaimed {
		return nil, ErrConflict
	}
	if task.Lease == nil || task.Lease.Subject != subject {
		return nil, ErrNotOwner
	}
	if task.Lease.Expired(now) {
		// Void lease: the submission loses and the task stays reclaimable.
		return nil, ErrConflict
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(LeaseIdxKey(uint64(task.Lease.ExpiresAt.UnixMilli()), id), nil)
	_ = b.Delete(ClaimedKey(task.Command, task.Seq), nil)

	terr := s.transition(task, StateClaimed, func(t *Task) {
		t.State = state
		t.Result = result
		t.CompletedBy = subject
		t.Lease = nil
		if state == StateFailed {
			t.Error = errMsg
		}
	})
	if terr != nil {
		return nil, terr
	}
	if state == StateFailed {
		if err := b.Set(FailedKey(task.Command, task.Seq), []byte(id), nil); err != nil {
			return nil, err
		}
	}
	if err := b.Set(RetainKey(uint64(now.Add(s.retention).UnixMilli()), id), nil, nil); err != nil {
		return nil, err
	}
	if err := s.putTask(b, task); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	s.observeTerminal(task, now)
	return task, nil
}

func (s *Store) observeTerminal(t *Task, now time.Time) {
	metrics.TaskCompletedTotal.WithLabelValues(t.Command, string(t.State)).Inc()
	if d := now.Sub(t.CreatedAt).Seconds(); d >= 0 {
		metrics.TaskProcessingSeconds.WithLabelValues(t.Command, string(t.State)).Observe(d)
	}
}

// StartSweeper runs a background loop that reclaims expired leases. Expiry is
// already enforced lazily on every claim; the sweeper only keeps queue depth
// metrics honest between claims.
func (s *Store) StartSweeper(interval time.Duration, maxPerTick int) {
	if s.sweepStop != nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if maxPerTick <= 0 {
		maxPerTick = 1024
	}
	s.sweepStop = make(chan struct{})
	go func() {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			select {
			case <-s.sweepStop:
				return
			case <-time.After(interval + time.Duration(rng.Int63n(int64(interval/10+1)))):
				s.mu.Lock()
				n, err := s.reclaimExpiredLocked(context.Background(), time.Now(), maxPerTick)
				s.mu.Unlock()
				if err != nil {
					s.logger.Warn("sweeper reclaim failed", log.Err(err))
				} else if n > 0 {
					s.logger.Debug("sweeper reclaimed leases", log.Int("count", n))
				}
			}
		}
	}()
}

// StopSweeper stops the background sweeper.
func (s *Store) StopSweeper() {
	if s.sweepStop != nil {
		close(s.sweepStop)
		s.sweepStop = nil
	}
}
