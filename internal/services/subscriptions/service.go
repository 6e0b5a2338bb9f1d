// Package subscriptions keeps a TTL-bounded registry of worker webhooks and
// notifies them when a command's queue becomes non-empty.
package subscriptions

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/osvaldoandrade/codeq/internal/runtime"
	pebblestore "github.com/osvaldoandrade/codeq/internal/storage/pebble"
	logpkg "github.com/osvaldoandrade/codeq/pkg/log"
)

var (
	// ErrNotFound marks an unknown or expired subscription id.
	ErrNotFound = errors.New("subscriptions: not found")
	// ErrNotOwner marks a heartbeat from a subject other than the registrant.
	ErrNotOwner = errors.New("subscriptions: not owner")
	// ErrInvalid marks a registration with a missing command or URL.
	ErrInvalid = errors.New("subscriptions: command and url are required")
)

// Subscription is one worker webhook registration.
type Subscription struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	URL       string    `json:"url"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func subKey(id string) []byte { return []byte("sub/" + id) }

func subIdxKey(expMs uint64, id string) []byte {
	k := make([]byte, 0, 5+8+len(id))
	k = append(k, []byte("subx/")...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], expMs)
	k = append(k, b[:]...)
	return append(k, id...)
}

// Service is the webhook registry. It implements the scheduler's Notifier.
type Service struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
	client *http.Client
	ttl    time.Duration
}

// New creates a subscriptions service.
func New(rt *runtime.Runtime) *Service {
	ttl := time.Duration(rt.Config().Subs.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		rt:     rt,
		logger: rt.Logger().With(logpkg.F("component", "subscriptions")),
		client: &http.Client{Timeout: 5 * time.Second},
		ttl:    ttl,
	}
}

// Register stores a webhook for command. ttlSeconds <= 0 takes the configured
// default; the registration lapses unless heartbeated.
func (s *Service) Register(ctx context.Context, subject, command, url string, ttlSeconds int) (*Subscription, error) {
	if command == "" || url == "" {
		return nil, ErrInvalid
	}
	ttl := s.ttl
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	now := time.Now()
	sub := &Subscription{
		ID:        uuid.NewString(),
		Command:   command,
		URL:       url,
		Subject:   subject,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.put(ctx, sub, 0); err != nil {
		return nil, err
	}
	s.logger.Info("subscription registered",
		logpkg.F("sub_id", sub.ID),
		logpkg.F("command", command),
		logpkg.F("subject", subject),
	)
	return sub, nil
}

// Heartbeat extends a live subscription's TTL.
func (s *Service) Heartbeat(ctx context.Context, id, subject string, ttlSeconds int) (*Subscription, error) {
	sub, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if sub.Subject != subject {
		return nil, ErrNotOwner
	}
	now := time.Now()
	if now.After(sub.ExpiresAt) {
		return nil, ErrNotFound
	}
	ttl := s.ttl
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	oldExp := sub.ExpiresAt
	sub.ExpiresAt = now.Add(ttl)
	if err := s.put(ctx, sub, uint64(oldExp.UnixMilli())); err != nil {
		return nil, err
	}
	return sub, nil
}

// QueueReady POSTs {"command": ...} to every live subscription for command.
// Failures are logged and dropped; delivery is best-effort. Expired
// registrations found during the scan are removed.
func (s *Service) QueueReady(command string) {
	ctx := context.Background()
	subs, err := s.liveForCommand(ctx, command)
	if err != nil {
		s.logger.Warn("subscription scan failed", logpkg.Err(err))
		return
	}
	if len(subs) == 0 {
		return
	}
	body, _ := json.Marshal(map[string]string{"command": command})
	// Each webhook gets its own goroutine so one slow subscriber never
	// stalls the enqueue path that triggered the notification.
	for _, sub := range subs {
		go s.notify(ctx, sub, body)
	}
}

func (s *Service) notify(ctx context.Context, sub *Subscription, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("webhook notify failed",
			logpkg.F("sub_id", sub.ID),
			logpkg.F("url", sub.URL),
			logpkg.Err(err),
		)
		return
	}
	_ = resp.Body.Close()
}

func (s *Service) get(id string) (*Subscription, error) {
	v, err := s.rt.DB().Get(subKey(id))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var sub Subscription
	if err := json.Unmarshal(v, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// put writes the record and its expiry index entry; oldExpMs > 0 drops the
// superseded index entry in the same batch.
func (s *Service) put(ctx context.Context, sub *Subscription, oldExpMs uint64) error {
	v, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	db := s.rt.DB()
	b := db.NewBatch()
	defer b.Close()
	if oldExpMs > 0 {
		_ = b.Delete(subIdxKey(oldExpMs, sub.ID), nil)
	}
	if err := b.Set(subKey(sub.ID), v, nil); err != nil {
		return err
	}
	if err := b.Set(subIdxKey(uint64(sub.ExpiresAt.UnixMilli()), sub.ID), nil, nil); err != nil {
		return err
	}
	return db.CommitBatch(ctx, b)
}

// liveForCommand scans the registry, evicting lapsed entries as it goes.
func (s *Service) liveForCommand(ctx context.Context, command string) ([]*Subscription, error) {
	db := s.rt.DB()
	prefix := []byte("sub/")
	hi := append(append([]byte{}, prefix...), 0xFF)
	it, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	now := time.Now()
	b := db.NewBatch()
	defer b.Close()
	evicted := 0

	var out []*Subscription
	for ok := it.First(); ok; ok = it.Next() {
		var sub Subscription
		if err := json.Unmarshal(it.Value(), &sub); err != nil {
			continue
		}
		if now.After(sub.ExpiresAt) {
			_ = b.Delete(append([]byte{}, it.Key()...), nil)
			_ = b.Delete(subIdxKey(uint64(sub.ExpiresAt.UnixMilli()), sub.ID), nil)
			evicted++
			continue
		}
		if sub.Command == command {
			out = append(out, &sub)
		}
	}
	if evicted > 0 {
		if err := db.CommitBatch(ctx, b); err != nil {
			return out, err
		}
		s.logger.Debug("evicted expired subscriptions", logpkg.Int("count", evicted))
	}
	return out, nil
}
