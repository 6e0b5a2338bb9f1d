package taskstore

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a task. Transitions only move forward:
// PENDING -> CLAIMED -> {COMPLETED | FAILED}.
type State string

const (
	StatePending   State = "PENDING"
	StateClaimed   State = "CLAIMED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Lease is the exclusive, time-bounded grant attached to a CLAIMED task.
// Epoch increments on every grant or renewal so a stale expiry-index entry
// can be told apart from the live lease.
type Lease struct {
	Subject   string    `json:"subject"`
	Epoch     uint64    `json:"epoch"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lease is void at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	if l == nil {
		return true
	}
	return now.After(l.ExpiresAt)
}

// Task is the persisted task record.
type Task struct {
	ID          string          `json:"id"`
	Command     string          `json:"command"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	State       State           `json:"state"`
	Seq         uint64          `json:"seq"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	NotBefore   time.Time       `json:"notBefore,omitempty"`
	// LeaseEpoch is the monotonic grant counter; it survives lease clears so
	// stale expiry-index entries can never match a newer lease.
	LeaseEpoch uint64 `json:"leaseEpoch,omitempty"`
	Lease      *Lease `json:"lease,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedBy string          `json:"completedBy,omitempty"`
	Error       string          `json:"error,omitempty"`
	Webhook     string          `json:"webhook,omitempty"`
	IdemKey     string          `json:"idemKey,omitempty"`
	Producer    string          `json:"producer,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func encodeTask(t *Task) ([]byte, error) {
	return json.Marshal(t)
}

func decodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// QueueStats summarizes one command's queue depths.
type QueueStats struct {
	Command string `json:"command"`
	Ready   int64  `json:"ready"`
	Delayed int64  `json:"delayed"`
	Claimed int64  `json:"claimed"`
	Failed  int64  `json:"failed"`
}
