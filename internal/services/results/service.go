// Package results records and serves terminal task outcomes.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/osvaldoandrade/codeq/internal/runtime"
	"github.com/osvaldoandrade/codeq/internal/taskstore"
	logpkg "github.com/osvaldoandrade/codeq/pkg/log"
)

// ErrInvalidStatus rejects submissions whose status is not terminal.
var ErrInvalidStatus = errors.New("results: status must be COMPLETED or FAILED")

// Service validates and persists worker-submitted results.
type Service struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
}

// New creates a results service.
func New(rt *runtime.Runtime) *Service {
	return &Service{rt: rt, logger: rt.Logger().With(logpkg.F("component", "results"))}
}

// SubmitRequest carries one terminal outcome.
type SubmitRequest struct {
	Status string          `json:"status"` // COMPLETED | FAILED
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Submit records subject's outcome for the task it holds a live lease on.
// Resubmission by the same subject after success returns the stored record.
func (s *Service) Submit(ctx context.Context, id, subject string, req SubmitRequest) (*taskstore.Task, error) {
	var state taskstore.State
	switch req.Status {
	case string(taskstore.StateCompleted):
		state = taskstore.StateCompleted
	case string(taskstore.StateFailed):
		state = taskstore.StateFailed
	default:
		return nil, fmt.Errorf("%w: got %q", ErrInvalidStatus, req.Status)
	}

	task, err := s.rt.Store().Complete(ctx, id, subject, state, req.Result, req.Error, time.Time{})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("result recorded",
		logpkg.F("task_id", id),
		logpkg.F("subject", subject),
		logpkg.F("status", req.Status),
	)
	return task, nil
}

// View is the producer-facing result payload.
type View struct {
	TaskID      string          `json:"taskId"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedBy string          `json:"completedBy,omitempty"`
	Terminal    bool            `json:"-"`
}

// Get returns the task's result view. Terminal is false while the task is
// still in flight, letting the caller answer 202 instead of 200.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	task, err := s.rt.Store().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &View{
		TaskID:   task.ID,
		Status:   string(task.State),
		Terminal: task.State.Terminal(),
	}
	if v.Terminal {
		v.Result = task.Result
		v.Error = task.Error
		v.CompletedBy = task.CompletedBy
	}
	return v, nil
}
