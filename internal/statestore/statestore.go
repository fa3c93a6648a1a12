// Package statestore projects live task/session status into Redis for
// external observers (dashboards, status APIs) to poll. It is purely a
// read-side mirror: the manager never consults Redis to make a
// dispatch decision, so a Redis outage degrades observability only, never
// correctness of the task-dispatch core.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-task-mesh/task-mesh/internal/wire"
)

const (
	taskStateTTL = 24 * time.Hour
)

// ErrNotFound is returned when a key has expired or was never written.
var ErrNotFound = errors.New("statestore: not found")

func taskKey(taskID uint32) string       { return fmt.Sprintf("task:state:%d", taskID) }
func sessionKey(sessionID uint32) string { return fmt.Sprintf("session:state:%d", sessionID) }

// TaskOutcome is the JSON projection written for each completed task
// round-trip.
type TaskOutcome struct {
	TaskID      uint32    `json:"task_id"`
	SkillID     uint32    `json:"skill_id"`
	SessionID   uint32    `json:"session_id"`
	Succeeded   bool      `json:"succeeded"`
	RoundtripMS float64   `json:"roundtrip_ms"`
	Error       string    `json:"error,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// SessionSnapshot is the JSON projection written for session status
// polls.
type SessionSnapshot struct {
	SessionID      uint32  `json:"session_id"`
	State          string  `json:"state"`
	TasksSent      uint64  `json:"tasks_sent"`
	TasksCompleted uint64  `json:"tasks_completed"`
	TasksFailed    uint64  `json:"tasks_failed"`
	SuccessRate    float64 `json:"success_rate"`
}

// Store is a Redis-backed status projection.
type Store interface {
	SetTaskOutcome(ctx context.Context, outcome TaskOutcome) error
	GetTaskOutcome(ctx context.Context, taskID uint32) (TaskOutcome, error)
	SetSessionSnapshot(ctx context.Context, snap SessionSnapshot) error
	GetSessionSnapshot(ctx context.Context, sessionID uint32) (SessionSnapshot, error)
}

type store struct {
	client *redis.Client
}

// NewStore wraps an existing Redis client.
func NewStore(client *redis.Client) Store {
	return &store{client: client}
}

// NewClient creates a Redis client tuned for low-latency status writes.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *store) SetTaskOutcome(ctx context.Context, outcome TaskOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("statestore: marshal task outcome: %w", err)
	}
	if err := s.client.Set(ctx, taskKey(outcome.TaskID), data, taskStateTTL).Err(); err != nil {
		return fmt.Errorf("statestore: set task %d: %w", outcome.TaskID, err)
	}
	return nil
}

func (s *store) GetTaskOutcome(ctx context.Context, taskID uint32) (TaskOutcome, error) {
	data, err := s.client.Get(ctx, taskKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return TaskOutcome{}, ErrNotFound
		}
		return TaskOutcome{}, fmt.Errorf("statestore: get task %d: %w", taskID, err)
	}
	var out TaskOutcome
	if err := json.Unmarshal(data, &out); err != nil {
		return TaskOutcome{}, fmt.Errorf("statestore: unmarshal task %d: %w", taskID, err)
	}
	return out, nil
}

func (s *store) SetSessionSnapshot(ctx context.Context, snap SessionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("statestore: marshal session snapshot: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(snap.SessionID), data, taskStateTTL).Err(); err != nil {
		return fmt.Errorf("statestore: set session %d: %w", snap.SessionID, err)
	}
	return nil
}

func (s *store) GetSessionSnapshot(ctx context.Context, sessionID uint32) (SessionSnapshot, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return SessionSnapshot{}, ErrNotFound
		}
		return SessionSnapshot{}, fmt.Errorf("statestore: get session %d: %w", sessionID, err)
	}
	var out SessionSnapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return SessionSnapshot{}, fmt.Errorf("statestore: unmarshal session %d: %w", sessionID, err)
	}
	return out, nil
}

// Observer adapts a Store to session.OutcomeObserver, projecting every
// task round-trip into Redis on a best-effort basis.
type Observer struct {
	store  Store
	logger logger
}

type logger interface {
	Error(msg string, args ...any)
}

// NewObserver constructs an Observer. l may be any type satisfying
// Error(msg string, args ...any); *slog.Logger does.
func NewObserver(s Store, l logger) *Observer {
	return &Observer{store: s, logger: l}
}

// ObserveOutcome implements session.OutcomeObserver.
func (o *Observer) ObserveOutcome(ctx context.Context, sessionID uint32, task wire.Task, succeeded bool, roundtrip time.Duration, err error) {
	outcome := TaskOutcome{
		TaskID:      task.TaskID,
		SkillID:     task.SkillID,
		SessionID:   sessionID,
		Succeeded:   succeeded,
		RoundtripMS: float64(roundtrip.Microseconds()) / 1000.0,
		ObservedAt:  time.Now(),
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	if setErr := o.store.SetTaskOutcome(ctx, outcome); setErr != nil && o.logger != nil {
		o.logger.Error("statestore: failed to project task outcome", "task_id", task.TaskID, "error", setErr.Error())
	}
}
