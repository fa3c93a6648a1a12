// Package audit persists a durable execution trail for completed task
// round-trips to Postgres. Like statestore, it is observational: the
// audit log records history for later inspection, but the manager never
// reads it back to make a dispatch decision.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/go-task-mesh/task-mesh/internal/wire"
)

// Execution is one row of the task_executions audit table.
type Execution struct {
	ID         string
	TaskID     uint32
	SkillID    uint32
	SessionID  uint32
	Succeeded  bool
	DurationMs int64
	Error      string
	ExecutedAt time.Time
}

// Repository abstracts audit persistence.
type Repository interface {
	RecordExecution(ctx context.Context, exec *Execution) error
	ListRecentByTask(ctx context.Context, taskID uint32, limit int) ([]*Execution, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the Repository interface.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return pool, nil
}

func (r *repository) RecordExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_executions
			(id, task_id, skill_id, session_id, succeeded, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		exec.ID, exec.TaskID, exec.SkillID, exec.SessionID,
		exec.Succeeded, exec.DurationMs, exec.Error, exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: record execution for task %d: %w", exec.TaskID, err)
	}
	return nil
}

func (r *repository) ListRecentByTask(ctx context.Context, taskID uint32, limit int) ([]*Execution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, skill_id, session_id, succeeded, duration_ms, error, executed_at
		FROM task_executions
		WHERE task_id = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list executions for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.TaskID, &e.SkillID, &e.SessionID, &e.Succeeded, &e.DurationMs, &e.Error, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("audit: scan execution: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

type logger interface {
	Error(msg string, args ...any)
}

// Observer adapts a Repository to session.OutcomeObserver, recording
// every task round-trip as a durable audit row on a best-effort basis.
type Observer struct {
	repo   Repository
	logger logger
}

// NewObserver constructs an Observer. l may be nil.
func NewObserver(repo Repository, l logger) *Observer {
	return &Observer{repo: repo, logger: l}
}

// ObserveOutcome implements session.OutcomeObserver.
func (o *Observer) ObserveOutcome(ctx context.Context, sessionID uint32, task wire.Task, succeeded bool, roundtrip time.Duration, err error) {
	exec := &Execution{
		TaskID:     task.TaskID,
		SkillID:    task.SkillID,
		SessionID:  sessionID,
		Succeeded:  succeeded,
		DurationMs: roundtrip.Milliseconds(),
	}
	if err != nil {
		exec.Error = err.Error()
	}
	if recErr := o.repo.RecordExecution(ctx, exec); recErr != nil && o.logger != nil {
		o.logger.Error("audit: failed to record execution", "task_id", task.TaskID, "error", recErr.Error())
	}
}
