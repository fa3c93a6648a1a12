package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-task-mesh/task-mesh/internal/wire"
)

type fakeRepo struct {
	recorded []*Execution
	failWith error
}

func (f *fakeRepo) RecordExecution(_ context.Context, exec *Execution) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.recorded = append(f.recorded, exec)
	return nil
}

func (f *fakeRepo) ListRecentByTask(_ context.Context, taskID uint32, limit int) ([]*Execution, error) {
	var out []*Execution
	for _, e := range f.recorded {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeLogger struct{ errors []string }

func (l *fakeLogger) Error(msg string, args ...any) { l.errors = append(l.errors, msg) }

func TestObserverRecordsSuccessfulExecution(t *testing.T) {
	repo := &fakeRepo{}
	obs := NewObserver(repo, nil)

	obs.ObserveOutcome(context.Background(), 1, wire.Task{TaskID: 3, SkillID: 2}, true, 5*time.Millisecond, nil)

	require.Len(t, repo.recorded, 1)
	assert.True(t, repo.recorded[0].Succeeded)
	assert.Equal(t, uint32(3), repo.recorded[0].TaskID)
	assert.Empty(t, repo.recorded[0].Error)
}

func TestObserverRecordsFailureWithErrorText(t *testing.T) {
	repo := &fakeRepo{}
	obs := NewObserver(repo, nil)

	obs.ObserveOutcome(context.Background(), 1, wire.Task{TaskID: 4, SkillID: 2}, false, 0, errors.New("worker disconnected"))

	require.Len(t, repo.recorded, 1)
	assert.Equal(t, "worker disconnected", repo.recorded[0].Error)
}

func TestObserverLogsWhenRepositoryFails(t *testing.T) {
	repo := &fakeRepo{failWith: errors.New("db unavailable")}
	lg := &fakeLogger{}
	obs := NewObserver(repo, lg)

	obs.ObserveOutcome(context.Background(), 1, wire.Task{TaskID: 1, SkillID: 1}, true, time.Millisecond, nil)

	require.Len(t, lg.errors, 1)
}

func TestListRecentByTaskFiltersAndLimits(t *testing.T) {
	repo := &fakeRepo{}
	obs := NewObserver(repo, nil)
	for i := 0; i < 3; i++ {
		obs.ObserveOutcome(context.Background(), 1, wire.Task{TaskID: 9, SkillID: 1}, true, time.Millisecond, nil)
	}
	obs.ObserveOutcome(context.Background(), 1, wire.Task{TaskID: 10, SkillID: 1}, true, time.Millisecond, nil)

	got, err := repo.ListRecentByTask(context.Background(), 9, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
