package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-task-mesh/task-mesh/internal/generator"
	"github.com/go-task-mesh/task-mesh/internal/wire"
)

type fakeSink struct {
	mu    sync.Mutex
	added [][]wire.Task
}

func (f *fakeSink) AddTasks(tasks []wire.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, tasks)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickWithoutRedisAlwaysFires(t *testing.T) {
	sink := &fakeSink{}
	s := NewScheduler(generator.New(), sink, nil, "instance-a", 3, discardLogger())

	s.tick(context.Background())

	require.Equal(t, 1, sink.count())
	assert.Len(t, sink.added[0], 3)
}

func TestScheduleRejectsInvalidCronSpec(t *testing.T) {
	s := NewScheduler(generator.New(), &fakeSink{}, nil, "instance-a", 1, discardLogger())
	err := s.Schedule("not a cron spec")
	assert.Error(t, err)
}

func TestScheduleAcceptsStandardSpec(t *testing.T) {
	s := NewScheduler(generator.New(), &fakeSink{}, nil, "instance-a", 1, discardLogger())
	err := s.Schedule("*/5 * * * *")
	assert.NoError(t, err)
}

func TestStopWithNoScheduledJobsReturnsPromptly(t *testing.T) {
	s := NewScheduler(generator.New(), &fakeSink{}, nil, "instance-a", 1, discardLogger())
	s.Start()
	s.Stop()
}
