// Package scheduler periodically injects synthetic load into the task
// pool on a cron schedule, with Redis-backed leader election so only one
// manager instance in a fleet fires the schedule at a time.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/go-task-mesh/task-mesh/internal/generator"
	"github.com/go-task-mesh/task-mesh/internal/telemetry"
	"github.com/go-task-mesh/task-mesh/internal/wire"
)

const (
	leaderKey = "scheduler:leader"
	leaderTTL = 30 * time.Second
)

// Sink accepts generated tasks. *pool.Pool satisfies this via AddTasks.
type Sink interface {
	AddTasks(tasks []wire.Task)
}

// Scheduler fires a cron-scheduled batch of synthetic tasks into a sink,
// using Redis SETNX plus a Lua CAS-renew script for leader election
// across a fleet of manager instances.
type Scheduler struct {
	cron       *cron.Cron
	generator  *generator.Generator
	sink       Sink
	redis      *redis.Client
	instanceID string
	batchSize  uint32
	logger     *slog.Logger
}

// NewScheduler constructs a Scheduler. redisClient may be nil, in which
// case leader election is skipped and every instance fires the schedule
// (appropriate for single-instance deployments).
func NewScheduler(gen *generator.Generator, sink Sink, redisClient *redis.Client, instanceID string, batchSize uint32, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		generator:  gen,
		sink:       sink,
		redis:      redisClient,
		instanceID: instanceID,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Schedule registers spec (standard five-field cron syntax) to fire
// synthetic load injection. Call before Start.
func (s *Scheduler) Schedule(spec string) error {
	_, err := s.cron.AddFunc(spec, func() { s.tick(context.Background()) })
	return err
}

// Start launches the cron scheduler's own goroutine. Stop blocks until it
// drains in-flight jobs.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop drains in-flight cron jobs and returns once they've finished.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.redis != nil && !s.acquireOrRenewLeadership(ctx) {
		return
	}

	tasks := s.generator.MakeTasks(s.batchSize)
	if len(tasks) == 0 {
		return
	}
	s.sink.AddTasks(tasks)
	telemetry.SchedulerBatchesInjected.Inc()
	s.logger.Info("scheduler: injected synthetic batch", slog.Int("count", len(tasks)))
}

// acquireOrRenewLeadership mirrors the teacher's SETNX + Lua CAS-renew
// pattern: first instance to SETNX becomes leader; the current leader
// renews its own TTL via a script that only succeeds if it still owns
// the key, avoiding a race with a concurrently expiring lease.
func (s *Scheduler) acquireOrRenewLeadership(ctx context.Context) bool {
	ok, err := s.redis.SetNX(ctx, leaderKey, s.instanceID, leaderTTL).Result()
	if err != nil {
		s.logger.Error("scheduler: leader election failed", slog.String("error", err.Error()))
		return false
	}
	if ok {
		return true
	}

	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(ctx, s.redis, []string{leaderKey}, s.instanceID, leaderTTL.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Error("scheduler: leader renewal failed", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}
