// Package ingest bridges a durable Kafka topic of externally submitted
// task requests into the in-memory task pool. It is purely observational
// with respect to the pool's own state: a bridge crash or Kafka outage
// never corrupts or requires replaying pool state, since the pool itself
// persists nothing and tasks already admitted survive independently of
// ingest.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/go-task-mesh/task-mesh/internal/kafka"
	"github.com/go-task-mesh/task-mesh/internal/telemetry"
	"github.com/go-task-mesh/task-mesh/internal/wire"
)

const topicDLQ = "tasks.dlq"

// TaskRequest is the JSON envelope carried on the intake topic.
type TaskRequest struct {
	TaskID  uint32 `json:"task_id"`
	SkillID uint32 `json:"skill_id"`
	Payload []byte `json:"payload"`
}

// Sink accepts tasks admitted from Kafka. *pool.Pool satisfies this
// directly via AddTask.
type Sink interface {
	AddTask(t wire.Task)
}

// KafkaBridge consumes from an intake topic and admits each well-formed
// request into a Sink, routing malformed or skill-less requests to a
// dead-letter topic instead of dropping them silently.
type KafkaBridge struct {
	consumer kafka.Consumer
	producer kafka.Producer
	sink     Sink
	logger   *slog.Logger
}

// NewKafkaBridge constructs a bridge. producer may be nil, in which case
// malformed messages are logged and dropped instead of DLQ'd.
func NewKafkaBridge(consumer kafka.Consumer, producer kafka.Producer, sink Sink, logger *slog.Logger) *KafkaBridge {
	return &KafkaBridge{consumer: consumer, producer: producer, sink: sink, logger: logger}
}

// Run consumes until ctx is cancelled.
func (b *KafkaBridge) Run(ctx context.Context) error {
	return b.consumer.Subscribe(ctx, b.admit)
}

func (b *KafkaBridge) admit(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("github.com/go-task-mesh/task-mesh/internal/ingest").Start(ctx, "ingest.admit")
	defer span.End()

	var req TaskRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		b.logger.Error("malformed task request, sending to DLQ", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed task request")
		return b.toDLQ(ctx, msg.Value)
	}

	if req.TaskID == 0 || req.SkillID == 0 {
		b.logger.Error("task request missing task_id or skill_id, sending to DLQ",
			slog.Uint64("task_id", uint64(req.TaskID)), slog.Uint64("skill_id", uint64(req.SkillID)))
		span.SetStatus(codes.Error, "missing task_id or skill_id")
		return b.toDLQ(ctx, msg.Value)
	}

	span.SetAttributes(
		attribute.Int64("task_id", int64(req.TaskID)),
		attribute.Int64("skill_id", int64(req.SkillID)),
	)

	b.sink.AddTask(wire.Task{TaskID: req.TaskID, SkillID: req.SkillID, Payload: req.Payload})
	telemetry.IngestAdmittedTotal.Inc()
	b.logger.Debug("admitted task from kafka",
		slog.Uint64("task_id", uint64(req.TaskID)), slog.Uint64("skill_id", uint64(req.SkillID)))
	return nil
}

func (b *KafkaBridge) toDLQ(ctx context.Context, payload []byte) error {
	telemetry.IngestDLQTotal.Inc()
	if b.producer == nil {
		return nil
	}
	if err := b.producer.Publish(ctx, topicDLQ, "", payload); err != nil {
		b.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		return fmt.Errorf("ingest: publish to dlq: %w", err)
	}
	return nil
}
