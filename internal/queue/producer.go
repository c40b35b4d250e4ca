package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

type Producer interface {
	Enqueue(ctx context.Context, task Task) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, task Task) error {
	attempt := task.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	fields := map[string]any{
		"task_type":       string(task.TaskType),
		"negotiation_id":  task.NegotiationID,
		"identity_id":     task.IdentityID,
		"counterparty_id": task.CounterpartyID,
		"attempt":         attempt,
	}
	if task.Text != "" {
		fields["text"] = task.Text
	}
	if task.TraceID != "" {
		fields["trace_id"] = task.TraceID
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue deferred task: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued deferred task",
		"task_type", task.TaskType,
		"negotiation_id", task.NegotiationID,
		"identity_id", task.IdentityID,
		"attempt", attempt)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
