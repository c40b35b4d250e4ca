package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"likeswap.app/engine/common/logger"
	"likeswap.app/engine/internal/model"
	"likeswap.app/engine/internal/queue"
	"likeswap.app/engine/internal/store"
)

// ErrDeferAgain signals that a deferred task is still quota-blocked and
// should go back on the stream without counting as a failure.
var ErrDeferAgain = errors.New("action still quota-blocked")

// ProcessDeferred replays one queued task. Outbound messages re-check the
// quota and deliver; reward dispatches re-enter the idempotent reward path
// under the counterparty's entry lock.
func (m *Manager) ProcessDeferred(ctx context.Context, msg queue.Message) error {
	switch msg.TaskType {
	case queue.TaskTypeOutboundMessage:
		return m.processDeferredMessage(ctx, msg)
	case queue.TaskTypeRewardDispatch:
		return m.processDeferredReward(ctx, msg)
	default:
		return fmt.Errorf("unknown task type %q", msg.TaskType)
	}
}

func (m *Manager) processDeferredMessage(ctx context.Context, msg queue.Message) error {
	ident, ok := m.identityFor(msg.IdentityID)
	if !ok {
		return fmt.Errorf("unknown identity %d", msg.IdentityID)
	}

	if !m.limiter.Allow(ident.ID, ident.Tier(time.Now())) {
		return ErrDeferAgain
	}
	if err := m.limiter.Pace(ctx, ident.ID); err != nil {
		return fmt.Errorf("pacing deferred send: %w", err)
	}

	req, err := m.negotiations.GetByID(ctx, msg.NegotiationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Negotiation vanished; nothing to deliver to.
			slog.WarnContext(ctx, "dropping deferred message for unknown negotiation",
				"negotiation_id", msg.NegotiationID)
			return nil
		}
		return fmt.Errorf("loading negotiation: %w", err)
	}

	return m.deliver(ctx, req, msg.Text)
}

func (m *Manager) processDeferredReward(ctx context.Context, msg queue.Message) error {
	e := m.entry(msg.CounterpartyID)
	e.mu.Lock()
	defer e.mu.Unlock()

	req := e.req
	if req == nil || req.ID != msg.NegotiationID {
		loaded, err := m.negotiations.GetByID(ctx, msg.NegotiationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				slog.WarnContext(ctx, "dropping deferred reward for unknown negotiation",
					"negotiation_id", msg.NegotiationID)
				return nil
			}
			return fmt.Errorf("loading negotiation: %w", err)
		}
		req = loaded
		e.req = loaded
	}

	if req.RewardSent || req.Stage != model.StageCompleted {
		return nil
	}

	ident, ok := m.identityFor(req.IdentityID)
	if !ok {
		return fmt.Errorf("unknown identity %d", req.IdentityID)
	}
	if !m.limiter.Allow(ident.ID, ident.Tier(time.Now())) {
		return ErrDeferAgain
	}

	return m.performReward(ctx, req)
}

type DeferredConsumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	RequeueWithAttempt(ctx context.Context, msg queue.Message, attempt int, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

var _ DeferredConsumer = (*queue.RedisConsumer)(nil)

type DeferredConfig struct {
	MaxAttempts int
	// QuotaBackoff is slept after a batch where every task was still
	// quota-blocked, so the loop does not spin against a full window.
	QuotaBackoff time.Duration
}

// DeferredRunner drains the deferred-action stream: quota-blocked tasks
// cycle back without burning attempts, real failures retry up to MaxAttempts
// and then land in the DLQ.
type DeferredRunner struct {
	consumer DeferredConsumer
	manager  *Manager
	cfg      DeferredConfig

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewDeferredRunner(consumer DeferredConsumer, manager *Manager, cfg DeferredConfig) *DeferredRunner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.QuotaBackoff <= 0 {
		cfg.QuotaBackoff = 5 * time.Second
	}
	return &DeferredRunner{
		consumer:  consumer,
		manager:   manager,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (r *DeferredRunner) Run(ctx context.Context) error {
	defer close(r.stoppedCh)

	slog.InfoContext(ctx, "deferred runner started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			slog.InfoContext(ctx, "deferred runner stopping")
			return nil
		default:
			if err := r.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

func (r *DeferredRunner) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

func (r *DeferredRunner) processOneBatch(ctx context.Context) error {
	messages, err := r.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	blocked := 0
	for _, msg := range messages {
		err := r.processMessageSafe(ctx, msg)
		switch {
		case err == nil:
			if ackErr := r.consumer.Ack(ctx, msg); ackErr != nil {
				slog.WarnContext(ctx, "failed to ACK message",
					"error", ackErr,
					"message_id", msg.ID)
			}
		case errors.Is(err, ErrDeferAgain):
			// Quota still exhausted. Keep the attempt counter where it is;
			// a full window is not a failure.
			blocked++
			if reqErr := r.consumer.RequeueWithAttempt(ctx, msg, msg.Attempt, err.Error()); reqErr != nil {
				slog.ErrorContext(ctx, "failed to requeue quota-blocked message",
					"error", reqErr,
					"message_id", msg.ID)
			}
		default:
			slog.ErrorContext(ctx, "deferred task failed",
				"error", err,
				"message_id", msg.ID,
				"task_type", msg.TaskType,
				"negotiation_id", msg.NegotiationID)
			r.handleFailedMessage(ctx, msg, err)
		}
	}

	if len(messages) > 0 && blocked == len(messages) {
		select {
		case <-ctx.Done():
		case <-r.stopCh:
		case <-time.After(r.cfg.QuotaBackoff):
		}
	}

	return nil
}

func (r *DeferredRunner) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "engine.process_deferred",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = sc.Context()

	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "panic recovered in deferred processing",
				"panic", rec,
				"message_id", msg.ID,
				"negotiation_id", msg.NegotiationID)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	err = r.manager.ProcessDeferred(ctx, msg)
	if err != nil && !errors.Is(err, ErrDeferAgain) {
		sc.RecordError(err)
	}
	return err
}

func (r *DeferredRunner) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if msg.Attempt >= r.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"negotiation_id", msg.NegotiationID,
			"attempts", msg.Attempt)
		if dlqErr := r.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"message_id", msg.ID,
		"negotiation_id", msg.NegotiationID,
		"attempt", msg.Attempt)
	if requeueErr := r.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
