package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"likeswap.app/engine/internal/model"
	"likeswap.app/engine/internal/queue"
)

var errDispatcherRefused = errors.New("dispatcher refused action")

// dispatchReward sends the reciprocal actions for a completed negotiation.
// Exactly-once is enforced here: reward_sent is checked under the entry lock
// before any dispatcher call, and flipped (with persistence) only after every
// requested action landed. Quota exhaustion defers the whole dispatch to the
// queue instead of dropping it.
func (m *Manager) dispatchReward(ctx context.Context, req *model.NegotiationRequest) {
	if err := m.tryReward(ctx, req); err != nil {
		// Reward failures never fail the negotiation; the ledger entry and
		// error log are the escalation path.
		slog.ErrorContext(ctx, "reward dispatch error", "error", err,
			"negotiation_id", req.ID)
	}
}

func (m *Manager) tryReward(ctx context.Context, req *model.NegotiationRequest) error {
	if req.RewardSent || req.Stage != model.StageCompleted {
		return nil
	}
	if req.TargetReference == nil {
		return fmt.Errorf("completed negotiation %d has no target reference", req.ID)
	}

	ident, ok := m.identityFor(req.IdentityID)
	if !ok {
		return fmt.Errorf("unknown identity %d", req.IdentityID)
	}

	// One quota slot covers the full action set; the reward is a single
	// burst against one piece of content.
	if !m.limiter.Allow(ident.ID, ident.Tier(time.Now())) {
		slog.InfoContext(ctx, "hourly quota exhausted, deferring reward",
			"negotiation_id", req.ID)
		return m.deferAction(ctx, req, queue.TaskTypeRewardDispatch, "")
	}

	return m.performReward(ctx, req)
}

// performReward applies every requested action and marks the reward sent.
// Quota has already been charged by the caller.
func (m *Manager) performReward(ctx context.Context, req *model.NegotiationRequest) error {
	detail, _ := json.Marshal(map[string]any{
		"actions": req.RequestedActions,
		"target":  *req.TargetReference,
	})

	if !m.live.Live() {
		req.RewardSent = true
		if err := m.negotiations.Upsert(ctx, req); err != nil {
			req.RewardSent = false
			return fmt.Errorf("persisting simulated reward: %w", err)
		}
		m.record(req, model.LedgerRewardSent, detail, true)
		return nil
	}

	for _, kind := range req.RequestedActions {
		if err := m.applyWithRetry(ctx, kind, *req.TargetReference); err != nil {
			m.escalateReward(ctx, req, kind, err)
			return nil
		}
	}

	req.RewardSent = true
	if err := m.negotiations.Upsert(ctx, req); err != nil {
		req.RewardSent = false
		return fmt.Errorf("persisting reward: %w", err)
	}
	m.record(req, model.LedgerRewardSent, detail, false)

	slog.InfoContext(ctx, "reward dispatched",
		"negotiation_id", req.ID,
		"actions", req.RequestedActions)
	return nil
}

// applyWithRetry calls the dispatcher with exponential backoff, bounded by
// RewardMaxAttempts. Backoff doubles from RewardBackoffBase each round.
func (m *Manager) applyWithRetry(ctx context.Context, kind model.ActionKind, target string) error {
	backoff := m.cfg.RewardBackoffBase

	var lastErr error
	for attempt := 1; attempt <= m.cfg.RewardMaxAttempts; attempt++ {
		applied, err := m.dispatcher.Apply(ctx, kind, target)
		if err == nil && applied {
			return nil
		}
		if err == nil {
			err = errDispatcherRefused
		}
		lastErr = err

		slog.WarnContext(ctx, "reward action attempt failed",
			"action", kind,
			"attempt", attempt,
			"error", err)

		if attempt == m.cfg.RewardMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// escalateReward records a reward that could not be dispatched after all
// retries. The negotiation stays COMPLETED and reward_sent stays false; an
// operator resolves it from the ledger.
func (m *Manager) escalateReward(ctx context.Context, req *model.NegotiationRequest, kind model.ActionKind, cause error) {
	detail, _ := json.Marshal(map[string]any{
		"action": kind,
		"target": *req.TargetReference,
		"error":  cause.Error(),
	})
	m.record(req, model.LedgerRewardEscalated, detail, false)

	slog.ErrorContext(ctx, "reward dispatch escalated after retries",
		"negotiation_id", req.ID,
		"action", kind,
		"error", cause)
}
