package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"likeswap.app/engine/common/logger"
	"likeswap.app/engine/internal/control"
	"likeswap.app/engine/internal/model"
	"likeswap.app/engine/internal/queue"
	"likeswap.app/engine/internal/ratelimit"
	"likeswap.app/engine/internal/store"
	"likeswap.app/engine/internal/transport"
	"likeswap.app/engine/internal/verify"
)

// Recorder receives audit events. Satisfied by the activity ledger; mirrored
// here to avoid an import cycle.
type Recorder interface {
	Record(ev model.LedgerEvent)
}

// RewardDispatcher performs one reciprocal action on the counterparty's
// content. Dispatcher-side idempotency is NOT assumed; the manager enforces
// at-most-once semantics itself via reward_sent.
type RewardDispatcher interface {
	Apply(ctx context.Context, kind model.ActionKind, targetReference string) (bool, error)
}

type Config struct {
	RewardMaxAttempts int
	RewardBackoffBase time.Duration
}

// entry serializes all work for one counterparty. Holding entry.mu is what
// prevents two proof images arriving back to back from racing a double
// reward.
type entry struct {
	mu  sync.Mutex
	req *model.NegotiationRequest
}

// Manager owns the map of active negotiations. It applies the state machine
// under a per-counterparty lock, gates every outbound action through the
// rate limiter, and consults the live switch before touching the transport
// or dispatcher.
type Manager struct {
	sm           *StateMachine
	pipeline     *verify.Pipeline
	limiter      *ratelimit.Limiter
	transport    transport.ChatTransport
	dispatcher   RewardDispatcher
	recorder     Recorder
	negotiations store.NegotiationStore
	producer     queue.Producer
	live         *control.Switch
	cfg          Config

	mu         sync.Mutex
	entries    map[string]*entry
	identities map[int64]model.Identity

	inFlight sync.WaitGroup
}

func NewManager(
	sm *StateMachine,
	pipeline *verify.Pipeline,
	limiter *ratelimit.Limiter,
	chat transport.ChatTransport,
	dispatcher RewardDispatcher,
	recorder Recorder,
	negotiations store.NegotiationStore,
	producer queue.Producer,
	live *control.Switch,
	cfg Config,
) *Manager {
	if cfg.RewardMaxAttempts <= 0 {
		cfg.RewardMaxAttempts = 3
	}
	if cfg.RewardBackoffBase <= 0 {
		cfg.RewardBackoffBase = 2 * time.Second
	}
	return &Manager{
		sm:           sm,
		pipeline:     pipeline,
		limiter:      limiter,
		transport:    chat,
		dispatcher:   dispatcher,
		recorder:     recorder,
		negotiations: negotiations,
		producer:     producer,
		live:         live,
		cfg:          cfg,
		entries:      make(map[string]*entry),
		identities:   make(map[int64]model.Identity),
	}
}

// RegisterIdentity makes an identity known for tier lookups. Called by the
// coordinator before it starts routing that identity's messages.
func (m *Manager) RegisterIdentity(ident model.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[ident.ID] = ident
}

// HandleInbound processes one inbound message end to end: state machine
// transition, optional proof verification, reward dispatch, ledger append.
// Faults are isolated to this counterparty's request and never propagate as
// panics.
func (m *Manager) HandleInbound(ctx context.Context, in transport.Inbound) error {
	m.inFlight.Add(1)
	defer m.inFlight.Done()

	sc := logger.StartSpan(ctx, "engine.handle_inbound", trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()

	err := m.handleInbound(sc.Context(), in)
	sc.RecordError(err)
	return err
}

func (m *Manager) handleInbound(ctx context.Context, in transport.Inbound) error {
	e := m.entry(in.CounterpartyID)
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		IdentityID:     logger.Ptr(in.IdentityID),
		CounterpartyID: logger.Ptr(in.CounterpartyID),
		Component:      "engine.manager",
	})

	req, err := m.activeRequest(ctx, e, in.CounterpartyID)
	if err != nil {
		return err
	}

	if req == nil {
		return m.handleFirstContact(ctx, e, in)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		NegotiationID: logger.Ptr(req.ID),
		Stage:         logger.Ptr(string(req.Stage)),
	})

	if req.Stage == model.StageVerifyingProof {
		// A verification is already resolving for this counterparty. Racing
		// a second proof against it could double the reward, so the message
		// is dropped after a ledger note.
		slog.InfoContext(ctx, "message ignored while verifying proof")
		m.record(req, model.LedgerMessageIgnored, nil, false)
		return nil
	}

	if in.MediaRef != "" {
		return m.handleProof(ctx, req, in)
	}
	return m.handleText(ctx, req, in)
}

func (m *Manager) handleFirstContact(ctx context.Context, e *entry, in transport.Inbound) error {
	if in.MediaRef != "" {
		// An image with no open negotiation is not a qualifying first
		// contact; note it and move on.
		slog.InfoContext(ctx, "ignoring proof image without active negotiation")
		m.recorder.Record(model.LedgerEvent{
			IdentityID:     in.IdentityID,
			CounterpartyID: in.CounterpartyID,
			Kind:           model.LedgerMessageIgnored,
		})
		return nil
	}

	req, proposal := m.sm.OnFirstContact(in.IdentityID, in.CounterpartyID, in.Text, time.Now().UTC())
	e.req = req

	if err := m.negotiations.Upsert(ctx, req); err != nil {
		e.req = nil
		return fmt.Errorf("persisting new negotiation: %w", err)
	}

	detail, _ := json.Marshal(map[string]any{
		"requested_actions": req.RequestedActions,
		"opening_text":      logger.Truncate(in.Text, 200),
	})
	m.record(req, model.LedgerNegotiationCreated, detail, false)

	slog.InfoContext(ctx, "negotiation created",
		"negotiation_id", req.ID,
		"requested_actions", req.RequestedActions)

	return m.send(ctx, req, proposal)
}

func (m *Manager) handleText(ctx context.Context, req *model.NegotiationRequest, in transport.Inbound) error {
	if req.Stage == model.StageProofRequested {
		// Text while we wait on a screenshot: remind, no attempt burned.
		return m.send(ctx, req, msgAwaitingProof)
	}

	reply, err := m.sm.OnMessage(req, in.Text, time.Now().UTC())
	if err != nil {
		return err
	}

	if err := m.negotiations.Upsert(ctx, req); err != nil {
		return fmt.Errorf("persisting negotiation: %w", err)
	}

	if req.Stage == model.StageFailed {
		slog.InfoContext(ctx, "negotiation exhausted without target reference",
			"attempts", req.AttemptCount)
		m.record(req, model.LedgerNegotiationFailed, nil, false)
	}

	return m.send(ctx, req, reply)
}

func (m *Manager) handleProof(ctx context.Context, req *model.NegotiationRequest, in transport.Inbound) error {
	if req.Stage != model.StageProofRequested {
		slog.InfoContext(ctx, "ignoring proof image outside proof_requested stage")
		m.record(req, model.LedgerMessageIgnored, nil, false)
		return nil
	}

	image, err := m.transport.DownloadMedia(ctx, in.MediaRef)
	if err != nil {
		// Media fetch failure is a transport fault, not a failed proof
		// attempt; ask for a resend without burning an attempt.
		slog.WarnContext(ctx, "proof media download failed", "error", err, "media_ref", in.MediaRef)
		return m.send(ctx, req, msgProofFetchFailed)
	}

	now := time.Now().UTC()
	digest := verify.ImageDigest(image)
	if err := m.sm.OnProof(req, digest, now); err != nil {
		return err
	}
	if err := m.negotiations.Upsert(ctx, req); err != nil {
		return fmt.Errorf("persisting negotiation: %w", err)
	}

	detail, _ := json.Marshal(map[string]string{"image_sha256": digest})
	m.record(req, model.LedgerProofReceived, detail, false)

	result := m.pipeline.Verify(ctx, req, image)

	reply, err := m.sm.OnVerification(req, result, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := m.negotiations.Upsert(ctx, req); err != nil {
		return fmt.Errorf("persisting negotiation: %w", err)
	}

	switch req.Stage {
	case model.StageCompleted:
		m.record(req, model.LedgerNegotiationCompleted, nil, false)
		m.dispatchReward(ctx, req)
	case model.StageFailed:
		slog.InfoContext(ctx, "negotiation failed after unverified proofs",
			"attempts", req.AttemptCount)
		m.record(req, model.LedgerNegotiationFailed, nil, false)
	}

	return m.send(ctx, req, reply)
}

// activeRequest returns the cached non-terminal request for the counterparty,
// falling back to the store. Caller holds the entry lock.
func (m *Manager) activeRequest(ctx context.Context, e *entry, counterpartyID string) (*model.NegotiationRequest, error) {
	if e.req != nil && !e.req.Terminal() {
		return e.req, nil
	}

	req, err := m.negotiations.GetActiveByCounterparty(ctx, counterpartyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading active negotiation: %w", err)
	}

	e.req = req
	return req, nil
}

// send delivers an outbound message, deferring it to the queue when the
// identity's quota is exhausted. Deferral never drops the message.
func (m *Manager) send(ctx context.Context, req *model.NegotiationRequest, text string) error {
	ident, ok := m.identityFor(req.IdentityID)
	if !ok {
		return fmt.Errorf("unknown identity %d", req.IdentityID)
	}

	if !m.limiter.Allow(ident.ID, ident.Tier(time.Now())) {
		slog.InfoContext(ctx, "hourly quota exhausted, deferring message")
		return m.deferAction(ctx, req, queue.TaskTypeOutboundMessage, text)
	}

	if err := m.limiter.Pace(ctx, ident.ID); err != nil {
		return fmt.Errorf("pacing send: %w", err)
	}

	return m.deliver(ctx, req, text)
}

// deliver performs the actual transport send, honoring the live switch and
// the transport error taxonomy.
func (m *Manager) deliver(ctx context.Context, req *model.NegotiationRequest, text string) error {
	detail, _ := json.Marshal(map[string]string{"text": text})

	if !m.live.Live() {
		m.record(req, model.LedgerMessageSent, detail, true)
		return nil
	}

	err := m.transport.Send(ctx, req.IdentityID, req.CounterpartyID, text)

	var rl *transport.RateLimitedError
	switch {
	case errors.As(err, &rl):
		slog.WarnContext(ctx, "platform rate limit on send, deferring",
			"retry_after", rl.RetryAfter)
		return m.deferAction(ctx, req, queue.TaskTypeOutboundMessage, text)
	case errors.Is(err, transport.ErrNoPermission):
		// Permission errors abort this send only; not fatal to anything.
		slog.WarnContext(ctx, "send refused: no permission")
		return nil
	case err != nil:
		return fmt.Errorf("sending message: %w", err)
	}

	m.record(req, model.LedgerMessageSent, detail, false)
	return nil
}

func (m *Manager) deferAction(ctx context.Context, req *model.NegotiationRequest, taskType queue.TaskType, text string) error {
	task := queue.Task{
		TaskType:       taskType,
		NegotiationID:  req.ID,
		IdentityID:     req.IdentityID,
		CounterpartyID: req.CounterpartyID,
		Text:           text,
		TraceID:        traceIDFrom(ctx),
	}
	if err := m.producer.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("deferring %s: %w", taskType, err)
	}

	detail, _ := json.Marshal(map[string]string{"task_type": string(taskType)})
	m.record(req, model.LedgerActionDeferred, detail, false)
	return nil
}

// record appends a ledger event for the request.
func (m *Manager) record(req *model.NegotiationRequest, kind model.LedgerEventKind, detail json.RawMessage, simulated bool) {
	m.recorder.Record(model.LedgerEvent{
		NegotiationID:  req.ID,
		IdentityID:     req.IdentityID,
		CounterpartyID: req.CounterpartyID,
		Kind:           kind,
		Stage:          req.Stage,
		Detail:         detail,
		Simulated:      simulated,
	})
}

func (m *Manager) entry(counterpartyID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[counterpartyID]
	if !ok {
		e = &entry{}
		m.entries[counterpartyID] = e
	}
	return e
}

// traceIDFrom links a deferred task back to the trace that produced it.
func traceIDFrom(ctx context.Context) string {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

func (m *Manager) identityFor(id int64) (model.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.identities[id]
	return ident, ok
}

// Drain waits for in-flight message handling to finish, up to timeout.
// Returns false when the timeout elapsed first.
func (m *Manager) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// AbortInFlight force-fails any request still stuck in verifying_proof, so a
// shutdown never leaves a negotiation dangling mid-verification. Each abort
// is recorded in the ledger.
func (m *Manager) AbortInFlight(ctx context.Context) error {
	active, err := m.negotiations.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active negotiations: %w", err)
	}

	now := time.Now().UTC()
	for i := range active {
		req := &active[i]
		if req.Stage != model.StageVerifyingProof {
			continue
		}

		if err := m.sm.transition(req, model.StageFailed, now); err != nil {
			return err
		}
		if err := m.negotiations.Upsert(ctx, req); err != nil {
			return fmt.Errorf("persisting aborted negotiation %d: %w", req.ID, err)
		}
		m.record(req, model.LedgerShutdownAborted, nil, false)

		slog.WarnContext(ctx, "negotiation aborted at shutdown",
			"negotiation_id", req.ID,
			"counterparty_id", req.CounterpartyID)
	}
	return nil
}
