package engine_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"likeswap.app/engine/common/id"
	"likeswap.app/engine/internal/engine"
	"likeswap.app/engine/internal/model"
	"likeswap.app/engine/internal/queue"
	"likeswap.app/engine/internal/ratelimit"
	"likeswap.app/engine/internal/transport"
)

var _ = Describe("Manager", func() {
	var (
		ctx context.Context
		f   *fixture
	)

	BeforeEach(func() {
		ctx = context.Background()
		f = newFixture(true, nil)
	})

	inbound := func(text, mediaRef string) transport.Inbound {
		return transport.Inbound{
			IdentityID:     1,
			CounterpartyID: "cp-1",
			Text:           text,
			MediaRef:       mediaRef,
			ReceivedAt:     time.Now(),
		}
	}

	activeRequest := func() *model.NegotiationRequest {
		req, err := f.store.GetActiveByCounterparty(ctx, "cp-1")
		Expect(err).NotTo(HaveOccurred())
		return req
	}

	// Drives a fresh negotiation to proof_requested and returns its ID.
	negotiateToProofRequested := func() int64 {
		Expect(f.manager.HandleInbound(ctx, inbound("like4like?", ""))).To(Succeed())
		Expect(f.manager.HandleInbound(ctx, inbound("done, mine is https://clips.example/v/42", ""))).To(Succeed())

		req := activeRequest()
		Expect(req.Stage).To(Equal(model.StageProofRequested))
		return req.ID
	}

	Describe("full exchange", func() {
		It("runs first contact through verified proof to a rewarded completion", func() {
			reqID := negotiateToProofRequested()

			f.chat.SetMedia("proof-1", []byte("screenshot-bytes"))
			Expect(f.manager.HandleInbound(ctx, inbound("", "proof-1"))).To(Succeed())

			req, err := f.store.GetByID(ctx, reqID)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Stage).To(Equal(model.StageCompleted))
			Expect(req.RewardSent).To(BeTrue())
			Expect(req.Verification).NotTo(BeNil())
			Expect(req.Verification.Verified).To(BeTrue())
			Expect(req.LastProofDigest).NotTo(BeNil())

			applied := f.dispatcher.AppliedActions()
			Expect(applied).To(HaveLen(1))
			Expect(applied[0].Kind).To(Equal(model.ActionLike))
			Expect(applied[0].Target).To(Equal("https://clips.example/v/42"))

			sent := f.chat.Sent()
			Expect(sent).To(HaveLen(3))
			Expect(sent[0].Text).To(ContainSubstring("Deal"))
			Expect(sent[1].Text).To(ContainSubstring("screenshot"))
			Expect(sent[2].Text).To(ContainSubstring("Verified"))

			Expect(f.recorder.byKind(model.LedgerNegotiationCreated)).To(HaveLen(1))
			Expect(f.recorder.byKind(model.LedgerProofReceived)).To(HaveLen(1))
			Expect(f.recorder.byKind(model.LedgerVerification)).To(HaveLen(1))
			Expect(f.recorder.byKind(model.LedgerNegotiationCompleted)).To(HaveLen(1))
			Expect(f.recorder.byKind(model.LedgerRewardSent)).To(HaveLen(1))
		})

		It("fails the negotiation after repeated messages without a target", func() {
			Expect(f.manager.HandleInbound(ctx, inbound("like4like?", ""))).To(Succeed())
			for i := 0; i < 3; i++ {
				Expect(f.manager.HandleInbound(ctx, inbound("will send later", ""))).To(Succeed())
			}

			_, err := f.store.GetActiveByCounterparty(ctx, "cp-1")
			Expect(err).To(MatchError(ContainSubstring("not found")))
			Expect(f.recorder.byKind(model.LedgerNegotiationFailed)).To(HaveLen(1))

			sent := f.chat.Sent()
			Expect(sent[len(sent)-1].Text).To(ContainSubstring("close"))
		})
	})

	Describe("proof handling", func() {
		It("retries verification and fails out after max unverified proofs", func() {
			f.verifier.analyzeFn = func(_ context.Context, _ []byte, _ string, requested []model.ActionKind) (model.VerificationResult, error) {
				return model.VerificationResult{
					DetectedActions: map[model.ActionKind]float64{requested[0]: 0.3},
					ContentMatch:    true,
					ModelVersion:    "stub-v1",
				}, nil
			}

			reqID := negotiateToProofRequested()
			f.chat.SetMedia("proof-1", []byte("blurry"))

			for i := 0; i < 2; i++ {
				Expect(f.manager.HandleInbound(ctx, inbound("", "proof-1"))).To(Succeed())
				req, err := f.store.GetByID(ctx, reqID)
				Expect(err).NotTo(HaveOccurred())
				Expect(req.Stage).To(Equal(model.StageProofRequested))
				Expect(req.AttemptCount).To(Equal(i + 1))
			}

			Expect(f.manager.HandleInbound(ctx, inbound("", "proof-1"))).To(Succeed())

			req, err := f.store.GetByID(ctx, reqID)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Stage).To(Equal(model.StageFailed))
			Expect(req.RewardSent).To(BeFalse())
			Expect(f.dispatcher.AppliedActions()).To(BeEmpty())
			Expect(f.recorder.byKind(model.LedgerVerification)).To(HaveLen(3))
			Expect(f.recorder.byKind(model.LedgerNegotiationFailed)).To(HaveLen(1))
		})

		It("treats a classifier outage as a normal failed attempt", func() {
			f.verifier.analyzeFn = func(_ context.Context, _ []byte, _ string, _ []model.ActionKind) (model.VerificationResult, error) {
				return model.VerificationResult{}, errors.New("model unreachable")
			}

			reqID := negotiateToProofRequested()
			f.chat.SetMedia("proof-1", []byte("screenshot"))
			Expect(f.manager.HandleInbound(ctx, inbound("", "proof-1"))).To(Succeed())

			req, err := f.store.GetByID(ctx, reqID)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Stage).To(Equal(model.StageProofRequested))
			Expect(req.AttemptCount).To(Equal(1))
			Expect(req.Verification.Degraded).To(BeTrue())
		})

		It("asks for a resend when media download fails, without burning an attempt", func() {
			reqID := negotiateToProofRequested()

			Expect(f.manager.HandleInbound(ctx, inbound("", "missing-ref"))).To(Succeed())

			req, err := f.store.GetByID(ctx, reqID)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Stage).To(Equal(model.StageProofRequested))
			Expect(req.AttemptCount).To(BeZero())

			sent := f.chat.Sent()
			Expect(sent[len(sent)-1].Text).To(ContainSubstring("again"))
		})

		It("ignores messages while a proof is being verified", func() {
			req := &model.NegotiationRequest{
				ID:             id.New(),
				CounterpartyID: "cp-1",
				IdentityID:     1,
				Stage:          model.StageVerifyingProof,
			}
			Expect(f.store.Upsert(ctx, req)).To(Succeed())

			Expect(f.manager.HandleInbound(ctx, inbound("hello?", ""))).To(Succeed())

			Expect(f.chat.Sent()).To(BeEmpty())
			Expect(f.recorder.byKind(model.LedgerMessageIgnored)).To(HaveLen(1))

			got, err := f.store.GetByID(ctx, req.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Stage).To(Equal(model.StageVerifyingProof))
		})

		It("reminds instead of re-negotiating when text arrives during proof_requested", func() {
			reqID := negotiateToProofRequested()

			Expect(f.manager.HandleInbound(ctx, inbound("one sec", ""))).To(Succeed())

			req, err := f.store.GetByID(ctx, reqID)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Stage).To(Equal(model.StageProofRequested))
			Expect(req.AttemptCount).To(BeZero())

			sent := f.chat.Sent()
			Expect(sent[len(sent)-1].Text).To(ContainSubstring("waiting"))
		})
	})

	Describe("reward dispatch", func() {
		completeNegotiation := func() int64 {
			reqID := negotiateToProofRequested()
			f.chat.SetMedia("proof-1", []byte("screenshot"))
			Expect(f.manager.HandleInbound(ctx, inbound("", "proof-1"))).To(Succeed())
			return reqID
		}

		It("never rewards twice for the same negotiation", func() {
			reqID := completeNegotiation()
			Expect(f.dispatcher.AppliedActions()).To(HaveLen(1))

			// A deferred reward task replayed after completion is a no-op.
			err := f.manager.ProcessDeferred(ctx, queue.Message{
				TaskType:       queue.TaskTypeRewardDispatch,
				NegotiationID:  reqID,
				IdentityID:     1,
				CounterpartyID: "cp-1",
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(f.dispatcher.AppliedActions()).To(HaveLen(1))
			Expect(f.recorder.byKind(model.LedgerRewardSent)).To(HaveLen(1))
		})

		It("escalates after exhausting dispatch retries and keeps the negotiation completed", func() {
			f.dispatcher.FailKinds[model.ActionLike] = errors.New("boom")

			reqID := completeNegotiation()

			req, err := f.store.GetByID(ctx, reqID)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Stage).To(Equal(model.StageCompleted))
			Expect(req.RewardSent).To(BeFalse())

			Expect(f.recorder.byKind(model.LedgerRewardEscalated)).To(HaveLen(1))
			Expect(f.recorder.byKind(model.LedgerRewardSent)).To(BeEmpty())
		})
	})

	Describe("quota handling", func() {
		It("defers outbound actions once the hourly cap is hit", func() {
			f = newFixture(true, map[model.AgeTier]int{model.TierEstablished: 2})

			reqID := negotiateToProofRequested()
			f.chat.SetMedia("proof-1", []byte("screenshot"))
			Expect(f.manager.HandleInbound(ctx, inbound("", "proof-1"))).To(Succeed())

			// Proposal and proof instructions consumed the budget; the reward
			// and the success message both land on the queue.
			req, err := f.store.GetByID(ctx, reqID)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Stage).To(Equal(model.StageCompleted))
			Expect(req.RewardSent).To(BeFalse())
			Expect(f.dispatcher.AppliedActions()).To(BeEmpty())
			Expect(f.chat.Sent()).To(HaveLen(2))

			tasks := f.producer.enqueued()
			Expect(tasks).To(HaveLen(2))
			Expect(tasks[0].TaskType).To(Equal(queue.TaskTypeRewardDispatch))
			Expect(tasks[1].TaskType).To(Equal(queue.TaskTypeOutboundMessage))
			Expect(f.recorder.byKind(model.LedgerActionDeferred)).To(HaveLen(2))

			// Replaying while the window is still full re-defers, attempt intact.
			err = f.manager.ProcessDeferred(ctx, queue.Message{
				TaskType:       queue.TaskTypeRewardDispatch,
				NegotiationID:  reqID,
				IdentityID:     1,
				CounterpartyID: "cp-1",
			})
			Expect(err).To(MatchError(engine.ErrDeferAgain))
			Expect(req.RewardSent).To(BeFalse())
		})

		It("defers the message when the platform rate-limits the send", func() {
			f.chat.FailSend(1, &transport.RateLimitedError{RetryAfter: time.Minute})

			Expect(f.manager.HandleInbound(ctx, inbound("like4like?", ""))).To(Succeed())

			Expect(f.chat.Sent()).To(BeEmpty())
			tasks := f.producer.enqueued()
			Expect(tasks).To(HaveLen(1))
			Expect(tasks[0].TaskType).To(Equal(queue.TaskTypeOutboundMessage))
		})

		It("aborts the send without failing when permission is refused", func() {
			f.chat.FailSend(1, transport.ErrNoPermission)

			Expect(f.manager.HandleInbound(ctx, inbound("like4like?", ""))).To(Succeed())
			Expect(f.chat.Sent()).To(BeEmpty())
			Expect(f.producer.enqueued()).To(BeEmpty())
			Expect(activeRequest().Stage).To(Equal(model.StageNegotiating))
		})
	})

	Describe("simulated mode", func() {
		It("records actions in the ledger without touching transport or dispatcher", func() {
			f = newFixture(false, nil)

			reqID := negotiateToProofRequested()
			f.chat.SetMedia("proof-1", []byte("screenshot"))
			Expect(f.manager.HandleInbound(ctx, inbound("", "proof-1"))).To(Succeed())

			req, err := f.store.GetByID(ctx, reqID)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Stage).To(Equal(model.StageCompleted))
			Expect(req.RewardSent).To(BeTrue())

			Expect(f.chat.Sent()).To(BeEmpty())
			Expect(f.dispatcher.AppliedActions()).To(BeEmpty())

			for _, ev := range f.recorder.byKind(model.LedgerMessageSent) {
				Expect(ev.Simulated).To(BeTrue())
			}
			rewards := f.recorder.byKind(model.LedgerRewardSent)
			Expect(rewards).To(HaveLen(1))
			Expect(rewards[0].Simulated).To(BeTrue())
		})
	})

	Describe("deferred replay", func() {
		It("delivers a deferred outbound message once quota frees up", func() {
			f = newFixture(true, map[model.AgeTier]int{model.TierEstablished: 1})

			Expect(f.manager.HandleInbound(ctx, inbound("like4like?", ""))).To(Succeed())
			Expect(f.manager.HandleInbound(ctx, inbound("no link yet", ""))).To(Succeed())

			Expect(f.chat.Sent()).To(HaveLen(1))
			tasks := f.producer.enqueued()
			Expect(tasks).To(HaveLen(1))

			msg := queue.Message{
				TaskType:       tasks[0].TaskType,
				NegotiationID:  tasks[0].NegotiationID,
				IdentityID:     tasks[0].IdentityID,
				CounterpartyID: tasks[0].CounterpartyID,
				Text:           tasks[0].Text,
				Attempt:        1,
			}
			err := f.manager.ProcessDeferred(ctx, msg)
			Expect(err).To(MatchError(engine.ErrDeferAgain))

			// Rewind the window as if an hour passed.
			f.limiter.Seed(1, ratelimit.Quota{WindowStart: time.Now().Add(-2 * time.Hour)})
			Expect(f.manager.ProcessDeferred(ctx, msg)).To(Succeed())
			Expect(f.chat.Sent()).To(HaveLen(2))
		})
	})

	Describe("shutdown", func() {
		It("force-fails requests stuck in verification", func() {
			req := &model.NegotiationRequest{
				ID:             id.New(),
				CounterpartyID: "cp-1",
				IdentityID:     1,
				Stage:          model.StageVerifyingProof,
			}
			Expect(f.store.Upsert(ctx, req)).To(Succeed())

			Expect(f.manager.AbortInFlight(ctx)).To(Succeed())

			got, err := f.store.GetByID(ctx, req.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Stage).To(Equal(model.StageFailed))
			Expect(f.recorder.byKind(model.LedgerShutdownAborted)).To(HaveLen(1))
		})

		It("drains immediately when nothing is in flight", func() {
			Expect(f.manager.Drain(10 * time.Millisecond)).To(BeTrue())
		})
	})
})
