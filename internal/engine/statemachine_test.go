package engine_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"likeswap.app/engine/internal/engine"
	"likeswap.app/engine/internal/model"
)

var _ = Describe("StateMachine", func() {
	var (
		sm  *engine.StateMachine
		now time.Time
	)

	BeforeEach(func() {
		sm = engine.NewStateMachine(engine.Policy{MaxAttempts: 3})
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})

	Describe("OnFirstContact", func() {
		It("creates a negotiating request and proposes the exchange", func() {
			req, reply := sm.OnFirstContact(1, "cp-1", "like4like?", now)

			Expect(req.Stage).To(Equal(model.StageNegotiating))
			Expect(req.CounterpartyID).To(Equal("cp-1"))
			Expect(req.RequestedActions).To(Equal([]model.ActionKind{model.ActionLike}))
			Expect(req.AttemptCount).To(BeZero())
			Expect(reply).To(ContainSubstring("like"))
		})

		It("parses multi-action proposals", func() {
			req, _ := sm.OnFirstContact(1, "cp-1", "like and sub for sub!", now)
			Expect(req.RequestedActions).To(ConsistOf(model.ActionLike, model.ActionSubscribe))
		})

		It("defaults actions when the opening names nothing recognizable", func() {
			req, _ := sm.OnFirstContact(1, "cp-1", "hey, trade?", now)
			Expect(req.RequestedActions).To(ConsistOf(model.ActionLike, model.ActionSubscribe))
		})
	})

	Describe("OnMessage", func() {
		var req *model.NegotiationRequest

		BeforeEach(func() {
			req, _ = sm.OnFirstContact(1, "cp-1", "like4like", now)
		})

		It("advances to proof_requested when a URL arrives", func() {
			reply, err := sm.OnMessage(req, "done! here it is https://clips.example/v/42, check it", now)
			Expect(err).NotTo(HaveOccurred())

			Expect(req.Stage).To(Equal(model.StageProofRequested))
			Expect(req.TargetReference).To(HaveValue(Equal("https://clips.example/v/42")))
			Expect(req.AttemptCount).To(BeZero())
			Expect(reply).To(ContainSubstring("screenshot"))
		})

		It("advances to proof_requested when a handle arrives", func() {
			_, err := sm.OnMessage(req, "find me at @creator.one", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.TargetReference).To(HaveValue(Equal("@creator.one")))
		})

		It("nudges without a target and counts the attempt", func() {
			reply, err := sm.OnMessage(req, "sounds good, will do later", now)
			Expect(err).NotTo(HaveOccurred())

			Expect(req.Stage).To(Equal(model.StageNegotiating))
			Expect(req.AttemptCount).To(Equal(1))
			Expect(reply).To(ContainSubstring("link"))
		})

		It("fails the negotiation after max fruitless turns", func() {
			for i := 0; i < 2; i++ {
				_, err := sm.OnMessage(req, "later maybe", now)
				Expect(err).NotTo(HaveOccurred())
			}
			reply, err := sm.OnMessage(req, "still no link", now)
			Expect(err).NotTo(HaveOccurred())

			Expect(req.Stage).To(Equal(model.StageFailed))
			Expect(req.AttemptCount).To(Equal(3))
			Expect(reply).To(ContainSubstring("close"))
		})

		It("rejects messages outside negotiating", func() {
			_, err := sm.OnMessage(req, "https://clips.example/v/1", now)
			Expect(err).NotTo(HaveOccurred())

			_, err = sm.OnMessage(req, "another message", now)
			Expect(err).To(MatchError(engine.ErrInvalidTransition))
		})
	})

	Describe("OnProof", func() {
		It("moves proof_requested into verifying_proof and keeps the digest", func() {
			req, _ := sm.OnFirstContact(1, "cp-1", "like4like", now)
			_, err := sm.OnMessage(req, "https://clips.example/v/1", now)
			Expect(err).NotTo(HaveOccurred())

			Expect(sm.OnProof(req, "abc123", now)).To(Succeed())
			Expect(req.Stage).To(Equal(model.StageVerifyingProof))
			Expect(req.LastProofDigest).To(HaveValue(Equal("abc123")))
		})

		It("rejects proof outside proof_requested", func() {
			req, _ := sm.OnFirstContact(1, "cp-1", "like4like", now)
			Expect(sm.OnProof(req, "abc123", now)).To(MatchError(engine.ErrInvalidTransition))
		})
	})

	Describe("OnVerification", func() {
		var req *model.NegotiationRequest

		BeforeEach(func() {
			req, _ = sm.OnFirstContact(1, "cp-1", "like4like", now)
			_, err := sm.OnMessage(req, "https://clips.example/v/1", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(sm.OnProof(req, "abc123", now)).To(Succeed())
		})

		It("completes on a verified result", func() {
			reply, err := sm.OnVerification(req, model.VerificationResult{Verified: true}, now)
			Expect(err).NotTo(HaveOccurred())

			Expect(req.Stage).To(Equal(model.StageCompleted))
			Expect(req.Verification).NotTo(BeNil())
			Expect(reply).To(ContainSubstring("Verified"))
		})

		It("re-requests proof on an unverified result", func() {
			reply, err := sm.OnVerification(req, model.VerificationResult{}, now)
			Expect(err).NotTo(HaveOccurred())

			Expect(req.Stage).To(Equal(model.StageProofRequested))
			Expect(req.AttemptCount).To(Equal(1))
			Expect(reply).To(ContainSubstring("screenshot"))
		})

		It("fails out after max unverified proofs", func() {
			for i := 0; i < 2; i++ {
				_, err := sm.OnVerification(req, model.VerificationResult{}, now)
				Expect(err).NotTo(HaveOccurred())
				Expect(sm.OnProof(req, "digest", now)).To(Succeed())
			}

			_, err := sm.OnVerification(req, model.VerificationResult{}, now)
			Expect(err).NotTo(HaveOccurred())

			Expect(req.Stage).To(Equal(model.StageFailed))
			Expect(req.AttemptCount).To(Equal(3))
		})

		It("rejects verdicts outside verifying_proof", func() {
			_, err := sm.OnVerification(req, model.VerificationResult{Verified: true}, now)
			Expect(err).NotTo(HaveOccurred())

			_, err = sm.OnVerification(req, model.VerificationResult{}, now)
			Expect(err).To(MatchError(engine.ErrInvalidTransition))
		})
	})

	Describe("ExtractTargetReference", func() {
		DescribeTable("target parsing",
			func(text, want string, ok bool) {
				got, found := engine.ExtractTargetReference(text)
				Expect(found).To(Equal(ok))
				Expect(got).To(Equal(want))
			},
			Entry("bare URL", "https://clips.example/v/9", "https://clips.example/v/9", true),
			Entry("URL with trailing punctuation", "check https://clips.example/v/9!", "https://clips.example/v/9", true),
			Entry("handle mid-sentence", "it's @my.channel thanks", "@my.channel", true),
			Entry("email is not a handle", "mail me at who@example.com", "", false),
			Entry("no reference", "sounds good", "", false),
		)
	})
})
