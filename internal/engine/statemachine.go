package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"likeswap.app/engine/common/id"
	"likeswap.app/engine/internal/model"
)

// ErrInvalidTransition is returned when a trigger fires outside the
// transition table.
var ErrInvalidTransition = errors.New("invalid stage transition")

// transitions is the closed table of legal stage moves. Anything not listed
// here is rejected, replacing the source's ad hoc string branching.
var transitions = map[model.NegotiationStage][]model.NegotiationStage{
	model.StageInitialContact: {model.StageNegotiating},
	model.StageNegotiating:    {model.StageNegotiating, model.StageProofRequested, model.StageFailed},
	model.StageProofRequested: {model.StageVerifyingProof, model.StageFailed},
	model.StageVerifyingProof: {model.StageCompleted, model.StageProofRequested, model.StageFailed},
}

// Policy carries the negotiation policy constants.
type Policy struct {
	// MaxAttempts bounds both fruitless negotiation turns and failed proof
	// verifications; reaching it is terminal.
	MaxAttempts int
}

// StateMachine drives per-counterparty negotiation logic: which stage to move
// to and what to say. It is purely computational - no I/O, no locking - so
// the manager can apply it under its per-counterparty lock.
type StateMachine struct {
	policy Policy
}

func NewStateMachine(policy Policy) *StateMachine {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	return &StateMachine{policy: policy}
}

// OnFirstContact creates a request for a counterparty's opening message and
// returns the exchange proposal to send back.
func (sm *StateMachine) OnFirstContact(identityID int64, counterpartyID, text string, now time.Time) (*model.NegotiationRequest, string) {
	req := &model.NegotiationRequest{
		ID:               id.New(),
		CounterpartyID:   counterpartyID,
		IdentityID:       identityID,
		RequestedActions: ParseRequestedActions(text),
		Stage:            model.StageInitialContact,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// INITIAL_CONTACT -> NEGOTIATING is the only legal opening move.
	_ = sm.transition(req, model.StageNegotiating, now)

	return req, fmt.Sprintf(msgProposal, joinActions(req.RequestedActions))
}

// OnMessage handles a text message while negotiating. If the text carries a
// recognizable target reference the request advances to PROOF_REQUESTED;
// otherwise the attempt counter grows and the negotiation either nudges or
// fails out.
func (sm *StateMachine) OnMessage(req *model.NegotiationRequest, text string, now time.Time) (string, error) {
	if req.Stage != model.StageNegotiating {
		return "", fmt.Errorf("%w: message in stage %s", ErrInvalidTransition, req.Stage)
	}

	if ref, ok := ExtractTargetReference(text); ok {
		req.TargetReference = &ref
		if err := sm.transition(req, model.StageProofRequested, now); err != nil {
			return "", err
		}
		return fmt.Sprintf(msgProofInstructions, joinActions(req.RequestedActions), ref), nil
	}

	req.AttemptCount++
	if req.AttemptCount >= sm.policy.MaxAttempts {
		if err := sm.transition(req, model.StageFailed, now); err != nil {
			return "", err
		}
		return msgClosingNoTarget, nil
	}

	if err := sm.transition(req, model.StageNegotiating, now); err != nil {
		return "", err
	}
	return msgNudgeForTarget, nil
}

// OnProof accepts a submitted proof image (by digest) and moves the request
// into verification. Valid only from PROOF_REQUESTED.
func (sm *StateMachine) OnProof(req *model.NegotiationRequest, imageDigest string, now time.Time) error {
	if req.Stage != model.StageProofRequested {
		return fmt.Errorf("%w: proof in stage %s", ErrInvalidTransition, req.Stage)
	}
	if err := sm.transition(req, model.StageVerifyingProof, now); err != nil {
		return err
	}
	req.LastProofDigest = &imageDigest
	return nil
}

// OnVerification applies the verifier's verdict. Verified proofs complete the
// negotiation; unverified ones burn an attempt and either re-request proof or
// fail out.
func (sm *StateMachine) OnVerification(req *model.NegotiationRequest, result model.VerificationResult, now time.Time) (string, error) {
	if req.Stage != model.StageVerifyingProof {
		return "", fmt.Errorf("%w: verification in stage %s", ErrInvalidTransition, req.Stage)
	}

	req.Verification = &result

	if result.Verified {
		if err := sm.transition(req, model.StageCompleted, now); err != nil {
			return "", err
		}
		return msgSuccess, nil
	}

	req.AttemptCount++
	if req.AttemptCount >= sm.policy.MaxAttempts {
		if err := sm.transition(req, model.StageFailed, now); err != nil {
			return "", err
		}
		return msgClosingUnverified, nil
	}

	if err := sm.transition(req, model.StageProofRequested, now); err != nil {
		return "", err
	}
	return msgReRequestProof, nil
}

// transition moves the request to the target stage if the table allows it.
func (sm *StateMachine) transition(req *model.NegotiationRequest, to model.NegotiationStage, now time.Time) error {
	for _, allowed := range transitions[req.Stage] {
		if allowed == to {
			req.Stage = to
			req.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Stage, to)
}

var (
	urlPattern    = regexp.MustCompile(`https?://\S+`)
	handlePattern = regexp.MustCompile(`(?:^|\s)(@[A-Za-z0-9][A-Za-z0-9_.]{2,})`)
)

// ExtractTargetReference pulls a content URL or @handle out of free text.
func ExtractTargetReference(text string) (string, bool) {
	if m := urlPattern.FindString(text); m != "" {
		return strings.TrimRight(m, ".,;!?"), true
	}
	if m := handlePattern.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	return "", false
}

// ParseRequestedActions reads the action kinds a counterparty is proposing to
// trade ("like4like", "sub for sub", ...). Defaults to like+subscribe when
// the opening message names nothing recognizable.
func ParseRequestedActions(text string) []model.ActionKind {
	lower := strings.ToLower(text)

	var actions []model.ActionKind
	if strings.Contains(lower, "like") {
		actions = append(actions, model.ActionLike)
	}
	if strings.Contains(lower, "comment") {
		actions = append(actions, model.ActionComment)
	}
	if strings.Contains(lower, "sub") {
		actions = append(actions, model.ActionSubscribe)
	}

	if len(actions) == 0 {
		actions = []model.ActionKind{model.ActionLike, model.ActionSubscribe}
	}
	return actions
}

func joinActions(actions []model.ActionKind) string {
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = string(a)
	}
	return strings.Join(parts, " + ")
}

// Outbound message templates. Kept short and platform-neutral; the transport
// binding owns any platform-specific formatting.
const (
	msgProposal = "Deal! Let's trade %s. You go first: do it on my latest post, " +
		"then send me the link or @handle of your content so I can return the favor."

	msgNudgeForTarget = "Still up for the trade? Send me the link or @handle of " +
		"your content and we're on."

	msgClosingNoTarget = "No link, no trade - I'll close this one out. Ping me " +
		"again whenever you're ready."

	msgProofInstructions = "Got it. Now show me you've done your part: send a " +
		"screenshot that clearly shows your %s on my content, and I'll do the same on %s."

	msgAwaitingProof = "Still waiting on your screenshot - send it over whenever " +
		"you've done your part and I'll verify it."

	msgProofFetchFailed = "I couldn't open that image. Mind sending the screenshot " +
		"again?"

	msgReRequestProof = "That screenshot doesn't show the actions we agreed on. " +
		"Send one that clearly shows them and we'll finish the trade."

	msgClosingUnverified = "I couldn't verify your proof after several tries, so " +
		"I'm closing this trade."

	msgSuccess = "Verified! Returning the favor on your content now. Pleasure " +
		"doing business."
)
