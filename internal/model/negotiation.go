package model

import "time"

type ActionKind string

const (
	ActionLike      ActionKind = "like"
	ActionComment   ActionKind = "comment"
	ActionSubscribe ActionKind = "subscribe"
)

// NegotiationStage is a closed enum; transitions between stages are validated
// by the engine's transition table, never by ad hoc string comparison.
type NegotiationStage string

const (
	StageInitialContact NegotiationStage = "initial_contact"
	StageNegotiating    NegotiationStage = "negotiating"
	StageProofRequested NegotiationStage = "proof_requested"
	StageVerifyingProof NegotiationStage = "verifying_proof"
	StageCompleted      NegotiationStage = "completed"
	StageFailed         NegotiationStage = "failed"
)

// Terminal reports whether the stage admits no further transitions.
func (s NegotiationStage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// VerificationResult is the verifier's verdict on a submitted proof image.
// Verified is derived by the verification pipeline from DetectedActions and
// ContentMatch against the engine policy; it is never set anywhere else.
type VerificationResult struct {
	DetectedActions map[ActionKind]float64 `json:"detected_actions"`
	ContentMatch    bool                   `json:"content_match"`
	Verified        bool                   `json:"verified"`
	ModelVersion    string                 `json:"model_version"`

	// Degraded marks a result produced while the classifier was unreachable.
	// A degraded result is always unverified and counts as a normal failed
	// attempt.
	Degraded bool `json:"degraded,omitempty"`
}

// NegotiationRequest tracks one exchange negotiation with a counterparty.
// At most one request per counterparty may be in a non-terminal stage; once
// the stage is terminal the request is immutable and retained for audit.
type NegotiationRequest struct {
	ID             int64  `json:"id"`
	CounterpartyID string `json:"counterparty_id"`
	IdentityID     int64  `json:"identity_id"`

	RequestedActions []ActionKind     `json:"requested_actions"`
	TargetReference  *string          `json:"target_reference,omitempty"`
	Stage            NegotiationStage `json:"stage"`
	AttemptCount     int              `json:"attempt_count"`

	// LastProofDigest is the SHA-256 of the most recent proof image. Raw
	// image bytes are not retained; the digest lets operators correlate
	// ledger entries with externally archived media.
	LastProofDigest *string             `json:"last_proof_digest,omitempty"`
	Verification    *VerificationResult `json:"verification,omitempty"`

	// RewardSent transitions false -> true exactly once and never reverts.
	RewardSent bool `json:"reward_sent"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the request reached a terminal stage.
func (r *NegotiationRequest) Terminal() bool {
	return r.Stage.Terminal()
}

// Requested reports whether the counterparty asked for the given action kind.
func (r *NegotiationRequest) Requested(kind ActionKind) bool {
	for _, k := range r.RequestedActions {
		if k == kind {
			return true
		}
	}
	return false
}
