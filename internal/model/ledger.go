package model

import (
	"encoding/json"
	"time"
)

// LedgerEventKind classifies activity ledger entries.
type LedgerEventKind string

const (
	LedgerNegotiationCreated   LedgerEventKind = "negotiation_created"
	LedgerMessageSent          LedgerEventKind = "message_sent"
	LedgerMessageIgnored       LedgerEventKind = "message_ignored"
	LedgerActionDeferred       LedgerEventKind = "action_deferred"
	LedgerProofReceived        LedgerEventKind = "proof_received"
	LedgerVerification         LedgerEventKind = "verification"
	LedgerNegotiationCompleted LedgerEventKind = "negotiation_completed"
	LedgerRewardSent           LedgerEventKind = "reward_sent"
	LedgerRewardEscalated      LedgerEventKind = "reward_escalated"
	LedgerNegotiationFailed    LedgerEventKind = "negotiation_failed"
	LedgerShutdownAborted      LedgerEventKind = "shutdown_aborted"
)

// LedgerEvent is one append-only audit record. Events are never updated or
// deleted; the ledger doubles as the offline-retraining corpus for the
// verifier, so verification events carry the full VerificationResult JSON
// in Detail.
type LedgerEvent struct {
	ID             int64            `json:"id"`
	NegotiationID  int64            `json:"negotiation_id"`
	IdentityID     int64            `json:"identity_id"`
	CounterpartyID string           `json:"counterparty_id"`
	Kind           LedgerEventKind  `json:"kind"`
	Stage          NegotiationStage `json:"stage"`
	Detail         json.RawMessage  `json:"detail,omitempty"`

	// Simulated marks events produced while live mode was off.
	Simulated bool `json:"simulated"`

	RecordedAt time.Time `json:"recorded_at"`
}
