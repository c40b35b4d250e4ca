package model

import "time"

// AgeTier buckets a chat identity by account age. Younger accounts get
// smaller hourly action quotas to avoid platform throttling.
type AgeTier string

const (
	TierNew         AgeTier = "new"
	TierWarming     AgeTier = "warming"
	TierEstablished AgeTier = "established"
)

// Tier age boundaries.
const (
	newTierMaxAge     = 7 * 24 * time.Hour
	warmingTierMaxAge = 30 * 24 * time.Hour
)

// Identity is one chat account operated by the engine.
type Identity struct {
	ID     int64  `json:"id"`
	Handle string `json:"handle"`

	// AccountCreatedAt is when the account was registered on the chat
	// platform, not when the row was inserted.
	AccountCreatedAt time.Time `json:"account_created_at"`

	// Rolling-hour quota state, persisted so a restart does not grant a
	// fresh window.
	HourlyActionCount int       `json:"hourly_action_count"`
	HourWindowStart   time.Time `json:"hour_window_start"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tier derives the age tier at the given instant.
func (i *Identity) Tier(now time.Time) AgeTier {
	age := now.Sub(i.AccountCreatedAt)
	switch {
	case age < newTierMaxAge:
		return TierNew
	case age < warmingTierMaxAge:
		return TierWarming
	default:
		return TierEstablished
	}
}
