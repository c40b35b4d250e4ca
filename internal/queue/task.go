package queue

type TaskType string

const (
	// TaskTypeOutboundMessage is a negotiation message deferred because the
	// identity's hourly quota was exhausted or the platform throttled it.
	TaskTypeOutboundMessage TaskType = "outbound_message"

	// TaskTypeRewardDispatch is a reward deferred for the same reasons. The
	// negotiation stays COMPLETED while the reward waits here.
	TaskTypeRewardDispatch TaskType = "reward_dispatch"
)

// Task is one deferred outbound action. Deferral must never drop the
// counterparty's request, so every task carries enough to resume.
type Task struct {
	TaskType       TaskType
	NegotiationID  int64
	IdentityID     int64
	CounterpartyID string
	Text           string
	TraceID        string
	Attempt        int
}
