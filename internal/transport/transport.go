package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"likeswap.app/engine/internal/model"
)

// Inbound is one message delivered by the chat platform, tagged with the
// identity whose connection received it. Per-identity delivery order is
// preserved; no ordering holds across identities.
type Inbound struct {
	IdentityID     int64
	CounterpartyID string
	Text           string

	// MediaRef is non-empty when the message carries an image attachment.
	// The bytes are fetched lazily via DownloadMedia.
	MediaRef string

	ReceivedAt time.Time
}

// ChatTransport is the collaborator contract for the concrete chat platform
// binding. The engine only ever talks to this interface; the real binding
// lives outside this repository.
type ChatTransport interface {
	Connect(ctx context.Context, identity model.Identity) error

	// Messages returns the inbound stream for one identity. The channel is
	// closed when the identity disconnects.
	Messages(identityID int64) <-chan Inbound

	Send(ctx context.Context, identityID int64, counterpartyID, text string) error
	DownloadMedia(ctx context.Context, mediaRef string) ([]byte, error)
	Disconnect(identityID int64) error
}

// ErrNoPermission means the platform refused the send for this counterparty.
// The send is aborted and logged; it is not fatal to the negotiation.
var ErrNoPermission = errors.New("no permission to message counterparty")

// RateLimitedError means the platform throttled the identity. The action
// should be deferred and retried after RetryAfter.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by platform, retry after %s", e.RetryAfter)
}

// TransientError wraps a network-level failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient transport error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}
