// Package ratelimit enforces the per-identity rolling-hour action budget.
// Every outbound action an identity takes - negotiation messages and reward
// dispatch alike - must pass Allow first; excessive messaging risks platform
// throttling just as much as excessive rewards.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"likeswap.app/engine/internal/model"
)

const window = time.Hour

type Config struct {
	// Caps maps each age tier to its hourly action cap.
	Caps map[model.AgeTier]int

	// SendRate / SendBurst smooth bursts within the hourly window so an
	// identity does not fire its whole budget in a few seconds. Zero
	// SendRate disables pacing.
	SendRate  rate.Limit
	SendBurst int
}

// Quota is a snapshot of one identity's window state, used to persist
// counters across restarts.
type Quota struct {
	Count       int
	WindowStart time.Time
}

type identityState struct {
	count       int
	windowStart time.Time
	pacer       *rate.Limiter
}

// Limiter tracks window state per identity. All counter mutation happens
// under the limiter lock; multiple counterparties served by the same identity
// trigger concurrent Allow calls.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	states map[int64]*identityState

	now func() time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:    cfg,
		states: make(map[int64]*identityState),
		now:    time.Now,
	}
}

// Seed restores persisted window state for an identity, typically at startup.
func (l *Limiter) Seed(identityID int64, q Quota) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(identityID)
	st.count = q.Count
	st.windowStart = q.WindowStart
}

// Allow reports whether the identity may take one more action. On a fresh or
// elapsed window the counter resets; when the cap is reached it returns false
// without mutating state, and the caller must defer the action rather than
// drop it.
func (l *Limiter) Allow(identityID int64, tier model.AgeTier) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(identityID)

	if now.Sub(st.windowStart) >= window {
		st.count = 0
		st.windowStart = now
	}

	tierCap, ok := l.cfg.Caps[tier]
	if !ok {
		return false
	}
	if st.count >= tierCap {
		return false
	}

	st.count++
	return true
}

// Pace blocks until the identity's steady-rate limiter admits one send, or
// the context is done. No-op when pacing is disabled.
func (l *Limiter) Pace(ctx context.Context, identityID int64) error {
	if l.cfg.SendRate == 0 {
		return nil
	}

	l.mu.Lock()
	st := l.state(identityID)
	pacer := st.pacer
	l.mu.Unlock()

	return pacer.Wait(ctx)
}

// Snapshot returns the current window state of every tracked identity.
func (l *Limiter) Snapshot() map[int64]Quota {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[int64]Quota, len(l.states))
	for id, st := range l.states {
		out[id] = Quota{Count: st.count, WindowStart: st.windowStart}
	}
	return out
}

// state returns the identity's entry, creating it lazily. Caller holds l.mu.
func (l *Limiter) state(identityID int64) *identityState {
	st, ok := l.states[identityID]
	if !ok {
		burst := l.cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		sendRate := l.cfg.SendRate
		if sendRate == 0 {
			sendRate = rate.Inf
		}
		st = &identityState{
			windowStart: l.now(),
			pacer:       rate.NewLimiter(sendRate, burst),
		}
		l.states[identityID] = st
	}
	return st
}
