// Package control holds the operator-facing live-mode switch. The external
// control surface (admin API, emergency stop) flips it; the engine consults
// it before every transport send or reward dispatch.
package control

import "sync/atomic"

// Switch is a concurrency-safe boolean toggle between simulated and live mode.
type Switch struct {
	live atomic.Bool
}

// New returns a Switch with the given initial mode. The engine defaults to
// simulated (live == false) unless explicitly configured otherwise.
func New(live bool) *Switch {
	s := &Switch{}
	s.live.Store(live)
	return s
}

// Live reports whether the engine may invoke the real transport and dispatcher.
func (s *Switch) Live() bool {
	return s.live.Load()
}

// SetLive flips the mode.
func (s *Switch) SetLive(v bool) {
	s.live.Store(v)
}
