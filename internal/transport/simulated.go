package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"likeswap.app/engine/internal/model"
)

// SentMessage records one outbound send made through the simulated transport.
type SentMessage struct {
	IdentityID     int64
	CounterpartyID string
	Text           string
	SentAt         time.Time
}

// Simulated is an in-memory ChatTransport. It backs the engine's default
// (non-live) mode and the test suites: inbound messages are injected with
// Deliver, outbound sends are recorded, and media is served from a registry.
type Simulated struct {
	mu        sync.Mutex
	channels  map[int64]chan Inbound
	media     map[string][]byte
	sent      []SentMessage
	connected map[int64]bool

	// Fault injection for tests: errors returned by Connect / Send keyed by
	// identity ID.
	connectErr map[int64]error
	sendErr    map[int64]error
}

func NewSimulated() *Simulated {
	return &Simulated{
		channels:   make(map[int64]chan Inbound),
		media:      make(map[string][]byte),
		connected:  make(map[int64]bool),
		connectErr: make(map[int64]error),
		sendErr:    make(map[int64]error),
	}
}

func (s *Simulated) Connect(_ context.Context, identity model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connectErr[identity.ID]; err != nil {
		return err
	}

	if _, ok := s.channels[identity.ID]; !ok {
		s.channels[identity.ID] = make(chan Inbound, 64)
	}
	s.connected[identity.ID] = true
	return nil
}

func (s *Simulated) Messages(identityID int64) <-chan Inbound {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[identityID]
	if !ok {
		ch = make(chan Inbound, 64)
		s.channels[identityID] = ch
	}
	return ch
}

func (s *Simulated) Send(_ context.Context, identityID int64, counterpartyID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sendErr[identityID]; err != nil {
		return err
	}

	s.sent = append(s.sent, SentMessage{
		IdentityID:     identityID,
		CounterpartyID: counterpartyID,
		Text:           text,
		SentAt:         time.Now(),
	})
	return nil
}

func (s *Simulated) DownloadMedia(_ context.Context, mediaRef string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.media[mediaRef]
	if !ok {
		return nil, &TransientError{Err: fmt.Errorf("media %q not available", mediaRef)}
	}
	return data, nil
}

func (s *Simulated) Disconnect(identityID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[identityID]; ok && s.connected[identityID] {
		close(ch)
		delete(s.channels, identityID)
	}
	s.connected[identityID] = false
	return nil
}

// Deliver injects an inbound message as if the platform pushed it.
func (s *Simulated) Deliver(msg Inbound) {
	s.mu.Lock()
	ch, ok := s.channels[msg.IdentityID]
	if !ok {
		ch = make(chan Inbound, 64)
		s.channels[msg.IdentityID] = ch
	}
	s.mu.Unlock()

	ch <- msg
}

// SetMedia registers image bytes for a media reference.
func (s *Simulated) SetMedia(ref string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[ref] = data
}

// Sent returns a copy of all recorded outbound messages.
func (s *Simulated) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// FailConnect makes Connect return err for the given identity (nil clears it).
func (s *Simulated) FailConnect(identityID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr[identityID] = err
}

// FailSend makes Send return err for the given identity (nil clears it).
func (s *Simulated) FailSend(identityID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr[identityID] = err
}
