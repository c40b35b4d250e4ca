package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"likeswap.app/engine/common/logger"
	"likeswap.app/engine/internal/model"
	"likeswap.app/engine/internal/transport"
)

// Handler consumes routed inbound messages. Satisfied by the engine manager.
type Handler interface {
	HandleInbound(ctx context.Context, in transport.Inbound) error
	RegisterIdentity(ident model.Identity)
	Drain(timeout time.Duration) bool
	AbortInFlight(ctx context.Context) error
}

type Config struct {
	// ConnectRetries bounds reconnection attempts per identity before that
	// identity is given up on. Other identities are unaffected.
	ConnectRetries int
	ConnectBackoff time.Duration
	DrainTimeout   time.Duration
}

// Coordinator runs one goroutine per connected identity and routes each
// inbound message to the handler. A failure on one identity's connection
// never disturbs the others.
type Coordinator struct {
	transport transport.ChatTransport
	handler   Handler
	cfg       Config

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	identities []model.Identity
}

func New(chat transport.ChatTransport, handler Handler, cfg Config) *Coordinator {
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 3
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = 2 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Coordinator{
		transport: chat,
		handler:   handler,
		cfg:       cfg,
	}
}

// ConnectAll connects every identity and starts its message loop. Identities
// that fail all connection attempts are skipped with an error log; the rest
// keep running.
func (c *Coordinator) ConnectAll(ctx context.Context, identities []model.Identity) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, ident := range identities {
		ident := ident

		if err := c.connectWithRetry(ctx, ident); err != nil {
			slog.ErrorContext(ctx, "identity connection abandoned",
				"identity_id", ident.ID,
				"handle", ident.Handle,
				"error", err)
			continue
		}

		c.handler.RegisterIdentity(ident)

		c.mu.Lock()
		c.identities = append(c.identities, ident)
		c.mu.Unlock()

		c.wg.Add(1)
		go c.runIdentity(ctx, ident)
	}
}

func (c *Coordinator) connectWithRetry(ctx context.Context, ident model.Identity) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectRetries; attempt++ {
		lastErr = c.transport.Connect(ctx, ident)
		if lastErr == nil {
			return nil
		}

		slog.WarnContext(ctx, "identity connect failed",
			"identity_id", ident.ID,
			"attempt", attempt,
			"error", lastErr)

		if attempt == c.cfg.ConnectRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ConnectBackoff):
		}
	}
	return lastErr
}

func (c *Coordinator) runIdentity(ctx context.Context, ident model.Identity) {
	defer c.wg.Done()

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		IdentityID: logger.Ptr(ident.ID),
		Component:  "coordinator",
	})

	slog.InfoContext(ctx, "identity message loop started", "handle", ident.Handle)

	msgs := c.transport.Messages(ident.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-msgs:
			if !ok {
				slog.InfoContext(ctx, "identity message channel closed")
				return
			}
			c.handleSafe(ctx, in)
		}
	}
}

// handleSafe isolates one message's processing; a panic or error fails only
// that counterparty's request.
func (c *Coordinator) handleSafe(ctx context.Context, in transport.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message handling",
				"panic", r,
				"counterparty_id", in.CounterpartyID)
		}
	}()

	if err := c.handler.HandleInbound(ctx, in); err != nil {
		slog.ErrorContext(ctx, "inbound message handling failed",
			"counterparty_id", in.CounterpartyID,
			"error", err)
	}
}

// Shutdown disconnects every identity, waits for message loops to exit, then
// drains in-flight handling. Requests still mid-verification after the drain
// window are force-failed so nothing dangles.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	identities := make([]model.Identity, len(c.identities))
	copy(identities, c.identities)
	c.mu.Unlock()

	for _, ident := range identities {
		if err := c.transport.Disconnect(ident.ID); err != nil {
			slog.WarnContext(ctx, "identity disconnect failed",
				"identity_id", ident.ID,
				"error", err)
		}
	}

	c.wg.Wait()

	if !c.handler.Drain(c.cfg.DrainTimeout) {
		slog.WarnContext(ctx, "drain timeout elapsed with work in flight",
			"timeout", c.cfg.DrainTimeout)
	}

	return c.handler.AbortInFlight(ctx)
}
