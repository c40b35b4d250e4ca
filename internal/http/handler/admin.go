package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"likeswap.app/engine/internal/control"
	"likeswap.app/engine/internal/model"
	"likeswap.app/engine/internal/ratelimit"
	"likeswap.app/engine/internal/store"
)

// AdminHandler serves the operator surface: the live/simulated switch,
// negotiation inspection, and quota state.
type AdminHandler struct {
	negotiations store.NegotiationStore
	ledger       store.LedgerStore
	live         *control.Switch
	limiter      *ratelimit.Limiter
	adminAPIKey  string
}

func NewAdminHandler(
	negotiations store.NegotiationStore,
	ledger store.LedgerStore,
	live *control.Switch,
	limiter *ratelimit.Limiter,
	adminAPIKey string,
) *AdminHandler {
	return &AdminHandler{
		negotiations: negotiations,
		ledger:       ledger,
		live:         live,
		limiter:      limiter,
		adminAPIKey:  adminAPIKey,
	}
}

type modeResponse struct {
	Live bool `json:"live"`
}

type setModeRequest struct {
	Live *bool `json:"live" binding:"required"`
}

func (h *AdminHandler) GetMode(c *gin.Context) {
	c.JSON(http.StatusOK, modeResponse{Live: h.live.Live()})
}

func (h *AdminHandler) SetMode(c *gin.Context) {
	ctx := c.Request.Context()

	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.live.SetLive(*req.Live)
	slog.InfoContext(ctx, "live mode changed", "live", *req.Live)

	c.JSON(http.StatusOK, modeResponse{Live: h.live.Live()})
}

type negotiationResponse struct {
	ID               int64                     `json:"id"`
	CounterpartyID   string                    `json:"counterparty_id"`
	IdentityID       int64                     `json:"identity_id"`
	RequestedActions []model.ActionKind        `json:"requested_actions"`
	TargetReference  *string                   `json:"target_reference,omitempty"`
	Stage            string                    `json:"stage"`
	AttemptCount     int                       `json:"attempt_count"`
	RewardSent       bool                      `json:"reward_sent"`
	Verification     *model.VerificationResult `json:"verification,omitempty"`
	CreatedAt        string                    `json:"created_at"`
	UpdatedAt        string                    `json:"updated_at"`
}

func (h *AdminHandler) ListNegotiations(c *gin.Context) {
	ctx := c.Request.Context()

	active, err := h.negotiations.ListActive(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list negotiations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list negotiations"})
		return
	}

	out := make([]negotiationResponse, len(active))
	for i := range active {
		out[i] = toNegotiationResponse(&active[i])
	}
	c.JSON(http.StatusOK, gin.H{"negotiations": out})
}

func (h *AdminHandler) GetNegotiation(c *gin.Context) {
	ctx := c.Request.Context()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid negotiation id"})
		return
	}

	req, err := h.negotiations.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "negotiation not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load negotiation", "error", err, "negotiation_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load negotiation"})
		return
	}

	events, err := h.ledger.ListByNegotiation(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load ledger events", "error", err, "negotiation_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load ledger events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"negotiation": toNegotiationResponse(req),
		"ledger":      events,
	})
}

type quotaResponse struct {
	IdentityID  int64  `json:"identity_id"`
	Count       int    `json:"count"`
	WindowStart string `json:"window_start"`
}

func (h *AdminHandler) GetQuotas(c *gin.Context) {
	snapshot := h.limiter.Snapshot()

	out := make([]quotaResponse, 0, len(snapshot))
	for id, q := range snapshot {
		out = append(out, quotaResponse{
			IdentityID:  id,
			Count:       q.Count,
			WindowStart: q.WindowStart.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"quotas": out})
}

// RequireAdminAPIKey middleware checks for valid admin API key
func (h *AdminHandler) RequireAdminAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.adminAPIKey == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin API not configured"})
			c.Abort()
			return
		}

		apiKey := c.GetHeader("X-Admin-API-Key")
		if apiKey == "" {
			apiKey = c.GetHeader("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}

		if apiKey != h.adminAPIKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func toNegotiationResponse(req *model.NegotiationRequest) negotiationResponse {
	return negotiationResponse{
		ID:               req.ID,
		CounterpartyID:   req.CounterpartyID,
		IdentityID:       req.IdentityID,
		RequestedActions: req.RequestedActions,
		TargetReference:  req.TargetReference,
		Stage:            string(req.Stage),
		AttemptCount:     req.AttemptCount,
		RewardSent:       req.RewardSent,
		Verification:     req.Verification,
		CreatedAt:        req.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:        req.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
