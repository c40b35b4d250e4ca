package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"likeswap.app/engine/internal/control"
	"likeswap.app/engine/internal/http/handler"
	"likeswap.app/engine/internal/model"
	"likeswap.app/engine/internal/ratelimit"
	"likeswap.app/engine/internal/store"
)

var _ = Describe("AdminHandler", func() {
	const adminAPIKey = "test-admin-key"

	var (
		router       *gin.Engine
		negotiations *mockNegotiationStore
		ledger       *mockLedgerStore
		live         *control.Switch
		limiter      *ratelimit.Limiter
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		negotiations = &mockNegotiationStore{}
		ledger = &mockLedgerStore{}
		live = control.New(false)
		limiter = ratelimit.New(ratelimit.Config{
			Caps: map[model.AgeTier]int{model.TierEstablished: 30},
		})

		h := handler.NewAdminHandler(negotiations, ledger, live, limiter, adminAPIKey)

		admin := router.Group("/admin")
		admin.Use(h.RequireAdminAPIKey())
		{
			admin.GET("/mode", h.GetMode)
			admin.PUT("/mode", h.SetMode)
			admin.GET("/negotiations", h.ListNegotiations)
			admin.GET("/negotiations/:id", h.GetNegotiation)
			admin.GET("/quotas", h.GetQuotas)
		}
	})

	doJSON := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("X-Admin-API-Key", adminAPIKey)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	Describe("RequireAdminAPIKey middleware", func() {
		It("rejects requests without a key", func() {
			req := httptest.NewRequest(http.MethodGet, "/admin/mode", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			Expect(w.Code).To(Equal(http.StatusUnauthorized))
		})

		It("accepts the key via bearer token", func() {
			req := httptest.NewRequest(http.MethodGet, "/admin/mode", nil)
			req.Header.Set("Authorization", "Bearer "+adminAPIKey)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			Expect(w.Code).To(Equal(http.StatusOK))
		})
	})

	Describe("mode switch", func() {
		It("reports simulated mode by default", func() {
			w := doJSON(http.MethodGet, "/admin/mode", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(MatchJSON(`{"live": false}`))
		})

		It("flips to live and back", func() {
			w := doJSON(http.MethodPut, "/admin/mode", gin.H{"live": true})
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(live.Live()).To(BeTrue())

			w = doJSON(http.MethodPut, "/admin/mode", gin.H{"live": false})
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(live.Live()).To(BeFalse())
		})

		It("rejects a body without the live field", func() {
			w := doJSON(http.MethodPut, "/admin/mode", gin.H{})
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GetNegotiation", func() {
		It("returns the negotiation with its ledger trail", func() {
			target := "https://clips.example/v/9"
			negotiations.getByIDFn = func(_ context.Context, id int64) (*model.NegotiationRequest, error) {
				return &model.NegotiationRequest{
					ID:               id,
					CounterpartyID:   "cp-1",
					IdentityID:       1,
					RequestedActions: []model.ActionKind{model.ActionLike},
					TargetReference:  &target,
					Stage:            model.StageCompleted,
					RewardSent:       true,
					CreatedAt:        time.Now(),
					UpdatedAt:        time.Now(),
				}, nil
			}
			ledger.listByNegotiationFn = func(_ context.Context, negotiationID int64) ([]model.LedgerEvent, error) {
				return []model.LedgerEvent{
					{ID: 10, NegotiationID: negotiationID, Kind: model.LedgerNegotiationCreated},
					{ID: 11, NegotiationID: negotiationID, Kind: model.LedgerRewardSent},
				}, nil
			}

			w := doJSON(http.MethodGet, "/admin/negotiations/42", nil)
			Expect(w.Code).To(Equal(http.StatusOK))

			var resp struct {
				Negotiation struct {
					ID         int64  `json:"id"`
					Stage      string `json:"stage"`
					RewardSent bool   `json:"reward_sent"`
				} `json:"negotiation"`
				Ledger []model.LedgerEvent `json:"ledger"`
			}
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Negotiation.ID).To(Equal(int64(42)))
			Expect(resp.Negotiation.Stage).To(Equal("completed"))
			Expect(resp.Negotiation.RewardSent).To(BeTrue())
			Expect(resp.Ledger).To(HaveLen(2))
		})

		It("returns 404 for an unknown negotiation", func() {
			negotiations.getByIDFn = func(context.Context, int64) (*model.NegotiationRequest, error) {
				return nil, store.ErrNotFound
			}
			w := doJSON(http.MethodGet, "/admin/negotiations/999", nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 400 for a non-numeric id", func() {
			w := doJSON(http.MethodGet, "/admin/negotiations/abc", nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 500 when the store fails", func() {
			negotiations.getByIDFn = func(context.Context, int64) (*model.NegotiationRequest, error) {
				return nil, errors.New("connection refused")
			}
			w := doJSON(http.MethodGet, "/admin/negotiations/1", nil)
			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("ListNegotiations", func() {
		It("lists active negotiations", func() {
			negotiations.listActiveFn = func(context.Context) ([]model.NegotiationRequest, error) {
				return []model.NegotiationRequest{
					{ID: 1, CounterpartyID: "cp-1", Stage: model.StageNegotiating},
					{ID: 2, CounterpartyID: "cp-2", Stage: model.StageProofRequested},
				}, nil
			}

			w := doJSON(http.MethodGet, "/admin/negotiations", nil)
			Expect(w.Code).To(Equal(http.StatusOK))

			var resp struct {
				Negotiations []struct {
					ID    int64  `json:"id"`
					Stage string `json:"stage"`
				} `json:"negotiations"`
			}
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Negotiations).To(HaveLen(2))
		})
	})

	Describe("GetQuotas", func() {
		It("exposes the limiter snapshot", func() {
			limiter.Seed(1, ratelimit.Quota{Count: 7, WindowStart: time.Now()})

			w := doJSON(http.MethodGet, "/admin/quotas", nil)
			Expect(w.Code).To(Equal(http.StatusOK))

			var resp struct {
				Quotas []struct {
					IdentityID int64 `json:"identity_id"`
					Count      int   `json:"count"`
				} `json:"quotas"`
			}
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Quotas).To(HaveLen(1))
			Expect(resp.Quotas[0].Count).To(Equal(7))
		})
	})
})
