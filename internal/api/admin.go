package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gabztoo/Perpetuo/internal/budget"
	"github.com/gabztoo/Perpetuo/internal/cost"
	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/repository"
	"github.com/goccy/go-json"
	"golang.org/x/crypto/bcrypt"
)

type CircuitAdmin interface {
	CircuitStates(ctx context.Context) map[string]string
	ResetCircuit(ctx context.Context, provider string) error
}

type SpendReader interface {
	Spent(ctx context.Context, tenantID string, day string) (budget.Spend, error)
}

type ConfigInvalidator interface {
	Invalidate(tenantID string)
}

type AdminConfig struct {
	// TokenHash is the bcrypt hash of the admin bearer token. An empty hash
	// disables every admin route.
	TokenHash string
	Tenants   repository.TenantRepository
	Circuits  CircuitAdmin
	Spend     SpendReader
	Usage     cost.Tracker
	Configs   ConfigInvalidator
	Now       func() time.Time
}

type AdminHandler struct {
	tokenHash []byte
	tenants   repository.TenantRepository
	circuits  CircuitAdmin
	spend     SpendReader
	usage     cost.Tracker
	configs   ConfigInvalidator
	now       func() time.Time
	mux       *http.ServeMux
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		tokenHash: []byte(cfg.TokenHash),
		tenants:   cfg.Tenants,
		circuits:  cfg.Circuits,
		spend:     cfg.Spend,
		usage:     cfg.Usage,
		configs:   cfg.Configs,
		now:       cfg.Now,
		mux:       http.NewServeMux(),
	}
	if h.now == nil {
		h.now = time.Now
	}

	h.mux.HandleFunc("GET /admin/circuits", h.listCircuits)
	h.mux.HandleFunc("POST /admin/circuits/{provider}/reset", h.resetCircuit)
	h.mux.HandleFunc("GET /admin/tenants/{id}/usage", h.tenantUsage)
	h.mux.HandleFunc("POST /admin/tenants/{id}/config/invalidate", h.invalidateConfig)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeAdminError(w, http.StatusUnauthorized, "invalid admin token")
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) authorized(r *http.Request) bool {
	if len(h.tokenHash) == 0 {
		return false
	}
	token := extractAPIKey(r)
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(h.tokenHash, []byte(token)) == nil
}

func (h *AdminHandler) listCircuits(w http.ResponseWriter, r *http.Request) {
	states := h.circuits.CircuitStates(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"circuits": states,
		"count":    len(states),
	})
}

func (h *AdminHandler) resetCircuit(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	if err := h.circuits.ResetCircuit(r.Context(), provider); err != nil {
		slog.Error("failed to reset circuit", "provider", provider, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to reset circuit")
		return
	}

	slog.Info("circuit reset via admin API", "provider", provider)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"provider": provider,
		"state":    "closed",
	})
}

type TenantUsageResponse struct {
	TenantID         string  `json:"tenant_id"`
	Day              string  `json:"day"`
	BudgetPerDay     float64 `json:"budget_per_day"`
	SpentUSD         float64 `json:"spent_usd"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Requests         int     `json:"requests"`
	LoggedCostUSD    float64 `json:"logged_cost_usd"`
}

func (h *AdminHandler) tenantUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	tenant, err := h.tenants.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			writeAdminError(w, http.StatusNotFound, "tenant not found")
			return
		}
		slog.Error("tenant lookup failed", "tenant_id", id, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "tenant lookup failed")
		return
	}

	now := h.now().UTC()
	day := budget.Day(now)
	resp := TenantUsageResponse{
		TenantID:     tenant.ID,
		Day:          day,
		BudgetPerDay: tenant.Limits.BudgetPerDay,
	}

	if h.spend != nil {
		spend, err := h.spend.Spent(ctx, tenant.ID, day)
		if err != nil {
			slog.Error("failed to read spend", "tenant_id", tenant.ID, "error", err)
			writeAdminError(w, http.StatusInternalServerError, "failed to read usage")
			return
		}
		resp.SpentUSD = spend.CostUSD()
		resp.PromptTokens = spend.PromptTokens
		resp.CompletionTokens = spend.CompletionTokens
	}

	if h.usage != nil {
		since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		records, err := h.usage.GetTenantUsage(ctx, tenant.ID, since)
		if err != nil {
			slog.Warn("failed to read usage log", "tenant_id", tenant.ID, "error", err)
		}
		resp.Requests = len(records)

		total, err := h.usage.GetTenantTotalCost(ctx, tenant.ID, since)
		if err != nil {
			slog.Warn("failed to total usage log", "tenant_id", tenant.ID, "error", err)
		}
		resp.LoggedCostUSD = total
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *AdminHandler) invalidateConfig(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if h.configs == nil {
		writeAdminError(w, http.StatusNotFound, "tenant configuration service not configured")
		return
	}

	h.configs.Invalidate(id)
	slog.Info("tenant config invalidated", "tenant_id", id)

	w.WriteHeader(http.StatusNoContent)
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
	})
}
