package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/auth"
	"github.com/opensource-finance/kestrel/internal/batch"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/loyalty"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/search"
	"github.com/opensource-finance/kestrel/internal/trust"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Auditor records operator actions.
type Auditor interface {
	Record(ctx context.Context, op *domain.OperatorContext, actionType, target string, detail map[string]any)
}

// Deps are the services the API serves.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Trust    *trust.Service
	Batch    *batch.Runner
	Loyalty  *loyalty.Service
	Rules    *rules.Engine
	Trending *search.Trending
	Searches *velocity.Limiter // optional
	Auth     *auth.Authorizer
	Audit    Auditor
	Version  string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(r.Context()); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.deps.Repo != nil {
		check("repository", h.deps.Repo.Ping)
	}
	if h.deps.Cache != nil {
		check("cache", h.deps.Cache.Ping)
	}
	if h.deps.Bus != nil {
		check("eventbus", h.deps.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.deps.Version,
		"checks":  checks,
	})
}

// Ready handles GET /ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetRiskRecord handles GET /users/{id}/risk.
func (h *Handler) GetRiskRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Trust.GetRiskRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// AssessUserRisk handles POST /admin/users/{id}/risk/assess.
func (h *Handler) AssessUserRisk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	rec, err := h.deps.Trust.AssessUserRisk(ctx, userID, GetOperator(ctx))
	if err != nil {
		slog.Error("assessment failed",
			"user_id", userID,
			"trace_id", GetTraceID(ctx),
			"error", err,
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// MigrationResponse is the response for POST /admin/trust-score/migrate.
type MigrationResponse struct {
	Summary domain.BatchSummary `json:"summary"`
	State   batch.State         `json:"state"`
	Error   string              `json:"error,omitempty"`
}

// RunMigration handles POST /admin/trust-score/migrate. The run is not tied
// to the client connection.
func (h *Handler) RunMigration(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())

	summary, err := h.deps.Batch.RunTrustScoreMigration(ctx, GetOperator(r.Context()))
	resp := MigrationResponse{Summary: summary, State: h.deps.Batch.State()}

	switch {
	case errors.Is(err, batch.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// WeightsResponse describes the active scoring tables.
type WeightsResponse struct {
	Weights    scoring.Weights    `json:"weights"`
	Thresholds scoring.Thresholds `json:"thresholds"`
}

// GetWeights handles GET /admin/scoring/weights.
func (h *Handler) GetWeights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, WeightsResponse{
		Weights:    h.deps.Trust.Weights(),
		Thresholds: h.deps.Trust.Thresholds(),
	})
}

// UpdateWeights handles PUT /admin/scoring/weights.
func (h *Handler) UpdateWeights(w http.ResponseWriter, r *http.Request) {
	var weights scoring.Weights
	if err := json.NewDecoder(r.Body).Decode(&weights); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.deps.Trust.SetWeights(r.Context(), weights, GetOperator(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	h.GetWeights(w, r)
}

// ListSuspectRules handles GET /admin/scoring/rules.
func (h *Handler) ListSuspectRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.deps.Rules.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// ReplaceSuspectRules handles PUT /admin/scoring/rules. The whole set is
// compiled before any rule is swapped in, then persisted for restarts.
func (h *Handler) ReplaceSuspectRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rules []domain.SuspectRule `json:"rules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.deps.Rules.ReloadRules(req.Rules); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to load rules: " + err.Error(),
		})
		return
	}

	if h.deps.Repo != nil {
		raw, _ := json.Marshal(req.Rules)
		if err := h.deps.Repo.SaveSetting(r.Context(), rules.SettingKey, raw); err != nil {
			writeError(w, domain.Infra("save suspect rules", err))
			return
		}
	}

	if h.deps.Audit != nil {
		names := make([]string, len(req.Rules))
		for i, rule := range req.Rules {
			names[i] = rule.Name
		}
		h.deps.Audit.Record(r.Context(), GetOperator(r.Context()), domain.AuditRulesReplaced, "scoring.rules", map[string]any{
			"rules": names,
		})
	}

	slog.Info("suspect rules replaced", "count", len(req.Rules))
	h.ListSuspectRules(w, r)
}

// ListAuditEntries handles GET /admin/audit.
func (h *Handler) ListAuditEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Repo.ListAuditEntries(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// TrendingSearches handles GET /search/trending.
func (h *Handler) TrendingSearches(w http.ResponseWriter, r *http.Request) {
	terms, err := h.deps.Trending.Top(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"terms": terms,
	})
}

// RecordSearch handles POST /search/trending.
func (h *Handler) RecordSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Term string `json:"term"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if h.deps.Searches != nil {
		ok, _, err := h.deps.Searches.Allow(r.Context(), clientKey(r))
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(h.deps.Searches.Window().Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "too many searches recorded",
			})
			return
		}
	}

	if err := h.deps.Trending.Record(r.Context(), req.Term); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// clientKey identifies the caller by address. RealIP has already
// rewritten RemoteAddr from proxy headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrInsufficientBalance):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrUnauthenticated):
		status, msg = http.StatusUnauthorized, "authentication required"
	case errors.Is(err, domain.ErrForbidden):
		status, msg = http.StatusForbidden, "operator role not permitted"
	default:
		slog.Error("request failed", "error", err)
	}

	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
