package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Marketplace feed. These endpoints mirror user, order and report changes
// into Kestrel and announce them on the bus so the recompute worker
// re-scores the affected user.

// PutUser handles PUT /admin/users/{id}.
func (h *Handler) PutUser(w http.ResponseWriter, r *http.Request) {
	var u domain.User
	if !decodeBody(w, r, &u) {
		return
	}
	u.ID = chi.URLParam(r, "id")
	u.TrustScore, u.RiskLevel, u.LastRiskAssessment = nil, "", nil

	if err := h.deps.Repo.SaveUser(r.Context(), &u); err != nil {
		writeError(w, err)
		return
	}

	saved, err := h.deps.Repo.GetUser(r.Context(), u.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// PutOrder handles PUT /admin/orders/{id}.
func (h *Handler) PutOrder(w http.ResponseWriter, r *http.Request) {
	var o domain.Order
	if !decodeBody(w, r, &o) {
		return
	}
	o.ID = chi.URLParam(r, "id")

	if err := h.deps.Repo.SaveOrder(r.Context(), &o); err != nil {
		writeError(w, err)
		return
	}

	h.announce(r.Context(), domain.TopicOrderStatusChanged, domain.OrderStatusEvent{
		OrderID:  o.ID,
		SellerID: o.SellerID,
		Status:   o.Status,
	})
	writeJSON(w, http.StatusOK, o)
}

// UpdateOrderStatus handles PATCH /admin/orders/{id}/status.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status domain.OrderStatus `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	o, err := h.deps.Repo.UpdateOrderStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}

	h.announce(r.Context(), domain.TopicOrderStatusChanged, domain.OrderStatusEvent{
		OrderID:  o.ID,
		SellerID: o.SellerID,
		Status:   o.Status,
	})
	writeJSON(w, http.StatusOK, o)
}

// PutReport handles PUT /admin/reports/{id}. Only resolved reports are
// announced; open reports never change a score.
func (h *Handler) PutReport(w http.ResponseWriter, r *http.Request) {
	var rep domain.Report
	if !decodeBody(w, r, &rep) {
		return
	}
	rep.ID = chi.URLParam(r, "id")

	if err := h.deps.Repo.SaveReport(r.Context(), &rep); err != nil {
		writeError(w, err)
		return
	}

	if rep.Status == domain.ReportResolvedActionTaken || rep.Status == domain.ReportResolvedNoAction {
		h.announce(r.Context(), domain.TopicReportResolved, domain.ReportResolvedEvent{
			ReportID: rep.ID,
			TargetID: rep.TargetID,
			Status:   rep.Status,
			Action:   rep.Action,
		})
	}
	writeJSON(w, http.StatusOK, rep)
}

// announce publishes a feed event. The write already succeeded, so a
// publish failure is logged and the next batch run catches up.
func (h *Handler) announce(ctx context.Context, topic string, event any) {
	if h.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err == nil {
		err = h.deps.Bus.Publish(ctx, topic, payload)
	}
	if err != nil {
		slog.Warn("failed to publish feed event",
			"topic", topic,
			"trace_id", GetTraceID(ctx),
			"error", err,
		)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}
