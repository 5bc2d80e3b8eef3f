package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/loyalty"
	"github.com/shopspring/decimal"
)

// PointsRequest is the body for earn and spend.
type PointsRequest struct {
	Amount    int64  `json:"amount"`
	Source    string `json:"source,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// QuoteRequest is the body for POST /loyalty/{userId}/quote.
type QuoteRequest struct {
	Price decimal.Decimal `json:"price"`
}

// QuoteResponse is a price after the user's tier discount.
type QuoteResponse struct {
	Price           decimal.Decimal `json:"price"`
	DiscountedPrice decimal.Decimal `json:"discountedPrice"`
	DiscountPercent int             `json:"discountPercent"`
	Tier            string          `json:"tier"`
	PointsEarned    int64           `json:"pointsEarned"`
}

// ListTiers handles GET /loyalty/tiers.
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tiers": h.deps.Loyalty.Tiers(),
	})
}

// GetLoyaltyAccount handles GET /loyalty/{userId}.
func (h *Handler) GetLoyaltyAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.deps.Loyalty.Account(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ListPointsTransactions handles GET /loyalty/{userId}/transactions.
func (h *Handler) ListPointsTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.deps.Loyalty.Transactions(r.Context(), chi.URLParam(r, "userId"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// QuotePrice handles POST /loyalty/{userId}/quote.
func (h *Handler) QuotePrice(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Price.Sign() < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "price must not be negative",
		})
		return
	}

	acct, err := h.deps.Loyalty.Account(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, err)
		return
	}

	discounted := loyalty.ApplyDiscount(req.Price, acct.Tier)
	writeJSON(w, http.StatusOK, QuoteResponse{
		Price:           req.Price,
		DiscountedPrice: discounted,
		DiscountPercent: acct.Tier.DiscountPercent,
		Tier:            acct.Tier.Tier.Name,
		PointsEarned:    loyalty.EarnedPoints(discounted, acct.Tier),
	})
}

// EarnPoints handles POST /admin/loyalty/{userId}/earn.
func (h *Handler) EarnPoints(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePoints(w, r)
	if !ok {
		return
	}
	source := req.Source
	if source == "" {
		source = "manual"
	}

	acct, err := h.deps.Loyalty.Earn(r.Context(), chi.URLParam(r, "userId"), req.Amount, source, req.Reference, GetOperator(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// SpendPoints handles POST /admin/loyalty/{userId}/spend.
func (h *Handler) SpendPoints(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePoints(w, r)
	if !ok {
		return
	}

	acct, err := h.deps.Loyalty.Spend(r.Context(), chi.URLParam(r, "userId"), req.Amount, req.Reference, GetOperator(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func decodePoints(w http.ResponseWriter, r *http.Request) (PointsRequest, bool) {
	var req PointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return req, false
	}
	return req, true
}
