package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/auth"
	"github.com/opensource-finance/kestrel/internal/batch"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/loyalty"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/search"
	"github.com/opensource-finance/kestrel/internal/signals"
	"github.com/opensource-finance/kestrel/internal/trust"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

type testEnv struct {
	server *Server
	repo   *repository.SQLRepository
	authz  *auth.Authorizer
}

// createTestServer wires the full stack over a temp sqlite database.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	tmpFile, err := os.CreateTemp("", "kestrel-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	sink := audit.NewSink(eventBus, repo, nil)
	if err := sink.Start(ctx); err != nil {
		t.Fatalf("failed to start audit sink: %v", err)
	}
	t.Cleanup(func() { sink.Stop() })
	auditLog := audit.NewLogger(eventBus, nil)

	clock := domain.SystemClock{}
	lru := cache.NewLRUCacheWithClock(100, clock)

	engine, err := rules.NewEngine(nil)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	if err := engine.ReloadRules(domain.DefaultSuspectRules()); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	trustSvc, err := trust.NewService(signals.NewAggregator(repo, repo, repo, engine, clock), repo, lru, auditLog, clock, nil, trust.Config{
		Weights:    scoring.DefaultWeights(),
		Thresholds: scoring.DefaultThresholds(),
	})
	if err != nil {
		t.Fatalf("failed to create trust service: %v", err)
	}

	recompute := worker.NewWorker(eventBus, trustSvc, nil)
	if err := recompute.Start(worker.Config{}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	t.Cleanup(func() { recompute.Stop() })

	loyaltySvc, err := loyalty.NewService(repo, nil, auditLog, nil)
	if err != nil {
		t.Fatalf("failed to create loyalty service: %v", err)
	}

	authz, err := auth.NewAuthorizer(domain.AuthConfig{
		JWTSecret:    "api-test-secret",
		Issuer:       "kestrel",
		AllowedRoles: []string{"super_admin", "staff_fraud", "manager"},
	}, clock)
	if err != nil {
		t.Fatalf("failed to create authorizer: %v", err)
	}

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	server := NewServer(cfg, Deps{
		Repo:     repo,
		Cache:    lru,
		Bus:      eventBus,
		Trust:    trustSvc,
		Batch:    batch.NewRunner(repo, trustSvc, auditLog, nil),
		Loyalty:  loyaltySvc,
		Rules:    engine,
		Trending: search.NewTrending(lru, clock, time.Hour, 5),
		Searches: velocity.NewLimiter(lru, "search", time.Minute, 5),
		Auth:     authz,
		Audit:    auditLog,
		Version:  "test-v1",
	})

	return &testEnv{server: server, repo: repo, authz: authz}
}

func (e *testEnv) token(t *testing.T, role string) string {
	t.Helper()
	tok, err := e.authz.Issue(domain.OperatorContext{ID: "op-" + role, Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			json.NewEncoder(&buf).Encode(b)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp map[string]any
	decode(t, rr, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", resp["status"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %v", resp["version"])
	}
	if rr.Header().Get(RequestIDHeader) == "" || rr.Header().Get(TraceIDHeader) == "" {
		t.Error("expected request and trace id headers")
	}
}

func TestAdminAuth(t *testing.T) {
	env := createTestServer(t)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"NoToken", "", http.StatusUnauthorized},
		{"BadToken", "garbage", http.StatusUnauthorized},
		{"RoleNotAllowed", env.token(t, "customer"), http.StatusForbidden},
		{"Allowed", env.token(t, "manager"), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodGet, "/admin/scoring/weights", tt.token, nil)
			if rr.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestRiskEndpoints(t *testing.T) {
	env := createTestServer(t)
	ctx := context.Background()
	tok := env.token(t, "staff_fraud")

	env.repo.SaveUser(ctx, &domain.User{ID: "seller-1", CreatedAt: time.Now().AddDate(-1, 0, 0), KYCVerified: true, BankVerified: true})
	for i := 0; i < 5; i++ {
		env.repo.SaveOrder(ctx, &domain.Order{ID: fmt.Sprintf("o%d", i), SellerID: "seller-1", BuyerID: "b", Status: domain.OrderCompleted})
	}

	t.Run("NotAssessedYet", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/users/seller-1/risk", "", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("AssessUnknownUser", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/admin/users/ghost/risk/assess", tok, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("Assess", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/admin/users/seller-1/risk/assess", tok, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var rec domain.UserRiskRecord
		decode(t, rr, &rec)
		// 50 + 20 + 10 + 5
		if rec.CurrentScore != 85 || rec.RiskLevel != domain.RiskLow {
			t.Errorf("unexpected record: %+v", rec)
		}
	})

	t.Run("ReadBack", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/users/seller-1/risk", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var rec domain.UserRiskRecord
		decode(t, rr, &rec)
		if rec.CurrentScore != 85 || len(rec.Histories) != 1 {
			t.Errorf("unexpected record: %+v", rec)
		}
	})

	t.Run("Migration", func(t *testing.T) {
		env.repo.SaveUser(ctx, &domain.User{ID: "seller-2", CreatedAt: time.Now()})

		rr := env.do(t, http.MethodPost, "/admin/trust-score/migrate", tok, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp MigrationResponse
		decode(t, rr, &resp)
		if resp.Summary.Processed != 2 || resp.Summary.Updated != 2 || resp.Summary.Errors != 0 {
			t.Errorf("unexpected summary: %+v", resp.Summary)
		}
		if resp.State != batch.StateCompleted {
			t.Errorf("expected completed state, got %s", resp.State)
		}
	})

	t.Run("AuditTrail", func(t *testing.T) {
		deadline := time.Now().Add(2 * time.Second)
		for {
			rr := env.do(t, http.MethodGet, "/admin/audit", tok, nil)
			var resp struct {
				Entries []domain.AuditEntry `json:"entries"`
			}
			decode(t, rr, &resp)
			// assess + migration start + migration complete
			if len(resp.Entries) >= 3 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("expected at least 3 audit entries, got %d", len(resp.Entries))
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
}

func TestMarketplaceFeed(t *testing.T) {
	env := createTestServer(t)
	tok := env.token(t, "staff_fraud")

	waitForScore := func(t *testing.T, userID string, want int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			u, err := env.repo.GetUser(context.Background(), userID)
			if err == nil && u.TrustScore != nil && *u.TrustScore == want {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("score for %s never reached %d (user: %+v, err: %v)", userID, want, u, err)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	rr := env.do(t, http.MethodPut, "/admin/users/seller-9", tok, map[string]any{
		"createdAt":    time.Now().Add(-400 * 24 * time.Hour),
		"kycVerified":  true,
		"bankVerified": true,
		"trustScore":   99,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var saved domain.User
	decode(t, rr, &saved)
	if saved.TrustScore != nil {
		t.Errorf("feed must not set trust score, got %d", *saved.TrustScore)
	}

	t.Run("CompletedOrders", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			rr := env.do(t, http.MethodPut, fmt.Sprintf("/admin/orders/o-%d", i), tok, map[string]any{
				"sellerId": "seller-9",
				"buyerId":  "buyer-1",
				"status":   "completed",
			})
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
			}
		}
		// 50 + 20 + 10 + 3
		waitForScore(t, "seller-9", 83)
	})

	t.Run("Cancellation", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, "/admin/orders/o-3/status", tok, map[string]string{"status": "cancelled"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		// 50 + 20 + 10 + 2 - 10
		waitForScore(t, "seller-9", 72)
	})

	t.Run("UpheldReport", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/admin/reports/r-1", tok, map[string]string{
			"targetId": "seller-9",
			"status":   "resolved_action_taken",
			"action":   "seller_warning",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		waitForScore(t, "seller-9", 52)
	})

	t.Run("Rejections", func(t *testing.T) {
		if rr := env.do(t, http.MethodPut, "/admin/orders/o-9", tok, map[string]string{"sellerId": "seller-9", "status": "lost"}); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for unknown status, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodPatch, "/admin/orders/missing/status", tok, map[string]string{"status": "completed"}); rr.Code != http.StatusNotFound {
			t.Errorf("expected 404 for missing order, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodPut, "/admin/reports/r-2", tok, "{broken"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for malformed body, got %d", rr.Code)
		}
	})
}

func TestWeightsEndpoints(t *testing.T) {
	env := createTestServer(t)
	tok := env.token(t, "super_admin")

	t.Run("Invalid", func(t *testing.T) {
		w := scoring.DefaultWeights()
		w.PerCancelledOrder = -5
		rr := env.do(t, http.MethodPut, "/admin/scoring/weights", tok, w)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("BadJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/admin/scoring/weights", tok, "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("Update", func(t *testing.T) {
		w := scoring.DefaultWeights()
		w.BankBonus = 15
		rr := env.do(t, http.MethodPut, "/admin/scoring/weights", tok, w)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp WeightsResponse
		decode(t, rr, &resp)
		if resp.Weights.BankBonus != 15 || resp.Thresholds.Low != 80 {
			t.Errorf("unexpected response: %+v", resp)
		}
	})
}

func TestSuspectRulesEndpoints(t *testing.T) {
	env := createTestServer(t)
	tok := env.token(t, "super_admin")

	rr := env.do(t, http.MethodGet, "/admin/scoring/rules", tok, nil)
	var listed struct {
		Count int `json:"count"`
	}
	decode(t, rr, &listed)
	if listed.Count != 3 {
		t.Errorf("expected 3 default rules, got %d", listed.Count)
	}

	bad := map[string]any{"rules": []domain.SuspectRule{{Name: "broken", Expression: "cancelled_orders >"}}}
	if rr := env.do(t, http.MethodPut, "/admin/scoring/rules", tok, bad); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid rule, got %d", rr.Code)
	}

	good := map[string]any{"rules": []domain.SuspectRule{{Name: "many-reports", Expression: "report_count >= 3"}}}
	rr = env.do(t, http.MethodPut, "/admin/scoring/rules", tok, good)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	decode(t, rr, &listed)
	if listed.Count != 1 {
		t.Errorf("expected 1 rule after replace, got %d", listed.Count)
	}

	raw, err := env.repo.GetSetting(context.Background(), rules.SettingKey)
	if err != nil {
		t.Fatalf("expected rules to be persisted: %v", err)
	}
	var stored []domain.SuspectRule
	if err := json.Unmarshal(raw, &stored); err != nil || len(stored) != 1 || stored[0].Name != "many-reports" {
		t.Errorf("unexpected stored rules %s: %v", raw, err)
	}
}

func TestLoyaltyEndpoints(t *testing.T) {
	env := createTestServer(t)
	tok := env.token(t, "manager")

	t.Run("Tiers", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/loyalty/tiers", "", nil)
		var resp struct {
			Tiers []domain.Tier `json:"tiers"`
		}
		decode(t, rr, &resp)
		if len(resp.Tiers) != 5 {
			t.Errorf("expected 5 tiers, got %d", len(resp.Tiers))
		}
	})

	t.Run("EmptyAccount", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/loyalty/u1", "", nil)
		var acct loyalty.Account
		decode(t, rr, &acct)
		if acct.Balance != 0 || acct.Tier.Tier.Name != "bronze" {
			t.Errorf("unexpected account: %+v", acct)
		}
	})

	t.Run("EarnRequiresOperator", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/admin/loyalty/u1/earn", "", PointsRequest{Amount: 10})
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("EarnAndSpend", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/admin/loyalty/u1/earn", tok, PointsRequest{Amount: 1200, Source: "purchase", Reference: "order-1"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var acct loyalty.Account
		decode(t, rr, &acct)
		if acct.Balance != 1200 || acct.Tier.Tier.Name != "silver" {
			t.Errorf("unexpected account after earn: %+v", acct)
		}

		rr = env.do(t, http.MethodPost, "/admin/loyalty/u1/spend", tok, PointsRequest{Amount: 5000})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected 409 for overdraw, got %d", rr.Code)
		}

		rr = env.do(t, http.MethodPost, "/admin/loyalty/u1/spend", tok, PointsRequest{Amount: 300})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		decode(t, rr, &acct)
		if acct.Balance != 900 || acct.Tier.Tier.Name != "bronze" {
			t.Errorf("unexpected account after spend: %+v", acct)
		}
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/admin/loyalty/u1/earn", tok, PointsRequest{Amount: -1})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("Transactions", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/loyalty/u1/transactions", "", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 ledger rows, got %d", resp.Count)
		}
	})

	t.Run("Quote", func(t *testing.T) {
		env.do(t, http.MethodPost, "/admin/loyalty/u2/earn", tok, PointsRequest{Amount: 5000})

		rr := env.do(t, http.MethodPost, "/loyalty/u2/quote", "", `{"price":"100.00"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var q QuoteResponse
		decode(t, rr, &q)
		if q.Tier != "gold" || q.DiscountPercent != 10 || q.DiscountedPrice.String() != "90" {
			t.Errorf("unexpected quote: %+v", q)
		}
		if q.PointsEarned != 135 {
			t.Errorf("expected 135 points at 1.5x, got %d", q.PointsEarned)
		}
	})
}

func TestTrendingEndpoints(t *testing.T) {
	env := createTestServer(t)

	for _, term := range []string{"Bike", "bike", "lamp"} {
		rr := env.do(t, http.MethodPost, "/search/trending", "", map[string]string{"term": term})
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rr.Code)
		}
	}
	if rr := env.do(t, http.MethodPost, "/search/trending", "", map[string]string{"term": "  "}); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for blank term, got %d", rr.Code)
	}

	rr := env.do(t, http.MethodGet, "/search/trending", "", nil)
	var resp struct {
		Terms []search.Term `json:"terms"`
	}
	decode(t, rr, &resp)
	if len(resp.Terms) != 2 || resp.Terms[0] != (search.Term{Term: "bike", Count: 2}) {
		t.Errorf("unexpected trending terms: %+v", resp.Terms)
	}
}

func TestRecordSearchRateLimit(t *testing.T) {
	env := createTestServer(t)

	post := func(addr string) int {
		body, _ := json.Marshal(map[string]string{"term": "bike"})
		req := httptest.NewRequest(http.MethodPost, "/search/trending", bytes.NewReader(body))
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)
		return rr.Code
	}

	for i := 0; i < 5; i++ {
		if code := post("203.0.113.7:4000"); code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, code)
		}
	}
	if code := post("203.0.113.7:4001"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 once the limit is reached, got %d", code)
	}
	if code := post("198.51.100.2:4000"); code != http.StatusNoContent {
		t.Errorf("other clients must not be limited, got %d", code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := createTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/admin/audit", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://ops.example.com" {
		t.Errorf("unexpected allow-origin %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}
