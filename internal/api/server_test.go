package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"trading-engine/internal/auth"
	"trading-engine/internal/controlplane"
	"trading-engine/internal/governance"
	"trading-engine/internal/ledger"
)

type stubQuery struct{}

func (stubQuery) HealthCheck(context.Context) error { return nil }
func (stubQuery) GetOrder(_ context.Context, id string) (*ledger.Order, error) {
	if id == "missing" {
		return nil, ledger.ErrOrderNotFound
	}
	return &ledger.Order{ID: id, Status: ledger.StatusAccepted}, nil
}
func (stubQuery) GetOpenOrders(context.Context) ([]*ledger.Order, error)          { return nil, nil }
func (stubQuery) GetOrdersNeedingReview(context.Context) ([]*ledger.Order, error) { return nil, nil }
func (stubQuery) GetAllPositions(context.Context) ([]*ledger.Position, error)     { return nil, nil }
func (stubQuery) GetLatestAllocations(context.Context) ([]*ledger.CapitalAllocation, error) {
	return nil, nil
}
func (stubQuery) GetAuditEntries(context.Context, int) ([]*ledger.AuditEntry, error) {
	return nil, nil
}

type stubGuardLedger struct{}

func (stubGuardLedger) PutIdempotencyRecord(context.Context, *ledger.IdempotencyRecord) error {
	return nil
}
func (stubGuardLedger) GetIdempotencyRecord(context.Context, string) (*ledger.IdempotencyRecord, error) {
	return nil, nil
}
func (stubGuardLedger) AppendAudit(context.Context, *ledger.AuditEntry) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	owner := governance.NewOwner(governance.NewState("v1"))
	t.Cleanup(owner.Stop)

	guard := controlplane.NewGuard(controlplane.DefaultConfig(),
		controlplane.NewMemoryStore(), stubGuardLedger{}, owner, nil, nil, nil)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22!A"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	cfg := ServerConfig{
		Operators: []Operator{
			{ID: "ops-admin", SecretHash: string(hash), Role: auth.RoleAdmin},
			{ID: "ops-viewer", SecretHash: string(hash), Role: auth.RoleViewer},
		},
		RateLimit:      1000,
		RateWindowSecs: 60,
	}
	jwt := auth.NewJWTManager("test-secret", time.Hour)
	return NewServer(cfg, guard, owner, stubQuery{}, jwt, nil, nil)
}

func login(t *testing.T, s *Server, operator string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"operator_id": operator, "secret": "hunter22!A"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp["token"]
}

func doControl(s *Server, token, command, key string, params map[string]interface{}) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if params != nil {
		json.NewEncoder(&body).Encode(params)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/control/"+command, &body)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}
	s.Router().ServeHTTP(w, req)
	return w
}

func TestLoginRejectsBadSecret(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"operator_id": "ops-admin", "secret": "wrong"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestControlRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/control/pause", nil)
	req.Header.Set("X-Idempotency-Key", "k1")
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
}

func TestControlRequiresAdminRole(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "ops-viewer")

	w := doControl(s, token, "pause", "k1", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("viewer should get 403, got %d %s", w.Code, w.Body.String())
	}
}

func TestControlRequiresIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "ops-admin")

	w := doControl(s, token, "pause", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without key, got %d", w.Code)
	}
}

func TestPauseAndReplay(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "ops-admin")

	w := doControl(s, token, "pause", "pause-1", map[string]interface{}{"reason": "drill"})
	if w.Code != http.StatusOK {
		t.Fatalf("pause failed: %d %s", w.Code, w.Body.String())
	}
	var first controlplane.Result
	json.Unmarshal(w.Body.Bytes(), &first)
	if first.Replayed || !first.OK || first.State.TradingEnabled {
		t.Errorf("unexpected first result: %+v", first)
	}

	w = doControl(s, token, "pause", "pause-1", map[string]interface{}{"reason": "drill"})
	if w.Code != http.StatusOK {
		t.Fatalf("replay failed: %d %s", w.Code, w.Body.String())
	}
	var second controlplane.Result
	json.Unmarshal(w.Body.Bytes(), &second)
	if !second.Replayed {
		t.Error("duplicate key must be a replay")
	}

	// Actor identity comes from the token, not the request body
	if got := first.State.PausedReason; got != "drill" {
		t.Errorf("expected paused reason drill, got %q", got)
	}
}

func TestFailedCommandIs422(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "ops-admin")

	if w := doControl(s, token, "pause", "p1", nil); w.Code != http.StatusOK {
		t.Fatalf("pause: %d", w.Code)
	}
	w := doControl(s, token, "pause", "p2", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("second pause should be 422, got %d %s", w.Code, w.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "ops-viewer")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if _, ok := resp["governance"]; !ok {
		t.Error("status should include governance state")
	}
}

func TestGetOrderNotFound(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "ops-viewer")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/missing", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestRateLimiterBlocks(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Error("separate keys have separate budgets")
	}
}
