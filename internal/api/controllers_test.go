package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"ledger-core/internal/deposit"
	"ledger-core/internal/ledger"
	"ledger-core/internal/oracle"
	"ledger-core/internal/trade"
	"ledger-core/internal/withdraw"
	"ledger-core/pkg/db"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testCronSecret    = "test-cron-secret"
	testWebhookSecret = "whsec_test"
)

func newTestServer(t *testing.T, limits Limits) (*Server, *oracle.Mock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	mock := oracle.NewMock()
	mock.SetPrice("BTC", 50000)

	ldg := ledger.New(database)
	trades := trade.NewEngine(database, ldg, mock, trade.DefaultPayoutTable())
	withdrawals := withdraw.NewEngine(database, ldg)
	deposits := deposit.NewIntake(database, ldg, testWebhookSecret)

	if limits.Window == 0 {
		limits = Limits{TradePerWindow: 100, WithdrawPerWindow: 100, Window: time.Minute}
	}
	return NewServer(database, ldg, trades, withdrawals, deposits, testJWTSecret, testCronSecret, limits), mock
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any, extraHeaders map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// registerAndLogin creates an account and returns (userID, token).
func registerAndLogin(t *testing.T, s *Server, email string) (string, string) {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":    email,
		"password": "hunter22",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", email, w.Code, w.Body.String())
	}
	userID := decodeBody(t, w)["user_id"].(string)

	w = doJSON(t, s, http.MethodPost, "/api/auth/login", "", gin.H{
		"email":    email,
		"password": "hunter22",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", email, w.Code, w.Body.String())
	}
	return userID, decodeBody(t, w)["token"].(string)
}

func promoteToAdmin(t *testing.T, s *Server, userID string) {
	t.Helper()
	if _, err := s.DB.DB.ExecContext(context.Background(), `UPDATE users SET role='ADMIN' WHERE id=?`, userID); err != nil {
		t.Fatalf("promote admin: %v", err)
	}
}

func setBalance(t *testing.T, s *Server, userID, balance string) {
	t.Helper()
	if err := db.SetUserBalance(context.Background(), s.DB.DB, userID, decimal.RequireFromString(balance)); err != nil {
		t.Fatalf("SetUserBalance: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, Limits{})
	w := doJSON(t, s, http.MethodGet, "/health", "", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthFlow(t *testing.T) {
	s, _ := newTestServer(t, Limits{})

	t.Run("register login and read balance", func(t *testing.T) {
		_, token := registerAndLogin(t, s, "alice@example.com")
		w := doJSON(t, s, http.MethodGet, "/api/balance", token, nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("balance: status %d body %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["balance"] != "0" {
			t.Errorf("expected zero starting balance, got %v", body["balance"])
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/auth/register", "", gin.H{
			"email":    "alice@example.com",
			"password": "other",
		}, nil)
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", w.Code)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/auth/login", "", gin.H{
			"email":    "alice@example.com",
			"password": "wrong",
		}, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("protected route without token", func(t *testing.T) {
		w := doJSON(t, s, http.MethodGet, "/api/balance", "", nil, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("admin route as plain user", func(t *testing.T) {
		_, token := registerAndLogin(t, s, "bob@example.com")
		w := doJSON(t, s, http.MethodGet, "/api/admin/users", token, nil, nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", w.Code)
		}
	})
}

func TestTradeLifecycleHTTP(t *testing.T) {
	s, _ := newTestServer(t, Limits{})

	userID, userToken := registerAndLogin(t, s, "trader@example.com")
	adminID, adminToken := registerAndLogin(t, s, "admin@example.com")
	promoteToAdmin(t, s, adminID)
	setBalance(t, s, userID, "100")

	var tradeID string

	t.Run("open a trade", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/trades", userToken, gin.H{
			"coin":      "BTC",
			"direction": "UP",
			"amount":    "50",
			"timeframe": 60,
		}, nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("create trade: status %d body %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		tr := body["trade"].(map[string]any)
		tradeID = tr["id"].(string)
		if tr["status"] != "PENDING" {
			t.Errorf("expected PENDING, got %v", tr["status"])
		}
		if body["potential_return"] != "10" {
			t.Errorf("expected potential_return 10, got %v", body["potential_return"])
		}
	})

	t.Run("insufficient funds", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/trades", userToken, gin.H{
			"coin":      "BTC",
			"direction": "UP",
			"amount":    "1000",
			"timeframe": 60,
		}, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d body %s", w.Code, w.Body.String())
		}
		if decodeBody(t, w)["code"] != "INSUFFICIENT_FUNDS" {
			t.Errorf("expected INSUFFICIENT_FUNDS, got %s", w.Body.String())
		}
	})

	t.Run("user sees own trades", func(t *testing.T) {
		w := doJSON(t, s, http.MethodGet, "/api/trades", userToken, nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("list trades: status %d", w.Code)
		}
		var trades []map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &trades); err != nil {
			t.Fatalf("decode trades: %v", err)
		}
		if len(trades) != 1 {
			t.Fatalf("expected 1 trade, got %d", len(trades))
		}
	})

	t.Run("admin resolves a win", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/admin/trades/"+tradeID+"/resolve", adminToken, gin.H{
			"result": "WON",
		}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("resolve: status %d body %s", w.Code, w.Body.String())
		}

		w = doJSON(t, s, http.MethodGet, "/api/balance", userToken, nil, nil)
		if got := decodeBody(t, w)["balance"]; got != "110" {
			t.Errorf("expected balance 110 after win, got %v", got)
		}
	})

	t.Run("second resolution conflicts", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/admin/trades/"+tradeID+"/resolve", adminToken, gin.H{
			"result": "LOST",
		}, nil)
		if w.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d body %s", w.Code, w.Body.String())
		}
		if decodeBody(t, w)["code"] != "ALREADY_RESOLVED" {
			t.Errorf("expected ALREADY_RESOLVED, got %s", w.Body.String())
		}
	})

	t.Run("unknown trade is 404", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/admin/trades/nope/resolve", adminToken, gin.H{
			"result": "WON",
		}, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("audit trail recorded", func(t *testing.T) {
		w := doJSON(t, s, http.MethodGet, "/api/admin/audit", adminToken, nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("audit: status %d", w.Code)
		}
		var entries []map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
			t.Fatalf("decode audit: %v", err)
		}
		if len(entries) == 0 {
			t.Fatal("expected audit entries")
		}
		if entries[0]["action"] != "TRADE_RESOLVE" {
			t.Errorf("expected latest action TRADE_RESOLVE, got %v", entries[0]["action"])
		}
	})
}

func TestTradeRateLimitHTTP(t *testing.T) {
	s, _ := newTestServer(t, Limits{TradePerWindow: 2, WithdrawPerWindow: 2, Window: time.Minute})

	userID, token := registerAndLogin(t, s, "spammer@example.com")
	setBalance(t, s, userID, "1000")

	open := func() *httptest.ResponseRecorder {
		return doJSON(t, s, http.MethodPost, "/api/trades", token, gin.H{
			"coin":      "BTC",
			"direction": "UP",
			"amount":    "1",
			"timeframe": 60,
		}, nil)
	}

	for i := 0; i < 2; i++ {
		if w := open(); w.Code != http.StatusCreated {
			t.Fatalf("trade %d: status %d body %s", i+1, w.Code, w.Body.String())
		}
	}

	w := open()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d body %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["code"] != "TOO_MANY_REQUESTS" {
		t.Errorf("expected TOO_MANY_REQUESTS, got %s", w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// The throttle counts attempts per actor, not per endpoint kind.
	w = doJSON(t, s, http.MethodPost, "/api/withdrawals", token, gin.H{
		"amount":     "1",
		"to_address": "0xdeadbeef",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Errorf("withdrawal should have its own window, got %d body %s", w.Code, w.Body.String())
	}
}

func TestWithdrawFlowHTTP(t *testing.T) {
	s, _ := newTestServer(t, Limits{})

	userID, userToken := registerAndLogin(t, s, "saver@example.com")
	adminID, adminToken := registerAndLogin(t, s, "ops@example.com")
	promoteToAdmin(t, s, adminID)
	setBalance(t, s, userID, "100")

	var requestID string

	t.Run("create reserves funds", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/withdrawals", userToken, gin.H{
			"amount":     "30",
			"to_address": "0xdeadbeef",
		}, nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("create withdrawal: status %d body %s", w.Code, w.Body.String())
		}
		requestID = decodeBody(t, w)["withdraw_request"].(map[string]any)["id"].(string)

		w = doJSON(t, s, http.MethodGet, "/api/balance", userToken, nil, nil)
		if got := decodeBody(t, w)["balance"]; got != "70" {
			t.Errorf("expected balance 70 after reserve, got %v", got)
		}
	})

	t.Run("rejection refunds", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPatch, "/api/admin/withdrawals/"+requestID, adminToken, gin.H{
			"status":      "REJECTED",
			"admin_notes": "address flagged",
		}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("decide: status %d body %s", w.Code, w.Body.String())
		}

		w = doJSON(t, s, http.MethodGet, "/api/balance", userToken, nil, nil)
		if got := decodeBody(t, w)["balance"]; got != "100" {
			t.Errorf("expected balance restored to 100, got %v", got)
		}
	})

	t.Run("second decision conflicts", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPatch, "/api/admin/withdrawals/"+requestID, adminToken, gin.H{
			"status": "APPROVED",
		}, nil)
		if w.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d body %s", w.Code, w.Body.String())
		}
		if decodeBody(t, w)["code"] != "ALREADY_PROCESSED" {
			t.Errorf("expected ALREADY_PROCESSED, got %s", w.Body.String())
		}
	})
}

func webhookSign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPaymentWebhookHTTP(t *testing.T) {
	s, _ := newTestServer(t, Limits{})
	userID, token := registerAndLogin(t, s, "depositor@example.com")

	event := []byte(fmt.Sprintf(`{
		"id": "evt-http-1",
		"type": "charge:confirmed",
		"data": {
			"id": "evt-http-1",
			"metadata": {"userId": %q, "token": "USDC", "amount": "25"},
			"payments": [{"transaction_id": "0xchain"}]
		}
	}`, userID))

	t.Run("signed event credits the balance", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/webhooks/payment", "", event, map[string]string{
			"X-Webhook-Signature": webhookSign(event),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("webhook: status %d body %s", w.Code, w.Body.String())
		}

		w = doJSON(t, s, http.MethodGet, "/api/balance", token, nil, nil)
		if got := decodeBody(t, w)["balance"]; got != "25" {
			t.Errorf("expected balance 25, got %v", got)
		}
	})

	t.Run("redelivery credits nothing", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/webhooks/payment", "", event, map[string]string{
			"X-Webhook-Signature": webhookSign(event),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("webhook redelivery: status %d body %s", w.Code, w.Body.String())
		}

		w = doJSON(t, s, http.MethodGet, "/api/balance", token, nil, nil)
		if got := decodeBody(t, w)["balance"]; got != "25" {
			t.Errorf("expected balance still 25, got %v", got)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/webhooks/payment", "", event, map[string]string{
			"X-Webhook-Signature": "deadbeef",
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d body %s", w.Code, w.Body.String())
		}
		if decodeBody(t, w)["code"] != "INVALID_SIGNATURE" {
			t.Errorf("expected INVALID_SIGNATURE, got %s", w.Body.String())
		}
	})
}

func TestAutoResolveSweepHTTP(t *testing.T) {
	s, _ := newTestServer(t, Limits{})
	adminID, adminToken := registerAndLogin(t, s, "root@example.com")
	promoteToAdmin(t, s, adminID)

	t.Run("unauthenticated caller is rejected", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/admin/trades/auto-resolve", "", nil, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("wrong cron secret is rejected", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/admin/trades/auto-resolve", "", nil, map[string]string{
			"X-Cron-Secret": "wrong",
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("cron secret triggers the sweep", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/admin/trades/auto-resolve", "", nil, map[string]string{
			"X-Cron-Secret": testCronSecret,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("sweep via cron: status %d body %s", w.Code, w.Body.String())
		}
		if decodeBody(t, w)["resolved_count"] != float64(0) {
			t.Errorf("expected empty sweep, got %s", w.Body.String())
		}
	})

	t.Run("admin session triggers the sweep", func(t *testing.T) {
		w := doJSON(t, s, http.MethodPost, "/api/admin/trades/auto-resolve", adminToken, nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("sweep via admin: status %d body %s", w.Code, w.Body.String())
		}
	})

	t.Run("plain user session is rejected", func(t *testing.T) {
		_, userToken := registerAndLogin(t, s, "pleb@example.com")
		w := doJSON(t, s, http.MethodPost, "/api/admin/trades/auto-resolve", userToken, nil, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})
}
