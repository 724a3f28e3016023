package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/abkawan/sendmoney-ledger/internal/db"
	"github.com/abkawan/sendmoney-ledger/internal/ledger"
	"github.com/abkawan/sendmoney-ledger/internal/models"
	"github.com/abkawan/sendmoney-ledger/internal/service"
)

type testServer struct {
	handler http.Handler
	store   ledger.Store
}

type serverOptions struct {
	store         ledger.Store
	autoProvision bool
	health        HealthChecker
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.store == nil {
		opts.store = db.NewMemory()
	}
	if opts.health == nil {
		opts.health = opts.store
	}
	accounts := service.NewAccountService(opts.store, service.AccountOptions{
		DefaultBalance: 100000,
		AutoProvision:  opts.autoProvision,
	}, logger)
	transfers := service.NewTransactionService(opts.store, accounts, nil, service.TransactionOptions{MaxAttempts: 2}, logger)
	contacts := service.NewContactService(db.NewMemoryContacts(), logger)

	h := NewHandler(logger, accounts, transfers, contacts, opts.health)
	return &testServer{
		handler: NewRouter(logger, h, []string{"*"}),
		store:   opts.store,
	}
}

func (s *testServer) do(t *testing.T, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestGetBalanceSeedsAccount(t *testing.T) {
	srv := newTestServer(t, serverOptions{autoProvision: true})

	rec := srv.do(t, http.MethodGet, "/balance/demoUser", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got := decode[models.BalanceResponse](t, rec); got.Balance != 100000 {
		t.Errorf("balance = %d, want 100000", got.Balance)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestGetBalanceDefaultsToDemoUser(t *testing.T) {
	srv := newTestServer(t, serverOptions{autoProvision: true})

	for _, target := range []string{"/balance", "/api/balance"} {
		rec := srv.do(t, http.MethodGet, target, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", target, rec.Code)
		}
		if got := decode[models.BalanceResponse](t, rec); got.Balance != 100000 {
			t.Errorf("%s: balance = %d, want 100000", target, got.Balance)
		}
	}
	if balance, err := srv.store.Balance(context.Background(), DefaultAccountID); err != nil || balance != 100000 {
		t.Errorf("default account balance=%d err=%v", balance, err)
	}

	rec := srv.do(t, http.MethodPost, "/send-money", `{"fromAccountId":"demoUser","toName":"A","amount":250}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("send-money status = %d", rec.Code)
	}
	if got := decode[models.BalanceResponse](t, srv.do(t, http.MethodGet, "/balance", "", nil)); got.Balance != 99750 {
		t.Errorf("balance after transfer = %d, want 99750", got.Balance)
	}
}

func TestSendMoneyScenario(t *testing.T) {
	srv := newTestServer(t, serverOptions{autoProvision: true})

	rec := srv.do(t, http.MethodPost, "/send-money",
		`{"fromAccountId":"demoUser","toName":"Amit Sharma","toPhotoUrl":"https://randomuser.me/api/portraits/men/1.jpg","amount":2500}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	sent := decode[models.SendMoneyResponse](t, rec)
	if sent.NewBalance != 97500 || sent.TransactionID == "" {
		t.Fatalf("response = %+v", sent)
	}

	rec = srv.do(t, http.MethodPost, "/send-money", `{"fromAccountId":"demoUser","toName":"X","amount":200000}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("overdraft status = %d", rec.Code)
	}
	if msg := decode[map[string]string](t, rec)["error"]; !strings.Contains(msg, "insufficient balance") {
		t.Errorf("overdraft error = %q", msg)
	}

	rec = srv.do(t, http.MethodGet, "/balance/demoUser", "", nil)
	if got := decode[models.BalanceResponse](t, rec); got.Balance != 97500 {
		t.Errorf("balance = %d, want 97500", got.Balance)
	}

	rec = srv.do(t, http.MethodGet, "/transactions", "", nil)
	txs := decode[models.TransactionsResponse](t, rec).Transactions
	if len(txs) != 1 || txs[0].ID != sent.TransactionID || txs[0].ResultingBalance != 97500 || txs[0].ToLabel != "Amit Sharma" {
		t.Errorf("transactions = %+v", txs)
	}
}

func TestSendMoneyAcceptsAliases(t *testing.T) {
	srv := newTestServer(t, serverOptions{autoProvision: true})

	rec := srv.do(t, http.MethodPost, "/api/send-money", `{"fromUserId":"demoUser","name":"Priya Singh","amount":"1500"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.SendMoneyResponse](t, rec); got.NewBalance != 98500 {
		t.Errorf("new balance = %d", got.NewBalance)
	}
}

func TestSendMoneyRejectsInvalidInput(t *testing.T) {
	cases := map[string]string{
		"malformed json":    `{"fromAccountId":`,
		"missing amount":    `{"fromAccountId":"demoUser","toName":"A"}`,
		"zero amount":       `{"fromAccountId":"demoUser","toName":"A","amount":0}`,
		"negative amount":   `{"fromAccountId":"demoUser","toName":"A","amount":-10}`,
		"fractional amount": `{"fromAccountId":"demoUser","toName":"A","amount":12.5}`,
		"non numeric":       `{"fromAccountId":"demoUser","toName":"A","amount":"ten"}`,
		"missing payer":     `{"toName":"A","amount":10}`,
		"payer with NUL":    `{"fromAccountId":"demo\u0000User","toName":"A","amount":10}`,
		"missing recipient": `{"fromAccountId":"demoUser","amount":10}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := newTestServer(t, serverOptions{autoProvision: true})
			if err := srv.store.SetBalance(context.Background(), "demoUser", 100000); err != nil {
				t.Fatal(err)
			}

			rec := srv.do(t, http.MethodPost, "/send-money", body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if decode[map[string]string](t, rec)["error"] == "" {
				t.Error("missing error message")
			}

			balance, _ := srv.store.Balance(context.Background(), "demoUser")
			txs, _ := srv.store.Recent(context.Background(), models.TransactionQuery{})
			if balance != 100000 || len(txs) != 0 {
				t.Errorf("side effects: balance=%d transactions=%d", balance, len(txs))
			}
		})
	}
}

func TestUnknownAccountWithoutProvisioning(t *testing.T) {
	srv := newTestServer(t, serverOptions{autoProvision: false})

	if rec := srv.do(t, http.MethodGet, "/balance/ghost", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("balance status = %d, want 404", rec.Code)
	}
	rec := srv.do(t, http.MethodPost, "/send-money", `{"fromAccountId":"ghost","toName":"A","amount":10}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("send-money status = %d, want 404", rec.Code)
	}
}

func TestSendMoneyIdempotencyKey(t *testing.T) {
	srv := newTestServer(t, serverOptions{autoProvision: true})
	header := http.Header{IdempotencyKeyHeader: {"checkout-42"}}
	body := `{"fromAccountId":"demoUser","toName":"Rahul Verma","amount":100}`

	first := srv.do(t, http.MethodPost, "/send-money", body, header)
	second := srv.do(t, http.MethodPost, "/send-money", body, header)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d", first.Code, second.Code)
	}
	if first.Header().Get(ReplayHeader) != "" || second.Header().Get(ReplayHeader) != "true" {
		t.Errorf("replay headers = %q, %q", first.Header().Get(ReplayHeader), second.Header().Get(ReplayHeader))
	}
	a, b := decode[models.SendMoneyResponse](t, first), decode[models.SendMoneyResponse](t, second)
	if a != b || a.NewBalance != 99900 {
		t.Errorf("responses differ: %+v vs %+v", a, b)
	}

	rec := srv.do(t, http.MethodPost, "/send-money",
		`{"fromAccountId":"demoUser","toName":"Rahul Verma","amount":100,"reference":"other"}`, header)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("conflicting keys status = %d, want 400", rec.Code)
	}
}

func TestGetTransactionsOrderAndLimit(t *testing.T) {
	srv := newTestServer(t, serverOptions{autoProvision: true})
	for i, payer := range []string{"alice", "bob", "alice"} {
		body := fmt.Sprintf(`{"fromAccountId":%q,"toName":"T%d","amount":1}`, payer, i+1)
		if rec := srv.do(t, http.MethodPost, "/send-money", body, nil); rec.Code != http.StatusOK {
			t.Fatalf("transfer %d: %d", i+1, rec.Code)
		}
	}

	cases := []struct {
		target string
		want   []string
	}{
		{"/transactions?limit=2", []string{"T3", "T2"}},
		{"/transactions?limit=abc", []string{"T3", "T2", "T1"}},
		{"/transactions?limit=-4", []string{"T3", "T2", "T1"}},
		{"/transactions?accountId=alice", []string{"T3", "T1"}},
		{"/accounts/bob/transactions", []string{"T2"}},
		{"/api/accounts/nobody/transactions", []string{}},
	}
	for _, tc := range cases {
		rec := srv.do(t, http.MethodGet, tc.target, "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d", tc.target, rec.Code)
			continue
		}
		// an empty log is [] not null
		if !bytes.Contains(rec.Body.Bytes(), []byte(`"transactions":[`)) {
			t.Errorf("%s: body %s", tc.target, rec.Body.String())
		}
		txs := decode[models.TransactionsResponse](t, rec).Transactions
		got := make([]string, len(txs))
		for i, tx := range txs {
			got[i] = tx.ToLabel
		}
		if fmt.Sprint(got) != fmt.Sprint(tc.want) {
			t.Errorf("%s: got %v, want %v", tc.target, got, tc.want)
		}
	}
}

func TestGetTransactionsCapsLimit(t *testing.T) {
	srv := newTestServer(t, serverOptions{autoProvision: true})
	if err := srv.store.SetBalance(context.Background(), "demoUser", 100000); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < service.MaxRecentLimit+5; i++ {
		body := fmt.Sprintf(`{"fromAccountId":"demoUser","toName":"T%d","amount":1}`, i+1)
		if rec := srv.do(t, http.MethodPost, "/send-money", body, nil); rec.Code != http.StatusOK {
			t.Fatalf("transfer %d: %d", i+1, rec.Code)
		}
	}

	for _, target := range []string{"/transactions?limit=500", "/accounts/demoUser/transactions?limit=500"} {
		txs := decode[models.TransactionsResponse](t, srv.do(t, http.MethodGet, target, "", nil)).Transactions
		if len(txs) != service.MaxRecentLimit {
			t.Errorf("%s: got %d transactions, want %d", target, len(txs), service.MaxRecentLimit)
		}
	}
	if txs := decode[models.TransactionsResponse](t, srv.do(t, http.MethodGet, "/transactions", "", nil)).Transactions; len(txs) != 10 {
		t.Errorf("default limit returned %d transactions, want 10", len(txs))
	}
}

func TestGetContacts(t *testing.T) {
	srv := newTestServer(t, serverOptions{autoProvision: true})

	for _, target := range []string{"/contacts", "/api/contacts"} {
		rec := srv.do(t, http.MethodGet, target, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", target, rec.Code)
		}
		got := decode[models.ContactsResponse](t, rec).Contacts
		if len(got) != len(service.SampleContacts) || got[0].Name == "" || got[0].PhotoURL == "" {
			t.Errorf("%s: contacts = %+v", target, got)
		}
	}
}

type failingStore struct {
	ledger.Store
}

func (failingStore) Ping(context.Context) error {
	return fmt.Errorf("%w: dial tcp: connection refused", ledger.ErrStoreUnavailable)
}

func (failingStore) EnsureAccount(context.Context, string, int64) error {
	return fmt.Errorf("%w: dial tcp: connection refused", ledger.ErrStoreUnavailable)
}

func TestStoreFailures(t *testing.T) {
	srv := newTestServer(t, serverOptions{store: failingStore{db.NewMemory()}, autoProvision: true})

	rec := srv.do(t, http.MethodPost, "/send-money", `{"fromAccountId":"demoUser","toName":"A","amount":10}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("send-money status = %d, want 500", rec.Code)
	}
	if msg := decode[map[string]string](t, rec)["error"]; msg != "failed to send money" {
		t.Errorf("error = %q", msg)
	}

	rec = srv.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", rec.Code)
	}
	if got := decode[map[string]string](t, rec); got["status"] != "degraded" || got["error"] != "ledger store unavailable" {
		t.Errorf("health = %v", got)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("health leaked the store error: %s", rec.Body.String())
	}
}

func TestHealthOK(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	rec := srv.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || decode[map[string]string](t, rec)["status"] != "ok" {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, serverOptions{autoProvision: true})
	header := http.Header{
		"Origin":                        {"http://localhost:3000"},
		"Access-Control-Request-Method": {"POST"},
	}

	rec := srv.do(t, http.MethodOptions, "/send-money", "", header)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, IdempotencyKeyHeader) {
		t.Errorf("allow headers = %q", got)
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	handler := corsMiddleware([]string{"https://pay.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/send-money", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign preflight status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/contacts", nil)
	req.Header.Set("Origin", "https://pay.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://pay.example.com" {
		t.Errorf("allow origin = %q", got)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	if rec := srv.do(t, http.MethodGet, "/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodGet, "/send-money", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("wrong method status = %d", rec.Code)
	}
}

