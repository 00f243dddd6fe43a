package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"tally.org/internal/events"
	"tally.org/internal/ledger"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	stream  *events.Stream
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	st := events.NewStream(8)
	svc := ledger.NewService(ledger.NewMemStore(), ledger.WithLogger(zap.NewNop()), ledger.WithNotifier(st))
	opts = append([]Option{WithStream(st), WithRateLimit(0, 0)}, opts...)
	api := New(ReadyProbe{}, "test", svc, opts...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		stream:  st,
	}
}

func (c *apiClient) do(method, path string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if s, ok := body.(string); ok {
			payload = []byte(s)
		} else if payload, err = json.Marshal(body); err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body)
}

func (c *apiClient) get(path string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, r *http.Response, want int) {
	t.Helper()
	if r.StatusCode != want {
		var body bytes.Buffer
		_, _ = body.ReadFrom(r.Body)
		t.Fatalf("status = %d, want %d (body %s)", r.StatusCode, want, body.String())
	}
}

type errorBody struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

func TestAPIDepositExpenseFlow(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/api/deposits", map[string]any{"name": "salary", "amount": 1000, "date": "2024-03-01"})
	expectStatus(t, resp, http.StatusCreated)
	dep := decode[map[string]any](t, resp)
	depID := dep["id"].(string)
	if resp.Header.Get("Location") != "/api/deposits/"+depID {
		t.Fatalf("unexpected Location %q", resp.Header.Get("Location"))
	}
	if dep["date"] != "2024-03-01" || dep["amount"].(float64) != 1000 {
		t.Fatalf("unexpected deposit %v", dep)
	}

	resp = api.post("/api/expenses", map[string]any{"description": "rent", "amount": "250.50", "paidBy": "ana"})
	expectStatus(t, resp, http.StatusCreated)
	exp := decode[map[string]any](t, resp)
	expID := exp["id"].(string)

	resp = api.get("/api/balance")
	expectStatus(t, resp, http.StatusOK)
	bal := decode[map[string]any](t, resp)
	if bal["capitalAmount"].(float64) != 1000 || bal["currentAmount"].(float64) != 749.5 {
		t.Fatalf("unexpected balance %v", bal)
	}

	// Deposits cannot be removed while expenses exist.
	resp = api.do(http.MethodDelete, "/api/deposits/"+depID, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decode[errorBody](t, resp); body.Code != "ExpensesExist" || body.RequestID == "" {
		t.Fatalf("unexpected error body %+v", body)
	}

	resp = api.do(http.MethodPut, "/api/expenses/"+expID, map[string]any{"amount": 100})
	expectStatus(t, resp, http.StatusOK)
	exp = decode[map[string]any](t, resp)
	if exp["description"] != "rent" || exp["amount"].(float64) != 100 {
		t.Fatalf("update did not keep blank fields: %v", exp)
	}

	resp = api.do(http.MethodDelete, "/api/expenses/"+expID, nil)
	expectStatus(t, resp, http.StatusOK)
	if msg := decode[messageResponse](t, resp); msg.Message != "Expense deleted successfully" {
		t.Fatalf("unexpected message %q", msg.Message)
	}

	resp = api.do(http.MethodDelete, "/api/deposits/"+depID, nil)
	expectStatus(t, resp, http.StatusOK)
	_ = decode[messageResponse](t, resp)

	resp = api.get("/api/balance/reconcile")
	expectStatus(t, resp, http.StatusOK)
	rec := decode[ledger.Reconciliation](t, resp)
	if !rec.InSync || !rec.Cached.CapitalAmount.IsZero() {
		t.Fatalf("unexpected reconciliation %+v", rec)
	}
}

func TestAPIInsufficientBalance(t *testing.T) {
	api := newTestAPI(t)
	expectStatus(t, api.post("/api/deposits", map[string]any{"name": "gift", "amount": 10}), http.StatusCreated)

	resp := api.post("/api/expenses", map[string]any{"description": "tv", "amount": 11, "paidBy": "bo"})
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decode[errorBody](t, resp); body.Code != "InsufficientBalance" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestAPIValidationErrors(t *testing.T) {
	api := newTestAPI(t)

	cases := []struct {
		name string
		path string
		body any
	}{
		{"missing name", "/api/deposits", map[string]any{"amount": 10}},
		{"zero amount", "/api/deposits", map[string]any{"name": "x", "amount": 0}},
		{"bad date", "/api/deposits", map[string]any{"name": "x", "amount": 1, "date": "01/02/2024"}},
		{"unknown field", "/api/deposits", map[string]any{"name": "x", "amount": 1, "currency": "EUR"}},
		{"trailing data", "/api/expenses", `{"description":"x","amount":1,"paidBy":"y"} {}`},
		{"empty body", "/api/expenses", ""},
		{"missing paidBy", "/api/expenses", map[string]any{"description": "x", "amount": 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.post(tc.path, tc.body)
			expectStatus(t, resp, http.StatusBadRequest)
			if body := decode[errorBody](t, resp); body.Code != "ValidationError" {
				t.Fatalf("unexpected error body %+v", body)
			}
		})
	}
}

func TestAPINotFoundAndMethods(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/api/deposits/missing")
	expectStatus(t, resp, http.StatusNotFound)
	if body := decode[errorBody](t, resp); body.Code != "NotFound" {
		t.Fatalf("unexpected error body %+v", body)
	}

	resp = api.do(http.MethodPatch, "/api/expenses", nil)
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	if allow := resp.Header.Get("Allow"); allow != "GET, POST" {
		t.Fatalf("Allow = %q", allow)
	}
	resp.Body.Close()

	resp = api.post("/api/deposits/bulk-delete", map[string]any{"ids": []string{"a"}})
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	resp.Body.Close()

	resp = api.get("/api/nothing-here")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAPIBulkDelete(t *testing.T) {
	api := newTestAPI(t)
	expectStatus(t, api.post("/api/deposits", map[string]any{"name": "a", "amount": 100}), http.StatusCreated)

	var ids []string
	for _, amt := range []int{10, 20} {
		resp := api.post("/api/expenses", map[string]any{"description": "e", "amount": amt, "paidBy": "p"})
		expectStatus(t, resp, http.StatusCreated)
		ids = append(ids, decode[map[string]any](t, resp)["id"].(string))
	}

	resp := api.do(http.MethodDelete, "/api/expenses/bulk-delete", map[string]any{"ids": append(ids, "ghost")})
	expectStatus(t, resp, http.StatusOK)
	out := decode[map[string]any](t, resp)
	if out["deletedCount"].(float64) != 2 || out["refundedAmount"].(float64) != 30 || out["amount"].(float64) != 30 {
		t.Fatalf("unexpected bulk result %v", out)
	}

	resp = api.do(http.MethodDelete, "/api/expenses/bulk-delete", map[string]any{"ids": []string{}})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.get("/api/expenses")
	expectStatus(t, resp, http.StatusOK)
	list := decode[map[string]any](t, resp)
	if len(list["expenses"].([]any)) != 0 || list["totalAmount"].(float64) != 0 {
		t.Fatalf("unexpected list %v", list)
	}
}

func TestAPIBulkDepositDeleteReportsFailedIDs(t *testing.T) {
	api := newTestAPI(t)
	resp := api.post("/api/deposits", map[string]any{"name": "a", "amount": 100})
	expectStatus(t, resp, http.StatusCreated)
	depID := decode[map[string]any](t, resp)["id"].(string)
	expectStatus(t, api.post("/api/expenses", map[string]any{"description": "e", "amount": 10, "paidBy": "p"}), http.StatusCreated)

	resp = api.do(http.MethodDelete, "/api/deposits/bulk-delete", map[string]any{"ids": []string{depID}})
	expectStatus(t, resp, http.StatusBadRequest)
	body := decode[struct {
		errorBody
		FailedIDs []string `json:"failedIds"`
	}](t, resp)
	if body.Code != "ExpensesExist" || len(body.FailedIDs) != 1 || body.FailedIDs[0] != depID {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestAPIHealthAndReady(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/healthz")
	expectStatus(t, resp, http.StatusOK)
	if decode[map[string]any](t, resp)["service"] != serviceName {
		t.Fatal("unexpected health body")
	}

	resp = api.get("/openapi.yaml")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	failing := ReadyProbe{Checks: map[string]Check{
		"store": func(context.Context) error { return errors.New("down") },
	}}
	a := New(failing, "test", ledger.NewService(ledger.NewMemStore(), ledger.WithLogger(zap.NewNop())))
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "store: down") {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestAPIEventsStream(t *testing.T) {
	api := newTestAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/api/events", nil)
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("unexpected preamble %q", line)
	}
	for api.stream.Subscribers() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	expectStatus(t, api.post("/api/deposits", map[string]any{"name": "a", "amount": 5}), http.StatusCreated)

	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if event != ledger.OpDepositCreate {
		t.Fatalf("event = %q", event)
	}
	var change ledger.Change
	if err := json.Unmarshal([]byte(data), &change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if change.Balance.CapitalAmount.String() != "5" {
		t.Fatalf("unexpected change %+v", change)
	}
}
