package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kakeibo/internal/core"
	"kakeibo/internal/log"
	"kakeibo/internal/services"
)

type memRepo struct {
	states  map[string]core.State
	failNow bool
}

func (r *memRepo) LoadState(_ context.Context, ns string) (core.State, error) {
	if st, ok := r.states[ns]; ok {
		return st, nil
	}
	return core.DefaultState(), nil
}

func (r *memRepo) SaveState(_ context.Context, ns string, state core.State) error {
	if r.failNow {
		return &core.StorageError{Op: "save", Err: errors.New("disk full")}
	}
	r.states[ns] = state
	return nil
}

func (r *memRepo) Namespaces(context.Context) ([]string, error) {
	out := make([]string, 0, len(r.states))
	for ns := range r.states {
		out = append(out, ns)
	}
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *memRepo) {
	t.Helper()
	repo := &memRepo{states: make(map[string]core.State)}
	logger := log.New(log.DefaultConfig())
	svc := services.NewBudgetService(repo, nil, logger)
	s := NewServer(":0", svc, 100, 5*time.Minute, logger)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, repo
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.1.2.3:12345"
	rec := httptest.NewRecorder()
	s.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, "GET", "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTransactionLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, "POST", "/api/transactions", map[string]any{
		"type": "expense", "category": "Food", "amount": 1500, "date": "2025-01-12",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[core.Transaction](t, rec)
	if created.ID == "" {
		t.Fatal("no id in response")
	}

	rec = do(t, s, "GET", "/api/transactions/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = do(t, s, "PUT", "/api/transactions/"+created.ID, map[string]any{"amount": 2000})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[core.Transaction](t, rec)
	if updated.Amount.Amount != 2000 {
		t.Fatalf("amount = %d", updated.Amount.Amount)
	}

	rec = do(t, s, "DELETE", "/api/transactions/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = do(t, s, "GET", "/api/transactions/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rec.Code)
	}
}

func TestCreateTransactionValidation(t *testing.T) {
	s, _ := newTestServer(t)

	cases := []map[string]any{
		{"type": "transfer", "category": "Food", "amount": 1500, "date": "2025-01-12"},
		{"type": "expense", "category": "", "amount": 1500, "date": "2025-01-12"},
		{"type": "expense", "category": "Food", "amount": 0, "date": "2025-01-12"},
		{"type": "expense", "category": "Food", "amount": 1500, "date": "12/01/2025"},
	}
	for _, body := range cases {
		rec := do(t, s, "POST", "/api/transactions", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %v: status = %d", body, rec.Code)
		}
	}
}

func TestListTransactionsRejectsBadMonth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, "GET", "/api/transactions?month=2025-13", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCategoryConflicts(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, "POST", "/api/categories", map[string]any{"name": "Rent"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	rec = do(t, s, "POST", "/api/categories", map[string]any{"name": "Rent"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", rec.Code)
	}

	do(t, s, "POST", "/api/transactions", map[string]any{
		"type": "expense", "category": "Rent", "amount": 80000, "date": "2025-01-01",
	})
	rec = do(t, s, "DELETE", "/api/categories/Rent", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("in-use delete status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, "DELETE", "/api/categories/Rent?reassign_to=Other", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reassign delete status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBudgetEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, "PUT", "/api/budgets/Food", map[string]any{"limit": 50000})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, "PUT", "/api/budgets/Food/manual-spent", map[string]any{"amount": 15000})
	if rec.Code != http.StatusOK {
		t.Fatalf("manual spent status = %d: %s", rec.Code, rec.Body.String())
	}
	b := decodeBody[core.Budget](t, rec)
	if b.ManualSpent.Amount != 15000 {
		t.Fatalf("manual spent = %d", b.ManualSpent.Amount)
	}

	rec = do(t, s, "PUT", "/api/budgets/Ghost/manual-spent", map[string]any{"amount": 1})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing budget status = %d", rec.Code)
	}

	rec = do(t, s, "DELETE", "/api/budgets/Food", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestBudgetStatusesForMonth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, "POST", "/api/budgets", map[string]any{"category": "Food", "limit": 50000})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create budget status = %d: %s", rec.Code, rec.Body.String())
	}
	do(t, s, "POST", "/api/transactions", map[string]any{
		"type": "expense", "category": "Food", "amount": 45000, "date": "2025-01-12",
	})

	rec = do(t, s, "GET", "/api/budgets?month=2025-01", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string][]map[string]any](t, rec)
	statuses := body["budgets"]
	if len(statuses) != 1 {
		t.Fatalf("statuses: %+v", statuses)
	}
	if got := statuses[0]["status"]; got != "warning" {
		t.Fatalf("status = %v", got)
	}

	rec = do(t, s, "GET", "/api/budgets?month=2025-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad month status = %d", rec.Code)
	}
}

func TestExportCSVEmptyIs404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, "GET", "/api/export/csv", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMonthReportCachePurgedOnMutation(t *testing.T) {
	s, _ := newTestServer(t)

	do(t, s, "POST", "/api/transactions", map[string]any{
		"type": "income", "category": "Salary", "amount": 500000, "date": "2025-01-01",
	})

	rec := do(t, s, "GET", "/api/reports/month?month=2025-01", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report status = %d", rec.Code)
	}
	first := decodeBody[services.MonthReport](t, rec)
	if first.Totals.Income.Amount != 500000 {
		t.Fatalf("income = %d", first.Totals.Income.Amount)
	}

	do(t, s, "POST", "/api/transactions", map[string]any{
		"type": "expense", "category": "Food", "amount": 15000, "date": "2025-01-12",
	})

	rec = do(t, s, "GET", "/api/reports/month?month=2025-01", nil)
	second := decodeBody[services.MonthReport](t, rec)
	if second.Totals.Expense.Amount != 15000 {
		t.Fatalf("stale report served after mutation: %+v", second.Totals)
	}
	if second.Totals.Savings.Amount != 485000 {
		t.Fatalf("savings = %d", second.Totals.Savings.Amount)
	}
}

func TestMonthReportRejectsBadMonth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, "GET", "/api/reports/month?month=January", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStorageFailureMapsTo500(t *testing.T) {
	s, repo := newTestServer(t)
	repo.failNow = true

	rec := do(t, s, "POST", "/api/transactions", map[string]any{
		"type": "expense", "category": "Food", "amount": 1500, "date": "2025-01-12",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "disk full") {
		t.Fatal("driver detail leaked to client")
	}
}

func TestNamespaceHeaderIsolation(t *testing.T) {
	s, _ := newTestServer(t)

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(map[string]any{
		"type": "expense", "category": "Food", "amount": 1500, "date": "2025-01-12",
	})
	req := httptest.NewRequest("POST", "/api/transactions", &buf)
	req.Header.Set("X-Namespace", "alice")
	req.RemoteAddr = "10.1.2.3:12345"
	rec := httptest.NewRecorder()
	s.Server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	rec2 := do(t, s, "GET", "/api/transactions", nil)
	list := decodeBody[map[string][]core.Transaction](t, rec2)
	if len(list["transactions"]) != 0 {
		t.Fatalf("default namespace sees alice's data: %+v", list)
	}
}

func TestGoalAndSettingsEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, "GET", "/api/goal", nil)
	goal := decodeBody[core.Goal](t, rec)
	if goal.TargetIncome.Amount != 150000 {
		t.Fatalf("default goal: %+v", goal)
	}

	rec = do(t, s, "PUT", "/api/goal", map[string]any{"target_income": 300000, "target_savings_rate": 30})
	if rec.Code != http.StatusOK {
		t.Fatalf("set goal status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, "PUT", "/api/goal", map[string]any{"target_income": 300000, "target_savings_rate": 120})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid goal status = %d", rec.Code)
	}

	rec = do(t, s, "PUT", "/api/settings/currency", map[string]any{"value": "JPY"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set setting status = %d", rec.Code)
	}
	rec = do(t, s, "GET", "/api/settings", nil)
	settings := decodeBody[map[string]map[string]string](t, rec)
	if settings["settings"]["currency"] != "JPY" {
		t.Fatalf("settings: %+v", settings)
	}
}

func TestExportCSV(t *testing.T) {
	s, _ := newTestServer(t)

	do(t, s, "POST", "/api/transactions", map[string]any{
		"type": "expense", "category": "Food", "amount": 1500, "date": "2025-01-12", "note": "lunch",
	})

	rec := do(t, s, "GET", "/api/export/csv", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: %v", lines)
	}
	if lines[0] != "Date,Type,Category,Amount,Note,Recurring,Next Date" {
		t.Fatalf("header: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "2025-01-12,expense,Food,1500,lunch") {
		t.Fatalf("row: %q", lines[1])
	}
}

func TestExportJSON(t *testing.T) {
	s, _ := newTestServer(t)

	do(t, s, "POST", "/api/transactions", map[string]any{
		"type": "expense", "category": "Food", "amount": 1500, "date": "2025-01-12",
	})

	rec := do(t, s, "GET", "/api/export/json", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	snap := decodeBody[services.Snapshot](t, rec)
	if snap.Namespace != "default" || len(snap.Transactions) != 1 {
		t.Fatalf("snapshot: %+v", snap)
	}
	if snap.ExportDate == "" {
		t.Fatal("no export date")
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Fatalf("content disposition: %q", cd)
	}
}

func TestRateLimitOnMutations(t *testing.T) {
	s, _ := newTestServer(t)

	var last int
	for i := 0; i < 70; i++ {
		rec := do(t, s, "PUT", "/api/settings/k", map[string]any{"value": "v"})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("status after burst = %d", last)
	}

	// reads are not rate limited
	rec := do(t, s, "GET", "/api/settings", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d", rec.Code)
	}
}
