package http

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kakeibo/internal/core"
	"kakeibo/internal/ledger"
	"kakeibo/internal/services"
)

// purgeReports drops every cached report after a mutation. Purging is
// cheaper than tracking which months a mutation touched and can never
// serve a stale figure.
func (s *Server) purgeReports() {
	s.reportCache.Purge()
}

func (s *Server) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	namespaces, err := s.svc.Namespaces(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if namespaces == nil {
		namespaces = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"namespaces": namespaces})
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.svc.Categories(r.Context(), namespaceFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"categories": categories})
}

func (s *Server) handleAddCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	name := sanitizeInput(req.Name)
	if err := s.svc.AddCategory(r.Context(), namespaceFrom(r), name); err != nil {
		writeError(w, r, err)
		return
	}
	s.purgeReports()
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reassignTo := strings.TrimSpace(r.URL.Query().Get("reassign_to"))
	if err := s.svc.DeleteCategory(r.Context(), namespaceFrom(r), name, reassignTo); err != nil {
		writeError(w, r, err)
		return
	}
	s.purgeReports()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := services.TransactionFilter{
		Category: strings.TrimSpace(q.Get("category")),
		Type:     core.TxType(strings.TrimSpace(q.Get("type"))),
	}
	if month := strings.TrimSpace(q.Get("month")); month != "" {
		key := core.MonthKey(month)
		if err := key.Validate(); err != nil {
			writeError(w, r, err)
			return
		}
		filter.Month = key
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, r, core.ErrInvalidType)
		return
	}

	txs, err := s.svc.ListTransactions(r.Context(), namespaceFrom(r), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []core.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string][]core.Transaction{"transactions": txs})
}

type transactionRequest struct {
	Type           core.TxType     `json:"type"`
	Category       string          `json:"category"`
	Amount         core.Money      `json:"amount"`
	Date           core.Date       `json:"date"`
	Note           string          `json:"note"`
	Recurring      core.Recurrence `json:"recurring"`
	NextOccurrence core.Date       `json:"next_occurrence"`
}

func (s *Server) handleAddTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	tx := core.Transaction{
		Type:           req.Type,
		Category:       sanitizeInput(req.Category),
		Amount:         req.Amount,
		Date:           req.Date,
		Note:           sanitizeInput(req.Note),
		Recurring:      req.Recurring,
		NextOccurrence: req.NextOccurrence,
	}
	added, err := s.svc.AddTransaction(r.Context(), namespaceFrom(r), tx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.purgeReports()
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.svc.GetTransaction(r.Context(), namespaceFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type transactionPatchRequest struct {
	Type           *core.TxType     `json:"type"`
	Category       *string          `json:"category"`
	Amount         *core.Money      `json:"amount"`
	Date           *core.Date       `json:"date"`
	Note           *string          `json:"note"`
	Recurring      *core.Recurrence `json:"recurring"`
	NextOccurrence *core.Date       `json:"next_occurrence"`
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Category != nil {
		clean := sanitizeInput(*req.Category)
		req.Category = &clean
	}
	if req.Note != nil {
		clean := sanitizeInput(*req.Note)
		req.Note = &clean
	}

	patch := ledger.Patch{
		Type:           req.Type,
		Category:       req.Category,
		Amount:         req.Amount,
		Date:           req.Date,
		Note:           req.Note,
		Recurring:      req.Recurring,
		NextOccurrence: req.NextOccurrence,
	}
	updated, err := s.svc.UpdateTransaction(r.Context(), namespaceFrom(r), r.PathValue("id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.purgeReports()
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTransaction(r.Context(), namespaceFrom(r), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	s.purgeReports()
	w.WriteHeader(http.StatusNoContent)
}

// handleListBudgets returns stored budgets, or their derived month-scoped
// statuses when a month query parameter is given.
func (s *Server) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	ns := namespaceFrom(r)
	if month := strings.TrimSpace(r.URL.Query().Get("month")); month != "" {
		statuses, err := s.svc.BudgetStatuses(r.Context(), ns, core.MonthKey(month))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"budgets": statuses})
		return
	}

	budgets, err := s.svc.Budgets(r.Context(), ns)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if budgets == nil {
		budgets = []core.Budget{}
	}
	writeJSON(w, http.StatusOK, map[string][]core.Budget{"budgets": budgets})
}

// handleCreateBudget is the body-addressed variant of budget upsert.
func (s *Server) handleCreateBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string     `json:"category"`
		Limit    core.Money `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := s.svc.UpsertBudget(r.Context(), namespaceFrom(r), sanitizeInput(req.Category), req.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.purgeReports()
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleUpsertBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit core.Money `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := s.svc.UpsertBudget(r.Context(), namespaceFrom(r), r.PathValue("category"), req.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.purgeReports()
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleSetManualSpent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount core.Money `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := s.svc.SetManualSpent(r.Context(), namespaceFrom(r), r.PathValue("category"), req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.purgeReports()
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDeleteBudget(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteBudget(r.Context(), namespaceFrom(r), r.PathValue("category")); err != nil {
		writeError(w, r, err)
		return
	}
	s.purgeReports()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMonthReport(w http.ResponseWriter, r *http.Request) {
	ns := namespaceFrom(r)
	key := core.CurrentMonthKey()
	if month := strings.TrimSpace(r.URL.Query().Get("month")); month != "" {
		key = core.MonthKey(month)
	}

	cacheKey := ns + "|" + string(key)
	if cached, found := s.reportCache.Get(cacheKey); found {
		s.logger.DebugContext(r.Context(), "Report cache hit", "key", cacheKey)
		writeJSON(w, http.StatusOK, cached)
		return
	}

	rep, err := s.svc.MonthReport(r.Context(), ns, key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.reportCache.Set(cacheKey, rep)
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleListMonths(w http.ResponseWriter, r *http.Request) {
	months, err := s.svc.Months(r.Context(), namespaceFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if months == nil {
		months = []core.MonthKey{}
	}
	writeJSON(w, http.StatusOK, map[string][]core.MonthKey{"months": months})
}

func (s *Server) handleYearOverYear(w http.ResponseWriter, r *http.Request) {
	year := time.Now().Year()
	if v := strings.TrimSpace(r.URL.Query().Get("year")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, r, core.ErrInvalidDate)
			return
		}
		year = parsed
	}

	comparison, err := s.svc.YearOverYear(r.Context(), namespaceFrom(r), year)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comparison)
}

func (s *Server) handleGetGoal(w http.ResponseWriter, r *http.Request) {
	goal, err := s.svc.Goal(r.Context(), namespaceFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, goal)
}

func (s *Server) handleSetGoal(w http.ResponseWriter, r *http.Request) {
	var goal core.Goal
	if err := decodeJSON(r, &goal); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.SetGoal(r.Context(), namespaceFrom(r), goal); err != nil {
		writeError(w, r, err)
		return
	}
	s.purgeReports()
	writeJSON(w, http.StatusOK, goal)
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.svc.Settings(r.Context(), namespaceFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]map[string]string{"settings": settings})
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	key := r.PathValue("key")
	if err := s.svc.SetSetting(r.Context(), namespaceFrom(r), key, sanitizeInput(req.Value)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

// handleCreateSetting is the body-addressed variant of setting a key.
func (s *Server) handleCreateSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.SetSetting(r.Context(), namespaceFrom(r), req.Key, sanitizeInput(req.Value)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": req.Key, "value": req.Value})
}

func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	ns := namespaceFrom(r)
	snap, err := s.svc.ExportSnapshot(r.Context(), ns)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", ns+"-"+snap.ExportDate+".json"))
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	ns := namespaceFrom(r)
	txs, err := s.svc.ListTransactions(r.Context(), ns, services.TransactionFilter{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(txs) == 0 {
		writeError(w, r, fmt.Errorf("no transactions to export: %w", core.ErrNotFound))
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", ns+"-transactions.csv"))

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"Date", "Type", "Category", "Amount", "Note", "Recurring", "Next Date"})
	for _, tx := range txs {
		_ = cw.Write([]string{
			tx.Date.String(),
			string(tx.Type),
			tx.Category,
			strconv.FormatInt(tx.Amount.Amount, 10),
			tx.Note,
			string(tx.Recurring),
			tx.NextOccurrence.String(),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.ErrorContext(r.Context(), "CSV export write failed", "error", err)
	}
}
