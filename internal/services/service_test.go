package services

import (
	"context"
	"errors"
	"testing"

	"kakeibo/internal/amqp"
	"kakeibo/internal/core"
	"kakeibo/internal/ledger"
	"kakeibo/internal/log"
)

type fakeRepo struct {
	states  map[string]core.State
	failNow bool
	saves   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{states: make(map[string]core.State)}
}

func (r *fakeRepo) LoadState(_ context.Context, ns string) (core.State, error) {
	if st, ok := r.states[ns]; ok {
		return st, nil
	}
	return core.DefaultState(), nil
}

func (r *fakeRepo) SaveState(_ context.Context, ns string, state core.State) error {
	if r.failNow {
		return &core.StorageError{Op: "save", Err: errors.New("disk full")}
	}
	r.states[ns] = state
	r.saves++
	return nil
}

func (r *fakeRepo) Namespaces(context.Context) ([]string, error) {
	out := make([]string, 0, len(r.states))
	for ns := range r.states {
		out = append(out, ns)
	}
	return out, nil
}

type fakePublisher struct {
	messages []*amqp.StateChangeMessage
}

func (p *fakePublisher) PublishStateChange(_ context.Context, msg *amqp.StateChangeMessage) error {
	p.messages = append(p.messages, msg)
	return nil
}

func newService(repo *fakeRepo, pub Publisher) *BudgetService {
	return NewBudgetService(repo, pub, log.New(log.DefaultConfig()))
}

func expenseOn(date string, category string, amount int64) core.Transaction {
	d, _ := core.ParseDate(date)
	return core.Transaction{
		Type:     core.Expense,
		Category: category,
		Amount:   core.Money{Amount: amount},
		Date:     d,
	}
}

func TestAddTransactionPersistsAndPublishes(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := newService(repo, pub)
	ctx := context.Background()

	added, err := svc.AddTransaction(ctx, "default", expenseOn("2025-01-12", "Food", 1500))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added.ID == "" {
		t.Fatal("no id generated")
	}

	txs, err := svc.ListTransactions(ctx, "default", TransactionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 1 || txs[0].ID != added.ID {
		t.Fatalf("unexpected list: %+v", txs)
	}

	saved := repo.states["default"]
	if len(saved.Transactions) != 1 {
		t.Fatalf("persisted %d transactions", len(saved.Transactions))
	}
	if len(pub.messages) != 1 || pub.messages[0].Kind != amqp.KindTransaction {
		t.Fatalf("unexpected messages: %+v", pub.messages)
	}
}

func TestFailedSaveLeavesMemoryAndStorageIntact(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := newService(repo, pub)
	ctx := context.Background()

	if _, err := svc.AddTransaction(ctx, "default", expenseOn("2025-01-12", "Food", 1500)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	repo.failNow = true
	_, err := svc.AddTransaction(ctx, "default", expenseOn("2025-01-13", "Food", 900))
	var storageErr *core.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("want StorageError, got %v", err)
	}

	txs, _ := svc.ListTransactions(ctx, "default", TransactionFilter{})
	if len(txs) != 1 {
		t.Fatalf("memory changed after failed save: %d transactions", len(txs))
	}
	if len(repo.states["default"].Transactions) != 1 {
		t.Fatal("storage changed after failed save")
	}
	if len(pub.messages) != 1 {
		t.Fatal("published despite failed save")
	}

	// the same write succeeds once storage recovers
	repo.failNow = false
	if _, err := svc.AddTransaction(ctx, "default", expenseOn("2025-01-13", "Food", 900)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	txs, _ = svc.ListTransactions(ctx, "default", TransactionFilter{})
	if len(txs) != 2 {
		t.Fatalf("retry not applied: %d transactions", len(txs))
	}
}

func TestListTransactionsFilters(t *testing.T) {
	svc := newService(newFakeRepo(), nil)
	ctx := context.Background()

	svc.AddTransaction(ctx, "default", expenseOn("2025-01-12", "Food", 1500))
	svc.AddTransaction(ctx, "default", expenseOn("2025-01-20", "Transport", 800))
	svc.AddTransaction(ctx, "default", expenseOn("2025-02-03", "Food", 2000))
	income, _ := core.ParseDate("2025-01-25")
	svc.AddTransaction(ctx, "default", core.Transaction{
		Type: core.Income, Category: "Salary", Amount: core.Money{Amount: 500000}, Date: income,
	})

	byMonth, _ := svc.ListTransactions(ctx, "default", TransactionFilter{Month: "2025-01"})
	if len(byMonth) != 3 {
		t.Fatalf("month filter: %d", len(byMonth))
	}
	byCategory, _ := svc.ListTransactions(ctx, "default", TransactionFilter{Category: "Food"})
	if len(byCategory) != 2 {
		t.Fatalf("category filter: %d", len(byCategory))
	}
	byType, _ := svc.ListTransactions(ctx, "default", TransactionFilter{Month: "2025-01", Type: core.Income})
	if len(byType) != 1 || byType[0].Category != "Salary" {
		t.Fatalf("type filter: %+v", byType)
	}
}

func TestUpdateTransactionMovesMonth(t *testing.T) {
	svc := newService(newFakeRepo(), nil)
	ctx := context.Background()

	added, _ := svc.AddTransaction(ctx, "default", expenseOn("2025-01-12", "Food", 1500))
	newDate, _ := core.ParseDate("2025-02-01")
	if _, err := svc.UpdateTransaction(ctx, "default", added.ID, ledger.Patch{Date: &newDate}); err != nil {
		t.Fatalf("update: %v", err)
	}

	jan, _ := svc.ListTransactions(ctx, "default", TransactionFilter{Month: "2025-01"})
	feb, _ := svc.ListTransactions(ctx, "default", TransactionFilter{Month: "2025-02"})
	if len(jan) != 0 || len(feb) != 1 {
		t.Fatalf("jan=%d feb=%d", len(jan), len(feb))
	}
}

func TestDeleteCategoryBlockedWhenInUse(t *testing.T) {
	svc := newService(newFakeRepo(), nil)
	ctx := context.Background()

	svc.AddTransaction(ctx, "default", expenseOn("2025-01-12", "Food", 1500))

	err := svc.DeleteCategory(ctx, "default", "Food", "")
	if !errors.Is(err, core.ErrCategoryInUse) {
		t.Fatalf("want ErrCategoryInUse, got %v", err)
	}
	categories, _ := svc.Categories(ctx, "default")
	found := false
	for _, c := range categories {
		if c == "Food" {
			found = true
		}
	}
	if !found {
		t.Fatal("category removed despite block")
	}
}

func TestDeleteCategoryWithReassign(t *testing.T) {
	svc := newService(newFakeRepo(), nil)
	ctx := context.Background()

	svc.AddTransaction(ctx, "default", expenseOn("2025-01-12", "Food", 1500))
	svc.UpsertBudget(ctx, "default", "Food", core.Money{Amount: 50000})

	if err := svc.DeleteCategory(ctx, "default", "Food", "Other"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	txs, _ := svc.ListTransactions(ctx, "default", TransactionFilter{Category: "Other"})
	if len(txs) != 1 {
		t.Fatalf("reassigned %d transactions", len(txs))
	}
	budgets, _ := svc.Budgets(ctx, "default")
	for _, b := range budgets {
		if b.Category == "Food" {
			t.Fatal("budget survived category deletion")
		}
	}
}

func TestDeleteUnusedCategoryNeedsNoReassign(t *testing.T) {
	svc := newService(newFakeRepo(), nil)
	ctx := context.Background()

	if err := svc.DeleteCategory(ctx, "default", "Bills", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.DeleteCategory(ctx, "default", "Bills", ""); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestAddCategoryRejectsDuplicate(t *testing.T) {
	svc := newService(newFakeRepo(), nil)
	ctx := context.Background()

	if err := svc.AddCategory(ctx, "default", "Rent"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.AddCategory(ctx, "default", "Rent"); !errors.Is(err, core.ErrDuplicateCategory) {
		t.Fatalf("duplicate: %v", err)
	}
	if err := svc.AddCategory(ctx, "default", "  "); !errors.Is(err, core.ErrEmptyCategory) {
		t.Fatalf("empty: %v", err)
	}
}

func TestManualSpentFlowsIntoMonthReport(t *testing.T) {
	svc := newService(newFakeRepo(), nil)
	ctx := context.Background()

	svc.AddTransaction(ctx, "default", expenseOn("2025-01-12", "Food", 99000))
	svc.UpsertBudget(ctx, "default", "Food", core.Money{Amount: 50000})
	if _, err := svc.SetManualSpent(ctx, "default", "Food", core.Money{Amount: 15000}); err != nil {
		t.Fatalf("manual spent: %v", err)
	}

	rep, err := svc.MonthReport(ctx, "default", "2025-01")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(rep.Budgets) != 1 {
		t.Fatalf("budgets: %+v", rep.Budgets)
	}
	if got := rep.Budgets[0].Spent.Amount; got != 15000 {
		t.Fatalf("spent = %d, manual override not applied", got)
	}
	if rep.Totals.Expense.Amount != 99000 {
		t.Fatalf("totals unaffected by override: %d", rep.Totals.Expense.Amount)
	}
	if rep.TransactionCount != 1 {
		t.Fatalf("transaction count = %d", rep.TransactionCount)
	}
}

func TestMonthReportRejectsBadKey(t *testing.T) {
	svc := newService(newFakeRepo(), nil)
	if _, err := svc.MonthReport(context.Background(), "default", "2025-13"); !errors.Is(err, core.ErrInvalidDate) {
		t.Fatalf("want ErrInvalidDate, got %v", err)
	}
}

func TestGoalAndSettings(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, nil)
	ctx := context.Background()

	goal, _ := svc.Goal(ctx, "default")
	if goal.TargetIncome.Amount != 150000 {
		t.Fatalf("default goal: %+v", goal)
	}

	if err := svc.SetGoal(ctx, "default", core.Goal{TargetIncome: core.Money{Amount: 300000}, TargetSavingsRate: 30}); err != nil {
		t.Fatalf("set goal: %v", err)
	}
	if err := svc.SetGoal(ctx, "default", core.Goal{TargetSavingsRate: 120}); err == nil {
		t.Fatal("invalid goal accepted")
	}

	if err := svc.SetSetting(ctx, "default", "currency", "JPY"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	settings, _ := svc.Settings(ctx, "default")
	if settings["currency"] != "JPY" {
		t.Fatalf("settings: %+v", settings)
	}

	saved := repo.states["default"]
	if saved.Goal.TargetIncome.Amount != 300000 || saved.Settings["currency"] != "JPY" {
		t.Fatalf("persisted state: %+v", saved)
	}
}

func TestExportSnapshot(t *testing.T) {
	svc := newService(newFakeRepo(), nil)
	ctx := context.Background()

	svc.AddTransaction(ctx, "default", expenseOn("2025-01-12", "Food", 1500))
	svc.UpsertBudget(ctx, "default", "Food", core.Money{Amount: 50000})
	svc.SetSetting(ctx, "default", "currency", "JPY")

	snap, err := svc.ExportSnapshot(ctx, "default")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if snap.Namespace != "default" || snap.ExportDate == "" {
		t.Fatalf("header: %+v", snap)
	}
	if len(snap.Transactions) != 1 || len(snap.Budgets) != 1 {
		t.Fatalf("sections: %d txs, %d budgets", len(snap.Transactions), len(snap.Budgets))
	}
	if len(snap.Categories) == 0 || snap.Settings["currency"] != "JPY" {
		t.Fatalf("sections: %+v", snap)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	svc := newService(newFakeRepo(), nil)
	ctx := context.Background()

	svc.AddTransaction(ctx, "alice", expenseOn("2025-01-12", "Food", 1500))

	bobTxs, err := svc.ListTransactions(ctx, "bob", TransactionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bobTxs) != 0 {
		t.Fatalf("namespace leak: %+v", bobTxs)
	}
}
