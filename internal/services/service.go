// Package services orchestrates the domain layers behind the HTTP boundary.
//
// All writes follow the same discipline: stage the mutation on a clone,
// persist the would-be state, and only then swap the clone in. A failed
// write therefore leaves both memory and storage exactly as they were.
// Access to each namespace is serialized by a per-namespace mutex.
package services

import (
	"context"
	"slices"
	"sort"
	"sync"

	"kakeibo/internal/amqp"
	"kakeibo/internal/budget"
	"kakeibo/internal/core"
	"kakeibo/internal/ledger"
	"kakeibo/internal/log"
	"kakeibo/internal/report"
)

// Repository is the persistence port used by the service. Satisfied by
// storage.SQLiteRepository.
type Repository interface {
	LoadState(ctx context.Context, namespace string) (core.State, error)
	SaveState(ctx context.Context, namespace string, state core.State) error
	Namespaces(ctx context.Context) ([]string, error)
}

// Publisher emits state change events after successful writes. A nil
// publisher disables eventing; publish failures never fail the write.
type Publisher interface {
	PublishStateChange(ctx context.Context, msg *amqp.StateChangeMessage) error
}

// namespaceState is the in-memory working set of one namespace.
type namespaceState struct {
	mu         sync.Mutex
	ledger     *ledger.Ledger
	budgets    *budget.Registry
	categories []string
	goal       core.Goal
	settings   map[string]string
}

type BudgetService struct {
	repo      Repository
	publisher Publisher
	logger    *log.Logger

	mu         sync.Mutex
	namespaces map[string]*namespaceState
}

func NewBudgetService(repo Repository, publisher Publisher, logger *log.Logger) *BudgetService {
	return &BudgetService{
		repo:       repo,
		publisher:  publisher,
		logger:     logger.WithComponent("services"),
		namespaces: make(map[string]*namespaceState),
	}
}

// namespace returns the working set for a namespace, loading and hydrating
// it from storage on first use.
func (s *BudgetService) namespace(ctx context.Context, ns string) (*namespaceState, error) {
	s.mu.Lock()
	if st, ok := s.namespaces[ns]; ok {
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	state, err := s.repo.LoadState(ctx, ns)
	if err != nil {
		return nil, err
	}

	st := &namespaceState{
		ledger:     ledger.FromTransactions(state.Transactions),
		budgets:    budget.FromBudgets(state.Budgets),
		categories: slices.Clone(state.Categories),
		goal:       state.Goal,
		settings:   state.Settings,
	}
	if st.settings == nil {
		st.settings = map[string]string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// another caller may have loaded the namespace in the meantime
	if existing, ok := s.namespaces[ns]; ok {
		return existing, nil
	}
	s.namespaces[ns] = st
	s.logger.InfoContext(ctx, "Namespace loaded",
		log.Namespace(ns),
		"transactions", st.ledger.Len(),
		"budgets", st.budgets.Len())
	return st, nil
}

// assemble builds the persistable state from the given (possibly staged)
// components. Caller holds the namespace lock.
func assemble(categories []string, l *ledger.Ledger, b *budget.Registry, goal core.Goal, settings map[string]string) core.State {
	return core.State{
		Categories:   slices.Clone(categories),
		Transactions: l.All(),
		Budgets:      b.All(),
		Goal:         goal,
		Settings:     settings,
	}
}

func (s *BudgetService) publish(ctx context.Context, ns, kind, op string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishStateChange(ctx, amqp.NewStateChangeMessage(ns, kind, op)); err != nil {
		s.logger.WarnContext(ctx, "State change publish failed", "error", err, log.Namespace(ns))
	}
}

// TransactionFilter narrows ListTransactions. Zero fields match everything.
type TransactionFilter struct {
	Month    core.MonthKey
	Category string
	Type     core.TxType
}

// ListTransactions returns transactions ordered by date descending, filtered
// by month, category and type where set.
func (s *BudgetService) ListTransactions(ctx context.Context, ns string, f TransactionFilter) ([]core.Transaction, error) {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	var txs []core.Transaction
	if f.Month != "" {
		txs = st.ledger.ForMonth(f.Month)
	} else {
		txs = st.ledger.All()
	}

	if f.Category == "" && f.Type == "" {
		return txs, nil
	}
	out := txs[:0]
	for _, tx := range txs {
		if f.Category != "" && tx.Category != f.Category {
			continue
		}
		if f.Type != "" && tx.Type != f.Type {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// GetTransaction returns a single transaction by id.
func (s *BudgetService) GetTransaction(ctx context.Context, ns, id string) (core.Transaction, error) {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return core.Transaction{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ledger.Get(id)
}

// AddTransaction validates, persists and stores a new transaction. The
// transaction with its generated id is returned.
func (s *BudgetService) AddTransaction(ctx context.Context, ns string, tx core.Transaction) (core.Transaction, error) {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return core.Transaction{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	staged := st.ledger.Clone()
	added, err := staged.Add(tx)
	if err != nil {
		return core.Transaction{}, err
	}
	if err := s.repo.SaveState(ctx, ns, assemble(st.categories, staged, st.budgets, st.goal, st.settings)); err != nil {
		return core.Transaction{}, err
	}
	st.ledger = staged

	s.logger.InfoContext(ctx, "Transaction added",
		log.Namespace(ns),
		log.TransactionID(added.ID),
		log.Category(added.Category),
		log.AmountYen(added.Amount.Amount))
	s.publish(ctx, ns, amqp.KindTransaction, "create")
	return added, nil
}

// UpdateTransaction applies a partial patch to an existing transaction.
func (s *BudgetService) UpdateTransaction(ctx context.Context, ns, id string, p ledger.Patch) (core.Transaction, error) {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return core.Transaction{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	staged := st.ledger.Clone()
	updated, err := staged.Update(id, p)
	if err != nil {
		return core.Transaction{}, err
	}
	if err := s.repo.SaveState(ctx, ns, assemble(st.categories, staged, st.budgets, st.goal, st.settings)); err != nil {
		return core.Transaction{}, err
	}
	st.ledger = staged

	s.logger.InfoContext(ctx, "Transaction updated", log.Namespace(ns), log.TransactionID(id))
	s.publish(ctx, ns, amqp.KindTransaction, "update")
	return updated, nil
}

// DeleteTransaction removes a transaction by id.
func (s *BudgetService) DeleteTransaction(ctx context.Context, ns, id string) error {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	staged := st.ledger.Clone()
	if err := staged.Delete(id); err != nil {
		return err
	}
	if err := s.repo.SaveState(ctx, ns, assemble(st.categories, staged, st.budgets, st.goal, st.settings)); err != nil {
		return err
	}
	st.ledger = staged

	s.logger.InfoContext(ctx, "Transaction deleted", log.Namespace(ns), log.TransactionID(id))
	s.publish(ctx, ns, amqp.KindTransaction, "delete")
	return nil
}

// Categories returns the namespace's category list, sorted.
func (s *BudgetService) Categories(ctx context.Context, ns string) ([]string, error) {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := slices.Clone(st.categories)
	sort.Strings(out)
	return out, nil
}

// AddCategory appends a new category name.
func (s *BudgetService) AddCategory(ctx context.Context, ns, name string) error {
	if err := core.ValidateCategory(name); err != nil {
		return err
	}
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if slices.Contains(st.categories, name) {
		return core.ErrDuplicateCategory
	}
	staged := append(slices.Clone(st.categories), name)
	if err := s.repo.SaveState(ctx, ns, assemble(staged, st.ledger, st.budgets, st.goal, st.settings)); err != nil {
		return err
	}
	st.categories = staged

	s.logger.InfoContext(ctx, "Category added", log.Namespace(ns), log.Category(name))
	s.publish(ctx, ns, amqp.KindCategory, "create")
	return nil
}

// DeleteCategory removes a category. When the category still has
// transactions the call fails with ErrCategoryInUse unless reassignTo names
// another existing category, in which case those transactions move there
// first. The category's budget, if any, goes with it.
func (s *BudgetService) DeleteCategory(ctx context.Context, ns, name, reassignTo string) error {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if !slices.Contains(st.categories, name) {
		return core.ErrNotFound
	}

	stagedLedger := st.ledger.Clone()
	if stagedLedger.UsesCategory(name) {
		if reassignTo == "" {
			return core.ErrCategoryInUse
		}
		if reassignTo == name || !slices.Contains(st.categories, reassignTo) {
			return core.ErrNotFound
		}
		moved := stagedLedger.ReassignCategory(name, reassignTo)
		s.logger.InfoContext(ctx, "Transactions reassigned",
			log.Namespace(ns), log.Category(name), "to", reassignTo, "count", moved)
	}

	stagedCategories := slices.Clone(st.categories)
	stagedCategories = slices.DeleteFunc(stagedCategories, func(c string) bool { return c == name })

	stagedBudgets := st.budgets.Clone()
	if _, ok := stagedBudgets.Get(name); ok {
		stagedBudgets.Delete(name)
	}

	if err := s.repo.SaveState(ctx, ns, assemble(stagedCategories, stagedLedger, stagedBudgets, st.goal, st.settings)); err != nil {
		return err
	}
	st.categories = stagedCategories
	st.ledger = stagedLedger
	st.budgets = stagedBudgets

	s.logger.InfoContext(ctx, "Category deleted", log.Namespace(ns), log.Category(name))
	s.publish(ctx, ns, amqp.KindCategory, "delete")
	return nil
}

// Budgets returns every budget sorted by category.
func (s *BudgetService) Budgets(ctx context.Context, ns string) ([]core.Budget, error) {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.budgets.All(), nil
}

// UpsertBudget creates or replaces the limit for a category. A manual spend
// override on an existing budget survives.
func (s *BudgetService) UpsertBudget(ctx context.Context, ns, category string, limit core.Money) (core.Budget, error) {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return core.Budget{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	staged := st.budgets.Clone()
	b, err := staged.Upsert(category, limit)
	if err != nil {
		return core.Budget{}, err
	}
	if err := s.repo.SaveState(ctx, ns, assemble(st.categories, st.ledger, staged, st.goal, st.settings)); err != nil {
		return core.Budget{}, err
	}
	st.budgets = staged

	s.logger.InfoContext(ctx, "Budget set",
		log.Namespace(ns), log.Category(category), log.AmountYen(limit.Amount))
	s.publish(ctx, ns, amqp.KindBudget, "upsert")
	return b, nil
}

// SetManualSpent sets or clears (zero) the manual spend override.
func (s *BudgetService) SetManualSpent(ctx context.Context, ns, category string, amount core.Money) (core.Budget, error) {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return core.Budget{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	staged := st.budgets.Clone()
	b, err := staged.SetManualSpent(category, amount)
	if err != nil {
		return core.Budget{}, err
	}
	if err := s.repo.SaveState(ctx, ns, assemble(st.categories, st.ledger, staged, st.goal, st.settings)); err != nil {
		return core.Budget{}, err
	}
	st.budgets = staged

	s.publish(ctx, ns, amqp.KindBudget, "update")
	return b, nil
}

// DeleteBudget removes the budget for a category. Transactions and the
// category itself are untouched.
func (s *BudgetService) DeleteBudget(ctx context.Context, ns, category string) error {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	staged := st.budgets.Clone()
	if err := staged.Delete(category); err != nil {
		return err
	}
	if err := s.repo.SaveState(ctx, ns, assemble(st.categories, st.ledger, staged, st.goal, st.settings)); err != nil {
		return err
	}
	st.budgets = staged

	s.publish(ctx, ns, amqp.KindBudget, "delete")
	return nil
}

// Goal returns the namespace's savings goal.
func (s *BudgetService) Goal(ctx context.Context, ns string) (core.Goal, error) {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return core.Goal{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.goal, nil
}

// SetGoal replaces the savings goal.
func (s *BudgetService) SetGoal(ctx context.Context, ns string, g core.Goal) error {
	if err := g.Validate(); err != nil {
		return err
	}
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.repo.SaveState(ctx, ns, assemble(st.categories, st.ledger, st.budgets, g, st.settings)); err != nil {
		return err
	}
	st.goal = g

	s.publish(ctx, ns, amqp.KindGoal, "update")
	return nil
}

// Settings returns a copy of the namespace's settings map.
func (s *BudgetService) Settings(ctx context.Context, ns string) (map[string]string, error) {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]string, len(st.settings))
	for k, v := range st.settings {
		out[k] = v
	}
	return out, nil
}

// SetSetting stores one key/value pair.
func (s *BudgetService) SetSetting(ctx context.Context, ns, key, value string) error {
	if key == "" {
		return core.ErrEmptyCategory
	}
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	staged := make(map[string]string, len(st.settings)+1)
	for k, v := range st.settings {
		staged[k] = v
	}
	staged[key] = value
	if err := s.repo.SaveState(ctx, ns, assemble(st.categories, st.ledger, st.budgets, st.goal, staged)); err != nil {
		return err
	}
	st.settings = staged

	s.publish(ctx, ns, amqp.KindSettings, "update")
	return nil
}

// MonthReport is the dashboard payload for one month.
type MonthReport struct {
	Month            core.MonthKey           `json:"month"`
	Totals           report.MonthTotals      `json:"totals"`
	CategorySpend    map[string]core.Money   `json:"category_spend"`
	Budgets          []report.BudgetStatus   `json:"budgets"`
	TopCategories    []report.CategoryAmount `json:"top_categories"`
	TargetSavings    core.Money              `json:"target_savings"`
	TransactionCount int                     `json:"transaction_count"`
}

// MonthReport computes the aggregate view of one month.
func (s *BudgetService) MonthReport(ctx context.Context, ns string, key core.MonthKey) (MonthReport, error) {
	if err := key.Validate(); err != nil {
		return MonthReport{}, err
	}
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return MonthReport{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	engine := report.NewEngine(st.ledger, st.budgets)
	return MonthReport{
		Month:            key,
		Totals:           engine.TotalsForMonth(key),
		CategorySpend:    engine.CategorySpend(key),
		Budgets:          engine.AllBudgetStatuses(key),
		TopCategories:    engine.TopCategories(key, report.DefaultTopCategories),
		TargetSavings:    engine.TargetSavings(st.goal),
		TransactionCount: len(st.ledger.ForMonth(key)),
	}, nil
}

// BudgetStatuses computes the derived status of every budget for one month.
func (s *BudgetService) BudgetStatuses(ctx context.Context, ns string, key core.MonthKey) ([]report.BudgetStatus, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	engine := report.NewEngine(st.ledger, st.budgets)
	return engine.AllBudgetStatuses(key), nil
}

// YearOverYear compares a year's totals against the previous year.
func (s *BudgetService) YearOverYear(ctx context.Context, ns string, year int) (report.YearComparison, error) {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return report.YearComparison{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	engine := report.NewEngine(st.ledger, st.budgets)
	return engine.YearOverYear(year), nil
}

// Months lists every month with at least one transaction, ascending.
func (s *BudgetService) Months(ctx context.Context, ns string) ([]core.MonthKey, error) {
	st, err := s.namespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ledger.Months(), nil
}

// Namespaces lists every namespace known to storage.
func (s *BudgetService) Namespaces(ctx context.Context) ([]string, error) {
	return s.repo.Namespaces(ctx)
}
