// Package report derives financial views from the ledger and budget registry.
//
// Every computation here is a pure function of current state: nothing is
// mutated and nothing is cached, so derived figures can never go stale.
package report

import (
	"sort"

	"kakeibo/internal/budget"
	"kakeibo/internal/core"
	"kakeibo/internal/ledger"
)

// DefaultTopCategories is the limit used by the dashboard payload.
const DefaultTopCategories = 8

// warnThresholdPercent is where a budget flips from on-track to warning.
const warnThresholdPercent = 80

type Engine struct {
	ledger  *ledger.Ledger
	budgets *budget.Registry
}

func NewEngine(l *ledger.Ledger, b *budget.Registry) *Engine {
	return &Engine{ledger: l, budgets: b}
}

// MonthTotals are the income/expense/savings sums of one month. Savings may
// be negative.
type MonthTotals struct {
	Income  core.Money `json:"income"`
	Expense core.Money `json:"expense"`
	Savings core.Money `json:"savings"`
}

// BudgetStatus is the derived state of one budget for one month.
type BudgetStatus struct {
	Category     string     `json:"category"`
	Limit        core.Money `json:"limit"`
	Spent        core.Money `json:"spent"`
	Remaining    core.Money `json:"remaining"`
	Percentage   float64    `json:"percentage"`
	IsOverBudget bool       `json:"is_over_budget"`
	Status       string     `json:"status"`
}

// CategoryAmount pairs a category with a summed expense amount.
type CategoryAmount struct {
	Category string     `json:"category"`
	Amount   core.Money `json:"amount"`
}

// YearComparison holds percentage changes relative to the previous year.
type YearComparison struct {
	Year                 int     `json:"year"`
	IncomeChangePercent  float64 `json:"income_change_percent"`
	ExpenseChangePercent float64 `json:"expense_change_percent"`
	SavingsChangePercent float64 `json:"savings_change_percent"`
}

// TotalsForMonth sums income and expense for the month; savings is the
// difference and may go negative.
func (e *Engine) TotalsForMonth(key core.MonthKey) MonthTotals {
	var totals MonthTotals
	for _, tx := range e.ledger.ForMonth(key) {
		switch tx.Type {
		case core.Income:
			totals.Income.Amount += tx.Amount.Amount
		case core.Expense:
			totals.Expense.Amount += tx.Amount.Amount
		}
	}
	totals.Savings.Amount = totals.Income.Amount - totals.Expense.Amount
	return totals
}

// CategorySpend sums expense amounts per category for the month. Income is
// excluded.
func (e *Engine) CategorySpend(key core.MonthKey) map[string]core.Money {
	out := make(map[string]core.Money)
	for _, tx := range e.ledger.ForMonth(key) {
		if tx.Type != core.Expense {
			continue
		}
		m := out[tx.Category]
		m.Amount += tx.Amount.Amount
		out[tx.Category] = m
	}
	return out
}

// BudgetStatus computes the derived state of one budget for one month.
// A positive manual spend overrides ledger-derived spend; the two are never
// summed. With a zero limit the percentage is reported as 0.
func (e *Engine) BudgetStatus(category string, key core.MonthKey) (BudgetStatus, error) {
	b, ok := e.budgets.Get(category)
	if !ok {
		return BudgetStatus{}, core.ErrNotFound
	}
	return e.status(b, e.CategorySpend(key)), nil
}

// AllBudgetStatuses computes the status of every budget for one month,
// ordered by category name.
func (e *Engine) AllBudgetStatuses(key core.MonthKey) []BudgetStatus {
	spend := e.CategorySpend(key)
	budgets := e.budgets.All()
	out := make([]BudgetStatus, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, e.status(b, spend))
	}
	return out
}

func (e *Engine) status(b core.Budget, spend map[string]core.Money) BudgetStatus {
	spent := spend[b.Category]
	if b.ManualSpent.Amount > 0 {
		spent = b.ManualSpent
	}

	st := BudgetStatus{
		Category:  b.Category,
		Limit:     b.Limit,
		Spent:     spent,
		Remaining: core.Money{Amount: b.Limit.Amount - spent.Amount},
	}
	if b.Limit.Amount > 0 {
		st.Percentage = float64(spent.Amount) / float64(b.Limit.Amount) * 100
	}
	st.IsOverBudget = spent.Amount > b.Limit.Amount
	switch {
	case st.IsOverBudget:
		st.Status = "over-budget"
	case st.Percentage > warnThresholdPercent:
		st.Status = "warning"
	default:
		st.Status = "on-track"
	}
	return st
}

// TopCategories returns the highest-spend categories of the month, descending
// by amount, ties broken by category name ascending.
func (e *Engine) TopCategories(key core.MonthKey, limit int) []CategoryAmount {
	spend := e.CategorySpend(key)
	out := make([]CategoryAmount, 0, len(spend))
	for category, amount := range spend {
		out = append(out, CategoryAmount{Category: category, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount.Amount != out[j].Amount.Amount {
			return out[i].Amount.Amount > out[j].Amount.Amount
		}
		return out[i].Category < out[j].Category
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// YearOverYear compares a year against the previous one. A zero prior-year
// base yields a 0% change rather than a division by zero.
func (e *Engine) YearOverYear(year int) YearComparison {
	current := e.yearTotals(year)
	previous := e.yearTotals(year - 1)

	return YearComparison{
		Year:                 year,
		IncomeChangePercent:  changePercent(current.Income.Amount, previous.Income.Amount),
		ExpenseChangePercent: changePercent(current.Expense.Amount, previous.Expense.Amount),
		SavingsChangePercent: changePercent(current.Savings.Amount, previous.Savings.Amount),
	}
}

// TargetSavings derives the goal display value: target income scaled by the
// target savings rate.
func (e *Engine) TargetSavings(g core.Goal) core.Money {
	return core.Money{Amount: g.TargetIncome.Amount * int64(g.TargetSavingsRate) / 100}
}

func (e *Engine) yearTotals(year int) MonthTotals {
	var totals MonthTotals
	for month := 1; month <= 12; month++ {
		t := e.TotalsForMonth(core.MonthKeyFor(year, month))
		totals.Income.Amount += t.Income.Amount
		totals.Expense.Amount += t.Expense.Amount
	}
	totals.Savings.Amount = totals.Income.Amount - totals.Expense.Amount
	return totals
}

func changePercent(current, previous int64) float64 {
	if previous == 0 {
		return 0
	}
	base := previous
	if base < 0 {
		base = -base
	}
	return float64(current-previous) / float64(base) * 100
}
