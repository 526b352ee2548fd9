// Package budget manages per-category spending limits and the manual spend
// override used by budget status computations.
package budget

import (
	"sort"

	"kakeibo/internal/core"
)

// Registry maps category name to its budget. Limits are global per category;
// month scoping happens in the aggregation layer against ledger spend.
// Not safe for concurrent use; access is serialized per namespace.
type Registry struct {
	byCategory map[string]core.Budget
}

func New() *Registry {
	return &Registry{byCategory: make(map[string]core.Budget)}
}

// FromBudgets hydrates a registry from persisted rows, dropping invalid ones.
func FromBudgets(budgets []core.Budget) *Registry {
	r := New()
	for _, b := range budgets {
		if b.Validate() != nil {
			continue
		}
		r.byCategory[b.Category] = b
	}
	return r
}

// Upsert creates or overwrites the limit for a category. An existing manual
// spend override survives the upsert.
func (r *Registry) Upsert(category string, limit core.Money) (core.Budget, error) {
	if err := core.ValidateCategory(category); err != nil {
		return core.Budget{}, err
	}
	if limit.Amount < 0 {
		return core.Budget{}, core.ErrInvalidAmount
	}
	b, ok := r.byCategory[category]
	if !ok {
		b = core.Budget{Category: category}
	}
	b.Limit = limit
	r.byCategory[category] = b
	return b, nil
}

// SetManualSpent overwrites the manual override for an existing budget.
// Setting it to zero clears the override.
func (r *Registry) SetManualSpent(category string, amount core.Money) (core.Budget, error) {
	if amount.Amount < 0 {
		return core.Budget{}, core.ErrInvalidManualSpent
	}
	b, ok := r.byCategory[category]
	if !ok {
		return core.Budget{}, core.ErrNotFound
	}
	b.ManualSpent = amount
	r.byCategory[category] = b
	return b, nil
}

// Delete removes a budget. Transactions and the category itself are
// untouched.
func (r *Registry) Delete(category string) error {
	if _, ok := r.byCategory[category]; !ok {
		return core.ErrNotFound
	}
	delete(r.byCategory, category)
	return nil
}

// Get returns the budget for a category.
func (r *Registry) Get(category string) (core.Budget, bool) {
	b, ok := r.byCategory[category]
	return b, ok
}

// All returns every budget sorted by category name.
func (r *Registry) All() []core.Budget {
	out := make([]core.Budget, 0, len(r.byCategory))
	for _, b := range r.byCategory {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// Len returns the number of budgets.
func (r *Registry) Len() int {
	return len(r.byCategory)
}

// Clone returns an independent copy for staged mutations.
func (r *Registry) Clone() *Registry {
	c := New()
	for k, v := range r.byCategory {
		c.byCategory[k] = v
	}
	return c
}
