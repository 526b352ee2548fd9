// Package ledger holds the authoritative transaction collection.
//
// Transactions live in a single map keyed by id. The month-bucket view is a
// derived index rebuilt lazily after any mutation, never a second mutable
// copy, so the two representations cannot drift apart.
package ledger

import (
	"sort"
	"strings"

	"kakeibo/internal/core"
)

// Ledger is not safe for concurrent use; callers serialize access per
// namespace (see services.BudgetService).
type Ledger struct {
	byID    map[string]core.Transaction
	months  map[core.MonthKey][]string
	indexed bool
}

func New() *Ledger {
	return &Ledger{byID: make(map[string]core.Transaction)}
}

// FromTransactions hydrates a ledger from persisted rows. Entries that fail
// validation are dropped rather than poisoning the in-memory state.
func FromTransactions(txs []core.Transaction) *Ledger {
	l := New()
	for _, tx := range txs {
		if tx.ID == "" || tx.Validate() != nil {
			continue
		}
		l.byID[tx.ID] = tx
	}
	return l
}

// Patch carries partial field updates for Update. Nil fields are left
// untouched.
type Patch struct {
	Type           *core.TxType
	Category       *string
	Amount         *core.Money
	Date           *core.Date
	Note           *string
	Recurring      *core.Recurrence
	NextOccurrence *core.Date
}

// Add validates and stores a transaction, generating an id when absent.
// The stored transaction is returned.
func (l *Ledger) Add(tx core.Transaction) (core.Transaction, error) {
	if tx.ID == "" {
		tx.ID = core.NewID()
	}
	if err := tx.Validate(); err != nil {
		return core.Transaction{}, err
	}
	if _, exists := l.byID[tx.ID]; exists {
		return core.Transaction{}, core.ErrDuplicateID
	}
	l.byID[tx.ID] = tx
	l.indexed = false
	return tx, nil
}

// Update applies a partial patch by id. The patched transaction must still
// validate; a date change moves the entry between month buckets as a side
// effect of the index rebuild, so callers never observe it in zero or two
// buckets.
func (l *Ledger) Update(id string, p Patch) (core.Transaction, error) {
	tx, ok := l.byID[id]
	if !ok {
		return core.Transaction{}, core.ErrNotFound
	}

	updated := tx
	if p.Type != nil {
		updated.Type = *p.Type
	}
	if p.Category != nil {
		updated.Category = *p.Category
	}
	if p.Amount != nil {
		updated.Amount = *p.Amount
	}
	if p.Date != nil {
		updated.Date = *p.Date
	}
	if p.Note != nil {
		updated.Note = *p.Note
	}
	if p.Recurring != nil {
		updated.Recurring = *p.Recurring
	}
	if p.NextOccurrence != nil {
		updated.NextOccurrence = *p.NextOccurrence
	}

	if err := updated.Validate(); err != nil {
		return core.Transaction{}, err
	}

	l.byID[id] = updated
	l.indexed = false
	return updated, nil
}

// Delete removes a transaction by id. Empty month buckets disappear with the
// next index rebuild.
func (l *Ledger) Delete(id string) error {
	if _, ok := l.byID[id]; !ok {
		return core.ErrNotFound
	}
	delete(l.byID, id)
	l.indexed = false
	return nil
}

// Get returns a transaction by id.
func (l *Ledger) Get(id string) (core.Transaction, error) {
	tx, ok := l.byID[id]
	if !ok {
		return core.Transaction{}, core.ErrNotFound
	}
	return tx, nil
}

// Len returns the number of transactions.
func (l *Ledger) Len() int {
	return len(l.byID)
}

// All returns every transaction sorted by date descending (display order),
// ties broken by id for determinism.
func (l *Ledger) All() []core.Transaction {
	out := make([]core.Transaction, 0, len(l.byID))
	for _, tx := range l.byID {
		out = append(out, tx)
	}
	sortByDateDesc(out)
	return out
}

// ForMonth returns the transactions whose derived month equals key.
func (l *Ledger) ForMonth(key core.MonthKey) []core.Transaction {
	l.ensureIndex()
	ids := l.months[key]
	out := make([]core.Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.byID[id])
	}
	sortByDateDesc(out)
	return out
}

// ForCategory returns the transactions referencing the category.
func (l *Ledger) ForCategory(category string) []core.Transaction {
	var out []core.Transaction
	for _, tx := range l.byID {
		if tx.Category == category {
			out = append(out, tx)
		}
	}
	sortByDateDesc(out)
	return out
}

// Months returns the keys of all non-empty month buckets, ascending.
func (l *Ledger) Months() []core.MonthKey {
	l.ensureIndex()
	keys := make([]core.MonthKey, 0, len(l.months))
	for k := range l.months {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// UsesCategory reports whether any transaction references the category.
func (l *Ledger) UsesCategory(category string) bool {
	for _, tx := range l.byID {
		if tx.Category == category {
			return true
		}
	}
	return false
}

// ReassignCategory rewrites every transaction in from to the to category and
// returns the number of rewritten entries.
func (l *Ledger) ReassignCategory(from, to string) int {
	n := 0
	for id, tx := range l.byID {
		if tx.Category == from {
			tx.Category = to
			l.byID[id] = tx
			n++
		}
	}
	return n
}

// Clone returns an independent copy. Used by the service layer to stage
// mutations that may still fail to persist.
func (l *Ledger) Clone() *Ledger {
	c := New()
	for id, tx := range l.byID {
		c.byID[id] = tx
	}
	return c
}

func (l *Ledger) ensureIndex() {
	if l.indexed {
		return
	}
	l.months = make(map[core.MonthKey][]string)
	for id, tx := range l.byID {
		key := tx.Date.MonthKey()
		l.months[key] = append(l.months[key], id)
	}
	l.indexed = true
}

func sortByDateDesc(txs []core.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].Date.Equal(txs[j].Date.Time) {
			return txs[i].Date.After(txs[j].Date.Time)
		}
		return strings.Compare(txs[i].ID, txs[j].ID) < 0
	})
}
