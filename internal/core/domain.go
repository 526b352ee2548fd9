package core

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Income  TxType = "income"
	Expense TxType = "expense"
)

const (
	RecurNone    Recurrence = "none"
	RecurWeekly  Recurrence = "weekly"
	RecurMonthly Recurrence = "monthly"
	RecurYearly  Recurrence = "yearly"
)

// FallbackCategory receives transactions when a category is deleted with the
// reassign policy.
const FallbackCategory = "Other"

// MaxCategoryLen bounds category names; longer names are a validation error.
const MaxCategoryLen = 30

type (
	TxType     string
	Recurrence string

	// Transaction is a single dated ledger entry. Amount is always positive;
	// direction is carried by Type. Recurring and NextOccurrence are inert
	// metadata (no scheduler materializes future entries).
	Transaction struct {
		ID             string     `json:"id"`
		Type           TxType     `json:"type"`
		Category       string     `json:"category"`
		Amount         Money      `json:"amount"`
		Date           Date       `json:"date"`
		Note           string     `json:"note,omitempty"`
		Recurring      Recurrence `json:"recurring,omitempty"`
		NextOccurrence Date       `json:"next_occurrence"`
	}

	// Budget is a per-category spending limit. ManualSpent, when positive,
	// overrides the ledger-derived spend in budget status computations; the
	// two are never summed.
	Budget struct {
		Category    string `json:"category"`
		Limit       Money  `json:"limit"`
		ManualSpent Money  `json:"manual_spent"`
	}

	// Goal is the singleton savings target used for the target-savings figure.
	Goal struct {
		TargetIncome      Money `json:"target_income"`
		TargetSavingsRate int   `json:"target_savings_rate"`
	}
)

var (
	ErrInvalidType        = errors.New("invalid transaction type")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrEmptyCategory      = errors.New("empty category")
	ErrCategoryTooLong    = errors.New("category name too long")
	ErrInvalidDate        = errors.New("invalid date")
	ErrInvalidRecurrence  = errors.New("invalid recurrence")
	ErrInvalidManualSpent = errors.New("manual spent must not be negative")
	ErrNotFound           = errors.New("not found")
	ErrDuplicateID        = errors.New("duplicate transaction id")
	ErrDuplicateCategory  = errors.New("category already exists")
	ErrCategoryInUse      = errors.New("category is in use")
)

// StorageError marks a persistence-layer failure. The wrapped error keeps the
// driver detail; Op names the failed operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func (t TxType) Valid() bool {
	return t == Income || t == Expense
}

func (r Recurrence) Valid() bool {
	switch r {
	case RecurNone, RecurWeekly, RecurMonthly, RecurYearly:
		return true
	}
	return false
}

func (t Transaction) Validate() error {
	if !t.Type.Valid() {
		return ErrInvalidType
	}
	if err := ValidateCategory(t.Category); err != nil {
		return err
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if t.Date.IsZero() {
		return ErrInvalidDate
	}
	if len(t.Note) > 200 {
		return errors.New("note too long (max 200 characters)")
	}
	if t.Recurring != "" && !t.Recurring.Valid() {
		return ErrInvalidRecurrence
	}
	return nil
}

// ValidateCategory checks a category name for emptiness and length.
func ValidateCategory(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyCategory
	}
	if len(name) > MaxCategoryLen {
		return ErrCategoryTooLong
	}
	return nil
}

func (b Budget) Validate() error {
	if err := ValidateCategory(b.Category); err != nil {
		return err
	}
	if b.Limit.Amount < 0 {
		return ErrInvalidAmount
	}
	if b.ManualSpent.Amount < 0 {
		return ErrInvalidManualSpent
	}
	return nil
}

func (g Goal) Validate() error {
	if g.TargetIncome.Amount < 0 {
		return ErrInvalidAmount
	}
	if g.TargetSavingsRate < 0 || g.TargetSavingsRate > 100 {
		return errors.New("target savings rate must be between 0 and 100")
	}
	return nil
}

// DefaultCategories seeds a fresh namespace.
func DefaultCategories() []string {
	return []string{"Food", "Transport", "Entertainment", "Shopping", "Bills", "Other"}
}

// DefaultGoal matches the seed goal of a fresh namespace.
func DefaultGoal() Goal {
	return Goal{TargetIncome: Money{Amount: 150000}, TargetSavingsRate: 20}
}

// NewID generates a random transaction identifier.
func NewID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("tx_%d", time.Now().UnixNano())
	}
	return "tx_" + hex.EncodeToString(bytes)
}
