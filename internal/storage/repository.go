// Package storage persists namespace-keyed application state in SQLite.
//
// A namespace's full state (categories, transactions, budgets, goal,
// settings) is written in a single SQL transaction, so a crash between
// writes can never leave the tables disagreeing with each other.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"kakeibo/internal/core"

	_ "modernc.org/sqlite"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// LoadState reads the full state of a namespace. A namespace that has never
// been saved gets the documented default seed instead of empty collections.
func (r *SQLiteRepository) LoadState(ctx context.Context, namespace string) (core.State, error) {
	state := core.State{Settings: map[string]string{}}
	seen := false

	rows, err := r.db.QueryContext(ctx, `SELECT name FROM categories WHERE namespace = ? ORDER BY name`, namespace)
	if err != nil {
		return core.State{}, &core.StorageError{Op: "load categories", Err: err}
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return core.State{}, &core.StorageError{Op: "scan category", Err: err}
		}
		state.Categories = append(state.Categories, name)
		seen = true
	}
	if err := rows.Close(); err != nil {
		return core.State{}, &core.StorageError{Op: "load categories", Err: err}
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT id, type, category, amount, date, note, recurring, next_occurrence
		FROM transactions WHERE namespace = ? ORDER BY date DESC, id`, namespace)
	if err != nil {
		return core.State{}, &core.StorageError{Op: "load transactions", Err: err}
	}
	for rows.Next() {
		var (
			tx                    core.Transaction
			date, recurring, next string
		)
		if err := rows.Scan(&tx.ID, &tx.Type, &tx.Category, &tx.Amount.Amount, &date, &tx.Note, &recurring, &next); err != nil {
			rows.Close()
			return core.State{}, &core.StorageError{Op: "scan transaction", Err: err}
		}
		if tx.Date, err = core.ParseDate(date); err != nil {
			slog.WarnContext(ctx, "Skipping transaction with malformed date",
				"namespace", namespace, "id", tx.ID, "date", date)
			continue
		}
		tx.Recurring = core.Recurrence(recurring)
		if next != "" {
			if tx.NextOccurrence, err = core.ParseDate(next); err != nil {
				tx.NextOccurrence = core.Date{}
			}
		}
		state.Transactions = append(state.Transactions, tx)
		seen = true
	}
	if err := rows.Close(); err != nil {
		return core.State{}, &core.StorageError{Op: "load transactions", Err: err}
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT category, limit_amount, manual_spent
		FROM budgets WHERE namespace = ? ORDER BY category`, namespace)
	if err != nil {
		return core.State{}, &core.StorageError{Op: "load budgets", Err: err}
	}
	for rows.Next() {
		var b core.Budget
		if err := rows.Scan(&b.Category, &b.Limit.Amount, &b.ManualSpent.Amount); err != nil {
			rows.Close()
			return core.State{}, &core.StorageError{Op: "scan budget", Err: err}
		}
		state.Budgets = append(state.Budgets, b)
		seen = true
	}
	if err := rows.Close(); err != nil {
		return core.State{}, &core.StorageError{Op: "load budgets", Err: err}
	}

	rows, err = r.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE namespace = ?`, namespace)
	if err != nil {
		return core.State{}, &core.StorageError{Op: "load settings", Err: err}
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return core.State{}, &core.StorageError{Op: "scan setting", Err: err}
		}
		state.Settings[k] = v
		seen = true
	}
	if err := rows.Close(); err != nil {
		return core.State{}, &core.StorageError{Op: "load settings", Err: err}
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT target_income, target_savings_rate FROM goals WHERE namespace = ?`, namespace).
		Scan(&state.Goal.TargetIncome.Amount, &state.Goal.TargetSavingsRate)
	switch {
	case err == sql.ErrNoRows:
		state.Goal = core.DefaultGoal()
	case err != nil:
		return core.State{}, &core.StorageError{Op: "load goal", Err: err}
	default:
		seen = true
	}

	if !seen {
		slog.InfoContext(ctx, "No persisted state, seeding defaults", "namespace", namespace)
		return core.DefaultState(), nil
	}
	return state, nil
}

// SaveState replaces the full state of a namespace in one transaction.
// Either everything commits or nothing does.
func (r *SQLiteRepository) SaveState(ctx context.Context, namespace string, state core.State) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.StorageError{Op: "begin save", Err: err}
	}
	defer tx.Rollback()

	for _, table := range []string{"categories", "transactions", "budgets", "settings", "goals"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE namespace = ?`, table), namespace); err != nil {
			return &core.StorageError{Op: "clear " + table, Err: err}
		}
	}

	for _, name := range state.Categories {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO categories (namespace, name) VALUES (?, ?)`, namespace, name); err != nil {
			return &core.StorageError{Op: "insert category", Err: err}
		}
	}

	for _, t := range state.Transactions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (namespace, id, type, category, amount, date, note, recurring, next_occurrence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			namespace, t.ID, string(t.Type), t.Category, t.Amount.Amount,
			t.Date.String(), t.Note, string(t.Recurring), t.NextOccurrence.String()); err != nil {
			return &core.StorageError{Op: "insert transaction", Err: err}
		}
	}

	for _, b := range state.Budgets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO budgets (namespace, category, limit_amount, manual_spent)
			VALUES (?, ?, ?, ?)`,
			namespace, b.Category, b.Limit.Amount, b.ManualSpent.Amount); err != nil {
			return &core.StorageError{Op: "insert budget", Err: err}
		}
	}

	for k, v := range state.Settings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (namespace, key, value) VALUES (?, ?, ?)`, namespace, k, v); err != nil {
			return &core.StorageError{Op: "insert setting", Err: err}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO goals (namespace, target_income, target_savings_rate)
		VALUES (?, ?, ?)`,
		namespace, state.Goal.TargetIncome.Amount, state.Goal.TargetSavingsRate); err != nil {
		return &core.StorageError{Op: "insert goal", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &core.StorageError{Op: "commit save", Err: err}
	}

	slog.DebugContext(ctx, "State saved",
		"namespace", namespace,
		"transactions", len(state.Transactions),
		"budgets", len(state.Budgets),
		"categories", len(state.Categories))
	return nil
}

// Namespaces lists every namespace with persisted state.
func (r *SQLiteRepository) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT namespace FROM (
			SELECT namespace FROM categories
			UNION SELECT namespace FROM transactions
			UNION SELECT namespace FROM budgets
			UNION SELECT namespace FROM settings
			UNION SELECT namespace FROM goals
		) ORDER BY namespace`)
	if err != nil {
		return nil, &core.StorageError{Op: "list namespaces", Err: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, &core.StorageError{Op: "scan namespace", Err: err}
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}
