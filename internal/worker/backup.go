// Package worker contains the backup worker: it consumes state change events
// and writes timestamped JSON snapshots of the changed namespace, with a
// periodic full sweep as a safety net for missed messages.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"kakeibo/internal/amqp"
	"kakeibo/internal/core"
	"kakeibo/internal/log"
)

// keepBackupsPerNamespace bounds how many snapshot files survive pruning.
const keepBackupsPerNamespace = 20

// Repository is the read side of storage the worker needs.
type Repository interface {
	LoadState(ctx context.Context, namespace string) (core.State, error)
	Namespaces(ctx context.Context) ([]string, error)
}

type BackupWorker struct {
	repo      Repository
	backupDir string
	interval  time.Duration
	logger    *log.Logger
}

func NewBackupWorker(repo Repository, backupDir string, interval time.Duration, logger *log.Logger) *BackupWorker {
	return &BackupWorker{
		repo:      repo,
		backupDir: backupDir,
		interval:  interval,
		logger:    logger.WithComponent("backup-worker"),
	}
}

// backupFile is the on-disk snapshot format.
type backupFile struct {
	Namespace string     `json:"namespace"`
	SavedAt   time.Time  `json:"saved_at"`
	State     core.State `json:"state"`
}

// HandleChangeMessage snapshots the namespace named in a state change event.
func (w *BackupWorker) HandleChangeMessage(msg *amqp.StateChangeMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if msg.Namespace == "" {
		return fmt.Errorf("message without namespace")
	}
	return w.BackupNamespace(ctx, msg.Namespace)
}

// BackupNamespace writes one timestamped snapshot file for a namespace and
// prunes old ones.
func (w *BackupWorker) BackupNamespace(ctx context.Context, namespace string) error {
	state, err := w.repo.LoadState(ctx, namespace)
	if err != nil {
		return fmt.Errorf("load state for backup: %w", err)
	}

	dir := filepath.Join(w.backupDir, namespace)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	data, err := json.MarshalIndent(backupFile{
		Namespace: namespace,
		SavedAt:   time.Now(),
		State:     state,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backup: %w", err)
	}

	name := time.Now().UTC().Format("20060102T150405Z") + ".json"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write backup file: %w", err)
	}

	w.logger.Info("Backup written",
		log.Namespace(namespace),
		"path", path,
		"transactions", len(state.Transactions))

	if err := w.prune(dir); err != nil {
		w.logger.Warn("Backup pruning failed", "error", err, "dir", dir)
	}
	return nil
}

// BackupAll snapshots every namespace known to storage.
func (w *BackupWorker) BackupAll(ctx context.Context) error {
	namespaces, err := w.repo.Namespaces(ctx)
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	for _, ns := range namespaces {
		if err := w.BackupNamespace(ctx, ns); err != nil {
			w.logger.Error("Namespace backup failed", "error", err, log.Namespace(ns))
		}
	}
	return nil
}

// Run performs an initial full sweep, then repeats it on the configured
// interval until the context ends. Event-driven backups run independently
// through HandleChangeMessage.
func (w *BackupWorker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Backup worker started",
		"dir", w.backupDir, "interval", w.interval)

	if err := w.BackupAll(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Initial backup sweep failed", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "Backup worker stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if err := w.BackupAll(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Periodic backup sweep failed", "error", err)
			}
		}
	}
}

// prune keeps only the newest snapshot files in a namespace directory.
func (w *BackupWorker) prune(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keepBackupsPerNamespace {
		return nil
	}
	// timestamped names sort chronologically
	sort.Strings(names)
	for _, name := range names[:len(names)-keepBackupsPerNamespace] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
