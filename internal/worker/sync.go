package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robtomcowparis/neondefense4-sub001/internal/config"
	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
)

// Source is the durable record of accepted scores
type Source interface {
	TopScores(ctx context.Context, n int) ([]domain.ScoreEntry, error)
}

// Index is the ranking index rebuilt from Source
type Index interface {
	Rebuild(ctx context.Context, entries []domain.ScoreEntry) error
	Count(ctx context.Context) (int64, error)
}

// Refresher republishes the board after a rebuild
type Refresher interface {
	Refresh(ctx context.Context) error
}

// SyncWorker periodically rebuilds the ranking index from the score store,
// repairing entries lost while the index or the score stream was down
type SyncWorker struct {
	source     Source
	index      Index
	refresher  Refresher
	maxEntries int
	config     *config.SyncConfig
	logger     *slog.Logger
	stopCh     chan struct{}
	doneCh     chan struct{}
	mu         sync.Mutex
	running    bool
}

// NewSyncWorker creates a new sync worker. refresher may be nil.
func NewSyncWorker(
	source Source,
	index Index,
	refresher Refresher,
	cfg *config.SyncConfig,
	ranking *config.RankingConfig,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		source:     source,
		index:      index,
		refresher:  refresher,
		maxEntries: ranking.MaxEntries,
		config:     cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the background rebuild loop
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background rebuild loop
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.SyncFromDatabase(ctx); err != nil {
				w.logger.Error("ranking rebuild failed", "error", err)
			}
		}
	}
}

// SyncFromDatabase replaces the ranking index with the best stored scores
func (w *SyncWorker) SyncFromDatabase(ctx context.Context) error {
	startTime := time.Now()

	entries, err := w.source.TopScores(ctx, w.maxEntries)
	if err != nil {
		return fmt.Errorf("reading stored scores: %w", err)
	}

	if err := w.index.Rebuild(ctx, entries); err != nil {
		return fmt.Errorf("rebuilding ranking index: %w", err)
	}

	if w.refresher != nil {
		if err := w.refresher.Refresh(ctx); err != nil {
			w.logger.Warn("failed to republish leaderboard", "error", err)
		}
	}

	indexed, err := w.index.Count(ctx)
	if err != nil {
		w.logger.Warn("failed to count ranking index", "error", err)
	}

	w.logger.Info("ranking index rebuilt",
		"duration", time.Since(startTime),
		"entries", len(entries),
		"indexed", indexed,
	)
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
