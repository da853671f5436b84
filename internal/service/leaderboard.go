package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
	"github.com/robtomcowparis/neondefense4-sub001/internal/metrics"
)

// RankingIndex is the read model behind the live leaderboard
type RankingIndex interface {
	Add(ctx context.Context, entries ...domain.ScoreEntry) error
	TopN(ctx context.Context, n int) ([]domain.ScoreEntry, error)
}

// Broadcaster pushes leaderboard snapshots to live subscribers
type Broadcaster interface {
	BroadcastSnapshot(entries []domain.ScoreEntry)
}

// LeaderboardService projects appended entries into the ranking index and
// serves read-only snapshots of the top of the board
type LeaderboardService struct {
	index   RankingIndex
	hub     Broadcaster
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewLeaderboardService creates a new leaderboard service
func NewLeaderboardService(index RankingIndex, m *metrics.Metrics, logger *slog.Logger) *LeaderboardService {
	return &LeaderboardService{
		index:   index,
		metrics: m,
		logger:  logger,
	}
}

// SetHub sets the broadcaster notified after each projection
func (s *LeaderboardService) SetHub(hub Broadcaster) {
	s.hub = hub
}

// Project indexes entries and broadcasts the new top of the board
func (s *LeaderboardService) Project(ctx context.Context, entries ...domain.ScoreEntry) error {
	if len(entries) == 0 {
		return nil
	}

	if err := s.index.Add(ctx, entries...); err != nil {
		s.metrics.Projections.WithLabelValues("error").Add(float64(len(entries)))
		return fmt.Errorf("indexing entries: %w", err)
	}
	s.metrics.Projections.WithLabelValues("ok").Add(float64(len(entries)))

	return s.Refresh(ctx)
}

// Publish projects a single entry. It lets the service stand in for the
// score stream when Kafka is disabled.
func (s *LeaderboardService) Publish(ctx context.Context, entry domain.ScoreEntry) error {
	return s.Project(ctx, entry)
}

// Refresh broadcasts the current top of the board without indexing anything
func (s *LeaderboardService) Refresh(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	top, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	s.hub.BroadcastSnapshot(top)
	return nil
}

// Snapshot returns the current top of the leaderboard
func (s *LeaderboardService) Snapshot(ctx context.Context) ([]domain.ScoreEntry, error) {
	top, err := s.index.TopN(ctx, domain.LeaderboardSize)
	if err != nil {
		return nil, fmt.Errorf("reading top entries: %w", err)
	}
	return top, nil
}
