package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/robtomcowparis/neondefense4-sub001/internal/config"
	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
)

// waveWeight keeps kills from ever outweighing a single wave; kills are
// bounded below 2^20.
const waveWeight = 1 << 20

// Index is the Redis sorted set backing the live top-N query. Members are
// JSON encoded entries, so re-adding the same entry is a no-op.
type Index struct {
	client     *redis.Client
	key        string
	maxEntries int
	logger     *slog.Logger
}

// NewIndex connects to Redis and returns a ranking index
func NewIndex(cfg *config.RedisConfig, ranking *config.RankingConfig, logger *slog.Logger) (*Index, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewIndexWithClient(client, ranking, logger), nil
}

// NewIndexWithClient wraps an existing client
func NewIndexWithClient(client *redis.Client, ranking *config.RankingConfig, logger *slog.Logger) *Index {
	return &Index{
		client:     client,
		key:        ranking.Key,
		maxEntries: ranking.MaxEntries,
		logger:     logger,
	}
}

// Close closes the Redis connection
func (s *Index) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Index) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func rankScore(entry domain.ScoreEntry) float64 {
	return float64(entry.Waves)*waveWeight + float64(entry.Kills)
}

func members(entries []domain.ScoreEntry) ([]redis.Z, error) {
	zs := make([]redis.Z, 0, len(entries))
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("encoding entry: %w", err)
		}
		zs = append(zs, redis.Z{Score: rankScore(entry), Member: string(data)})
	}
	return zs, nil
}

// Add indexes entries and trims the set to its configured size
func (s *Index) Add(ctx context.Context, entries ...domain.ScoreEntry) error {
	if len(entries) == 0 {
		return nil
	}
	zs, err := members(entries)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.key, zs...)
		s.trim(ctx, pipe)
		return nil
	})
	if err != nil {
		return fmt.Errorf("adding entries: %w", err)
	}
	return nil
}

// Rebuild restores entries missing from the index and trims it. Members are
// merged rather than replaced so entries projected after the caller read
// entries from the store survive; re-adding an indexed entry is a no-op.
func (s *Index) Rebuild(ctx context.Context, entries []domain.ScoreEntry) error {
	if len(entries) == 0 {
		return nil
	}
	zs, err := members(entries)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.key, zs...)
		s.trim(ctx, pipe)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}
	return nil
}

func (s *Index) trim(ctx context.Context, pipe redis.Pipeliner) {
	if s.maxEntries > 0 {
		pipe.ZRemRangeByRank(ctx, s.key, 0, int64(-(s.maxEntries + 1)))
	}
}

// TopN returns the best n entries in leaderboard order. Entries tied with
// the n-th on waves and kills are fetched too so the final tie-break is
// applied in Go rather than by Redis member order.
func (s *Index) TopN(ctx context.Context, n int) ([]domain.ScoreEntry, error) {
	if n <= 0 {
		return []domain.ScoreEntry{}, nil
	}

	results, err := s.client.ZRevRangeWithScores(ctx, s.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}

	raw := make([]string, 0, len(results))
	for _, result := range results {
		raw = append(raw, result.Member.(string))
	}

	if len(results) == n {
		cutoff := strconv.FormatFloat(results[n-1].Score, 'f', -1, 64)
		raw, err = s.client.ZRevRangeByScore(ctx, s.key, &redis.ZRangeBy{
			Min: cutoff,
			Max: "+inf",
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("getting ties: %w", err)
		}
	}

	entries := make([]domain.ScoreEntry, 0, len(raw))
	for _, member := range raw {
		var entry domain.ScoreEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			s.logger.Warn("skipping undecodable ranking member", "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return domain.TopN(entries, n), nil
}

// Count returns the number of indexed entries
func (s *Index) Count(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}
