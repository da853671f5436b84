package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robtomcowparis/neondefense4-sub001/internal/config"
	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
)

// Pool is the subset of *pgxpool.Pool the repository uses
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Repository provides PostgreSQL-based score storage
type Repository struct {
	pool   Pool
	logger *slog.Logger
}

// NewRepositoryWithPool wraps an existing pool
func NewRepositoryWithPool(pool Pool, logger *slog.Logger) *Repository {
	return &Repository{
		pool:   pool,
		logger: logger,
	}
}

// NewRepository connects to connString using the pool limits from cfg
func NewRepository(ctx context.Context, connString string, cfg *config.DatabaseConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return NewRepositoryWithPool(pool, logger), nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS scores (
			key UUID PRIMARY KEY,
			name VARCHAR(20) NOT NULL,
			waves INT NOT NULL CHECK (waves BETWEEN 1 AND 500),
			kills INT NOT NULL DEFAULT 0,
			towers_built INT NOT NULL DEFAULT 0,
			towers_lost INT NOT NULL DEFAULT 0,
			time_s INT NOT NULL DEFAULT 0,
			date DATE NOT NULL,
			timestamp_ms BIGINT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_rank ON scores(waves DESC, kills DESC, timestamp_ms ASC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// InsertScore appends one entry to the scores table
func (r *Repository) InsertScore(ctx context.Context, entry domain.ScoreEntry) error {
	date, err := time.Parse(domain.DateLayout, entry.Date)
	if err != nil {
		return fmt.Errorf("parsing entry date: %w", err)
	}

	query := `
		INSERT INTO scores (key, name, waves, kills, towers_built, towers_lost, time_s, date, timestamp_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.pool.Exec(ctx, query,
		entry.Key,
		entry.Name,
		entry.Waves,
		entry.Kills,
		entry.TowersBuilt,
		entry.TowersLost,
		entry.TimeSeconds,
		date,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting score: %w", err)
	}
	return nil
}

// TopScores returns the best n entries in leaderboard order
func (r *Repository) TopScores(ctx context.Context, n int) ([]domain.ScoreEntry, error) {
	query := `
		SELECT key::text, name, waves, kills, towers_built, towers_lost, time_s, date, timestamp_ms
		FROM scores
		ORDER BY waves DESC, kills DESC, timestamp_ms ASC, name ASC, key ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("getting top scores: %w", err)
	}
	defer rows.Close()

	var entries []domain.ScoreEntry
	for rows.Next() {
		var entry domain.ScoreEntry
		var date time.Time
		err := rows.Scan(
			&entry.Key,
			&entry.Name,
			&entry.Waves,
			&entry.Kills,
			&entry.TowersBuilt,
			&entry.TowersLost,
			&entry.TimeSeconds,
			&date,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning score: %w", err)
		}
		entry.Date = date.Format(domain.DateLayout)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scores: %w", err)
	}
	return entries, nil
}
