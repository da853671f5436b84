// Package store is the write-only persistence adapter for score entries.
//
// The adapter owns a lazily opened database handle. It is opened on the first
// append, at most once successfully per process; callers racing on the first
// append wait for the same initialization instead of opening their own.
// Configuration problems are remembered and returned on every later call.
// Connection failures are not remembered, so the next append tries again.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/robtomcowparis/neondefense4-sub001/internal/config"
	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
	"github.com/robtomcowparis/neondefense4-sub001/internal/postgres"
)

const initTimeout = 15 * time.Second

// Publisher hands an appended entry to the read side
type Publisher interface {
	Publish(ctx context.Context, entry domain.ScoreEntry) error
}

type scoreWriter interface {
	InsertScore(ctx context.Context, entry domain.ScoreEntry) error
	Close()
}

type opener func(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (scoreWriter, error)

// Adapter appends score entries to the scores collection
type Adapter struct {
	cfg       *config.DatabaseConfig
	publisher Publisher
	logger    *slog.Logger
	open      opener

	mu      sync.Mutex
	writer  scoreWriter
	initErr error
}

// New creates an adapter. Nothing is opened until the first AppendScore.
// publisher may be nil.
func New(cfg *config.DatabaseConfig, publisher Publisher, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		open:      openPostgres,
	}
}

// AppendScore performs a single, non-transactional append of entry
func (a *Adapter) AppendScore(ctx context.Context, entry domain.ScoreEntry) error {
	w, err := a.handle(ctx)
	if err != nil {
		return err
	}

	if err := w.InsertScore(ctx, entry); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	if a.publisher != nil {
		if err := a.publisher.Publish(ctx, entry); err != nil {
			a.logger.Warn("failed to publish appended score", "key", entry.Key, "error", err)
		}
	}
	return nil
}

// handle returns the database handle, opening it on first use
func (a *Adapter) handle(ctx context.Context) (scoreWriter, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writer != nil {
		return a.writer, nil
	}
	if a.initErr != nil {
		return nil, a.initErr
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initTimeout)
	defer cancel()

	w, err := a.open(ctx, a.cfg, a.logger)
	if err != nil {
		if errors.Is(err, domain.ErrConfigurationMissing) {
			a.initErr = err
			return nil, err
		}
		return nil, fmt.Errorf("%w: opening database: %w", domain.ErrPersistence, err)
	}

	a.writer = w
	a.logger.Info("score store initialized")
	return w, nil
}

// Close releases the database handle if it was opened
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writer != nil {
		a.writer.Close()
		a.writer = nil
	}
}

func openPostgres(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (scoreWriter, error) {
	connString, err := ConnString(cfg)
	if err != nil {
		return nil, err
	}

	repo, err := postgres.NewRepository(ctx, connString, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := repo.RunMigrations(ctx); err != nil {
		repo.Close()
		return nil, err
	}
	return repo, nil
}

// ConnString merges the JSON service credential into the database URL.
// The credential carries "username" (or "user") and "password", and may
// name a "database" that overrides the URL path.
func ConnString(cfg *config.DatabaseConfig) (string, error) {
	if !cfg.Configured() {
		return "", fmt.Errorf("%w: url and credential are required", domain.ErrConfigurationMissing)
	}

	cred := strings.TrimSpace(cfg.Credential)
	if !gjson.Valid(cred) || !gjson.Parse(cred).IsObject() {
		return "", fmt.Errorf("%w: credential is not a JSON object", domain.ErrConfigurationMissing)
	}

	fields := gjson.GetMany(cred, "username", "user", "password", "database")
	username := fields[0].String()
	if username == "" {
		username = fields[1].String()
	}
	if username == "" {
		return "", fmt.Errorf("%w: credential has no username", domain.ErrConfigurationMissing)
	}

	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") || u.Host == "" {
		return "", fmt.Errorf("%w: database url must be postgres://host/db", domain.ErrConfigurationMissing)
	}

	if fields[2].Exists() {
		u.User = url.UserPassword(username, fields[2].String())
	} else {
		u.User = url.User(username)
	}
	if db := fields[3].String(); db != "" {
		u.Path = "/" + db
	}
	return u.String(), nil
}
