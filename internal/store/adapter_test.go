package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robtomcowparis/neondefense4-sub001/internal/config"
	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type memWriter struct {
	mu      sync.Mutex
	entries []domain.ScoreEntry
	err     error
	closed  bool
}

func (w *memWriter) InsertScore(ctx context.Context, entry domain.ScoreEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.entries = append(w.entries, entry)
	return nil
}

func (w *memWriter) Close() { w.closed = true }

type memPublisher struct {
	mu        sync.Mutex
	published []domain.ScoreEntry
	err       error
}

func (p *memPublisher) Publish(ctx context.Context, entry domain.ScoreEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, entry)
	return p.err
}

func configured() *config.DatabaseConfig {
	return &config.DatabaseConfig{
		URL:        "postgres://db.internal:5432/neondefense",
		Credential: `{"username":"svc","password":"secret"}`,
	}
}

func newTestAdapter(cfg *config.DatabaseConfig, pub Publisher, open opener) *Adapter {
	a := New(cfg, pub, discard)
	a.open = open
	return a
}

func TestAdapter_InitializesOnceUnderConcurrency(t *testing.T) {
	var opens atomic.Int32
	w := &memWriter{}
	a := newTestAdapter(configured(), nil, func(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (scoreWriter, error) {
		opens.Add(1)
		time.Sleep(20 * time.Millisecond)
		return w, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.AppendScore(context.Background(), domain.ScoreEntry{Key: "k"}))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), opens.Load())
	assert.Len(t, w.entries, 16)
}

func TestAdapter_MissingConfigurationIsRemembered(t *testing.T) {
	var opens atomic.Int32
	a := newTestAdapter(&config.DatabaseConfig{URL: "postgres://db/x"}, nil, func(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (scoreWriter, error) {
		opens.Add(1)
		_, err := ConnString(cfg)
		return nil, err
	})

	err := a.AppendScore(context.Background(), domain.ScoreEntry{})
	assert.ErrorIs(t, err, domain.ErrConfigurationMissing)
	err = a.AppendScore(context.Background(), domain.ScoreEntry{})
	assert.ErrorIs(t, err, domain.ErrConfigurationMissing)

	assert.Equal(t, int32(1), opens.Load())
}

func TestAdapter_ConnectionFailureIsRetried(t *testing.T) {
	var opens atomic.Int32
	w := &memWriter{}
	a := newTestAdapter(configured(), nil, func(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (scoreWriter, error) {
		if opens.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return w, nil
	})

	err := a.AppendScore(context.Background(), domain.ScoreEntry{Key: "a"})
	assert.ErrorIs(t, err, domain.ErrPersistence)

	require.NoError(t, a.AppendScore(context.Background(), domain.ScoreEntry{Key: "b"}))
	assert.Equal(t, int32(2), opens.Load())
	assert.Equal(t, []domain.ScoreEntry{{Key: "b"}}, w.entries)
}

func TestAdapter_InitIgnoresCallerCancellation(t *testing.T) {
	a := newTestAdapter(configured(), nil, func(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (scoreWriter, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &memWriter{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.handle(ctx)
	assert.NoError(t, err)
}

func TestAdapter_WriteErrorIsPersistenceFailure(t *testing.T) {
	pub := &memPublisher{}
	a := newTestAdapter(configured(), pub, func(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (scoreWriter, error) {
		return &memWriter{err: errors.New("disk full")}, nil
	})

	err := a.AppendScore(context.Background(), domain.ScoreEntry{Key: "a"})

	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Empty(t, pub.published, "failed appends are not published")
}

func TestAdapter_PublishFailureDoesNotFailAppend(t *testing.T) {
	pub := &memPublisher{err: errors.New("broker gone")}
	w := &memWriter{}
	a := newTestAdapter(configured(), pub, func(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (scoreWriter, error) {
		return w, nil
	})

	require.NoError(t, a.AppendScore(context.Background(), domain.ScoreEntry{Key: "a"}))
	assert.Len(t, w.entries, 1)
	assert.Len(t, pub.published, 1)
}

func TestAdapter_Close(t *testing.T) {
	w := &memWriter{}
	a := newTestAdapter(configured(), nil, func(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (scoreWriter, error) {
		return w, nil
	})

	a.Close()
	assert.False(t, w.closed)

	require.NoError(t, a.AppendScore(context.Background(), domain.ScoreEntry{Key: "a"}))
	a.Close()
	assert.True(t, w.closed)
}

func TestConnString(t *testing.T) {
	got, err := ConnString(configured())
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "svc", u.User.Username())
	pass, _ := u.User.Password()
	assert.Equal(t, "secret", pass)
	assert.Equal(t, "db.internal:5432", u.Host)
	assert.Equal(t, "/neondefense", u.Path)
}

func TestConnString_CredentialOverrides(t *testing.T) {
	cfg := &config.DatabaseConfig{
		URL:        "postgresql://db:5432/placeholder?sslmode=require",
		Credential: `{"user":"p@ss:word","database":"scores"}`,
	}

	got, err := ConnString(cfg)
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "p@ss:word", u.User.Username())
	assert.Equal(t, "/scores", u.Path)
	assert.Equal(t, "require", u.Query().Get("sslmode"))
}

func TestConnString_Rejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
	}{
		{"missing url", config.DatabaseConfig{Credential: `{"username":"a"}`}},
		{"missing credential", config.DatabaseConfig{URL: "postgres://db/x"}},
		{"credential not json", config.DatabaseConfig{URL: "postgres://db/x", Credential: "user:pass"}},
		{"credential not object", config.DatabaseConfig{URL: "postgres://db/x", Credential: `["a"]`}},
		{"credential without user", config.DatabaseConfig{URL: "postgres://db/x", Credential: `{"password":"p"}`}},
		{"wrong scheme", config.DatabaseConfig{URL: "mysql://db/x", Credential: `{"username":"a"}`}},
		{"no host", config.DatabaseConfig{URL: "postgres:///x", Credential: `{"username":"a"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConnString(&tt.cfg)
			assert.ErrorIs(t, err, domain.ErrConfigurationMissing)
		})
	}
}
