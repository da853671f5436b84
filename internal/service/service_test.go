package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
	"github.com/robtomcowparis/neondefense4-sub001/internal/metrics"
	"github.com/robtomcowparis/neondefense4-sub001/internal/validate"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeStore struct {
	mu      sync.Mutex
	entries []domain.ScoreEntry
	err     error
}

func (s *fakeStore) AppendScore(ctx context.Context, entry domain.ScoreEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func newTestSubmitter(store Appender) (*Submitter, *metrics.Metrics) {
	m := metrics.NewUnregistered()
	s := NewSubmitter(store, m, discard)
	s.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }
	s.newKey = func() string { return "key-1" }
	return s, m
}

func TestSubmit_Accepted(t *testing.T) {
	store := &fakeStore{}
	s, m := newTestSubmitter(store)

	entry, err := s.Submit(context.Background(), []byte(`{"name":"Ace","waves":12,"kills":340,"towers_built":9,"towers_lost":1,"time_s":600}`))
	require.NoError(t, err)

	want := domain.ScoreEntry{
		Key:         "key-1",
		Name:        "Ace",
		Waves:       12,
		Kills:       340,
		TowersBuilt: 9,
		TowersLost:  1,
		TimeSeconds: 600,
		Date:        "2026-03-15",
		Timestamp:   time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}
	assert.Equal(t, want, entry)
	assert.Equal(t, []domain.ScoreEntry{want}, store.entries)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Submissions.WithLabelValues(metrics.OutcomeAccepted)))
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		reason  string
		kind    error
		outcome string
	}{
		{"not json", `{"name":`, validate.ReasonBadJSON, domain.ErrMalformedBody, metrics.OutcomeBadJSON},
		{"array", `[1,2]`, validate.ReasonBadJSON, domain.ErrMalformedBody, metrics.OutcomeBadJSON},
		{"blank name", `{"name":"  ","waves":3}`, validate.ReasonInvalidName, domain.ErrValidation, metrics.OutcomeInvalid},
		{"zero waves", `{"name":"A","waves":0}`, validate.ReasonInvalidScore, domain.ErrValidation, metrics.OutcomeInvalid},
		{"too few kills", `{"name":"X","waves":60,"kills":50}`, validate.ReasonSanityCheck, domain.ErrValidation, metrics.OutcomeImplausible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			s, m := newTestSubmitter(store)

			_, err := s.Submit(context.Background(), []byte(tt.body))

			var rej *validate.Rejection
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.ErrorIs(t, err, tt.kind)
			assert.Empty(t, store.entries)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.Submissions.WithLabelValues(tt.outcome)))
		})
	}
}

func TestSubmit_StoreFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"plain error", errors.New("boom"), domain.ErrPersistence},
		{"configuration", domain.ErrConfigurationMissing, domain.ErrConfigurationMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, m := newTestSubmitter(&fakeStore{err: tt.err})

			_, err := s.Submit(context.Background(), []byte(`{"name":"Ace","waves":12,"kills":340}`))

			assert.ErrorIs(t, err, tt.want)
			assert.False(t, domain.IsClientError(err))
			assert.Equal(t, 1.0, testutil.ToFloat64(m.Submissions.WithLabelValues(metrics.OutcomeError)))
		})
	}
}

type fakeIndex struct {
	mu      sync.Mutex
	entries []domain.ScoreEntry
	addErr  error
}

func (f *fakeIndex) Add(ctx context.Context, entries ...domain.ScoreEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeIndex) TopN(ctx context.Context, n int) ([]domain.ScoreEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.TopN(f.entries, n), nil
}

type fakeHub struct {
	snapshots [][]domain.ScoreEntry
}

func (h *fakeHub) BroadcastSnapshot(entries []domain.ScoreEntry) {
	h.snapshots = append(h.snapshots, entries)
}

func TestLeaderboardService_ProjectBroadcastsTop(t *testing.T) {
	index := &fakeIndex{}
	hub := &fakeHub{}
	m := metrics.NewUnregistered()
	svc := NewLeaderboardService(index, m, discard)
	svc.SetHub(hub)

	ctx := context.Background()
	require.NoError(t, svc.Project(ctx, domain.ScoreEntry{Key: "a", Name: "A", Waves: 3}))
	require.NoError(t, svc.Publish(ctx, domain.ScoreEntry{Key: "b", Name: "B", Waves: 9}))

	require.Len(t, hub.snapshots, 2)
	last := hub.snapshots[1]
	require.Len(t, last, 2)
	assert.Equal(t, "b", last[0].Key)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Projections.WithLabelValues("ok")))
}

func TestLeaderboardService_ProjectEmptyIsNoop(t *testing.T) {
	hub := &fakeHub{}
	svc := NewLeaderboardService(&fakeIndex{}, metrics.NewUnregistered(), discard)
	svc.SetHub(hub)

	require.NoError(t, svc.Project(context.Background()))
	assert.Empty(t, hub.snapshots)
}

func TestLeaderboardService_IndexFailure(t *testing.T) {
	hub := &fakeHub{}
	m := metrics.NewUnregistered()
	svc := NewLeaderboardService(&fakeIndex{addErr: errors.New("redis down")}, m, discard)
	svc.SetHub(hub)

	err := svc.Project(context.Background(), domain.ScoreEntry{Key: "a"}, domain.ScoreEntry{Key: "b"})

	assert.Error(t, err)
	assert.Empty(t, hub.snapshots)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Projections.WithLabelValues("error")))
}

func TestLeaderboardService_SnapshotCapsAtBoardSize(t *testing.T) {
	index := &fakeIndex{}
	for i := 0; i < domain.LeaderboardSize+5; i++ {
		index.entries = append(index.entries, domain.ScoreEntry{Key: string(rune('a' + i)), Waves: i + 1})
	}
	svc := NewLeaderboardService(index, metrics.NewUnregistered(), discard)

	top, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, top, domain.LeaderboardSize)
	assert.Equal(t, domain.LeaderboardSize+5, top[0].Waves)
}

func TestLeaderboardService_Refresh(t *testing.T) {
	index := &fakeIndex{entries: []domain.ScoreEntry{{Key: "a", Waves: 2}}}
	svc := NewLeaderboardService(index, metrics.NewUnregistered(), discard)
	require.NoError(t, svc.Refresh(context.Background()))

	hub := &fakeHub{}
	svc.SetHub(hub)
	require.NoError(t, svc.Refresh(context.Background()))

	require.Len(t, hub.snapshots, 1)
	assert.Equal(t, index.entries, hub.snapshots[0])
	assert.Zero(t, testutil.ToFloat64(svc.metrics.Projections.WithLabelValues("ok")))
}
