package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
	"github.com/robtomcowparis/neondefense4-sub001/internal/metrics"
	"github.com/robtomcowparis/neondefense4-sub001/internal/validate"
)

// Appender is the write side of the score store
type Appender interface {
	AppendScore(ctx context.Context, entry domain.ScoreEntry) error
}

// Submitter runs a raw submission through parsing, validation, the
// plausibility check and persistence
type Submitter struct {
	store   Appender
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newKey  func() string
}

// NewSubmitter creates a new submitter
func NewSubmitter(store Appender, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	return &Submitter{
		store:   store,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		newKey:  func() string { return uuid.New().String() },
	}
}

// Submit validates body and appends the resulting entry. A *validate.Rejection
// is returned for caller mistakes; any other error is a server failure.
func (s *Submitter) Submit(ctx context.Context, body []byte) (domain.ScoreEntry, error) {
	rec, err := validate.Decode(body)
	if err != nil {
		s.metrics.Submissions.WithLabelValues(metrics.OutcomeBadJSON).Inc()
		return domain.ScoreEntry{}, err
	}

	payload, err := validate.Fields(rec)
	if err != nil {
		s.metrics.Submissions.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return domain.ScoreEntry{}, err
	}

	if err := validate.Plausible(payload); err != nil {
		s.metrics.Submissions.WithLabelValues(metrics.OutcomeImplausible).Inc()
		s.logger.Info("implausible score rejected",
			"name", payload.Name,
			"waves", payload.Waves,
			"kills", payload.Kills,
		)
		return domain.ScoreEntry{}, err
	}

	entry := payload.Stamp(s.newKey(), s.now())

	start := time.Now()
	err = s.store.AppendScore(ctx, entry)
	s.metrics.PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.Submissions.WithLabelValues(metrics.OutcomeError).Inc()
		if !errors.Is(err, domain.ErrPersistence) && !errors.Is(err, domain.ErrConfigurationMissing) {
			err = fmt.Errorf("%w: %w", domain.ErrPersistence, err)
		}
		return domain.ScoreEntry{}, err
	}

	s.metrics.Submissions.WithLabelValues(metrics.OutcomeAccepted).Inc()
	return entry, nil
}
