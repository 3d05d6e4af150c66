// Package cleanup removes messages whose TTL has passed together with their
// media blobs.
package cleanup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/logging"
	"github.com/dmitrijs2005/cipherrelay/internal/server/models"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// DefaultInterval is used when the configured interval is not positive.
const DefaultInterval = 5 * time.Minute

const mediaDeleteParallelism = 8

type MessageStore interface {
	SelectExpired(ctx context.Context, cutoff time.Time) ([]*models.Message, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
	CountExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type MediaDeleter interface {
	Delete(ctx context.Context, ref string) error
}

type Service struct {
	store    MessageStore
	media    MediaDeleter
	interval time.Duration
	logger   logging.Logger
	metrics  *cleanupMetrics
	now      func() time.Time
}

func NewService(store MessageStore, media MediaDeleter, interval time.Duration, reg prometheus.Registerer, logger logging.Logger) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		store:    store,
		media:    media,
		interval: interval,
		logger:   logger.With("module", "cleanup"),
		metrics:  newCleanupMetrics(reg),
		now:      time.Now,
	}
}

// Sweep deletes every message expired at the moment of the call and returns
// how many rows were removed. Media deletes are best effort.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC()

	expired, err := s.store.SelectExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	failed := s.deleteMedia(ctx, expired)

	deleted, err := s.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	s.metrics.deleted.Add(float64(deleted))
	s.logger.Info(ctx, "expired messages removed", "messages", deleted, "media_failures", failed)
	return deleted, nil
}

func (s *Service) deleteMedia(ctx context.Context, msgs []*models.Message) int64 {
	if s.media == nil {
		return 0
	}

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mediaDeleteParallelism)

	for _, m := range msgs {
		if m.MediaRef == nil || *m.MediaRef == "" {
			continue
		}
		ref, id := *m.MediaRef, m.ID
		g.Go(func() error {
			if err := s.media.Delete(gctx, ref); err != nil {
				failed.Add(1)
				s.metrics.mediaFailures.Inc()
				s.logger.Warn(gctx, "media delete failed", "message_id", id, "media_ref", ref, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return failed.Load()
}

// RunManual sweeps synchronously and returns how many expired messages are
// still present afterwards.
func (s *Service) RunManual(ctx context.Context) (int64, error) {
	if _, err := s.Sweep(ctx); err != nil {
		return 0, err
	}
	return s.store.CountExpired(ctx, s.now().UTC())
}

// Run sweeps every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info(ctx, "cleanup scheduler started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.metrics.sweepFailures.Inc()
				s.logger.Error(ctx, "cleanup sweep failed", "error", err)
			}
		}
	}
}
