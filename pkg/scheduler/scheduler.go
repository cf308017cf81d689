package scheduler

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cellguard/cellguard/pkg/config"
	"github.com/cellguard/cellguard/pkg/database"
	"github.com/cellguard/cellguard/pkg/logger"
	"github.com/cellguard/cellguard/pkg/verification"
)

// Pipeline is a verification pipeline driven by the scheduler
type Pipeline interface {
	ID() uint16
	Name() string
	VerifyBatch(ctx context.Context, n int) (verification.BatchResult, error)
}

// Store is the part of the gateway the scheduler maintains
type Store interface {
	EnsureStates(ctx context.Context, pipelineID uint16) (int, error)
	CountStates(ctx context.Context, pipelineID uint16) (pending, finished int64, err error)
	PurgeOlderThan(ctx context.Context, before time.Time) (database.PurgeStats, error)
}

// Recorder receives state gauges and purge counts
type Recorder interface {
	SetStates(pipeline string, pending, finished int64)
	RowsPurged(table string, n int64)
}

type nopRecorder struct{}

func (nopRecorder) SetStates(string, int64, int64) {}
func (nopRecorder) RowsPurged(string, int64)       {}

// Config holds scheduling intervals
type Config struct {
	Interval  time.Duration // between verification batches
	BatchSize int
	Retention config.RetentionConfig
}

// ConfigFrom extracts the scheduler settings of the application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Interval:  cfg.Verification.Interval,
		BatchSize: cfg.Verification.BatchSize,
		Retention: cfg.Retention,
	}
}

// Scheduler runs verification batches for every pipeline and purges old
// data
type Scheduler struct {
	cfg       Config
	store     Store
	pipelines []Pipeline
	recorder  Recorder
	logger    *logger.Logger
	now       func() time.Time
}

// New creates a scheduler
func New(cfg Config, store Store, pipelines []Pipeline, log *logger.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Retention.Interval <= 0 {
		cfg.Retention.Interval = time.Hour
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		pipelines: pipelines,
		recorder:  nopRecorder{},
		logger:    log.WithComponent("scheduler"),
		now:       time.Now,
	}
}

// SetRecorder installs a metrics recorder
func (s *Scheduler) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.recorder = r
}

// Start opens missing states, then runs until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) error {
	for _, p := range s.pipelines {
		if _, err := s.store.EnsureStates(ctx, p.ID()); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range s.pipelines {
		g.Go(func() error {
			s.verifyLoop(ctx, p)
			return nil
		})
	}
	if s.cfg.Retention.Enabled {
		g.Go(func() error {
			s.retentionLoop(ctx)
			return nil
		})
	}

	s.logger.Info("Scheduler started",
		logger.Int("pipelines", len(s.pipelines)),
		logger.Duration("interval", s.cfg.Interval),
		logger.Bool("retention", s.cfg.Retention.Enabled))
	_ = g.Wait()
	s.logger.Info("Scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) verifyLoop(ctx context.Context, p Pipeline) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunVerification(ctx, p); err != nil && ctx.Err() == nil {
				s.logger.Error("Verification batch failed",
					logger.String("pipeline", p.Name()),
					logger.Error(err))
			}
		}
	}
}

// RunVerification runs one batch of p and refreshes its state gauges
func (s *Scheduler) RunVerification(ctx context.Context, p Pipeline) (verification.BatchResult, error) {
	batch, err := p.VerifyBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		return batch, err
	}
	if len(batch.Results) > 0 || batch.Failed > 0 {
		s.logger.Debug("Verification batch done",
			logger.String("pipeline", p.Name()),
			logger.Int("passes", len(batch.Results)),
			logger.Int("failed", batch.Failed))
	}

	pending, finished, err := s.store.CountStates(ctx, p.ID())
	if err != nil {
		return batch, err
	}
	s.recorder.SetStates(p.Name(), pending, finished)
	return batch, nil
}

func (s *Scheduler) retentionLoop(ctx context.Context) {
	// Purge immediately on startup
	if _, err := s.Purge(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Failed to purge old data on startup", logger.Error(err))
	}

	ticker := time.NewTicker(s.cfg.Retention.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Purge(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Failed to purge old data", logger.Error(err))
			}
		}
	}
}

// ErrRetentionDisabled is returned by Purge without a retention age
var ErrRetentionDisabled = errors.New("scheduler: retention disabled")

// Purge deletes data older than the retention age
func (s *Scheduler) Purge(ctx context.Context) (database.PurgeStats, error) {
	if s.cfg.Retention.MaxAge <= 0 {
		return database.PurgeStats{}, ErrRetentionDisabled
	}
	stats, err := s.store.PurgeOlderThan(ctx, s.now().Add(-s.cfg.Retention.MaxAge))
	if err != nil {
		return stats, err
	}

	s.recorder.RowsPurged("cells", stats.Cells)
	s.recorder.RowsPurged("verification_states", stats.States)
	s.recorder.RowsPurged("verification_logs", stats.Logs)
	s.recorder.RowsPurged("location_candidates", stats.Candidates)
	s.recorder.RowsPurged("packets", stats.Packets)
	s.recorder.RowsPurged("user_locations", stats.Locations)
	s.recorder.RowsPurged("events", stats.Events)
	return stats, nil
}
