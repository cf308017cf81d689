package verification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cellguard/cellguard/pkg/als"
	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/database"
	"github.com/cellguard/cellguard/pkg/logger"
)

var (
	ErrUnknownStage = errors.New("verification: unknown stage")
	ErrNoStages     = errors.New("verification: pipeline has no stages")
	ErrNoPoints     = errors.New("verification: pipeline stages award no points")
	// ErrIntegrity aborts a pass when evidence a state refers to is gone
	ErrIntegrity = errors.New("verification: referenced evidence missing")
)

// Store is the part of the persistence gateway a pipeline uses
type Store interface {
	FetchEligibleAfter(ctx context.Context, pipelineID, after uint16, now time.Time, limit int) ([]database.Work, error)
	StoreStageResult(ctx context.Context, r database.StageResult) error
	ImportLocationCandidates(ctx context.Context, candidates []als.Candidate, sourceCellID uint) error
	FindCandidate(ctx context.Context, id cell.Identity) (*database.LocationCandidate, error)
	GetCandidate(ctx context.Context, id uint) (*database.LocationCandidate, error)
	GetLocation(ctx context.Context, id uint) (*database.UserLocation, error)
	LocationNear(ctx context.Context, t time.Time, window time.Duration) (*database.UserLocation, error)
	PacketsBetween(ctx context.Context, start, end time.Time, filter database.PacketFilter) ([]database.Packet, error)
}

// Locator looks cells up at the location service
type Locator interface {
	Lookup(ctx context.Context, id cell.Identity) ([]als.Candidate, error)
}

// Atlas answers country questions for coordinates
type Atlas interface {
	CountryAt(lat, lon float64) (string, bool)
	CountriesNear(lat, lon, radius float64) []string
}

// OperatorTable answers country questions for network codes
type OperatorTable interface {
	Countries(mcc int32) []string
	NetworkCountries(mcc, mnc int32) []string
}

// Config describes one pipeline
type Config struct {
	ID         uint16
	Name       string
	Stages     []Stage
	Thresholds Thresholds
	// After holds back cells until the pipeline with this id finished them
	After      uint16

	Atlas        Atlas
	Operators    OperatorTable
	BorderRadius float64 // meters, smallest border search radius

	PacketWindow   time.Duration // +/- around the capture time
	LocationWindow time.Duration // +/- around the capture time
	MaxStages      int           // stages run per pass
	RetryBase      time.Duration
	RetryMax       time.Duration
	BatchTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = strconv.Itoa(int(c.ID))
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds(MaxPoints(c.Stages))
	}
	if c.PacketWindow <= 0 {
		c.PacketWindow = 15 * time.Second
	}
	if c.LocationWindow <= 0 {
		c.LocationWindow = 5 * time.Minute
	}
	if c.MaxStages <= 0 {
		c.MaxStages = len(c.Stages)
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = 30 * time.Minute
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 2 * time.Minute
	}
	if c.BorderRadius <= 0 {
		c.BorderRadius = 35000
	}
}

// Pipeline runs the stages of one configuration over the states the store
// hands out. All progress lives in the store, a Pipeline holds no per-cell
// state between passes.
type Pipeline struct {
	cfg      Config
	store    Store
	locator  Locator
	recorder Recorder
	logger   *logger.Logger
	now      func() time.Time
}

// NewPipeline creates a pipeline
func NewPipeline(cfg Config, store Store, locator Locator, log *logger.Logger) (*Pipeline, error) {
	if len(cfg.Stages) == 0 {
		return nil, ErrNoStages
	}
	if MaxPoints(cfg.Stages) <= 0 {
		return nil, fmt.Errorf("%w: pipeline %d", ErrNoPoints, cfg.ID)
	}
	cfg.applyDefaults()
	if cfg.Thresholds.Untrusted >= cfg.Thresholds.Suspicious {
		return nil, fmt.Errorf("verification: pipeline %d: untrusted threshold %d not below suspicious %d",
			cfg.ID, cfg.Thresholds.Untrusted, cfg.Thresholds.Suspicious)
	}

	return &Pipeline{
		cfg:      cfg,
		store:    store,
		locator:  locator,
		recorder: nopRecorder{},
		logger:   log.WithComponent("verification").With(logger.String("pipeline", cfg.Name)),
		now:      time.Now,
	}, nil
}

// SetRecorder installs a metrics recorder
func (p *Pipeline) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	p.recorder = r
}

// SetClock replaces the time source
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// ID returns the pipeline id states are keyed by
func (p *Pipeline) ID() uint16 { return p.cfg.ID }

// After returns the pipeline this one waits for, 0 for none
func (p *Pipeline) After() uint16 { return p.cfg.After }

// Name returns the configured pipeline name
func (p *Pipeline) Name() string { return p.cfg.Name }

// Thresholds returns the verdict thresholds
func (p *Pipeline) Thresholds() Thresholds { return p.cfg.Thresholds }

// MaxPoints returns the highest reachable score
func (p *Pipeline) MaxPoints() int { return MaxPoints(p.cfg.Stages) }

// Stages returns the stage names in order
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.cfg.Stages))
	for i, s := range p.cfg.Stages {
		names[i] = s.Name()
	}
	return names
}

// PassResult describes what one pass did to one state
type PassResult struct {
	PassID     string
	Processed  bool
	StateID    uint
	CellID     uint
	Stage      int
	Score      int
	StagesRun  int
	Finished   bool
	Retrying   bool
	DelayUntil time.Time
	Verdict    Verdict
}

// RunOnce processes the oldest eligible state, if any. It returns a result
// with Processed false when nothing is due.
func (p *Pipeline) RunOnce(ctx context.Context) (PassResult, error) {
	now := p.now().UTC()
	work, err := p.store.FetchEligibleAfter(ctx, p.cfg.ID, p.cfg.After, now, 1)
	if err != nil {
		return PassResult{}, fmt.Errorf("fetch eligible: %w", err)
	}
	if len(work) == 0 {
		return PassResult{}, nil
	}
	return p.process(ctx, work[0], now)
}

// pass carries what one pass has gathered and decided so far
type pass struct {
	id       string
	work     database.Work
	cell     cell.Observed
	now      time.Time
	evidence Evidence
	loaded   Need

	candidateID *uint
	locationID  *uint
	packetIDs   []uint
}

func (p *Pipeline) process(ctx context.Context, w database.Work, now time.Time) (PassResult, error) {
	state := w.State
	result := PassResult{
		Processed: true,
		StateID:   state.ID,
		CellID:    state.CellID,
		Stage:     state.Stage,
		Score:     state.Score,
		Finished:  state.Finished,
	}
	if state.Finished {
		result.Verdict = p.cfg.Thresholds.Classify(state.Score, true)
		return result, nil
	}

	ps := &pass{
		id:          uuid.NewString(),
		work:        w,
		cell:        w.Cell.Observed(),
		now:         now,
		candidateID: state.CandidateID,
		locationID:  state.LocationID,
	}
	ps.evidence.WindowEnd = ps.cell.Collected.Add(p.cfg.PacketWindow)
	result.PassID = ps.id

	stage, score, attempts := state.Stage, state.Score, state.Attempts
	var (
		logs     []database.VerificationLog
		finished bool
		retrying bool
		reason   string
		delay    = now
	)

	log := p.logger.With(
		logger.String("pass", ps.id),
		logger.Uint("state", state.ID),
		logger.Uint("cell", state.CellID))

loop:
	for ran := 0; stage < len(p.cfg.Stages) && ran < p.cfg.MaxStages; ran++ {
		st := p.cfg.Stages[stage]
		start := time.Now()
		ps.packetIDs = nil

		var outcome Outcome
		err := p.gather(ctx, st.Needs(), ps)
		switch {
		case err == nil:
			outcome = st.Run(Input{Now: now, Cell: ps.cell, Evidence: ps.evidence})
		case als.IsTransient(err):
			attempts++
			retrying = true
			delay = now.Add(p.backoff(attempts))
			reason = err.Error()
			log.Info("Location lookup failed, retrying later",
				logger.String("stage", st.Name()),
				logger.Int("attempts", attempts),
				logger.Time("retry_at", delay),
				logger.Error(err))
			p.recorder.StageCompleted(p.cfg.Name, st.Name(), KindRetry.String(), 0, time.Since(start))
			break loop
		case errors.Is(err, als.ErrEncoding) || errors.Is(err, als.ErrDecoding):
			log.Warn("Stage failed", logger.String("stage", st.Name()), logger.Error(err))
			logs = append(logs, p.logEntry(ps, st, stage, 0, database.OutcomeFailed, err.Error(), time.Since(start)))
			p.recorder.StageCompleted(p.cfg.Name, st.Name(), database.OutcomeFailed, 0, time.Since(start))
			stage++
			attempts = 0
			continue
		default:
			if errors.Is(err, ErrIntegrity) {
				log.Warn("Aborting pass", logger.String("stage", st.Name()), logger.Error(err))
			}
			p.recorder.PassCompleted(p.cfg.Name, "aborted")
			return PassResult{}, fmt.Errorf("stage %s: %w", st.Name(), err)
		}

		elapsed := time.Since(start)
		switch outcome.Kind {
		case KindAward:
			points := outcome.Points
			if points < 0 {
				points = 0
			}
			if points > st.Points() {
				points = st.Points()
			}
			score += points
			logs = append(logs, p.logEntry(ps, st, stage, points, database.OutcomeAwarded, outcome.Reason, elapsed))
			p.recorder.StageCompleted(p.cfg.Name, st.Name(), database.OutcomeAwarded, points, elapsed)
			log.Debug("Stage completed",
				logger.String("stage", st.Name()),
				logger.Int("points", points),
				logger.Int("max", st.Points()))
			stage++
			attempts = 0
		case KindFinish:
			logs = append(logs, p.logEntry(ps, st, stage, 0, database.OutcomeFinished, outcome.Reason, elapsed))
			p.recorder.StageCompleted(p.cfg.Name, st.Name(), database.OutcomeFinished, 0, elapsed)
			log.Debug("Stage finished verification early",
				logger.String("stage", st.Name()),
				logger.String("reason", outcome.Reason))
			finished = true
			break loop
		case KindRetry:
			retrying = true
			reason = outcome.Reason
			delay = now.Add(outcome.Delay)
			p.recorder.StageCompleted(p.cfg.Name, st.Name(), KindRetry.String(), 0, elapsed)
			log.Debug("Stage asked for retry",
				logger.String("stage", st.Name()),
				logger.Duration("delay", outcome.Delay),
				logger.String("reason", outcome.Reason))
			break loop
		}
	}
	if stage >= len(p.cfg.Stages) {
		finished = true
	}

	err := p.store.StoreStageResult(ctx, database.StageResult{
		StateID:     state.ID,
		Version:     state.Version,
		Stage:       stage,
		Score:       score,
		Finished:    finished,
		DelayUntil:  delay,
		Attempts:    attempts,
		CandidateID: ps.candidateID,
		LocationID:  ps.locationID,
		Logs:        logs,
		Retrying:    retrying,
		Reason:      reason,
	})
	if err != nil {
		if errors.Is(err, database.ErrConflict) || errors.Is(err, database.ErrFinished) {
			log.Warn("State changed during pass, discarding result", logger.Error(err))
		}
		p.recorder.PassCompleted(p.cfg.Name, "aborted")
		return PassResult{}, fmt.Errorf("store result: %w", err)
	}

	result.Stage = stage
	result.Score = score
	result.StagesRun = len(logs)
	result.Finished = finished
	result.Retrying = retrying && !finished
	result.DelayUntil = delay
	result.Verdict = p.cfg.Thresholds.Classify(score, finished)

	switch {
	case finished:
		p.recorder.PassCompleted(p.cfg.Name, "finished")
		p.recorder.VerdictReached(p.cfg.Name, string(result.Verdict))
		log.Info("Verification finished",
			logger.String("cell_identity", ps.cell.Identity.String()),
			logger.Int("score", score),
			logger.String("verdict", string(result.Verdict)))
	case retrying:
		p.recorder.PassCompleted(p.cfg.Name, "retry")
	default:
		p.recorder.PassCompleted(p.cfg.Name, "advanced")
	}
	return result, nil
}

// backoff doubles the retry delay per failed attempt up to RetryMax
func (p *Pipeline) backoff(attempts int) time.Duration {
	d := p.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.cfg.RetryMax {
			return p.cfg.RetryMax
		}
	}
	if d > p.cfg.RetryMax {
		return p.cfg.RetryMax
	}
	return d
}

func (p *Pipeline) logEntry(ps *pass, st Stage, number, points int, outcome, reason string, elapsed time.Duration) database.VerificationLog {
	entry := database.VerificationLog{
		PassID:        ps.id,
		StageID:       st.ID(),
		StageName:     st.Name(),
		StageNumber:   number,
		PointsAwarded: points,
		PointsMax:     st.Points(),
		Outcome:       outcome,
		Reason:        truncate(reason, 255),
		Duration:      elapsed.Seconds(),
	}
	needs := st.Needs()
	if needs&(NeedCandidate|NeedLookup) != 0 {
		entry.CandidateID = ps.candidateID
	}
	if needs.Has(NeedLocation) {
		entry.LocationID = ps.locationID
	}
	if len(ps.packetIDs) > 0 {
		ids := make([]string, len(ps.packetIDs))
		for i, id := range ps.packetIDs {
			ids[i] = strconv.FormatUint(uint64(id), 10)
		}
		entry.PacketIDs = truncate(strings.Join(ids, ","), 1024)
	}
	return entry
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
