package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cellguard/cellguard/pkg/logger"
)

// Work is a pending verification state together with its cell
type Work struct {
	State VerificationState
	Cell  Cell
}

// StageResult is everything one verification pass wants to persist for a
// state. Version must be the version the pass read. Retrying marks a pass
// that stopped at a stage asking to be run again after DelayUntil.
type StageResult struct {
	StateID     uint
	Version     int64
	Stage       int
	Score       int
	Finished    bool
	DelayUntil  time.Time
	Attempts    int
	CandidateID *uint
	LocationID  *uint
	Logs        []VerificationLog
	Retrying    bool
	Reason      string
}

// EnsureStates opens a state for every cell that has none in the pipeline,
// e.g. after a pipeline was added to the configuration
func (g *Gateway) EnsureStates(ctx context.Context, pipelineID uint16) (int, error) {
	var ids []uint
	err := g.db.WithContext(ctx).Model(&Cell{}).
		Where("NOT EXISTS (SELECT 1 FROM verification_states vs WHERE vs.cell_id = cells.id AND vs.pipeline_id = ?)", pipelineID).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	now := time.Now().UTC()
	states := make([]VerificationState, len(ids))
	for i, id := range ids {
		states[i] = VerificationState{CellID: id, PipelineID: pipelineID, DelayUntil: now}
	}
	if err := g.db.WithContext(ctx).CreateInBatches(states, 100).Error; err != nil {
		return 0, err
	}

	g.logger.Info("Opened missing verification states",
		logger.Int("pipeline", int(pipelineID)),
		logger.Int("count", len(states)))
	return len(states), nil
}

// FetchEligible returns up to limit unfinished states whose delay has
// passed, oldest capture first. Cells stored before the pipeline existed
// need EnsureStates first.
func (g *Gateway) FetchEligible(ctx context.Context, pipelineID uint16, now time.Time, limit int) ([]Work, error) {
	return g.FetchEligibleAfter(ctx, pipelineID, 0, now, limit)
}

// FetchEligibleAfter is FetchEligible restricted to cells whose state in
// pipeline after is finished. An after of 0 applies no restriction.
func (g *Gateway) FetchEligibleAfter(ctx context.Context, pipelineID, after uint16, now time.Time, limit int) ([]Work, error) {
	q := g.db.WithContext(ctx).Model(&VerificationState{}).
		Select("verification_states.*").
		Joins("JOIN cells ON cells.id = verification_states.cell_id").
		Where("verification_states.pipeline_id = ? AND verification_states.finished = ? AND verification_states.delay_until <= ?",
			pipelineID, false, now.UTC())
	if after != 0 {
		q = q.Where("EXISTS (SELECT 1 FROM verification_states prev WHERE prev.cell_id = verification_states.cell_id AND prev.pipeline_id = ? AND prev.finished = ?)",
			after, true)
	}

	var states []VerificationState
	err := q.Order("cells.collected ASC, verification_states.id ASC").
		Limit(limit).
		Find(&states).Error
	if err != nil || len(states) == 0 {
		return nil, err
	}

	ids := make([]uint, len(states))
	for i, s := range states {
		ids[i] = s.CellID
	}
	var cells []Cell
	if err := g.db.WithContext(ctx).Where("id IN ?", ids).Find(&cells).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint]Cell, len(cells))
	for _, c := range cells {
		byID[c.ID] = c
	}

	work := make([]Work, 0, len(states))
	for _, s := range states {
		c, ok := byID[s.CellID]
		if !ok {
			g.logger.Warn("Verification state without cell", logger.Uint("state", s.ID), logger.Uint("cell", s.CellID))
			continue
		}
		work = append(work, Work{State: s, Cell: c})
	}
	return work, nil
}

// FetchNextEligible returns the single oldest eligible state, or nil when
// nothing is due
func (g *Gateway) FetchNextEligible(ctx context.Context, pipelineID uint16, now time.Time) (*Work, error) {
	work, err := g.FetchEligible(ctx, pipelineID, now, 1)
	if err != nil || len(work) == 0 {
		return nil, err
	}
	return &work[0], nil
}

// StoreStageResult writes a pass result. The write fails with ErrConflict if
// the state changed since it was read, with ErrFinished if it is already
// finished, and with ErrInvalidResult if score or stage would go backwards.
func (g *Gateway) StoreStageResult(ctx context.Context, r StageResult) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state VerificationState
		if err := tx.First(&state, r.StateID).Error; err != nil {
			return notFound(err, "verification state", r.StateID)
		}
		if state.Finished {
			return fmt.Errorf("%w: state %d", ErrFinished, r.StateID)
		}
		if state.Version != r.Version {
			return fmt.Errorf("%w: state %d at version %d, pass read %d", ErrConflict, r.StateID, state.Version, r.Version)
		}
		if r.Score < state.Score || r.Stage < state.Stage {
			return fmt.Errorf("%w: state %d from stage %d score %d to stage %d score %d",
				ErrInvalidResult, r.StateID, state.Stage, state.Score, r.Stage, r.Score)
		}

		res := tx.Model(&VerificationState{}).
			Where("id = ? AND version = ?", r.StateID, r.Version).
			Updates(map[string]interface{}{
				"stage":        r.Stage,
				"score":        r.Score,
				"finished":     r.Finished,
				"delay_until":  r.DelayUntil.UTC(),
				"attempts":     r.Attempts,
				"candidate_id": r.CandidateID,
				"location_id":  r.LocationID,
				"version":      gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: state %d", ErrConflict, r.StateID)
		}

		if len(r.Logs) > 0 {
			for i := range r.Logs {
				r.Logs[i].StateID = r.StateID
			}
			if err := tx.Create(&r.Logs).Error; err != nil {
				return err
			}
		}

		for _, l := range r.Logs {
			if err := appendEvent(tx, &Event{
				Kind:       EventStageCompleted,
				CellID:     state.CellID,
				StateID:    state.ID,
				PipelineID: state.PipelineID,
				Stage:      l.StageNumber,
				Score:      l.PointsAwarded,
				Detail:     fmt.Sprintf("%s %d/%d", l.StageName, l.PointsAwarded, l.PointsMax),
			}); err != nil {
				return err
			}
		}
		if r.Retrying && !r.Finished {
			return appendEvent(tx, &Event{
				Kind:       EventVerificationRetry,
				CellID:     state.CellID,
				StateID:    state.ID,
				PipelineID: state.PipelineID,
				Stage:      r.Stage,
				Score:      r.Score,
				Detail:     truncate(r.Reason, 255),
			})
		}
		if r.Finished {
			return appendEvent(tx, &Event{
				Kind:       EventVerificationDone,
				CellID:     state.CellID,
				StateID:    state.ID,
				PipelineID: state.PipelineID,
				Stage:      r.Stage,
				Score:      r.Score,
			})
		}
		return nil
	})
}

// ResetVerification returns every state of a cell to stage 0 with score 0,
// dropping its logs and the candidates its lookups imported that no other
// cell uses
func (g *Gateway) ResetVerification(ctx context.Context, cellID uint) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Cell
		if err := tx.First(&c, cellID).Error; err != nil {
			return notFound(err, "cell", cellID)
		}

		states := tx.Model(&VerificationState{}).Select("id").Where("cell_id = ?", cellID)
		if err := tx.Where("state_id IN (?)", states).Delete(&VerificationLog{}).Error; err != nil {
			return err
		}
		// Candidates are shared per identity. Keep those another cell's
		// state still points at.
		err := tx.Where("source_cell_id = ?", cellID).
			Where("NOT EXISTS (SELECT 1 FROM verification_states vs WHERE vs.candidate_id = location_candidates.id AND vs.cell_id <> ?)", cellID).
			Delete(&LocationCandidate{}).Error
		if err != nil {
			return err
		}
		err = tx.Model(&VerificationState{}).
			Where("cell_id = ?", cellID).
			Updates(map[string]interface{}{
				"stage":        0,
				"score":        0,
				"finished":     false,
				"delay_until":  time.Now().UTC(),
				"attempts":     0,
				"candidate_id": nil,
				"location_id":  nil,
				"version":      gorm.Expr("version + 1"),
			}).Error
		if err != nil {
			return err
		}
		return appendEvent(tx, &Event{Kind: EventVerificationReset, CellID: cellID, Detail: c.Identity().String()})
	})
}

// GetState retrieves one verification state
func (g *Gateway) GetState(ctx context.Context, id uint) (*VerificationState, error) {
	var s VerificationState
	if err := g.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, notFound(err, "verification state", id)
	}
	return &s, nil
}

// StatesForCell retrieves the states of a cell ordered by pipeline
func (g *Gateway) StatesForCell(ctx context.Context, cellID uint) ([]VerificationState, error) {
	var states []VerificationState
	err := g.db.WithContext(ctx).Where("cell_id = ?", cellID).Order("pipeline_id ASC").Find(&states).Error
	return states, err
}

// LogsForState retrieves the stage logs of a state in execution order
func (g *Gateway) LogsForState(ctx context.Context, stateID uint) ([]VerificationLog, error) {
	var logs []VerificationLog
	err := g.db.WithContext(ctx).Where("state_id = ?", stateID).Order("id ASC").Find(&logs).Error
	return logs, err
}

// CountStates returns the number of pending and finished states of a pipeline
func (g *Gateway) CountStates(ctx context.Context, pipelineID uint16) (pending, finished int64, err error) {
	err = g.db.WithContext(ctx).Model(&VerificationState{}).
		Where("pipeline_id = ? AND finished = ?", pipelineID, false).
		Count(&pending).Error
	if err != nil {
		return 0, 0, err
	}
	err = g.db.WithContext(ctx).Model(&VerificationState{}).
		Where("pipeline_id = ? AND finished = ?", pipelineID, true).
		Count(&finished).Error
	return pending, finished, err
}
