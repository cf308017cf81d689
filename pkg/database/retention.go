package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cellguard/cellguard/pkg/logger"
)

// PurgeStats counts the rows removed by one purge
type PurgeStats struct {
	Cells      int64
	States     int64
	Logs       int64
	Candidates int64
	Packets    int64
	Locations  int64
	Events     int64
}

// Total is the sum of all removed rows
func (s PurgeStats) Total() int64 {
	return s.Cells + s.States + s.Logs + s.Candidates + s.Packets + s.Locations + s.Events
}

// unreferenced matches rows of table that no remaining verification state
// points at through column
func unreferenced(column, table string) string {
	return fmt.Sprintf("NOT EXISTS (SELECT 1 FROM verification_states vs WHERE vs.%s = %s.id)", column, table)
}

// PurgeOlderThan deletes everything captured or recorded before the cutoff.
// Verification data goes together with its cell. Candidates and locations
// still used by a newer cell's state are kept.
func (g *Gateway) PurgeOlderThan(ctx context.Context, before time.Time) (PurgeStats, error) {
	before = before.UTC()
	var stats PurgeStats

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		oldCells := tx.Model(&Cell{}).Select("id").Where("collected < ?", before)
		oldStates := tx.Model(&VerificationState{}).Select("id").Where("cell_id IN (?)", oldCells)

		steps := []struct {
			count *int64
			run   func() *gorm.DB
		}{
			{&stats.Logs, func() *gorm.DB { return tx.Where("state_id IN (?)", oldStates).Delete(&VerificationLog{}) }},
			{&stats.States, func() *gorm.DB { return tx.Where("cell_id IN (?)", oldCells).Delete(&VerificationState{}) }},
			{&stats.Candidates, func() *gorm.DB {
				return tx.Where("imported < ?", before).Where(unreferenced("candidate_id", "location_candidates")).Delete(&LocationCandidate{})
			}},
			{&stats.Cells, func() *gorm.DB { return tx.Where("collected < ?", before).Delete(&Cell{}) }},
			{&stats.Packets, func() *gorm.DB { return tx.Where("collected < ?", before).Delete(&Packet{}) }},
			{&stats.Locations, func() *gorm.DB {
				return tx.Where("collected < ?", before).Where(unreferenced("location_id", "user_locations")).Delete(&UserLocation{})
			}},
			{&stats.Events, func() *gorm.DB { return tx.Where("created_at < ?", before).Delete(&Event{}) }},
		}
		for _, step := range steps {
			res := step.run()
			if res.Error != nil {
				return res.Error
			}
			*step.count = res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return PurgeStats{}, err
	}

	if stats.Total() > 0 {
		g.logger.Info("Purged old data",
			logger.Time("before", before),
			logger.Int64("cells", stats.Cells),
			logger.Int64("packets", stats.Packets),
			logger.Int64("events", stats.Events))
	}
	return stats, nil
}
