package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cellguard/cellguard/pkg/als"
	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/logger"
)

var (
	ErrNotFound      = errors.New("database: record not found")
	ErrConflict      = errors.New("database: concurrent modification")
	ErrFinished      = errors.New("database: verification already finished")
	ErrInvalidResult = errors.New("database: invalid stage result")
)

// Gateway is the persistence surface shared by ingestion, the verification
// pipelines and the API. Every new cell gets a verification state for each
// registered pipeline.
type Gateway struct {
	db        *gorm.DB
	logger    *logger.Logger
	pipelines []uint16
}

// NewGateway creates a gateway over an open database
func NewGateway(db *DB, pipelines ...uint16) *Gateway {
	return &Gateway{
		db:        db.GetDB(),
		logger:    db.logger.WithComponent("gateway"),
		pipelines: pipelines,
	}
}

func notFound(err error, what string, id interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %v", ErrNotFound, what, id)
	}
	return err
}

// SaveCell stores an observed cell and opens its verification states
func (g *Gateway) SaveCell(ctx context.Context, o cell.Observed) (*Cell, error) {
	row := CellFromObserved(o)
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, p := range g.pipelines {
			state := &VerificationState{CellID: row.ID, PipelineID: p, DelayUntil: now}
			if err := tx.Create(state).Error; err != nil {
				return err
			}
		}
		return appendEvent(tx, &Event{Kind: EventCellAdded, CellID: row.ID, Detail: o.Identity.String()})
	})
	if err != nil {
		return nil, fmt.Errorf("save cell: %w", err)
	}
	return row, nil
}

// GetCell retrieves one cell
func (g *Gateway) GetCell(ctx context.Context, id uint) (*Cell, error) {
	var c Cell
	if err := g.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err, "cell", id)
	}
	return &c, nil
}

// ListCells retrieves cells newest first with pagination
func (g *Gateway) ListCells(ctx context.Context, page, perPage int) ([]Cell, int64, error) {
	var cells []Cell
	var total int64

	db := g.db.WithContext(ctx)
	if err := db.Model(&Cell{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 50
	}
	offset := (page - 1) * perPage
	err := db.Order("collected DESC").
		Offset(offset).
		Limit(perPage).
		Find(&cells).Error

	return cells, total, err
}

// SavePacket stores a captured packet
func (g *Gateway) SavePacket(ctx context.Context, p *Packet) error {
	return g.db.WithContext(ctx).Create(p).Error
}

// PacketFilter narrows PacketsBetween to flagged packets
type PacketFilter struct {
	Reject bool
	Signal bool
}

// PacketsBetween retrieves packets captured in [start, end] in capture order
func (g *Gateway) PacketsBetween(ctx context.Context, start, end time.Time, filter PacketFilter) ([]Packet, error) {
	var packets []Packet
	q := g.db.WithContext(ctx).Where("collected BETWEEN ? AND ?", start.UTC(), end.UTC())
	if filter.Reject {
		q = q.Where("reject = ?", true)
	}
	if filter.Signal {
		q = q.Where("signal = ?", true)
	}
	err := q.Order("collected ASC, id ASC").Find(&packets).Error
	return packets, err
}

// SaveLocation stores a device position fix
func (g *Gateway) SaveLocation(ctx context.Context, l *UserLocation) error {
	return g.db.WithContext(ctx).Create(l).Error
}

// LocationNear returns the fix closest to t within +/- window
func (g *Gateway) LocationNear(ctx context.Context, t time.Time, window time.Duration) (*UserLocation, error) {
	t = t.UTC()
	db := g.db.WithContext(ctx)

	var before, after []UserLocation
	if err := db.Where("collected BETWEEN ? AND ?", t.Add(-window), t).
		Order("collected DESC").Limit(1).Find(&before).Error; err != nil {
		return nil, err
	}
	if err := db.Where("collected BETWEEN ? AND ?", t, t.Add(window)).
		Order("collected ASC").Limit(1).Find(&after).Error; err != nil {
		return nil, err
	}

	switch {
	case len(before) == 0 && len(after) == 0:
		return nil, fmt.Errorf("%w: location near %s", ErrNotFound, t.Format(time.RFC3339))
	case len(after) == 0:
		return &before[0], nil
	case len(before) == 0:
		return &after[0], nil
	}
	if t.Sub(before[0].Collected) <= after[0].Collected.Sub(t) {
		return &before[0], nil
	}
	return &after[0], nil
}

// ImportLocationCandidates stores the answer of one location lookup.
// Candidates overwrite earlier imports of the same identity in place so
// states referencing them stay valid.
func (g *Gateway) ImportLocationCandidates(ctx context.Context, candidates []als.Candidate, sourceCellID uint) error {
	if len(candidates) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range candidates {
			var existing LocationCandidate
			res := tx.Where("technology = ? AND country = ? AND network = ? AND area = ? AND cell_id = ?",
				string(c.Technology), c.Country, c.Network, c.Area, c.Cell).
				Order("id ASC").Limit(1).Find(&existing)
			if res.Error != nil {
				return res.Error
			}
			row := &LocationCandidate{
				ID:           existing.ID,
				Technology:   string(c.Technology),
				Country:      c.Country,
				Network:      c.Network,
				Area:         c.Area,
				CellID:       c.Cell,
				Latitude:     c.Latitude,
				Longitude:    c.Longitude,
				Accuracy:     c.Accuracy,
				Reach:        c.Reach,
				Score:        c.Score,
				Frequency:    c.Frequency,
				PhysicalCell: c.PhysicalCell,
				SourceCellID: sourceCellID,
				Imported:     now,
			}
			if err := tx.Save(row).Error; err != nil {
				return err
			}
		}
		return appendEvent(tx, &Event{
			Kind:   EventLocationsImported,
			CellID: sourceCellID,
			Detail: fmt.Sprintf("%d candidates", len(candidates)),
		})
	})
}

// FindCandidate returns the newest stored candidate for an observed cell
func (g *Gateway) FindCandidate(ctx context.Context, id cell.Identity) (*LocationCandidate, error) {
	var c LocationCandidate
	err := g.db.WithContext(ctx).
		Where("technology = ? AND country = ? AND network = ? AND area = ? AND cell_id = ?",
			string(id.Technology.LocationTechnology()), id.Country, id.Network, id.Area, id.Cell).
		Order("imported DESC").
		First(&c).Error
	if err != nil {
		return nil, notFound(err, "candidate", id)
	}
	return &c, nil
}

// GetCandidate retrieves a stored candidate by id
func (g *Gateway) GetCandidate(ctx context.Context, id uint) (*LocationCandidate, error) {
	var c LocationCandidate
	if err := g.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err, "candidate", id)
	}
	return &c, nil
}

// GetLocation retrieves a stored position fix by id
func (g *Gateway) GetLocation(ctx context.Context, id uint) (*UserLocation, error) {
	var l UserLocation
	if err := g.db.WithContext(ctx).First(&l, id).Error; err != nil {
		return nil, notFound(err, "location", id)
	}
	return &l, nil
}
