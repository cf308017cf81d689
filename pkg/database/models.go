package database

import (
	"time"

	"gorm.io/gorm"

	"github.com/cellguard/cellguard/pkg/cell"
)

// Cell is an observed cell as stored
type Cell struct {
	ID                uint      `gorm:"primarykey" json:"id"`
	Technology        string    `gorm:"index:idx_cell_identity;size:8;not null" json:"technology"`
	Country           int32     `gorm:"index:idx_cell_identity" json:"country"`
	Network           int32     `gorm:"index:idx_cell_identity" json:"network"`
	Area              int32     `gorm:"index:idx_cell_identity" json:"area"`
	CellID            int64     `gorm:"index:idx_cell_identity" json:"cell_id"`
	PreciseTechnology string    `gorm:"size:64" json:"precise_technology,omitempty"`
	PhysicalCell      int32     `json:"physical_cell"`
	Frequency         int32     `json:"frequency"`
	Band              int32     `json:"band"`
	Bandwidth         int32     `json:"bandwidth"`
	DeploymentType    int32     `json:"deployment_type"`
	SimSlot           uint8     `json:"sim_slot"`
	Collected         time.Time `gorm:"index;not null" json:"collected"`
	CreatedAt         time.Time `json:"created_at"`
}

// TableName specifies the table name for Cell
func (Cell) TableName() string {
	return "cells"
}

// BeforeCreate hook to ensure Collected is set
func (c *Cell) BeforeCreate(tx *gorm.DB) error {
	if c.Collected.IsZero() {
		c.Collected = time.Now()
	}
	c.Collected = c.Collected.UTC()
	return nil
}

// Identity returns the identity tuple of the stored cell
func (c *Cell) Identity() cell.Identity {
	return cell.Identity{
		Technology: cell.Technology(c.Technology),
		Country:    c.Country,
		Network:    c.Network,
		Area:       c.Area,
		Cell:       c.CellID,
	}
}

// Observed converts the row back into the domain type
func (c *Cell) Observed() cell.Observed {
	return cell.Observed{
		Identity:          c.Identity(),
		PreciseTechnology: c.PreciseTechnology,
		PhysicalCell:      c.PhysicalCell,
		Frequency:         c.Frequency,
		Band:              c.Band,
		Bandwidth:         c.Bandwidth,
		DeploymentType:    c.DeploymentType,
		Collected:         c.Collected,
		SimSlot:           c.SimSlot,
	}
}

// CellFromObserved builds a row for a newly observed cell
func CellFromObserved(o cell.Observed) *Cell {
	return &Cell{
		Technology:        string(o.Technology),
		Country:           o.Country,
		Network:           o.Network,
		Area:              o.Area,
		CellID:            o.Cell,
		PreciseTechnology: o.PreciseTechnology,
		PhysicalCell:      o.PhysicalCell,
		Frequency:         o.Frequency,
		Band:              o.Band,
		Bandwidth:         o.Bandwidth,
		DeploymentType:    o.DeploymentType,
		SimSlot:           o.SimSlot,
		Collected:         o.Collected,
	}
}

// Packet is a captured baseband management packet. The flags are derived
// from its content at insert time so stages can query them by index.
type Packet struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Protocol  string    `gorm:"index;size:8;not null" json:"protocol"`
	Direction string    `gorm:"size:8;not null" json:"direction"`
	Data      []byte    `gorm:"not null" json:"data"`
	Collected time.Time `gorm:"index;not null" json:"collected"`
	Reject    bool      `gorm:"index" json:"reject"`
	Signal    bool      `gorm:"index" json:"signal"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for Packet
func (Packet) TableName() string {
	return "packets"
}

// BeforeCreate hook to ensure Collected is set
func (p *Packet) BeforeCreate(tx *gorm.DB) error {
	if p.Collected.IsZero() {
		p.Collected = time.Now()
	}
	p.Collected = p.Collected.UTC()
	return nil
}

// LocationCandidate is a cell as reported by the location service
type LocationCandidate struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	Technology   string    `gorm:"index:idx_candidate_identity;size:8;not null" json:"technology"`
	Country      int32     `gorm:"index:idx_candidate_identity" json:"country"`
	Network      int32     `gorm:"index:idx_candidate_identity" json:"network"`
	Area         int32     `gorm:"index:idx_candidate_identity" json:"area"`
	CellID       int64     `gorm:"index:idx_candidate_identity" json:"cell_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     int64     `json:"accuracy"`
	Reach        int64     `json:"reach"`
	Score        int64     `json:"score"`
	Frequency    int32     `json:"frequency"`
	PhysicalCell int32     `json:"physical_cell"`
	SourceCellID uint      `gorm:"index" json:"source_cell_id"`
	Imported     time.Time `gorm:"index;not null" json:"imported"`
}

// TableName specifies the table name for LocationCandidate
func (LocationCandidate) TableName() string {
	return "location_candidates"
}

// Valid reports whether the candidate carries a usable location
func (c *LocationCandidate) Valid() bool {
	return c.Accuracy > 0
}

// UserLocation is a device position fix
type UserLocation struct {
	ID                 uint      `gorm:"primarykey" json:"id"`
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	HorizontalAccuracy float64   `json:"horizontal_accuracy"` // meters
	Altitude           float64   `json:"altitude"`
	Speed              float64   `json:"speed"` // m/s, negative when unknown
	Collected          time.Time `gorm:"index;not null" json:"collected"`
}

// TableName specifies the table name for UserLocation
func (UserLocation) TableName() string {
	return "user_locations"
}

// BeforeCreate hook to ensure Collected is set
func (l *UserLocation) BeforeCreate(tx *gorm.DB) error {
	if l.Collected.IsZero() {
		l.Collected = time.Now()
	}
	l.Collected = l.Collected.UTC()
	return nil
}

// VerificationState tracks one cell's progress through one pipeline.
// Version is bumped on every write and checked before it.
type VerificationState struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	CellID      uint      `gorm:"uniqueIndex:idx_state_cell_pipeline;not null" json:"cell_id"`
	PipelineID  uint16    `gorm:"uniqueIndex:idx_state_cell_pipeline;index:idx_state_eligible,priority:1;not null" json:"pipeline_id"`
	Stage       int       `gorm:"not null;default:0" json:"stage"`
	Score       int       `gorm:"not null;default:0" json:"score"`
	Finished    bool      `gorm:"index:idx_state_eligible,priority:2;not null;default:false" json:"finished"`
	DelayUntil  time.Time `gorm:"index:idx_state_eligible,priority:3" json:"delay_until"`
	Attempts    int       `gorm:"not null;default:0" json:"attempts"`
	Version     int64     `gorm:"not null;default:0" json:"version"`
	CandidateID *uint     `json:"candidate_id,omitempty"`
	LocationID  *uint     `json:"location_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName specifies the table name for VerificationState
func (VerificationState) TableName() string {
	return "verification_states"
}

// Stage outcomes as recorded in VerificationLog.Outcome
const (
	OutcomeAwarded  = "awarded"
	OutcomeFinished = "finished"
	OutcomeFailed   = "failed"
)

// VerificationLog records one executed stage. Rows are never updated.
type VerificationLog struct {
	ID            uint      `gorm:"primarykey" json:"id"`
	StateID       uint      `gorm:"index;not null" json:"state_id"`
	PassID        string    `gorm:"size:36;index" json:"pass_id"`
	StageID       int       `json:"stage_id"`
	StageName     string    `gorm:"size:32" json:"stage_name"`
	StageNumber   int       `json:"stage_number"`
	PointsAwarded int       `json:"points_awarded"`
	PointsMax     int       `json:"points_max"`
	Outcome       string    `gorm:"size:16" json:"outcome"`
	Reason        string    `gorm:"size:255" json:"reason,omitempty"`
	Duration      float64   `json:"duration"` // Duration in seconds
	CandidateID   *uint     `json:"candidate_id,omitempty"`
	LocationID    *uint     `json:"location_id,omitempty"`
	PacketIDs     string    `gorm:"size:1024" json:"packet_ids,omitempty"` // comma separated
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for VerificationLog
func (VerificationLog) TableName() string {
	return "verification_logs"
}

// Event kinds
const (
	EventCellAdded         = "cell.added"
	EventStageCompleted    = "verification.stage"
	EventVerificationDone  = "verification.finished"
	EventVerificationReset = "verification.reset"
	EventVerificationRetry = "verification.retry"
	EventLocationsImported = "als.imported"
)

// Event is one entry of the append-only change log. Its ID is the cursor
// consumers resume from.
type Event struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	Kind       string    `gorm:"size:32;index;not null" json:"kind"`
	CellID     uint      `gorm:"index" json:"cell_id,omitempty"`
	StateID    uint      `json:"state_id,omitempty"`
	PipelineID uint16    `json:"pipeline_id,omitempty"`
	Stage      int       `json:"stage,omitempty"`
	Score      int       `json:"score,omitempty"`
	Detail     string    `gorm:"size:255" json:"detail,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for Event
func (Event) TableName() string {
	return "events"
}
