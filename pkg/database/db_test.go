package database

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Output: io.Discard})
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(Config{Path: filepath.Join(t.TempDir(), "cellguard.db")}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	db, err := NewDB(Config{Path: dbPath}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if db.db == nil {
		t.Error("Expected non-nil database connection")
	}
	for _, table := range []string{"cells", "packets", "location_candidates", "user_locations",
		"verification_states", "verification_logs", "events"} {
		if !db.GetDB().Migrator().HasTable(table) {
			t.Errorf("Expected table %s to exist", table)
		}
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestDB_PingAfterClose(t *testing.T) {
	db, err := NewDB(Config{Path: filepath.Join(t.TempDir(), "closed.db")}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Ping(context.Background()); err == nil {
		t.Error("Expected Ping to fail on a closed database")
	}
}

func TestCell_BeforeCreate(t *testing.T) {
	db := newTestDB(t)

	c := &Cell{Technology: string(cell.LTE), Country: 262, Network: 2, Area: 46452, CellID: 15669002}
	if err := db.GetDB().Create(c).Error; err != nil {
		t.Fatalf("Failed to create cell: %v", err)
	}
	if c.ID == 0 {
		t.Error("Expected non-zero ID after creation")
	}
	if c.Collected.IsZero() {
		t.Error("Expected Collected to be set by hook")
	}
	if c.Collected.Location() != time.UTC {
		t.Errorf("Expected Collected in UTC, got %v", c.Collected.Location())
	}
}

func TestCell_RoundTripsObserved(t *testing.T) {
	db := newTestDB(t)

	o := cell.Observed{
		Identity:          cell.Identity{Technology: cell.LTE, Country: 262, Network: 2, Area: 46452, Cell: 15669002},
		PreciseTechnology: "RadioAccessTechnologyLTE",
		PhysicalCell:      123,
		Frequency:         6300,
		Band:              20,
		Bandwidth:         50,
		Collected:         time.Date(2024, 3, 1, 12, 0, 0, 250_000_000, time.UTC),
		SimSlot:           1,
	}
	row := CellFromObserved(o)
	if err := db.GetDB().Create(row).Error; err != nil {
		t.Fatalf("Failed to create cell: %v", err)
	}

	var loaded Cell
	if err := db.GetDB().First(&loaded, row.ID).Error; err != nil {
		t.Fatalf("Failed to load cell: %v", err)
	}
	got := loaded.Observed()
	if !got.SameCell(o) || got.SimSlot != 1 {
		t.Errorf("Observed = %+v, want %+v", got, o)
	}
	if !got.Collected.Equal(o.Collected) {
		t.Errorf("Collected = %v, want %v", got.Collected, o.Collected)
	}
}

func TestReadEvents_Cursor(t *testing.T) {
	g := NewGateway(newTestDB(t), 1)
	ctx := context.Background()

	if id, err := g.LatestEventID(ctx); err != nil || id != 0 {
		t.Fatalf("LatestEventID on empty log = %d, %v", id, err)
	}

	for i := 0; i < 5; i++ {
		o := cell.Observed{Identity: cell.Identity{Technology: cell.GSM, Country: 262, Network: 1, Area: 1, Cell: int64(i + 1)}}
		if _, err := g.SaveCell(ctx, o); err != nil {
			t.Fatalf("SaveCell failed: %v", err)
		}
	}

	first, err := g.ReadEvents(ctx, 0, 3)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(first))
	}
	for i := 1; i < len(first); i++ {
		if first[i].ID <= first[i-1].ID {
			t.Errorf("Expected ascending ids, got %d after %d", first[i].ID, first[i-1].ID)
		}
	}

	rest, err := g.ReadEvents(ctx, first[len(first)-1].ID, 0)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("Expected 2 remaining events, got %d", len(rest))
	}
	if rest[0].Kind != EventCellAdded {
		t.Errorf("Expected kind %s, got %s", EventCellAdded, rest[0].Kind)
	}

	latest, err := g.LatestEventID(ctx)
	if err != nil || latest != rest[1].ID {
		t.Errorf("LatestEventID = %d, %v; want %d", latest, err, rest[1].ID)
	}

	none, err := g.ReadEvents(ctx, latest, 10)
	if err != nil || len(none) != 0 {
		t.Errorf("Expected no events after the latest cursor, got %d (%v)", len(none), err)
	}
}
