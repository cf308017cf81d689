package testhelpers

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/config"
	"github.com/cellguard/cellguard/pkg/database"
	"github.com/cellguard/cellguard/pkg/logger"
)

// Suite provides a temporary database and gateway for tests
type Suite struct {
	T       *testing.T
	Logger  *logger.Logger
	Ctx     context.Context
	Cancel  context.CancelFunc
	DB      *database.DB
	Gateway *database.Gateway
}

// Logger returns a logger that discards everything below error
func Logger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Output: io.Discard})
}

// NewSuite opens a database in a temporary directory. Cells saved through
// the gateway get a state in each given pipeline.
func NewSuite(t *testing.T, pipelines ...uint16) *Suite {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	log := Logger()
	db, err := database.NewDB(database.Config{Path: filepath.Join(t.TempDir(), "cellguard.db")}, log)
	if err != nil {
		cancel()
		t.Fatalf("Failed to create database: %v", err)
	}

	s := &Suite{
		T:       t,
		Logger:  log,
		Ctx:     ctx,
		Cancel:  cancel,
		DB:      db,
		Gateway: database.NewGateway(db, pipelines...),
	}
	t.Cleanup(s.Cleanup)
	return s
}

// Cleanup cleans up resources
func (s *Suite) Cleanup() {
	s.Cancel()
	_ = s.DB.Close()
}

// AddCell stores a cell and fails the test on error
func (s *Suite) AddCell(o cell.Observed) *database.Cell {
	s.T.Helper()
	row, err := s.Gateway.SaveCell(s.Ctx, o)
	if err != nil {
		s.T.Fatalf("SaveCell failed: %v", err)
	}
	return row
}

// WaitFor waits for a condition to be true
func (s *Suite) WaitFor(condition func() bool, timeout time.Duration, message string) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.T.Logf("WaitFor timeout: %s", message)
	return false
}

// AssertEventually asserts that a condition becomes true within timeout
func (s *Suite) AssertEventually(condition func() bool, timeout time.Duration, message string) {
	if !s.WaitFor(condition, timeout, message) {
		s.T.Errorf("Assertion failed: %s", message)
	}
}

// CreateDefaultConfig creates a test configuration rooted in dir
func CreateDefaultConfig(dir string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Name:        "Test Server",
			Description: "Integration Test Server",
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(dir, "cellguard.db"),
		},
		ALS: config.ALSConfig{
			URL:     "http://127.0.0.1:1/clls/wloc",
			Timeout: time.Second,
		},
		Verification: config.VerificationConfig{
			Interval:       10 * time.Millisecond,
			BatchSize:      4,
			BatchTimeout:   5 * time.Second,
			MaxStages:      16,
			PacketWindow:   15 * time.Second,
			LocationWindow: 5 * time.Minute,
			RetryBase:      30 * time.Second,
			RetryMax:       30 * time.Minute,
			Pipelines: []config.PipelineConfig{
				{ID: 1, Name: "primary", Stages: append([]string(nil), config.DefaultStages...)},
			},
		},
		Retention: config.RetentionConfig{
			Enabled:  false,
			MaxAge:   720 * time.Hour,
			Interval: time.Hour,
		},
		Logging: config.LoggingConfig{
			Level:  "error",
			Format: "text",
		},
	}
}
