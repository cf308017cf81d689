package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cellguard/cellguard/internal/testhelpers"
	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/config"
	"github.com/cellguard/cellguard/pkg/verification"
)

type fakePipeline struct {
	id    uint16
	calls atomic.Int64
	lastN atomic.Int64
	err   error
}

func (f *fakePipeline) ID() uint16   { return f.id }
func (f *fakePipeline) Name() string { return "primary" }

func (f *fakePipeline) VerifyBatch(ctx context.Context, n int) (verification.BatchResult, error) {
	f.calls.Add(1)
	f.lastN.Store(int64(n))
	if f.err != nil {
		return verification.BatchResult{}, f.err
	}
	return verification.BatchResult{Results: []verification.PassResult{{Processed: true}}}, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	states map[string][2]int64
	purged map[string]int64
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{states: map[string][2]int64{}, purged: map[string]int64{}}
}

func (r *fakeRecorder) SetStates(pipeline string, pending, finished int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[pipeline] = [2]int64{pending, finished}
}

func (r *fakeRecorder) RowsPurged(table string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged[table] += n
}

func (r *fakeRecorder) snapshot(pipeline string) ([2]int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[pipeline]
	return s, ok
}

func lteCell(id int64, collected time.Time) cell.Observed {
	return cell.Observed{
		Identity:  cell.Identity{Technology: cell.LTE, Country: 262, Network: 2, Area: 46452, Cell: id},
		Collected: collected,
	}
}

func TestScheduler_RunVerification(t *testing.T) {
	suite := testhelpers.NewSuite(t, 1)
	for i := int64(1); i <= 3; i++ {
		suite.AddCell(lteCell(i, time.Now()))
	}

	p := &fakePipeline{id: 1}
	rec := newFakeRecorder()
	s := New(Config{Interval: time.Second, BatchSize: 4}, suite.Gateway, []Pipeline{p}, suite.Logger)
	s.SetRecorder(rec)

	batch, err := s.RunVerification(suite.Ctx, p)
	if err != nil {
		t.Fatalf("RunVerification failed: %v", err)
	}
	if len(batch.Results) != 1 || p.lastN.Load() != 4 {
		t.Errorf("Expected one batch of up to 4, got %d results with n=%d", len(batch.Results), p.lastN.Load())
	}
	if got, _ := rec.snapshot("primary"); got != [2]int64{3, 0} {
		t.Errorf("Expected 3 pending and 0 finished, got %v", got)
	}
}

func TestScheduler_RunVerification_Error(t *testing.T) {
	suite := testhelpers.NewSuite(t, 1)
	errBoom := errors.New("boom")
	p := &fakePipeline{id: 1, err: errBoom}
	rec := newFakeRecorder()
	s := New(Config{}, suite.Gateway, []Pipeline{p}, suite.Logger)
	s.SetRecorder(rec)

	if _, err := s.RunVerification(suite.Ctx, p); !errors.Is(err, errBoom) {
		t.Errorf("Expected the batch error, got %v", err)
	}
	if _, ok := rec.snapshot("primary"); ok {
		t.Error("Expected no gauge update after a failed batch")
	}
}

func TestScheduler_Purge(t *testing.T) {
	suite := testhelpers.NewSuite(t, 1)
	now := time.Now().UTC()
	suite.AddCell(lteCell(1, now.Add(-40*24*time.Hour)))
	suite.AddCell(lteCell(2, now.Add(-time.Hour)))

	rec := newFakeRecorder()
	s := New(Config{Retention: config.RetentionConfig{Enabled: true, MaxAge: 30 * 24 * time.Hour}},
		suite.Gateway, nil, suite.Logger)
	s.SetRecorder(rec)
	s.now = func() time.Time { return now }

	stats, err := s.Purge(suite.Ctx)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if stats.Cells != 1 || stats.States != 1 {
		t.Errorf("Expected one old cell with its state purged, got %+v", stats)
	}
	if rec.purged["cells"] != 1 || rec.purged["verification_states"] != 1 {
		t.Errorf("Unexpected purge counts %v", rec.purged)
	}

	cells, total, err := suite.Gateway.ListCells(suite.Ctx, 1, 10)
	if err != nil || total != 1 || cells[0].CellID != 2 {
		t.Errorf("Expected only the recent cell to remain, got %d (%v)", total, err)
	}

	s = New(Config{}, suite.Gateway, nil, suite.Logger)
	if _, err := s.Purge(suite.Ctx); !errors.Is(err, ErrRetentionDisabled) {
		t.Errorf("Expected ErrRetentionDisabled, got %v", err)
	}
}

func TestScheduler_Start(t *testing.T) {
	// Cells stored before pipeline 2 existed
	suite := testhelpers.NewSuite(t)
	suite.AddCell(lteCell(1, time.Now()))
	suite.AddCell(lteCell(2, time.Now()))

	p := &fakePipeline{id: 2}
	rec := newFakeRecorder()
	s := New(Config{Interval: 10 * time.Millisecond, BatchSize: 2}, suite.Gateway, []Pipeline{p}, suite.Logger)
	s.SetRecorder(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start(ctx)
	}()

	suite.AssertEventually(func() bool { return p.calls.Load() >= 2 }, 2*time.Second, "pipeline ticked")
	suite.AssertEventually(func() bool {
		got, ok := rec.snapshot("primary")
		return ok && got == [2]int64{2, 0}
	}, 2*time.Second, "states opened for existing cells")

	cancel()
	select {
	case err := <-errChan:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Scheduler did not stop in time")
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := testhelpers.CreateDefaultConfig(t.TempDir())
	sc := ConfigFrom(cfg)
	if sc.Interval != cfg.Verification.Interval || sc.BatchSize != cfg.Verification.BatchSize {
		t.Errorf("Unexpected scheduler config %+v", sc)
	}
	if sc.Retention.Enabled {
		t.Error("Expected retention disabled in the test config")
	}
}
