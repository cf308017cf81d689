package verification

import (
	"strings"
	"testing"
	"time"

	"github.com/cellguard/cellguard/internal/testhelpers"
	"github.com/cellguard/cellguard/pkg/als"
	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/collector"
	"github.com/cellguard/cellguard/pkg/geo"
	"github.com/cellguard/cellguard/pkg/operators"
)

// Germany around the test cell, France well west of it
const testBorders = `{"type": "FeatureCollection", "features": [
  {"type": "Feature", "properties": {"ISO_A2": "DE"},
   "geometry": {"type": "Polygon", "coordinates": [[[7,47],[15,47],[15,55],[7,55],[7,47]]]}},
  {"type": "Feature", "properties": {"ISO_A2": "FR"},
   "geometry": {"type": "Polygon", "coordinates": [[[-5,42],[7,42],[7,51],[-5,51],[-5,42]]]}}
]}`

func testRegions(t *testing.T) (*geo.Atlas, *operators.Table) {
	t.Helper()
	atlas, err := geo.LoadGeoJSON(strings.NewReader(testBorders))
	if err != nil {
		t.Fatalf("LoadGeoJSON failed: %v", err)
	}
	table, err := operators.Default()
	if err != nil {
		t.Fatalf("operators.Default failed: %v", err)
	}
	return atlas, table
}

func regionInput(tech cell.Technology, age time.Duration, r *Region) Input {
	now := time.Now()
	return Input{
		Now:      now,
		Cell:     cell.Observed{Identity: cell.Identity{Technology: tech, Country: 262, Network: 2}, Collected: now.Add(-age)},
		Evidence: Evidence{Region: r},
	}
}

func TestRegionStages(t *testing.T) {
	inGermany := &Region{Country: "DE", Source: "device", Nearby: []string{"DE"}, MCC: []string{"DE"}, Network: []string{"DE"}}
	inFrance := &Region{Country: "FR", Source: "device", Nearby: []string{"FR"}, MCC: []string{"DE"}, Network: []string{"DE"}}
	nearBorder := &Region{Country: "FR", Source: "device", Nearby: []string{"DE", "FR"}, MCC: []string{"DE"}, Network: []string{"DE"}}
	inUS := &Region{Country: "US", Source: "device", MCC: []string{"US"}, Network: []string{"US"}}
	islands := &Region{Country: "GB", Source: "device", Nearby: []string{"GB"}, MCC: []string{"GB"}, Network: []string{"JE"}}
	nowhere := &Region{MCC: []string{"DE"}, Network: []string{"DE"}}
	unmapped := &Region{Country: "DE", Source: "device"}

	tests := []struct {
		name   string
		stage  Stage
		in     Input
		kind   Kind
		points int
	}{
		{"3g in germany", no3GStage{}, regionInput(cell.UMTS, time.Hour, inGermany), KindAward, 0},
		{"3g in france", no3GStage{}, regionInput(cell.UMTS, time.Hour, inFrance), KindAward, 1},
		{"lte in germany", no3GStage{}, regionInput(cell.LTE, time.Hour, inGermany), KindAward, 1},
		{"3g waiting for position", no3GStage{}, regionInput(cell.UMTS, time.Minute, nowhere), KindRetry, 0},
		{"3g without position", no3GStage{}, regionInput(cell.UMTS, time.Hour, nowhere), KindAward, 1},
		{"2g in us", no2GStage{}, regionInput(cell.GSM, time.Hour, inUS), KindAward, 0},
		{"2g in germany", no2GStage{}, regionInput(cell.GSM, time.Hour, inGermany), KindAward, 1},
		{"mcc at home", correctMCCStage{}, regionInput(cell.LTE, time.Hour, inGermany), KindAward, 1},
		{"mcc abroad", correctMCCStage{}, regionInput(cell.LTE, time.Hour, inFrance), KindAward, 0},
		{"mcc unknown", correctMCCStage{}, regionInput(cell.LTE, time.Minute, unmapped), KindAward, 1},
		{"mnc of another territory", correctMNCStage{}, regionInput(cell.LTE, time.Hour, islands), KindAward, 0},
		{"mnc at home", correctMNCStage{}, regionInput(cell.LTE, time.Hour, inGermany), KindAward, 1},
		{"border far", borderDistanceStage{}, regionInput(cell.LTE, time.Hour, inFrance), KindAward, 0},
		{"border near", borderDistanceStage{}, regionInput(cell.LTE, time.Hour, nearBorder), KindAward, 1},
		{"border at home", borderDistanceStage{}, regionInput(cell.LTE, time.Hour, inGermany), KindAward, 1},
		{"border waiting", borderDistanceStage{}, regionInput(cell.LTE, time.Minute, nowhere), KindRetry, 0},
		{"border without position", borderDistanceStage{}, regionInput(cell.LTE, time.Hour, nowhere), KindFinish, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tt.stage.Run(tt.in)
			if out.Kind != tt.kind || out.Points != tt.points {
				t.Errorf("Run = %s %d (%s), want %s %d", out.Kind, out.Points, out.Reason, tt.kind, tt.points)
			}
		})
	}
}

func TestSnoopSnitchStages(t *testing.T) {
	stages, err := StagesByName(SnoopSnitchStageNames)
	if err != nil {
		t.Fatalf("StagesByName failed: %v", err)
	}
	if MaxPoints(stages) != 5 || !NeedsRegion(stages) {
		t.Errorf("Unexpected stages: %d points", MaxPoints(stages))
	}
	if th := DefaultThresholds(MaxPoints(stages)); th != (Thresholds{Suspicious: 4, Untrusted: 2}) {
		t.Errorf("Unexpected thresholds %+v", th)
	}
	defaults, _ := StagesByName(DefaultStageNames)
	if NeedsRegion(defaults) {
		t.Error("Default stages should not need regions")
	}
}

func TestLoadRegion_FallsBackToCellPosition(t *testing.T) {
	atlas, table := testRegions(t)
	f := newFixture(t, func(c *Config) {
		c.Atlas = atlas
		c.Operators = table
	})
	if err := f.suite.Gateway.ImportLocationCandidates(f.suite.Ctx, []als.Candidate{knownCell}, 0); err != nil {
		t.Fatalf("ImportLocationCandidates failed: %v", err)
	}

	// No device fix is stored for this capture time
	ps := &pass{cell: lteCell(f.clock().Add(-time.Hour))}
	if err := f.pipeline.loadRegion(f.suite.Ctx, ps); err != nil {
		t.Fatalf("loadRegion failed: %v", err)
	}
	r := ps.evidence.Region
	if r.Source != "cell" || r.Country != "DE" {
		t.Errorf("Expected the cell position in DE, got %+v", r)
	}
	if len(r.MCC) != 1 || r.MCC[0] != "DE" {
		t.Errorf("Unexpected MCC countries %v", r.MCC)
	}
	if ps.candidateID == nil {
		t.Error("Expected the candidate to be referenced")
	}
}

// chain runs the primary and the region pipeline over the same store
type chain struct {
	*fixture
	snoop *Pipeline
}

func newChain(t *testing.T) *chain {
	t.Helper()
	atlas, table := testRegions(t)
	f := &fixture{
		suite:   testhelpers.NewSuite(t, 1, 2),
		locator: testhelpers.NewFakeLocator(knownCell),
		now:     time.Now().UTC().Add(time.Minute).Truncate(time.Second),
	}
	f.collector = collector.New(f.suite.Gateway, f.suite.Logger)

	primaryStages, _ := StagesByName(DefaultStageNames)
	primary, err := NewPipeline(Config{ID: 1, Name: "primary", Stages: primaryStages}, f.suite.Gateway, f.locator, f.suite.Logger)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	primary.SetClock(f.clock)
	f.pipeline = primary

	snoopStages, _ := StagesByName(SnoopSnitchStageNames)
	snoop, err := NewPipeline(Config{
		ID:        2,
		Name:      "SnoopSnitch",
		Stages:    snoopStages,
		After:     1,
		Atlas:     atlas,
		Operators: table,
	}, f.suite.Gateway, f.locator, f.suite.Logger)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	snoop.SetClock(f.clock)
	return &chain{fixture: f, snoop: snoop}
}

func TestSnoopSnitch_RunsAfterPrimary(t *testing.T) {
	c := newChain(t)
	c.addCell(t, lteIdentity.Cell)

	res, err := c.snoop.RunOnce(c.suite.Ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Processed {
		t.Fatalf("Expected the cell held back until the primary pipeline finished, got %+v", res)
	}

	if res, err := c.pipeline.RunOnce(c.suite.Ctx); err != nil || !res.Finished {
		t.Fatalf("Primary RunOnce = %+v, %v", res, err)
	}

	res, err = c.snoop.RunOnce(c.suite.Ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !res.Processed || !res.Finished || res.Score != 5 || res.Verdict != VerdictTrusted {
		t.Errorf("Expected a trusted home network with 5 points, got %+v", res)
	}
	if c.locator.Calls() != 1 {
		t.Errorf("Expected the region pipeline to reuse the candidate, got %d lookups", c.locator.Calls())
	}
}

func TestSnoopSnitch_ForeignNetwork(t *testing.T) {
	c := newChain(t)

	// A French network seen in Darmstadt, far from the French border
	collected := c.clock().Add(-time.Minute)
	o := lteCell(collected)
	o.Country = 208
	o.Network = 1
	row := c.suite.AddCell(o)
	if _, err := c.collector.AddLocation(c.suite.Ctx, collector.Location{
		Latitude:           49.8731,
		Longitude:          8.6509,
		HorizontalAccuracy: 15,
		Speed:              -1,
		Collected:          collected.Add(20 * time.Second),
	}); err != nil {
		t.Fatalf("AddLocation failed: %v", err)
	}

	// Unknown to the location service, the primary pipeline ends early
	if res, err := c.pipeline.RunOnce(c.suite.Ctx); err != nil || !res.Finished {
		t.Fatalf("Primary RunOnce = %+v, %v", res, err)
	}

	res, err := c.snoop.RunOnce(c.suite.Ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.CellID != row.ID || !res.Finished || res.Score != 2 || res.Verdict != VerdictAnomalous {
		t.Errorf("Expected 2 points for a foreign network, got %+v", res)
	}

	logs, err := c.suite.Gateway.LogsForState(c.suite.Ctx, res.StateID)
	if err != nil {
		t.Fatalf("LogsForState failed: %v", err)
	}
	failed := 0
	for _, l := range logs {
		if l.PointsMax > 0 && l.PointsAwarded == 0 {
			failed++
		}
	}
	if len(logs) != len(SnoopSnitchStageNames) || failed != 3 {
		t.Errorf("Expected three stages without points among %d logs, got %d", len(logs), failed)
	}
}
