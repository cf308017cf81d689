//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cellguard/cellguard/internal/testhelpers"
	"github.com/cellguard/cellguard/pkg/als"
	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/collector"
	"github.com/cellguard/cellguard/pkg/database"
	"github.com/cellguard/cellguard/pkg/metrics"
	"github.com/cellguard/cellguard/pkg/scheduler"
	"github.com/cellguard/cellguard/pkg/verification"
	"github.com/cellguard/cellguard/pkg/web"
)

var knownIdentity = cell.Identity{Technology: cell.LTE, Country: 262, Network: 2, Area: 46452, Cell: 15669002}

var knownCell = als.Candidate{
	Identity:     knownIdentity,
	Latitude:     49.8728,
	Longitude:    8.6512,
	Accuracy:     900,
	Reach:        2000,
	Score:        60,
	Frequency:    1300,
	PhysicalCell: 123,
}

// stack is the whole service wired the way the binary wires it
type stack struct {
	suite   *testhelpers.Suite
	als     *testhelpers.FakeLocationService
	metrics *metrics.Collector
	api     *httptest.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newStack(t *testing.T) *stack {
	t.Helper()
	cfg := testhelpers.CreateDefaultConfig(t.TempDir())
	suite := testhelpers.NewSuite(t, 1)
	fake := testhelpers.NewFakeLocationService(knownCell)
	t.Cleanup(fake.Close)

	m := metrics.NewCollector()
	client := als.NewClient(als.Config{URL: fake.URL(), Timeout: 5 * time.Second}, suite.Logger)
	pipelines, err := verification.NewPipelines(cfg.Verification, suite.Gateway, client, suite.Logger)
	if err != nil {
		t.Fatalf("NewPipelines failed: %v", err)
	}
	scheduled := make([]scheduler.Pipeline, len(pipelines))
	for i, p := range pipelines {
		p.SetRecorder(m)
		scheduled[i] = p
	}

	col := collector.New(suite.Gateway, suite.Logger)
	col.SetRecorder(m)

	api := web.NewAPI(suite.Gateway, col, web.PipelineInfos(pipelines), suite.Logger)
	hub := web.NewWebSocketHub(suite.Gateway, 10*time.Millisecond, suite.Logger)
	hub.SetClientObserver(m.WebsocketClients)
	srv := web.NewServer(cfg.Web, api, hub, suite.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	s := &stack{suite: suite, als: fake, metrics: m, api: httptest.NewServer(srv.Handler()), cancel: cancel}
	t.Cleanup(s.stop)

	sched := scheduler.New(scheduler.ConfigFrom(cfg), suite.Gateway, scheduled, suite.Logger)
	sched.SetRecorder(m)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		_ = sched.Start(ctx)
	}()
	return s
}

func (s *stack) stop() {
	s.cancel()
	s.wg.Wait()
	s.api.Close()
}

func (s *stack) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(s.api.URL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (s *stack) cellDetail(t *testing.T, id uint) web.CellDetail {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("%s/api/cells/%d", s.api.URL, id))
	if err != nil {
		t.Fatalf("GET cell failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var detail web.CellDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("Failed to decode cell: %v", err)
	}
	return detail
}

func lteSample(cellID int64, collected time.Time) string {
	return fmt.Sprintf(`{"sample":[
		{"CellRadioAccessTechnology":"RadioAccessTechnologyLTE","CellType":"CellTypeServing",
		 "MCC":262,"MNC":2,"TAC":46452,"CellId":%d,"UARFCN":1300,"Bandwidth":100,"PID":123},
		{"timestamp":%d}]}`, cellID, collected.Unix())
}

func (s *stack) addCell(t *testing.T, cellID int64, collected time.Time) database.Cell {
	t.Helper()
	resp := s.post(t, "/api/cells", lteSample(cellID, collected))
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 for cell %d, got %d", cellID, resp.StatusCode)
	}
	var row database.Cell
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		t.Fatalf("Failed to decode cell: %v", err)
	}
	return row
}

// TestVerificationEndToEnd ingests cells over HTTP and waits for the
// scheduler to reach verdicts through the location service
func TestVerificationEndToEnd(t *testing.T) {
	s := newStack(t)
	collected := time.Now().Add(-2 * time.Minute)

	resp := s.post(t, "/api/locations", fmt.Sprintf(`{"latitude":49.8731,"longitude":8.6509,"horizontal_accuracy":15,"timestamp":%d}`,
		collected.Add(20*time.Second).Unix()))
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 for the location, got %d", resp.StatusCode)
	}

	known := s.addCell(t, knownIdentity.Cell, collected)
	unknown := s.addCell(t, knownIdentity.Cell+99, collected.Add(time.Second))

	verdict := func(id uint) verification.Verdict {
		d := s.cellDetail(t, id)
		if len(d.Verifications) != 1 {
			return ""
		}
		return d.Verifications[0].Verdict
	}
	s.suite.AssertEventually(func() bool { return verdict(known.ID) == verification.VerdictTrusted }, 10*time.Second, "known cell trusted")
	s.suite.AssertEventually(func() bool { return verdict(unknown.ID) == verification.VerdictSuspicious }, 10*time.Second, "unknown cell suspicious")

	detail := s.cellDetail(t, known.ID)
	if v := detail.Verifications[0]; v.State.Score != 100 || len(v.Logs) != 7 {
		t.Errorf("Expected 100 points over 7 stages, got %d over %d", v.State.Score, len(v.Logs))
	}
	if len(s.als.Requests()) < 2 {
		t.Errorf("Expected both cells to be looked up, got %d requests", len(s.als.Requests()))
	}

	rec := httptest.NewRecorder()
	metrics.NewPrometheusHandler(s.metrics).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`cellguard_verification_verdicts_total{pipeline="primary",verdict="trusted"} 1`,
		`cellguard_verification_verdicts_total{pipeline="primary",verdict="suspicious"} 1`,
		`cellguard_cells_ingested_total{result="stored",technology="LTE"} 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected %s in the scrape", want)
		}
	}
}

// TestResetReverifies resets a finished cell and waits for a new verdict
func TestResetReverifies(t *testing.T) {
	s := newStack(t)
	collected := time.Now().Add(-2 * time.Minute)
	row := s.addCell(t, knownIdentity.Cell+1, collected)

	finished := func() bool {
		d := s.cellDetail(t, row.ID)
		return len(d.Verifications) == 1 && d.Verifications[0].State.Finished
	}
	s.suite.AssertEventually(finished, 10*time.Second, "first verification finished")
	first := s.cellDetail(t, row.ID).Verifications[0].State.Version

	resp := s.post(t, fmt.Sprintf("/api/cells/%d/reset", row.ID), "")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for the reset, got %d", resp.StatusCode)
	}

	s.suite.AssertEventually(func() bool {
		d := s.cellDetail(t, row.ID)
		return finished() && d.Verifications[0].State.Version > first+1
	}, 10*time.Second, "verification finished again")
}

// TestEventStream follows the change log over the websocket
func TestEventStream(t *testing.T) {
	s := newStack(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.api.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()
	s.suite.AssertEventually(func() bool {
		return strings.Contains(scrape(s.metrics), "cellguard_websocket_clients 1")
	}, 2*time.Second, "client registered")

	row := s.addCell(t, knownIdentity.Cell, time.Now().Add(-2*time.Minute))

	seen := map[string]bool{}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for !seen[database.EventVerificationDone] {
		var msg web.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON failed after %v: %v", seen, err)
		}
		if msg.Data.CellID != row.ID {
			continue
		}
		seen[msg.Type] = true
	}
	for _, kind := range []string{database.EventCellAdded, database.EventStageCompleted} {
		if !seen[kind] {
			t.Errorf("Expected a %s event before the verdict", kind)
		}
	}
}

func scrape(m *metrics.Collector) string {
	rec := httptest.NewRecorder()
	metrics.NewPrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}
