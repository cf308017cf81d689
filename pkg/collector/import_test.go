package collector

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cellguard/cellguard/internal/testhelpers"
	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/database"
)

func jsonLine(t *testing.T, rec Record) string {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Failed to marshal record: %v", err)
	}
	return string(data)
}

func exportLines(t *testing.T) []string {
	t.Helper()
	collected := time.Unix(1700000000, 0).UTC()
	raw := testhelpers.Raw(t, testhelpers.QMIRejectPacket(collected))

	sample := cell.Sample{
		{
			"CellRadioAccessTechnology": "RadioAccessTechnologyLTE",
			"CellType":                  "CellTypeServing",
			"MCC":                       262, "MNC": 2, "TAC": 46452, "CellId": 15669002,
			"UARFCN": 1300, "PID": 123, "Bandwidth": 100,
		},
		{"timestamp": 1700000000.25},
	}

	return []string{
		jsonLine(t, Record{
			Kind:      KindPacket,
			Timestamp: 1700000000,
			Protocol:  string(raw.Protocol),
			Direction: string(raw.Direction),
			Data:      base64.StdEncoding.EncodeToString(raw.Data),
		}),
		jsonLine(t, Record{Kind: KindCell, Sample: sample}),
		jsonLine(t, Record{Kind: KindCell, Sample: sample}),
		"",
		jsonLine(t, Record{Kind: KindLocation, Timestamp: 1700000001.5, Latitude: 49.87, Longitude: 8.65, HorizontalAccuracy: 12, Speed: -1}),
		`{"kind": "packet", "protocol": "qmi", "direction": "ingoing", "data": "not base64!"}`,
		`{"kind": "satellite"}`,
		`{"kind": `,
		jsonLine(t, Record{Kind: KindLocation, Latitude: 123, Longitude: 8.65}),
	}
}

func TestImportJSONL(t *testing.T) {
	c, suite, _ := newCollector(t)

	stats, err := c.ImportJSONL(suite.Ctx, strings.NewReader(strings.Join(exportLines(t), "\n")))
	if err != nil {
		t.Fatalf("ImportJSONL failed: %v", err)
	}
	want := ImportStats{Packets: 1, Cells: 1, Locations: 1, Duplicates: 1, Skipped: 4}
	if stats != want {
		t.Errorf("Expected %+v, got %+v", want, stats)
	}

	collected := time.Unix(1700000000, 0).UTC()
	rows, err := suite.Gateway.PacketsBetween(suite.Ctx, collected.Add(-time.Second), collected.Add(time.Second), database.PacketFilter{Reject: true})
	if err != nil {
		t.Fatalf("PacketsBetween failed: %v", err)
	}
	if len(rows) != 1 || !rows[0].Collected.Equal(collected) {
		t.Errorf("Expected the reject packet at its capture time, got %+v", rows)
	}

	loc, err := suite.Gateway.LocationNear(suite.Ctx, collected, time.Minute)
	if err != nil {
		t.Fatalf("LocationNear failed: %v", err)
	}
	if want := time.Unix(1700000001, 500_000_000).UTC(); !loc.Collected.Equal(want) {
		t.Errorf("Expected location at %s, got %s", want, loc.Collected)
	}

	cells, total, err := suite.Gateway.ListCells(suite.Ctx, 1, 10)
	if err != nil {
		t.Fatalf("ListCells failed: %v", err)
	}
	if total != 1 || cells[0].CellID != 15669002 || cells[0].Frequency != 1300 {
		t.Errorf("Unexpected cells %+v", cells)
	}
}

func TestImportFile(t *testing.T) {
	c, suite, _ := newCollector(t)

	path := filepath.Join(t.TempDir(), "export.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(exportLines(t)[:2], "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("Failed to write export: %v", err)
	}

	stats, err := c.ImportFile(suite.Ctx, path)
	if err != nil {
		t.Fatalf("ImportFile failed: %v", err)
	}
	if stats.Packets != 1 || stats.Cells != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	if _, err := c.ImportFile(suite.Ctx, filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestImportJSONL_StopsOnStorageFailure(t *testing.T) {
	c := New(failingStore{}, testhelpers.Logger())
	line := jsonLine(t, Record{Kind: KindLocation, Latitude: 1, Longitude: 1})

	stats, err := c.ImportJSONL(t.Context(), strings.NewReader(line+"\n"+line))
	if err == nil {
		t.Fatal("Expected the storage error to stop the import")
	}
	if !strings.Contains(err.Error(), "line 1") {
		t.Errorf("Expected the failing line in the error, got %v", err)
	}
	if stats.Locations != 0 {
		t.Errorf("Expected nothing counted, got %+v", stats)
	}
}
