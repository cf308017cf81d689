package testhelpers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/cellguard/cellguard/pkg/als"
	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/content"
	"github.com/cellguard/cellguard/pkg/packet"
)

var known = als.Candidate{
	Identity:  cell.Identity{Technology: cell.LTE, Country: 262, Network: 2, Area: 46452, Cell: 15669002},
	Latitude:  49.8728,
	Longitude: 8.6512,
	Accuracy:  900,
}

func TestSuite(t *testing.T) {
	suite := NewSuite(t, 1, 2)
	if suite.Logger == nil || suite.Ctx == nil || suite.Gateway == nil {
		t.Fatal("Expected an initialized suite")
	}

	row := suite.AddCell(cell.Observed{Identity: known.Identity, Collected: time.Now()})
	states, err := suite.Gateway.StatesForCell(suite.Ctx, row.ID)
	if err != nil {
		t.Fatalf("StatesForCell failed: %v", err)
	}
	if len(states) != 2 {
		t.Errorf("Expected a state per pipeline, got %d", len(states))
	}

	calls := 0
	if !suite.WaitFor(func() bool { calls++; return calls == 3 }, time.Second, "third call") {
		t.Error("Expected WaitFor to succeed")
	}
}

func TestCreateDefaultConfig(t *testing.T) {
	cfg := CreateDefaultConfig(t.TempDir())
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected a valid config, got %v", err)
	}
}

func TestFakeLocationService(t *testing.T) {
	svc := NewFakeLocationService(known)
	defer svc.Close()
	client := als.NewClient(als.Config{URL: svc.URL(), Timeout: time.Second}, Logger())

	candidates, err := client.Lookup(context.Background(), known.Identity)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(candidates) != 1 || !candidates[0].Matches(known.Identity) {
		t.Fatalf("Expected the known cell, got %+v", candidates)
	}

	unknown := known.Identity
	unknown.Cell++
	candidates, err = client.Lookup(context.Background(), unknown)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Matches(unknown) {
		t.Errorf("Expected only the neighbor, got %+v", candidates)
	}

	svc.SetStatus(http.StatusServiceUnavailable)
	if _, err := client.Lookup(context.Background(), known.Identity); !als.IsTransient(err) {
		t.Errorf("Expected a transient error, got %v", err)
	}
	if got := len(svc.Requests()); got != 3 {
		t.Errorf("Expected 3 requests, got %d", got)
	}
}

func TestFakeLocator(t *testing.T) {
	locator := NewFakeLocator(known)

	candidates, err := locator.Lookup(context.Background(), known.Identity)
	if err != nil || len(candidates) != 1 {
		t.Fatalf("Expected one candidate, got %d: %v", len(candidates), err)
	}

	boom := errors.New("boom")
	locator.SetError(boom)
	if _, err := locator.Lookup(context.Background(), known.Identity); !errors.Is(err, boom) {
		t.Errorf("Expected the configured error, got %v", err)
	}
	if locator.Calls() != 2 {
		t.Errorf("Expected 2 calls, got %d", locator.Calls())
	}
}

func TestPacketBuilders(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		pkt   *packet.Packet
		check func(*packet.Packet) bool
	}{
		{"qmi reject", QMIRejectPacket(now), content.IsQMINetworkReject},
		{"qmi lte signal", QMILTESignalPacket(-60, -8, -95, 120, now), content.IsQMISignalInfo},
		{"qmi gsm signal", QMIGSMSignalPacket(-70, now), content.IsQMISignalInfo},
		{"ari reject", ARIRejectPacket(2, 9, now), content.IsARINetworkReject},
		{"ari signal", ARISignalPacket(20, 30, 60, 50, now), content.IsARIRadioSignal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := packet.Decode(Raw(t, tt.pkt))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !tt.check(decoded) {
				t.Error("Expected the decoded packet to be recognized")
			}
		})
	}

	info, err := content.ParseQMISignalInfo(QMILTESignalPacket(-60, -8, -95, 120, now))
	if err != nil {
		t.Fatalf("ParseQMISignalInfo failed: %v", err)
	}
	if info.LTE == nil || info.LTE.RSRP != -95 || info.LTE.SNR != 120 {
		t.Errorf("Unexpected LTE reading %+v", info.LTE)
	}
}
