package verification

import (
	"fmt"
	"time"

	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/content"
)

const (
	// A cell without a nearby device fix is trusted once it is this old
	locationGrace = 5 * time.Minute
	// Wait before asking again for a device fix
	locationRetry = 30 * time.Second

	// Two suspicious ARI rejects in the window mark the cell
	ariRejectThreshold = 2
)

// noConnectionStage ends verification for the placeholder cell a UMTS
// baseband reports while it has no network
type noConnectionStage struct{}

func (noConnectionStage) ID() int      { return 1 }
func (noConnectionStage) Name() string { return StageNoConnection }
func (noConnectionStage) Points() int  { return 0 }
func (noConnectionStage) Needs() Need  { return 0 }

func (s noConnectionStage) Run(in Input) Outcome {
	if in.Cell.Technology == cell.UMTS && in.Cell.Cell == cell.NoConnectionCellID {
		return FinishEarly("placeholder cell without network")
	}
	return Award(s.Points(), "")
}

// reachabilityStage checks that the location service knows the cell
type reachabilityStage struct{}

func (reachabilityStage) ID() int      { return 2 }
func (reachabilityStage) Name() string { return StageReachability }
func (reachabilityStage) Points() int  { return 20 }
func (reachabilityStage) Needs() Need  { return NeedCandidate | NeedLookup }

func (s reachabilityStage) Run(in Input) Outcome {
	c := in.Evidence.Candidate
	if c == nil {
		return FinishEarly("cell unknown to location service")
	}
	if !c.Valid() {
		return FinishEarly("location service has no usable location for the cell")
	}
	return Award(s.Points(), "")
}

// distanceStage compares the location of the cell with the device fix
type distanceStage struct{}

func (distanceStage) ID() int      { return 3 }
func (distanceStage) Name() string { return StageDistance }
func (distanceStage) Points() int  { return 20 }
func (distanceStage) Needs() Need  { return NeedCandidate | NeedLocation }

func (s distanceStage) Run(in Input) Outcome {
	c := in.Evidence.Candidate
	if c == nil || !c.Valid() {
		return Award(s.Points(), "no cell location to compare")
	}
	loc := in.Evidence.Location
	if loc == nil {
		if in.Now.Sub(in.Cell.Collected) > locationGrace {
			return Award(s.Points(), "no device location near capture")
		}
		return RetryAfter(locationRetry, "waiting for device location")
	}

	d := Distance(loc.Latitude, loc.Longitude, c.Latitude, c.Longitude)
	corrected := CorrectedDistance(d, loc.HorizontalAccuracy, float64(c.Accuracy), loc.Speed)
	score := DistanceScore(corrected)
	points := int(float64(s.Points()) * (1 - score))
	return Award(points, fmt.Sprintf("distance %.0fm corrected %.0fm", d, corrected))
}

// frequencyStage compares channel and physical cell id with the location
// service. Only LTE cells carry comparable values.
type frequencyStage struct{}

func (frequencyStage) ID() int      { return 4 }
func (frequencyStage) Name() string { return StageFrequency }
func (frequencyStage) Points() int  { return 8 }
func (frequencyStage) Needs() Need  { return NeedCandidate }

func (s frequencyStage) Run(in Input) Outcome {
	c := in.Evidence.Candidate
	if in.Cell.Technology != cell.LTE || c == nil {
		return Award(s.Points(), "")
	}

	points := s.Points()
	var reason string
	if c.Frequency > 0 && in.Cell.Frequency > 0 && c.Frequency != in.Cell.Frequency {
		points -= 6
		reason = fmt.Sprintf("frequency %d, expected %d", in.Cell.Frequency, c.Frequency)
	}
	if c.PhysicalCell > 0 && in.Cell.PhysicalCell > 0 && c.PhysicalCell != in.Cell.PhysicalCell {
		points -= 2
		if reason != "" {
			reason += "; "
		}
		reason += fmt.Sprintf("physical cell %d, expected %d", in.Cell.PhysicalCell, c.PhysicalCell)
	}
	return Award(points, reason)
}

// bandwidthStage penalizes narrow LTE carriers
type bandwidthStage struct{}

func (bandwidthStage) ID() int      { return 5 }
func (bandwidthStage) Name() string { return StageBandwidth }
func (bandwidthStage) Points() int  { return 2 }
func (bandwidthStage) Needs() Need  { return 0 }

func (s bandwidthStage) Run(in Input) Outcome {
	if in.Cell.Technology != cell.LTE || in.Cell.Bandwidth <= 0 {
		return Award(s.Points(), "")
	}
	ratio := clamp(float64(in.Cell.Bandwidth)/100, 0, 1)
	return Award(int(float64(s.Points())*ratio), fmt.Sprintf("bandwidth %d", in.Cell.Bandwidth))
}

// rejectPacketStage looks for network rejects around the connection
type rejectPacketStage struct{}

func (rejectPacketStage) ID() int      { return 6 }
func (rejectPacketStage) Name() string { return StageRejectPacket }
func (rejectPacketStage) Points() int  { return 30 }
func (rejectPacketStage) Needs() Need  { return NeedRejects }

func (s rejectPacketStage) Run(in Input) Outcome {
	var ariRejects int
	for _, ev := range in.Evidence.Rejects {
		if content.IsQMINetworkReject(ev.Packet) {
			return Award(0, fmt.Sprintf("QMI network reject in packet %d", ev.ID))
		}
		if !content.IsARINetworkReject(ev.Packet) {
			continue
		}
		r, err := content.ParseARINetworkReject(ev.Packet)
		if err != nil || !r.Suspicious() {
			continue
		}
		ariRejects++
	}
	if ariRejects >= ariRejectThreshold {
		return Award(0, fmt.Sprintf("%d ARI network rejects", ariRejects))
	}
	if !in.WindowClosed() {
		return RetryAfter(in.Evidence.WindowEnd.Sub(in.Now), "packet window still open")
	}
	return Award(s.Points(), "")
}

// Signal levels at or above these are unusually strong for the generation
const (
	nrRSRQThreshold  = -4
	nrRSRPThreshold  = -100
	nrSNRThreshold   = 200
	lteRSSIThreshold = -70
	lteRSRQThreshold = -4
	lteRSRPThreshold = -100
	lteSNRThreshold  = 200
	gsmRSSIThreshold = -60

	ariStrengthThreshold = 0.65
	ariQualityThreshold  = 0.85
)

// signalStrengthStage flags a cell whose signal is far stronger than a
// regular tower's, as produced by a nearby fake base station
type signalStrengthStage struct{}

func (signalStrengthStage) ID() int      { return 7 }
func (signalStrengthStage) Name() string { return StageSignalStrength }
func (signalStrengthStage) Points() int  { return 20 }
func (signalStrengthStage) Needs() Need  { return NeedSignals }

func (s signalStrengthStage) Run(in Input) Outcome {
	if !in.WindowClosed() {
		return RetryAfter(in.Evidence.WindowEnd.Sub(in.Now), "packet window still open")
	}

	var qmiSignals []*content.QMISignalInfo
	var ariSignals []*content.ARIRadioSignal
	for _, ev := range in.Evidence.Signals {
		switch {
		case content.IsQMISignalInfo(ev.Packet):
			if info, err := content.ParseQMISignalInfo(ev.Packet); err == nil {
				qmiSignals = append(qmiSignals, info)
			}
		case content.IsARIRadioSignal(ev.Packet):
			if sig, err := content.ParseARIRadioSignal(ev.Packet); err == nil {
				ariSignals = append(ariSignals, sig)
			}
		}
	}

	if reason, ok := strongQMISignal(qmiSignals); ok {
		return Award(0, reason)
	}
	if reason, ok := strongARISignal(ariSignals); ok {
		return Award(0, reason)
	}
	return Award(s.Points(), "")
}

type average struct {
	sum float64
	n   int
}

func (a *average) add(v float64) {
	a.sum += v
	a.n++
}

func (a average) value() float64 {
	if a.n == 0 {
		return 0
	}
	return a.sum / float64(a.n)
}

// strongQMISignal averages the readings of the best generation present
func strongQMISignal(signals []*content.QMISignalInfo) (string, bool) {
	byGen := map[content.Generation][]*content.QMISignalInfo{}
	for _, s := range signals {
		if gen, ok := s.Resolve(); ok {
			byGen[gen] = append(byGen[gen], s)
		}
	}

	if nr := byGen[content.GenerationNR]; len(nr) > 0 {
		var rsrp, snr, rsrq average
		for _, s := range nr {
			rsrp.add(float64(*s.NR.RSRP))
			if s.NR.SNR != nil {
				snr.add(float64(*s.NR.SNR))
			}
			if s.NR.RSRQ != nil {
				rsrq.add(float64(*s.NR.RSRQ))
			}
		}
		strong := rsrq.n > 0 && rsrq.value() >= nrRSRQThreshold &&
			rsrp.value() >= nrRSRPThreshold &&
			snr.n > 0 && snr.value() >= nrSNRThreshold
		return fmt.Sprintf("NR rsrp %.1f rsrq %.1f snr %.1f over %d readings", rsrp.value(), rsrq.value(), snr.value(), len(nr)), strong
	}

	if lte := byGen[content.GenerationLTE]; len(lte) > 0 {
		var rssi, rsrq, rsrp, snr average
		for _, s := range lte {
			rssi.add(float64(s.LTE.RSSI))
			rsrq.add(float64(s.LTE.RSRQ))
			rsrp.add(float64(s.LTE.RSRP))
			snr.add(float64(s.LTE.SNR))
		}
		strong := rssi.value() >= lteRSSIThreshold &&
			rsrq.value() >= lteRSRQThreshold &&
			rsrp.value() >= lteRSRPThreshold &&
			snr.value() >= lteSNRThreshold
		return fmt.Sprintf("LTE rssi %.1f rsrq %.1f rsrp %.1f snr %.1f over %d readings",
			rssi.value(), rsrq.value(), rsrp.value(), snr.value(), len(lte)), strong
	}

	if gsm := byGen[content.GenerationGSM]; len(gsm) > 0 {
		var rssi average
		for _, s := range gsm {
			rssi.add(float64(*s.GSM))
		}
		return fmt.Sprintf("GSM rssi %.1f over %d readings", rssi.value(), len(gsm)), rssi.value() >= gsmRSSIThreshold
	}

	return "", false
}

func strongARISignal(signals []*content.ARIRadioSignal) (string, bool) {
	var strength, quality average
	for _, s := range signals {
		st, q, ok := s.Ratios()
		if !ok {
			continue
		}
		strength.add(st)
		quality.add(q)
	}
	if strength.n == 0 {
		return "", false
	}
	strong := strength.value() > ariStrengthThreshold && quality.value() > ariQualityThreshold
	return fmt.Sprintf("ARI strength %.2f quality %.2f over %d readings", strength.value(), quality.value(), strength.n), strong
}
