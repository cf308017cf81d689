package verification

import (
	"fmt"
	"time"

	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/database"
	"github.com/cellguard/cellguard/pkg/packet"
)

// Need is a set of evidence a stage wants gathered before it runs
type Need uint8

const (
	// NeedCandidate loads the stored location candidate of the cell
	NeedCandidate Need = 1 << iota
	// NeedLookup asks the location service when no candidate is stored
	NeedLookup
	// NeedLocation loads the device fix closest to the capture time
	NeedLocation
	// NeedRejects loads the reject packets around the capture time
	NeedRejects
	// NeedSignals loads the signal packets around the capture time
	NeedSignals
	// NeedRegion resolves the countries of the device and the network
	NeedRegion
)

// Has reports whether all of other is contained in n
func (n Need) Has(other Need) bool {
	return n&other == other
}

// Kind of a stage outcome
type Kind int

const (
	KindAward Kind = iota
	KindRetry
	KindFinish
)

func (k Kind) String() string {
	switch k {
	case KindAward:
		return "award"
	case KindRetry:
		return "retry"
	case KindFinish:
		return "finish"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the result of running one stage
type Outcome struct {
	Kind   Kind
	Points int
	Delay  time.Duration
	Reason string
}

// Award advances to the next stage adding points to the score
func Award(points int, reason string) Outcome {
	return Outcome{Kind: KindAward, Points: points, Reason: reason}
}

// RetryAfter keeps the stage and makes the state eligible again after d
func RetryAfter(d time.Duration, reason string) Outcome {
	return Outcome{Kind: KindRetry, Delay: d, Reason: reason}
}

// FinishEarly ends the verification without awarding points
func FinishEarly(reason string) Outcome {
	return Outcome{Kind: KindFinish, Reason: reason}
}

// EvidencePacket is a stored packet decoded for inspection
type EvidencePacket struct {
	ID     uint
	Packet *packet.Packet
}

// Evidence is what the pipeline gathered for the current pass. Fields a
// stage did not ask for may still be set by an earlier stage of the pass.
type Evidence struct {
	Candidate *database.LocationCandidate
	Location  *database.UserLocation
	Rejects   []EvidencePacket
	Signals   []EvidencePacket
	Region    *Region

	// WindowEnd is the end of the packet window around the capture time
	WindowEnd time.Time
}

// Input is everything a stage may look at
type Input struct {
	Now      time.Time
	Cell     cell.Observed
	Evidence Evidence
}

// WindowClosed reports whether no more packets for the window can arrive
func (in Input) WindowClosed() bool {
	return !in.Now.Before(in.Evidence.WindowEnd)
}

// Stage is one step of a pipeline. Run must not block or have side
// effects; everything it needs arrives through Input.
type Stage interface {
	ID() int
	Name() string
	Points() int
	Needs() Need
	Run(in Input) Outcome
}

// Stage names as used in configuration
const (
	StageNoConnection   = "no_connection"
	StageReachability   = "als_reachability"
	StageDistance       = "distance"
	StageFrequency      = "frequency"
	StageBandwidth      = "bandwidth"
	StageRejectPacket   = "reject_packet"
	StageSignalStrength = "signal_strength"
	StageNo3G           = "no_3g"
	StageNo2G           = "no_2g"
	StageCorrectMCC     = "correct_mcc"
	StageCorrectMNC     = "correct_mnc"
	StageBorderDistance = "border_distance"
)

var catalogue = map[string]func() Stage{
	StageNoConnection:   func() Stage { return noConnectionStage{} },
	StageReachability:   func() Stage { return reachabilityStage{} },
	StageDistance:       func() Stage { return distanceStage{} },
	StageFrequency:      func() Stage { return frequencyStage{} },
	StageBandwidth:      func() Stage { return bandwidthStage{} },
	StageRejectPacket:   func() Stage { return rejectPacketStage{} },
	StageSignalStrength: func() Stage { return signalStrengthStage{} },
	StageNo3G:           func() Stage { return no3GStage{} },
	StageNo2G:           func() Stage { return no2GStage{} },
	StageCorrectMCC:     func() Stage { return correctMCCStage{} },
	StageCorrectMNC:     func() Stage { return correctMNCStage{} },
	StageBorderDistance: func() Stage { return borderDistanceStage{} },
}

// DefaultStageNames is the stage order of the standard pipeline
var DefaultStageNames = []string{
	StageNoConnection,
	StageReachability,
	StageDistance,
	StageFrequency,
	StageBandwidth,
	StageRejectPacket,
	StageSignalStrength,
}

// SnoopSnitchStageNames checks the network against the country the
// device is in
var SnoopSnitchStageNames = []string{
	StageNoConnection,
	StageNo3G,
	StageNo2G,
	StageCorrectMCC,
	StageCorrectMNC,
	StageBorderDistance,
}

// NeedsRegion reports whether any stage resolves countries
func NeedsRegion(stages []Stage) bool {
	for _, s := range stages {
		if s.Needs().Has(NeedRegion) {
			return true
		}
	}
	return false
}

// StagesByName builds stages from their configured names
func StagesByName(names []string) ([]Stage, error) {
	stages := make([]Stage, 0, len(names))
	for _, name := range names {
		build, ok := catalogue[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, name)
		}
		stages = append(stages, build())
	}
	return stages, nil
}

// MaxPoints sums the points of all stages
func MaxPoints(stages []Stage) int {
	total := 0
	for _, s := range stages {
		total += s.Points()
	}
	return total
}
