package cell

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/spf13/cast"
)

// Info is one entry of a capture sample, keyed by the baseband's field names
type Info map[string]interface{}

// Sample is a list of cell entries followed by one meta entry carrying
// "timestamp" (unix seconds) and optionally "simSlotID"
type Sample []Info

// Type is the role of a cell within a sample
type Type string

const (
	TypeServing  Type = "CellTypeServing"
	TypeNeighbor Type = "CellTypeNeighbor"
	TypeMonitor  Type = "CellTypeMonitor"
	TypeDetected Type = "CellTypeDetected"
)

var (
	ErrEmptySample     = errors.New("cell: empty sample")
	ErrNoCells         = errors.New("cell: sample has no cells")
	ErrNoServingCell   = errors.New("cell: sample has no serving cell")
	ErrInvalidMeta     = errors.New("cell: invalid sample meta")
	ErrMissingRAT      = errors.New("cell: missing radio access technology")
	ErrUnknownRAT      = errors.New("cell: unknown radio access technology")
	ErrMissingCellType = errors.New("cell: missing cell type")
	ErrUnknownCellType = errors.New("cell: unknown cell type")
	ErrInvalidField    = errors.New("cell: invalid field")
)

// Variant is the technology specific view of one sample entry. Each variant
// only carries the fields its technology reports.
type Variant interface {
	Technology() Technology
	Observed() Observed
}

// GSMCell is a 2G cell
type GSMCell struct {
	MCC, MNC, LAC int32
	CellID        int64
	ARFCN, Band   int32
}

func (c GSMCell) Technology() Technology { return GSM }

func (c GSMCell) Observed() Observed {
	return Observed{
		Identity:  Identity{Technology: GSM, Country: c.MCC, Network: c.MNC, Area: c.LAC, Cell: c.CellID},
		Frequency: c.ARFCN,
		Band:      c.Band,
	}
}

// UMTSCell is a 3G cell. TD-SCDMA cells share the layout.
type UMTSCell struct {
	MCC, MNC, LAC int32
	CellID        int64
	UARFCN, Band  int32
	TDSCDMA       bool
}

func (c UMTSCell) Technology() Technology {
	if c.TDSCDMA {
		return SCDMA
	}
	return UMTS
}

func (c UMTSCell) Observed() Observed {
	return Observed{
		Identity:  Identity{Technology: c.Technology(), Country: c.MCC, Network: c.MNC, Area: c.LAC, Cell: c.CellID},
		Frequency: c.UARFCN,
		Band:      c.Band,
	}
}

// CDMACell is a CDMA2000 cell. SID takes the place of the network code and
// the PN offset that of the area code.
type CDMACell struct {
	MCC, SID, PNOffset       int32
	BaseStationID            int64
	ChannelNumber, BandClass int32
}

func (c CDMACell) Technology() Technology { return CDMA }

func (c CDMACell) Observed() Observed {
	return Observed{
		Identity:  Identity{Technology: CDMA, Country: c.MCC, Network: c.SID, Area: c.PNOffset, Cell: c.BaseStationID},
		Frequency: c.ChannelNumber,
		Band:      c.BandClass,
	}
}

// LTECell is a 4G cell. EARFCN is reported under the UMTS name UARFCN.
type LTECell struct {
	MCC, MNC, TAC  int32
	CellID         int64
	EARFCN, Band   int32
	Bandwidth, PID int32
	DeploymentType int32
}

func (c LTECell) Technology() Technology { return LTE }

func (c LTECell) Observed() Observed {
	return Observed{
		Identity:       Identity{Technology: LTE, Country: c.MCC, Network: c.MNC, Area: c.TAC, Cell: c.CellID},
		Frequency:      c.EARFCN,
		Band:           c.Band,
		Bandwidth:      c.Bandwidth,
		PhysicalCell:   c.PID,
		DeploymentType: c.DeploymentType,
	}
}

// NRCell is a 5G standalone cell
type NRCell struct {
	MCC, MNC, TAC  int32
	CellID         int64
	NRARFCN, Band  int32
	Bandwidth, PID int32
}

func (c NRCell) Technology() Technology { return NR }

func (c NRCell) Observed() Observed {
	return Observed{
		Identity:     Identity{Technology: NR, Country: c.MCC, Network: c.MNC, Area: c.TAC, Cell: c.CellID},
		Frequency:    c.NRARFCN,
		Band:         c.Band,
		Bandwidth:    c.Bandwidth,
		PhysicalCell: c.PID,
	}
}

type parseFunc func(Info) (Variant, error)

// parsers maps the baseband's radio access technology string to its variant
var parsers = map[string]parseFunc{
	"RadioAccessTechnologyGSM":        parseGSM,
	"RadioAccessTechnologyUMTS":       parseUMTS(false),
	"RadioAccessTechnologyUTRAN":      parseUMTS(false),
	"RadioAccessTechnologyTDSCDMA":    parseUMTS(true),
	"RadioAccessTechnologyCDMA1x":     parseCDMA,
	"RadioAccessTechnologyCDMAEVDO":   parseCDMA,
	"RadioAccessTechnologyCDMAHybrid": parseCDMA,
	"RadioAccessTechnologyLTE":        parseLTE,
	"RadioAccessTechnologyNR":         parseNR,
}

// fields reads numbers out of an Info. Absent keys read as zero; the first
// value that cannot be converted is kept in err.
type fields struct {
	info Info
	err  error
}

func (f *fields) i32(key string) int32 {
	v, ok := f.info[key]
	if !ok || v == nil || f.err != nil {
		return 0
	}
	n, err := cast.ToInt64E(v)
	if err != nil || n < math.MinInt32 || n > math.MaxInt32 {
		f.err = fmt.Errorf("%w: %s=%v", ErrInvalidField, key, v)
		return 0
	}
	return int32(n)
}

func (f *fields) i64(key string) int64 {
	v, ok := f.info[key]
	if !ok || v == nil || f.err != nil {
		return 0
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		f.err = fmt.Errorf("%w: %s=%v", ErrInvalidField, key, v)
		return 0
	}
	return n
}

func parseGSM(info Info) (Variant, error) {
	f := &fields{info: info}
	c := GSMCell{
		MCC: f.i32("MCC"), MNC: f.i32("MNC"), LAC: f.i32("LAC"), CellID: f.i64("CellId"),
		ARFCN: f.i32("ARFCN"), Band: f.i32("BandInfo"),
	}
	return c, f.err
}

func parseUMTS(tdscdma bool) parseFunc {
	return func(info Info) (Variant, error) {
		f := &fields{info: info}
		c := UMTSCell{
			MCC: f.i32("MCC"), MNC: f.i32("MNC"), LAC: f.i32("LAC"), CellID: f.i64("CellId"),
			UARFCN: f.i32("UARFCN"), Band: f.i32("BandInfo"), TDSCDMA: tdscdma,
		}
		return c, f.err
	}
}

func parseCDMA(info Info) (Variant, error) {
	f := &fields{info: info}
	c := CDMACell{
		MCC: f.i32("MCC"), SID: f.i32("SID"), PNOffset: f.i32("PNOffset"), BaseStationID: f.i64("BaseStationId"),
		ChannelNumber: f.i32("ChannelNumber"), BandClass: f.i32("BandClass"),
	}
	return c, f.err
}

func parseLTE(info Info) (Variant, error) {
	f := &fields{info: info}
	c := LTECell{
		MCC: f.i32("MCC"), MNC: f.i32("MNC"), TAC: f.i32("TAC"), CellID: f.i64("CellId"),
		EARFCN: f.i32("UARFCN"), Band: f.i32("BandInfo"),
		Bandwidth: f.i32("Bandwidth"), PID: f.i32("PID"), DeploymentType: f.i32("DeploymentType"),
	}
	return c, f.err
}

func parseNR(info Info) (Variant, error) {
	f := &fields{info: info}
	c := NRCell{
		MCC: f.i32("MCC"), MNC: f.i32("MNC"), TAC: f.i32("TAC"), CellID: f.i64("CellId"),
		NRARFCN: f.i32("NRARFCN"), Band: f.i32("BandInfo"),
		Bandwidth: f.i32("Bandwidth"), PID: f.i32("PID"),
	}
	return c, f.err
}

// ParseInfo selects the variant for one sample entry
func ParseInfo(info Info) (Variant, Type, error) {
	rat, err := cast.ToStringE(info["CellRadioAccessTechnology"])
	if err != nil || rat == "" {
		return nil, "", ErrMissingRAT
	}
	parse, ok := parsers[rat]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownRAT, rat)
	}

	v, err := parse(info)
	if err != nil {
		return nil, "", err
	}

	typ, err := cast.ToStringE(info["CellType"])
	if err != nil || typ == "" {
		return nil, "", ErrMissingCellType
	}
	switch t := Type(typ); t {
	case TypeServing, TypeNeighbor, TypeMonitor, TypeDetected:
		return v, t, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrUnknownCellType, typ)
}

// ParseSample returns the serving cell of a sample, stamped with the
// sample's capture time and SIM slot
func ParseSample(sample Sample) (*Observed, error) {
	if len(sample) == 0 {
		return nil, ErrEmptySample
	}
	meta := sample[len(sample)-1]

	ts, err := cast.ToFloat64E(meta["timestamp"])
	if err != nil || ts <= 0 {
		return nil, fmt.Errorf("%w: timestamp %v", ErrInvalidMeta, meta["timestamp"])
	}
	var simSlot uint8
	if raw, ok := meta["simSlotID"]; ok && raw != nil {
		if simSlot, err = cast.ToUint8E(raw); err != nil {
			return nil, fmt.Errorf("%w: simSlotID %v", ErrInvalidMeta, raw)
		}
	}

	entries := sample[:len(sample)-1]
	if len(entries) == 0 {
		return nil, ErrNoCells
	}

	var serving *Observed
	for _, info := range entries {
		v, typ, err := ParseInfo(info)
		if err != nil {
			return nil, err
		}
		if typ == TypeServing && serving == nil {
			o := v.Observed()
			o.PreciseTechnology, _ = cast.ToStringE(info["CellRadioAccessTechnology"])
			serving = &o
		}
	}
	if serving == nil {
		return nil, ErrNoServingCell
	}

	sec, frac := math.Modf(ts)
	serving.Collected = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	serving.SimSlot = simSlot
	return serving, nil
}
