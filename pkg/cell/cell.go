package cell

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Technology is the radio access technology of a cell
type Technology string

const (
	GSM   Technology = "GSM"
	UMTS  Technology = "UMTS"
	SCDMA Technology = "SCDMA"
	CDMA  Technology = "CDMA"
	LTE   Technology = "LTE"
	NR    Technology = "NR"
)

var ErrUnknownTechnology = errors.New("cell: unknown technology")

// ParseTechnology accepts the short names used in storage and the API
func ParseTechnology(s string) (Technology, error) {
	switch t := Technology(strings.ToUpper(strings.TrimSpace(s))); t {
	case GSM, UMTS, SCDMA, CDMA, LTE, NR:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTechnology, s)
}

// LocationTechnology is the technology used when asking the location
// service about a cell. The service has no UMTS category and files those
// cells under LTE.
func (t Technology) LocationTechnology() Technology {
	if t == UMTS {
		return LTE
	}
	return t
}

// NoConnectionCellID is reported for UMTS when the baseband has no network
const NoConnectionCellID int64 = 0xFFFFFFFF

// Identity names a cell sector
type Identity struct {
	Technology Technology `json:"technology"`
	Country    int32      `json:"country"`
	Network    int32      `json:"network"`
	Area       int32      `json:"area"`
	Cell       int64      `json:"cell"`
}

func (i Identity) String() string {
	return fmt.Sprintf("%s %d/%d/%d/%d", i.Technology, i.Country, i.Network, i.Area, i.Cell)
}

// Complete reports whether all numeric identity parts are set
func (i Identity) Complete() bool {
	return i.Country != 0 && i.Network != 0 && i.Area != 0 && i.Cell != 0
}

// Observed is a cell the device attached to
type Observed struct {
	Identity

	PreciseTechnology string
	PhysicalCell      int32
	Frequency         int32
	Band              int32
	Bandwidth         int32
	DeploymentType    int32

	Collected time.Time
	SimSlot   uint8
}

// SameCell compares everything but the capture time
func (o Observed) SameCell(other Observed) bool {
	return o.Identity == other.Identity &&
		o.PreciseTechnology == other.PreciseTechnology &&
		o.PhysicalCell == other.PhysicalCell &&
		o.Frequency == other.Frequency &&
		o.Band == other.Band &&
		o.Bandwidth == other.Bandwidth &&
		o.DeploymentType == other.DeploymentType
}
