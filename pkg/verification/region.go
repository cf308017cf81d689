package verification

import (
	"context"
	"fmt"
	"strings"

	"github.com/cellguard/cellguard/pkg/cell"
)

// Region places the device and the network in countries. Country is
// empty when no position was available or it lies outside every known
// border.
type Region struct {
	Country string
	// Source of the position, "device" or "cell"
	Source  string
	// Nearby lists the countries within the border radius of the position
	Nearby  []string
	// MCC lists the countries owning the mobile country code
	MCC     []string
	// Network lists the countries the operator serves
	Network []string
}

// Located reports whether a position could be resolved at all
func (r *Region) Located() bool {
	return r != nil && r.Source != ""
}

func (p *Pipeline) loadRegion(ctx context.Context, ps *pass) error {
	if !ps.loaded.Has(NeedCandidate) {
		if err := p.loadCandidate(ctx, ps); err != nil {
			return err
		}
		ps.loaded |= NeedCandidate
	}
	if !ps.loaded.Has(NeedLocation) {
		if err := p.loadLocation(ctx, ps); err != nil {
			return err
		}
		ps.loaded |= NeedLocation
	}

	id := ps.cell.Identity
	r := &Region{}
	if p.cfg.Operators != nil {
		r.MCC = p.cfg.Operators.Countries(id.Country)
		r.Network = p.cfg.Operators.NetworkCountries(id.Country, id.Network)
	}

	var lat, lon, radius float64
	switch c, l := ps.evidence.Candidate, ps.evidence.Location; {
	case l != nil:
		lat, lon, r.Source = l.Latitude, l.Longitude, "device"
		radius = p.cfg.BorderRadius
		if c != nil && c.Valid() {
			radius = Distance(l.Latitude, l.Longitude, c.Latitude, c.Longitude) + float64(c.Reach)
		}
	case c != nil && c.Valid():
		lat, lon, r.Source = c.Latitude, c.Longitude, "cell"
		radius = float64(c.Reach)
	}
	if radius < p.cfg.BorderRadius {
		radius = p.cfg.BorderRadius
	}

	if r.Source != "" && p.cfg.Atlas != nil {
		r.Country, _ = p.cfg.Atlas.CountryAt(lat, lon)
		r.Nearby = p.cfg.Atlas.CountriesNear(lat, lon, radius)
	}
	ps.evidence.Region = r
	return nil
}

// waitForPosition retries until the grace period for a device fix is over
func waitForPosition(in Input) (Outcome, bool) {
	if in.Evidence.Region.Located() || in.Now.Sub(in.Cell.Collected) > locationGrace {
		return Outcome{}, false
	}
	return RetryAfter(locationRetry, "waiting for device location"), true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// countries where no 3G network is left
var no3GCountries = []string{"DE", "NO", "LU", "CZ", "NL", "HU", "IT", "CY", "MT", "GR"}

// countries where no 2G network is left
var no2GCountries = []string{"CH", "AU", "BH", "BN", "CN", "CO", "HK", "JP", "MX", "SG", "ZA", "KR", "TW", "AE", "US"}

func retiredTechnology(in Input, tech cell.Technology, retired []string, points int) Outcome {
	if in.Cell.Technology != tech {
		return Award(points, "")
	}
	if out, wait := waitForPosition(in); wait {
		return out
	}
	country := in.Evidence.Region.country()
	if country == "" {
		return Award(points, "country unknown")
	}
	if contains(retired, country) {
		return Award(0, fmt.Sprintf("%s network in %s, which has shut %s down", tech, country, tech))
	}
	return Award(points, "")
}

func (r *Region) country() string {
	if r == nil {
		return ""
	}
	return r.Country
}

// no3GStage flags UMTS cells in countries without UMTS networks
type no3GStage struct{}

func (no3GStage) ID() int      { return 8 }
func (no3GStage) Name() string { return StageNo3G }
func (no3GStage) Points() int  { return 1 }
func (no3GStage) Needs() Need  { return NeedRegion }

func (s no3GStage) Run(in Input) Outcome {
	return retiredTechnology(in, cell.UMTS, no3GCountries, s.Points())
}

// no2GStage flags GSM cells in countries without GSM networks
type no2GStage struct{}

func (no2GStage) ID() int      { return 9 }
func (no2GStage) Name() string { return StageNo2G }
func (no2GStage) Points() int  { return 1 }
func (no2GStage) Needs() Need  { return NeedRegion }

func (s no2GStage) Run(in Input) Outcome {
	return retiredTechnology(in, cell.GSM, no2GCountries, s.Points())
}

func matchCountry(in Input, countries []string, what string, points int) Outcome {
	if len(countries) == 0 {
		return Award(points, what+" not in operator table")
	}
	if out, wait := waitForPosition(in); wait {
		return out
	}
	country := in.Evidence.Region.country()
	switch {
	case country == "":
		return Award(points, "country unknown")
	case contains(countries, country):
		return Award(points, "")
	}
	return Award(0, fmt.Sprintf("%s belongs to %s, device in %s", what, strings.Join(countries, "/"), country))
}

// correctMCCStage compares the country of the MCC with the device's
type correctMCCStage struct{}

func (correctMCCStage) ID() int      { return 10 }
func (correctMCCStage) Name() string { return StageCorrectMCC }
func (correctMCCStage) Points() int  { return 1 }
func (correctMCCStage) Needs() Need  { return NeedRegion }

func (s correctMCCStage) Run(in Input) Outcome {
	var countries []string
	if in.Evidence.Region != nil {
		countries = in.Evidence.Region.MCC
	}
	return matchCountry(in, countries, fmt.Sprintf("MCC %d", in.Cell.Country), s.Points())
}

// correctMNCStage compares the countries the operator serves with the
// device's
type correctMNCStage struct{}

func (correctMNCStage) ID() int      { return 11 }
func (correctMNCStage) Name() string { return StageCorrectMNC }
func (correctMNCStage) Points() int  { return 1 }
func (correctMNCStage) Needs() Need  { return NeedRegion }

func (s correctMNCStage) Run(in Input) Outcome {
	var countries []string
	if in.Evidence.Region != nil {
		countries = in.Evidence.Region.Network
	}
	return matchCountry(in, countries, fmt.Sprintf("network %d/%d", in.Cell.Country, in.Cell.Network), s.Points())
}

// borderDistanceStage accepts a foreign MCC when its country is within
// reach of the device
type borderDistanceStage struct{}

func (borderDistanceStage) ID() int      { return 12 }
func (borderDistanceStage) Name() string { return StageBorderDistance }
func (borderDistanceStage) Points() int  { return 1 }
func (borderDistanceStage) Needs() Need  { return NeedRegion }

func (s borderDistanceStage) Run(in Input) Outcome {
	r := in.Evidence.Region
	if r == nil || len(r.MCC) == 0 {
		return Award(s.Points(), "MCC not in operator table")
	}
	if out, wait := waitForPosition(in); wait {
		return out
	}
	if !r.Located() {
		return FinishEarly("no position to compare borders with")
	}
	if r.Country == "" && len(r.Nearby) == 0 {
		return Award(s.Points(), "no borders known around position")
	}
	if contains(r.MCC, r.Country) {
		return Award(s.Points(), "")
	}
	for _, iso := range r.MCC {
		if contains(r.Nearby, iso) {
			return Award(s.Points(), "near border of "+iso)
		}
	}
	return Award(0, fmt.Sprintf("no border of %s near %s position", strings.Join(r.MCC, "/"), r.Source))
}
