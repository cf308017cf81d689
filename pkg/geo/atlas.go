// Package geo answers offline which country a coordinate lies in and
// which countries border it.
package geo

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

var ErrNoCountries = errors.New("geo: no country polygons")

// isoKeys are the feature properties checked for the ISO 3166 alpha-2
// code, in order. Natural Earth uses "-99" for disputed areas.
var isoKeys = []string{"ISO_A2", "iso_a2", "ISO_A2_EH", "iso"}

type country struct {
	iso   string
	shape orb.MultiPolygon
	bound orb.Bound
}

// Atlas holds country borders
type Atlas struct {
	countries []country
}

// LoadGeoJSON reads a feature collection of country polygons
func LoadGeoJSON(r io.Reader) (*Atlas, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("geo: %w", err)
	}

	a := &Atlas{}
	for _, f := range fc.Features {
		iso := featureISO(f)
		if iso == "" {
			continue
		}
		var shape orb.MultiPolygon
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			shape = orb.MultiPolygon{g}
		case orb.MultiPolygon:
			shape = g
		default:
			continue
		}
		a.countries = append(a.countries, country{iso: iso, shape: shape, bound: shape.Bound()})
	}
	if len(a.countries) == 0 {
		return nil, ErrNoCountries
	}
	return a, nil
}

// LoadFile reads a GeoJSON file, decompressing it when it ends in .gz
func LoadFile(path string) (*Atlas, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	return LoadGeoJSON(r)
}

// Len returns the number of countries loaded
func (a *Atlas) Len() int {
	if a == nil {
		return 0
	}
	return len(a.countries)
}

// CountryAt returns the ISO code of the country containing the point
func (a *Atlas) CountryAt(lat, lon float64) (string, bool) {
	if a == nil {
		return "", false
	}
	p := orb.Point{lon, lat}
	for _, c := range a.countries {
		if c.bound.Contains(p) && planar.MultiPolygonContains(c.shape, p) {
			return c.iso, true
		}
	}
	return "", false
}

// CountriesNear returns the sorted ISO codes of all countries with
// territory within radius meters of the point, including the one
// containing it.
func (a *Atlas) CountriesNear(lat, lon, radius float64) []string {
	if a == nil {
		return nil
	}
	p := orb.Point{lon, lat}
	search := orbgeo.NewBoundAroundPoint(p, radius)

	seen := make(map[string]struct{})
	for _, c := range a.countries {
		if _, ok := seen[c.iso]; ok || !c.bound.Intersects(search) {
			continue
		}
		if planar.MultiPolygonContains(c.shape, p) || withinDistance(c.shape, p, radius) {
			seen[c.iso] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for iso := range seen {
		out = append(out, iso)
	}
	sort.Strings(out)
	return out
}

func featureISO(f *geojson.Feature) string {
	for _, key := range isoKeys {
		v, ok := f.Properties[key].(string)
		if !ok {
			continue
		}
		v = strings.ToUpper(strings.TrimSpace(v))
		if len(v) == 2 {
			return v
		}
	}
	return ""
}

func withinDistance(shape orb.MultiPolygon, p orb.Point, radius float64) bool {
	for _, poly := range shape {
		for _, ring := range poly {
			for i := 1; i < len(ring); i++ {
				if orbgeo.DistanceHaversine(p, closestOnSegment(p, ring[i-1], ring[i])) <= radius {
					return true
				}
			}
		}
	}
	return false
}

// closestOnSegment projects p onto the segment a-b with longitudes
// scaled by the cosine of the latitude. Good enough for the short
// distances border checks use.
func closestOnSegment(p, a, b orb.Point) orb.Point {
	scale := math.Cos(p[1] * math.Pi / 180)
	ax, ay := (a[0]-p[0])*scale, a[1]-p[1]
	bx, by := (b[0]-p[0])*scale, b[1]-p[1]
	dx, dy := bx-ax, by-ay

	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return a
	}
	t := -(ax*dx + ay*dy) / lenSq
	switch {
	case t <= 0:
		return a
	case t >= 1:
		return b
	}
	return orb.Point{a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1])}
}
