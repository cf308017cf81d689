package verification

import "math"

const (
	earthRadius = 6371000.0 // meters

	// Margin for cells that legitimately serve far away devices
	distanceAllowance = 75000.0
	// Corrected distance at which the stage awards nothing
	distanceCeiling = 150000.0
)

// Distance returns the great circle distance in meters between two
// coordinates given in degrees
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return earthRadius * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// CorrectedDistance removes the allowance, both accuracies and a margin
// growing with the device speed (m/s) from a distance
func CorrectedDistance(distance, userAccuracy, cellAccuracy, speed float64) float64 {
	var speedMargin float64
	if speed > 0 && !math.IsInf(speed, 0) && !math.IsNaN(speed) {
		speedMargin = math.Pow((speed*3.6)/2, 1.1) * 1000
	}
	return distance - distanceAllowance - (userAccuracy + cellAccuracy) - speedMargin
}

// DistanceScore maps a corrected distance to [0, 1], 1 being the worst
func DistanceScore(corrected float64) float64 {
	return clamp(corrected/distanceCeiling, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
