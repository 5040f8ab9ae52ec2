// Package geo holds the coordinate math the protocol needs: the packed
// degrees-minutes-seconds encoding used on the wire and great-circle
// distance between fixes.
package geo

import "math"

// EarthRadiusM is the mean earth radius used for distance calculations.
const EarthRadiusM = 6371000.0

// DMSToDecimal unpacks the protocol's d*10^6 + m*10^4 + s*10^2
// coordinate encoding into decimal degrees. The result is always
// non-negative; hemisphere sign is applied from the status bits.
func DMSToDecimal(raw uint32) float64 {
	degrees := raw / 1000000
	minutes := (raw % 1000000) / 10000
	seconds := (raw % 10000) / 100
	return float64(degrees) + float64(minutes)/60.0 + float64(seconds)/3600.0
}

// DecimalToDMS packs decimal degrees into the wire encoding. It
// operates on the magnitude; the caller records hemisphere in the
// status bits.
func DecimalToDMS(dec float64) uint32 {
	// Working in whole seconds keeps the conversion exact for values
	// the encoding can represent.
	totalSeconds := int64(math.Round(math.Abs(dec) * 3600.0))
	degrees := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60
	return uint32(degrees)*1000000 + uint32(minutes)*10000 + uint32(seconds)*100
}

// Haversine returns the great-circle distance in metres between two
// points given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180.0
	phi2 := lat2 * math.Pi / 180.0
	dPhi := (lat2 - lat1) * math.Pi / 180.0
	dLambda := (lon2 - lon1) * math.Pi / 180.0

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}
