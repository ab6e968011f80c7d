package blocking

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

const earthRadiusMeters = 6371008.8

// StoredGeohashPrecision is the precision subjects are indexed at
const StoredGeohashPrecision = 7

// minimum cell edge in meters for geohash precisions 1..7
var cellEdgeMeters = []float64{
	0, 4992600, 624100, 156000, 19500, 4890, 610, 153,
}

// Geohash encodes a point at the stored precision
func Geohash(lat, lng float64) string {
	return geohash.EncodeWithPrecision(lat, lng, StoredGeohashPrecision)
}

// CellPrecision returns the finest geohash precision whose cells are at least
// radius meters on their shortest edge, so a cell plus its eight neighbors
// covers the search circle.
func CellPrecision(radiusMeters float64) uint {
	for p := StoredGeohashPrecision; p > 1; p-- {
		if cellEdgeMeters[p] >= radiusMeters {
			return uint(p)
		}
	}
	return 1
}

// SearchCells returns the cell containing the point and its neighbors at the
// precision required for radius.
func SearchCells(lat, lng, radiusMeters float64) []string {
	center := geohash.EncodeWithPrecision(lat, lng, CellPrecision(radiusMeters))
	return append([]string{center}, geohash.Neighbors(center)...)
}

// HaversineMeters is the great-circle distance between two points
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}
