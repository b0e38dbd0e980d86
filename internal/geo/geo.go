// Package geo answers containment and distance queries against polygonal
// geofences on the Earth's surface. Polygons are ordered (lat, lon) vertices;
// the closing edge from the last vertex back to the first is implicit.
package geo

import (
	"math"

	"encroachwatch/internal/model"
)

const EarthRadiusM = 6371000.0

// Distance returns the haversine great-circle distance in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// Contains runs a ray-casting parity test with a ray pointing toward
// increasing longitude. Edges are half-open in latitude, so a point on a
// west or south edge counts as inside and a point on an east or north edge
// as outside.
func Contains(lat, lon float64, polygon [][2]float64) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}
	inside := false
	for i := 0; i < n; i++ {
		y1, x1 := polygon[i][0], polygon[i][1]
		y2, x2 := polygon[(i+1)%n][0], polygon[(i+1)%n][1]
		if (y1 > lat) == (y2 > lat) {
			continue
		}
		xCross := (x2-x1)*(lat-y1)/(y2-y1) + x1
		if lon < xCross {
			inside = !inside
		}
	}
	return inside
}

// FirstContaining returns the id of the first geofence, in list order, whose
// polygon contains the point.
func FirstContaining(lat, lon float64, geofences []model.Geofence) (bool, string) {
	for _, gf := range geofences {
		if len(gf.Polygon) == 0 {
			continue
		}
		if Contains(lat, lon, gf.Polygon) {
			id := gf.ID
			if id == "" {
				id = gf.Name
			}
			return true, id
		}
	}
	return false, ""
}

// DistanceToBoundary is 0 for points inside the polygon, otherwise the
// smallest point-to-edge distance in meters. The closest point on each edge
// is found by projecting in degree space and clamping to the segment.
// A polygon with no vertices yields +Inf.
func DistanceToBoundary(lat, lon float64, polygon [][2]float64) float64 {
	if Contains(lat, lon, polygon) {
		return 0
	}
	n := len(polygon)
	if n == 0 {
		return math.Inf(1)
	}
	best := math.Inf(1)
	for i := 0; i < n; i++ {
		p1 := polygon[i]
		p2 := polygon[(i+1)%n]
		d := pointToSegment(lat, lon, p1[0], p1[1], p2[0], p2[1])
		if d < best {
			best = d
		}
	}
	return best
}

func pointToSegment(px, py, x1, y1, x2, y2 float64) float64 {
	dx := x2 - x1
	dy := y2 - y1
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return Distance(px, py, x1, y1)
	}
	t := ((px-x1)*dx + (py-y1)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return Distance(px, py, x1+t*dx, y1+t*dy)
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
