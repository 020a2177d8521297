// Package geodetic converts between geodetic coordinates (WGS84 latitude
// and longitude) and a local East-North-Up tangent plane anchored at a
// calibration origin. The ENU plane is the working frame for transform
// fitting: within a few tens of kilometres of the origin it is flat to
// sub-millimetre accuracy, so 2D pixel-to-metre models apply directly.
package geodetic

import "math"

// WGS84 ellipsoid constants.
const (
	SemiMajorAxis = 6378137.0           // metres
	Flattening    = 1 / 298.257223563   // dimensionless
	eccSquared    = Flattening * (2 - Flattening)
)

// geodeticIterations is the fixed iteration count for the ECEF→geodetic
// inverse. Five iterations converge to ~1e-9 degrees for terrestrial
// altitudes.
const geodeticIterations = 5

// Point is a geodetic position in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ENU is a position on the local tangent plane in metres. X is
// east-positive, Y is north-positive.
type ENU struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Valid reports whether the point is within the latitude/longitude domain.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// toECEF converts a geodetic position at the given altitude (metres) to
// Earth-Centred-Earth-Fixed Cartesian coordinates.
func toECEF(lat, lon, alt float64) (x, y, z float64) {
	latRad := lat * math.Pi / 180
	lonRad := lon * math.Pi / 180

	sinLat := math.Sin(latRad)
	cosLat := math.Cos(latRad)

	// Prime vertical radius of curvature.
	n := SemiMajorAxis / math.Sqrt(1-eccSquared*sinLat*sinLat)

	x = (n + alt) * cosLat * math.Cos(lonRad)
	y = (n + alt) * cosLat * math.Sin(lonRad)
	z = (n*(1-eccSquared) + alt) * sinLat
	return x, y, z
}

// fromECEF converts ECEF Cartesian coordinates back to geodetic degrees
// using a fixed-iteration latitude refinement.
func fromECEF(x, y, z float64) Point {
	lonRad := math.Atan2(y, x)

	p := math.Hypot(x, y)
	// Initial latitude estimate ignoring ellipsoid height.
	latRad := math.Atan2(z, p*(1-eccSquared))

	for i := 0; i < geodeticIterations; i++ {
		sinLat := math.Sin(latRad)
		n := SemiMajorAxis / math.Sqrt(1-eccSquared*sinLat*sinLat)
		alt := p/math.Cos(latRad) - n
		latRad = math.Atan2(z, p*(1-eccSquared*n/(n+alt)))
	}

	return Point{
		Lat: latRad * 180 / math.Pi,
		Lon: lonRad * 180 / math.Pi,
	}
}

// ToLocal projects a geodetic point onto the ENU tangent plane anchored at
// origin. The up component is discarded: map calibration treats the map as
// a flat sheet.
func ToLocal(p, origin Point) ENU {
	if p == origin {
		return ENU{}
	}

	px, py, pz := toECEF(p.Lat, p.Lon, 0)
	ox, oy, oz := toECEF(origin.Lat, origin.Lon, 0)

	dx := px - ox
	dy := py - oy
	dz := pz - oz

	latRad := origin.Lat * math.Pi / 180
	lonRad := origin.Lon * math.Pi / 180
	sinLat, cosLat := math.Sin(latRad), math.Cos(latRad)
	sinLon, cosLon := math.Sin(lonRad), math.Cos(lonRad)

	east := -sinLon*dx + cosLon*dy
	north := -sinLat*cosLon*dx - sinLat*sinLon*dy + cosLat*dz

	return ENU{X: east, Y: north}
}

// FromLocal is the inverse of ToLocal: it lifts an ENU offset back to a
// geodetic point. The round trip FromLocal(ToLocal(p, o), o) agrees with p
// to better than 1e-4 degrees for points within a continent of the origin;
// exact equality is not guaranteed because the ECEF→geodetic conversion is
// iterative.
func FromLocal(e ENU, origin Point) Point {
	if e.X == 0 && e.Y == 0 {
		return origin
	}

	ox, oy, oz := toECEF(origin.Lat, origin.Lon, 0)

	latRad := origin.Lat * math.Pi / 180
	lonRad := origin.Lon * math.Pi / 180
	sinLat, cosLat := math.Sin(latRad), math.Cos(latRad)
	sinLon, cosLon := math.Sin(lonRad), math.Cos(lonRad)

	// Up component is zero: the inverse of the tangent-plane projection
	// with the map treated as a flat sheet at ellipsoid height.
	dx := -sinLon*e.X - sinLat*cosLon*e.Y
	dy := cosLon*e.X - sinLat*sinLon*e.Y
	dz := cosLat * e.Y

	return fromECEF(ox+dx, oy+dy, oz+dz)
}

// Haversine returns the great-circle distance in metres between two
// geodetic points, using the WGS84 semi-major axis as the sphere radius.
// Useful as a sanity check against ENU distances.
func Haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * SemiMajorAxis * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
