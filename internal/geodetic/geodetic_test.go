package geodetic

import (
	"math"
	"testing"
)

func TestToLocalOriginIsExactlyZero(t *testing.T) {
	origin := Point{Lat: 51.5074, Lon: -0.1278}
	local := ToLocal(origin, origin)
	if local.X != 0 || local.Y != 0 {
		t.Errorf("origin must project to exactly (0,0), got (%v,%v)", local.X, local.Y)
	}
}

func TestToLocalAxes(t *testing.T) {
	origin := Point{Lat: 48.8566, Lon: 2.3522}

	// A point due north of the origin should land on the +Y axis.
	north := ToLocal(Point{Lat: origin.Lat + 0.01, Lon: origin.Lon}, origin)
	if math.Abs(north.X) > 1 {
		t.Errorf("due-north point should have ~zero east offset, got %v m", north.X)
	}
	if north.Y < 1000 || north.Y > 1300 {
		// 0.01 deg latitude is ~1.11 km.
		t.Errorf("due-north point at wrong distance: %v m", north.Y)
	}

	// A point due east should land on the +X axis.
	east := ToLocal(Point{Lat: origin.Lat, Lon: origin.Lon + 0.01}, origin)
	if math.Abs(east.Y) > 1 {
		t.Errorf("due-east point should have ~zero north offset, got %v m", east.Y)
	}
	if east.X < 600 || east.X > 900 {
		// 0.01 deg longitude at 48.9N is ~730 m.
		t.Errorf("due-east point at wrong distance: %v m", east.X)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		origin Point
		point  Point
	}{
		{"nearby", Point{Lat: 51.5074, Lon: -0.1278}, Point{Lat: 51.5080, Lon: -0.1290}},
		{"tens of km", Point{Lat: 40.7128, Lon: -74.0060}, Point{Lat: 40.9, Lon: -73.8}},
		{"hundreds of km", Point{Lat: 35.6762, Lon: 139.6503}, Point{Lat: 34.6937, Lon: 135.5023}},
		{"southern hemisphere", Point{Lat: -33.8688, Lon: 151.2093}, Point{Lat: -33.9, Lon: 151.3}},
		{"high latitude", Point{Lat: 69.6496, Lon: 18.9560}, Point{Lat: 69.7, Lon: 19.1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			back := FromLocal(ToLocal(tc.point, tc.origin), tc.origin)
			if math.Abs(back.Lat-tc.point.Lat) > 1e-4 {
				t.Errorf("latitude round trip off by %v deg", math.Abs(back.Lat-tc.point.Lat))
			}
			if math.Abs(back.Lon-tc.point.Lon) > 1e-4 {
				t.Errorf("longitude round trip off by %v deg", math.Abs(back.Lon-tc.point.Lon))
			}
		})
	}
}

func TestLocalDistanceMatchesHaversine(t *testing.T) {
	origin := Point{Lat: 51.5074, Lon: -0.1278}
	point := Point{Lat: 51.52, Lon: -0.10}

	local := ToLocal(point, origin)
	enuDist := math.Hypot(local.X, local.Y)
	hav := Haversine(origin, point)

	// Within ~2.5 km of the origin the flat-earth distance and the
	// great-circle distance should agree to well under a metre.
	if math.Abs(enuDist-hav) > 1 {
		t.Errorf("ENU distance %v m vs haversine %v m", enuDist, hav)
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		p    Point
		want bool
	}{
		{Point{Lat: 0, Lon: 0}, true},
		{Point{Lat: 90, Lon: 180}, true},
		{Point{Lat: -90, Lon: -180}, true},
		{Point{Lat: 91, Lon: 0}, false},
		{Point{Lat: 0, Lon: 181}, false},
	}
	for _, tc := range cases {
		if got := tc.p.Valid(); got != tc.want {
			t.Errorf("Valid(%+v) = %v, want %v", tc.p, got, tc.want)
		}
	}
}
