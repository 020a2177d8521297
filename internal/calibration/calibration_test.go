package calibration

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mapfix/internal/geodetic"
	"github.com/banshee-data/mapfix/internal/robust"
	"github.com/banshee-data/mapfix/internal/transform"
)

var testOrigin = geodetic.Point{Lat: 47.3769, Lon: 8.5417}

// trueModel maps map pixels to ENU metres: roughly 2 m per pixel with a
// slight shear. The translation puts pixel (100,100) at local (0,0), so a
// calibration whose first pair is that pixel anchors its tangent plane at
// testOrigin and derived ENU coordinates match trueModel's output.
var trueModel = transform.Model{
	Type: transform.TypeAffine,
	A:    2, B: 0.1, C: -0.05, D: 2.1, TX: -210, TY: -205,
}

// buildCalibration creates a calibration with pairs generated exactly by
// trueModel at the given pixels, with geodetic positions derived through
// the tangent plane at testOrigin.
func buildCalibration(t *testing.T, pixels []transform.Point) *Calibration {
	t.Helper()
	c := New()
	for _, px := range pixels {
		local, err := transform.Apply(trueModel, px)
		require.NoError(t, err)
		geo := geodetic.FromLocal(geodetic.ENU{X: local.X, Y: local.Y}, testOrigin)
		c.AddPair(px, geo)
	}
	return c
}

func seeded(seed int64) func() float64 {
	r := rand.New(rand.NewSource(seed))
	return r.Float64
}

func fitCfg() robust.Config {
	return robust.Config{ModelType: transform.TypeAffine, Rand: seeded(11)}
}

func TestStateMachine(t *testing.T) {
	c := New()
	assert.Equal(t, StateNoPairs, c.State())

	pixels := []transform.Point{{X: 100, Y: 100}, {X: 500, Y: 120}, {X: 150, Y: 600}, {X: 480, Y: 550}, {X: 300, Y: 300}}
	c = buildCalibration(t, pixels)
	assert.Equal(t, StateNoPairs, c.State(), "adding pairs alone must not change state")

	require.NoError(t, c.Fit(fitCfg()))
	assert.Equal(t, StateFitted, c.State())

	require.NoError(t, c.EnableTPS(0.1))
	assert.Equal(t, StateFittedWithTPS, c.State())

	c.DisableTPS()
	assert.Equal(t, StateFitted, c.State())
}

func TestFirstPairFixesOrigin(t *testing.T) {
	c := New()
	_, ok := c.Origin()
	assert.False(t, ok)

	first := geodetic.Point{Lat: 51.0, Lon: 7.0}
	c.AddPair(transform.Point{X: 10, Y: 10}, first)
	origin, ok := c.Origin()
	require.True(t, ok)
	assert.Equal(t, first, origin)

	// Later pairs must not move the origin.
	c.AddPair(transform.Point{X: 20, Y: 20}, geodetic.Point{Lat: 52.0, Lon: 8.0})
	origin, _ = c.Origin()
	assert.Equal(t, first, origin)
}

func TestFitInsufficientCorrespondences(t *testing.T) {
	c := New()
	err := c.Fit(fitCfg())
	assert.ErrorIs(t, err, ErrOriginNotSet)

	c.AddPair(transform.Point{X: 1, Y: 1}, geodetic.Point{Lat: 47, Lon: 8})
	err = c.Fit(fitCfg())
	assert.ErrorIs(t, err, ErrInsufficientCorrespondences)
}

func TestInactivePairsExcludedFromFit(t *testing.T) {
	pixels := []transform.Point{{X: 100, Y: 100}, {X: 500, Y: 120}, {X: 150, Y: 600}, {X: 480, Y: 550}}
	c := buildCalibration(t, pixels)

	pairs := c.Pairs()
	require.Len(t, pairs, 4)
	require.True(t, c.SetPairActive(pairs[3].ID, false))
	require.True(t, c.SetPairActive(pairs[2].ID, false))
	require.True(t, c.SetPairActive(pairs[1].ID, false))

	// Only one active pair left.
	assert.ErrorIs(t, c.Fit(fitCfg()), ErrInsufficientCorrespondences)

	require.True(t, c.SetPairActive(pairs[1].ID, true))
	require.True(t, c.SetPairActive(pairs[2].ID, true))
	require.NoError(t, c.Fit(fitCfg()))
}

func TestProjectionRoundTrip(t *testing.T) {
	pixels := []transform.Point{{X: 100, Y: 100}, {X: 500, Y: 120}, {X: 150, Y: 600}, {X: 480, Y: 550}, {X: 300, Y: 300}}
	c := buildCalibration(t, pixels)
	require.NoError(t, c.Fit(fitCfg()))
	assert.Less(t, c.RMSE(), 1e-3, "exact correspondences should fit with near-zero RMSE")

	// Forward projection of a fit pixel must land on the pair's geodetic
	// position to ~1e-4 degrees.
	for i, px := range pixels {
		geo, err := c.ProjectForward(px)
		require.NoError(t, err)
		want := c.Pairs()[i].Geodetic
		assert.InDelta(t, want.Lat, geo.Lat, 1e-4, "pair %d lat", i)
		assert.InDelta(t, want.Lon, geo.Lon, 1e-4, "pair %d lon", i)
	}

	// Inverse projection undoes forward projection to sub-pixel accuracy.
	probe := transform.Point{X: 250, Y: 420}
	geo, err := c.ProjectForward(probe)
	require.NoError(t, err)
	back, err := c.ProjectInverse(geo)
	require.NoError(t, err)
	assert.Less(t, back.Dist(probe), 0.5)
}

func TestProjectionBeforeFitFails(t *testing.T) {
	c := New()
	_, err := c.ProjectForward(transform.Point{X: 1, Y: 1})
	assert.ErrorIs(t, err, ErrNotFitted)
	_, err = c.ProjectInverse(geodetic.Point{Lat: 47, Lon: 8})
	assert.ErrorIs(t, err, ErrNotFitted)
	_, err = c.Scale()
	assert.ErrorIs(t, err, ErrNotFitted)
	assert.True(t, errors.Is(c.EnableTPS(0), ErrNotFitted))
}

func TestScale(t *testing.T) {
	pixels := []transform.Point{{X: 100, Y: 100}, {X: 500, Y: 120}, {X: 150, Y: 600}, {X: 480, Y: 550}}
	c := buildCalibration(t, pixels)
	require.NoError(t, c.Fit(fitCfg()))

	// trueModel is ~2 metres per pixel, so the inverse scale should be
	// close to 0.5 pixels per metre.
	scale, err := c.Scale()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, scale, 0.05)
}

func TestTPSRefinementReducesResiduals(t *testing.T) {
	pixels := []transform.Point{{X: 100, Y: 100}, {X: 500, Y: 120}, {X: 150, Y: 600}, {X: 480, Y: 550}, {X: 300, Y: 300}, {X: 420, Y: 260}}
	c := buildCalibration(t, pixels)

	// Warp one pair's geodetic position by ~15 m: enough to leave a
	// visible residual, small enough to stay inside the inlier band.
	pairs := c.Pairs()
	local := geodetic.ToLocal(pairs[4].Geodetic, testOrigin)
	moved := geodetic.FromLocal(geodetic.ENU{X: local.X + 12, Y: local.Y - 9}, testOrigin)
	pairs[4].Geodetic = moved
	c.SetPairs(pairs)

	require.NoError(t, c.Fit(fitCfg()))
	before := c.RMSE()
	assert.Greater(t, before, 1.0, "distorted pair should leave residual error")

	require.NoError(t, c.EnableTPS(0))
	require.Equal(t, StateFittedWithTPS, c.State())
	after := c.RMSE()
	assert.Less(t, after, before, "interpolating spline must reduce stored RMSE")

	// Disabling restores the un-refined error level.
	c.DisableTPS()
	assert.InDelta(t, before, c.RMSE(), 1e-9)
}

func TestTPSFallsBackSilentlyWithTwoInliers(t *testing.T) {
	// Two pairs fit a similarity; two inliers are below the spline's
	// three-control-point minimum, so TPS quietly stays off.
	pixels := []transform.Point{{X: 100, Y: 100}, {X: 500, Y: 120}}
	c := buildCalibration(t, pixels)
	require.NoError(t, c.Fit(robust.Config{ModelType: transform.TypeSimilarity, Rand: seeded(5)}))

	require.NoError(t, c.EnableTPS(0.5))
	assert.Equal(t, StateFitted, c.State())
}

func TestLocalRMSEIncreasesNearOutlier(t *testing.T) {
	pixels := []transform.Point{{X: 100, Y: 100}, {X: 500, Y: 120}, {X: 150, Y: 600}, {X: 480, Y: 550}}
	clean := buildCalibration(t, pixels)
	require.NoError(t, clean.Fit(fitCfg()))

	noisy := buildCalibration(t, pixels)
	// A grossly wrong pair near pixel (300,300).
	noisy.AddPair(transform.Point{X: 300, Y: 300}, geodetic.Point{Lat: testOrigin.Lat + 0.1, Lon: testOrigin.Lon + 0.1})
	require.NoError(t, noisy.Fit(fitCfg()))

	query := transform.Point{X: 310, Y: 290}
	assert.Greater(t, noisy.LocalRMSE(query), clean.LocalRMSE(query),
		"outlier near the query point must raise the local error estimate")
}

func TestHeatmapOrderMatchesSamples(t *testing.T) {
	pixels := []transform.Point{{X: 100, Y: 100}, {X: 500, Y: 120}, {X: 150, Y: 600}, {X: 480, Y: 550}}
	c := buildCalibration(t, pixels)
	require.NoError(t, c.Fit(fitCfg()))

	samples := []transform.Point{{X: 100, Y: 100}, {X: 300, Y: 300}, {X: 600, Y: 600}}
	heat := c.Heatmap(samples)
	require.Len(t, heat, len(samples))
	for i, s := range samples {
		assert.InDelta(t, c.LocalRMSE(s), heat[i], 1e-12, "sample %d", i)
	}
}

func TestRemovePair(t *testing.T) {
	c := buildCalibration(t, []transform.Point{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}})
	pairs := c.Pairs()
	require.True(t, c.RemovePair(pairs[1].ID))
	assert.Len(t, c.Pairs(), 2)
	assert.False(t, c.RemovePair("not-an-id"))
}

func TestRefitDiscardsTPS(t *testing.T) {
	pixels := []transform.Point{{X: 100, Y: 100}, {X: 500, Y: 120}, {X: 150, Y: 600}, {X: 480, Y: 550}, {X: 300, Y: 300}}
	c := buildCalibration(t, pixels)
	require.NoError(t, c.Fit(fitCfg()))
	require.NoError(t, c.EnableTPS(0.1))
	require.Equal(t, StateFittedWithTPS, c.State())

	// A refit invalidates the spline control points.
	require.NoError(t, c.Fit(fitCfg()))
	assert.Equal(t, StateFitted, c.State())
}

func TestForwardProjectionUsesTPSInverseDoesNot(t *testing.T) {
	pixels := []transform.Point{{X: 100, Y: 100}, {X: 500, Y: 120}, {X: 150, Y: 600}, {X: 480, Y: 550}, {X: 300, Y: 300}, {X: 420, Y: 260}}
	c := buildCalibration(t, pixels)

	pairs := c.Pairs()
	local := geodetic.ToLocal(pairs[4].Geodetic, testOrigin)
	moved := geodetic.FromLocal(geodetic.ENU{X: local.X + 12, Y: local.Y - 9}, testOrigin)
	pairs[4].Geodetic = moved
	c.SetPairs(pairs)
	require.NoError(t, c.Fit(fitCfg()))

	geo := pairs[4].Geodetic
	invBefore, err := c.ProjectInverse(geo)
	require.NoError(t, err)
	fwdBefore, err := c.ProjectForward(pairs[4].Pixel)
	require.NoError(t, err)

	require.NoError(t, c.EnableTPS(0))

	// Forward projection changes when the spline is enabled...
	fwdAfter, err := c.ProjectForward(pairs[4].Pixel)
	require.NoError(t, err)
	movedBy := math.Hypot(fwdAfter.Lat-fwdBefore.Lat, fwdAfter.Lon-fwdBefore.Lon)
	assert.Greater(t, movedBy, 0.0)

	// ...while inverse projection bypasses it entirely.
	invAfter, err := c.ProjectInverse(geo)
	require.NoError(t, err)
	assert.InDelta(t, invBefore.X, invAfter.X, 1e-12)
	assert.InDelta(t, invBefore.Y, invAfter.Y, 1e-12)
}
