// Package calibration orchestrates the fit of a photographed map against
// confirmed pixel↔geodetic correspondence pairs. It owns the tangent-plane
// origin, runs the robust fitter over the active pairs, optionally layers
// a thin-plate-spline local warp on top of the base model, and exposes
// projection in both directions together with residual error metrics.
//
// A calibration moves through three states: NoPairs until a fit succeeds,
// Fitted once a base model exists, and FittedWithTPS while a spline
// refinement is enabled. Each instance is owned by a single logical
// session; there is no internal locking.
package calibration

import (
	"errors"

	"github.com/google/uuid"

	"github.com/banshee-data/mapfix/internal/geodetic"
	"github.com/banshee-data/mapfix/internal/robust"
	"github.com/banshee-data/mapfix/internal/transform"
)

var (
	// ErrInsufficientCorrespondences indicates fewer than two active
	// pairs at fit time.
	ErrInsufficientCorrespondences = errors.New("fewer than two active correspondence pairs")
	// ErrNotFitted indicates projection was attempted before a
	// successful fit.
	ErrNotFitted = errors.New("no fitted model")
	// ErrOriginNotSet indicates a geodetic operation before any pair has
	// fixed the tangent-plane origin.
	ErrOriginNotSet = errors.New("tangent-plane origin not set")
)

// State identifies the calibration lifecycle stage.
type State string

const (
	StateNoPairs       State = "no_pairs"
	StateFitted        State = "fitted"
	StateFittedWithTPS State = "fitted_with_tps"
)

// Pair is one human-confirmed pixel↔geodetic correspondence. Geodetic is
// the source of truth; the local ENU coordinate is always derived from it
// and the calibration origin at fit time, never stored authoritatively.
type Pair struct {
	ID       string          `json:"id"`
	Pixel    transform.Point `json:"pixel"`
	Geodetic geodetic.Point  `json:"geodetic"`
	Active   bool            `json:"active"`
}

// Calibration aggregates the correspondence set and fitted model for one
// map.
type Calibration struct {
	pairs  []Pair
	origin *geodetic.Point

	base    *transform.Model
	inverse *transform.Model
	tps     *TPS
	result  *robust.Result
	rmse    float64

	// fitPairs are the pixel→ENU correspondences of the last fit, in
	// pair order, kept for residual and local-error queries.
	fitPairs []transform.Pair
}

// New returns an empty calibration in the NoPairs state.
func New() *Calibration {
	return &Calibration{}
}

// State reports the current lifecycle stage.
func (c *Calibration) State() State {
	switch {
	case c.base == nil:
		return StateNoPairs
	case c.tps != nil:
		return StateFittedWithTPS
	default:
		return StateFitted
	}
}

// Origin returns the tangent-plane anchor, or false if no pair has fixed
// it yet.
func (c *Calibration) Origin() (geodetic.Point, bool) {
	if c.origin == nil {
		return geodetic.Point{}, false
	}
	return *c.origin, true
}

// Pairs returns a copy of the correspondence list.
func (c *Calibration) Pairs() []Pair {
	return append([]Pair(nil), c.pairs...)
}

// AddPair appends a confirmed correspondence and returns it with its
// assigned ID. The first pair fixes the tangent-plane origin; the origin
// is immutable for the life of the calibration thereafter.
func (c *Calibration) AddPair(pixel transform.Point, geo geodetic.Point) Pair {
	p := Pair{
		ID:       uuid.NewString(),
		Pixel:    pixel,
		Geodetic: geo,
		Active:   true,
	}
	if c.origin == nil {
		origin := geo
		c.origin = &origin
	}
	c.pairs = append(c.pairs, p)
	return p
}

// SetPairs replaces the correspondence list wholesale (bulk load from
// storage). Pairs without IDs are assigned one. The origin, if unset, is
// fixed from the first pair.
func (c *Calibration) SetPairs(pairs []Pair) {
	c.pairs = append([]Pair(nil), pairs...)
	for i := range c.pairs {
		if c.pairs[i].ID == "" {
			c.pairs[i].ID = uuid.NewString()
		}
	}
	if c.origin == nil && len(c.pairs) > 0 {
		origin := c.pairs[0].Geodetic
		c.origin = &origin
	}
}

// SetPairActive marks a pair active or inactive by ID. Inactive pairs are
// excluded from fitting but remain in the list. Returns false if the ID
// is unknown.
func (c *Calibration) SetPairActive(id string, active bool) bool {
	for i := range c.pairs {
		if c.pairs[i].ID == id {
			c.pairs[i].Active = active
			return true
		}
	}
	return false
}

// RemovePair deletes a pair by ID. Returns false if the ID is unknown.
func (c *Calibration) RemovePair(id string) bool {
	for i := range c.pairs {
		if c.pairs[i].ID == id {
			c.pairs = append(c.pairs[:i], c.pairs[i+1:]...)
			return true
		}
	}
	return false
}

// activeCorrespondences projects the active pairs into pixel→ENU
// correspondences against the current origin.
func (c *Calibration) activeCorrespondences() []transform.Pair {
	if c.origin == nil {
		return nil
	}
	var out []transform.Pair
	for _, p := range c.pairs {
		if !p.Active {
			continue
		}
		local := geodetic.ToLocal(p.Geodetic, *c.origin)
		out = append(out, transform.Pair{
			Src: p.Pixel,
			Dst: transform.Point{X: local.X, Y: local.Y},
		})
	}
	return out
}

// Fit projects the active pairs to local coordinates and runs the robust
// fitter. On success the base model, inlier set and RMSE are stored and
// the calibration transitions to Fitted; an enabled TPS refinement is
// discarded because its control points no longer match the new model.
func (c *Calibration) Fit(cfg robust.Config) error {
	if c.origin == nil {
		return ErrOriginNotSet
	}
	corr := c.activeCorrespondences()
	if len(corr) < 2 {
		return ErrInsufficientCorrespondences
	}

	result, err := robust.Fit(corr, cfg)
	if err != nil {
		return err
	}

	inverse, err := transform.Invert(result.Model)
	if err != nil {
		return err
	}

	c.base = &result.Model
	c.inverse = &inverse
	c.result = result
	c.fitPairs = corr
	c.tps = nil
	c.rmse = result.RMSE
	return nil
}

// Result returns the robust-fit output of the last successful Fit, or nil
// before one.
func (c *Calibration) Result() *robust.Result {
	return c.result
}

// RMSE returns the stored root-mean-square residual of the current
// projection path (base model, plus TPS while enabled), in metres.
func (c *Calibration) RMSE() float64 {
	return c.rmse
}

// EnableTPS fits a thin-plate-spline warp over the inlier pixel
// coordinates, targeting the base-model-space positions obtained through
// the inverse base model, with lambda as the ridge weight on the kernel
// diagonal. Requires a fitted base model. A spline that cannot be fitted
// (fewer than three inliers, or a singular system) leaves the calibration
// in the Fitted state with the base model as fallback; this is not an
// error.
func (c *Calibration) EnableTPS(lambda float64) error {
	if c.base == nil {
		return ErrNotFitted
	}

	var controls, targets []transform.Point
	for _, idx := range c.result.Inliers {
		pr := c.fitPairs[idx]
		// Target is the pixel position that the base model would map
		// exactly onto the pair's observed ENU coordinate.
		want, err := transform.Apply(*c.inverse, pr.Dst)
		if err != nil {
			continue
		}
		controls = append(controls, pr.Src)
		targets = append(targets, want)
	}

	c.tps = fitTPS(controls, targets, lambda)
	c.recomputeRMSE()
	return nil
}

// DisableTPS discards the spline refinement and returns to the plain
// base-model projection path. The base model is untouched.
func (c *Calibration) DisableTPS() {
	c.tps = nil
	c.recomputeRMSE()
}

// warpPixel applies the TPS correction when enabled, otherwise the
// identity.
func (c *Calibration) warpPixel(p transform.Point) transform.Point {
	if c.tps == nil {
		return p
	}
	return c.tps.Warp(p)
}

// projectToLocal runs the forward projection path down to ENU metres.
func (c *Calibration) projectToLocal(pixel transform.Point) (transform.Point, error) {
	if c.base == nil {
		return transform.Point{}, ErrNotFitted
	}
	return transform.Apply(*c.base, c.warpPixel(pixel))
}

// ProjectForward maps a map pixel to a geodetic position: TPS warp first
// (when enabled), then the base model into ENU, then the tangent-plane
// inverse.
func (c *Calibration) ProjectForward(pixel transform.Point) (geodetic.Point, error) {
	if c.base == nil {
		return geodetic.Point{}, ErrNotFitted
	}
	if c.origin == nil {
		return geodetic.Point{}, ErrOriginNotSet
	}
	local, err := c.projectToLocal(pixel)
	if err != nil {
		return geodetic.Point{}, err
	}
	return geodetic.FromLocal(geodetic.ENU{X: local.X, Y: local.Y}, *c.origin), nil
}

// ProjectInverse maps a geodetic position to a map pixel through the
// inverse base model. The TPS refinement is not invertible and is
// bypassed here: forward and inverse projection are deliberately
// asymmetric while a spline is enabled.
func (c *Calibration) ProjectInverse(geo geodetic.Point) (transform.Point, error) {
	if c.base == nil {
		return transform.Point{}, ErrNotFitted
	}
	if c.origin == nil {
		return transform.Point{}, ErrOriginNotSet
	}
	local := geodetic.ToLocal(geo, *c.origin)
	return transform.Apply(*c.inverse, transform.Point{X: local.X, Y: local.Y})
}

// Scale returns the approximate linear scale of the calibration in
// pixels per ENU metre, from the Frobenius norm of the inverse model's
// leading 2×2 block. Converts a metres-radius uncertainty into an
// on-screen pixel radius.
func (c *Calibration) Scale() (float64, error) {
	if c.inverse == nil {
		return 0, ErrNotFitted
	}
	return transform.LinearScale(*c.inverse), nil
}

// currentResiduals measures every fit pair against the active projection
// path (TPS included when enabled), in metres.
func (c *Calibration) currentResiduals() []float64 {
	out := make([]float64, len(c.fitPairs))
	for i, pr := range c.fitPairs {
		proj, err := c.projectToLocal(pr.Src)
		if err != nil {
			out[i] = 0
			continue
		}
		out[i] = proj.Dist(pr.Dst)
	}
	return out
}

func (c *Calibration) recomputeRMSE() {
	if c.base == nil {
		c.rmse = 0
		return
	}
	c.rmse = GlobalRMSE(c.currentResiduals())
}

// LocalRMSE estimates the expected projection error near the given map
// pixel: an inverse-distance-weighted RMSE over the fit pairs, giving
// nearby correspondences more influence. Distances are measured in ENU
// metres after projecting the query pixel through the current path.
// Returns 0 when nothing has been fitted.
func (c *Calibration) LocalRMSE(pixel transform.Point) float64 {
	if c.base == nil || len(c.fitPairs) == 0 {
		return 0
	}
	query, err := c.projectToLocal(pixel)
	if err != nil {
		return 0
	}

	projected := make([]transform.Point, len(c.fitPairs))
	for i, pr := range c.fitPairs {
		p, err := c.projectToLocal(pr.Src)
		if err != nil {
			p = pr.Dst
		}
		projected[i] = p
	}
	return LocalRMSE(query, projected, c.currentResiduals())
}

// Heatmap evaluates LocalRMSE at each sample pixel, in input order.
func (c *Calibration) Heatmap(samples []transform.Point) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = c.LocalRMSE(s)
	}
	return out
}
