// Package position turns live GPS fixes into on-map pixel positions with
// an honest uncertainty estimate. The projector combines the receiver's
// own accuracy figure with the calibration's local error level; the
// tracker runs the long-lived loop from raw NMEA lines to published
// positions.
package position

import (
	"errors"
	"math"
	"sync"

	"github.com/banshee-data/mapfix/internal/calibration"
	"github.com/banshee-data/mapfix/internal/geodetic"
	"github.com/banshee-data/mapfix/internal/gps"
	"github.com/banshee-data/mapfix/internal/transform"
)

// ErrNoCalibration indicates the projector has no fitted calibration to
// project against.
var ErrNoCalibration = errors.New("no calibration attached")

// DefaultAccuracy is the horizontal error in metres assumed for fixes
// whose sentence carried no dilution figure.
const DefaultAccuracy = 10.0

// Position is a GPS fix projected onto the calibrated map.
type Position struct {
	Fix   gps.Fix         `json:"fix"`
	Pixel transform.Point `json:"pixel"`
	// SigmaMap is the calibration's local RMSE at the projected pixel, in
	// metres.
	SigmaMap float64 `json:"sigma_map_m"`
	// SigmaTotal combines receiver accuracy and map error in quadrature:
	// sqrt(accuracy² + sigmaMap²), in metres.
	SigmaTotal float64 `json:"sigma_total_m"`
	// PixelRadius is SigmaTotal converted to map pixels through the
	// calibration scale, for drawing the uncertainty circle.
	PixelRadius float64 `json:"pixel_radius"`
}

// Projector projects fixes through a calibration. The calibration can be
// swapped while subscribers are live; access is serialised here because
// the calibration itself carries no locking.
type Projector struct {
	mu  sync.RWMutex
	cal *calibration.Calibration
}

// NewProjector returns a projector over the given calibration, which may
// be nil until one is attached.
func NewProjector(cal *calibration.Calibration) *Projector {
	return &Projector{cal: cal}
}

// SetCalibration swaps the calibration used for subsequent projections.
func (p *Projector) SetCalibration(cal *calibration.Calibration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cal = cal
}

// Project maps a fix onto the calibrated map. A fix without an accuracy
// figure is assumed to be DefaultAccuracy metres. The total uncertainty
// never falls below the receiver accuracy: a perfect map cannot make a
// noisy fix precise.
func (p *Projector) Project(fix gps.Fix) (Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.cal == nil {
		return Position{}, ErrNoCalibration
	}

	pixel, err := p.cal.ProjectInverse(geodetic.Point{Lat: fix.Lat, Lon: fix.Lon})
	if err != nil {
		return Position{}, err
	}

	accuracy := fix.Accuracy
	if accuracy <= 0 {
		accuracy = DefaultAccuracy
	}
	sigmaMap := p.cal.LocalRMSE(pixel)
	sigmaTotal := math.Sqrt(accuracy*accuracy + sigmaMap*sigmaMap)

	scale, err := p.cal.Scale()
	if err != nil {
		return Position{}, err
	}

	out := Position{
		Fix:        fix,
		Pixel:      pixel,
		SigmaMap:   sigmaMap,
		SigmaTotal: sigmaTotal,
	}
	out.Fix.Accuracy = accuracy
	out.PixelRadius = sigmaTotal * scale
	return out, nil
}
