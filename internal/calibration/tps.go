package calibration

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/mapfix/internal/transform"
)

// TPS is a fitted thin-plate-spline warp: an affine part plus a weighted
// sum of radial basis contributions from each control point. It corrects
// local distortion (paper warp, lens curvature) that the global base
// model cannot express.
type TPS struct {
	controls []transform.Point
	// wx and wy each hold n radial weights followed by the 3 affine
	// coefficients (constant, x, y) for their output axis.
	wx, wy []float64
	lambda float64
}

// tpsKernel is the thin-plate radial basis U(r) = r²·ln r, with U(0) = 0
// by convention.
func tpsKernel(r float64) float64 {
	if r == 0 {
		return 0
	}
	return r * r * math.Log(r)
}

// fitTPS solves the (n+3)×(n+3) spline system mapping controls to
// targets. lambda is added to the kernel diagonal as a ridge weight:
// larger values trade interpolation exactness for smoothness. Returns
// nil when fewer than three control points are given or the system is
// singular; the caller falls back to the unrefined base model.
func fitTPS(controls, targets []transform.Point, lambda float64) *TPS {
	n := len(controls)
	if n < 3 || len(targets) != n {
		return nil
	}

	size := n + 3
	a := mat.NewDense(size, size, nil)
	bx := mat.NewVecDense(size, nil)
	by := mat.NewVecDense(size, nil)

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := tpsKernel(controls[i].Dist(controls[j]))
			if i == j {
				v += lambda
			}
			a.Set(i, j, v)
		}
		// Affine columns [1, x, y] and their symmetric rows.
		a.Set(i, n, 1)
		a.Set(i, n+1, controls[i].X)
		a.Set(i, n+2, controls[i].Y)
		a.Set(n, i, 1)
		a.Set(n+1, i, controls[i].X)
		a.Set(n+2, i, controls[i].Y)

		bx.SetVec(i, targets[i].X)
		by.SetVec(i, targets[i].Y)
	}

	// Exact square solve, not least squares: the system is square by
	// construction and singular only for degenerate control layouts.
	var lu mat.LU
	lu.Factorize(a)

	var wx, wy mat.VecDense
	if err := lu.SolveVecTo(&wx, false, bx); err != nil {
		return nil
	}
	if err := lu.SolveVecTo(&wy, false, by); err != nil {
		return nil
	}
	for i := 0; i < size; i++ {
		if math.IsNaN(wx.AtVec(i)) || math.IsNaN(wy.AtVec(i)) ||
			math.IsInf(wx.AtVec(i), 0) || math.IsInf(wy.AtVec(i), 0) {
			return nil
		}
	}

	return &TPS{
		controls: append([]transform.Point(nil), controls...),
		wx:       wx.RawVector().Data,
		wy:       wy.RawVector().Data,
		lambda:   lambda,
	}
}

// Warp evaluates the spline at p: affine part plus the kernel-weighted
// sum over all control points.
func (t *TPS) Warp(p transform.Point) transform.Point {
	n := len(t.controls)
	x := t.wx[n] + t.wx[n+1]*p.X + t.wx[n+2]*p.Y
	y := t.wy[n] + t.wy[n+1]*p.X + t.wy[n+2]*p.Y
	for i, c := range t.controls {
		u := tpsKernel(p.Dist(c))
		x += t.wx[i] * u
		y += t.wy[i] * u
	}
	return transform.Point{X: x, Y: y}
}

// ControlPointCount reports the number of spline control points.
func (t *TPS) ControlPointCount() int {
	return len(t.controls)
}
