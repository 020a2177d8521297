package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Fit estimates a model of the given class from weighted correspondences.
// A nil weight slice means all pairs contribute equally; otherwise weights
// must match pairs in length and scale each pair's contribution to the
// least-squares system (the IRLS refit path uses this).
func Fit(t Type, pairs []Pair, weights []float64) (Model, error) {
	if weights != nil && len(weights) != len(pairs) {
		return Model{}, fmt.Errorf("weight count %d does not match pair count %d", len(weights), len(pairs))
	}
	switch t {
	case TypeSimilarity:
		return FitSimilarity(pairs, weights)
	case TypeAffine:
		return FitAffine(pairs, weights)
	case TypeHomography:
		return FitHomography(pairs, weights)
	default:
		return Model{}, ErrUnknownModelType
	}
}

// ComputeTransform fits the model class implied by the correspondence
// count: exactly 2 pairs give a similarity, exactly 3 an affine, 4 or
// more a homography.
func ComputeTransform(pairs []Pair) (Model, error) {
	switch {
	case len(pairs) < 2:
		return Model{}, ErrInsufficientPairs
	case len(pairs) == 2:
		return FitSimilarity(pairs, nil)
	case len(pairs) == 3:
		return FitAffine(pairs, nil)
	default:
		return FitHomography(pairs, nil)
	}
}

// FitSimilarity solves the 4-parameter linear form of the similarity
// transform by least squares:
//
//	x' =  a·x − b·y + tx
//	y' =  b·x + a·y + ty
//
// where a = s·cosθ and b = s·sinθ. This is the 2D Procrustes solution
// with uniform scale.
func FitSimilarity(pairs []Pair, weights []float64) (Model, error) {
	if len(pairs) < TypeSimilarity.MinPairs() {
		return Model{}, ErrInsufficientPairs
	}

	n := len(pairs)
	a := mat.NewDense(2*n, 4, nil)
	b := mat.NewVecDense(2*n, nil)
	for i, pr := range pairs {
		w := 1.0
		if weights != nil {
			w = math.Sqrt(weights[i])
		}
		a.Set(2*i, 0, w*pr.Src.X)
		a.Set(2*i, 1, -w*pr.Src.Y)
		a.Set(2*i, 2, w)
		b.SetVec(2*i, w*pr.Dst.X)

		a.Set(2*i+1, 0, w*pr.Src.Y)
		a.Set(2*i+1, 1, w*pr.Src.X)
		a.Set(2*i+1, 3, w)
		b.SetVec(2*i+1, w*pr.Dst.Y)
	}

	params, err := solveLeastSquares(a, b)
	if err != nil {
		return Model{}, err
	}

	sa, sb := params.AtVec(0), params.AtVec(1)
	m := Model{
		Type:  TypeSimilarity,
		A:     sa,
		B:     -sb,
		C:     sb,
		D:     sa,
		TX:    params.AtVec(2),
		TY:    params.AtVec(3),
		Scale: math.Hypot(sa, sb),
		Angle: math.Atan2(sb, sa),
	}
	return m, nil
}

// FitAffine solves the 6-parameter affine transform by least squares. The
// x and y rows decouple, but a single stacked system keeps the weighted
// path uniform with the other fits.
func FitAffine(pairs []Pair, weights []float64) (Model, error) {
	if len(pairs) < TypeAffine.MinPairs() {
		return Model{}, ErrInsufficientPairs
	}

	n := len(pairs)
	a := mat.NewDense(2*n, 6, nil)
	b := mat.NewVecDense(2*n, nil)
	for i, pr := range pairs {
		w := 1.0
		if weights != nil {
			w = math.Sqrt(weights[i])
		}
		a.Set(2*i, 0, w*pr.Src.X)
		a.Set(2*i, 1, w*pr.Src.Y)
		a.Set(2*i, 2, w)
		b.SetVec(2*i, w*pr.Dst.X)

		a.Set(2*i+1, 3, w*pr.Src.X)
		a.Set(2*i+1, 4, w*pr.Src.Y)
		a.Set(2*i+1, 5, w)
		b.SetVec(2*i+1, w*pr.Dst.Y)
	}

	params, err := solveLeastSquares(a, b)
	if err != nil {
		return Model{}, err
	}

	return Model{
		Type: TypeAffine,
		A:    params.AtVec(0),
		B:    params.AtVec(1),
		TX:   params.AtVec(2),
		C:    params.AtVec(3),
		D:    params.AtVec(4),
		TY:   params.AtVec(5),
	}, nil
}

// FitHomography estimates a projective transform via the normalised
// Direct Linear Transform: both point sets are translated to zero
// centroid and scaled to mean distance √2, the 2n×9 constraint matrix is
// factorised by SVD, and the singular vector of the smallest singular
// value is reshaped to 3×3 and de-normalised.
func FitHomography(pairs []Pair, weights []float64) (Model, error) {
	if len(pairs) < TypeHomography.MinPairs() {
		return Model{}, ErrInsufficientPairs
	}

	src := make([]Point, len(pairs))
	dst := make([]Point, len(pairs))
	for i, pr := range pairs {
		src[i] = pr.Src
		dst[i] = pr.Dst
	}

	normSrc, tSrc, err := normalizePoints(src)
	if err != nil {
		return Model{}, err
	}
	normDst, tDst, err := normalizePoints(dst)
	if err != nil {
		return Model{}, err
	}

	n := len(pairs)
	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		w := 1.0
		if weights != nil {
			w = math.Sqrt(weights[i])
		}
		x, y := normSrc[i].X, normSrc[i].Y
		u, v := normDst[i].X, normDst[i].Y

		a.Set(2*i, 3, -w*x)
		a.Set(2*i, 4, -w*y)
		a.Set(2*i, 5, -w)
		a.Set(2*i, 6, w*v*x)
		a.Set(2*i, 7, w*v*y)
		a.Set(2*i, 8, w*v)

		a.Set(2*i+1, 0, w*x)
		a.Set(2*i+1, 1, w*y)
		a.Set(2*i+1, 2, w)
		a.Set(2*i+1, 6, -w*u*x)
		a.Set(2*i+1, 7, -w*u*y)
		a.Set(2*i+1, 8, -w*u)
	}

	// Full SVD: with the minimal four pairs the system is 8×9 and the
	// null-space vector only appears in the full V factor.
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return Model{}, ErrDegenerate
	}

	values := svd.Values(nil)
	// The solution is the one-dimensional null direction of A. A collinear
	// configuration drops the rank below 8 and leaves a larger null space,
	// making the smallest singular vector arbitrary. The 8th singular
	// value flags this in both the minimal and overdetermined cases.
	if values[0] == 0 || values[7]/values[0] < 1e-10 {
		return Model{}, ErrDegenerate
	}

	var v mat.Dense
	svd.VTo(&v)
	h := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		h.Set(i/3, i%3, v.At(i, 8))
	}

	// De-normalise: H = T_dst⁻¹ · H̃ · T_src.
	var tDstInv mat.Dense
	if err := tDstInv.Inverse(tDst); err != nil {
		return Model{}, ErrDegenerate
	}
	var tmp, full mat.Dense
	tmp.Mul(h, tSrc)
	full.Mul(&tDstInv, &tmp)

	h9 := full.At(2, 2)
	if math.Abs(h9) < 1e-12 {
		return Model{}, ErrDegenerate
	}

	m := Model{Type: TypeHomography}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.H[r*3+c] = full.At(r, c) / h9
		}
	}
	return m, nil
}

// normalizePoints translates points to zero centroid and scales them to
// mean distance √2 from the origin, returning the transformed points and
// the 3×3 normalising matrix. Conditioning step of the DLT.
func normalizePoints(points []Point) ([]Point, *mat.Dense, error) {
	var cx, cy float64
	for _, p := range points {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(points))
	cy /= float64(len(points))

	var meanDist float64
	for _, p := range points {
		meanDist += math.Hypot(p.X-cx, p.Y-cy)
	}
	meanDist /= float64(len(points))
	if meanDist == 0 {
		return nil, nil, ErrDegenerate
	}

	s := math.Sqrt2 / meanDist
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = Point{X: s * (p.X - cx), Y: s * (p.Y - cy)}
	}

	t := mat.NewDense(3, 3, []float64{
		s, 0, -s * cx,
		0, s, -s * cy,
		0, 0, 1,
	})
	return out, t, nil
}

// solveLeastSquares solves the overdetermined system a·x = b via QR. A
// rank-deficient design matrix (coincident or collinear points) surfaces
// as ErrDegenerate.
func solveLeastSquares(a *mat.Dense, b *mat.VecDense) (*mat.VecDense, error) {
	var qr mat.QR
	qr.Factorize(a)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, b); err != nil {
		return nil, ErrDegenerate
	}
	for i := 0; i < params.Len(); i++ {
		if math.IsNaN(params.AtVec(i)) || math.IsInf(params.AtVec(i), 0) {
			return nil, ErrDegenerate
		}
	}
	return &params, nil
}
