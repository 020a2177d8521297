package transform

import (
	"errors"
	"math"
	"testing"
)

// makePairs applies m to the given source points, producing exact
// correspondences for recovery tests.
func makePairs(t *testing.T, m Model, src []Point) []Pair {
	t.Helper()
	pairs := make([]Pair, len(src))
	for i, s := range src {
		d, err := Apply(m, s)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		pairs[i] = Pair{Src: s, Dst: d}
	}
	return pairs
}

// maxApplyError returns the largest distance between the fitted model's
// projection of each source point and the expected destination.
func maxApplyError(t *testing.T, m Model, pairs []Pair) float64 {
	t.Helper()
	worst := 0.0
	for _, pr := range pairs {
		got, err := Apply(m, pr.Src)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if d := got.Dist(pr.Dst); d > worst {
			worst = d
		}
	}
	return worst
}

func TestFitSimilarityExactRecovery(t *testing.T) {
	truth := Model{
		Type:  TypeSimilarity,
		A:     2 * math.Cos(0.3),
		B:     -2 * math.Sin(0.3),
		C:     2 * math.Sin(0.3),
		D:     2 * math.Cos(0.3),
		TX:    15,
		TY:    -7,
		Scale: 2,
		Angle: 0.3,
	}
	src := []Point{{0, 0}, {10, 0}, {3, 8}, {-5, 2}}
	pairs := makePairs(t, truth, src)

	got, err := FitSimilarity(pairs, nil)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if e := maxApplyError(t, got, pairs); e > 1e-6 {
		t.Errorf("reprojection error %v exceeds 1e-6", e)
	}
	if math.Abs(got.Scale-2) > 1e-9 {
		t.Errorf("scale = %v, want 2", got.Scale)
	}
	if math.Abs(got.Angle-0.3) > 1e-9 {
		t.Errorf("angle = %v, want 0.3", got.Angle)
	}
}

func TestFitSimilarityMinimalPairs(t *testing.T) {
	truth := Model{Type: TypeSimilarity, A: 1.5, B: 0, C: 0, D: 1.5, TX: 3, TY: 4, Scale: 1.5}
	pairs := makePairs(t, truth, []Point{{0, 0}, {10, 10}})

	got, err := FitSimilarity(pairs, nil)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if e := maxApplyError(t, got, pairs); e > 1e-6 {
		t.Errorf("reprojection error %v exceeds 1e-6", e)
	}
}

func TestFitAffineExactRecovery(t *testing.T) {
	truth := Model{Type: TypeAffine, A: 1.2, B: 0.3, C: -0.1, D: 0.9, TX: 40, TY: -12}
	src := []Point{{0, 0}, {100, 0}, {0, 100}, {40, 70}, {-20, 15}}
	pairs := makePairs(t, truth, src)

	got, err := FitAffine(pairs, nil)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if e := maxApplyError(t, got, pairs); e > 1e-6 {
		t.Errorf("reprojection error %v exceeds 1e-6", e)
	}
}

func TestFitHomographyExactRecovery(t *testing.T) {
	truth := Model{Type: TypeHomography, H: [9]float64{
		1.1, 0.05, 20,
		-0.04, 0.95, -10,
		1e-4, -5e-5, 1,
	}}
	src := []Point{{0, 0}, {200, 0}, {0, 150}, {200, 150}, {90, 60}, {150, 120}}
	pairs := makePairs(t, truth, src)

	got, err := FitHomography(pairs, nil)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	// Homography recovery goes through the normalisation round trip, so
	// the tolerance is relative and looser than the affine classes.
	worst := maxApplyError(t, got, pairs)
	if worst > 1e-4*200 {
		t.Errorf("reprojection error %v exceeds 1e-4 relative", worst)
	}
}

func TestFitHomographyMinimalPairs(t *testing.T) {
	truth := Model{Type: TypeHomography, H: [9]float64{
		2, 0.1, 5,
		-0.1, 1.8, 12,
		2e-4, 1e-4, 1,
	}}
	src := []Point{{0, 0}, {100, 0}, {0, 100}, {100, 100}}
	pairs := makePairs(t, truth, src)

	got, err := FitHomography(pairs, nil)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if e := maxApplyError(t, got, pairs); e > 1e-2 {
		t.Errorf("reprojection error %v too large for minimal exact fit", e)
	}
}

func TestComputeTransformSelectsByCount(t *testing.T) {
	truth := Model{Type: TypeAffine, A: 1, B: 0, C: 0, D: 1, TX: 5, TY: 5}
	src := []Point{{0, 0}, {10, 0}, {0, 10}, {10, 10}, {5, 5}}
	pairs := makePairs(t, truth, src)

	cases := []struct {
		count int
		want  Type
	}{
		{2, TypeSimilarity},
		{3, TypeAffine},
		{4, TypeHomography},
		{5, TypeHomography},
	}
	for _, tc := range cases {
		m, err := ComputeTransform(pairs[:tc.count])
		if err != nil {
			t.Fatalf("%d pairs: %v", tc.count, err)
		}
		if m.Type != tc.want {
			t.Errorf("%d pairs: got %s, want %s", tc.count, m.Type, tc.want)
		}
	}
}

func TestComputeTransformInsufficientPairs(t *testing.T) {
	for _, pairs := range [][]Pair{nil, {}, {{Src: Point{1, 1}, Dst: Point{2, 2}}}} {
		if _, err := ComputeTransform(pairs); !errors.Is(err, ErrInsufficientPairs) {
			t.Errorf("ComputeTransform(%d pairs): err = %v, want ErrInsufficientPairs", len(pairs), err)
		}
	}
}

func TestFitInsufficientPairs(t *testing.T) {
	pair := Pair{Src: Point{0, 0}, Dst: Point{1, 1}}
	cases := []struct {
		typ   Type
		count int
	}{
		{TypeSimilarity, 1},
		{TypeAffine, 2},
		{TypeHomography, 3},
	}
	for _, tc := range cases {
		pairs := make([]Pair, tc.count)
		for i := range pairs {
			pairs[i] = pair
		}
		if _, err := Fit(tc.typ, pairs, nil); !errors.Is(err, ErrInsufficientPairs) {
			t.Errorf("Fit(%s, %d pairs): err = %v, want ErrInsufficientPairs", tc.typ, tc.count, err)
		}
	}
}

func TestFitDegenerateConfigurations(t *testing.T) {
	coincident := []Pair{
		{Src: Point{5, 5}, Dst: Point{1, 1}},
		{Src: Point{5, 5}, Dst: Point{2, 2}},
		{Src: Point{5, 5}, Dst: Point{3, 3}},
		{Src: Point{5, 5}, Dst: Point{4, 4}},
	}
	if _, err := FitAffine(coincident[:3], nil); !errors.Is(err, ErrDegenerate) {
		t.Errorf("affine coincident: err = %v, want ErrDegenerate", err)
	}
	if _, err := FitHomography(coincident, nil); !errors.Is(err, ErrDegenerate) {
		t.Errorf("homography coincident: err = %v, want ErrDegenerate", err)
	}

	collinear := []Pair{
		{Src: Point{0, 0}, Dst: Point{0, 0}},
		{Src: Point{1, 1}, Dst: Point{2, 2}},
		{Src: Point{2, 2}, Dst: Point{4, 4}},
		{Src: Point{3, 3}, Dst: Point{6, 6}},
	}
	if _, err := FitHomography(collinear, nil); !errors.Is(err, ErrDegenerate) {
		t.Errorf("homography collinear: err = %v, want ErrDegenerate", err)
	}
}

func TestApplyUnknownModelType(t *testing.T) {
	if _, err := Apply(Model{Type: "quadratic"}, Point{1, 2}); !errors.Is(err, ErrUnknownModelType) {
		t.Errorf("err = %v, want ErrUnknownModelType", err)
	}
	if _, err := Invert(Model{Type: ""}); !errors.Is(err, ErrUnknownModelType) {
		t.Errorf("invert err = %v, want ErrUnknownModelType", err)
	}
}

func TestInvertRoundTrip(t *testing.T) {
	models := []Model{
		{Type: TypeAffine, A: 1.2, B: 0.3, C: -0.1, D: 0.9, TX: 40, TY: -12},
		{Type: TypeSimilarity, A: 2, B: 0, C: 0, D: 2, TX: 5, TY: 5, Scale: 2},
		{Type: TypeHomography, H: [9]float64{1.1, 0.05, 20, -0.04, 0.95, -10, 1e-4, -5e-5, 1}},
	}
	probe := []Point{{0, 0}, {50, 30}, {-10, 80}}

	for _, m := range models {
		inv, err := Invert(m)
		if err != nil {
			t.Fatalf("invert %s: %v", m.Type, err)
		}
		for _, p := range probe {
			fwd, err := Apply(m, p)
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			back, err := Apply(inv, fwd)
			if err != nil {
				t.Fatalf("apply inverse: %v", err)
			}
			if d := back.Dist(p); d > 1e-6 {
				t.Errorf("%s: round trip of %+v off by %v", m.Type, p, d)
			}
		}
	}
}

func TestWeightedFitFollowsHighWeightPairs(t *testing.T) {
	truth := Model{Type: TypeAffine, A: 1, B: 0, C: 0, D: 1, TX: 10, TY: 0}
	src := []Point{{0, 0}, {100, 0}, {0, 100}, {100, 100}}
	pairs := makePairs(t, truth, src)
	// Corrupt one destination badly and give it a near-zero weight.
	pairs = append(pairs, Pair{Src: Point{50, 50}, Dst: Point{900, 900}})
	weights := []float64{1, 1, 1, 1, 1e-9}

	got, err := FitAffine(pairs, weights)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if e := maxApplyError(t, got, pairs[:4]); e > 1e-3 {
		t.Errorf("downweighted outlier still distorted fit: error %v", e)
	}
}

func TestLinearScale(t *testing.T) {
	sim := Model{Type: TypeSimilarity, A: 3 * math.Cos(1), B: -3 * math.Sin(1), C: 3 * math.Sin(1), D: 3 * math.Cos(1)}
	if s := LinearScale(sim); math.Abs(s-3) > 1e-9 {
		t.Errorf("similarity scale = %v, want 3", s)
	}
	if s := LinearScale(Model{Type: "bogus"}); s != 0 {
		t.Errorf("unknown type scale = %v, want 0", s)
	}
}
