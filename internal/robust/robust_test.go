package robust

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/banshee-data/mapfix/internal/transform"
)

// seeded returns a deterministic uniform source for reproducible sampling.
func seeded(seed int64) func() float64 {
	r := rand.New(rand.NewSource(seed))
	return r.Float64
}

func TestFitInsufficientPairs(t *testing.T) {
	one := []transform.Pair{{Src: transform.Point{X: 0, Y: 0}, Dst: transform.Point{X: 1, Y: 1}}}
	if _, err := Fit(one, Config{}); !errors.Is(err, transform.ErrInsufficientPairs) {
		t.Errorf("1 pair: err = %v, want ErrInsufficientPairs", err)
	}

	three := []transform.Pair{
		{Src: transform.Point{X: 0, Y: 0}, Dst: transform.Point{X: 0, Y: 0}},
		{Src: transform.Point{X: 10, Y: 0}, Dst: transform.Point{X: 10, Y: 0}},
		{Src: transform.Point{X: 0, Y: 10}, Dst: transform.Point{X: 0, Y: 10}},
	}
	// An explicit model type is honoured, never silently downgraded.
	if _, err := Fit(three, Config{ModelType: transform.TypeHomography}); !errors.Is(err, transform.ErrInsufficientPairs) {
		t.Errorf("3 pairs as homography: err = %v, want ErrInsufficientPairs", err)
	}
}

func TestFitModelSelectionByCount(t *testing.T) {
	truth := transform.Model{Type: transform.TypeAffine, A: 2, B: 0, C: 0, D: 2, TX: 1, TY: 1}
	src := []transform.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 5, Y: 3}}
	var pairs []transform.Pair
	for _, s := range src {
		d, _ := transform.Apply(truth, s)
		pairs = append(pairs, transform.Pair{Src: s, Dst: d})
	}

	cases := []struct {
		count int
		want  transform.Type
	}{
		{2, transform.TypeSimilarity},
		{3, transform.TypeAffine},
		{4, transform.TypeHomography},
		{5, transform.TypeHomography},
	}
	for _, tc := range cases {
		res, err := Fit(pairs[:tc.count], Config{Rand: seeded(1)})
		if err != nil {
			t.Fatalf("%d pairs: %v", tc.count, err)
		}
		if res.Model.Type != tc.want {
			t.Errorf("%d pairs: model type %s, want %s", tc.count, res.Model.Type, tc.want)
		}
		if len(res.Residuals) != tc.count {
			t.Errorf("%d pairs: %d residuals reported", tc.count, len(res.Residuals))
		}
	}
}

func TestFitRejectsGrossOutlier(t *testing.T) {
	// Four consistent pairs under a known affine model plus one gross
	// outlier. The consensus search must settle on the consistent four.
	truth := transform.Model{Type: transform.TypeAffine, A: 1.5, B: 0.2, C: -0.1, D: 1.4, TX: 30, TY: -5}
	src := []transform.Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 0, Y: 100}, {X: 100, Y: 100}}
	var pairs []transform.Pair
	for _, s := range src {
		d, _ := transform.Apply(truth, s)
		pairs = append(pairs, transform.Pair{Src: s, Dst: d})
	}
	pairs = append(pairs, transform.Pair{Src: transform.Point{X: 50, Y: 50}, Dst: transform.Point{X: 2000, Y: 2000}})

	res, err := Fit(pairs, Config{ModelType: transform.TypeAffine, Rand: seeded(42)})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	for i := 0; i < 4; i++ {
		if res.Residuals[i] >= 1e-3 {
			t.Errorf("consistent pair %d residual %v, want < 1e-3", i, res.Residuals[i])
		}
	}
	if res.Residuals[4] <= 30 {
		t.Errorf("outlier residual %v, want > 30", res.Residuals[4])
	}
	if len(res.Inliers) != 4 {
		t.Errorf("inliers = %v, want the four consistent pairs", res.Inliers)
	}
	if res.MaxResidual != res.Residuals[4] {
		t.Errorf("max residual %v should be the outlier's %v", res.MaxResidual, res.Residuals[4])
	}
}

func TestFitConcreteAffineScenario(t *testing.T) {
	// Three exact identity pairs and one wildly inconsistent pair. With a
	// constant-zero random source the sampler always draws the first
	// minimal subset, making the consensus choice deterministic.
	pairs := []transform.Pair{
		{Src: transform.Point{X: 0, Y: 0}, Dst: transform.Point{X: 0, Y: 0}},
		{Src: transform.Point{X: 10, Y: 0}, Dst: transform.Point{X: 10, Y: 0}},
		{Src: transform.Point{X: 0, Y: 10}, Dst: transform.Point{X: 0, Y: 10}},
		{Src: transform.Point{X: 20, Y: 20}, Dst: transform.Point{X: 400, Y: -200}},
	}

	res, err := Fit(pairs, Config{ModelType: transform.TypeAffine, Rand: func() float64 { return 0 }})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	for i := 0; i < 3; i++ {
		if res.Residuals[i] >= 1e-3 {
			t.Errorf("pair %d residual %v, want < 1e-3", i, res.Residuals[i])
		}
	}
	if res.Residuals[3] <= 30 {
		t.Errorf("outlier residual %v, want > 30", res.Residuals[3])
	}
}

func TestFitRansacFailedOnDegenerateInput(t *testing.T) {
	// Every minimal homography subset of collinear points is degenerate,
	// so the whole sample budget comes up empty.
	var pairs []transform.Pair
	for i := 0; i < 6; i++ {
		p := transform.Point{X: float64(i), Y: float64(i)}
		pairs = append(pairs, transform.Pair{Src: p, Dst: transform.Point{X: 2 * p.X, Y: 2 * p.Y}})
	}

	_, err := Fit(pairs, Config{ModelType: transform.TypeHomography, MaxSamples: 50, Rand: seeded(7)})
	if !errors.Is(err, ErrRansacFailed) {
		t.Errorf("err = %v, want ErrRansacFailed", err)
	}
}

func TestFitRMSEOnCleanData(t *testing.T) {
	truth := transform.Model{Type: transform.TypeSimilarity, A: 2, B: 0, C: 0, D: 2, TX: 7, TY: 9, Scale: 2}
	src := []transform.Point{{X: 0, Y: 0}, {X: 50, Y: 0}, {X: 10, Y: 40}}
	var pairs []transform.Pair
	for _, s := range src {
		d, _ := transform.Apply(truth, s)
		pairs = append(pairs, transform.Pair{Src: s, Dst: d})
	}

	res, err := Fit(pairs, Config{ModelType: transform.TypeSimilarity, Rand: seeded(3)})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if res.RMSE > 1e-6 {
		t.Errorf("clean data RMSE = %v, want ~0", res.RMSE)
	}
	if res.MaxResidual > 1e-6 {
		t.Errorf("clean data max residual = %v, want ~0", res.MaxResidual)
	}
}

func TestDrawSampleDistinctIndices(t *testing.T) {
	pairs := make([]transform.Pair, 10)
	for i := range pairs {
		pairs[i] = transform.Pair{Src: transform.Point{X: float64(i)}, Dst: transform.Point{X: float64(i)}}
	}

	rnd := seeded(99)
	for trial := 0; trial < 100; trial++ {
		sample := drawSample(pairs, 4, rnd)
		seen := map[float64]bool{}
		for _, pr := range sample {
			if seen[pr.Src.X] {
				t.Fatalf("trial %d: duplicate index in sample %v", trial, sample)
			}
			seen[pr.Src.X] = true
		}
	}
}
