// Package robust fits transform models to correspondence sets that may
// contain gross outliers (mis-clicked or mismatched pairs). It runs a
// fixed-budget RANSAC consensus search over minimal samples, refits on
// the winning inlier set, then sharpens the estimate with Huber-weighted
// iteratively reweighted least squares.
package robust

import (
	"errors"
	"math"
	"math/rand"

	"github.com/banshee-data/mapfix/internal/transform"
)

// ErrRansacFailed indicates that no sample in the budget produced a valid
// candidate model: every minimal subset was degenerate.
var ErrRansacFailed = errors.New("ransac found no valid model candidate")

// Defaults for the fit configuration. The inlier threshold and Huber
// delta are in the working unit (pixels or metres, depending on fit
// direction).
const (
	DefaultMaxSamples      = 150
	DefaultInlierThreshold = 40.0
	DefaultHuberDelta      = 35.0
	DefaultIRLSPasses      = 1
)

// Config controls a robust fit. The zero value of each field selects its
// default; ModelType empty selects the model class by pair count.
type Config struct {
	// ModelType, when set, is honoured even if a smaller class would do.
	ModelType transform.Type
	// MaxSamples is the RANSAC sample budget.
	MaxSamples int
	// InlierThreshold is the residual distance below which a pair counts
	// towards a candidate's consensus.
	InlierThreshold float64
	// HuberDelta is the residual magnitude beyond which IRLS downweights
	// a pair by delta/|r|.
	HuberDelta float64
	// IRLSPasses is the number of reweighting passes after RANSAC. The
	// documented default is a single pass, not iteration to convergence.
	IRLSPasses int
	// Rand supplies uniform values in [0,1) for subset sampling. Tests
	// inject a deterministic source; nil uses math/rand.
	Rand func() float64
}

func (c Config) withDefaults() Config {
	if c.MaxSamples <= 0 {
		c.MaxSamples = DefaultMaxSamples
	}
	if c.InlierThreshold <= 0 {
		c.InlierThreshold = DefaultInlierThreshold
	}
	if c.HuberDelta <= 0 {
		c.HuberDelta = DefaultHuberDelta
	}
	if c.IRLSPasses <= 0 {
		c.IRLSPasses = DefaultIRLSPasses
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	return c
}

// Result is the outcome of a robust fit. Residuals cover every input pair
// in order, measured against the final refined model, so callers can flag
// individual pairs as likely outliers.
type Result struct {
	Model       transform.Model `json:"model"`
	Inliers     []int           `json:"inliers"`
	Residuals   []float64       `json:"residuals"`
	RMSE        float64         `json:"rmse"`
	MaxResidual float64         `json:"max_residual"`
}

// Fit runs the two-stage robust estimation over the given pairs. The
// model class is the configured type if set, otherwise chosen by count:
// 4+ pairs fit a homography, exactly 3 an affine, 2 a similarity. Fewer
// than two pairs fail immediately with ErrInsufficientPairs.
func Fit(pairs []transform.Pair, cfg Config) (*Result, error) {
	if len(pairs) < transform.TypeSimilarity.MinPairs() {
		return nil, transform.ErrInsufficientPairs
	}
	cfg = cfg.withDefaults()

	modelType := cfg.ModelType
	if modelType == "" {
		switch {
		case len(pairs) >= 4:
			modelType = transform.TypeHomography
		case len(pairs) == 3:
			modelType = transform.TypeAffine
		default:
			modelType = transform.TypeSimilarity
		}
	}
	minPairs := modelType.MinPairs()
	if minPairs == 0 {
		return nil, transform.ErrUnknownModelType
	}
	if len(pairs) < minPairs {
		return nil, transform.ErrInsufficientPairs
	}

	model, inliers, err := ransac(pairs, modelType, cfg)
	if err != nil {
		return nil, err
	}

	model = refineIRLS(pairs, inliers, model, cfg)

	residuals := residualsAgainst(model, pairs)
	res := &Result{
		Model:     model,
		Inliers:   inliers,
		Residuals: residuals,
	}
	for _, r := range residuals {
		res.RMSE += r * r
		if r > res.MaxResidual {
			res.MaxResidual = r
		}
	}
	res.RMSE = math.Sqrt(res.RMSE / float64(len(residuals)))
	return res, nil
}

// ransac draws minimal subsets for the configured sample budget, keeping
// the candidate with the largest consensus (first seen wins ties). The
// winner is refit on its full inlier set before being returned.
// Per-sample fit failures are swallowed: a degenerate subset simply
// yields no candidate that round.
func ransac(pairs []transform.Pair, modelType transform.Type, cfg Config) (transform.Model, []int, error) {
	minPairs := modelType.MinPairs()

	var bestModel transform.Model
	var bestInliers []int
	found := false

	for s := 0; s < cfg.MaxSamples; s++ {
		sample := drawSample(pairs, minPairs, cfg.Rand)
		candidate, err := transform.Fit(modelType, sample, nil)
		if err != nil {
			continue
		}

		inliers := consensus(candidate, pairs, cfg.InlierThreshold)
		if !found || len(inliers) > len(bestInliers) {
			bestModel = candidate
			bestInliers = inliers
			found = true
		}
	}
	if !found {
		return transform.Model{}, nil, ErrRansacFailed
	}

	// Refit on the full inlier set for a cleaner initial estimate. The
	// minimal-sample winner stands if the refit is itself degenerate.
	if len(bestInliers) >= minPairs {
		refit, err := transform.Fit(modelType, subset(pairs, bestInliers), nil)
		if err == nil {
			bestModel = refit
			bestInliers = consensus(refit, pairs, cfg.InlierThreshold)
		}
	}
	return bestModel, bestInliers, nil
}

// refineIRLS performs the configured number of Huber reweighting passes
// over the inlier set. Weights are 1 for residuals within delta and
// delta/|r| beyond it. A failing refit leaves the previous model in
// place.
func refineIRLS(pairs []transform.Pair, inliers []int, model transform.Model, cfg Config) transform.Model {
	if len(inliers) < model.Type.MinPairs() {
		return model
	}
	inlierPairs := subset(pairs, inliers)

	for pass := 0; pass < cfg.IRLSPasses; pass++ {
		weights := make([]float64, len(inlierPairs))
		for i, pr := range inlierPairs {
			projected, err := transform.Apply(model, pr.Src)
			if err != nil {
				return model
			}
			r := projected.Dist(pr.Dst)
			if r <= cfg.HuberDelta {
				weights[i] = 1
			} else {
				weights[i] = cfg.HuberDelta / r
			}
		}

		refit, err := transform.Fit(model.Type, inlierPairs, weights)
		if err != nil {
			return model
		}
		model = refit
	}
	return model
}

// consensus returns the indices of pairs whose projected residual is
// below the threshold.
func consensus(m transform.Model, pairs []transform.Pair, threshold float64) []int {
	var inliers []int
	for i, pr := range pairs {
		projected, err := transform.Apply(m, pr.Src)
		if err != nil {
			continue
		}
		if projected.Dist(pr.Dst) < threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// drawSample picks k distinct pairs uniformly without replacement using
// the injected random source (partial Fisher-Yates over an index slice).
func drawSample(pairs []transform.Pair, k int, rnd func() float64) []transform.Pair {
	idx := make([]int, len(pairs))
	for i := range idx {
		idx[i] = i
	}
	sample := make([]transform.Pair, k)
	for i := 0; i < k; i++ {
		j := i + int(rnd()*float64(len(idx)-i))
		if j >= len(idx) {
			j = len(idx) - 1
		}
		idx[i], idx[j] = idx[j], idx[i]
		sample[i] = pairs[idx[i]]
	}
	return sample
}

func subset(pairs []transform.Pair, indices []int) []transform.Pair {
	out := make([]transform.Pair, len(indices))
	for i, idx := range indices {
		out[i] = pairs[idx]
	}
	return out
}

// residualsAgainst measures every pair's Euclidean residual against the
// model, in input order. A pair the model cannot evaluate (degenerate
// perspective divide) gets an infinite residual.
func residualsAgainst(m transform.Model, pairs []transform.Pair) []float64 {
	out := make([]float64, len(pairs))
	for i, pr := range pairs {
		projected, err := transform.Apply(m, pr.Src)
		if err != nil {
			out[i] = math.Inf(1)
			continue
		}
		out[i] = projected.Dist(pr.Dst)
	}
	return out
}
