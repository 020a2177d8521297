package calibration

import (
	"math"

	"github.com/banshee-data/mapfix/internal/transform"
)

// GlobalRMSE returns sqrt(mean(r²)) over the residual slice, or 0 for an
// empty slice.
func GlobalRMSE(residuals []float64) float64 {
	if len(residuals) == 0 {
		return 0
	}
	var sum float64
	for _, r := range residuals {
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(residuals)))
}

// LocalRMSE returns the inverse-distance-weighted RMSE of the residuals
// as seen from the query point. Each correspondence contributes with
// weight 1/(1 + distance(query, projected_i)), so nearby pairs dominate:
// the result is low where the map is densely pinned and reverts towards
// the overall error level far from any correspondence. Returns 0 when
// there are no pairs.
func LocalRMSE(query transform.Point, projected []transform.Point, residuals []float64) float64 {
	if len(projected) == 0 || len(projected) != len(residuals) {
		return 0
	}
	var weighted, total float64
	for i, p := range projected {
		w := 1 / (1 + query.Dist(p))
		weighted += w * residuals[i] * residuals[i]
		total += w
	}
	if total == 0 {
		return 0
	}
	return math.Sqrt(weighted / total)
}
