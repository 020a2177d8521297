// Package main provides an offline calibration fitting tool. It reads
// correspondence pairs from a JSON file, runs the robust fit, and prints
// a quality report without needing the HTTP server or a database.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/mapfix/internal/calibration"
	"github.com/banshee-data/mapfix/internal/config"
	"github.com/banshee-data/mapfix/internal/geodetic"
	"github.com/banshee-data/mapfix/internal/transform"
)

var (
	pairsFile  = flag.String("pairs", "", "Pairs JSON file (required)")
	tuningFile = flag.String("tuning", "", "Optional fit tuning config (JSON)")
	jsonOut    = flag.Bool("json", false, "Emit the report as JSON instead of text")
)

// pairInput is one correspondence in the input file. Active defaults to
// true when omitted.
type pairInput struct {
	Pixel    transform.Point `json:"pixel"`
	Geodetic geodetic.Point  `json:"geodetic"`
	Active   *bool           `json:"active,omitempty"`
}

type report struct {
	Model       transform.Model `json:"model"`
	State       string          `json:"state"`
	RMSE        float64         `json:"rmse_m"`
	MaxResidual float64         `json:"max_residual_m"`
	ScalePxPerM float64         `json:"scale_px_per_m"`
	PairCount   int             `json:"pair_count"`
	InlierCount int             `json:"inlier_count"`
	Residuals   []float64       `json:"residuals_m"`
}

func main() {
	flag.Parse()

	if *pairsFile == "" {
		log.Fatal("pairs file is required")
	}

	data, err := os.ReadFile(*pairsFile)
	if err != nil {
		log.Fatalf("failed to read pairs file: %v", err)
	}
	var inputs []pairInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		log.Fatalf("failed to parse pairs file: %v", err)
	}
	if len(inputs) == 0 {
		log.Fatal("pairs file contains no pairs")
	}

	tuning := config.EmptyTuningConfig()
	if *tuningFile != "" {
		tuning, err = config.LoadTuningConfig(*tuningFile)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}

	cal := calibration.New()
	for _, in := range inputs {
		if !in.Geodetic.Valid() {
			log.Fatalf("pair at pixel (%g,%g) has an out-of-range position", in.Pixel.X, in.Pixel.Y)
		}
		p := cal.AddPair(in.Pixel, in.Geodetic)
		if in.Active != nil && !*in.Active {
			cal.SetPairActive(p.ID, false)
		}
	}

	if err := cal.Fit(tuning.RobustConfig()); err != nil {
		log.Fatalf("fit failed: %v", err)
	}
	if tuning.GetTPSEnabled() {
		if err := cal.EnableTPS(tuning.GetTPSLambda()); err != nil {
			log.Fatalf("spline refinement failed: %v", err)
		}
	}

	result := cal.Result()
	rep := report{
		Model:       result.Model,
		State:       string(cal.State()),
		RMSE:        cal.RMSE(),
		MaxResidual: result.MaxResidual,
		PairCount:   len(result.Residuals),
		InlierCount: len(result.Inliers),
		Residuals:   result.Residuals,
	}
	if scale, err := cal.Scale(); err == nil {
		rep.ScalePxPerM = scale
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			log.Fatalf("failed to encode report: %v", err)
		}
		return
	}

	fmt.Printf("model:        %s\n", rep.Model.Type)
	fmt.Printf("state:        %s\n", rep.State)
	fmt.Printf("pairs:        %d (%d inliers)\n", rep.PairCount, rep.InlierCount)
	fmt.Printf("rmse:         %.3f m\n", rep.RMSE)
	fmt.Printf("max residual: %.3f m\n", rep.MaxResidual)
	if rep.ScalePxPerM > 0 {
		fmt.Printf("scale:        %.3f px/m\n", rep.ScalePxPerM)
	}
	fmt.Println("residuals (m):")
	for i, r := range rep.Residuals {
		marker := " "
		if !contains(result.Inliers, i) {
			marker = "*"
		}
		fmt.Printf("  %2d%s %.3f\n", i, marker, r)
	}
	if rep.InlierCount < rep.PairCount {
		fmt.Println("pairs marked * were rejected as outliers")
	}
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
