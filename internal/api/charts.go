package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/mapfix/internal/httputil"
	"github.com/banshee-data/mapfix/internal/transform"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// heatmapChart renders an HTML scatter chart of local projection
// uncertainty sampled on a grid across the map image. Query params:
//   - grid (optional; default 24, max 100) samples per axis
func (s *Server) heatmapChart(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("id")
	m, ok := s.requireMap(w, mapID)
	if !ok {
		return
	}

	cal, err := s.calibrationFor(mapID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load pairs: %v", err))
		return
	}
	if cal.Result() == nil {
		httputil.Conflict(w, "map has no fitted calibration")
		return
	}

	grid := 24
	if g := r.URL.Query().Get("grid"); g != "" {
		if v, err := strconv.Atoi(g); err == nil && v >= 2 && v <= 100 {
			grid = v
		}
	}

	width := float64(m.WidthPx)
	height := float64(m.HeightPx)
	if width <= 0 {
		width = 1000
	}
	if height <= 0 {
		height = 1000
	}

	samples := make([]transform.Point, 0, grid*grid)
	for row := 0; row < grid; row++ {
		for col := 0; col < grid; col++ {
			samples = append(samples, transform.Point{
				X: width * float64(col) / float64(grid-1),
				Y: height * float64(row) / float64(grid-1),
			})
		}
	}
	values := cal.Heatmap(samples)

	data := make([]opts.ScatterData, 0, len(samples))
	maxVal := 0.0
	for i, p := range samples {
		if values[i] > maxVal {
			maxVal = values[i]
		}
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y, values[i]}})
	}
	if maxVal == 0 {
		maxVal = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Calibration Uncertainty", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Local projection RMSE (m)", Subtitle: fmt.Sprintf("map=%s grid=%dx%d", m.Name, grid, grid)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: width, Name: "X (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: height, Name: "Y (px)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxVal),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}},
		}),
	)
	scatter.AddSeries("uncertainty", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// residualsPlot renders a PNG bar chart of per-pair fit residuals for the
// most recent fit, with outliers drawn in red.
func (s *Server) residualsPlot(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("id")
	m, ok := s.requireMap(w, mapID)
	if !ok {
		return
	}

	cal, err := s.calibrationFor(mapID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load pairs: %v", err))
		return
	}
	result := cal.Result()
	if result == nil {
		httputil.Conflict(w, "map has no fitted calibration")
		return
	}

	inlierSet := make(map[int]bool, len(result.Inliers))
	for _, idx := range result.Inliers {
		inlierSet[idx] = true
	}
	inlierVals := make(plotter.Values, len(result.Residuals))
	outlierVals := make(plotter.Values, len(result.Residuals))
	for i, res := range result.Residuals {
		if inlierSet[i] {
			inlierVals[i] = res
		} else {
			outlierVals[i] = res
		}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Fit residuals: %s", m.Name)
	p.X.Label.Text = "pair index"
	p.Y.Label.Text = "residual (m)"

	barWidth := vg.Points(12)
	inlierBars, err := plotter.NewBarChart(inlierVals, barWidth)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build chart: %v", err))
		return
	}
	inlierBars.Color = color.RGBA{R: 49, G: 104, B: 142, A: 255}
	inlierBars.LineStyle.Width = 0
	outlierBars, err := plotter.NewBarChart(outlierVals, barWidth)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build chart: %v", err))
		return
	}
	outlierBars.Color = color.RGBA{R: 200, G: 50, B: 50, A: 255}
	outlierBars.LineStyle.Width = 0

	p.Add(inlierBars, outlierBars)
	p.Legend.Add("inlier", inlierBars)
	p.Legend.Add("outlier", outlierBars)
	p.Legend.Top = true

	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		// Headers already sent; nothing more to report to the client.
		return
	}
}
