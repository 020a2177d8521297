package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/banshee-data/mapfix/internal/calibration"
	"github.com/banshee-data/mapfix/internal/config"
	"github.com/banshee-data/mapfix/internal/db"
	"github.com/banshee-data/mapfix/internal/geodetic"
	"github.com/banshee-data/mapfix/internal/httputil"
	"github.com/banshee-data/mapfix/internal/robust"
	"github.com/banshee-data/mapfix/internal/security"
	"github.com/banshee-data/mapfix/internal/transform"
)

func (s *Server) listMaps(w http.ResponseWriter, r *http.Request) {
	maps, err := s.db.ListMaps()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list maps: %v", err))
		return
	}
	if maps == nil {
		maps = []db.Map{}
	}
	httputil.WriteJSONOK(w, maps)
}

func (s *Server) createMap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		ImagePath string `json:"image_path"`
		WidthPx   int64  `json:"width_px"`
		HeightPx  int64  `json:"height_px"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}

	m, err := s.db.CreateMap(req.Name, req.ImagePath, req.WidthPx, req.HeightPx)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to create map: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, m)
}

func (s *Server) getMap(w http.ResponseWriter, r *http.Request) {
	m, err := s.db.GetMap(r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		httputil.NotFound(w, "map not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to get map: %v", err))
		return
	}
	httputil.WriteJSONOK(w, m)
}

func (s *Server) deleteMap(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("id")
	if err := s.db.DeleteMap(mapID); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to delete map: %v", err))
		return
	}
	s.dropCalibration(mapID)
	httputil.WriteJSONOK(w, map[string]string{"deleted": mapID})
}

// mapImage serves the map's image file. Image paths are stored verbatim
// from user input, so they are confined to the working directory before
// being opened.
func (s *Server) mapImage(w http.ResponseWriter, r *http.Request) {
	m, ok := s.requireMap(w, r.PathValue("id"))
	if !ok {
		return
	}
	if m.ImagePath == "" {
		httputil.NotFound(w, "map has no image")
		return
	}
	if err := security.ValidatePathWithinDirectory(m.ImagePath, "."); err != nil {
		httputil.BadRequest(w, "invalid image path")
		return
	}
	http.ServeFile(w, r, m.ImagePath)
}

// requireMap loads the map record, writing the error response itself when
// the map is missing. The second return reports success.
func (s *Server) requireMap(w http.ResponseWriter, mapID string) (db.Map, bool) {
	m, err := s.db.GetMap(mapID)
	if errors.Is(err, sql.ErrNoRows) {
		httputil.NotFound(w, "map not found")
		return db.Map{}, false
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to get map: %v", err))
		return db.Map{}, false
	}
	return m, true
}

func (s *Server) listPairs(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("id")
	if _, ok := s.requireMap(w, mapID); !ok {
		return
	}
	cal, err := s.calibrationFor(mapID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load pairs: %v", err))
		return
	}
	httputil.WriteJSONOK(w, cal.Pairs())
}

func (s *Server) addPair(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("id")
	if _, ok := s.requireMap(w, mapID); !ok {
		return
	}

	var req struct {
		Pixel    transform.Point `json:"pixel"`
		Geodetic geodetic.Point  `json:"geodetic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if !req.Geodetic.Valid() {
		httputil.BadRequest(w, "geodetic position out of range")
		return
	}

	cal, err := s.calibrationFor(mapID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load pairs: %v", err))
		return
	}

	pair := cal.AddPair(req.Pixel, req.Geodetic)
	if err := s.db.SavePair(mapID, pair); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to store pair: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, pair)
}

func (s *Server) setPairActive(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("id")
	pairID := r.PathValue("pair")
	if _, ok := s.requireMap(w, mapID); !ok {
		return
	}

	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	cal, err := s.calibrationFor(mapID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load pairs: %v", err))
		return
	}
	if !cal.SetPairActive(pairID, req.Active) {
		httputil.NotFound(w, "pair not found")
		return
	}
	if err := s.db.SetPairActive(pairID, req.Active); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to store pair state: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"id": pairID, "active": req.Active})
}

func (s *Server) deletePair(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("id")
	pairID := r.PathValue("pair")
	if _, ok := s.requireMap(w, mapID); !ok {
		return
	}

	cal, err := s.calibrationFor(mapID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load pairs: %v", err))
		return
	}
	if !cal.RemovePair(pairID) {
		httputil.NotFound(w, "pair not found")
		return
	}
	if err := s.db.DeletePair(pairID); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to delete pair: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"deleted": pairID})
}

func (s *Server) runFit(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("id")
	if _, ok := s.requireMap(w, mapID); !ok {
		return
	}

	// The body is an optional partial tuning override.
	override := config.EmptyTuningConfig()
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err == nil && len(body) > 0 {
			if err := json.Unmarshal(body, override); err != nil {
				httputil.BadRequest(w, fmt.Sprintf("invalid tuning override: %v", err))
				return
			}
		}
	}
	merged := s.tuning.Merge(override)
	if err := merged.Validate(); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid tuning: %v", err))
		return
	}

	cal, err := s.calibrationFor(mapID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load pairs: %v", err))
		return
	}

	if err := cal.Fit(merged.RobustConfig()); err != nil {
		switch {
		case errors.Is(err, calibration.ErrInsufficientCorrespondences),
			errors.Is(err, calibration.ErrOriginNotSet),
			errors.Is(err, transform.ErrInsufficientPairs):
			httputil.BadRequest(w, err.Error())
		case errors.Is(err, robust.ErrRansacFailed), errors.Is(err, transform.ErrDegenerate):
			httputil.UnprocessableEntity(w, err.Error())
		default:
			httputil.InternalServerError(w, fmt.Sprintf("fit failed: %v", err))
		}
		return
	}

	if merged.GetTPSEnabled() {
		if err := cal.EnableTPS(merged.GetTPSLambda()); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("spline refinement failed: %v", err))
			return
		}
	}

	result := cal.Result()
	record, err := s.db.RecordFit(db.Fit{
		MapID:       mapID,
		Model:       result.Model,
		RMSE:        cal.RMSE(),
		InlierCount: int64(len(result.Inliers)),
		PairCount:   int64(len(result.Residuals)),
		TPSEnabled:  cal.State() == calibration.StateFittedWithTPS,
		TPSLambda:   merged.GetTPSLambda(),
	})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to record fit: %v", err))
		return
	}

	// The most recently fitted map drives live positioning.
	s.projector.SetCalibration(cal)

	httputil.WriteJSONOK(w, map[string]any{
		"fit":     record,
		"quality": s.quality(cal),
	})
}

func (s *Server) listFits(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("id")
	if _, ok := s.requireMap(w, mapID); !ok {
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	fits, err := s.db.FitsForMap(mapID, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list fits: %v", err))
		return
	}
	if fits == nil {
		fits = []db.Fit{}
	}
	httputil.WriteJSONOK(w, fits)
}

// qualitySummary is the calibration health report returned by the quality
// endpoint and alongside each fit.
type qualitySummary struct {
	State         calibration.State `json:"state"`
	PairCount     int               `json:"pair_count"`
	InlierCount   int               `json:"inlier_count,omitempty"`
	RMSE          float64           `json:"rmse_m"`
	MaxResidual   float64           `json:"max_residual_m,omitempty"`
	Residuals     []pairResidual    `json:"residuals,omitempty"`
	ScalePxPerM   float64           `json:"scale_px_per_m,omitempty"`
	ModelType     transform.Type    `json:"model_type,omitempty"`
	TPSControlPts int               `json:"tps_control_points,omitempty"`
}

type pairResidual struct {
	PairID   string  `json:"pair_id"`
	Residual float64 `json:"residual_m"`
	Inlier   bool    `json:"inlier"`
}

func (s *Server) quality(cal *calibration.Calibration) qualitySummary {
	q := qualitySummary{
		State:     cal.State(),
		PairCount: len(cal.Pairs()),
		RMSE:      cal.RMSE(),
	}
	result := cal.Result()
	if result == nil {
		return q
	}

	q.ModelType = result.Model.Type
	q.InlierCount = len(result.Inliers)
	q.MaxResidual = result.MaxResidual
	if scale, err := cal.Scale(); err == nil {
		q.ScalePxPerM = scale
	}

	inliers := make(map[int]bool, len(result.Inliers))
	for _, idx := range result.Inliers {
		inliers[idx] = true
	}
	// Residuals are reported per active pair, in fit order.
	var active []calibration.Pair
	for _, p := range cal.Pairs() {
		if p.Active {
			active = append(active, p)
		}
	}
	for i, r := range result.Residuals {
		pr := pairResidual{Residual: r, Inlier: inliers[i]}
		if i < len(active) {
			pr.PairID = active[i].ID
		}
		q.Residuals = append(q.Residuals, pr)
	}
	return q
}

func (s *Server) qualityReport(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("id")
	if _, ok := s.requireMap(w, mapID); !ok {
		return
	}
	cal, err := s.calibrationFor(mapID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load pairs: %v", err))
		return
	}
	httputil.WriteJSONOK(w, s.quality(cal))
}

// parseFloatParam reads a required float query parameter.
func parseFloatParam(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing '%s' parameter", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid '%s' parameter", name)
	}
	return v, nil
}

func (s *Server) projectForward(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("id")
	if _, ok := s.requireMap(w, mapID); !ok {
		return
	}
	x, err := parseFloatParam(r, "x")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	y, err := parseFloatParam(r, "y")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	cal, err := s.calibrationFor(mapID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load pairs: %v", err))
		return
	}

	pixel := transform.Point{X: x, Y: y}
	geo, err := cal.ProjectForward(pixel)
	if err != nil {
		s.writeProjectionError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"pixel":        pixel,
		"geodetic":     geo,
		"local_rmse_m": cal.LocalRMSE(pixel),
	})
}

func (s *Server) projectInverse(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("id")
	if _, ok := s.requireMap(w, mapID); !ok {
		return
	}
	lat, err := parseFloatParam(r, "lat")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	lon, err := parseFloatParam(r, "lon")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	geo := geodetic.Point{Lat: lat, Lon: lon}
	if !geo.Valid() {
		httputil.BadRequest(w, "geodetic position out of range")
		return
	}

	cal, err := s.calibrationFor(mapID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load pairs: %v", err))
		return
	}

	pixel, err := cal.ProjectInverse(geo)
	if err != nil {
		s.writeProjectionError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"geodetic":     geo,
		"pixel":        pixel,
		"local_rmse_m": cal.LocalRMSE(pixel),
	})
}

func (s *Server) writeProjectionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calibration.ErrNotFitted), errors.Is(err, calibration.ErrOriginNotSet):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, transform.ErrDegenerate):
		httputil.UnprocessableEntity(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) currentPosition(w http.ResponseWriter, r *http.Request) {
	if pos, ok := s.tracker.Last(); ok {
		httputil.WriteJSONOK(w, map[string]any{"projected": true, "position": pos})
		return
	}
	if fix, ok := s.tracker.LastFix(); ok {
		httputil.WriteJSONOK(w, map[string]any{"projected": false, "fix": fix})
		return
	}
	httputil.NotFound(w, "no fix received yet")
}

func (s *Server) sendGPSCommand(w http.ResponseWriter, r *http.Request) {
	command := r.FormValue("command")
	if command == "" {
		httputil.BadRequest(w, "missing command")
		return
	}
	if err := s.gps.SendCommand(command); err != nil {
		httputil.InternalServerError(w, "failed to send command")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"sent": command})
}
