// Package api exposes the calibration service over a JSON HTTP API: map
// and pair management, fit runs, projection in both directions, quality
// reporting and diagnostic charts.
package api

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/mapfix/internal/calibration"
	"github.com/banshee-data/mapfix/internal/config"
	"github.com/banshee-data/mapfix/internal/db"
	"github.com/banshee-data/mapfix/internal/gps"
	"github.com/banshee-data/mapfix/internal/position"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	db        *db.DB
	gps       gps.Muxer
	tracker   *position.Tracker
	projector *position.Projector
	tuning    *config.TuningConfig

	// calibrations caches the in-memory calibration per map, rebuilt from
	// stored pairs on first touch.
	calMu        sync.Mutex
	calibrations map[string]*calibration.Calibration
}

func NewServer(database *db.DB, mux gps.Muxer, tracker *position.Tracker, projector *position.Projector, tuning *config.TuningConfig) *Server {
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	return &Server{
		db:           database,
		gps:          mux,
		tracker:      tracker,
		projector:    projector,
		tuning:       tuning,
		calibrations: make(map[string]*calibration.Calibration),
	}
}

// calibrationFor returns the cached calibration for a map, loading the
// stored pairs on first use.
func (s *Server) calibrationFor(mapID string) (*calibration.Calibration, error) {
	s.calMu.Lock()
	defer s.calMu.Unlock()
	if cal, ok := s.calibrations[mapID]; ok {
		return cal, nil
	}
	cal, err := s.db.LoadCalibration(mapID)
	if err != nil {
		return nil, err
	}
	s.calibrations[mapID] = cal
	return cal, nil
}

// dropCalibration evicts a map's cached calibration (after bulk pair
// changes or map deletion).
func (s *Server) dropCalibration(mapID string) {
	s.calMu.Lock()
	defer s.calMu.Unlock()
	delete(s.calibrations, mapID)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/maps", s.listMaps)
	mux.HandleFunc("POST /api/maps", s.createMap)
	mux.HandleFunc("GET /api/maps/{id}", s.getMap)
	mux.HandleFunc("DELETE /api/maps/{id}", s.deleteMap)
	mux.HandleFunc("GET /api/maps/{id}/image", s.mapImage)

	mux.HandleFunc("GET /api/maps/{id}/pairs", s.listPairs)
	mux.HandleFunc("POST /api/maps/{id}/pairs", s.addPair)
	mux.HandleFunc("POST /api/maps/{id}/pairs/{pair}/active", s.setPairActive)
	mux.HandleFunc("DELETE /api/maps/{id}/pairs/{pair}", s.deletePair)

	mux.HandleFunc("POST /api/maps/{id}/fit", s.runFit)
	mux.HandleFunc("GET /api/maps/{id}/fits", s.listFits)
	mux.HandleFunc("GET /api/maps/{id}/quality", s.qualityReport)

	mux.HandleFunc("GET /api/maps/{id}/project", s.projectForward)
	mux.HandleFunc("GET /api/maps/{id}/unproject", s.projectInverse)

	mux.HandleFunc("GET /api/maps/{id}/heatmap", s.heatmapChart)
	mux.HandleFunc("GET /api/maps/{id}/residuals.png", s.residualsPlot)

	mux.HandleFunc("GET /api/position", s.currentPosition)
	mux.HandleFunc("POST /api/gps/command", s.sendGPSCommand)

	return mux
}
