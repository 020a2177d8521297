// Package db persists maps, correspondence pairs and fit results in a
// local sqlite database. The schema is bootstrapped on open; later
// changes ship as golang-migrate files under migrations/.
package db

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/mapfix/internal/calibration"
	"github.com/banshee-data/mapfix/internal/security"
	"github.com/banshee-data/mapfix/internal/transform"
)

type DB struct {
	*sql.DB
	path string
}

func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS maps (
			map_id            TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			image_path        TEXT,
			width_px          BIGINT,
			height_px         BIGINT,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS pairs (
			pair_id           TEXT PRIMARY KEY,
			map_id            TEXT NOT NULL,
			pixel_x           DOUBLE NOT NULL,
			pixel_y           DOUBLE NOT NULL,
			lat               DOUBLE NOT NULL,
			lon               DOUBLE NOT NULL,
			active            BOOLEAN NOT NULL DEFAULT 1,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(map_id) REFERENCES maps(map_id)
		);
		CREATE TABLE IF NOT EXISTS fits (
			fit_id            TEXT PRIMARY KEY,
			map_id            TEXT NOT NULL,
			model_type        TEXT NOT NULL,
			model_json        TEXT NOT NULL,
			rmse              DOUBLE NOT NULL,
			inlier_count      BIGINT NOT NULL,
			pair_count        BIGINT NOT NULL,
			tps_enabled       BOOLEAN NOT NULL DEFAULT 0,
			tps_lambda        DOUBLE,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(map_id) REFERENCES maps(map_id)
		);
		CREATE INDEX IF NOT EXISTS idx_pairs_map ON pairs(map_id);
		CREATE INDEX IF NOT EXISTS idx_fits_map ON fits(map_id, created_at);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{DB: db, path: path}, nil
}

// Map is one photographed map under calibration.
type Map struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ImagePath string    `json:"image_path,omitempty"`
	WidthPx   int64     `json:"width_px,omitempty"`
	HeightPx  int64     `json:"height_px,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateMap inserts a new map record and returns it with its assigned ID.
func (db *DB) CreateMap(name, imagePath string, widthPx, heightPx int64) (Map, error) {
	m := Map{
		ID:        uuid.NewString(),
		Name:      name,
		ImagePath: imagePath,
		WidthPx:   widthPx,
		HeightPx:  heightPx,
		CreatedAt: time.Now().UTC(),
	}
	_, err := db.Exec(
		`INSERT INTO maps (map_id, name, image_path, width_px, height_px, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.ImagePath, m.WidthPx, m.HeightPx, m.CreatedAt,
	)
	if err != nil {
		return Map{}, err
	}
	return m, nil
}

// GetMap returns the map with the given ID, or sql.ErrNoRows.
func (db *DB) GetMap(id string) (Map, error) {
	var m Map
	err := db.QueryRow(
		`SELECT map_id, name, image_path, width_px, height_px, created_at
		 FROM maps WHERE map_id = ?`, id,
	).Scan(&m.ID, &m.Name, &m.ImagePath, &m.WidthPx, &m.HeightPx, &m.CreatedAt)
	if err != nil {
		return Map{}, err
	}
	return m, nil
}

// ListMaps returns all maps, newest first.
func (db *DB) ListMaps() ([]Map, error) {
	rows, err := db.Query(
		`SELECT map_id, name, image_path, width_px, height_px, created_at
		 FROM maps ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var maps []Map
	for rows.Next() {
		var m Map
		if err := rows.Scan(&m.ID, &m.Name, &m.ImagePath, &m.WidthPx, &m.HeightPx, &m.CreatedAt); err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return maps, nil
}

// DeleteMap removes a map and its pairs and fits.
func (db *DB) DeleteMap(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM fits WHERE map_id = ?",
		"DELETE FROM pairs WHERE map_id = ?",
		"DELETE FROM maps WHERE map_id = ?",
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SavePair upserts one correspondence pair for a map.
func (db *DB) SavePair(mapID string, p calibration.Pair) error {
	_, err := db.Exec(
		`INSERT INTO pairs (pair_id, map_id, pixel_x, pixel_y, lat, lon, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pair_id) DO UPDATE SET
			pixel_x = excluded.pixel_x,
			pixel_y = excluded.pixel_y,
			lat     = excluded.lat,
			lon     = excluded.lon,
			active  = excluded.active`,
		p.ID, mapID, p.Pixel.X, p.Pixel.Y, p.Geodetic.Lat, p.Geodetic.Lon, p.Active,
	)
	return err
}

// PairsForMap returns a map's correspondence pairs in insertion order,
// ready to load into a calibration.
func (db *DB) PairsForMap(mapID string) ([]calibration.Pair, error) {
	rows, err := db.Query(
		`SELECT pair_id, pixel_x, pixel_y, lat, lon, active
		 FROM pairs WHERE map_id = ? ORDER BY created_at, pair_id`, mapID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []calibration.Pair
	for rows.Next() {
		var p calibration.Pair
		if err := rows.Scan(&p.ID, &p.Pixel.X, &p.Pixel.Y, &p.Geodetic.Lat, &p.Geodetic.Lon, &p.Active); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

// DeletePair removes one pair by ID.
func (db *DB) DeletePair(pairID string) error {
	_, err := db.Exec("DELETE FROM pairs WHERE pair_id = ?", pairID)
	return err
}

// SetPairActive flips a pair's participation in future fits.
func (db *DB) SetPairActive(pairID string, active bool) error {
	_, err := db.Exec("UPDATE pairs SET active = ? WHERE pair_id = ?", active, pairID)
	return err
}

// Fit is one recorded calibration fit.
type Fit struct {
	ID          string          `json:"id"`
	MapID       string          `json:"map_id"`
	Model       transform.Model `json:"model"`
	RMSE        float64         `json:"rmse_m"`
	InlierCount int64           `json:"inlier_count"`
	PairCount   int64           `json:"pair_count"`
	TPSEnabled  bool            `json:"tps_enabled"`
	TPSLambda   float64         `json:"tps_lambda,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RecordFit stores the outcome of a fit and returns it with its ID.
func (db *DB) RecordFit(f Fit) (Fit, error) {
	f.ID = uuid.NewString()
	f.CreatedAt = time.Now().UTC()

	modelJSON, err := json.Marshal(f.Model)
	if err != nil {
		return Fit{}, fmt.Errorf("failed to encode model: %w", err)
	}

	_, err = db.Exec(
		`INSERT INTO fits (fit_id, map_id, model_type, model_json, rmse, inlier_count,
			pair_count, tps_enabled, tps_lambda, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.MapID, string(f.Model.Type), string(modelJSON), f.RMSE,
		f.InlierCount, f.PairCount, f.TPSEnabled, f.TPSLambda, f.CreatedAt,
	)
	if err != nil {
		return Fit{}, err
	}
	return f, nil
}

// LatestFit returns the most recent fit for a map, or sql.ErrNoRows.
func (db *DB) LatestFit(mapID string) (Fit, error) {
	return db.scanFit(db.QueryRow(
		`SELECT fit_id, map_id, model_json, rmse, inlier_count, pair_count,
			tps_enabled, tps_lambda, created_at
		 FROM fits WHERE map_id = ? ORDER BY created_at DESC, fit_id DESC LIMIT 1`, mapID))
}

// FitsForMap returns a map's fit history, newest first.
func (db *DB) FitsForMap(mapID string, limit int) ([]Fit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT fit_id, map_id, model_json, rmse, inlier_count, pair_count,
			tps_enabled, tps_lambda, created_at
		 FROM fits WHERE map_id = ? ORDER BY created_at DESC, fit_id DESC LIMIT ?`, mapID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fits []Fit
	for rows.Next() {
		f, err := db.scanFit(rows)
		if err != nil {
			return nil, err
		}
		fits = append(fits, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return fits, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanFit(row rowScanner) (Fit, error) {
	var (
		f         Fit
		modelJSON string
		lambda    sql.NullFloat64
	)
	err := row.Scan(&f.ID, &f.MapID, &modelJSON, &f.RMSE, &f.InlierCount,
		&f.PairCount, &f.TPSEnabled, &lambda, &f.CreatedAt)
	if err != nil {
		return Fit{}, err
	}
	if err := json.Unmarshal([]byte(modelJSON), &f.Model); err != nil {
		return Fit{}, fmt.Errorf("failed to decode stored model: %w", err)
	}
	if lambda.Valid {
		f.TPSLambda = lambda.Float64
	}
	return f, nil
}

// LoadCalibration reconstructs a calibration from a map's stored pairs.
// The caller refits; only the correspondence set is persisted as truth.
func (db *DB) LoadCalibration(mapID string) (*calibration.Calibration, error) {
	pairs, err := db.PairsForMap(mapID)
	if err != nil {
		return nil, err
	}
	c := calibration.New()
	c.SetPairs(pairs)
	return c, nil
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Mapfix DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		base := security.SanitizeFilename(filepath.Base(db.path))
		backupPath := fmt.Sprintf("backup-%s-%d.db", base, unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}

		// close the backup file after sending it
		// and remove it from the filesystem
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
