package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/mapfix/internal/api"
	"github.com/banshee-data/mapfix/internal/config"
	"github.com/banshee-data/mapfix/internal/db"
	"github.com/banshee-data/mapfix/internal/gps"
	"github.com/banshee-data/mapfix/internal/position"
	"github.com/banshee-data/mapfix/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "Listen address")
	dbFile        = flag.String("db", "mapfix.db", "SQLite database path")
	gpsPort       = flag.String("gps-port", "/dev/ttyACM0", "GPS receiver serial port")
	gpsBaud       = flag.Int("gps-baud", 9600, "GPS receiver baud rate")
	mockGPS       = flag.Bool("mock-gps", false, "Replay canned NMEA sentences instead of opening a serial port")
	disableGPS    = flag.Bool("disable-gps", false, "Run without any GPS source (calibration-only mode)")
	tuningFile    = flag.String("tuning", "", "Optional fit tuning config (JSON)")
	migrationsDir = flag.String("migrations", "migrations", "Migrations directory")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mapfix %s (%s) built %s\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	// "mapfix migrate up" style subcommands run and exit before any
	// device or server setup.
	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		db.RunMigrateCommand(args[1:], *dbFile, *migrationsDir)
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	var tuning *config.TuningConfig
	if *tuningFile != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*tuningFile)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
		log.Printf("loaded tuning config from %s", *tuningFile)
	}

	var mux gps.Muxer
	switch {
	case *disableGPS:
		mux = gps.NewDisabledMux()
		log.Print("running without a GPS source")
	case *mockGPS:
		mux = gps.NewMockMux(gps.FixtureSentences, time.Second)
		log.Print("replaying canned NMEA sentences")
	default:
		var err error
		mux, err = gps.NewRealMux(*gpsPort, gps.PortOptions{BaudRate: *gpsBaud})
		if err != nil {
			log.Fatalf("failed to open GPS port %s: %v", *gpsPort, err)
		}
		log.Printf("reading NMEA from %s at %d baud", *gpsPort, *gpsBaud)
	}
	defer mux.Close()

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.CheckMigrations(*migrationsDir); err != nil {
		log.Printf("migration check: %v", err)
	}

	projector := position.NewProjector(nil)
	tracker := position.NewTracker(mux, projector)

	// Create a wait group for the HTTP server, NMEA monitor, and position
	// tracker routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the GPS port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mux.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor GPS port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// project incoming fixes onto the calibrated map
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tracker.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("position tracker stopped: %v", err)
		}
		log.Print("tracker routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		httpMux := api.NewServer(database, mux, tracker, projector, tuning).ServeMux()

		mux.AttachAdminRoutes(httpMux)
		database.AttachAdminRoutes(httpMux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(httpMux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("mapfix %s listening on %s", version.Version, *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
