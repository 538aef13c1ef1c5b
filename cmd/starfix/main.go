// Command starfix runs the astrometric camera server: it owns the camera,
// carries frames through detect and solve, and serves frame snapshots,
// settings and actions to networked clients while emulating an LX200
// telescope for planetarium apps.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/api"
	"github.com/banshee-data/starfix/internal/assemble"
	"github.com/banshee-data/starfix/internal/camera"
	"github.com/banshee-data/starfix/internal/db"
	"github.com/banshee-data/starfix/internal/detect"
	"github.com/banshee-data/starfix/internal/lx200"
	"github.com/banshee-data/starfix/internal/modectrl"
	"github.com/banshee-data/starfix/internal/monitoring"
	"github.com/banshee-data/starfix/internal/pipeline"
	"github.com/banshee-data/starfix/internal/prefs"
	"github.com/banshee-data/starfix/internal/slew"
	"github.com/banshee-data/starfix/internal/solver"
	"github.com/banshee-data/starfix/internal/timeutil"
)

const version = "1.0.0"

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	lx200Listen = flag.String("lx200-listen", ":4030", "LX200 TCP listen address (empty disables)")
	lx200Serial = flag.String("lx200-serial", "", "LX200 serial device (empty disables)")
	solverAddr  = flag.String("solver-addr", "", "plate solver address (host:port or socket path); empty runs the built-in fake")
	maxExposure = flag.Duration("max-exposure", time.Second, "maximum camera exposure")
	sigma       = flag.Float64("sigma", 8.0, "star detection threshold in noise sigmas")
	starCount   = flag.Int("star-count", 20, "auto-exposure star count set-point")
	dataDir     = flag.String("data-dir", "data", "directory for preferences, database and saved images")
	demoDir     = flag.String("demo-dir", "", "directory of demo images; replaces the camera when set")
	dbPath      = flag.String("db", "", "sqlite database path (default <data-dir>/starfix.db; 'none' disables)")
	publicURL   = flag.String("public-url", "", "URL encoded on the /qrcode page")
	devMode     = flag.Bool("dev", false, "run against the simulated camera")
)

func main() {
	flag.Parse()
	monitoring.InitLevelFromEnv()

	if *listen == "" {
		log.Fatal("listen address is required")
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	clock := timeutil.RealClock{}

	// Camera: demo directory, simulator, or (on deployment builds) a real
	// sensor driver injected here.
	var cam camera.Camera
	var demoCam *camera.DemoCamera
	switch {
	case *demoDir != "":
		var err error
		demoCam, err = camera.NewDemoCamera(*demoDir, clock)
		if err != nil {
			log.Fatalf("failed to open demo camera: %v", err)
		}
		cam = demoCam
	default:
		if !*devMode {
			monitoring.Opsf("no camera driver configured; using simulator")
		}
		cam = camera.NewSimCamera(camera.SimConfig{Clock: clock})
	}
	defer cam.Close()

	// Solver sidecar, or the built-in fake for development.
	var solve solver.Solver
	var solverClient *solver.Client
	if *solverAddr != "" {
		solverClient = solver.NewClient(*solverAddr)
		defer solverClient.Close()
		solve = solverClient
	} else {
		monitoring.Opsf("no solver configured; using built-in fake")
		solve = solver.NewFake()
	}

	// Database.
	var database *db.DB
	if *dbPath != "none" {
		path := *dbPath
		if path == "" {
			path = filepath.Join(*dataDir, "starfix.db")
		}
		var err error
		database, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer database.Close()
	}

	store := prefs.NewStore(filepath.Join(*dataDir, "preferences.bin"))
	snaps := assemble.NewSnapshotStore()
	slews := slew.NewSupervisor()
	detector := detect.NewBuiltinDetector()

	engine := pipeline.New(pipeline.Config{
		Camera:      cam,
		Detector:    detector,
		Solver:      solve,
		Clock:       clock,
		MaxExposure: *maxExposure,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restart := false
	ctrl := modectrl.NewController(modectrl.Config{
		Engine:        engine,
		Detector:      detector,
		Solver:        solve,
		Prefs:         store,
		DB:            database,
		Snaps:         snaps,
		Slews:         slews,
		Clock:         clock,
		Version:       version,
		SolverAddr:    *solverAddr,
		DataDir:       *dataDir,
		DemoCamera:    demoCam,
		StarCountGoal: *starCount,
		DetectSigma:   *sigma,
		RequestShutdown: func(r bool) {
			restart = r
			stop()
		},
	})
	engine.SetOnResult(ctrl.OnResult)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()

	srv := api.NewServer(ctrl, snaps, store, slews, engine, solverClient, database)
	srv.PublicURL = *publicURL
	httpServer := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(srv.ServeMux()),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitoring.Opsf("starfix %s listening on %s", version, *listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	lxServer := lx200.NewServer(func() (alg.CelestialCoord, bool) {
		return ctrl.BoresightSky()
	}, slews)
	if *lx200Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lxServer.ListenAndServe(ctx, *lx200Listen); err != nil {
				monitoring.Opsf("lx200: %v", err)
			}
		}()
	}
	if *lx200Serial != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lxServer.ServeSerial(ctx, *lx200Serial); err != nil && ctx.Err() == nil {
				monitoring.Opsf("lx200 serial: %v", err)
			}
		}()
	}

	<-ctx.Done()
	monitoring.Opsf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	wg.Wait()

	if restart {
		monitoring.Opsf("restarting")
		cmd := exec.Command(os.Args[0], os.Args[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			log.Fatalf("restart: %v", err)
		}
	}
}
