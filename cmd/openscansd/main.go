package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/seantiz/openscans/internal/api"
	"github.com/seantiz/openscans/internal/config"
	"github.com/seantiz/openscans/internal/health"
	"github.com/seantiz/openscans/internal/process"
	"github.com/seantiz/openscans/internal/proxy"
	"github.com/seantiz/openscans/internal/store"
	"github.com/seantiz/openscans/internal/supervisor"
)

const workerStopTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("openscansd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"worker_port", cfg.WorkerPort,
		"autostart", cfg.AutoStart,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	sup := supervisor.New(
		supervisor.Config{
			Port:           cfg.WorkerPort,
			StartupTimeout: cfg.StartupTimeout,
		},
		supervisor.NewResolver(cfg.WorkerBin, cfg.ResourceDir),
		supervisor.ExecSpawner{},
		health.NewProber(cfg.HealthTimeout),
		db,
		logger,
	)
	if err := sup.ReconcileRuns(context.Background()); err != nil {
		log.Fatalf("failed to reconcile worker runs: %v", err)
	}
	detector := proxy.New(sup, db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.AutoStart {
		go func() {
			_, err := sup.Start(ctx)
			var spawnErr *process.SpawnError
			switch {
			case err == nil:
			case errors.As(err, &spawnErr):
				logger.Error("autostart: worker could not be spawned", "error", err)
			default:
				logger.Warn("autostart: worker not ready", "error", err)
			}
		}()
	}

	srv := api.NewServer(cfg.ListenAddr, db, sup, detector, logger)
	runErr := srv.Run(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), workerStopTimeout)
	sup.Shutdown(stopCtx)
	stopCancel()

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
