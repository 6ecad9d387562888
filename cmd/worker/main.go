package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"dev/bravebird/scene-verifier/pkg/browser"
	"dev/bravebird/scene-verifier/pkg/config"
	"dev/bravebird/scene-verifier/pkg/database"
	"dev/bravebird/scene-verifier/pkg/metrics"
	"dev/bravebird/scene-verifier/pkg/temporal/activities"
	"dev/bravebird/scene-verifier/pkg/temporal/workflows"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := tlog.NewStructuredLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	// Create Temporal client
	c, err := client.Dial(client.Options{
		HostPort:       cfg.TemporalHost,
		Logger:         logger,
		MetricsHandler: metrics.NewTemporalHandler(prometheus.DefaultRegisterer, map[string]string{"process": "worker"}, logger),
	})
	if err != nil {
		log.Fatalf("Failed to create Temporal client: %v", err)
	}
	defer c.Close()

	// Results are persisted only when the database is reachable
	db, err := database.New(cfg.MySQLDSN)
	if err != nil {
		log.Printf("Warning: Failed to connect to database: %v", err)
		log.Println("Running without run persistence")
		db = nil
	}
	if db != nil {
		defer db.Close()
	}

	if err := os.MkdirAll(cfg.ScreenshotDir, 0755); err != nil {
		log.Fatalf("Failed to create screenshot directory: %v", err)
	}

	engine := browser.NewRodEngine(cfg.RodConfig())
	acts := activities.NewActivities(engine, db, cfg.ScreenshotDir)

	w := worker.New(c, config.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     5,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	w.RegisterWorkflow(workflows.ProbeWorkflow)
	w.RegisterActivity(acts)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("Metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server failed: %v", err)
		}
	}()

	log.Printf("Starting Temporal worker on task queue: %s", config.TaskQueue)
	log.Printf("Temporal host: %s", cfg.TemporalHost)

	err = w.Run(worker.InterruptCh())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsServer.Shutdown(ctx)

	if n := acts.Pool.CloseAll(); n > 0 {
		log.Printf("Closed %d browser sessions left open at shutdown", n)
	}
	if err != nil {
		log.Fatalf("Worker failed: %v", err)
	}
}
