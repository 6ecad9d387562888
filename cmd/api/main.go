package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"dev/bravebird/scene-verifier/pkg/api"
	"dev/bravebird/scene-verifier/pkg/config"
	"dev/bravebird/scene-verifier/pkg/database"
	"dev/bravebird/scene-verifier/pkg/metrics"
)

func main() {
	log.Println("Starting Scene Verifier API Server")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := tlog.NewStructuredLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	// Initialize database
	db, err := database.New(cfg.MySQLDSN)
	if err != nil {
		log.Printf("Warning: Failed to connect to database: %v", err)
		log.Println("Running without database persistence")
		db = nil
	}
	if db != nil {
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := db.EnsureSchema(ctx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to prepare schema: %v", err)
		}
	}

	// Initialize Temporal client
	temporalClient, err := client.Dial(client.Options{
		HostPort:       cfg.TemporalHost,
		Logger:         logger,
		MetricsHandler: metrics.NewTemporalHandler(prometheus.DefaultRegisterer, map[string]string{"process": "api"}, logger),
	})
	if err != nil {
		log.Fatalf("Failed to create Temporal client: %v", err)
	}
	defer temporalClient.Close()

	handlers := api.NewHandlers(db, temporalClient, cfg.ScreenshotDir, cfg.StepTimeout, logger)
	router := api.NewRouter(handlers)

	// Setup CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      c.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("API server listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
