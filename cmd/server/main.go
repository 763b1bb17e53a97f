package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avela/mailflow/internal/ai"
	"github.com/avela/mailflow/internal/config"
	"github.com/avela/mailflow/internal/connection"
	"github.com/avela/mailflow/internal/database"
	"github.com/avela/mailflow/internal/monitoring"
	"github.com/avela/mailflow/internal/pipeline"
	"github.com/avela/mailflow/internal/provider"
	"github.com/avela/mailflow/internal/stats"
	"github.com/avela/mailflow/internal/web"
)

func main() {
	log.Println("Starting Mailflow...")

	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	log.Printf("✓ Database connected successfully")

	// Provider adapters (Gmail OAuth + IMAP)
	oauthConfig := provider.GmailOAuthConfig(
		cfg.GoogleClientID,
		cfg.GoogleClientSecret,
		cfg.GoogleRedirectURL,
	)
	factory := provider.NewFactory(oauthConfig)

	// AI response generation
	aiClient := ai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	log.Printf("✓ AI client initialized (model: %s)", cfg.OpenAIModel)

	// Processing pipeline
	processor := pipeline.NewProcessor(db, db, db, aiClient)

	// Connection manager and monitoring. The monitor reads connection state
	// from the manager, and the manager reports events back to the monitor,
	// so the event sink is attached after both exist.
	manager := connection.NewManager(db, factory, processor, nil)
	manager.SetPollDefaults(
		time.Duration(cfg.DefaultPollIntervalSeconds)*time.Second,
		cfg.FailureThreshold,
	)
	monitor := monitoring.NewManager(manager, cfg.MonitorLogCapacity)
	manager.SetEventRecorder(monitor)

	aggregator := stats.NewAggregator(db)

	// Restore connections for accounts that were syncing before shutdown
	if err := manager.RestoreAll(ctx); err != nil {
		log.Printf("Warning: failed to restore some connections: %v", err)
	}
	log.Printf("✓ Restored %d connection(s)", len(manager.GetAllConnections()))

	// Web server
	server := web.NewServer(db, cfg, manager, monitor, aggregator, processor)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Println("\n=== Mailflow Running ===")
	fmt.Printf("API listening on http://%s:%s\n", cfg.ServerHost, cfg.ServerPort)
	fmt.Println("Press Ctrl+C to stop")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("Received %v, shutting down...", sig)
	case err := <-errCh:
		log.Fatalf("Server stopped with error: %v", err)
	}

	manager.StopAll()
	log.Println("All connections stopped. Goodbye.")
}
