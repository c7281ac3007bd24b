/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the bonus calculation engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse environment config
  2. Apply command-line flag overrides
  3. Initialize SQLite store
  4. Wire orchestrator with metrics hooks
  5. Start run watchdog
  6. Start server with graceful shutdown

CONFIGURATION:
  Environment (see Config), overridable by flags:
    PORT             HTTP server port (default: 8080)
    DB_PATH          SQLite database path (default: bonus.db)
                     Use ":memory:" for in-memory database
    RUN_WORKERS      Per-run evaluation worker count (default: 4)
    RUN_TIMEOUT      Per-run execution timeout (default: 10m)
    STACK_MATCHES    Apply all matching rules additively (default: false)
    WATCHDOG         Enable the stale run watchdog (default: true)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the watchdog and wait for in-flight runs
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/bonus.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  PORT=3000 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/posightful/bonus-engine/api"
	"github.com/posightful/bonus-engine/engine"
	"github.com/posightful/bonus-engine/store/sqlite"
)

// Config is the environment-driven server configuration.
type Config struct {
	Port         int           `env:"PORT" envDefault:"8080"`
	DBPath       string        `env:"DB_PATH" envDefault:"bonus.db"`
	RunWorkers   int           `env:"RUN_WORKERS" envDefault:"4"`
	RunTimeout   time.Duration `env:"RUN_TIMEOUT" envDefault:"10m"`
	StackMatches bool          `env:"STACK_MATCHES" envDefault:"false"`
	Watchdog     bool          `env:"WATCHDOG" envDefault:"true"`
}

func main() {
	// .env is optional; real environments set variables directly.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse environment: %v", err)
	}

	// Flag overrides
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire orchestrator with metrics
	orch := engine.NewOrchestrator(store, engine.Config{
		Workers:      cfg.RunWorkers,
		RunTimeout:   cfg.RunTimeout,
		StackMatches: cfg.StackMatches,
	})
	orch.SetHooks(api.MetricsHooks())

	// Initialize handler and router
	handler := api.NewHandler(store, orch)
	router := api.NewRouter(handler)

	// Watchdog for runs orphaned by a previous crash
	watchdog := api.NewRunWatchdog(store)
	watchdog.Enabled = cfg.Watchdog
	watchdog.Sweep(context.Background())
	watchdog.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
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

	watchdog.Stop()
	orch.Wait()

	log.Println("Server stopped")
}
