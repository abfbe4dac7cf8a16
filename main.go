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

	_ "modernc.org/sqlite"

	"github.com/foxet/pbc1109/internal/api"
	"github.com/foxet/pbc1109/internal/config"
	"github.com/foxet/pbc1109/internal/db"
	"github.com/foxet/pbc1109/internal/timeutil"
	"github.com/foxet/pbc1109/internal/tract/monitor"
	sqlite "github.com/foxet/pbc1109/internal/tract/storage/sqlite"
	"github.com/foxet/pbc1109/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	dbFile      = flag.String("db", "density_data.db", "Path to the SQLite database file")
	configFile  = flag.String("config", "", "Path to a JSON config file (optional)")
	autoMigrate = flag.Bool("auto-migrate", true, "Apply pending schema migrations on startup")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("pbc1109 %s\n", version.String())
		return
	}

	// `pbc1109 migrate <command>` manages the schema explicitly and exits.
	if flag.Arg(0) == "migrate" {
		db.RunMigrateCommand(flag.Args()[1:], *dbFile)
		return
	}

	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}

	cfg := config.EmptyConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		log.Printf("Loaded config from %s", *configFile)
	}

	database, err := db.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.EnsureSchema(*autoMigrate); err != nil {
		log.Fatalf("Schema check failed: %v", err)
	}

	stores := sqlite.NewStores(database.DB, timeutil.RealClock{})
	server := api.NewServer(stores, cfg, nil, nil, nil)

	// Create a wait group for the HTTP server routine
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := server.ServeMux()

		// mount the admin debugging routes (tailsql console and backup)
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("Failed to attach admin routes: %v", err)
		}

		// debug chart pages over the stored runs
		monitor.NewChartServer(stores).RegisterRoutes(mux)

		// Health check endpoint
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status": "ok", "service": "pbc1109", "timestamp": "%s"}`, time.Now().UTC().Format(time.RFC3339))
		})

		// Basic info endpoint
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/html")

			fmt.Fprintf(w, `
<!DOCTYPE html>
<html>
<head><title>pbc1109 Track Density Server</title></head>
<body>
	<h1>pbc1109 Track Density Server</h1>
	<p>Version %s</p>
	<p>Database: %s</p>
	<ul>
		<li><a href="/api/files">Registered track files</a></li>
		<li><a href="/api/runs">Density runs</a></li>
		<li><a href="/api/config">Server configuration</a></li>
		<li><a href="/debug/charts/">Debug charts</a></li>
		<li><a href="/debug/">Admin debug surface</a></li>
		<li><a href="/health">Health check</a></li>
	</ul>
</body>
</html>`, version.Version, *dbFile)
		})

		httpServer := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("Starting HTTP server on %s", *listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Create a shutdown context with a timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := httpServer.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		// Let in-flight density runs finish before the database closes.
		server.Wait()

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
