package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xelth-com/eckstocktake/internal/catalog"
	"github.com/xelth-com/eckstocktake/internal/config"
	"github.com/xelth-com/eckstocktake/internal/database"
	"github.com/xelth-com/eckstocktake/internal/duplicate"
	"github.com/xelth-com/eckstocktake/internal/export"
	"github.com/xelth-com/eckstocktake/internal/handlers"
	"github.com/xelth-com/eckstocktake/internal/localcache"
	"github.com/xelth-com/eckstocktake/internal/offline"
	"github.com/xelth-com/eckstocktake/internal/scanner"
	"github.com/xelth-com/eckstocktake/internal/session"
	"github.com/xelth-com/eckstocktake/internal/store"
	"github.com/xelth-com/eckstocktake/internal/utils"
	"github.com/xelth-com/eckstocktake/internal/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	scanCfg := config.LoadScanConfig()

	// 2. Initialize database (Detects Embedded vs External automatically)
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	// Note: db.Close() is called manually in shutdown handler below

	// 3. Auto-Migrate Schema
	log.Println("🚀 Synchronizing database schema...")
	if err := db.Migrate(); err != nil {
		log.Printf("⚠️ Migration warning: %v\n", err)
	} else {
		log.Println("✅ Schema synchronized successfully")
	}
	remote := store.NewGormStore(db.DB)

	// 4. Local cache (catalog snapshot, scan lists, offline queue)
	cache, err := localcache.OpenBadger(cfg.CacheDir)
	if err != nil {
		log.Fatalf("Failed to open local cache at %s: %v", cfg.CacheDir, err)
	}
	clock := utils.SystemClock{}

	// 5. Reference catalog: local snapshot first, remote merged over it
	cat := catalog.New(cache, remote, clock, scanCfg.CatalogThrottle)
	if err := cat.LoadFromCache(); err != nil {
		log.Printf("⚠️ Catalog: local snapshot unreadable: %v", err)
	}
	if _, err := cat.LoadFromRemote(context.Background(), true); err != nil {
		log.Printf("⚠️ Catalog: remote load failed, running on local snapshot: %v", err)
	}

	// 6. Scan pipeline
	queue := offline.NewQueue(cache, remote, clock)
	book := session.NewScanBook(remote, cache, queue, clock)
	hub := websocket.NewHub()
	go hub.Run()
	book.SetPublisher(hub)

	deps := session.Deps{
		Catalog:  cat,
		Parser:   scanner.NewParser(cat, scanner.Options{StrictBatchMatch: scanCfg.StrictBatchMatch}),
		Resolver: duplicate.NewResolver(remote, book, clock, scanCfg.DuplicateStaleness),
		Book:     book,
		Clock:    clock,
	}
	manager := session.NewManager(deps, remote, cache, scanCfg.HeartbeatWindow)

	// 7. Connectivity monitor: flush the queue and refresh the catalog on restore
	monitor := offline.NewMonitor(remote, queue, clock, scanCfg.ConnectivityInterval)
	monitor.OnRestore(func(ctx context.Context) {
		if _, err := cat.LoadFromRemote(ctx, false); err != nil {
			log.Printf("⚠️ Catalog: reload after reconnect failed: %v", err)
		}
	})
	monitor.Start()
	if n := queue.PendingCount(); n > 0 {
		log.Printf("📥 %d scans waiting in the offline queue", n)
	}

	// 8. Set up HTTP router
	router := handlers.NewRouter(handlers.Services{
		Manager:   manager,
		Catalog:   cat,
		Queue:     queue,
		Monitor:   monitor,
		Exporter:  export.NewExporter(remote, remote),
		Hub:       hub,
		JWTSecret: cfg.JWTSecret,
	})

	// 9. Start server with graceful shutdown
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Stock-take server (%s) starting on port %s\n", cfg.InstanceID, cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	sig := <-shutdown
	log.Printf("\n⚠️  Received signal: %v. Shutting down gracefully...\n", sig)

	// Create context with timeout for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	monitor.Stop()
	hub.Stop()
	cat.Wait()

	if err := cache.Close(); err != nil {
		log.Printf("Local cache close error: %v", err)
	}

	// Close database (this also stops embedded PostgreSQL)
	log.Println("🛑 Closing database connection...")
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("✅ Shutdown complete")
}
