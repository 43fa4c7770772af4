package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/caf-audit/cafsync/internal/analysis"
	"github.com/caf-audit/cafsync/internal/config"
	"github.com/caf-audit/cafsync/internal/db"
	"github.com/caf-audit/cafsync/internal/document"
	"github.com/caf-audit/cafsync/internal/history"
	"github.com/caf-audit/cafsync/internal/mapping"
	"github.com/caf-audit/cafsync/internal/middleware"
	"github.com/caf-audit/cafsync/internal/repository"
	"github.com/caf-audit/cafsync/internal/snapshot"
	"github.com/caf-audit/cafsync/internal/versionstore"
)

func main() {
	serve := flag.Bool("serve", false, "expose the version history API after the analysis run")
	configPath := flag.String("config", ".", "directory holding config.yaml")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbCfg, runCfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	conn, err := db.NewConnection(ctx, dbCfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	if err := db.RunMigrations(ctx, conn, runCfg.MigrationsPath); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	fieldMapping, err := mapping.Load(runCfg.MappingPath)
	if err != nil {
		log.Fatalf("Failed to load field mapping: %v", err)
	}

	entities, err := config.LoadEntities(runCfg.EntitiesPath)
	if err != nil {
		log.Fatalf("Failed to load entity configs: %v", err)
	}

	versionRepo := repository.NewVersionRepository(conn.Pool)
	runner := analysis.NewRunner(
		analysis.SchemaSnapshots{Pool: conn.Pool, Prefix: runCfg.SnapshotPrefix},
		snapshot.NewDetector(conn.Pool, fieldMapping),
		document.NewBuilder(conn.Pool, fieldMapping),
		versionstore.NewWriter(versionRepo),
		entities,
		runCfg.RowLimit,
	)

	report, err := runner.Run(ctx)
	if err != nil {
		log.Fatalf("Analysis run failed: %v", err)
	}
	log.Print("\n" + report.Summary())

	if !*serve {
		return
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   runCfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	historyHandler := middleware.LoggingMiddleware(
		history.NewHTTPHandler(history.NewService(versionRepo)),
	)
	http.Handle("/history/", corsHandler.Handler(historyHandler))

	server := &http.Server{
		Addr:         runCfg.ListenAddr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting history API on %s", runCfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
