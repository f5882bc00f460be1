package main

import (
	"bq-migrator/api"
	"bq-migrator/migrate"
	"bq-migrator/service"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2/google"
)

const defaultRegion = "europe-north1"

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using system environment variables")
	}

	if os.Getenv("RUN_MODE") == "server" {
		runServer()
		return
	}
	runJob()
}

// runJob executes one migration run from the command line and exits.
func runJob() {
	components := flag.String("components", "", "comma-separated subset to migrate (tables,external_tables,views,routines,scheduled_queries); empty means everything")
	region := flag.String("region", defaultRegion, "region for created datasets, scheduled queries and a new bucket")
	downloadAfterExport := flag.Bool("download-after-export", false, "mirror the bucket to a local directory after export")
	uploadBeforeImport := flag.Bool("upload-before-import", false, "mirror a local directory into the bucket before import")
	localDir := flag.String("local-dir", "bq_export", "local directory for bucket mirroring")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s [flags] <export|import> <project-id> <bucket> <credentials-file>\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 4 {
		flag.Usage()
		os.Exit(2)
	}
	modeArg, projectID, bucket, credentialsFile := flag.Arg(0), flag.Arg(1), flag.Arg(2), flag.Arg(3)

	mode := migrate.Mode(modeArg)
	if mode != migrate.ModeExport && mode != migrate.ModeImport {
		fmt.Fprintf(os.Stderr, "unknown mode %q, want export or import\n", modeArg)
		os.Exit(2)
	}
	if projectID == "" {
		fmt.Fprintln(os.Stderr, "project id must not be empty")
		os.Exit(2)
	}

	closeLog, err := setupLogging(mode, projectID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to set up logging:", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := setupAuth(credentialsFile); err != nil {
		slog.Error("Failed to set up credentials", "error", err)
		os.Exit(1)
	}

	parsed, err := migrate.ParseComponents(*components)
	if err != nil {
		slog.Error("Invalid component list", "components", *components, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	runner, cleanup, err := buildRunner(ctx, projectID, bucket, *region)
	if err != nil {
		slog.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	opts := migrate.RunOptions{
		Mode:                mode,
		Components:          parsed,
		DownloadAfterExport: *downloadAfterExport,
		UploadBeforeImport:  *uploadBeforeImport,
		LocalDir:            *localDir,
	}
	report, err := runner.Run(ctx, opts)
	if err != nil {
		slog.Error("Run failed", "mode", string(mode), "project", projectID, "error", err)
		os.Exit(1)
	}
	slog.Info("Run completed",
		"mode", string(mode), "project", projectID,
		"tasks", report.Total, "failed", report.Failed)
	if report.Failed > 0 {
		os.Exit(1)
	}
}

// setupLogging sends JSON logs to stderr and a per-run log file. Progress
// lines go straight to stderr so they stay readable next to the logs.
func setupLogging(mode migrate.Mode, projectID string) (func(), error) {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join("logs", fmt.Sprintf("%s-%s-%s.log", mode, projectID, time.Now().Format("20060102-150405")))
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stderr, f), nil))
	slog.SetDefault(logger)
	return func() { f.Close() }, nil
}

func setupAuth(credentialsFile string) error {
	if _, err := os.Stat(credentialsFile); err != nil {
		return fmt.Errorf("credentials file %s: %w", credentialsFile, err)
	}
	return os.Setenv("GOOGLE_APPLICATION_CREDENTIALS", credentialsFile)
}

func buildRunner(ctx context.Context, projectID, bucket, region string) (*migrate.Runner, func(), error) {
	bqService, err := service.NewBigQueryService(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing BigQuery service: %w", err)
	}
	storageService, err := service.NewStorageService(ctx, projectID, bucket, region)
	if err != nil {
		bqService.Close()
		return nil, nil, fmt.Errorf("initializing storage service: %w", err)
	}
	transferService, err := service.NewTransferService(ctx)
	if err != nil {
		bqService.Close()
		storageService.Close()
		return nil, nil, fmt.Errorf("initializing transfer service: %w", err)
	}
	cleanup := func() {
		transferService.Close()
		storageService.Close()
		bqService.Close()
	}
	runner := &migrate.Runner{
		Warehouse:  bqService,
		Storage:    storageService,
		Transfers:  transferService,
		Mirror:     storageService,
		Region:     region,
		OnProgress: printProgress,
	}
	return runner, cleanup, nil
}

func printProgress(done, total int64) {
	fmt.Fprintf(os.Stderr, "Progress: %d/%d tasks completed\n", done, total)
}

// runServer exposes the migration engine over HTTP for Cloud Run.
func runServer() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()

	projectID := os.Getenv("GCP_PROJECT_ID")
	if projectID == "" {
		slog.Info("GCP_PROJECT_ID not set, attempting to detect from credentials...")
		creds, err := google.FindDefaultCredentials(ctx, bigquery.Scope)
		if err != nil {
			slog.Error("Failed to find default credentials", "error", err)
			os.Exit(1)
		}
		if creds.ProjectID == "" {
			slog.Error("GCP_PROJECT_ID is not set and could not be detected from credentials")
			os.Exit(1)
		}
		projectID = creds.ProjectID
		slog.Info("Detected Project ID", "project_id", projectID)
	}

	bucket := os.Getenv("GCS_BUCKET")
	if bucket == "" {
		slog.Error("GCS_BUCKET is not set")
		os.Exit(1)
	}
	region := os.Getenv("GCP_REGION")
	if region == "" {
		region = defaultRegion
	}

	runner, cleanup, err := buildRunner(ctx, projectID, bucket, region)
	if err != nil {
		slog.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer cleanup()
	// No progress callback in server mode; the report carries the outcome.
	runner.OnProgress = nil

	// Release mode is better for production performance
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New() // Use New() to skip default logger/recovery middleware for custom ones
	r.Use(gin.Recovery())

	apiKey := os.Getenv("API_KEY")
	if apiKey != "" {
		r.Use(func(c *gin.Context) {
			if c.Request.URL.Path == "/health" {
				c.Next()
				return
			}
			if c.GetHeader("X-API-Key") != apiKey {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.Next()
		})
	}

	// Custom logger middleware for Gin that uses slog
	r.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		msg := "Request processed"
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("client_ip", c.ClientIP()),
		}
		if raw != "" {
			attrs = append(attrs, slog.String("query", raw))
		}

		// Cloud Scheduler specific headers
		if jobName := c.GetHeader("X-CloudScheduler-JobName"); jobName != "" {
			attrs = append(attrs, slog.String("scheduler_job", jobName))
		}
		if scheduleTime := c.GetHeader("X-CloudScheduler-ScheduleTime"); scheduleTime != "" {
			attrs = append(attrs, slog.String("scheduler_time", scheduleTime))
		}

		if status >= 500 {
			slog.Error(msg, attrs...)
		} else {
			slog.Info(msg, attrs...)
		}
	})

	// CORS configuration
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	r.Use(cors.New(config))

	// Health Check Endpoint (Vital for Cloud Run)
	r.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Routes
	r.POST("/api/migrate", api.MigrateHandler(runner))

	// Server setup with Graceful Shutdown
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exiting")
}
