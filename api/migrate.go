package api

import (
	"context"
	"log/slog"
	"net/http"

	"bq-migrator/migrate"

	"github.com/gin-gonic/gin"
)

type MigrateRequest struct {
	Mode                string `json:"mode" binding:"required,oneof=export import"`
	Components          string `json:"components"`
	DownloadAfterExport bool   `json:"download_after_export"`
	UploadBeforeImport  bool   `json:"upload_before_import"`
	LocalDir            string `json:"local_dir"`
}

type MigrateResponse struct {
	Message string            `json:"message"`
	Report  migrate.RunReport `json:"report"`
}

// Runner is the slice of the migration engine the handler needs.
type Runner interface {
	Run(ctx context.Context, opts migrate.RunOptions) (migrate.RunReport, error)
}

func MigrateHandler(runner Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MigrateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.WarnContext(c.Request.Context(), "Invalid request body", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		components, err := migrate.ParseComponents(req.Components)
		if err != nil {
			slog.WarnContext(c.Request.Context(), "Invalid component list", "components", req.Components, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		slog.InfoContext(c.Request.Context(), "Received migration request",
			"mode", req.Mode,
			"components", req.Components,
			"download_after_export", req.DownloadAfterExport,
			"upload_before_import", req.UploadBeforeImport,
		)

		opts := migrate.RunOptions{
			Mode:                migrate.Mode(req.Mode),
			Components:          components,
			DownloadAfterExport: req.DownloadAfterExport,
			UploadBeforeImport:  req.UploadBeforeImport,
			LocalDir:            req.LocalDir,
		}
		report, err := runner.Run(c.Request.Context(), opts)
		if err != nil {
			slog.ErrorContext(c.Request.Context(), "Migration failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process migration: " + err.Error()})
			return
		}
		c.JSON(http.StatusOK, MigrateResponse{Message: "OK", Report: report})
	}
}
