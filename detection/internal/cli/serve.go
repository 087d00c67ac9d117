package cli

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/middleware"
	"github.com/telhawk-systems/ledgerwatch/common/server"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/detector"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/handlers"
	detectionserver "github.com/telhawk-systems/ledgerwatch/detection/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the detection HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting detection service",
		"port", cfg.Detection.Server.Port,
		"environment", cfg.Environment,
		"similarity_backend", cfg.Detection.Similarity.Backend,
	)

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.Close(closeCtx)
	}()

	det := p.service.Detector()
	cfg.WatchThresholds(func(t config.ThresholdsConfig) {
		det.SetThresholds(detector.ThresholdsFrom(t))
		logger.Info("detection thresholds reloaded",
			"duplicate_similarity", t.DuplicateSimilarity,
			"suspicious_similarity", t.SuspiciousSimilarity,
			"amount_tolerance_cents", t.AmountToleranceCents,
			"time_tolerance", t.TimeTolerance.String(),
		)
	})

	h := handlers.NewHandler(p.service, p.repo, logger).WithWriteTimeout(cfg.DetectBudget())
	srv := server.New(cfg.Detection.Server, cfg.Server, secured(detectionserver.NewRouter(h, logger)))
	if err := server.Run(ctx, srv, logger); err != nil {
		logger.Error("detection server failed", logging.Error(err))
		return err
	}
	return nil
}

func secured(h http.Handler) http.Handler {
	return middleware.SecurityHeaders(middleware.SecurityConfig{HSTS: cfg.IsProduction()})(h)
}
