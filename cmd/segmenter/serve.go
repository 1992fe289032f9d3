package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flybeeper/segment-pipeline/internal/handler"
	"github.com/flybeeper/segment-pipeline/internal/repository"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the segment and seed query API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)

	cfg, seg, err := loadSegmenter()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seeds, closeSeeds, err := openSeedStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSeeds()

	// MySQL опционален: без него доступны только seed и dry-run сегментация
	var repo repository.SegmentRepository
	if cfg.MySQL.DSN != "" {
		mysqlRepo, err := repository.NewMySQLRepository(&cfg.MySQL, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize MySQL repository")
		} else {
			defer mysqlRepo.Close()
			if err := mysqlRepo.Ping(ctx); err != nil {
				logger.WithError(err).Warn("Failed to connect to MySQL")
			} else {
				logger.Info("Connected to MySQL")
			}
			repo = mysqlRepo
		}
	}

	server := handler.NewServer(cfg, handler.NewRESTHandler(repo, seeds, seg, logger), logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	}
	logger.Info("Server stopped gracefully")
	return nil
}
