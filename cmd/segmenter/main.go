package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flybeeper/segment-pipeline/internal/config"
	"github.com/flybeeper/segment-pipeline/internal/metrics"
	"github.com/flybeeper/segment-pipeline/internal/repository"
	"github.com/flybeeper/segment-pipeline/internal/segmenter"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

var (
	// Version будет установлен при сборке через ldflags
	Version = "dev"

	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "segmenter",
	Short: "Vessel message segmentation pipeline",
	Long: `Splits AIS position reports of every vessel identifier into segments
and carries open segments between daily runs via seeds.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.LogLevel(), "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", config.LogFormat(), "log format (json, text)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger логгер команды с версией приложения
func newLogger(cmd *cobra.Command) *utils.Logger {
	logger := utils.NewLogger(logLevel, logFormat)
	// stdout занят результатом команды
	logger.SetOutput(cmd.ErrOrStderr())
	utils.SetDefaultLogger(logger)
	metrics.AppInfo.WithLabelValues(Version, cmd.Name()).Set(1)
	return logger.WithField("version", Version)
}

// loadSegmenter конфигурация и проверенный сегментатор. Ошибка параметров
// фатальна до обработки первого сообщения.
func loadSegmenter() (*config.Config, *segmenter.Segmenter, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	params, err := cfg.SegmenterParams()
	if err != nil {
		return nil, nil, err
	}
	seg, err := segmenter.New(params)
	if err != nil {
		return nil, nil, err
	}
	return cfg, seg, nil
}

// openMySQL подключение к MySQL с проверкой соединения
func openMySQL(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*repository.MySQLRepository, error) {
	repo, err := repository.NewMySQLRepository(&cfg.MySQL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MySQL repository: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	logger.Info("Connected to MySQL")
	return repo, nil
}
