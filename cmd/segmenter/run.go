package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flybeeper/segment-pipeline/internal/config"
	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/internal/repository"
	"github.com/flybeeper/segment-pipeline/internal/service"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

type runOptions struct {
	dateRange    string
	source       string
	input        []string
	sink         string
	outputPrefix string
	seedStore    string
	workers      int
}

var runFlags runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Segment messages of a date range",
	Long: `Reads messages of the date range, segments every identifier and writes
annotated messages and segment summaries to the sink. Open segments are saved
as seeds at the end of the range and picked up by the next run.`,
	Example: `  segmenter run --date-range 2017-01-01,2017-01-03 --input messages.jsonl.gz --seed-store memory
  segmenter run --date-range 2017-01-04 --source mysql --sink mysql`,
	Args: cobra.NoArgs,
	RunE: runSegmentation,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.dateRange, "date-range", "", "YYYY-MM-DD[,YYYY-MM-DD], inclusive (RUN_DATE_RANGE)")
	f.StringVar(&runFlags.source, "source", "", "message sources: jsonl, mysql or jsonl,mysql (RUN_SOURCE)")
	f.StringSliceVar(&runFlags.input, "input", nil, "JSONL input files, .gz supported (RUN_INPUT)")
	f.StringVar(&runFlags.sink, "sink", "", "result sink: jsonl or mysql (RUN_SINK)")
	f.StringVar(&runFlags.outputPrefix, "output-prefix", "", "JSONL sink file prefix (RUN_OUTPUT_PREFIX)")
	f.StringVar(&runFlags.seedStore, "seed-store", "", "seed store: redis or memory (RUN_SEED_STORE)")
	f.IntVar(&runFlags.workers, "workers", 0, "identifiers segmented in parallel (WORKER_POOL_SIZE)")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags флаги командной строки перекрывают переменные окружения
func applyRunFlags(cfg *config.Config) error {
	if runFlags.dateRange != "" {
		cfg.Run.DateRange = runFlags.dateRange
	}
	if runFlags.source != "" {
		cfg.Run.Source = runFlags.source
	}
	if len(runFlags.input) > 0 {
		cfg.Run.Input = strings.Join(runFlags.input, ",")
	}
	if runFlags.sink != "" {
		cfg.Run.Sink = runFlags.sink
	}
	if runFlags.outputPrefix != "" {
		cfg.Run.OutputPrefix = runFlags.outputPrefix
	}
	if runFlags.seedStore != "" {
		cfg.Run.SeedStore = runFlags.seedStore
	}
	if runFlags.workers > 0 {
		cfg.Performance.WorkerPoolSize = runFlags.workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.UsesMySQL() {
		return cfg.RequireMySQL()
	}
	return nil
}

func runSegmentation(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)

	cfg, seg, err := loadSegmenter()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cfg); err != nil {
		return err
	}
	window, err := service.ParseDateRange(cfg.Run.DateRange)
	if err != nil {
		return fmt.Errorf("invalid date range: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mysqlRepo *repository.MySQLRepository
	if cfg.UsesMySQL() {
		if mysqlRepo, err = openMySQL(ctx, cfg, logger); err != nil {
			return err
		}
		defer mysqlRepo.Close()
	}

	seeds, closeSeeds, err := openSeedStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSeeds()

	source, err := buildSource(cfg, mysqlRepo, logger)
	if err != nil {
		return err
	}
	sink, err := buildSink(cfg, mysqlRepo, logger)
	if err != nil {
		return err
	}

	opts := []service.RunnerOption{service.WithWorkers(cfg.Performance.WorkerPoolSize)}
	if mysqlRepo != nil {
		opts = append(opts, service.WithRunRecorder(mysqlRepo))
	}
	runner := service.NewRunner(source, sink, seeds, seg, logger, opts...)

	report, runErr := runner.Run(ctx, window)
	if err := sink.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close sink: %w", err)
		report.Status = models.RunFailed
		report.Error = runErr.Error()
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if runErr != nil {
		return fmt.Errorf("run %s %s: %w", report.RunID, report.Status, runErr)
	}
	return nil
}

// openSeedStore хранилище seed по RUN_SEED_STORE
func openSeedStore(ctx context.Context, cfg *config.Config, logger *utils.Logger) (repository.SeedStore, func(), error) {
	if cfg.Run.SeedStore == config.BackendMemory {
		logger.Warn("Using in-memory seed store, open segments will not survive this run")
		return repository.NewMemorySeedStore(), func() {}, nil
	}

	store, err := repository.NewRedisSeedStore(&cfg.Redis, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize Redis seed store: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("Connected to Redis")
	return store, func() { store.Close() }, nil
}

// buildSource источник сообщений, несколько источников объединяются
func buildSource(cfg *config.Config, repo *repository.MySQLRepository, logger *utils.Logger) (service.MessageSource, error) {
	var sources []service.MessageSource
	for _, name := range cfg.Run.Sources() {
		switch name {
		case config.BackendJSONL:
			if cfg.Run.Input == "" {
				return nil, fmt.Errorf("--input (RUN_INPUT) is required for the %s source", config.BackendJSONL)
			}
			src, err := service.NewJSONLSource([]string{cfg.Run.Input}, logger)
			if err != nil {
				return nil, err
			}
			sources = append(sources, src)
		case config.BackendMySQL:
			sources = append(sources, service.NewMySQLSource(repo))
		}
	}
	if len(sources) == 1 {
		return sources[0], nil
	}
	return service.NewMultiSource(sources...), nil
}

func buildSink(cfg *config.Config, repo *repository.MySQLRepository, logger *utils.Logger) (service.Sink, error) {
	if cfg.Run.Sink == config.BackendMySQL {
		return service.NewMySQLSink(repo), nil
	}
	return service.NewJSONLSink(cfg.Run.OutputPrefix, logger)
}
