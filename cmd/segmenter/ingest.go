package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flybeeper/segment-pipeline/internal/config"
	"github.com/flybeeper/segment-pipeline/internal/mqtt"
	"github.com/flybeeper/segment-pipeline/internal/service"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Receive position reports over MQTT and store them in MySQL",
	Long: `Subscribes to MQTT_TOPIC (ais/{source}/positions), parses JSON position
reports and writes them to the messages table in batches. Stored messages are
segmented later by "segmenter run --source mysql".`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireMySQL(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openMySQL(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		return err
	}

	writer := service.NewBatchWriter(repo, logger, &service.BatchConfig{
		BatchSize:     cfg.Performance.MaxBatchSize,
		FlushInterval: cfg.Performance.BatchTimeout,
		ChannelBuffer: 10000,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
	})

	handler := func(report *mqtt.Report) error {
		var queueErr error
		for _, msg := range report.Messages {
			if err := writer.QueueMessage(msg); err != nil {
				queueErr = err
				break
			}
		}
		if len(report.Malformed) > 0 {
			saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := repo.SaveMalformed(saveCtx, "ingest:"+report.Source, report.Malformed); err != nil {
				logger.WithError(err).Warn("Failed to save malformed messages")
			}
		}
		if errors.Is(queueErr, service.ErrQueueFull) {
			return fmt.Errorf("dropping messages from %s: %w", report.Topic, queueErr)
		}
		return queueErr
	}

	client, err := mqtt.NewClient(&cfg.MQTT, logger, handler)
	if err != nil {
		writer.Stop()
		return fmt.Errorf("failed to initialize MQTT client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		writer.Stop()
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			m := writer.GetMetrics()
			logger.WithFields(map[string]interface{}{
				"queued":    m.Queued,
				"processed": m.Processed,
				"dropped":   m.Dropped,
				"errors":    m.Errors,
				"connected": client.IsConnected(),
			}).Info("Ingest statistics")
		}
	}

	logger.Info("Received shutdown signal")
	client.Disconnect()
	writer.Stop()
	logger.Info("Ingest stopped gracefully")
	return nil
}
