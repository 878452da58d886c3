// Package sensor implements the subcommand that runs the monitoring loop.
package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdsense-go/internal/backend"
	"github.com/tphakala/birdsense-go/internal/capture"
	"github.com/tphakala/birdsense-go/internal/classifier"
	"github.com/tphakala/birdsense-go/internal/conf"
	"github.com/tphakala/birdsense-go/internal/datastore"
	"github.com/tphakala/birdsense-go/internal/errors"
	"github.com/tphakala/birdsense-go/internal/logging"
	"github.com/tphakala/birdsense-go/internal/observability"
	"github.com/tphakala/birdsense-go/internal/sensor"
	"github.com/tphakala/birdsense-go/internal/uploadqueue"
)

// Command creates the sensor subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "sensor",
		Short: "Run the monitoring loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSensor(settings)
		},
	}
}

func runSensor(settings *conf.Settings) error {
	if settings.Main.Log.Enabled {
		fileLogger, closeLogger, err := logging.NewFileLogger(settings.Main.Log.Path, "sensor", slog.LevelDebug)
		if err != nil {
			logging.Warn("File logging disabled", "path", settings.Main.Log.Path, "error", err)
		} else {
			defer func() {
				if err := closeLogger(); err != nil {
					logging.Error("Failed to close log file", "error", err)
				}
			}()
			slog.SetDefault(fileLogger)
		}
	}

	if settings.Debug {
		errors.AddErrorHook(func(ee *errors.EnhancedError) {
			logging.Debug("Error reported",
				"component", ee.GetComponent(),
				"category", ee.GetCategory())
		})
	}

	deviceID, err := conf.EnsureDeviceID(settings)
	if err != nil {
		return fmt.Errorf("failed to establish device identity: %w", err)
	}
	logging.Info("Device identity", "device_id", deviceID)

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	queue, err := uploadqueue.New(settings.Queue.Path, settings.Queue.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to open upload queue: %w", err)
	}

	var store datastore.Interface
	if settings.Output.SQLite.Enabled {
		sqliteStore := datastore.New(settings)
		if err := sqliteStore.Open(); err != nil {
			return fmt.Errorf("failed to open detection log: %w", err)
		}
		defer func() {
			if err := sqliteStore.Close(); err != nil {
				logging.Error("Failed to close detection log", "error", err)
			}
		}()
		store = sqliteStore
	}

	s, err := sensor.New(settings, &sensor.Options{
		Classifier: classifier.New(settings),
		Source:     capture.NewDirSource(settings),
		Queue:      queue,
		Uploader:   backend.New(settings),
		Store:      store,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	s.SetStatsCallback(func(stats sensor.Stats) {
		if stats.LastError != "" && stats.ConsecutiveErrors > 0 {
			logging.Warn("Sensor error",
				"consecutive_errors", stats.ConsecutiveErrors,
				"error", stats.LastError)
			return
		}
		logging.Info("Sensor stats",
			"running", stats.Running,
			"segments", stats.SegmentsProcessed,
			"detections", stats.Detections,
			"pending_uploads", stats.PendingUploads)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if settings.Telemetry.Enabled {
		endpoint, err := observability.NewEndpoint(settings, metrics)
		if err != nil {
			return err
		}
		go func() {
			if err := endpoint.Start(ctx); err != nil && ctx.Err() == nil {
				logging.Error("Telemetry endpoint failed", "error", err)
			}
		}()
	}

	if err := s.Start(ctx); err != nil {
		return err
	}

	logging.Info("Monitoring started", "spool", settings.Capture.Path, "targets", settings.Sensor.Targets)

	select {
	case <-ctx.Done():
		logging.Info("Shutting down")
	case <-s.Done():
		logging.Warn("Monitoring loop stopped on its own, shutting down")
	}
	s.Stop()
	return nil
}
