// Package sync implements the subcommand that drains the upload queue once.
package sync

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdsense-go/internal/backend"
	"github.com/tphakala/birdsense-go/internal/conf"
	"github.com/tphakala/birdsense-go/internal/logging"
	"github.com/tphakala/birdsense-go/internal/uploadqueue"
)

// Command creates the sync subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Upload pending detections and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(settings)
		},
	}
}

func runSync(settings *conf.Settings) error {
	queue, err := uploadqueue.New(settings.Queue.Path, settings.Queue.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to open upload queue: %w", err)
	}

	pending := queue.PendingCount()
	if pending == 0 {
		fmt.Println("Upload queue is empty, nothing to do")
		return nil
	}
	fmt.Printf("Draining %d pending upload(s)\n", pending)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drainErr := queue.Drain(ctx, backend.New(settings))

	stats := queue.Stats()
	fmt.Printf("Uploaded %d, evicted %d, still pending %d\n",
		stats.Uploaded, stats.Evicted, stats.Pending)

	if drainErr != nil {
		logging.Error("Queue drain stopped on failure", "error", drainErr)
		return fmt.Errorf("drain stopped with %d job(s) pending: %w", stats.Pending, drainErr)
	}
	return nil
}
