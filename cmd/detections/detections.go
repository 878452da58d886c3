// Package detections implements the subcommand that lists the local
// detection log.
package detections

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdsense-go/internal/conf"
	"github.com/tphakala/birdsense-go/internal/datastore"
	"github.com/tphakala/birdsense-go/internal/logging"
)

// Command creates the detections subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "detections",
		Short: "List recent detections from the local log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetections(settings, limit, cmd)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of detections to list")

	return cmd
}

func runDetections(settings *conf.Settings, limit int, cmd *cobra.Command) error {
	store := datastore.New(settings)
	if err := store.Open(); err != nil {
		return fmt.Errorf("failed to open detection log: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error("Failed to close detection log", "error", err)
		}
	}()

	detections, err := store.GetLastDetections(limit)
	if err != nil {
		return fmt.Errorf("failed to read detection log: %w", err)
	}

	if len(detections) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No detections recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSPECIES\tCONFIDENCE\tLOCATION")
	for i := range detections {
		d := &detections[i]
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.4f, %.4f\n",
			d.Timestamp.Format("2006-01-02 15:04:05"),
			d.CommonName,
			d.Confidence,
			d.Latitude, d.Longitude)
	}
	return w.Flush()
}
