// Package cmd assembles the command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/birdsense-go/cmd/detections"
	sensorcmd "github.com/tphakala/birdsense-go/cmd/sensor"
	"github.com/tphakala/birdsense-go/cmd/sync"
	"github.com/tphakala/birdsense-go/internal/conf"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "birdsense",
		Short:   "BirdSense-Go field bioacoustic sensor",
		Long:    "Continuously classifies captured audio segments against a remote model and uploads target species detections through a durable queue.",
		Version: fmt.Sprintf("%s (built %s)", settings.Version, settings.BuildDate),
	}

	setupFlags(rootCmd, settings)

	rootCmd.AddCommand(
		sensorcmd.Command(settings),
		sync.Command(settings),
		detections.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Flags take precedence over the config file
		return viper.Unmarshal(settings)
	}

	return rootCmd
}

// setupFlags defines the global flags and binds them to viper keys.
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) {
	rootCmd.PersistentFlags().BoolP("debug", "d", settings.Debug, "Enable debug output")
	rootCmd.PersistentFlags().Float64P("threshold", "t", settings.Sensor.Threshold, "Minimum confidence for a positive detection")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		cobra.CheckErr(err)
	}
	if err := viper.BindPFlag("sensor.threshold", rootCmd.PersistentFlags().Lookup("threshold")); err != nil {
		cobra.CheckErr(err)
	}
}
