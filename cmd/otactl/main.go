// Command otactl is the bench tool for the OTA engine: it serves images and
// metadata the way the update site does, runs the engine on the host against
// an in-memory flash, and talks to a device over its console or serial port.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/imatrix-iot/iMatrix-sub000/version"
)

var verboseFlag bool

func main() {
	rootCmd := &cobra.Command{
		Use:   "otactl",
		Short: "Bench tool for iMatrix OTA updates",
		Long: `otactl serves firmware images and version metadata over HTTP, runs the
OTA engine on the host against an in-memory serial flash, and talks to a
device through its telnet console or USB serial port.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log engine state changes")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("otactl %s\n", version.String())
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newPublishCmd(),
		newFetchCmd(),
		newLatestCmd(),
		newLUTCmd(),
		newInspectCmd(),
		newConsoleCmd(),
		newMonitorCmd(),
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger logs to stderr at Debug with -v, otherwise warnings only.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verboseFlag {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
