package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fentz26/tollgate/internal/controlplane"
)

var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Tollgate - metered task control plane",
	Long: `Tollgate admits tenant work against plan quotas, routes it to executors,
meters what each task consumes and streams task progress to clients.`,
	Version:           controlplane.Version,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

var (
	apiAddr  string
	logLevel string
	logJSON  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(tuiCmd)
}

func setupLogging(cmd *cobra.Command, args []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(logLevel))); err != nil {
		return fmt.Errorf("bad --log-level %q", logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
