// Package cli implements the qgate command line: the gateway server and the
// offline helpers that share its configuration.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/seantiz/qgate/internal/config"
)

var (
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the qgate binary.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "qgate",
		Short: "Quota-enforcing gateway for optimization jobs",
		Long:  "qgate admits optimization jobs against rate, quota and credit limits and runs them on a simulated or real solver.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				loaded.LogLevelName = flagLogLevel
				loaded.LogLevel = config.ParseLogLevel(flagLogLevel)
			}
			if cmd.Flags().Changed("log-format") {
				loaded.LogFormat = flagLogFormat
			}
			cfg = loaded
			// Logs go to stderr so command output on stdout stays clean.
			logger = config.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error); overrides QGATE_LOG_LEVEL")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "json", "Log format (json, text); overrides QGATE_LOG_FORMAT")

	root.AddCommand(
		newServeCmd(),
		newEstimateCmd(),
		newTokenCmd(),
		newMigrateCmd(),
	)

	return root
}

func printJSON(w io.Writer, data []byte) error {
	_, err := fmt.Fprintln(w, string(data))
	return err
}
