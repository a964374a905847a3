// Command realtime-tail connects to the realtime service, attaches channels
// and prints their messages and state changes.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Thejuampi/realtime-client-go/internal/config"
	"github.com/Thejuampi/realtime-client-go/internal/observability"
	"github.com/Thejuampi/realtime-client-go/realtime"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		channels   []string
		event      string
		key        string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:     "realtime-tail",
		Short:   "Print the messages published on realtime channels",
		Version: realtime.ClientVersion,
		Long: `realtime-tail connects with the configured key, attaches every channel
given with --channel and prints each message as it arrives.

Settings come from realtime.yaml (or --config) and REALTIME_* environment
variables; flags override both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("channel") {
				cfg.Channels = channels
			}
			if cmd.Flags().Changed("event") {
				cfg.Event = event
			}
			if cmd.Flags().Changed("key") {
				cfg.Key = key
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if len(cfg.Channels) == 0 {
				return fmt.Errorf("no channels configured; pass --channel")
			}

			logger, err := observability.SetupLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, newPrinter(cmd.OutOrStdout()), logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringArrayVar(&channels, "channel", nil, "channel to attach (repeatable)")
	cmd.Flags().StringVarP(&event, "event", "e", "", "print only messages with this name")
	cmd.Flags().StringVar(&key, "key", "", "API key")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	return cmd
}
