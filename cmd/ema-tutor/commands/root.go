package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/koscakluka/ema-tutor/internal/config"
	"github.com/koscakluka/ema-tutor/internal/telemetry"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool

	globalConfig config.Config
	logger       *slog.Logger

	shutdownTelemetry = func(context.Context) error { return nil }
	stopMetrics       = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "ema-tutor",
	Short: "Language tutor speech pipeline",
	Long: `ema-tutor reads lesson lines aloud and runs spoken conversation turns
against a streaming speech model. Every synthesized line is cached so it can
be replayed without another request.

Examples:
  # Read two lines aloud
  ema-tutor speak "¡Hola!" "¿Qué tal?"

  # Talk for three turns, five seconds of recording each
  ema-tutor converse --conversation lesson-1 --turns 3 --record 5s

  # Show what was said
  ema-tutor history lesson-1`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		globalConfig = cfg

		level := parseLevel(cfg.Telemetry.LogLevel)
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		shutdown, metrics, err := telemetry.Setup(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to set up telemetry: %w", err)
		}
		shutdownTelemetry = shutdown

		metricsCtx, cancel := context.WithCancel(context.Background())
		stopMetrics = cancel
		telemetry.Serve(metricsCtx, cfg.Telemetry.PrometheusBind, metrics, logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		stopMetrics()
		return shutdownTelemetry(context.Background())
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (defaults apply when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(speakCmd)
	rootCmd.AddCommand(converseCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(cacheCmd)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
