package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/alphaforge/internal/config"
)

const (
	appName = "AlphaForge"
	version = "v0.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     "alphaforge",
		Short:   "Walk-forward equity portfolio backtester",
		Version: version,
		Long: `AlphaForge backtests periodically rebalanced long-only equity portfolios.

Model runs rank a universe with a retrained return model, optimize the top
candidates and hold cash when the benchmark regime filter is off. Custom runs
hold a fixed stock list with manual or optimized weights. Every decision on a
rebalance date only reads data from before it.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to configuration file")

	loadConfig := func() (*config.AppConfig, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		setupLogging(cfg.Log)
		return cfg, nil
	}

	rootCmd.AddCommand(newBacktestCmd(loadConfig))
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newMonitorCmd(loadConfig))

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// setupLogging configures the global logger: console output on a terminal,
// JSON lines otherwise
func setupLogging(cfg config.LogSection) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console := cfg.Format == "console" || (cfg.Format == "auto" && term.IsTerminal(int(os.Stderr.Fd())))
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("app", appName).Logger()
}
