package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"vortex/api/internal/config"
)

const programName = "vortex-api"

var globalFlags = struct {
	configFile string
	debug      bool
}{}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(globalFlags.configFile)
	if err != nil {
		return nil, nil, err
	}
	level := parseLevel(cfg.LogLevel)
	if globalFlags.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: globalFlags.debug,
		Level:     level,
	})).With("component", programName)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Governance simulation API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	rootCmd.PersistentFlags().StringVar(&globalFlags.configFile, "config", "", "path to a YAML config file (or VORTEX_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCommand(),
		migrateCommand(),
		tickCommand(),
		rollupCommand(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}
