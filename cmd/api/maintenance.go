package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vortex/api/internal/app"
	"vortex/api/internal/config"
	"vortex/api/internal/store"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage != config.StoragePostgres {
				return fmt.Errorf("migrate requires %s storage", config.StoragePostgres)
			}
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir, logger)
			if err != nil {
				return err
			}
			logger.Info("migrations complete", "applied", applied)
			return nil
		},
	}
}

func tickCommand() *cobra.Command {
	var opts app.TickOptions
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Roll up the current era and advance the clock when due",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			result, err := rt.service.Tick(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().BoolVar(&opts.ForceAdvance, "force", false, "advance even if the era has not run its length")
	cmd.Flags().BoolVar(&opts.SkipRollup, "skip-rollup", false, "do not roll up the era being ticked")
	return cmd
}

func rollupCommand() *cobra.Command {
	var eraNumber int
	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Freeze governor statuses for an era",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			if !cmd.Flags().Changed("era") {
				clock, err := rt.service.Clock(cmd.Context())
				if err != nil {
					return err
				}
				eraNumber = clock.CurrentEra
			}
			result, err := rt.service.RollupEra(cmd.Context(), eraNumber)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().IntVar(&eraNumber, "era", 0, "era to roll up (defaults to the current era)")
	return cmd
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
