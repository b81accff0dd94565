package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/mission-mentor/backend/internal/store"
)

func newSeedCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load missions from a YAML seed file",
		Long:  "Inserts every mission in the file that the configured store does not hold yet.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the seed file (defaults to MISSION_SEED_FILE)")
	return cmd
}

func runSeed(cmd *cobra.Command, file string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if file == "" {
		file = cfg.SeedFile
	}
	if file == "" {
		return fmt.Errorf("no seed file given: pass --file or set MISSION_SEED_FILE")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	stores, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close(context.Background()) }()

	created, err := store.SeedMissions(ctx, stores.Missions, file, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d new mission(s) from %s into %s store\n", created, file, cfg.Store.Driver)
	return nil
}
