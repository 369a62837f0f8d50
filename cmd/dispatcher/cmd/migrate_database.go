package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spindle-render/spindle/internal/common/database"
	"github.com/spindle-render/spindle/internal/dispatcher/store/postgres"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the dispatcher database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning dispatcher database migration")
	ctx := context.Background()
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.Wrapf(err, "Failed to connect to database")
	}
	defer db.Close()
	err = postgres.Migrate(ctx, db)
	if err != nil {
		return errors.Wrapf(err, "Failed to migrate dispatcher database")
	}
	taken := time.Since(start)
	log.Infof("Dispatcher database migrated in %s", taken)
	return nil
}
