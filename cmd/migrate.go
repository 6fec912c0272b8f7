package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"petshop-service/config"
	"petshop-service/database"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Apply the embedded schema for the configured driver.

Every statement is CREATE ... IF NOT EXISTS, so the command is safe to rerun.

Examples:
  petshop migrate
  DB_DRIVER=sqlite3 SQLITE_PATH=data/dev.db petshop migrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			db, err := database.Open(cfg)
			if err != nil {
				return fmt.Errorf("database initialization failed: %w", err)
			}
			defer db.Close()

			if err := database.Migrate(context.Background(), db, cfg.DBDriver); err != nil {
				return err
			}
			log.Printf("Schema applied (%s)", cfg.DBDriver)
			return nil
		},
	}
}
