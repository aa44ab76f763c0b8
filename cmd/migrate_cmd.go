package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/fleetgate/internal/store/pg"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("database.dsn is not configured")
			}
			db, err := pg.OpenDB(cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()
			return pg.Migrate(db)
		},
	}
}
