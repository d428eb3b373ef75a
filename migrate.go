package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/chatpool/db"
)

func newMigrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back one) database migration and print the schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			database, err := db.Connect(cfg.DBDsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer database.Close()

			if down {
				err = db.MigrateDown(database)
			} else {
				err = db.RunMigrations(database)
			}
			if err != nil {
				return err
			}
			v, dirty, err := db.GetMigrationVersion(database)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%v)\n", v, dirty)
			return err
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	return cmd
}
