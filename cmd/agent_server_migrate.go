package cmd

import (
	"log"

	"github.com/helmsman-ops/helmsman/internal/migrations"
	"github.com/spf13/cobra"
)

var migrateDown bool
var migrateStep int

var agentServerMigrateCmd = &cobra.Command{
	Use:   "agent-server-migrate",
	Short: "Run database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := migrations.NewMigrator()
		if err != nil {
			log.Fatalln("unable to create migrator:", err.Error())
		}

		if migrateDown {
			err = m.Down(migrateStep)
		} else {
			err = m.Up(migrateStep)
		}
		if err != nil {
			log.Fatalln("migration failed:", err.Error())
		}

		_ = m.MigrationStatus()
	},
}

func init() {
	agentServerMigrateCmd.Flags().BoolVar(&migrateDown, "down", false, "run down migrations")
	agentServerMigrateCmd.Flags().IntVar(&migrateStep, "step", 0, "number of migrations to run (0 = all)")
	rootCmd.AddCommand(agentServerMigrateCmd)
}
