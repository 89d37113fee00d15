package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/almasync/db"
	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the almasync database",
	Long: sym.DB + ` db - Manage the almasync SQLite database

Examples:
  almasync db migrate             # Apply pending migrations
  almasync db stats               # Show row counts per table`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Database path (overrides config)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.AppliedMigrations(database)
	if err != nil {
		return err
	}
	fmt.Printf("%s Database is at migration %d\n", sym.DB, len(versions))
	for _, v := range versions {
		fmt.Printf("  %s\n", v)
	}
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	path, err := resolveDatabasePath(dbPathFlag)
	if err != nil {
		return err
	}
	database, err := openDatabase(path)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	fmt.Printf("%s Database Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:  %s\n", path)

	for _, table := range []string{"schedules", "schedule_executions", "pulse_jobs", "pulse_repeatables"} {
		count, err := countRows(database, table)
		if err != nil {
			return err
		}
		fmt.Printf("  %-20s %d\n", table, count)
	}
	return nil
}

func countRows(database *sql.DB, table string) (int, error) {
	var n int
	// table comes from a fixed list above
	if err := database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "failed to count %s", table)
	}
	return n, nil
}
