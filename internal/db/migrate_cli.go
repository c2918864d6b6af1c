package db

import (
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand. Output goes to out.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return fmt.Errorf("missing migrate action")
	}

	// Open without migrating; the subcommand manages the schema.
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ Migrations applied successfully")

	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ Rolled back one migration")

	case "status":
		version, dirty, err := database.MigrateVersion()
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		latest, err := LatestMigrationVersion()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "=== Migration Status ===")
		fmt.Fprintf(out, "Current version: %d\n", version)
		fmt.Fprintf(out, "Latest available: %d\n", latest)
		fmt.Fprintf(out, "Dirty: %v\n", dirty)
		if dirty {
			fmt.Fprintln(out, "\n⚠️  WARNING: Database is in a dirty state!")
			fmt.Fprintln(out, "A migration failed mid-execution. Inspect the database, then run: turntable migrate force <version>")
		}

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: turntable migrate force <version_number>")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		if err := database.MigrateForce(version); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Migration version forced to %d\n", version)

	case "help":
		PrintMigrateHelp(out)

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", action)
	}
	return nil
}

// PrintMigrateHelp lists the migrate actions.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprintln(out, `Usage: turntable migrate <action> [args]

Actions:
  up                Apply all pending migrations
  down              Roll back the most recent migration
  status            Show current and latest schema version
  force <version>   Set the version without running migrations (recovery only)
  help              Show this help`)
}
