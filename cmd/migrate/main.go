package main

import (
	"RebaseLedger/internal/config"
	"RebaseLedger/internal/observability"
	"RebaseLedger/internal/persistence"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var databaseURL string

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back the RebaseLedger schema.",
	Long: `Apply or roll back the RebaseLedger schema. Migrations are embedded ` +
		`in the binary; the database comes from --database-url or DATABASE_URL.`,
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(m *persistence.Migrator) error {
			return m.Up(cmd.Context())
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last applied migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(m *persistence.Migrator) error {
			return m.Down(cmd.Context())
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(m *persistence.Migrator) error {
			version, dirty, err := m.Version(cmd.Context())
			if err != nil {
				return err
			}
			if version == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No migrations have been applied yet")
				return nil
			}
			status := "clean"
			if dirty {
				status = "dirty"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Current migration version: %d (status: %s)\n", version, status)
			return nil
		})
	},
}

func withMigrator(cmd *cobra.Command, fn func(*persistence.Migrator) error) error {
	url := databaseURL
	if url == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		url = cfg.DatabaseURL
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(cmd.Context()); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	logger := observability.NewLogger("migrate")
	return fn(persistence.NewMigrator(db, persistence.Migrations(), logger))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres connection string (default: DATABASE_URL)")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
