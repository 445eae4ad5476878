package main

import (
	"BackstopBootstrapper/internal/persistence"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var (
	pgURL         string
	migrationsDir string
)

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Apply or roll back the bootstrapper Postgres schema",
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(func(m *persistence.Migrator) error {
			if err := m.Up(cmd.Context()); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all migrations applied")
			return nil
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(func(m *persistence.Migrator) error {
			if err := m.Down(cmd.Context()); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "last migration rolled back")
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(func(m *persistence.Migrator) error {
			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tAPPLIED\tFILE")
			for _, s := range statuses {
				applied := "no"
				if s.Applied {
					applied = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Version, applied, s.Filename)
			}
			return w.Flush()
		})
	},
}

func withMigrator(fn func(m *persistence.Migrator) error) error {
	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	return fn(persistence.NewMigrator(db, migrationsDir))
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func main() {
	godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&pgURL, "postgres-url",
		envOrDefault("BOOTSTRAPPER_POSTGRES_URL", "postgres://localhost:5432/bootstrapper?sslmode=disable"),
		"Postgres connection string")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir",
		envOrDefault("BOOTSTRAPPER_MIGRATIONS_DIR", "migrations"),
		"migrations directory")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
