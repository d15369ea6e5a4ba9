package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"BatchVault/internal/persistence"
	"BatchVault/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		dsn string
		dir string
	)

	// open connects to Postgres and picks the embedded schema unless a
	// directory is given.
	open := func() (*sql.DB, *persistence.Migrator, error) {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		if dir != "" {
			return db, persistence.NewMigrator(db, dir), nil
		}
		return db, persistence.NewMigratorFS(db, migrations.FS), nil
	}

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back the BatchVault Postgres schema",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", envOrDefault("BATCHVAULT_POSTGRES_DSN", "postgres://localhost:5432/batchvault?sslmode=disable"), "Postgres connection string")
	root.PersistentFlags().StringVar(&dir, "dir", os.Getenv("BATCHVAULT_MIGRATIONS_DIR"), "read migrations from a directory instead of the embedded set")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				db, m, err := open()
				if err != nil {
					return err
				}
				defer db.Close()
				if err := m.Up(cmd.Context()); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				log.Println("INFO: all migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				db, m, err := open()
				if err != nil {
					return err
				}
				defer db.Close()
				if err := m.Down(cmd.Context()); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				log.Println("INFO: last migration rolled back")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				db, m, err := open()
				if err != nil {
					return err
				}
				defer db.Close()
				statuses, err := m.Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED")
				for _, s := range statuses {
					applied := "pending"
					if s.Applied {
						applied = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", s.Version, s.Filename, applied)
				}
				return w.Flush()
			},
		},
	)
	return root
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
