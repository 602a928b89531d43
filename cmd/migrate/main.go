// Command migrate applies the database schema. The audit ledger's
// append-only guarantees live partly in the schema (triggers rejecting
// UPDATE and DELETE), so the service refuses to run against an unmigrated
// database rather than degrade silently.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/clinsafe/clinical-safety-backend/internal/infrastructure/config"
)

func main() {
	var (
		dir   = flag.String("dir", "migrations", "Directory holding migration files")
		down  = flag.Bool("down", false, "Roll back one migration instead of migrating up")
		steps = flag.Int("steps", 0, "Apply exactly N migrations (negative rolls back)")
	)
	flag.Parse()

	if err := run(*dir, *down, *steps); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

func run(dir string, down bool, steps int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required (set CLINSAFE_DATABASE_URL)")
	}

	m, err := migrate.New("file://"+dir, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer m.Close()

	switch {
	case steps != 0:
		err = m.Steps(steps)
	case down:
		err = m.Steps(-1)
	default:
		err = m.Up()
	}

	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintln(os.Stdout, "schema already up to date")
		return nil
	}
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	fmt.Fprintf(os.Stdout, "schema at version %d (dirty=%v)\n", version, dirty)
	return nil
}
