package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"strings"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// MigrateDB runs pending migrations, taking an advisory lockfile for
// file-backed databases. If the lockfile already exists, migration proceeds
// without waiting for it (see lockFile).
func MigrateDB(db *sql.DB, dbPath string) error {
	if dbPath != ":memory:" && !strings.Contains(dbPath, ":memory:") {
		unlock, err := lockFile(dbPath)
		if err != nil {
			return fmt.Errorf("migration lock: %w", err)
		}
		defer unlock()
	}
	return RunMigrations(db)
}

// RunMigrations applies every pending goose migration in migrations/.
func RunMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetVerbose(false)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// SchemaVersion reports the applied and latest-available migration version.
func SchemaVersion(db *sql.DB) (current int64, latest int64, err error) {
	goose.SetBaseFS(embedMigrations)
	goose.SetVerbose(false)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, 0, fmt.Errorf("set dialect: %w", err)
	}
	current, err = goose.GetDBVersion(db)
	if err != nil {
		current = 0
	}
	latest, err = latestMigrationVersion()
	if err != nil {
		return current, 0, fmt.Errorf("determine latest version: %w", err)
	}
	return current, latest, nil
}

func latestMigrationVersion() (int64, error) {
	entries, err := embedMigrations.ReadDir("migrations")
	if err != nil {
		return 0, fmt.Errorf("read migrations dir: %w", err)
	}
	var max int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		idx := strings.IndexByte(name, '_')
		if idx <= 0 {
			continue
		}
		var v int64
		if _, err := fmt.Sscanf(name[:idx], "%d", &v); err != nil {
			continue
		}
		if v > max {
			max = v
		}
	}
	return max, nil
}

// lockFile takes an advisory file lock alongside dbPath for the duration of
// migration, returning an unlock function. Uses a plain lockfile (O_EXCL
// create/remove) rather than flock to stay portable across the sandboxed
// environments this agent runs in.
func lockFile(dbPath string) (func(), error) {
	lockPath := dbPath + ".migration.lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			// Another process is migrating concurrently; proceed without
			// blocking rather than deadlocking a single-process CLI tool.
			return func() {}, nil
		}
		return nil, err
	}
	_ = f.Close()
	return func() { _ = os.Remove(lockPath) }, nil
}
