package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/dealledger/internal/crypto"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

// ErrMigrationDrift means an applied migration no longer matches the SQL
// embedded in this binary.
var ErrMigrationDrift = errors.New("migration drift")

type dialect struct {
	dir       string
	create    string
	insert    string
	selectAll string
	stamp     func(time.Time) any
}

var dialects = map[DBDriver]dialect{
	DBSQLite: {
		dir: "migrations/sqlite",
		create: `CREATE TABLE IF NOT EXISTS schema_migrations (
  version TEXT PRIMARY KEY,
  checksum TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`,
		insert:    `INSERT INTO schema_migrations(version, checksum, applied_at) VALUES(?, ?, ?) ON CONFLICT(version) DO NOTHING`,
		selectAll: `SELECT version, checksum FROM schema_migrations`,
		stamp:     func(t time.Time) any { return t.Format(time.RFC3339Nano) },
	},
	DBPostgres: {
		dir: "migrations/postgres",
		create: `CREATE TABLE IF NOT EXISTS dealledger_schema_migrations (
  version TEXT PRIMARY KEY,
  checksum TEXT NOT NULL,
  applied_at TIMESTAMPTZ NOT NULL
)`,
		insert:    `INSERT INTO dealledger_schema_migrations(version, checksum, applied_at) VALUES($1, $2, $3) ON CONFLICT(version) DO NOTHING`,
		selectAll: `SELECT version, checksum FROM dealledger_schema_migrations`,
		stamp:     func(t time.Time) any { return t },
	},
}

func dialectFor(driver DBDriver) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported db driver: %s", driver)
	}
	return d, nil
}

type migration struct {
	version  string
	checksum string
	sql      string
}

// MigrationState is one embedded migration and whether db has it.
type MigrationState struct {
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
	Applied  bool   `json:"applied"`
}

// Migrate brings db up to the embedded schema. Each migration runs in its
// own transaction together with its bookkeeping row; rerunning is a no-op.
// An applied migration whose checksum changed fails with ErrMigrationDrift
// before anything new is applied.
func Migrate(ctx context.Context, db *sql.DB, driver DBDriver) error {
	if db == nil {
		return errors.New("missing db")
	}
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, d.create); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	states, embedded, err := migrationStates(ctx, db, d)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i, st := range states {
		if st.Applied {
			continue
		}
		if err := applyMigration(ctx, db, d, embedded[i], now); err != nil {
			return err
		}
	}
	return nil
}

// MigrationStatus lists the embedded migrations in order and marks those
// already applied to db.
func MigrationStatus(ctx context.Context, db *sql.DB, driver DBDriver) ([]MigrationState, error) {
	if db == nil {
		return nil, errors.New("missing db")
	}
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, d.create); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}
	states, _, err := migrationStates(ctx, db, d)
	return states, err
}

func migrationStates(ctx context.Context, db *sql.DB, d dialect) ([]MigrationState, []migration, error) {
	embedded, err := loadMigrations(d.dir)
	if err != nil {
		return nil, nil, err
	}
	applied, err := appliedChecksums(ctx, db, d)
	if err != nil {
		return nil, nil, err
	}
	states := make([]MigrationState, len(embedded))
	for i, m := range embedded {
		sum, ok := applied[m.version]
		if ok && sum != m.checksum {
			return nil, nil, fmt.Errorf("%w: %s recorded %s, embedded %s", ErrMigrationDrift, m.version, sum, m.checksum)
		}
		states[i] = MigrationState{Version: m.version, Checksum: m.checksum, Applied: ok}
	}
	return states, embedded, nil
}

func appliedChecksums(ctx context.Context, db *sql.DB, d dialect) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, d.selectAll)
	if err != nil {
		return nil, fmt.Errorf("read migrations table: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, err
		}
		out[version] = sum
	}
	return out, rows.Err()
}

func applyMigration(ctx context.Context, db *sql.DB, d dialect, m migration, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, d.insert, m.version, m.checksum, d.stamp(now))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", m.version, err)
	}
	// Zero rows means a concurrent migrator got there first.
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", m.version, err)
	}
	return tx.Commit()
}

// loadMigrations reads dir's NNNN_name.sql files sorted by version.
func loadMigrations(dir string) ([]migration, error) {
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(e.Name(), ".sql")
		prefix, _, ok := strings.Cut(version, "_")
		if !ok || prefix == "" || strings.Trim(prefix, "0123456789") != "" {
			return nil, fmt.Errorf("migration %s: name must be NNNN_description.sql", e.Name())
		}
		contents, err := migrationsFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, migration{
			version:  version,
			checksum: crypto.DigestWithPrefix(contents),
			sql:      string(contents),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
