package sqlstore

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"
)

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects to the database named by databaseURL. postgres:// and
// postgresql:// URLs use pgx; sqlite: URLs (sqlite:///path/to.db,
// sqlite::memory:) use the embedded driver.
func Open(databaseURL string, pool PoolConfig) (*bun.DB, error) {
	if dsn, ok := sqliteDSN(databaseURL); ok {
		return openSQLite(dsn)
	}

	sqlDB, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	db := bun.NewDB(sqlDB, pgdialect.New())
	return db, nil
}

func openSQLite(dsn string) (*bun.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// One connection serializes writers, so an open transaction is the
	// owner lock on this backend.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	return bun.NewDB(sqlDB, sqlitedialect.New()), nil
}

func sqliteDSN(databaseURL string) (string, bool) {
	raw := strings.TrimSpace(databaseURL)
	if !strings.HasPrefix(raw, "sqlite:") {
		return "", false
	}
	path := strings.TrimPrefix(raw, "sqlite:")
	path = strings.TrimPrefix(path, "//")

	query := url.Values{}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		if q, err := url.ParseQuery(path[i+1:]); err == nil {
			query = q
		}
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		path = ":memory:"
	}
	query.Add("_pragma", "busy_timeout(5000)")
	query.Add("_pragma", "foreign_keys(1)")
	if path != ":memory:" {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	return "file:" + path + "?" + query.Encode(), true
}

func Close(db *bun.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
