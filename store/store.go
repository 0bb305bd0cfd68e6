// Package store is the SQLite-backed relational state of the cluster:
// experiments, workers, assignments, unit labels, logs, config history, and
// the time-series tables written by the pioreactor app.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	driver "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	// Writers contend on the single SQLite file; a locked database is
	// retried with fixed backoff before giving up.
	lockRetries = 5
	lockBackoff = time.Second
)

// Store wraps the application database.
type Store struct {
	db *sqlx.DB
}

// Open opens (and migrates) the application database at path.
func Open(path string) (*Store, error) {
	var db, err = sqlx.Open("sqlite3", path+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", path, err)
	}

	if err = migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sqlx.DB) error {
	var source, err = iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	dbDriver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", dbDriver)
	if err != nil {
		return err
	}
	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Modify executes a write statement and returns the number of rows affected.
// Unique and foreign-key violations return (0, nil): callers surface them as
// 409 or 404. A locked database is retried; other errors are returned.
func (s *Store) Modify(stmt string, args ...any) (int64, error) {
	for attempt := 0; ; attempt++ {
		var n, err = s.modifyOnce(stmt, args...)
		if err == nil {
			return n, nil
		}
		if isLocked(err) && attempt < lockRetries {
			log.WithFields(log.Fields{"attempt": attempt + 1, "stmt": stmt}).
				Warn("database is locked; retrying")
			time.Sleep(lockBackoff)
			continue
		}
		return 0, err
	}
}

func (s *Store) modifyOnce(stmt string, args ...any) (int64, error) {
	var tx, err = s.db.Beginx()
	if err != nil {
		return 0, err
	}

	result, err := tx.Exec(stmt, args...)
	if err != nil {
		tx.Rollback()
		if isConstraint(err) {
			return 0, nil
		}
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func isConstraint(err error) bool {
	var sqliteErr driver.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == driver.ErrConstraint
}

func isLocked(err error) bool {
	var sqliteErr driver.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.Code == driver.ErrBusy || sqliteErr.Code == driver.ErrLocked)
}

// queryRows scans all rows of a read statement into dest (a *[]T).
func (s *Store) queryRows(dest any, stmt string, args ...any) error {
	return s.db.Select(dest, stmt, args...)
}

// queryRow scans a single row into dest. Missing rows return sql.ErrNoRows.
func (s *Store) queryRow(dest any, stmt string, args ...any) error {
	return s.db.Get(dest, stmt, args...)
}

// IsNotFound reports whether err marks a missing row.
func IsNotFound(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// CurrentUTCTimestamp is an ISO-8601 UTC timestamp with microsecond
// precision, the canonical timestamp format of every table.
func CurrentUTCTimestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}
