package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgStore struct {
	conn *sql.DB
	dsn  string

	migrateMu sync.Mutex
	migrated  bool
}

// NewPgStore opens the pool without contacting the server. The schema is
// migrated on the first successful Ping, so a database that is down at
// startup is picked up once it comes back.
func NewPgStore(dsn string) (*PgStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	return &PgStore{conn: db, dsn: dsn}, nil
}

func (db *PgStore) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return err
	}

	return db.migrateUp()
}

func (db *PgStore) migrateUp() error {
	db.migrateMu.Lock()
	defer db.migrateMu.Unlock()

	if db.migrated {
		return nil
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, db.dsn)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	db.migrated = true
	return nil
}

func (db *PgStore) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
