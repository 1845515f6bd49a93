// Package db persists image metadata in sqlite.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/errutil"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB represents the database connection.
type DB struct {
	db *sql.DB
}

// Open opens the database at path and migrates it to the latest schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		errutil.LogClose(db, "Failed to close database")
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrateUp(db); err != nil {
		errutil.LogClose(db, "Failed to close database")
		return nil, err
	}
	return &DB{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	defer errutil.LogClose(src, "Failed to close migration source")

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	// m.Close would also close db, which the caller still owns.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// InsertMetadata stores several metadata records in a single transaction.
func (d *DB) InsertMetadata(ctx context.Context, entries map[string]imgprefetch.Metadata) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO image_metadata
		(resource, width, height, channels, format, size_bytes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer errutil.LogClose(stmt, "Failed to close statement")

	now := time.Now().Unix()
	for resource, md := range entries {
		_, err := stmt.ExecContext(ctx, resource, md.Width, md.Height, md.Channels, md.Format, md.SizeBytes, now)
		if err != nil {
			return fmt.Errorf("failed to insert %s: %w", resource, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (d *DB) PutMetadata(ctx context.Context, resource string, md imgprefetch.Metadata) error {
	return d.InsertMetadata(ctx, map[string]imgprefetch.Metadata{resource: md})
}

// GetMetadata retrieves the metadata stored for resource.
func (d *DB) GetMetadata(ctx context.Context, resource string) (imgprefetch.Metadata, bool, error) {
	var md imgprefetch.Metadata
	err := d.db.QueryRowContext(ctx,
		"SELECT width, height, channels, format, size_bytes FROM image_metadata WHERE resource = ?", resource,
	).Scan(&md.Width, &md.Height, &md.Channels, &md.Format, &md.SizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return imgprefetch.Metadata{}, false, nil
	}
	if err != nil {
		return imgprefetch.Metadata{}, false, fmt.Errorf("failed to get metadata for %s: %w", resource, err)
	}
	return md, true, nil
}

// Count returns the number of stored records.
func (d *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM image_metadata").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count metadata: %w", err)
	}
	return n, nil
}
