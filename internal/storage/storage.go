// Package storage opens the local sqlite database, applies migrations, and
// bundles the repositories built on top of it.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/keepsync/internal/migrations"
	"github.com/dmitrijs2005/keepsync/internal/repositories/items"
	"github.com/dmitrijs2005/keepsync/internal/repositories/queue"
	"github.com/dmitrijs2005/keepsync/internal/repositories/resources"
	"github.com/dmitrijs2005/keepsync/internal/repositories/syncmeta"
)

// Repositories groups every repository bound to the shared database handle.
type Repositories struct {
	DB        *sql.DB
	Items     items.Repository
	Queue     queue.Repository
	Resources resources.Repository
	SyncMeta  syncmeta.Repository
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// InitDatabase opens (creating if needed) the database at dsn, migrates it,
// and returns the repository bundle. The caller owns Repositories.DB.
func InitDatabase(ctx context.Context, dsn string) (*Repositories, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Repositories{
		DB:        db,
		Items:     items.NewSQLiteRepository(db),
		Queue:     queue.NewSQLiteRepository(db),
		Resources: resources.NewSQLiteRepository(db),
		SyncMeta:  syncmeta.NewSQLiteRepository(db),
	}, nil
}

// Close releases the database handle.
func (r *Repositories) Close() error {
	return r.DB.Close()
}
