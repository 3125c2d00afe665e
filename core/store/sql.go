package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLBackend stores records in the config_records table. It works on both
// SQLite and PostgreSQL; the schema comes from core/database migrations.
type SQLBackend struct {
	db *sqlx.DB
}

// NewSQLBackend wraps an opened and migrated database.
func NewSQLBackend(db *sqlx.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

// Kind implements Backend.
func (b *SQLBackend) Kind() string { return b.db.DriverName() }

// Load implements Backend.
func (b *SQLBackend) Load(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := b.db.GetContext(ctx, &data, b.db.Rebind(`SELECT data FROM config_records WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return data, err
}

// Save implements Backend.
func (b *SQLBackend) Save(ctx context.Context, name string, data []byte) error {
	_, err := b.db.ExecContext(ctx, b.db.Rebind(`
		INSERT INTO config_records (name, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`),
		name, string(data), time.Now().UTC(),
	)
	return err
}
