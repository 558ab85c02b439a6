// Package blobstore is the durable side of the embedded keiji store.
//
// It knows nothing about the image it keeps: it stores exactly one named byte
// blob plus a small key/value metadata table in a sqlite file on local disk.
package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/jdholdren/hatumimi/internal/keiji"
	"github.com/jdholdren/hatumimi/internal/migrations"
)

// imageName is the single blob this store keeps.
const imageName = "keiji.db"

// Ensure Store implements the Persister interface
var _ keiji.Persister = (*Store)(nil)

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

type metadataRow struct {
	Value     string `db:"value"`
	UpdatedAt int64  `db:"updated_at"`
}

// Open opens (creating if needed) the blob store at path and upgrades its
// schema.
func Open(path string) (*Store, error) {
	dbx, err := sqlx.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path))
	if err != nil {
		return nil, fmt.Errorf("error opening blob store: %s", err)
	}
	if _, err := migrations.Blobs(dbx); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("error migrating blob store: %w", err)
	}

	return &Store{db: dbx, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored image with image.
func (s *Store) Save(ctx context.Context, image []byte) error {
	if image == nil {
		image = []byte{}
	}

	query, args, err := sq.Insert("blobs").
		Columns("name", "data", "saved_at").
		Values(imageName, image, s.now().UnixMilli()).
		Suffix("ON CONFLICT(name) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("error saving image: %w", err)
	}

	return nil
}

// Load returns the stored image, or nil with no error on a first run.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	const q = `SELECT data FROM blobs WHERE name = ?;`

	var image []byte
	err := s.db.GetContext(ctx, &image, q, imageName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading image: %w", err)
	}
	if image == nil {
		image = []byte{}
	}

	return image, nil
}

func (s *Store) SaveMetadata(ctx context.Context, key, value string) error {
	query, args, err := sq.Insert("sync_metadata").
		Columns("key", "value", "updated_at").
		Values(key, value, s.now().UnixMilli()).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("error saving metadata %q: %w", key, err)
	}

	return nil
}

// LoadMetadata returns nil with no error when key was never saved.
func (s *Store) LoadMetadata(ctx context.Context, key string) (*keiji.SyncMetadata, error) {
	const q = `SELECT value, updated_at FROM sync_metadata WHERE key = ?;`

	var row metadataRow
	err := s.db.GetContext(ctx, &row, q, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading metadata %q: %w", key, err)
	}

	return &keiji.SyncMetadata{
		Value:     row.Value,
		UpdatedAt: time.UnixMilli(row.UpdatedAt),
	}, nil
}
