// Package sqlite is the embedded keiji store.
//
// The whole database lives in a single in-memory sqlite connection. Its state
// is serialized into one byte image after every successful write and handed to
// a [keiji.Persister]; on open the image is loaded back the same way.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/jdholdren/hatumimi/internal/keiji"
	"github.com/jdholdren/hatumimi/internal/migrations"
)

// Ensure Repo implements the Store interface
var _ keiji.Store = (*Repo)(nil)

type Repo struct {
	// The engine is not safe for concurrent mutation, and the image has to be
	// taken with no transaction open, so every access goes through mu.
	mu        sync.Mutex
	db        *sqlx.DB
	persister keiji.Persister
	now       func() time.Time
}

// Open restores the last persisted image, if any, and brings its schema up to date.
func Open(ctx context.Context, p keiji.Persister) (*Repo, error) {
	dbx, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("error opening database: %s", err)
	}
	// Each new connection to :memory: is a brand new database.
	dbx.SetMaxOpenConns(1)
	dbx.SetMaxIdleConns(1)
	dbx.SetConnMaxLifetime(0)
	dbx.SetConnMaxIdleTime(0)

	r := &Repo{
		db:        dbx,
		persister: p,
		now:       time.Now,
	}

	image, err := p.Load(ctx)
	if err != nil {
		dbx.Close()
		return nil, fmt.Errorf("error loading persisted image: %w", err)
	}
	if len(image) > 0 {
		if err := r.restore(ctx, image); err != nil {
			dbx.Close()
			return nil, fmt.Errorf("error restoring persisted image: %w", err)
		}
		slog.Debug("restored keiji image", "bytes", len(image))
	}

	if _, err := migrations.Keiji(dbx); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("error migrating keiji schema: %w", err)
	}

	return r, nil
}

func (r *Repo) Close() error {
	return r.db.Close()
}

// The methods modernc.org/sqlite exposes on its driver connection.
type (
	serializer interface {
		Serialize() ([]byte, error)
	}
	deserializer interface {
		Deserialize([]byte) error
	}
)

// image serializes the main database. Callers hold mu.
func (r *Repo) image(ctx context.Context) ([]byte, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("error acquiring connection: %s", err)
	}
	defer conn.Close()

	var image []byte
	err = conn.Raw(func(dc any) error {
		s, ok := dc.(serializer)
		if !ok {
			return errors.New("sqlite driver connection cannot serialize")
		}

		var err error
		image, err = s.Serialize()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("error serializing database: %w", err)
	}

	return image, nil
}

// restore replaces the main database with image. Callers hold mu, or are Open.
func (r *Repo) restore(ctx context.Context, image []byte) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %s", err)
	}
	defer conn.Close()

	// The driver copies image into memory sqlite owns and frees on close.
	return conn.Raw(func(dc any) error {
		d, ok := dc.(deserializer)
		if !ok {
			return errors.New("sqlite driver connection cannot deserialize")
		}

		return d.Deserialize(image)
	})
}

// write runs fn in a transaction and persists the resulting image.
//
// Either the batch is committed and the image saved, or the engine is put back
// to the image it had before the call. fn reports whether it changed anything;
// when it did not, nothing is saved.
func (r *Repo) write(ctx context.Context, fn func(tx *sqlx.Tx) (bool, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	before, err := r.image(ctx)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %s", err)
	}
	changed, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	if !changed {
		return nil
	}

	after, err := r.image(ctx)
	if err == nil {
		err = r.persister.Save(ctx, after)
	}
	if err != nil {
		if rerr := r.restore(ctx, before); rerr != nil {
			slog.ErrorContext(ctx, "error rolling back to previous image", "error", rerr)
		}
		return fmt.Errorf("error persisting image: %w", err)
	}

	return nil
}
