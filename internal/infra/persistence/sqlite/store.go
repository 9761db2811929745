// Package sqlite provides a DbAdapter persisted to one SQLite file per
// workspace. Transactions run on the embedded memory store; each committed
// batch is written through inside a single SQL transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"transactor/internal/infra/persistence/memory"
	"transactor/pkg/domain"
)

var _ domain.DbAdapter = (*Store)(nil)

// Store is a memory store with SQLite write-through.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database at path and hydrates the memory
// state from it.
func NewStore(ctx context.Context, path string, h *domain.Hierarchy) (*Store, error) {
	if path == "" {
		path = "transactor.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS documents (
		domain TEXT NOT NULL,
		id TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (domain, id)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	s := &Store{db: db, path: path}
	s.Store = memory.NewStore(h, memory.WithCommitHook(s.persist))
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT domain, payload FROM documents`)
	if err != nil {
		return fmt.Errorf("select documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{}
	for rows.Next() {
		var d string
		var payload []byte
		if err := rows.Scan(&d, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var doc domain.Doc
		if err := json.Unmarshal(payload, &doc); err != nil {
			return fmt.Errorf("decode %s document: %w", d, err)
		}
		snapshot[domain.Domain(d)] = append(snapshot[domain.Domain(d)], doc)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate documents: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist(ctx context.Context, changes []memory.Change) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, c := range changes {
		if c.Doc == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE domain = ? AND id = ?`, string(c.Domain), string(c.ID)); err != nil {
				return fmt.Errorf("delete %s/%s: %w", c.Domain, c.ID, err)
			}
			continue
		}
		data, err := json.Marshal(c.Doc)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO documents(domain, id, payload) VALUES(?,?,?)
			ON CONFLICT(domain, id) DO UPDATE SET payload = excluded.payload`, string(c.Domain), string(c.ID), data); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", c.Domain, c.ID, err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database path.
func (s *Store) Path() string { return s.path }
