// Package postgres provides a DbAdapter persisted to Postgres. All
// workspaces share one table partitioned by a workspace column; the embedded
// memory store runs transactions and writes each committed batch through.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"transactor/internal/infra/persistence/memory"
	"transactor/pkg/domain"
)

var _ domain.DbAdapter = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/transactor?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store is a memory store with Postgres write-through for one workspace.
type Store struct {
	*memory.Store
	db        *sql.DB
	workspace domain.WorkspaceID
}

// NewStore connects to dsn (defaultDSN when empty), ensures the schema and
// hydrates the workspace documents.
func NewStore(ctx context.Context, dsn string, workspace domain.WorkspaceID, h *domain.Hierarchy) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, workspace: workspace}
	s.Store = memory.NewStore(h, memory.WithCommitHook(s.persist))
	snapshot, err := s.loadSnapshot(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ImportState(snapshot)
	return s, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS documents (
		workspace TEXT NOT NULL,
		domain TEXT NOT NULL,
		id TEXT NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (workspace, domain, id)
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure documents table: %w", err)
	}
	return nil
}

func (s *Store) loadSnapshot(ctx context.Context) (memory.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain, payload FROM documents WHERE workspace = $1`, string(s.workspace))
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{}
	for rows.Next() {
		var d string
		var payload []byte
		if err := rows.Scan(&d, &payload); err != nil {
			return nil, fmt.Errorf("scan documents: %w", err)
		}
		var doc domain.Doc
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", d, err)
		}
		snapshot[domain.Domain(d)] = append(snapshot[domain.Domain(d)], doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return snapshot, nil
}

func (s *Store) persist(ctx context.Context, changes []memory.Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, c := range changes {
		if c.Doc == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE workspace = $1 AND domain = $2 AND id = $3`,
				string(s.workspace), string(c.Domain), string(c.ID)); err != nil {
				return fmt.Errorf("delete %s/%s: %w", c.Domain, c.ID, err)
			}
			continue
		}
		data, err := json.Marshal(c.Doc)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO documents(workspace, domain, id, payload) VALUES($1,$2,$3,$4)
			ON CONFLICT(workspace, domain, id) DO UPDATE SET payload = EXCLUDED.payload`,
			string(s.workspace), string(c.Domain), string(c.ID), data); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", c.Domain, c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
