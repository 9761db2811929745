package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"transactor/internal/config"
	"transactor/internal/infra/persistence/memory"
	"transactor/internal/infra/persistence/postgres"
	"transactor/internal/infra/persistence/sqlite"
	"transactor/pkg/domain"
)

// StorageDriver identifies a DbAdapter implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // one sqlite file per workspace
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageFactory opens the DbAdapter of a workspace. Memory adapters are
// kept for the process lifetime so a workspace reopened after a soft
// shutdown keeps its documents.
type StorageFactory struct {
	cfg       config.Storage
	hierarchy *domain.Hierarchy

	mu     sync.Mutex
	memory map[domain.WorkspaceID]*memory.Store
}

// NewStorageFactory returns a factory for cfg.
func NewStorageFactory(cfg config.Storage, h *domain.Hierarchy) *StorageFactory {
	return &StorageFactory{cfg: cfg, hierarchy: h, memory: make(map[domain.WorkspaceID]*memory.Store)}
}

// Open returns the adapter for workspace.
func (f *StorageFactory) Open(ctx context.Context, workspace domain.WorkspaceID) (domain.DbAdapter, error) {
	switch StorageDriver(strings.ToLower(f.cfg.Driver)) {
	case StorageMemory, "":
		f.mu.Lock()
		defer f.mu.Unlock()
		s, ok := f.memory[workspace]
		if !ok {
			s = memory.NewStore(f.hierarchy)
			f.memory[workspace] = s
		}
		return s, nil
	case StorageSQLite:
		return sqlite.NewStore(ctx, filepath.Join(f.cfg.SQLiteDir, fileName(workspace)+".db"), f.hierarchy)
	case StoragePostgres:
		return postgres.NewStore(ctx, f.cfg.PostgresDSN, workspace, f.hierarchy)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", f.cfg.Driver)
	}
}

// OpenDbAdapter opens a single adapter without keeping memory stores.
func OpenDbAdapter(ctx context.Context, cfg config.Storage, workspace domain.WorkspaceID, h *domain.Hierarchy) (domain.DbAdapter, error) {
	return NewStorageFactory(cfg, h).Open(ctx, workspace)
}

func fileName(workspace domain.WorkspaceID) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, string(workspace))
}
