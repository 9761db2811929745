// Package pipeline assembles the standard workspace pipeline: it opens the
// workspace storage, applies plugin seeds, loads triggers and wires the
// middleware chain.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"transactor/internal/blob"
	"transactor/internal/config"
	"transactor/internal/core"
	"transactor/internal/middleware"
	blobapi "transactor/pkg/blob"
	"transactor/pkg/domain"
	"transactor/pkg/queue"
)

// Standard returns the middleware creators from head to tail.
func Standard() []core.MiddlewareCreator {
	return []core.MiddlewareCreator{
		middleware.Modified,
		middleware.GuestPermissions,
		middleware.SpaceSecurity,
		core.MarkDerivedEntry,
		middleware.UserStatus,
		middleware.ApplyIf,
		middleware.Identifier,
		middleware.Triggers,
		middleware.FullText,
		middleware.TxQueue,
		middleware.Broadcast,
		middleware.DBAdapter,
	}
}

// Options converts the pipeline config section.
func Options(cfg config.Pipeline) core.Options {
	opts := core.DefaultOptions()
	if cfg.MaxTriggerDepth > 0 {
		opts.MaxTriggerDepth = cfg.MaxTriggerDepth
	}
	if cfg.AsyncRetries >= 0 {
		opts.AsyncRetries = uint64(cfg.AsyncRetries)
	}
	if cfg.AsyncBackoff > 0 {
		opts.AsyncBackoff = cfg.AsyncBackoff
	}
	if cfg.CacheTTL > 0 {
		opts.CacheTTL = cfg.CacheTTL
	}
	return opts
}

// Factory creates workspace pipelines sharing one plugin registry, blob
// store and queue.
type Factory struct {
	Registry *core.PluginRegistry
	Storage  *core.StorageFactory
	Blob     blobapi.Store
	Queue    queue.Queue
	Options  core.Options
	Logger   *zap.SugaredLogger
	Metrics  core.MetricsRecorder
	// Creators overrides Standard when set.
	Creators []core.MiddlewareCreator
	Now      func() time.Time
}

// NewFactory returns a factory over registry using cfg for storage and
// pipeline options.
func NewFactory(cfg config.Config, registry *core.PluginRegistry, store blobapi.Store, q queue.Queue, log *zap.SugaredLogger) *Factory {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Factory{
		Registry: registry,
		Storage:  core.NewStorageFactory(cfg.Storage, registry.Hierarchy()),
		Blob:     store,
		Queue:    q,
		Options:  Options(cfg.Pipeline),
		Logger:   log,
		Metrics:  core.NopRecorder{},
	}
}

// Open activates workspace: it opens storage, applies missing seeds, loads
// the stored trigger registrations and builds the chain. broadcast receives
// committed change sets.
func (f *Factory) Open(ctx context.Context, workspace domain.WorkspaceID, broadcast core.BroadcastFunc) (*core.Pipeline, error) {
	adapter, err := f.Storage.Open(ctx, workspace)
	if err != nil {
		return nil, fmt.Errorf("open storage for %s: %w", workspace, err)
	}
	h := f.Registry.Hierarchy()
	seeded, err := core.ApplySeeds(ctx, adapter, h, f.Registry.Seeds())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("seed %s: %w", workspace, err), adapter.Close())
	}

	pc := core.NewPipelineContext(workspace, h, adapter, f.Registry.Resources(), f.Options)
	if err := pc.Triggers.Load(ctx, adapter); err != nil {
		return nil, errors.Join(fmt.Errorf("activate %s: %w", workspace, err), adapter.Close())
	}
	if f.Blob != nil {
		pc.Blob = blob.ForWorkspace(f.Blob, string(workspace))
	}
	pc.Queue = f.Queue
	pc.Broadcast = broadcast
	pc.Logger = f.Logger.With("workspace", workspace)
	if f.Metrics != nil {
		pc.Metrics = f.Metrics
	}
	if f.Now != nil {
		pc.Now = f.Now
	}

	creators := f.Creators
	if creators == nil {
		creators = Standard()
	}
	p, err := core.CreatePipeline(ctx, creators, pc)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create pipeline for %s: %w", workspace, err), adapter.Close())
	}
	pc.Logger.Infow("workspace pipeline ready", "seeded", seeded, "triggers", len(pc.Triggers.Triggers()))
	return p, nil
}
