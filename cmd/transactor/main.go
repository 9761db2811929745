// Command transactor serves workspace transaction pipelines over websocket
// and HTTP RPC. With -backup or -restore it runs one maintenance job against
// the configured storage and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"transactor/internal/backup"
	"transactor/internal/blob"
	"transactor/internal/config"
	"transactor/internal/core"
	"transactor/internal/logger"
	"transactor/internal/pipeline"
	"transactor/internal/queue"
	"transactor/internal/server"
	"transactor/internal/session"
	"transactor/pkg/domain"
	"transactor/plugins/attachment"
	"transactor/plugins/tracker"
)

const shutdownTimeout = 30 * time.Second

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

type options struct {
	configPath string
	backupWS   string
	restoreWS  string
	backupID   string
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("transactor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&opts.backupWS, "backup", "", "back up the workspace and exit")
	fs.StringVar(&opts.restoreWS, "restore", "", "restore the workspace from -backup-id and exit")
	fs.StringVar(&opts.backupID, "backup-id", "", "backup to restore")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if opts.restoreWS != "" && opts.backupID == "" {
		_, _ = fmt.Fprintln(stderr, "-restore requires -backup-id")
		return 2
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	base := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = base.Sync() }()

	base.Debug("configuration loaded", zap.Any("config", cfg.Redacted()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case opts.backupWS != "" || opts.restoreWS != "":
		err = maintain(ctx, cfg, opts, base, stdout)
	default:
		err = serve(ctx, cfg, base)
	}
	if err != nil {
		base.Error("transactor failed", zap.Error(err))
		return 1
	}
	return 0
}

func newRegistry() (*core.PluginRegistry, error) {
	registry := core.NewPluginRegistry()
	if _, err := registry.Install(tracker.New()); err != nil {
		return nil, fmt.Errorf("install tracker: %w", err)
	}
	if _, err := registry.Install(attachment.New()); err != nil {
		return nil, fmt.Errorf("install attachment: %w", err)
	}
	return registry, nil
}

func serve(ctx context.Context, cfg config.Config, base *zap.Logger) error {
	log := logger.For(base, logger.ComponentServer)

	registry, err := newRegistry()
	if err != nil {
		return err
	}
	store, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	q, err := queue.Open(cfg.Queue, logger.For(base, logger.ComponentQueue))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := core.NewPrometheusRecorder(reg)
	if err != nil {
		return err
	}
	sessionMetrics, err := session.NewMetrics(reg)
	if err != nil {
		return err
	}

	factory := pipeline.NewFactory(cfg, registry, store, q, logger.For(base, logger.ComponentPipeline))
	factory.Metrics = recorder

	auth, err := session.NewStaticAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}
	managerOpts := []session.Option{
		session.WithLogger(logger.For(base, logger.ComponentSession)),
		session.WithMetrics(sessionMetrics),
	}
	if q != nil {
		managerOpts = append(managerOpts, session.WithQueue(q))
	}
	manager := session.NewManager(cfg.Session, factory, auth, managerOpts...)

	if q != nil {
		consumer, err := manager.ConsumeTx(ctx, cfg.Queue.GroupID)
		if err != nil {
			return fmt.Errorf("start tx consumer: %w", err)
		}
		defer func() { _ = consumer.Close() }()
	}
	go manager.Run(ctx, time.Second)

	srv := server.New(cfg.Listen, manager, reg, base)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infow("transactor listening", "addr", cfg.Listen, "storage", cfg.Storage.Driver, "blob", store.Driver(), "queue", cfg.Queue.Driver)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	errs := []error{serveErr, srv.Shutdown(shutdownCtx), manager.Shutdown(shutdownCtx)}
	if q != nil {
		errs = append(errs, q.Shutdown(shutdownCtx))
	}
	log.Info("transactor stopped")
	return errors.Join(errs...)
}

func maintain(ctx context.Context, cfg config.Config, opts options, base *zap.Logger, stdout io.Writer) error {
	registry, err := newRegistry()
	if err != nil {
		return err
	}
	store, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	svc := backup.New(store, logger.For(base, logger.ComponentBackup))
	storage := core.NewStorageFactory(cfg.Storage, registry.Hierarchy())

	ws := domain.WorkspaceID(opts.backupWS)
	if opts.restoreWS != "" {
		ws = domain.WorkspaceID(opts.restoreWS)
	}
	adapter, err := storage.Open(ctx, ws)
	if err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()

	var m backup.Manifest
	if opts.restoreWS != "" {
		m, err = svc.Restore(ctx, ws, opts.backupID, adapter)
	} else {
		m, err = svc.Backup(ctx, ws, adapter, registry.Hierarchy().Domains())
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s %s\n", m.Workspace, m.ID)
	return err
}
