// Package app wires the directory watcher, processing queue, materialization
// strategies, library notifier and archive disposer into one running
// service, the way an import pipeline's setup code wires its watcher,
// queue manager and postprocessor coordinator together at startup.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/javi11/rarbridge/internal/archive"
	"github.com/javi11/rarbridge/internal/config"
	"github.com/javi11/rarbridge/internal/disposer"
	"github.com/javi11/rarbridge/internal/dupindex"
	"github.com/javi11/rarbridge/internal/materialize"
	"github.com/javi11/rarbridge/internal/materialize/extract"
	"github.com/javi11/rarbridge/internal/materialize/httpvfs"
	"github.com/javi11/rarbridge/internal/materialize/mount"
	"github.com/javi11/rarbridge/internal/notifier"
	"github.com/javi11/rarbridge/internal/queue"
	"github.com/javi11/rarbridge/internal/watcher"
)

// App is the fully wired rarbridge service.
type App struct {
	cfg *config.Config
	log *slog.Logger

	dupStore *dupindex.Store
	watcher  *watcher.Watcher
	queue    *queue.Queue
	notifier *notifier.Notifier
	disposer *disposer.Disposer

	strategies map[config.ProcessingMode]materialize.Strategy
	httpServer *httpvfs.Server

	jobs *jobTable
}

// New builds an App from cfg but does not start any background activity.
func New(cfg *config.Config) (*App, error) {
	log := slog.Default().With("component", "app")

	var dupStore *dupindex.Store
	if cfg.Options.DuplicateCheck {
		store, err := dupindex.Open(filepath.Join(cfg.Paths.Data, "duplicates.db"))
		if err != nil {
			return nil, fmt.Errorf("app: open duplicate index: %w", err)
		}
		dupStore = store
	}

	if err := extract.CleanWorkDir(afero.NewOsFs(), cfg.Paths.Work); err != nil {
		log.Warn("failed to clean work directory at startup", "error", err)
	}

	var dupIndex extract.DuplicateIndex
	if dupStore != nil {
		// Avoid passing a typed-nil *dupindex.Store into the interface
		// parameter when duplicate_check is off: extract.New's own nil
		// check only sees a plain nil interface.
		dupIndex = dupStore
	}
	strategies := map[config.ProcessingMode]materialize.Strategy{
		config.ModeExtract: extract.New(afero.NewOsFs(), cfg.Paths.Work, dupIndex, cfg.Options.DuplicateCheck),
	}

	var httpServer *httpvfs.Server
	// An extract source configured with auto_fallback_threshold_gb needs the
	// virtual_http strategy standing by even if no source selects it
	// directly, since processor.applyAutoFallback can switch to it at
	// runtime for an oversized archive set.
	if modeInUse(cfg, config.ModeVirtualHTTP) || cfg.Options.AutoFallbackThresholdGB > 0 {
		registry := httpvfs.NewRegistry(256)
		httpServer = httpvfs.NewServer(httpvfs.Config{
			PortRangeLow:         cfg.VirtualHTTP.PortRangeLow,
			PortRangeHigh:        cfg.VirtualHTTP.PortRangeHigh,
			Bind:                 cfg.VirtualHTTP.Bind,
			MaxConcurrentStreams: cfg.VirtualHTTP.MaxConcurrentStreams,
			StreamChunkSize:      cfg.VirtualHTTP.StreamChunkSize,
		}, registry)
		strategies[config.ModeVirtualHTTP] = httpvfs.New(registry, httpServer, "")
	}

	if modeInUse(cfg, config.ModeExternalMount) {
		strategies[config.ModeExternalMount] = mount.New(mount.Config{
			Executable:     cfg.ExternalMount.Executable,
			MountBase:      cfg.ExternalMount.MountBase,
			MountOptions:   cfg.ExternalMount.MountOptions,
			ReadyTimeout:   cfg.ExternalMount.ReadyTimeout,
			UnmountTimeout: cfg.ExternalMount.UnmountTimeout,
		})
	}

	jobs := newJobTable()

	proc := &processor{
		jobs:                    jobs,
		strategies:              strategies,
		notifier:                notifier.New(cfg.Plex),
		disposer:                disposer.New(cfg.Paths.Archive),
		mediaExts:               cfg.Options.Extensions,
		deleteSrc:               cfg.Options.DeleteArchives,
		autoFallbackThresholdGB: cfg.Options.AutoFallbackThresholdGB,
		log:                     log,
	}

	var maxRetryAge time.Duration
	if cfg.Options.MaxRetryAgeHours > 0 {
		maxRetryAge = time.Duration(cfg.Options.MaxRetryAgeHours * float64(time.Hour))
	}

	a := &App{
		cfg:        cfg,
		log:        log,
		dupStore:   dupStore,
		notifier:   proc.notifier,
		disposer:   proc.disposer,
		strategies: strategies,
		httpServer: httpServer,
		jobs:       jobs,
	}

	a.queue = queue.New(queue.Config{
		MaxRetryAttempts: cfg.Options.MaxRetryAttempts,
		RetryInterval:    cfg.Options.RetryInterval,
		MaxRetryAge:      maxRetryAge,
	}, proc, a.quarantine)

	a.watcher = watcher.New(a.sourcesFromConfig(), cfg.Options.FileStabilizationTime, cfg.Options.MaxFileAge, cfg.Options.ScanExistingFiles)

	return a, nil
}

func (a *App) sourcesFromConfig() []watcher.Source {
	sources := make([]watcher.Source, 0, len(a.cfg.DirectoryPairs))
	for _, dp := range a.cfg.DirectoryPairs {
		if !dp.Enabled {
			continue
		}
		strategy := dp.Strategy
		if strategy == "" {
			strategy = a.cfg.Options.ProcessingMode
		}
		sources = append(sources, watcher.Source{
			Dir:       dp.Source,
			Target:    dp.Target,
			LibraryID: dp.LibraryID,
			Strategy:  string(strategy),
			Recursive: dp.Recursive,
		})
	}
	return sources
}

func modeInUse(cfg *config.Config, mode config.ProcessingMode) bool {
	if cfg.Options.ProcessingMode == mode {
		return true
	}
	for _, dp := range cfg.DirectoryPairs {
		if dp.Strategy == mode {
			return true
		}
	}
	return false
}

// Run starts the watcher and queue worker and blocks until ctx is canceled,
// then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	if a.httpServer != nil {
		if err := a.httpServer.Listen(ctx); err != nil {
			return fmt.Errorf("app: start virtual-http server: %w", err)
		}
	}

	watcherCtx, cancelWatcher := context.WithCancel(ctx)
	watcherDone := make(chan error, 1)
	go func() { watcherDone <- a.watcher.Run(watcherCtx) }()

	queueDone := make(chan struct{})
	go func() {
		a.queue.Run(ctx)
		close(queueDone)
	}()

	go a.consumeEvents(ctx)

	<-ctx.Done()
	cancelWatcher()
	<-watcherDone
	<-queueDone

	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("virtual-http server shutdown error", "error", err)
		}
	}

	for mode, strategy := range a.strategies {
		if err := strategy.Close(); err != nil {
			a.log.Warn("strategy close error", "mode", mode, "error", err)
		}
	}

	if a.dupStore != nil {
		if err := a.dupStore.Close(); err != nil {
			a.log.Warn("duplicate index close error", "error", err)
		}
	}

	return nil
}

// consumeEvents bridges watcher events into queue submissions, recording
// the job context each handle needs at processing time.
func (a *App) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.watcher.Events():
			if !ok {
				return
			}

			a.jobs.set(ev.Handle, job{
				sourceDir: ev.Source.Dir,
				targetDir: ev.Source.Target,
				libraryID: ev.Source.LibraryID,
				strategy:  config.ProcessingMode(ev.Source.Strategy),
			})

			label := queue.SourceNew
			if ev.Label == "existing" {
				label = queue.SourceExisting
			}
			a.queue.Submit(ev.Handle, label)
		}
	}
}

// quarantine moves a failed archive set into failed/, preserving its
// volume file names.
func (a *App) quarantine(item *queue.Item, reason string, cause error) {
	defer a.jobs.delete(item.Handle)

	log := a.log.With("handle", item.Handle, "reason", reason, "error", cause)

	volumes, err := archive.ResolveVolumeSet(item.Handle)
	if err != nil {
		// Volume set unresolvable (likely why it failed in the first
		// place); fall back to quarantining just the first volume file.
		volumes = []string{item.Handle}
	}

	quarantineDisposer := disposer.New(a.cfg.Paths.Failed)
	quarantineDisposer.Dispose(filepath.Dir(item.Handle), volumes, disposer.DispositionMove)

	log.Warn("archive set quarantined")
}
