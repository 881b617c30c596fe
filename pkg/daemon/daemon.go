// Package daemon boots wpmd: it wires the registry, resource store,
// lifecycle engine, scheduler and control server together, autostarts units
// on boot, and performs the ordered shutdown on signal or request.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/LGUG2Z/wpm/pkg/events"
	"github.com/LGUG2Z/wpm/pkg/ipc"
	"github.com/LGUG2Z/wpm/pkg/lifecycle"
	"github.com/LGUG2Z/wpm/pkg/log"
	"github.com/LGUG2Z/wpm/pkg/paths"
	"github.com/LGUG2Z/wpm/pkg/proc"
	"github.com/LGUG2Z/wpm/pkg/registry"
	"github.com/LGUG2Z/wpm/pkg/scheduler"
	"github.com/LGUG2Z/wpm/pkg/server"
	"github.com/LGUG2Z/wpm/pkg/store"
)

// Daemon owns the assembled process manager.
type Daemon struct {
	cfg      Config
	unitsDir string
	dataDir  string

	registry  *registry.Registry
	store     *store.Store
	broker    *events.Broker
	engine    *lifecycle.Engine
	scheduler *scheduler.Scheduler
	server    *server.Server

	reloadMu     sync.Mutex
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New assembles a daemon from its configuration.
func New(cfg Config) (*Daemon, error) {
	home, err := paths.HomeDir()
	if err != nil {
		return nil, err
	}

	unitsDir := cfg.UnitDir
	if unitsDir == "" {
		unitsDir, err = paths.UnitsDir()
		if err != nil {
			return nil, err
		}
	}

	dataDir, err := paths.DataDir()
	if err != nil {
		return nil, err
	}

	storeDir, err := paths.StoreDir()
	if err != nil {
		return nil, err
	}

	pkgDir, err := paths.PkgDir()
	if err != nil {
		return nil, err
	}

	logDir, err := paths.LogDir()
	if err != nil {
		return nil, err
	}

	resourceStore, err := store.New(store.Config{
		StoreDir: storeDir,
		PkgDir:   pkgDir,
		Home:     home,
	})
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:        cfg,
		unitsDir:   unitsDir,
		dataDir:    dataDir,
		registry:   registry.New(),
		store:      resourceStore,
		broker:     events.NewBroker(),
		shutdownCh: make(chan struct{}),
	}

	d.engine = lifecycle.New(lifecycle.Config{
		Registry: d.registry,
		Resolver: resourceStore,
		Broker:   d.broker,
		Home:     home,
		LogDir:   logDir,
		Grace:    time.Duration(cfg.GraceSec) * time.Second,
		OnRestartRequest: func(name string) {
			d.scheduler.RequestStart(name)
		},
	})

	d.scheduler = scheduler.New(d.registry, d.engine)

	daemonLogPath, err := paths.DaemonLogPath()
	if err != nil {
		return nil, err
	}

	d.server = server.New(server.Config{
		Registry:      d.registry,
		Scheduler:     d.scheduler,
		Store:         resourceStore,
		Broker:        d.broker,
		UnitsDir:      unitsDir,
		DaemonLogPath: daemonLogPath,
		Reload:        d.Reload,
		Shutdown:      d.RequestShutdown,
	})

	return d, nil
}

// UnitsDir returns the unit definition directory in use.
func (d *Daemon) UnitsDir() string {
	return d.unitsDir
}

// Run boots the daemon and blocks until the context is cancelled or a
// shutdown is requested, then performs the ordered stop of every running
// unit.
func (d *Daemon) Run(ctx context.Context) error {
	logger := log.WithComponent("daemon")

	unlock, err := d.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	d.broker.Start()
	d.scheduler.Run()

	if _, err := d.registry.LoadAll(d.unitsDir); err != nil {
		// the daemon still serves reloads against an empty registry
		logger.Error().Err(err).Msg("initial unit load failed")
	}

	listener, err := ipc.Listen(d.dataDir)
	if err != nil {
		return fmt.Errorf("bind control endpoint: %w", err)
	}

	go d.server.Serve(listener)

	if d.cfg.MetricsAddr != "" {
		go d.serveMetrics()
		go d.collectMetrics()
	}

	stopWatch := func() {}
	if d.cfg.Watch {
		stopWatch, err = d.watchUnits()
		if err != nil {
			logger.Warn().Err(err).Msg("unit directory watch unavailable")
			stopWatch = func() {}
		}
	}

	d.autostart()

	select {
	case <-ctx.Done():
		logger.Info().Msg("interrupt received, shutting down")
	case <-d.shutdownCh:
		logger.Info().Msg("shutdown requested, shutting down")
	}

	stopWatch()
	d.server.Stop()

	if err := d.scheduler.StopAll(); err != nil {
		logger.Warn().Err(err).Msg("errors during ordered shutdown")
	}

	d.scheduler.Shutdown()
	d.broker.Stop()
	d.store.Close()

	logger.Info().Msg("shutdown complete")
	return nil
}

// RequestShutdown triggers orderly daemon termination.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdownCh)
	})
}

// Reload re-reads the unit directory, stopping units whose definitions were
// removed. Load failures leave the previous registry intact.
func (d *Daemon) Reload() error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	removed, err := d.registry.LoadAll(d.unitsDir)
	if err != nil {
		return err
	}

	for _, handle := range removed {
		if err := d.engine.StopRemoved(context.Background(), handle); err != nil {
			log.WithComponent("daemon").Warn().Err(err).Msg("failed to stop removed unit")
		}
	}

	return nil
}

// autostart submits every autostart unit as a single batch; the scheduler's
// dependency planning supplies the order.
func (d *Daemon) autostart() {
	var names []string
	for _, status := range d.registry.Snapshot() {
		handle, err := d.registry.Lookup(status.Name)
		if err != nil {
			continue
		}

		if handle.Def().Service.Autostart {
			names = append(names, status.Name)
		}
	}

	if len(names) == 0 {
		return
	}

	log.WithComponent("daemon").Info().Strs("units", names).Msg("autostarting")

	go func() {
		if err := d.scheduler.Start(names); err != nil {
			log.WithComponent("daemon").Error().Err(err).Msg("autostart finished with errors")
		}
	}()
}

// acquireLock enforces a single daemon instance per user through a pid file
// in the data directory.
func (d *Daemon) acquireLock() (func(), error) {
	path := filepath.Join(d.dataDir, "wpmd.pid")

	if raw, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(raw)); err == nil && pid != os.Getpid() && proc.Alive(pid) {
			return nil, fmt.Errorf("wpmd is already running with pid %d; exit the existing process before starting a new one", pid)
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, err
	}

	return func() { os.Remove(path) }, nil
}

// Registry exposes the unit registry for status tooling.
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}
