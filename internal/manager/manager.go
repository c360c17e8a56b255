// Package manager wires together the registry, worker pool, transfer
// engine, sync orchestrator, console server, and metrics endpoint that
// make up the filesync manager process, replacing the original's global
// manager pointer and global log handle (spec §9 "Global mutable state")
// with a single owned Manager value constructed at startup and passed
// explicitly into every collaborator.
package manager

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rclone-labs/filesync/internal/config"
	"github.com/rclone-labs/filesync/internal/consoleapi"
	"github.com/rclone-labs/filesync/internal/flog"
	"github.com/rclone-labs/filesync/internal/metrics"
	"github.com/rclone-labs/filesync/internal/pool"
	"github.com/rclone-labs/filesync/internal/registry"
	"github.com/rclone-labs/filesync/internal/syncmgr"
	"github.com/rclone-labs/filesync/internal/transfer"
)

// metricsSampleInterval is how often the manager refreshes gauges that
// reflect point-in-time state (queue depth, active pairs) rather than
// monotonic counters the transfer engine updates directly.
const metricsSampleInterval = time.Second

// Manager owns every long-lived collaborator for one manager process.
type Manager struct {
	cfg        config.Manager
	Logger     *flog.Logger
	Registry   *registry.Registry
	Pool       *pool.Pool
	Engine     *transfer.Engine
	Sync       *syncmgr.Manager
	Console    *consoleapi.Server
	Metrics    *metrics.Metrics
	promReg    *prometheus.Registry
	shutdown   *atomic.Bool

	consoleLn  net.Listener
	metricsSrv *http.Server
}

// New constructs a Manager from fully-resolved configuration. It opens
// the log file and builds the registry/pool/engine/orchestrator/console
// chain, but does not yet bind any network listener.
func New(cfg config.Manager) (*Manager, error) {
	logger, err := flog.Open(cfg.LogFile, cfg.Verbose)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}

	reg := registry.New()
	met, promReg := metrics.New()
	engine := transfer.New(logger, reg, cfg.BufferSize)
	engine.Metrics = met

	p := pool.New(cfg.QueueCapacity, cfg.WorkerCount, engine.Run)
	sync := syncmgr.New(reg, p, logger)

	var shutdown atomic.Bool
	console := consoleapi.New(sync, reg, logger, &shutdown)

	return &Manager{
		cfg:      cfg,
		Logger:   logger,
		Registry: reg,
		Pool:     p,
		Engine:   engine,
		Sync:     sync,
		Console:  console,
		Metrics:  met,
		promReg:  promReg,
		shutdown: &shutdown,
	}, nil
}

// ShutdownRequested reports whether the process-wide shutdown flag is
// set; safe to call from any goroutine.
func (mgr *Manager) ShutdownRequested() bool {
	return mgr.shutdown.Load()
}

// RequestShutdown raises the shutdown flag. Called by the signal handler
// installed in cmd/fsmanager, per spec §5/§9 ("the only in-handler action
// is to set an atomic shutdown flag").
func (mgr *Manager) RequestShutdown() {
	mgr.shutdown.Store(true)
}

// LoadConfigFile applies every pair in the manager's config file as an
// "add", logging (not failing startup on) any malformed line or failed
// add, per spec §6.
func (mgr *Manager) LoadConfigFile() {
	if mgr.cfg.ConfigFile == "" {
		return
	}
	pairs, errs := config.LoadPairs(mgr.cfg.ConfigFile)
	for _, err := range errs {
		mgr.Logger.Errorf("config file: %s", err.Error())
	}
	for _, pair := range pairs {
		if err := mgr.Sync.AddPair(pair.Source, pair.Target); err != nil {
			mgr.Logger.Errorf("config file add %s -> %s: %s", pair.Source.String(), pair.Target.String(), err.Error())
		}
	}
}

// ServeConsole binds the console TCP port and runs the accept loop until
// shutdown. Blocks; call from its own goroutine.
func (mgr *Manager) ServeConsole() error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(mgr.cfg.Port)))
	if err != nil {
		return errors.Wrap(err, "bind console port")
	}
	mgr.consoleLn = ln
	mgr.Console.Serve(ln)
	return nil
}

// ServeMetrics starts the gauge sampler, and — if cfg.MetricsAddr is
// non-empty — an HTTP server exposing /metrics via promhttp. Non-blocking;
// both run in their own goroutines.
func (mgr *Manager) ServeMetrics() {
	go mgr.sampleGauges()
	if mgr.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(mgr.promReg))
	mgr.metricsSrv = &http.Server{Addr: mgr.cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := mgr.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mgr.Logger.Errorf("metrics server: %s", err.Error())
		}
	}()
}

func (mgr *Manager) sampleGauges() {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()
	for !mgr.ShutdownRequested() {
		<-ticker.C
		mgr.Metrics.QueueDepth.Set(float64(mgr.Pool.Len()))
		active := 0
		for _, e := range mgr.Registry.Snapshot() {
			if e.Active {
				active++
			}
		}
		mgr.Metrics.ActiveSyncPairs.Set(float64(active))
	}
}

// GracefulStop implements spec §5's shutdown sequence: stop accepting
// console connections, mark the pool shutting down, let in-flight
// transfers finish naturally, drain the queue, then join workers.
func (mgr *Manager) GracefulStop() {
	if mgr.consoleLn != nil {
		mgr.consoleLn.Close()
	}
	if mgr.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.metricsSrv.Shutdown(ctx)
	}
	mgr.Pool.Shutdown()
	mgr.Pool.Join()
	mgr.Logger.Close()
}
