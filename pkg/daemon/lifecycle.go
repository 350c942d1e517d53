package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/voxforge/voxd/pkg/concurrency"
	"github.com/voxforge/voxd/pkg/core"
	"github.com/voxforge/voxd/pkg/engine"
	"github.com/voxforge/voxd/pkg/persistence"
	"github.com/voxforge/voxd/pkg/registry"
)

// State is the daemon lifecycle phase.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Daemon owns the full process: engine, pool, transport, pidfile, and
// the signal loop.
type Daemon struct {
	cfg        *core.Config
	configPath string
	overrides  *core.CLIOverrides

	store  *persistence.Store
	engine *engine.Engine
	gate   *concurrency.EngineGate
	pool   *concurrency.WorkerPool
	server *Server

	state   atomic.Int32
	verbose atomic.Bool

	startedAt time.Time
	stopCh    chan os.Signal
}

// New assembles a daemon from a validated config. configPath and
// overrides are retained so SIGHUP can re-resolve the hierarchy.
func New(cfg *core.Config, configPath string, overrides *core.CLIOverrides) (*Daemon, error) {
	mode, err := cfg.SocketFileMode()
	if err != nil {
		return nil, err
	}

	store, err := persistence.NewStore(cfg.Storage.DataDir, cfg.Storage.Compress)
	if err != nil {
		return nil, fmt.Errorf("opening data dir: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		configPath: configPath,
		overrides:  overrides,
		store:      store,
		startedAt:  time.Now(),
		stopCh:     make(chan os.Signal, 4),
	}
	d.verbose.Store(cfg.Log.Verbose)

	d.engine = engine.New(cfg.Engine, store)
	d.gate = concurrency.NewEngineGate()
	d.pool = concurrency.NewWorkerPool(d.engine, d.gate, cfg.Workers)

	reg := registry.New()
	if err := registry.Build(reg, d.Status); err != nil {
		return nil, err
	}

	d.server = NewServer(cfg.Server, mode, NewDispatcher(reg, d.pool))
	return d, nil
}

// Run claims the pidfile, binds the socket, and blocks until a stop
// signal completes the drain. The returned error is nil on a clean
// shutdown.
func (d *Daemon) Run() error {
	d.state.Store(int32(StateInitializing))

	if err := WritePIDFile(d.cfg.Daemon.PIDFile); err != nil {
		return err
	}
	defer RemovePIDFile(d.cfg.Daemon.PIDFile)

	if err := d.server.Listen(); err != nil {
		return err
	}

	d.pool.Start()
	go d.server.Serve()

	d.state.Store(int32(StateRunning))
	log.Printf("🧊 %s %s ready (pid %d)", core.Name, core.Version, os.Getpid())

	d.signalLoop()

	d.shutdown()
	return nil
}

// signalLoop blocks until a terminating signal arrives, servicing
// reloads and child reaping in the meantime.
func (d *Daemon) signalLoop() {
	signal.Ignore(syscall.SIGPIPE)
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.Printf("🔌 Received %v, shutting down", sig)
				return
			case syscall.SIGHUP:
				d.reload()
			case syscall.SIGCHLD:
				reapChildren()
			}
		case <-d.stopCh:
			return
		}
	}
}

// Stop requests shutdown from outside the signal loop. Used by tests.
func (d *Daemon) Stop() {
	select {
	case d.stopCh <- syscall.SIGTERM:
	default:
	}
}

// shutdown drains in-flight work within the grace period, then tears
// the transport down.
func (d *Daemon) shutdown() {
	d.state.Store(int32(StateDraining))

	// New connections stop here; open ones keep reading until drained.
	d.server.CloseListener()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Workers.DrainGrace)
	defer cancel()
	if err := d.pool.Drain(ctx); err != nil {
		log.Printf("⚠ Drain grace expired with work in flight: %v", err)
	}

	d.server.Close()
	d.pool.Stop()

	d.state.Store(int32(StateStopped))
	log.Printf("🔌 %s stopped", core.Name)
}

// reload re-resolves the configuration hierarchy and applies the
// dynamic subset. Static changes are logged and deferred to a restart.
func (d *Daemon) reload() {
	next, err := core.LoadConfig(d.configPath)
	if err != nil {
		log.Printf("⚠ Reload failed, keeping current config: %v", err)
		return
	}
	next.ApplyCLIOverrides(d.overrides)
	if err := next.Validate(); err != nil {
		log.Printf("⚠ Reload rejected: %v", err)
		return
	}

	dynamic, static := d.cfg.ReloadableDiff(next)
	for _, field := range dynamic {
		switch field {
		case "server.idleTimeout":
			d.server.SetIdleTimeout(next.Server.IdleTimeout)
			d.cfg.Server.IdleTimeout = next.Server.IdleTimeout
		case "workers.jobTimeout":
			d.pool.SetJobTimeout(next.Workers.JobTimeout)
			d.cfg.Workers.JobTimeout = next.Workers.JobTimeout
		case "log.verbose":
			d.verbose.Store(next.Log.Verbose)
			d.cfg.Log.Verbose = next.Log.Verbose
		}
		log.Printf("🔄 Reloaded %s", field)
	}
	for _, field := range static {
		log.Printf("⚠ %s changed but requires a restart, ignoring", field)
	}
	if len(dynamic) == 0 && len(static) == 0 {
		log.Println("🔄 Reload: no changes")
	}
}

// reapChildren collects exited children without blocking. Detached
// re-exec and future export helpers both fork.
func reapChildren() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}

// State returns the current lifecycle phase.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Status supplies the daemon section of status responses.
func (d *Daemon) Status() map[string]any {
	status := map[string]any{
		"state":   d.State().String(),
		"pid":     os.Getpid(),
		"uptime":  time.Since(d.startedAt).Round(time.Second).String(),
		"verbose": d.verbose.Load(),
	}
	for k, v := range d.server.Stats() {
		status[k] = v
	}
	status["pool"] = d.pool.Stats()
	status["gate"] = d.gate.Stats()
	status["storage"] = d.store.Stats()
	return status
}
