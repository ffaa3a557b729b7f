// Package kernel owns the daemon lifecycle: ordered subsystem startup,
// dependency wiring for adapters, and a tolerant reverse-order shutdown that
// runs exactly once no matter how many signals arrive.
package kernel

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SrDicov/Discoat/adapter"
	"github.com/SrDicov/Discoat/breaker"
	"github.com/SrDicov/Discoat/bus"
	"github.com/SrDicov/Discoat/config"
	"github.com/SrDicov/Discoat/dedup"
	"github.com/SrDicov/Discoat/errors"
	"github.com/SrDicov/Discoat/health"
	"github.com/SrDicov/Discoat/metric"
	"github.com/SrDicov/Discoat/queue"
	"github.com/SrDicov/Discoat/router"
	"github.com/SrDicov/Discoat/storage"
	"github.com/SrDicov/Discoat/topology"
)

// ShutdownTimeout bounds how long subsystems get to wind down.
const ShutdownTimeout = 15 * time.Second

// Kernel assembles and runs the bridge daemon.
type Kernel struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics  *metric.Registry
	monitor  *health.Monitor
	bus      bus.Bus
	repo     *topology.Repository
	queues   *queue.Manager
	breakers *breaker.Registry
	filter   *dedup.Filter
	router   *router.Router
	obsrv    *metric.Server
	adapters []adapter.Adapter

	filterCancel context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an unstarted kernel.
func New(cfg *config.Config, logger *slog.Logger) *Kernel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{
		cfg:    cfg,
		logger: logger.With("component", "kernel"),
	}
}

// Start brings the daemon up in dependency order: bus, repository, queues,
// breakers, dedup, router, observability server, then adapters. A subsystem
// failure before adapters aborts the boot; a single adapter failing to start
// only marks that adapter unhealthy.
func (k *Kernel) Start(ctx context.Context) error {
	k.metrics = metric.NewRegistry()
	k.monitor = health.NewMonitor()

	if k.cfg.NATSURL != "" {
		k.bus = bus.NewNATS(k.cfg.NATSURL, k.cfg.NodeID, bus.WithLogger(k.logger))
	} else {
		k.bus = bus.NewLocal(bus.WithLogger(k.logger))
	}
	if err := k.bus.Connect(ctx); err != nil {
		return errors.WrapFatal(err, "kernel", "Start", "connect bus")
	}
	k.monitor.Update("bus", health.Healthy("bus", "connected"))

	repo, err := topology.Open(k.cfg.DBPath, k.logger)
	if err != nil {
		return errors.WrapFatal(err, "kernel", "Start", "open repository")
	}
	k.repo = repo
	k.monitor.Update("repository", health.Healthy("repository", k.cfg.DBPath))

	k.queues = queue.NewManager(k.metrics, k.logger)
	k.breakers = breaker.NewRegistry(breaker.DefaultConfig(), k.metrics, k.logger)

	filterCtx, cancel := context.WithCancel(context.Background())
	k.filterCancel = cancel
	k.filter = dedup.NewFilter(filterCtx)

	k.router = router.New(k.repo, k.queues, k.filter, k.metrics, k.logger)
	if err := k.router.Start(k.bus); err != nil {
		return errors.WrapFatal(err, "kernel", "Start", "attach router")
	}

	k.obsrv = metric.NewServer(k.cfg.Port, k.metrics, k.monitor, k.logger)
	if err := k.obsrv.Start(); err != nil {
		return errors.WrapFatal(err, "kernel", "Start", "start observability server")
	}

	if err := k.startAdapters(ctx); err != nil {
		return err
	}

	if err := k.bus.Emit(ctx, bus.EventSystemReady, []byte(k.cfg.NodeID)); err != nil {
		k.logger.Warn("system.ready emit failed", "error", err)
	}
	k.logger.Info("daemon ready",
		"node", k.cfg.NodeID, "adapters", len(k.adapters), "distributed", k.cfg.NATSURL != "")
	return nil
}

// startAdapters builds, initializes, wires, and starts every configured
// adapter.
func (k *Kernel) startAdapters(ctx context.Context) error {
	for _, platform := range k.cfg.EnabledPlatforms() {
		factory, err := adapter.Lookup(platform)
		if err != nil {
			k.logger.Warn("platform configured but no adapter registered", "platform", platform)
			continue
		}
		a := factory()

		deps := &adapter.Context{
			Name:     platform,
			Config:   k.cfg.AdapterSettings(platform),
			Bus:      k.bus,
			Repo:     k.repo,
			Queue:    k.queues,
			Breakers: k.breakers,
			Storage:  &storage.Passthrough{CDNURL: k.cfg.Storage.CDNURL},
			Health:   k.monitor,
			Logger:   k.logger.With("adapter", platform),
		}
		if err := a.Init(deps); err != nil {
			return errors.WrapFatal(err, "kernel", "startAdapters", "init "+platform)
		}
		if err := adapter.Attach(k.queues, k.breakers, k.bus, a); err != nil {
			return errors.WrapFatal(err, "kernel", "startAdapters", "attach "+platform)
		}

		if err := a.Start(ctx); err != nil {
			// A dead adapter must not take the bridge down; the rest keep
			// relaying while this one reports unhealthy.
			k.logger.Error("adapter failed to start", "platform", platform, "error", err)
			k.monitor.Update(platform, health.Unhealthy(platform, err.Error()))
		} else {
			k.monitor.Update(platform, a.Health())
		}
		k.adapters = append(k.adapters, a)
	}
	return nil
}

// Shutdown tears the daemon down in reverse order. Every subsystem gets its
// chance to close even when earlier ones fail; the first error is returned.
// Safe to call from multiple goroutines; only the first call acts.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.shutdownOnce.Do(func() {
		k.logger.Info("shutting down")
		if k.bus != nil {
			_ = k.bus.Emit(ctx, bus.EventSystemShutdown, []byte(k.cfg.NodeID))
		}

		var errs []error
		collect := func(name string, err error) {
			if err != nil {
				k.logger.Error("shutdown step failed", "step", name, "error", err)
				errs = append(errs, err)
			}
		}

		// Adapters stop concurrently; none of them can block the others.
		g := new(errgroup.Group)
		for _, a := range k.adapters {
			g.Go(func() error {
				if err := a.Stop(ShutdownTimeout); err != nil {
					k.logger.Error("adapter stop failed", "platform", a.Name(), "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()

		if k.router != nil {
			k.router.Stop()
		}
		if k.queues != nil {
			collect("queues", k.queues.Stop(ctx))
		}
		if k.obsrv != nil {
			collect("observability", k.obsrv.Stop(ctx))
		}
		if k.filter != nil {
			k.filter.Close()
		}
		if k.filterCancel != nil {
			k.filterCancel()
		}
		if k.repo != nil {
			collect("repository", k.repo.Close())
		}
		if k.bus != nil {
			collect("bus", k.bus.Close(ctx))
		}

		if len(errs) > 0 {
			k.shutdownErr = errs[0]
		}
		k.logger.Info("shutdown complete", "errors", len(errs))
	})
	return k.shutdownErr
}

// Run starts the kernel and blocks until SIGINT/SIGTERM or context
// cancellation, then shuts down. The signal handler arms before Start so a
// signal during a slow boot still lands on the guard.
func (k *Kernel) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := k.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		_ = k.Shutdown(shutdownCtx)
		return err
	}

	select {
	case sig := <-sigCh:
		k.logger.Info("signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return k.Shutdown(shutdownCtx)
}
