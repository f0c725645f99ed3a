// Command sqlcoredemo wires the config, metrics, pool, and statusapi
// packages into a runnable service, analogous to the teacher's
// cmd/dbbouncer/main.go but fronting named connection pools instead of
// a tenant-routed proxy.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jkantaria/sqlcore/backend"
	"github.com/jkantaria/sqlcore/backend/pgbackend"
	"github.com/jkantaria/sqlcore/config"
	"github.com/jkantaria/sqlcore/metrics"
	"github.com/jkantaria/sqlcore/pool"
	"github.com/jkantaria/sqlcore/statusapi"
)

func main() {
	configPath := flag.String("config", "configs/sqlcore.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("sqlcore starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "pools", len(cfg.Pools))

	m := metrics.New()
	mgr := pool.NewManager()

	for name, pc := range cfg.Pools {
		startPool(mgr, m, name, pc, cfg.Defaults)
	}

	go reportStats(mgr, m)

	api := statusapi.NewServer(mgr, m)
	if err := api.Start(cfg.API.Bind, cfg.API.Port); err != nil {
		slog.Error("failed to start status api", "err", err)
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration")
		reconcilePools(mgr, m, newCfg)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("sqlcore ready", "api_bind", cfg.API.Bind, "api_port", cfg.API.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if watcher != nil {
		watcher.Stop()
	}
	api.Stop()
	mgr.ShutdownAll()

	slog.Info("sqlcore stopped")
}

func startPool(mgr *pool.Manager, m *metrics.Collector, name string, pc config.PoolConfig, defaults config.PoolDefaults) {
	kind := pool.PostgreSQL
	var dial backend.Dialer
	switch pc.Kind {
	case "postgres":
		kind = pool.PostgreSQL
		dial = pgbackend.NewDialer()
	case "mysql":
		slog.Warn("mysql pools have no demo dialer wired, skipping", "pool", name)
		return
	default:
		slog.Warn("unknown pool kind, skipping", "pool", name, "kind", pc.Kind)
		return
	}

	size := pc.EffectiveSize(defaults)
	backoff := pc.EffectiveReconnectBackoff(defaults)
	maxQueueDepth := pc.EffectiveMaxQueueDepth(defaults)

	p := pool.New(pc.ConnInfo, size, kind, dial,
		pool.WithReconnectBackoff(backoff),
		pool.WithMaxQueueDepth(maxQueueDepth),
		pool.WithOnExhausted(func() { m.PoolExhausted(name) }),
		pool.WithMetrics(m, name),
	)
	mgr.Add(name, p)
	slog.Info("pool started", "pool", name, "kind", pc.Kind, "size", size)
}

// reconcilePools adds pools newly present in newCfg and drops ones
// removed from it. It does not attempt to resize or re-dial pools whose
// config changed in place — a running pool keeps its original settings
// until replaced, the same "warm connections stay put" posture the
// teacher's router.Reload takes with tenants.
func reconcilePools(mgr *pool.Manager, m *metrics.Collector, newCfg *config.Config) {
	existing := mgr.Pools()
	for name := range existing {
		if _, ok := newCfg.Pools[name]; !ok {
			if p, ok := mgr.Get(name); ok {
				mgr.Remove(name)
				p.Shutdown()
				m.RemovePool(name, p.Kind().String())
				slog.Info("pool removed on reload", "pool", name)
			}
		}
	}
	for name, pc := range newCfg.Pools {
		if _, ok := existing[name]; !ok {
			startPool(mgr, m, name, pc, newCfg.Defaults)
		}
	}
}

func reportStats(mgr *pool.Manager, m *metrics.Collector) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for name, p := range mgr.Pools() {
			s := p.Stats()
			m.UpdatePoolStats(name, p.Kind().String(), s.Ready, s.Busy, s.Reserved, s.Waiting, s.TransWait)
		}
	}
}
