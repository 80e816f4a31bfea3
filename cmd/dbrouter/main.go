package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/splitrouter/splitrouter/internal/api"
	"github.com/splitrouter/splitrouter/internal/backend"
	"github.com/splitrouter/splitrouter/internal/config"
	"github.com/splitrouter/splitrouter/internal/health"
	"github.com/splitrouter/splitrouter/internal/masking"
	"github.com/splitrouter/splitrouter/internal/metrics"
	"github.com/splitrouter/splitrouter/internal/proxy"
	"github.com/splitrouter/splitrouter/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/router.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("splitrouter starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "servers", len(cfg.Servers))

	routerCfg, err := cfg.Router.ToRouterConfig()
	if err != nil {
		slog.Error("invalid router config", "err", err)
		os.Exit(1)
	}

	registry := backend.NewRegistry()
	for _, sc := range cfg.Servers {
		srv, err := sc.Server()
		if err != nil {
			slog.Error("invalid server config", "server", sc.Name, "err", err)
			os.Exit(1)
		}
		registry.Upsert(srv)
	}

	maskingLoader, err := masking.NewLoader(cfg.Masking.RulesFile)
	if err != nil {
		slog.Error("failed to load masking rules", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	creds := cfg.Backend.Credentials()

	hc := health.NewChecker(registry, m, creds, health.Config{
		Interval:          10 * time.Second,
		FailureThreshold:  3,
		ConnectionTimeout: cfg.Backend.DialTimeout,
	})
	hc.Start()

	sessions := router.NewSessionRegistry()

	deps := router.Deps{
		Registry:    registry,
		Credentials: creds,
		DialTimeout: cfg.Backend.DialTimeout,
		Masking:     maskingLoader,
		Metrics:     m,
		Sessions:    sessions,
	}

	proxyServer := proxy.NewServer(routerCfg, deps, cfg.Listen)
	if err := proxyServer.Listen(cfg.Listen.MySQLPort); err != nil {
		slog.Error("failed to start mysql proxy", "err", err)
		os.Exit(1)
	}

	apiServer, err := api.NewServer(registry, sessions, hc, maskingLoader, m, cfg.Listen, creds.Username)
	if err != nil {
		slog.Error("failed to build admin api server", "err", err)
		os.Exit(1)
	}
	if err := apiServer.Start(); err != nil {
		slog.Error("failed to start admin api", "err", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration")

		newRouterCfg, err := newCfg.Router.ToRouterConfig()
		if err != nil {
			slog.Warn("config reload: invalid router config, keeping previous", "err", err)
			return
		}

		seen := make(map[string]bool)
		for _, sc := range newCfg.Servers {
			srv, err := sc.Server()
			if err != nil {
				slog.Warn("config reload: invalid server, skipping", "server", sc.Name, "err", err)
				continue
			}
			registry.Upsert(srv)
			seen[sc.Name] = true
		}
		for _, cand := range registry.Snapshot() {
			if !seen[cand.Server.Name] {
				registry.Remove(cand.Server.Name)
				m.RemoveServer(cand.Server.Name)
			}
		}

		maskingLoader.Reload()
		proxyServer.SetConfig(newRouterCfg)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("splitrouter ready", "mysql_port", cfg.Listen.MySQLPort, "api_port", cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	proxyServer.Stop()
	hc.Stop()

	slog.Info("splitrouter stopped")
}
