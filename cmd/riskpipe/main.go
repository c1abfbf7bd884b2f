package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"riskpipe/internal/alerts"
	"riskpipe/internal/arbiter"
	"riskpipe/internal/bus"
	"riskpipe/internal/config"
	"riskpipe/internal/features"
	"riskpipe/internal/logging"
	"riskpipe/internal/metrics"
	"riskpipe/internal/pipeline"
	"riskpipe/internal/policy"
	"riskpipe/internal/rules"
	"riskpipe/internal/scoring"
	"riskpipe/internal/storage"
)

var configPath = flag.String("config", "config/riskpipe.yaml", "path to configuration file")

func main() {
	flag.Parse()
	// run owns every resource, so its defers fire before the fatal exit
	if err := run(); err != nil {
		log.Fatalf("riskpipe: %v", err)
	}
}

func run() error {
	cfgMgr, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("configuration loaded", "path", cfgMgr.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metricSet := metrics.New(registry)
	if cfg.Metrics.Enabled {
		metrics.Serve(ctx, cfg.Metrics.Addr, registry, logger)
		logger.Info("metrics listener enabled", "addr", cfg.Metrics.Addr)
	}

	computer, err := features.NewComputer(cfg.History.Capacity, cfg.History.MaxEntities, cfg.History.Epoch)
	if err != nil {
		return fmt.Errorf("init feature computer: %w", err)
	}

	policyMgr := policy.NewManager(
		config.ResolvePath(cfg.Policy.Path),
		policy.Thresholds{Tau: cfg.Policy.Tau, TauHigh: cfg.Policy.TauHigh},
		logger,
	)

	var evaluator pipeline.RuleEvaluator
	if strings.ToLower(cfg.Rules.Mode) == "remote" {
		evaluator = rules.NewClient(cfg.Rules.URL, cfg.Rules.Timeout)
		logger.Info("rule evaluation delegated to remote service", "url", cfg.Rules.URL)
	} else {
		set, err := rules.Load(config.ResolvePath(cfg.Rules.Path), logger)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		logger.Info("rules loaded", "path", cfg.Rules.Path, "count", set.Len())
		evaluator = set
	}

	scorer := scoring.NewClient(cfg.Scoring.URL, cfg.Scoring.Timeout)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	recent := alerts.NewStore(cfg.Alerts.StoreLimit)
	var arbiterStore arbiter.ContextStore = recent
	if store != nil {
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init storage schema: %w", err)
		}
		arbiterStore = store
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	backend := arbiter.NewOllamaBackend(cfg.Arbiter.URL, cfg.Arbiter.Model, cfg.Arbiter.Temperature, cfg.Arbiter.Timeout)
	arb := arbiter.New(backend, policyMgr, arbiterStore, cfg.Arbiter.MinScore, cfg.Arbiter.HistoryLimit, logger)

	gateway := bus.NewGateway(cfg.Bus, logger)
	gateway.OnReconnect = func() {
		metricSet.BusReconnects.Inc()
		policyMgr.Reload()
	}
	defer gateway.Close()

	// Startup connect failure is fatal: the supervisor restarts us.
	if err := gateway.Connect(ctx); err != nil {
		logger.Error("bus unreachable at startup", "err", err)
		return err
	}

	pipe := pipeline.New(pipeline.Deps{
		Logger:    logger,
		Metrics:   metricSet,
		Features:  computer,
		Scorer:    scorer,
		Rules:     evaluator,
		Policy:    policyMgr,
		Arbiter:   arb,
		Store:     store,
		Recent:    recent,
		Publisher: gateway,
		Topics:    cfg.Bus.Topics,
	})

	go cfgMgr.Watch(0, func(updated *config.Config) {
		logger.Info("configuration reloaded")
		policyMgr.Reload()
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, ctx.Done())

	logger.Info("consuming transactions", "topic", cfg.Bus.Topics.Transactions, "group_id", cfg.Bus.GroupID)
	if err := gateway.Consume(ctx, cfg.Bus.Topics.Transactions, pipe.Handle); err != nil && ctx.Err() == nil {
		return fmt.Errorf("consume loop ended: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
