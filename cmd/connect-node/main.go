package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luckyim/delivery/broker"
	"github.com/luckyim/delivery/config"
	"github.com/luckyim/delivery/delivery"
	"github.com/luckyim/delivery/device"
	"github.com/luckyim/delivery/logging"
	"github.com/luckyim/delivery/metrics"
	"github.com/luckyim/delivery/registry"
	"github.com/luckyim/delivery/routing"
	"github.com/luckyim/delivery/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path (YAML)")
		addr       = flag.String("addr", "", "Websocket listen address (overrides config)")
		nodeID     = flag.String("node-id", "", "Node ID (overrides config, defaults to hostname)")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFile    = flag.String("log-file", "", "Log file path (optional, logs to stdout if not specified)")
	)
	flag.Parse()

	cfg := config.DefaultConfig()
	if err := cfg.Load(*configFile); err != nil {
		_, _ = os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Network.Address = *addr
	}
	if *nodeID != "" {
		cfg.Server.NodeID = *nodeID
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = *logLevel
	}
	if *logFile != "" {
		cfg.Server.LogFile = *logFile
	}
	if cfg.Server.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			_, _ = os.Stderr.WriteString("cannot derive node id: " + err.Error() + "\n")
			os.Exit(1)
		}
		cfg.Server.NodeID = host
	}

	logger, err := logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFile)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("connect node failed", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeID := cfg.Server.NodeID
	collector := metrics.NewCollector(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)

	policy := device.NewConflictPolicy()
	if cfg.Registry.SingleSession {
		policy = device.SingleSessionPolicy()
	}
	reg := registry.New(policy, logger)

	dir, err := routing.NewDirectory(ctx, cfg.Routing)
	if err != nil {
		return err
	}
	defer dir.Close()

	gateway, err := broker.NewGateway(cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer gateway.Close()

	// The node consumes from a queue named after itself, bound on its
	// targeted key and the broadcast key.
	queue := nodeID
	if td, ok := gateway.(broker.TopologyDeclarer); ok {
		keys := []string{
			routing.NodeKey(cfg.Routing.KeyPrefix, nodeID),
			routing.BroadcastKey(cfg.Routing.KeyPrefix),
		}
		if err := td.DeclareTopology(cfg.Broker.Exchange, queue, keys...); err != nil {
			return err
		}
	}

	node := server.NewConnectNode(cfg, nodeID, reg, server.InsecureAuthenticator{}, dir, logger, collector)
	consumer := &delivery.Consumer{
		Gateway:  gateway,
		Registry: reg,
		Dedup:    delivery.NewDupIndex(),
		Log:      logger,
		Metrics:  collector,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(ctx) })
	g.Go(func() error { return consumer.Run(ctx, queue) })

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Address)
		g.Go(func() error { return metricsServer.Start() })
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Stop(shutCtx)
		})
	}

	logger.Info("connect node started",
		zap.String("node_id", nodeID),
		zap.String("address", cfg.Network.Address),
		zap.String("broker_backend", cfg.Broker.Backend),
		zap.String("directory", cfg.Routing.Directory))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
