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
	"github.com/luckyim/delivery/dispatcher"
	"github.com/luckyim/delivery/logging"
	"github.com/luckyim/delivery/metrics"
	"github.com/luckyim/delivery/routing"
	"github.com/luckyim/delivery/storage"
)

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path (YAML)")
		instanceID = flag.String("instance-id", "", "Dispatcher instance ID (defaults to hostname)")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFile    = flag.String("log-file", "", "Log file path (optional, logs to stdout if not specified)")
	)
	flag.Parse()

	cfg := config.DefaultConfig()
	if err := cfg.Load(*configFile); err != nil {
		_, _ = os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = *logLevel
	}
	if *logFile != "" {
		cfg.Server.LogFile = *logFile
	}
	if *instanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			_, _ = os.Stderr.WriteString("cannot derive instance id: " + err.Error() + "\n")
			os.Exit(1)
		}
		*instanceID = host
	}

	logger, err := logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFile)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *instanceID, logger); err != nil {
		logger.Fatal("dispatcher failed", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, instanceID string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)

	store, err := storage.NewOutboxStore(ctx, cfg.Outbox)
	if err != nil {
		return err
	}
	defer store.Close()

	dir, err := routing.NewDirectory(ctx, cfg.Routing)
	if err != nil {
		return err
	}
	defer dir.Close()

	resolver, err := routing.NewResolver(cfg.Routing, cfg.Broker.Exchange, dir)
	if err != nil {
		return err
	}

	gateway, err := broker.NewGateway(cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer gateway.Close()

	alert := func(messageID, errorMessage string) {
		// Stand-in for the paging hook; operators watch this log line and
		// the dead-letter counter.
		logger.Error("dead-letter alert",
			zap.String("message_id", messageID),
			zap.String("error_message", errorMessage))
	}

	disp := dispatcher.New(instanceID, store, gateway, resolver, cfg.Outbox, logger,
		dispatcher.WithMetrics(collector),
		dispatcher.WithAlert(alert))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(ctx) })

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

	logger.Info("dispatcher started",
		zap.String("instance_id", instanceID),
		zap.String("outbox_backend", cfg.Outbox.Backend),
		zap.String("broker_backend", cfg.Broker.Backend),
		zap.String("routing_strategy", cfg.Routing.Strategy))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
