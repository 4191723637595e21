// Package main runs the Stratum bridge: miners connect over Stratum V1 and
// the bridge talks to a Bitcoin node over JSON-RPC.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/stratumbridge/internal/bitcoin"
	"github.com/bardlex/stratumbridge/internal/bridge"
	"github.com/bardlex/stratumbridge/internal/config"
	"github.com/bardlex/stratumbridge/internal/database"
	"github.com/bardlex/stratumbridge/internal/database/influx"
	"github.com/bardlex/stratumbridge/internal/database/redis"
	"github.com/bardlex/stratumbridge/internal/messaging"
	"github.com/bardlex/stratumbridge/internal/metrics"
	"github.com/bardlex/stratumbridge/pkg/circuit"
	"github.com/bardlex/stratumbridge/pkg/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting stratum bridge",
		"version", cfg.Version,
		"network", cfg.Network,
		"stratum_addr", cfg.StratumAddr(),
		"node", fmt.Sprintf("%s:%d", cfg.BitcoinRPCHost, cfg.BitcoinRPCPort),
	)

	collectors := metrics.New("stratumbridge")

	rpc, err := bitcoin.NewRPCClient(cfg.BitcoinRPCHost, cfg.BitcoinRPCPort,
		cfg.BitcoinRPCUser, cfg.BitcoinRPCPassword, upstreamBreaker(collectors, logger))
	if err != nil {
		logger.WithError(err).Error("failed to create bitcoin RPC client")
		os.Exit(1)
	}
	defer rpc.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := rpc.Ping(pingCtx); err != nil {
		// the pump keeps retrying and reports degraded until the node answers
		logger.WithError(err).Warn("bitcoin node not reachable yet")
	}
	pingCancel()

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("block notifications disabled, polling only")
		notifier = nil
	}

	hasher, err := bitcoin.HasherByName(cfg.PowHash, []byte(cfg.PowHashKey))
	if err != nil {
		logger.WithError(err).Error("invalid proof-of-work hash")
		os.Exit(1)
	}

	sinks, err := buildSinks(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create event sinks")
		os.Exit(1)
	}

	b, err := bridge.New(bridge.Options{
		Config:   cfg,
		Upstream: rpc,
		Notifier: notifier,
		Hasher:   hasher,
		Sinks:    sinks,
		Metrics:  collectors,
		Breakers: []*circuit.Breaker{rpc.Breaker()},
		Logger:   logger,
	})
	if err != nil {
		logger.WithError(err).Error("failed to create bridge")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- b.Run(ctx)
	}()

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-runErr:
		if err != nil {
			logger.WithError(err).Error("bridge failed")
			exitCode = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		exitCode = 1
	}
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.WithError(err).Debug("failed to close ZMQ socket")
		}
	}

	logger.Info("stratum bridge stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// upstreamBreaker returns the node breaker config with state changes
// exported as metrics.
func upstreamBreaker(collectors *metrics.Collectors, logger *log.Logger) *circuit.Config {
	cfg := circuit.UpstreamConfig()
	cfg.Name = "bitcoin-rpc"
	collectors.SetCircuitState(cfg.Name, int(circuit.StateClosed))
	cfg.OnStateChange = func(name string, from, to circuit.State) {
		collectors.SetCircuitState(name, int(to))
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}
	return cfg
}

// newNotifier connects to the node's ZMQ hashblock feed. It returns nil
// when no endpoint is configured.
func newNotifier(cfg *config.Config, logger *log.Logger) (bitcoin.Notifier, error) {
	if cfg.BitcoinZMQAddr == "" {
		return nil, nil
	}

	zmq, err := bitcoin.NewZMQNotifier(cfg.BitcoinZMQAddr, logger)
	if err != nil {
		return nil, err
	}
	if err := zmq.Subscribe(bitcoin.TopicHashBlock); err != nil {
		_ = zmq.Close()
		return nil, err
	}
	if err := zmq.Connect(); err != nil {
		_ = zmq.Close()
		return nil, err
	}
	return zmq, nil
}

// buildSinks creates the configured event sinks. Every sink is optional.
func buildSinks(cfg *config.Config, logger *log.Logger) ([]bridge.Sink, error) {
	var sinks []bridge.Sink

	if len(cfg.KafkaBrokers) > 0 {
		encoding, err := messaging.ParseEncoding(cfg.KafkaEncoding)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, messaging.NewKafkaPublisher(messaging.KafkaConfig{
			Brokers:     cfg.KafkaBrokers,
			TopicPrefix: cfg.KafkaTopicPrefix,
			Encoding:    encoding,
		}, logger))
		logger.Info("kafka sink enabled", "brokers", cfg.KafkaBrokers, "encoding", string(encoding))
	}

	dbConfig := storeConfig(cfg)
	if dbConfig.Redis != nil || dbConfig.Influx != nil {
		manager, err := database.NewManager(dbConfig, logger)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, manager)
		logger.Info("storage sink enabled",
			"redis", dbConfig.Redis != nil,
			"influx", dbConfig.Influx != nil,
		)
	}

	return sinks, nil
}

// storeConfig maps the sink settings onto the storage manager config.
func storeConfig(cfg *config.Config) *database.Config {
	dbConfig := &database.Config{}
	if cfg.RedisAddr != "" {
		dbConfig.Redis = &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			KeyPrefix:    cfg.RedisKeyPrefix,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbConfig
}

func closeSinks(sinks []bridge.Sink) {
	for _, s := range sinks {
		if closer, ok := s.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}
