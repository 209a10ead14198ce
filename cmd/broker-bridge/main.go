package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"broker-bridge/config"
	"broker-bridge/internal/connection"
	"broker-bridge/internal/driver"
	drivermqtt "broker-bridge/internal/driver/mqtt"
	drivernats "broker-bridge/internal/driver/nats"
	driverwebhook "broker-bridge/internal/driver/webhook"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/metrics"
	"broker-bridge/internal/router"
	"broker-bridge/internal/stats"
	"broker-bridge/internal/worker"
)

const (
	initialReconnectDelay = 2 * time.Second
	maxReconnectDelay     = 2 * time.Minute
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")
	testID := flag.String("test-connection", "", "test the given connection and exit")

	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	metricsPathOverride := flag.String("metrics-path", "", "override metrics endpoint path (empty = use config)")
	metricsIntervalOverride := flag.Duration("metrics-interval", 0, "override metrics collection interval (0 = use config)")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(*metricsAddrOverride, *metricsPathOverride, *metricsIntervalOverride)

	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	var metricsService *metrics.Metrics
	var metricsServer *http.Server
	var metricsCollector *metrics.Collector

	collectors := make(map[string]*stats.Collector, len(cfg.Connections))
	for _, conn := range cfg.Connections {
		collectors[conn.ID] = stats.NewCollector(conn.ID)
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}

		updateInterval, err := time.ParseDuration(cfg.Metrics.UpdateInterval)
		if err != nil {
			logger.Fatal("invalid metrics update interval", "error", err)
		}

		metricsCollector = metrics.NewCollector(metricsService, updateInterval, func() []stats.Snapshot {
			snaps := make([]stats.Snapshot, 0, len(collectors))
			for _, c := range collectors {
				snaps = append(snaps, c.Snapshot())
			}
			return snaps
		})
		metricsCollector.Start()
		defer metricsCollector.Stop()

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))
		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Address,
			Handler: mux,
		}
		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer metricsServer.Close()
	}

	var signalRouter worker.Router
	if cfg.Router.Enabled {
		natsRouter, err := router.NewNATSRouter(cfg.Router.URL, cfg.Router.SubjectPrefix, logger)
		if err != nil {
			logger.Fatal("failed to connect signal router", "error", err)
		}
		defer natsRouter.Close()
		signalRouter = natsRouter
	}

	isolator := connection.NewIsolator(logger)
	defer isolator.Close()

	machines := make(map[string]*connection.Machine, len(cfg.Connections))
	for i := range cfg.Connections {
		conn := &cfg.Connections[i]

		drv, err := newDriver(conn.Protocol, logger)
		if err != nil {
			logger.Fatal("failed to create driver", "connection_id", conn.ID, "error", err)
		}

		rc := &reconnector{id: conn.ID, log: logger, delay: initialReconnectDelay}
		machine, err := connection.NewMachine(conn, drv, logger, connection.Options{
			Factory:   connection.DefaultWorkerFactory(signalRouter, logger, metricsService, collectors[conn.ID]),
			Isolator:  isolator,
			Metrics:   metricsService,
			Stats:     collectors[conn.ID],
			OnFailure: rc.onFailure,
		})
		if err != nil {
			logger.Fatal("failed to create connection machine", "connection_id", conn.ID, "error", err)
		}
		rc.machine = machine
		machine.Start()
		machines[conn.ID] = machine
	}
	defer func() {
		for _, m := range machines {
			m.Stop()
		}
	}()

	if *testID != "" {
		machine, ok := machines[*testID]
		if !ok {
			logger.Fatal("unknown connection for test", "connection_id", *testID)
		}
		result := make(chan connection.Result, 1)
		machine.Test(result)
		if r := <-result; r.Err != nil {
			logger.Error("connection test failed", "connection_id", *testID, "error", r.Err)
			os.Exit(1)
		}
		logger.Info("connection test succeeded", "connection_id", *testID)
		return
	}

	for i := range cfg.Connections {
		conn := &cfg.Connections[i]
		if conn.DesiredStatus == "open" {
			logger.Info("opening connection", "connection_id", conn.ID)
			machines[conn.ID].Connect(nil)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", "signal", sig.String())
}

func newDriver(protocol string, log *logger.Logger) (driver.Driver, error) {
	switch protocol {
	case "mqtt":
		return drivermqtt.New(log), nil
	case "nats":
		return drivernats.New(log), nil
	case "webhook":
		return driverwebhook.New(log), nil
	default:
		return nil, &connection.ConfigurationError{Reason: "unsupported protocol: " + protocol}
	}
}

// reconnector retries opening a connection with a doubling, capped delay
// whenever the machine reports a failure while connected.
type reconnector struct {
	id      string
	machine *connection.Machine
	log     *logger.Logger

	mu    sync.Mutex
	delay time.Duration
}

func (r *reconnector) onFailure(err error) {
	r.mu.Lock()
	delay := r.delay
	r.delay *= 2
	if r.delay > maxReconnectDelay {
		r.delay = maxReconnectDelay
	}
	r.mu.Unlock()

	r.log.Warn("connection failed, scheduling reconnect",
		"connection_id", r.id,
		"delay", delay.String(),
		"error", err)

	time.AfterFunc(delay, func() {
		// connect alone is a no-op while the machine still reports
		// connected, so a retry is a full disconnect/connect cycle
		disconnected := make(chan connection.Result, 1)
		r.machine.Disconnect(disconnected)
		<-disconnected

		result := make(chan connection.Result, 1)
		r.machine.Connect(result)
		res := <-result
		if res.Err != nil {
			r.onFailure(res.Err)
			return
		}
		r.mu.Lock()
		r.delay = initialReconnectDelay
		r.mu.Unlock()
	})
}
