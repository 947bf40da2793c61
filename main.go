package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rangelink/api"
	"rangelink/config"
	"rangelink/discovery"
	"rangelink/eventlog"
	"rangelink/models"
	"rangelink/network"
	"rangelink/orchestrator"
	"rangelink/ranging"
	"rangelink/storage"
	"rangelink/telemetry"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 5 * time.Second

type flags struct {
	dataDir   string
	http      string
	logLevel  string
	noJournal bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.dataDir, "data-dir", "", "data directory (default: "+config.DataDirEnv+" or the OS config dir)")
	flag.StringVar(&f.http, "http", "", "HTTP API listen address (default from config)")
	flag.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.BoolVar(&f.noJournal, "no-journal", false, "do not persist discovery events")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(f, logger); err != nil {
		logger.WithError(err).Fatal("rangelink stopped")
	}
}

func run(f flags, logger *logrus.Logger) error {
	var (
		cfg     *config.DeviceConfig
		cfgPath string
		err     error
	)
	if f.dataDir != "" {
		cfg, cfgPath, err = config.LoadOrCreateIn(f.dataDir)
	} else {
		cfg, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.http != "" {
		cfg.HTTPAddress = f.http
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	logger.SetLevel(cfg.Level())
	dataDir := filepath.Dir(cfgPath)

	logger.WithFields(logrus.Fields{
		"device_id":   cfg.DeviceID,
		"device_name": cfg.DeviceName,
		"config":      cfgPath,
		"version":     version,
	}).Info("Starting rangelink")

	metrics := telemetry.New()
	metrics.SetBuildInfo(version, cfg.DeviceID)
	events := eventlog.New(eventlog.DefaultMaxEntries)

	// Discovery advertises the exchange server's port, and the exchange
	// adapter resolves peers through discovery.
	var exchange *network.Adapter
	disco, err := discovery.NewAdapter(discovery.AdapterOptions{
		Config: discovery.Config{
			Service:      cfg.Service,
			SelfDeviceID: cfg.DeviceID,
			DeviceName:   cfg.DeviceName,
		},
		PortFunc: func() int { return exchange.Port() },
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create discovery adapter: %w", err)
	}
	exchange, err = network.NewAdapter(network.AdapterOptions{
		Identity:      network.LocalIdentity{DeviceID: cfg.DeviceID, DeviceName: cfg.DeviceName},
		ListenAddress: cfg.ListenAddress(),
		Resolver:      disco,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create exchange adapter: %w", err)
	}
	ranger := ranging.NewManager(&ranging.Simulated{Interval: cfg.SimulatedSampleInterval()}, logger)

	orch, err := orchestrator.New(orchestrator.Options{
		Discovery:             disco,
		Exchange:              exchange,
		Ranging:               ranger,
		Logger:                logger,
		Events:                events,
		Recorder:              metrics,
		StaleThreshold:        cfg.StaleThreshold(),
		SweepInterval:         cfg.SweepInterval(),
		RangingUpdateInterval: cfg.RangingUpdateInterval(),
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	apiOptions := []api.Option{api.WithDiscovery(disco)}
	if cfg.Journal() && !f.noJournal {
		store, dbPath, err := storage.Open(dataDir)
		if err != nil {
			_ = orch.Cleanup()
			return fmt.Errorf("open journal: %w", err)
		}
		store.SetEventRetention(cfg.JournalRetention())
		defer func() {
			if err := store.Close(); err != nil {
				logger.WithError(err).Warn("Journal close failed")
			}
		}()
		logger.WithFields(logrus.Fields{"path": dbPath, "run_id": store.RunID()}).Info("Journal open")
		apiOptions = append(apiOptions, api.WithJournal(store))

		journalEvents, _ := events.Subscribe(eventlog.DefaultSubscriberBuffer)
		g.Go(func() error {
			// Drains until Cleanup closes the event log.
			return store.Record(context.Background(), journalEvents, logger)
		})
	}

	printed, _ := events.Subscribe(eventlog.DefaultSubscriberBuffer)
	g.Go(func() error {
		logEvents(logger, printed)
		return nil
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           api.Handler(orch, metrics, logger, apiOptions...),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.WithField("address", srv.Addr).Info("HTTP API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})

	if err := orch.StartScanning(gctx); err != nil {
		logger.WithError(err).Error("Scanning did not start")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP shutdown failed")
		}
		return orch.Cleanup()
	})

	err = g.Wait()
	logger.WithField("dropped_events", events.Dropped()).Info("Stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// logEvents prints pipeline progress. Error events are already logged by the
// orchestrator.
func logEvents(logger logrus.FieldLogger, events <-chan models.DiscoveryEvent) {
	for event := range events {
		if event.Kind == models.EventError {
			continue
		}
		entry := logger.WithField("kind", event.Kind)
		if event.PeerID != "" {
			entry = entry.WithField("peer_id", event.PeerID)
		}
		entry.Info(event.Message)
	}
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nDiscovers nearby peers over mDNS, exchanges ranging session configs and reports distances.\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
}
