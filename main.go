package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"depthflow/analytics"
	"depthflow/api"
	"depthflow/book"
	"depthflow/config"
	"depthflow/feed"
	"depthflow/feed/binance"
	"depthflow/internal/channel"
	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/writer"
)

// feedSource is the surface shared by the generic connector and the Binance
// adapter: the book store drives resyncs through it.
type feedSource interface {
	Start(ctx context.Context) error
	Stop()
	RequestResync(symbol string)
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Depthflow.Name,
		"version": cfg.Depthflow.Version,
	}).Info("starting depthflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	go metrics.StartReporter(ctx, cfg.Metrics.ReportEvery.Duration)

	channels := channel.NewChannels(
		cfg.Channels.EventBuffer,
		cfg.Channels.SampleBuffer,
		cfg.Channels.CaptureBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx, cfg.Metrics.ReportEvery.Duration)

	var source feedSource
	if cfg.Feed.BinanceEnabled {
		source = binance.NewDepth(cfg.Feed, cfg.Symbols(), channels)
	} else {
		source = feed.NewConnector(cfg.Feed, cfg.Symbols(), channels)
	}

	store := book.NewStore(cfg.Instruments, channels.Events, cfg.Book.WorkerBuffer,
		cfg.Book.StaleAfter.Duration, source.RequestResync)

	engine := analytics.NewEngine(cfg.Analytics, cfg.Instruments, store, channels)

	var history writer.Store
	var pgStore *writer.PostgresStore
	if cfg.Storage.Postgres.Enabled {
		pgStore, err = writer.NewPostgresStore(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			log.WithError(err).Error("failed to connect to postgres")
			os.Exit(1)
		}
		history = pgStore
	} else {
		log.WithComponent("main").Info("postgres disabled; metric history kept in memory")
		history = writer.NewMemoryStore()
	}

	var archiver *writer.Archiver
	if cfg.Storage.S3.Enabled {
		archiver, err = writer.NewArchiver(cfg.Storage.S3, cfg.Depthflow.Name,
			cfg.Depthflow.Version, cfg.Writer.ArchiveEvery.Duration)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping archiver")
	}

	sink := writer.NewSink(cfg.Writer, history, archiver, channels)

	apiServer := api.NewServer(cfg.API, cfg.Instruments, store, history, channels)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := source.Start(ctx); err != nil {
			log.WithError(err).Warn("feed source failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := store.Start(ctx); err != nil {
			log.WithError(err).Warn("book store failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Start(ctx); err != nil {
			log.WithError(err).Warn("analytics engine failed to start")
		}
	}()

	if archiver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := archiver.Start(ctx); err != nil {
				log.WithError(err).Warn("archiver failed to start")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sink.Start(ctx); err != nil {
			log.WithError(err).Warn("writer sink failed to start")
		}
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Run(ctx); err != nil {
				log.WithError(err).Error("api server exited")
			}
		}()
	}

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping feed source")
	source.Stop()

	log.Info("stopping book store")
	store.Stop()

	log.Info("stopping analytics engine")
	engine.Stop()

	log.Info("stopping writer sink")
	sink.Stop()

	if archiver != nil {
		log.Info("stopping archiver")
		archiver.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	if pgStore != nil {
		pgStore.Close()
	}

	log.Info("depthflow stopped")
}
