package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/emsaltools/emsal-crawler/internal/api"
	archivegcs "github.com/emsaltools/emsal-crawler/internal/archive/gcs"
	archivelocal "github.com/emsaltools/emsal-crawler/internal/archive/local"
	"github.com/emsaltools/emsal-crawler/internal/checkpoint"
	"github.com/emsaltools/emsal-crawler/internal/clock/system"
	"github.com/emsaltools/emsal-crawler/internal/config"
	"github.com/emsaltools/emsal-crawler/internal/crawler"
	"github.com/emsaltools/emsal-crawler/internal/detector"
	publishmemory "github.com/emsaltools/emsal-crawler/internal/publish/memory"
	publishpubsub "github.com/emsaltools/emsal-crawler/internal/publish/pubsub"
	csvsink "github.com/emsaltools/emsal-crawler/internal/sink/csv"
	pgsink "github.com/emsaltools/emsal-crawler/internal/sink/postgres"
	apitransport "github.com/emsaltools/emsal-crawler/internal/transport/api"
	headlesstransport "github.com/emsaltools/emsal-crawler/internal/transport/headless"
)

func newCrawlCmd() *cobra.Command {
	var (
		fromStart bool
		maxPages  int
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Starts a crawl session",
		Long: `Starts a crawl session from the persisted checkpoint, or from the
first page with --from-start. The session runs until the source reports
no more records, the page budget is spent, or the process is signaled.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), fromStart, maxPages)
		},
	}
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "ignore the checkpoint and recrawl from page 1")
	cmd.Flags().IntVar(&maxPages, "pages", 0, "stop after this many pages (0 = unlimited)")
	return cmd
}

func runCrawl(ctx context.Context, fromStart bool, maxPages int) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if maxPages > 0 {
		cfg.Crawler.MaxPages = maxPages
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controller, cleanup, err := buildController(ctx, cfg, fromStart, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Server.Enabled {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewServer(controller, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server listening", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	logger.Info("crawl finished")
	return nil
}

// buildController assembles the crawl pipeline from configuration.
// The returned cleanup closes everything that was opened, in reverse
// order, and is safe to call after a partial build failure because it
// is only returned on success.
func buildController(ctx context.Context, cfg config.Config, fromStart bool, logger *zap.Logger) (*crawler.CrawlController, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*crawler.CrawlController, func(), error) {
		cleanup()
		return nil, nil, err
	}

	transport, ext, snap, detectorCfg, err := buildTransport(cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() {
		if err := transport.Close(context.Background()); err != nil {
			logger.Warn("close transport failed", zap.Error(err))
		}
	})

	det := detector.NewHeuristic(snap, detectorCfg, logger)

	detailWorkers := cfg.Crawler.DetailWorkers
	if cfg.Transport.Mode == "headless" && detailWorkers != 1 {
		logger.Info("headless transport shares one browser tab, forcing detail_workers to 1",
			zap.Int("configured", detailWorkers))
		detailWorkers = 1
	}

	sink, fallback, checkpointStore, err := buildSink(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() {
		if err := sink.Close(context.Background()); err != nil {
			logger.Warn("close sink failed", zap.Error(err))
		}
	})

	archive, archiveClose, err := buildArchive(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if archiveClose != nil {
		closers = append(closers, archiveClose)
	}

	publisher, publisherClose, err := buildPublisher(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if publisherClose != nil {
		closers = append(closers, publisherClose)
	}

	retry := crawler.NewRetryExecutor(crawler.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay(),
		MaxDelay:   cfg.RetryMaxDelay(),
		Kind:       backoffKind(cfg.Retry.Backoff),
	}, logger)

	clk := system.New()
	recovery := crawler.NewBlockRecoveryCoordinator(det, transport, crawler.RecoveryConfig{
		PollInterval: time.Duration(cfg.Recovery.PollSeconds) * time.Second,
		Timeout:      time.Duration(cfg.Recovery.TimeoutSeconds) * time.Second,
	}, clk, logger)

	pool := crawler.NewDetailFetchPool(transport, retry, detailWorkers, logger)
	writer := crawler.NewBatchWriter(sink, fallback, checkpointStore, cfg.Crawler.BatchThreshold, fromStart, logger)

	controller := crawler.NewCrawlController(
		transport, det, ext, retry, pool, writer, checkpointStore, recovery,
		archive, publisher, clk,
		crawler.ControllerConfig{
			FromStart:          fromStart,
			MaxPages:           cfg.Crawler.MaxPages,
			BlockPollInterval:  time.Duration(cfg.Crawler.BlockPollSec) * time.Second,
			PublishTopic:       cfg.Crawler.PublishTopic,
			ArchiveContentType: cfg.Crawler.ArchiveContentType,
		},
		logger,
	)
	return controller, cleanup, nil
}

func buildTransport(cfg config.Config, logger *zap.Logger) (crawler.Transport, crawler.Extractor, detector.Snapshotter, detector.Config, error) {
	switch cfg.Transport.Mode {
	case "api":
		tr, err := apitransport.New(apitransport.Config{
			BaseURL:    cfg.Transport.BaseURL,
			SearchTerm: cfg.Crawler.SearchTerm,
			PageSize:   cfg.Crawler.PageSize,
			UserAgent:  cfg.Transport.UserAgent,
			Timeout:    time.Duration(cfg.Transport.TimeoutSec) * time.Second,
		}, logger)
		if err != nil {
			return nil, nil, nil, detector.Config{}, fmt.Errorf("init api transport: %w", err)
		}
		return tr, apitransport.NewExtractor(), tr, detector.APIConfig(), nil
	case "headless":
		tr := headlesstransport.New(headlesstransport.Config{
			BaseURL:    cfg.Transport.BaseURL,
			SearchTerm: cfg.Crawler.SearchTerm,
			UserAgent:  cfg.Transport.UserAgent,
			Headless:   cfg.Transport.Headless,
			NavTimeout: time.Duration(cfg.Transport.NavTimeoutSec) * time.Second,
		}, logger)
		return tr, headlesstransport.NewExtractor(), tr, detector.DefaultConfig(), nil
	default:
		return nil, nil, nil, detector.Config{}, fmt.Errorf("unknown transport mode %q", cfg.Transport.Mode)
	}
}

func buildSink(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.RecordSink, crawler.FallbackWriter, crawler.CheckpointStore, error) {
	var (
		sink     crawler.RecordSink
		fallback crawler.FallbackWriter
		sinkCP   crawler.CheckpointStore
	)
	switch cfg.Sink.Provider {
	case "csv":
		s, err := csvsink.New(cfg.Sink.CSVPath, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init csv sink: %w", err)
		}
		sink, fallback, sinkCP = s, s, s
	case "postgres":
		s, err := pgsink.New(ctx, cfg.Sink.DSN, cfg.Sink.Table, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init postgres sink: %w", err)
		}
		// Fallback rows land next to the configured CSV path so a
		// database outage still leaves a durable file behind.
		fb, err := csvsink.New(cfg.Sink.CSVPath, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init fallback writer: %w", err)
		}
		sink, fallback, sinkCP = s, fb, s
	default:
		return nil, nil, nil, fmt.Errorf("unknown sink provider %q", cfg.Sink.Provider)
	}

	switch cfg.Checkpoint.Provider {
	case "sink":
		return sink, fallback, sinkCP, nil
	case "file":
		store, err := checkpoint.NewFileStore(cfg.Checkpoint.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init checkpoint store: %w", err)
		}
		return sink, fallback, store, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown checkpoint provider %q", cfg.Checkpoint.Provider)
	}
}

func buildArchive(ctx context.Context, cfg config.Config) (crawler.ArchiveStore, func(), error) {
	switch cfg.Archive.Provider {
	case "none":
		return nil, nil, nil
	case "local":
		store, err := archivelocal.New(archivelocal.Config{BaseDir: cfg.Archive.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := archivegcs.New(client, archivegcs.Config{
			Bucket: cfg.Archive.GCSBucket,
			Prefix: cfg.Archive.Prefix,
		})
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return store, func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (crawler.Publisher, func(), error) {
	switch cfg.Publish.Provider {
	case "none":
		return nil, nil, nil
	case "memory":
		return publishmemory.New(), nil, nil
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Publish.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("init pubsub client: %w", err)
		}
		pub, err := publishpubsub.New(client)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return pub, func() {
			pub.Close()
			client.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown publish provider %q", cfg.Publish.Provider)
	}
}

func backoffKind(name string) crawler.BackoffKind {
	if name == "exponential" {
		return crawler.BackoffExponential
	}
	return crawler.BackoffLinear
}
