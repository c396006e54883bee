package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/ericvolp12/bsky-media-feed/pkg/appview"
	"github.com/ericvolp12/bsky-media-feed/pkg/bq"
	"github.com/ericvolp12/bsky-media-feed/pkg/errlog"
	"github.com/ericvolp12/bsky-media-feed/pkg/feeds"
	"github.com/ericvolp12/bsky-media-feed/pkg/media"
	"github.com/ericvolp12/bsky-media-feed/pkg/parq"
	"github.com/ericvolp12/bsky-media-feed/pkg/store"
	"github.com/ericvolp12/bsky-media-feed/pkg/stream"
	"github.com/joho/godotenv"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"

	"github.com/urfave/cli/v2"
)

func main() {
	// Values already in the environment win over both files.
	godotenv.Load(".env.local")
	godotenv.Load(".env")

	app := cli.App{
		Name:    "feedgen",
		Usage:   "bluesky media feed generator",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "subscription-endpoint",
			Usage:   "relay to consume the firehose from (a bare host gets the subscribeRepos path appended)",
			Value:   "wss://bsky.network",
			EnvVars: []string{"FEEDGEN_SUBSCRIPTION_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "subscription-service",
			Usage:   "name the firehose cursor is stored under",
			Value:   "subscribeRepos",
			EnvVars: []string{"FEEDGEN_SUBSCRIPTION_SERVICE"},
		},
		&cli.DurationFlag{
			Name:    "subscription-reconnect-delay",
			Usage:   "time to wait before reconnecting to the relay",
			Value:   3 * time.Second,
			EnvVars: []string{"FEEDGEN_SUBSCRIPTION_RECONNECT_DELAY"},
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   3000,
			EnvVars: []string{"FEEDGEN_PORT"},
		},
		&cli.StringFlag{
			Name:    "listenhost",
			Usage:   "address to bind the http server to (empty for all interfaces)",
			EnvVars: []string{"FEEDGEN_LISTENHOST"},
		},
		&cli.StringFlag{
			Name:    "hostname",
			Usage:   "public hostname of this service",
			Value:   "example.com",
			EnvVars: []string{"FEEDGEN_HOSTNAME"},
		},
		&cli.StringFlag{
			Name:    "service-did",
			Usage:   "DID of this service (defaults to did:web:<hostname>)",
			EnvVars: []string{"FEEDGEN_SERVICE_DID"},
		},
		&cli.StringFlag{
			Name:    "publisher-did",
			Usage:   "DID of the account that publishes the feed generator records",
			Value:   "did:example:alice",
			EnvVars: []string{"FEEDGEN_PUBLISHER_DID"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"FEEDGEN_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/feedgen.db",
			EnvVars: []string{"FEEDGEN_SQLITE_LOCATION"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "run database migrations",
			Value:   true,
			EnvVars: []string{"FEEDGEN_MIGRATE_DB"},
		},
		&cli.StringFlag{
			Name:    "media-site-domains",
			Usage:   "semicolon separated domains whose external links count as media",
			EnvVars: []string{"MEDIA_SITE_DOMAINS"},
		},
		&cli.StringFlag{
			Name:    "appview-host",
			Usage:   "AppView used to load followings and missing posts",
			Value:   appview.DefaultHost,
			EnvVars: []string{"FEEDGEN_APPVIEW_HOST"},
		},
		&cli.Float64Flag{
			Name:    "appview-rate-limit",
			Usage:   "rate limit for AppView requests in requests per second (0 disables)",
			Value:   20,
			EnvVars: []string{"FEEDGEN_APPVIEW_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "followings-cache-size",
			Usage:   "number of actors whose followings are cached",
			Value:   10_000,
			EnvVars: []string{"FEEDGEN_FOLLOWINGS_CACHE_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "followings-cache-ttl",
			Usage:   "time to live for cached followings",
			Value:   3 * time.Minute,
			EnvVars: []string{"FEEDGEN_FOLLOWINGS_CACHE_TTL"},
		},
		&cli.IntFlag{
			Name:    "posts-cache-size",
			Usage:   "number of loaded posts cached",
			Value:   50_000,
			EnvVars: []string{"FEEDGEN_POSTS_CACHE_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "posts-cache-ttl",
			Usage:   "time to live for cached posts",
			Value:   10 * time.Minute,
			EnvVars: []string{"FEEDGEN_POSTS_CACHE_TTL"},
		},
		&cli.DurationFlag{
			Name:    "retention-interval",
			Usage:   "time between retention runs",
			Value:   store.DefaultRetentionConfig().Interval,
			EnvVars: []string{"FEEDGEN_RETENTION_INTERVAL"},
		},
		&cli.Int64Flag{
			Name:    "max-db-size",
			Usage:   "database size in bytes above which the oldest posts are evicted (0 disables)",
			Value:   store.DefaultRetentionConfig().MaxDBSize,
			EnvVars: []string{"FEEDGEN_MAX_DB_SIZE"},
		},
		&cli.IntFlag{
			Name:    "retention-keep-rows",
			Usage:   "number of newest posts kept when evicting",
			Value:   store.DefaultRetentionConfig().KeepRows,
			EnvVars: []string{"FEEDGEN_RETENTION_KEEP_ROWS"},
		},
		&cli.IntFlag{
			Name:    "retention-batch-size",
			Usage:   "maximum posts evicted per statement",
			Value:   store.DefaultRetentionConfig().BatchSize,
			EnvVars: []string{"FEEDGEN_RETENTION_BATCH_SIZE"},
		},
		&cli.StringFlag{
			Name:    "archive-dir",
			Usage:   "directory to archive evicted posts to as parquet (empty disables)",
			EnvVars: []string{"FEEDGEN_ARCHIVE_DIR"},
		},
		&cli.DurationFlag{
			Name:    "liveness-window",
			Usage:   "warn when no firehose events were handled for this long",
			Value:   time.Minute,
			EnvVars: []string{"FEEDGEN_LIVENESS_WINDOW"},
		},
		&cli.StringFlag{
			Name:    "bigquery-project-id",
			Usage:   "Google Cloud project ID for BigQuery",
			EnvVars: []string{"FEEDGEN_BIGQUERY_PROJECT_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-dataset",
			Usage:   "BigQuery dataset name",
			EnvVars: []string{"FEEDGEN_BIGQUERY_DATASET"},
		},
		&cli.StringFlag{
			Name:    "bigquery-table-prefix",
			Usage:   "BigQuery table name prefix",
			EnvVars: []string{"FEEDGEN_BIGQUERY_TABLE_PREFIX"},
			Value:   "classified_posts",
		},
	}

	app.Action = FeedGen

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// subscribeURL accepts either a full subscribeRepos URL or a bare relay host.
func subscribeURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse subscription endpoint: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/xrpc/com.atproto.sync.subscribeRepos"
	}
	return u.String(), nil
}

// FeedGen is the main function for the feed generator
func FeedGen(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Logging
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := tracing.InstallExportPipeline(ctx, "bsky-media-feed", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "error", err)
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown export pipeline", "error", err)
			}
		}()
	}

	hostname := cctx.String("hostname")
	serviceDID := cctx.String("service-did")
	if serviceDID == "" {
		serviceDID = "did:web:" + hostname
	}

	socketURL, err := subscribeURL(cctx.String("subscription-endpoint"))
	if err != nil {
		return err
	}

	st, err := store.Open(logger, cctx.String("sqlite-path"), cctx.Bool("migrate-db"))
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	errs, err := errlog.NewSink(logger, st.DB(), cctx.Bool("migrate-db"))
	if err != nil {
		logger.Error("failed to create error sink", "error", err)
		return err
	}

	client := appview.NewClient(cctx.String("appview-host"))
	limiter := appview.NewLimiter(cctx.Float64("appview-rate-limit"))
	followings := appview.NewFollowings(logger, client, limiter, cctx.Int("followings-cache-size"), cctx.Duration("followings-cache-ttl"))
	loader := appview.NewPostLoader(logger, client, limiter, cctx.Int("posts-cache-size"), cctx.Duration("posts-cache-ttl"))

	sites := media.ParseSiteList(cctx.String("media-site-domains"))
	logger.Info("media site allow-list", "domains", sites.Domains())

	classifier := media.NewClassifier(logger, sites, st, loader, errs)

	var sink stream.PostSink
	if cctx.String("bigquery-project-id") != "" {
		logger.Info("bigquery project id set, starting bigquery client")
		bqInstance, err := bq.NewBQ(
			ctx,
			cctx.String("bigquery-project-id"),
			cctx.String("bigquery-dataset"),
			cctx.String("bigquery-table-prefix"),
			logger,
		)
		if err != nil {
			logger.Error("failed to create bigquery client", "error", err)
			return err
		}
		bqInstance.Start(ctx, 5*time.Second)
		defer func() {
			if err := bqInstance.Close(); err != nil {
				logger.Error("failed to close bigquery client", "error", err)
			}
		}()
		sink = bqInstance
	}

	consumer, err := stream.NewConsumer(
		logger,
		socketURL,
		cctx.String("subscription-service"),
		st,
		classifier,
		loader,
		errs,
		sink,
	)
	if err != nil {
		logger.Error("failed to create consumer", "error", err)
		return err
	}

	var archiver store.Archiver
	if dir := cctx.String("archive-dir"); dir != "" {
		p, err := parq.NewParq(logger, dir, "evicted_posts", 100_000, 5*time.Minute)
		if err != nil {
			logger.Error("failed to create parquet archiver", "error", err)
			return err
		}
		p.StartWriter()
		defer p.Shutdown()
		archiver = p
	}

	pruner := store.NewPruner(logger, st, store.RetentionConfig{
		Interval:  cctx.Duration("retention-interval"),
		MaxDBSize: cctx.Int64("max-db-size"),
		KeepRows:  cctx.Int("retention-keep-rows"),
		BatchSize: cctx.Int("retention-batch-size"),
	}, archiver)

	prunerShutdown := make(chan struct{})
	go func() {
		pruner.Run(ctx)
		close(prunerShutdown)
	}()

	// Warn if no events were handled within the liveness window. The consumer
	// reconnects on its own so the process is left running.
	livenessWindow := cctx.Duration("liveness-window")
	if livenessWindow <= 0 {
		livenessWindow = time.Minute
	}
	livenessCheckerShutdown := make(chan struct{})
	go func() {
		ticker := time.NewTicker(livenessWindow)
		defer ticker.Stop()
		lastSeq := int64(0)

		logger := logger.With("source", "liveness_checker")

		for {
			select {
			case <-ctx.Done():
				logger.Info("shutting down liveness checker")
				close(livenessCheckerShutdown)
				return
			case <-ticker.C:
				seq := consumer.Seq()
				if seq == lastSeq {
					logger.Warn("no new events in liveness window", "last_seq", lastSeq, "window", livenessWindow.String())
				} else {
					logger.Debug("received new events, resetting liveness timer", "last_seq", seq)
					lastSeq = seq
				}
			}
		}
	}()

	engine := feeds.NewEngine(logger, st, followings)
	feedServer := feeds.NewServer(logger, engine, serviceDID, cctx.String("publisher-did"), hostname)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddleware("feedgen"))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	feedServer.RegisterRoutes(e)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Media Feed Generator")
	})
	echopprof.Wrap(e)

	addr := net.JoinHostPort(cctx.String("listenhost"), strconv.Itoa(cctx.Int("port")))
	httpServer := &http.Server{
		Addr:    addr,
		Handler: e,
	}

	// Startup HTTP server
	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening", "addr", addr)

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "error", err)
			}
		}()
		<-shutdownHTTPServer
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	// Run the consumer in a goroutine
	consumerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "consumer")

		logger.Info("starting consumer", "url", socketURL)
		if err := consumer.Run(ctx, cctx.Duration("subscription-reconnect-delay")); err != nil && ctx.Err() == nil {
			logger.Error("consumer returned an error", "error", err)
		}
		logger.Info("consumer shut down")
		close(consumerShutdown)
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down, waiting for routines to finish")
	cancel()
	close(shutdownHTTPServer)

	<-livenessCheckerShutdown
	<-httpServerShutdown
	<-consumerShutdown
	<-prunerShutdown
	logger.Info("shutdown complete")

	return nil
}
