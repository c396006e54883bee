package main

import (
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/repo"
	"github.com/ericvolp12/bsky-media-feed/pkg/appview"
	"github.com/ericvolp12/bsky-media-feed/pkg/errlog"
	"github.com/ericvolp12/bsky-media-feed/pkg/media"
	"github.com/ericvolp12/bsky-media-feed/pkg/store"
	"github.com/ericvolp12/bsky-media-feed/pkg/stream"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	godotenv.Load(".env.local")
	godotenv.Load(".env")

	app := cli.App{
		Name:    "backfill",
		Usage:   "classify every post and repost in an atproto repo into the feed database",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "pds-host",
			Usage:   "host of the PDS or Relay to fetch the repo from (with protocol)",
			Value:   "https://bsky.network",
			EnvVars: []string{"PDS_URL"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/feedgen.db",
			EnvVars: []string{"FEEDGEN_SQLITE_LOCATION"},
		},
		&cli.StringFlag{
			Name:    "media-site-domains",
			Usage:   "semicolon separated domains whose external links count as media",
			EnvVars: []string{"MEDIA_SITE_DOMAINS"},
		},
		&cli.StringFlag{
			Name:    "appview-host",
			Usage:   "AppView used to load repost and quote targets",
			Value:   appview.DefaultHost,
			EnvVars: []string{"FEEDGEN_APPVIEW_HOST"},
		},
		&cli.Float64Flag{
			Name:    "appview-rate-limit",
			Usage:   "rate limit for AppView requests in requests per second (0 disables)",
			Value:   20,
			EnvVars: []string{"FEEDGEN_APPVIEW_RATE_LIMIT"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			EnvVars: []string{"FEEDGEN_DEBUG"},
		},
	}

	app.ArgsUsage = "<repo-did>"

	app.Action = Backfill

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func Backfill(cctx *cli.Context) error {
	ctx := cctx.Context

	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))

	did, err := syntax.ParseDID(cctx.Args().First())
	if err != nil {
		return fmt.Errorf("failed to parse DID: %w", err)
	}

	st, err := store.Open(logger, cctx.String("sqlite-path"), true)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	errs, err := errlog.NewSink(logger, st.DB(), true)
	if err != nil {
		return fmt.Errorf("failed to create error sink: %w", err)
	}

	client := appview.NewClient(cctx.String("appview-host"))
	loader := appview.NewPostLoader(logger, client, appview.NewLimiter(cctx.Float64("appview-rate-limit")), 10_000, time.Hour)
	classifier := media.NewClassifier(logger, media.ParseSiteList(cctx.String("media-site-domains")), st, loader, errs)

	// The consumer is only used to apply ops, it never connects.
	consumer, err := stream.NewConsumer(logger, "", "backfill", st, classifier, loader, errs, nil)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	url := fmt.Sprintf("%s/xrpc/com.atproto.sync.getRepo?did=%s", cctx.String("pds-host"), did.String())

	httpClient := &http.Client{
		Timeout: 5 * time.Minute,
	}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.ipld.car")
	req.Header.Set("User-Agent", fmt.Sprintf("bsky-media-feed.backfill/%s", cctx.App.Version))

	logger.Info("fetching repo", "did", did.String(), "url", url)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch repo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch repo: unexpected status %d", resp.StatusCode)
	}

	r, err := repo.ReadRepoFromCar(ctx, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read repo: %w", err)
	}

	evt, err := stream.RepoRecords(ctx, r, did.String())
	if err != nil {
		return err
	}

	if err := consumer.ApplyOps(ctx, evt); err != nil {
		return fmt.Errorf("failed to store backfilled posts: %w", err)
	}

	logger.Info("backfill complete", "did", did.String(), "records", len(evt.Ops))

	return nil
}
