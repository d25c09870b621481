/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the sales dashboard engine server, and provides
  an import command that loads activities into the local store.

STARTUP SEQUENCE (serve):
  1. Load SALESOPS_* environment, apply flags, validate
  2. Open SQLite store (dismissals, and activities for --snapshot=sqlite)
  3. Build widget catalogue (built-in or --widgets YAML)
  4. Choose snapshot source and change feed
  5. Start session reaper and HTTP server with graceful shutdown

COMMANDS:
  serve    Run the HTTP server (default)
  import   Upsert activities from a JSON file, optionally publishing the
           resulting change events to Kafka

FLAGS (override environment):
  --addr            HTTP listen address        SALESOPS_ADDR
  --db              SQLite database path       SALESOPS_DB
  --widgets         Widget definitions YAML    SALESOPS_WIDGETS
  --snapshot        http | sqlite | memory     SALESOPS_SNAPSHOT
  --snapshot-url    Snapshot endpoint base     SALESOPS_SNAPSHOT_URL
  --feed            memory | kafka             SALESOPS_FEED
  --kafka-brokers   Comma separated brokers    SALESOPS_KAFKA_BROKERS
  --verbose         Debug logging              SALESOPS_VERBOSE

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SALESOPS_SHUTDOWN_GRACE)
  3. Close every binding and the database
  4. Exit

EXAMPLES:
  # Local store, in-process feed
  ./server --db=./data/salesops.db

  # Remote snapshot endpoint, Kafka change feed
  ./server --snapshot=http --snapshot-url=https://crm.example.com/api \
           --feed=kafka --kafka-brokers=localhost:9092

  # Load activities and announce them on Kafka
  ./server import --db=./data/salesops.db --publish activities.json

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/quartz"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/warp/salesops-engine/activity"
	"github.com/warp/salesops-engine/api"
	"github.com/warp/salesops-engine/client"
	"github.com/warp/salesops-engine/config"
	kafkafeed "github.com/warp/salesops-engine/feed/kafka"
	"github.com/warp/salesops-engine/generic"
	memstore "github.com/warp/salesops-engine/generic/store"
	"github.com/warp/salesops-engine/store/sqlite"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg, err := config.Load()
	if err != nil {
		// Flags still work; report the env problem on first run.
		fmt.Fprintln(os.Stderr, err)
	}

	root := &cobra.Command{
		Use:           "salesops",
		Short:         "Live sales dashboard engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flags.StringVar(&cfg.DB, "db", cfg.DB, "SQLite database path (\":memory:\" for in-memory)")
	flags.StringVar(&cfg.Widgets, "widgets", cfg.Widgets, "widget definitions YAML (built-in catalogue if empty)")
	flags.StringVar(&cfg.Snapshot, "snapshot", cfg.Snapshot, "snapshot source: http, sqlite or memory")
	flags.StringVar(&cfg.SnapshotURL, "snapshot-url", cfg.SnapshotURL, "snapshot endpoint base URL")
	flags.StringVar(&cfg.Feed, "feed", cfg.Feed, "change feed: memory or kafka")
	flags.StringSliceVar(&cfg.KafkaBrokers, "kafka-brokers", cfg.KafkaBrokers, "Kafka brokers")
	flags.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "debug logging")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), cfg)
			},
		},
		importCmd(&cfg),
	)
	return root
}

func newLogger(verbose bool) slog.Logger {
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Named("salesops")
	if verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	return logger
}

// =============================================================================
// SERVE
// =============================================================================

func serve(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.Verbose)
	clock := quartz.NewReal()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.New(cfg.DB, sqlite.WithClock(clock))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	widgets, err := loadWidgets(cfg, clock)
	if err != nil {
		return err
	}

	mem := memstore.NewMemory[activity.Activity](activity.Table)

	var snapshots generic.SnapshotSource[activity.Activity]
	switch cfg.Snapshot {
	case config.SnapshotHTTP:
		httpClient := &http.Client{Timeout: 30 * time.Second}
		snapshots, err = client.NewSnapshotClient[activity.Activity](cfg.SnapshotURL, cfg.SnapshotResource, activity.Decode, httpClient, logger)
		if err != nil {
			return err
		}
	case config.SnapshotMemory:
		snapshots = mem
	default:
		snapshots = db
	}

	var feed generic.FeedSource[activity.Activity] = mem
	if cfg.Feed == config.FeedKafka {
		feed = kafkafeed.NewSource[activity.Activity](kafkafeed.NewReaderFactory(cfg.KafkaBrokers), activity.Decode, cfg.KafkaGroup, logger)
	}

	sessions := api.NewSessions(widgets, snapshots, feed, logger,
		api.WithClock[activity.Activity](clock),
		api.WithDismissals[activity.Activity](db),
	)
	sessions.IdleTimeout = cfg.IdleTimeout
	sessions.CheckInterval = cfg.ReapInterval
	sessions.Start(ctx)
	defer sessions.Stop()

	handler := api.NewHandler(sessions, db, logger)
	handler.Ping = db.Ping
	handler.Clock = clock
	ingest, closeIngest := ingestor(cfg, db, mem, logger)
	handler.Ingest = ingest
	defer func() {
		if err := closeIngest(); err != nil {
			logger.Warn(ctx, "close change publisher", slog.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.AllowedOrigins}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info(ctx, "starting server",
		slog.F("addr", cfg.Addr),
		slog.F("snapshot", cfg.Snapshot),
		slog.F("feed", cfg.Feed),
		slog.F("widgets", len(widgets)),
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := eg.Wait(); err != nil {
		return err
	}
	logger.Info(ctx, "server stopped")
	return nil
}

// newKafkaWriter is swapped out by tests.
var newKafkaWriter = func(brokers []string) kafkafeed.Writer {
	return kafkafeed.NewWriter(brokers)
}

func nopClose() error { return nil }

// ingestor persists activities where the snapshot source reads them and
// announces the changes on the configured feed. A remote snapshot source
// cannot be written to. The returned close func releases the feed writer
// and must be called on shutdown.
func ingestor(cfg config.Config, db *sqlite.Store, mem *memstore.Memory[activity.Activity], logger slog.Logger) (api.IngestFunc, func() error) {
	switch cfg.Snapshot {
	case config.SnapshotHTTP:
		return nil, nopClose
	case config.SnapshotMemory:
		if cfg.Feed == config.FeedMemory {
			return func(ctx context.Context, records []activity.Activity) (int, error) {
				return len(mem.Upsert(ctx, records...)), nil
			}, nopClose
		}
	}

	closeFeed := nopClose
	var announce func(context.Context, []generic.ChangeEvent[activity.Activity]) error
	switch cfg.Feed {
	case config.FeedKafka:
		pub := kafkafeed.NewPublisher[activity.Activity](newKafkaWriter(cfg.KafkaBrokers))
		closeFeed = pub.Close
		announce = func(ctx context.Context, events []generic.ChangeEvent[activity.Activity]) error {
			return pub.Publish(ctx, activity.Table, events...)
		}
	default:
		announce = func(_ context.Context, events []generic.ChangeEvent[activity.Activity]) error {
			for _, ev := range events {
				mem.Publish(ev)
			}
			return nil
		}
	}

	if cfg.Snapshot == config.SnapshotMemory {
		return func(ctx context.Context, records []activity.Activity) (int, error) {
			events := mem.Upsert(ctx, records...)
			return len(events), announce(ctx, events)
		}, closeFeed
	}
	return func(ctx context.Context, records []activity.Activity) (int, error) {
		events, err := db.UpsertActivities(ctx, records)
		if err != nil {
			return 0, err
		}
		if err := announce(ctx, events); err != nil {
			logger.Warn(ctx, "announce ingested activities", slog.Error(err))
		}
		return len(events), nil
	}, closeFeed
}

func loadWidgets(cfg config.Config, clock quartz.Clock) ([]*generic.WidgetSpec[activity.Activity], error) {
	if cfg.Widgets == "" {
		return activity.DefaultWidgets(clock)
	}
	return activity.LoadWidgets(cfg.Widgets, clock)
}

// =============================================================================
// IMPORT
// =============================================================================

func importCmd(cfg *config.Config) *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Upsert activities from a JSON file into the local store",
		Long: "Reads a JSON array of activities, or an {\"activities\": [...]} document,\n" +
			"and upserts them into the SQLite store. With --publish the resulting\n" +
			"change events are written to Kafka so running servers pick them up.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), *cfg, args[0], publish)
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "publish change events to --kafka-brokers")
	return cmd
}

func runImport(ctx context.Context, cfg config.Config, path string, publish bool) error {
	logger := newLogger(cfg.Verbose)
	if publish && len(cfg.KafkaBrokers) == 0 {
		return errors.New("--publish requires --kafka-brokers")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	activities, rejected, err := activity.DecodeDocument(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, r := range rejected {
		logger.Warn(ctx, "skipping activity", slog.F("index", r.Index), slog.Error(r.Err))
	}

	db, err := sqlite.New(cfg.DB)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	events, err := db.UpsertActivities(ctx, activities)
	if err != nil {
		return err
	}
	logger.Info(ctx, "imported activities",
		slog.F("file", path), slog.F("changed", len(events)), slog.F("rejected", len(rejected)))

	if !publish || len(events) == 0 {
		return nil
	}
	pub := kafkafeed.NewPublisher[activity.Activity](newKafkaWriter(cfg.KafkaBrokers))
	defer pub.Close()
	if err := pub.Publish(ctx, activity.Table, events...); err != nil {
		return err
	}
	logger.Info(ctx, "published change events", slog.F("count", len(events)))
	return nil
}
