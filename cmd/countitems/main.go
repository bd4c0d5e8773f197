// Command countitems keeps storage usage metrics of every bucket, location and
// account up to date by scanning the object metadata store incrementally.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/countitems/internal/accounting"
	"github.com/tunnelmesh/countitems/internal/changefeed"
	"github.com/tunnelmesh/countitems/internal/config"
	"github.com/tunnelmesh/countitems/internal/metastore"
	"github.com/tunnelmesh/countitems/internal/metastore/filestore"
	"github.com/tunnelmesh/countitems/internal/metastore/mongostore"
	"github.com/tunnelmesh/countitems/internal/metrics"
	"github.com/tunnelmesh/countitems/internal/scanner"
	"golang.org/x/sync/errgroup"
)

// Version information (set by ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string

	// set when started by the service manager
	serviceRun bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "countitems",
		Short: "Incremental storage usage accounting for the object metadata store",
		Long: `countitems scans the object metadata store in rounds and publishes usage
metrics per bucket, per location and per account, plus a global summary.

Each round only reads records modified since the bucket's last checkpoint.
Deletions reported by the change feed are subtracted from the running tallies.

  countitems run --config /etc/countitems/config.yaml
  countitems once
  countitems show countitems`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			setupLogging(cmd.ErrOrStderr())
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console or json")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "run under the service manager (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run accounting rounds until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serviceRun {
				return runAsService()
			}
			return runScanner(cmd.Context())
		},
	}
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(newServiceCmd())

	onceCmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single accounting round and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context())
		},
	}
	rootCmd.AddCommand(onceCmd)

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a published result document",
		Long: `Print a published result document as JSON. Ids are "countitems" for the
global summary, or bucket_<name>_<creationMillis>, location_<name> and account_<owner>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
	rootCmd.AddCommand(showCmd)

	notifyCmd := &cobra.Command{
		Use:   "notify-delete <bucket> <record.json>",
		Short: "Publish a deletion event on the NATS change feed",
		Long: `Publish a deletion event for a record on the NATS change feed. Writers of
stores without a native change stream use it to report deletions. Use "-" to
read the record from stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotifyDelete(cmd.InOrStdin(), args[0], args[1])
		},
	}
	rootCmd.AddCommand(notifyCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "countitems %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging(out io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if logFormat == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
}

// loadConfig reads and validates the configuration. A log level in the config
// applies unless --log-level was given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logLevel == "" {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (metastore.Store, error) {
	switch cfg.Backend {
	case config.BackendMongoDB:
		return mongostore.Connect(ctx, mongostore.Options{
			URI:        cfg.MongoDB.URI,
			ReplicaSet: cfg.MongoDB.ReplicaSet,
			Database:   cfg.MongoDB.Database,
			Username:   cfg.MongoDB.Username,
			Password:   cfg.MongoDB.Password,
		}, log.Logger)
	case config.BackendFile:
		return filestore.New(cfg.File.DataDir)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// openFeed returns the deletion feed, or nil when corrections are disabled. The
// returned close function is never nil.
func openFeed(cfg *config.Config, store metastore.Store) (metastore.ChangeFeed, func(), error) {
	switch cfg.ChangeFeed.Type {
	case config.FeedMongoDB:
		feed, ok := store.(metastore.ChangeFeed)
		if !ok {
			return nil, func() {}, fmt.Errorf("the %s backend has no change stream", cfg.Backend)
		}
		return feed, func() {}, nil
	case config.FeedNATS:
		feed, err := changefeed.Connect(cfg.ChangeFeed.NATSURL, cfg.ChangeFeed.Subject, scannerMetrics(), log.Logger)
		if err != nil {
			return nil, func() {}, err
		}
		return feed, feed.Close, nil
	default:
		return nil, func() {}, nil
	}
}

func loadLocations(cfg *config.Config) (accounting.Locations, error) {
	if cfg.LocationConfigFile == "" {
		return nil, nil
	}
	locs, err := accounting.LoadLocations(cfg.LocationConfigFile)
	if err != nil {
		return nil, err
	}
	log.Info().Int("locations", len(locs)).Str("file", cfg.LocationConfigFile).Msg("Location config loaded")
	return locs, nil
}

func schedulerOptions(cfg *config.Config, locs accounting.Locations) (scanner.Options, error) {
	retry, err := cfg.RetryInterval()
	if err != nil {
		return scanner.Options{}, err
	}
	stalled, err := cfg.StalledAfter()
	if err != nil {
		return scanner.Options{}, err
	}
	return scanner.Options{
		Concurrency:          cfg.Scanner.MaxConcurrentOperations,
		ConnectRetries:       cfg.Scanner.MaxConnectRetries,
		RetryInterval:        retry,
		ReplicaLag:           cfg.ReplicaLag(),
		RoundInterval:        cfg.RoundInterval(),
		FullRefreshInterval:  cfg.FullRefreshInterval(),
		StalledAfter:         stalled,
		Locations:            locs,
		LargeBucketThreshold: cfg.Scanner.LargeBucketThreshold.Bytes(),
	}, nil
}

var (
	metricsOnce sync.Once
	scannerMet  *metrics.ScannerMetrics
)

func scannerMetrics() *metrics.ScannerMetrics {
	metricsOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil {
			host = "countitems"
		}
		scannerMet = metrics.InitMetrics(host)
	})
	return scannerMet
}

// components is everything a round needs.
type components struct {
	cfg       *config.Config
	store     metastore.Store
	opts      scanner.Options
	pool      *scanner.Pool
	scheduler *scanner.Scheduler
}

func setup(ctx context.Context) (*components, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	locs, err := loadLocations(cfg)
	if err != nil {
		return nil, err
	}
	opts, err := schedulerOptions(cfg, locs)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := scannerMetrics()
	pool := scanner.NewPool(log.Logger)
	publisher := scanner.NewPublisher(store, cfg.Scanner.PublishRetries, opts.RetryInterval, m, log.Logger)
	return &components{
		cfg:       cfg,
		store:     store,
		opts:      opts,
		pool:      pool,
		scheduler: scanner.NewScheduler(store, pool, publisher, opts, m, log.Logger),
	}, nil
}

func (c *components) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to close metadata store")
	}
}

func runScanner(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := setup(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	feed, closeFeed, err := openFeed(c.cfg, c.store)
	if err != nil {
		return err
	}
	defer closeFeed()

	log.Info().
		Str("version", Version).
		Str("backend", c.cfg.Backend).
		Str("change_feed", c.cfg.ChangeFeed.Type).
		Int("concurrency", c.opts.Concurrency).
		Dur("round_interval", c.opts.RoundInterval).
		Dur("full_refresh_interval", c.opts.FullRefreshInterval).
		Msg("Starting countitems")

	g, gctx := errgroup.WithContext(ctx)

	if addr := c.cfg.Metrics.Listen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Info().Str("listen", addr).Msg("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if feed != nil {
		corrector := scanner.NewCorrector(feed, c.pool, c.opts, scannerMetrics(), log.Logger)
		g.Go(func() error {
			return corrector.Run(gctx)
		})
	} else {
		log.Info().Msg("Change feed disabled, deletions are picked up by full refreshes only")
	}

	g.Go(func() error {
		err := c.scheduler.Run(gctx)
		// a fatal scheduler error stops the corrector and the metrics server too
		stop()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("countitems stopped")
		return err
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

func runOnce(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := setup(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.scheduler.Connect(ctx); err != nil {
		return err
	}
	_, err = c.scheduler.RunRound(ctx)
	return err
}

func runShow(ctx context.Context, out io.Writer, id string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()

	doc, err := store.ReadResult(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func runNotifyDelete(stdin io.Reader, bucket, path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.ChangeFeed.NATSURL == "" {
		return errors.New("change_feed.nats_url (or NATS_URL) is required")
	}

	var data []byte
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read record: %w", err)
	}
	ev, err := deletionEvent(bucket, data)
	if err != nil {
		return err
	}

	feed, err := changefeed.Connect(cfg.ChangeFeed.NATSURL, cfg.ChangeFeed.Subject, nil, log.Logger)
	if err != nil {
		return err
	}
	defer feed.Close()
	if err := feed.Publish(ev); err != nil {
		return err
	}
	log.Info().Str("bucket", bucket).Str("key", ev.Record.Key).Msg("Deletion published")
	return nil
}

// deletionEvent builds and validates the event for a stored record document.
func deletionEvent(bucket string, record []byte) (metastore.DeletionEvent, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(record, &raw); err != nil {
		return metastore.DeletionEvent{}, fmt.Errorf("parse record: %w", err)
	}
	payload, err := json.Marshal(struct {
		Bucket string          `json:"bucket"`
		Record json.RawMessage `json:"record"`
	}{bucket, raw})
	if err != nil {
		return metastore.DeletionEvent{}, err
	}
	ev, err := changefeed.Decode(payload)
	if err != nil {
		return metastore.DeletionEvent{}, err
	}
	ev.Record.Value.Deleted = true
	if _, err := accounting.ParseRecord(ev.Record); err != nil {
		return metastore.DeletionEvent{}, err
	}
	return ev, nil
}
