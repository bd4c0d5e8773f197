package scanner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/countitems/internal/accounting"
	"github.com/tunnelmesh/countitems/internal/metastore"
	"github.com/tunnelmesh/countitems/internal/metrics"
	"github.com/tunnelmesh/countitems/pkg/bytesize"
	"golang.org/x/sync/errgroup"
)

// Options tunes the scheduler and the corrector.
type Options struct {
	Concurrency         int
	ConnectRetries      int
	RetryInterval       time.Duration
	ReplicaLag          time.Duration
	RoundInterval       time.Duration
	FullRefreshInterval time.Duration
	StalledAfter        time.Duration
	Locations           accounting.Locations
	// LargeBucketThreshold logs buckets whose current bytes exceed it. Zero disables.
	LargeBucketThreshold int64
}

// RoundReport summarizes one round.
type RoundReport struct {
	ID             string
	Buckets        int
	Scanned        int
	Failed         int
	Records        int64
	InvalidRecords int64
	Horizon        time.Time
	Totals         Totals
	Elapsed        time.Duration
}

// Scheduler drives accounting rounds.
type Scheduler struct {
	store     metastore.Store
	pool      *Pool
	publisher *Publisher
	opts      Options
	metrics   *metrics.ScannerMetrics
	logger    zerolog.Logger
	now       func() time.Time
	lastReset time.Time
}

// NewScheduler creates a scheduler over store and pool.
func NewScheduler(store metastore.Store, pool *Pool, publisher *Publisher, opts Options, m *metrics.ScannerMetrics, logger zerolog.Logger) *Scheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ConnectRetries < 1 {
		opts.ConnectRetries = 1
	}
	return &Scheduler{
		store:     store,
		pool:      pool,
		publisher: publisher,
		opts:      opts,
		metrics:   m,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
	}
}

// withRetries runs fn up to ConnectRetries times with a fixed interval between
// attempts.
func (s *Scheduler) withRetries(ctx context.Context, what string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.opts.ConnectRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Str("operation", what).
			Int("attempt", attempt).Int("max_attempts", s.opts.ConnectRetries).
			Msg("Metadata store operation failed")
		if attempt < s.opts.ConnectRetries {
			if serr := sleepCtx(ctx, s.opts.RetryInterval); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", what, s.opts.ConnectRetries, err)
}

// Connect checks the store is reachable, retrying on failure.
func (s *Scheduler) Connect(ctx context.Context) error {
	return s.withRetries(ctx, "ping", s.store.Ping)
}

// Run connects and then runs rounds until ctx is done or a round fails fatally.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	s.lastReset = s.now()
	for {
		if s.opts.FullRefreshInterval > 0 && s.now().Sub(s.lastReset) >= s.opts.FullRefreshInterval {
			s.pool.ResetAll()
			s.lastReset = s.now()
		}

		if _, err := s.RunRound(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := sleepCtx(ctx, s.opts.RoundInterval); err != nil {
			return nil
		}
	}
}

// RunRound runs one round: refresh the pool, scan every bucket's window,
// persist the new states and publish the results. Bucket failures do not fail
// the round; listing, persistence and publication failures do.
func (s *Scheduler) RunRound(ctx context.Context) (RoundReport, error) {
	start := s.now()
	report := RoundReport{ID: uuid.NewString()}
	log := s.logger.With().Str("round", report.ID).Logger()

	fail := func(err error) (RoundReport, error) {
		report.Elapsed = s.now().Sub(start)
		s.metrics.ObserveRound(metrics.RoundFailed, report.Elapsed, s.now())
		log.Error().Err(err).Dur("elapsed", report.Elapsed).Msg("Round failed")
		return report, err
	}

	var listing []metastore.BucketInfo
	err := s.withRetries(ctx, "list buckets", func(ctx context.Context) error {
		var err error
		listing, err = s.store.ListBuckets(ctx)
		return err
	})
	if err != nil {
		return fail(err)
	}
	s.pool.Sync(listing)
	report.Buckets = s.pool.Len()
	s.metrics.SetPoolSize(report.Buckets)

	report.Horizon = s.horizon(ctx, log)

	var scanned, failed, records, invalid atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, name := range s.pool.Names() {
		g.Go(func() error {
			n, bad, err := s.processBucket(gctx, log, name, report.Horizon)
			records.Add(n)
			invalid.Add(bad)
			switch {
			case err == nil:
				scanned.Add(1)
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}
	report.Scanned = int(scanned.Load())
	report.Failed = int(failed.Load())
	report.Records = records.Load()
	report.InvalidRecords = invalid.Load()

	states := s.pool.DirtyStates()
	if len(states) > 0 {
		err := s.withRetries(ctx, "save bucket states", func(ctx context.Context) error {
			return s.store.SaveBucketStates(ctx, states)
		})
		if err != nil {
			return fail(err)
		}
		s.pool.MarkPersisted(states)
	}

	docs, totals := Rollup(s.pool.Snapshot(), s.now())
	report.Totals = totals
	if err := s.publisher.Publish(ctx, docs); err != nil {
		return fail(err)
	}
	s.metrics.SetPublished(totals.CurrentBytes, totals.NonCurrentBytes, totals.CurrentObjects, totals.NonCurrentObjects, totals.Stalled)

	report.Elapsed = s.now().Sub(start)
	s.metrics.ObserveRound(metrics.RoundSucceeded, report.Elapsed, s.now())
	log.Info().
		Int("buckets", report.Buckets).
		Int("scanned", report.Scanned).
		Int("failed", report.Failed).
		Int64("records", report.Records).
		Int64("invalid_records", report.InvalidRecords).
		Int("saved_states", len(states)).
		Str("current", bytesize.Format(totals.CurrentBytes)).
		Str("noncurrent", bytesize.Format(totals.NonCurrentBytes)).
		Int64("stalled", totals.Stalled).
		Dur("elapsed", report.Elapsed).
		Msg("Round complete")
	return report, nil
}

// horizon reads the replica set status once per round and falls back to the wall clock.
func (s *Scheduler) horizon(ctx context.Context, log zerolog.Logger) time.Time {
	now := s.now()
	status, err := s.store.ReplicaStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Replica status unavailable, using wall clock horizon")
		s.metrics.ReplicaFallback()
		return now.Add(-s.opts.ReplicaLag).UTC()
	}
	h, ok := ReplicaHorizon(now, s.opts.ReplicaLag, status)
	if !ok {
		log.Warn().Err(metastore.ErrReplicaStatusUnavailable).Msg("No self member in replica status, using wall clock horizon")
		s.metrics.ReplicaFallback()
	}
	return h.UTC()
}

// processBucket scans one bucket's window and folds the result into its tally.
func (s *Scheduler) processBucket(ctx context.Context, roundLog zerolog.Logger, name string, horizon time.Time) (records, invalid int64, err error) {
	var (
		window metastore.Window
		info   metastore.BucketInfo
		skip   bool
	)
	s.pool.Mutate(name, func(b *Bucket) {
		if b.Ongoing {
			skip = true
			return
		}
		b.Ongoing = true
		info = b.Info
		window = ComputeWindow(b.Checkpoint, b.NeedsFullRescan, horizon)
	})
	if skip {
		return 0, 0, nil
	}

	full := window.Lower == nil
	log := roundLog.With().Str("bucket", name).Time("window_upper", window.Upper).Bool("full_rescan", full).Logger()
	if !full {
		log = log.With().Time("window_lower", *window.Lower).Logger()
	}
	log.Debug().Msg("Scanning bucket")

	opts := classifyOptions(info, s.opts.Locations, s.opts.StalledAfter, horizon)
	delta := accounting.NewResourceTally()
	err = s.store.ScanObjects(ctx, name, window, func(raw accounting.RawRecord) error {
		records++
		rec, perr := accounting.ParseRecord(raw)
		if perr != nil {
			invalid++
			log.Debug().Err(perr).Str("key", raw.Key).Msg("Skipping invalid record")
			return nil
		}
		if rec.Deleted {
			return nil
		}
		delta.Accumulate(accounting.Classify(rec, opts))
		return nil
	})

	var current int64
	s.pool.Mutate(name, func(b *Bucket) {
		b.Ongoing = false
		if err != nil {
			// keep the last good tally, rebuild it from scratch next round
			if ctx.Err() == nil {
				b.NeedsFullRescan = true
				b.Dirty = b.Checkpoint != nil
			}
			return
		}
		if full {
			b.Tally = delta
		} else {
			// stalled counts are only known after a full rescan
			delta.Stalled = 0
			if b.Tally == nil {
				b.Tally = accounting.NewResourceTally()
			}
			b.Tally.Merge(delta)
		}
		upper := window.Upper
		b.Checkpoint = &upper
		b.NeedsFullRescan = false
		b.Dirty = true
		current = accounting.Finalize(&b.Tally.Total, b.Info.Versioning).UsedCapacity.Current
	})
	s.metrics.ObserveBucket(err == nil, records, invalid)

	if err != nil {
		if ctx.Err() != nil {
			return records, invalid, err
		}
		log.Warn().Err(err).Int64("records", records).Msg("Bucket scan failed, full rescan scheduled")
		return records, invalid, err
	}
	ev := log.Debug()
	if s.opts.LargeBucketThreshold > 0 && current >= s.opts.LargeBucketThreshold {
		ev = log.Info()
	}
	ev.Int64("records", records).Int64("invalid_records", invalid).Str("current", bytesize.Format(current)).Msg("Bucket scanned")
	return records, invalid, nil
}
