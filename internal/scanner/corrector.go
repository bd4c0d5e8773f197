package scanner

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/countitems/internal/accounting"
	"github.com/tunnelmesh/countitems/internal/metastore"
	"github.com/tunnelmesh/countitems/internal/metrics"
)

// Correction results.
const (
	CorrectionApplied = "applied"
	CorrectionSkipped = "skipped"
)

// bucketMutator is the part of the pool the corrector needs.
type bucketMutator interface {
	Mutate(name string, fn func(*Bucket)) bool
}

// Corrector subtracts deleted records from tallies. Only records modified before
// the bucket's checkpoint were counted by a previous scan; newer ones are skipped
// because the next scan will not see them anyway.
type Corrector struct {
	feed          metastore.ChangeFeed
	pool          bucketMutator
	locations     accounting.Locations
	stalledAfter  time.Duration
	retryInterval time.Duration
	metrics       *metrics.ScannerMetrics
	logger        zerolog.Logger
	now           func() time.Time
}

// NewCorrector creates a corrector reading deletions from feed.
func NewCorrector(feed metastore.ChangeFeed, pool bucketMutator, opts Options, m *metrics.ScannerMetrics, logger zerolog.Logger) *Corrector {
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = time.Second
	}
	return &Corrector{
		feed:          feed,
		pool:          pool,
		locations:     opts.Locations,
		stalledAfter:  opts.StalledAfter,
		retryInterval: retry,
		metrics:       m,
		logger:        logger.With().Str("component", "corrector").Logger(),
		now:           time.Now,
	}
}

// Run consumes the feed until ctx is done. A failed subscription is closed and
// re-established after the retry interval.
func (c *Corrector) Run(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn().Err(err).Dur("retry_in", c.retryInterval).Msg("Change feed interrupted, resubscribing")
		c.metrics.Resubscribed()
		if err := sleepCtx(ctx, c.retryInterval); err != nil {
			return nil
		}
	}
}

func (c *Corrector) consume(ctx context.Context) error {
	sub, err := c.feed.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sub.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("Failed to close subscription")
		}
	}()
	c.logger.Info().Msg("Change feed subscribed")

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		c.Apply(ev)
	}
}

// Apply corrects the tally of the event's bucket. It reports whether the tally
// changed.
func (c *Corrector) Apply(ev metastore.DeletionEvent) bool {
	log := c.logger.With().Str("bucket", ev.Bucket).Str("key", ev.Record.Key).Logger()

	rec, err := accounting.ParseRecord(ev.Record)
	if err != nil {
		log.Debug().Err(err).Msg("Ignoring invalid deletion event")
		c.metrics.Correction(CorrectionSkipped)
		return false
	}

	applied := false
	found := c.pool.Mutate(ev.Bucket, func(b *Bucket) {
		if b.Checkpoint == nil || rec.LastModified.IsZero() || !rec.LastModified.Before(*b.Checkpoint) {
			return
		}
		attr := accounting.Classify(rec, classifyOptions(b.Info, c.locations, c.stalledAfter, c.now()))
		if attr.Skip {
			return
		}
		if b.Tally == nil {
			b.Tally = accounting.NewResourceTally()
		}
		attr.Stalled = false
		b.Tally.Subtract(attr)
		b.Dirty = true
		applied = true
	})
	if !found {
		log.Debug().Msg("Deletion for unknown bucket")
	}

	if applied {
		log.Debug().Int64("size", rec.Size).Msg("Tally corrected")
		c.metrics.Correction(CorrectionApplied)
	} else {
		c.metrics.Correction(CorrectionSkipped)
	}
	return applied
}

func classifyOptions(info metastore.BucketInfo, locs accounting.Locations, stalledAfter time.Duration, horizon time.Time) accounting.ClassifyOptions {
	return accounting.ClassifyOptions{
		Horizon:      horizon,
		Transient:    info.IsTransient || locs.IsTransient(info.LocationConstraint),
		Locations:    locs,
		StalledAfter: stalledAfter,
	}
}
