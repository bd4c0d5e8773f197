package scanner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/countitems/internal/accounting"
	"github.com/tunnelmesh/countitems/internal/metastore"
	"github.com/tunnelmesh/countitems/internal/metrics"
)

// Result document id prefixes.
const (
	bucketPrefix   = "bucket_"
	locationPrefix = "location_"
	accountPrefix  = "account_"
)

// BucketDocumentID names a bucket's result document. A bucket listed without a
// creation date gets 0 so its id stays stable.
func BucketDocumentID(name string, created time.Time) string {
	var ms int64
	if !created.IsZero() {
		ms = created.UnixMilli()
	}
	return fmt.Sprintf("%s%s_%d", bucketPrefix, name, ms)
}

// LocationDocumentID names a location's result document.
func LocationDocumentID(location string) string {
	return locationPrefix + location
}

// AccountDocumentID names an account's result document.
func AccountDocumentID(owner string) string {
	return accountPrefix + owner
}

// Totals summarizes a rollup for logs and metrics.
type Totals struct {
	CurrentBytes      int64
	NonCurrentBytes   int64
	CurrentObjects    int64
	NonCurrentObjects int64
	Stalled           int64
}

// Rollup turns the pool state into result documents: one per bucket, location
// and account, plus the global summary. Bucket and account metrics count each
// record once; location metrics credit every replica.
func Rollup(buckets []Bucket, measuredOn time.Time) ([]metastore.ResultDocument, Totals) {
	measuredOn = measuredOn.UTC()
	docs := make([]metastore.ResultDocument, 0, len(buckets)+1)

	locations := make(map[string]*accounting.ResourceMetrics)
	accounts := make(map[string]*accounting.ResourceMetrics)
	accountLocations := make(map[string]map[string]accounting.ResourceMetrics)
	summary := &metastore.GlobalSummary{
		BucketList:  []metastore.BucketEntry{},
		DataManaged: metastore.DataManaged{ByLocation: map[string]metastore.CurrPrev{}},
	}
	var totals Totals

	for _, b := range buckets {
		tally := b.Tally
		if tally == nil {
			tally = accounting.NewResourceTally()
		}
		versioning := b.Info.Versioning

		m := accounting.Finalize(&tally.Total, versioning)
		docs = append(docs, resourceDocument(BucketDocumentID(b.Info.Name, b.Info.CreationDate), measuredOn, m))

		acct, ok := accounts[b.Info.OwnerID]
		if !ok {
			acct = &accounting.ResourceMetrics{}
			accounts[b.Info.OwnerID] = acct
			accountLocations[b.Info.OwnerID] = make(map[string]accounting.ResourceMetrics)
		}
		acct.Add(m)

		for loc, tc := range tally.Locations {
			lm := accounting.Finalize(tc, versioning)
			total, ok := locations[loc]
			if !ok {
				total = &accounting.ResourceMetrics{}
				locations[loc] = total
			}
			total.Add(lm)

			al := accountLocations[b.Info.OwnerID][loc]
			al.Add(lm)
			accountLocations[b.Info.OwnerID][loc] = al
		}

		summary.Objects += m.ObjectCount.Current
		summary.Versions += m.ObjectCount.NonCurrent
		summary.Stalled += tally.Stalled
		summary.BucketList = append(summary.BucketList, metastore.BucketEntry{
			Name:             b.Info.Name,
			Location:         b.Info.LocationConstraint,
			IsVersioned:      versioning.Versioned(),
			OwnerCanonicalID: b.Info.OwnerID,
		})

		totals.CurrentBytes += m.UsedCapacity.Current
		totals.NonCurrentBytes += m.UsedCapacity.NonCurrent
		totals.CurrentObjects += m.ObjectCount.Current
		totals.NonCurrentObjects += m.ObjectCount.NonCurrent
	}
	summary.Buckets = int64(len(buckets))
	totals.Stalled = summary.Stalled

	for _, loc := range sortedKeys(locations) {
		m := *locations[loc]
		docs = append(docs, resourceDocument(LocationDocumentID(loc), measuredOn, m))
		cp := metastore.CurrPrev{Curr: m.UsedCapacity.Current, Prev: m.UsedCapacity.NonCurrent}
		summary.DataManaged.ByLocation[loc] = cp
		summary.DataManaged.Total.Curr += cp.Curr
		summary.DataManaged.Total.Prev += cp.Prev
	}

	for _, owner := range sortedKeys(accounts) {
		doc := resourceDocument(AccountDocumentID(owner), measuredOn, *accounts[owner])
		doc.Locations = accountLocations[owner]
		docs = append(docs, doc)
	}

	docs = append(docs, metastore.ResultDocument{
		ID:         metastore.GlobalDocumentID,
		MeasuredOn: measuredOn,
		Value:      summary,
	})
	return docs, totals
}

func resourceDocument(id string, measuredOn time.Time, m accounting.ResourceMetrics) metastore.ResultDocument {
	return metastore.ResultDocument{
		ID:           id,
		MeasuredOn:   measuredOn,
		UsedCapacity: &m.UsedCapacity,
		ObjectCount:  &m.ObjectCount,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Publisher replaces the published result set through a staging area so readers
// never observe a partial set.
type Publisher struct {
	store         metastore.Store
	retries       int
	retryInterval time.Duration
	metrics       *metrics.ScannerMetrics
	logger        zerolog.Logger
}

// NewPublisher creates a publisher that retries the swap up to retries times.
func NewPublisher(store metastore.Store, retries int, retryInterval time.Duration, m *metrics.ScannerMetrics, logger zerolog.Logger) *Publisher {
	if retries < 1 {
		retries = 1
	}
	return &Publisher{
		store:         store,
		retries:       retries,
		retryInterval: retryInterval,
		metrics:       m,
		logger:        logger.With().Str("component", "publisher").Logger(),
	}
}

// Publish stages docs and swaps them in. Each attempt rebuilds the staging area
// from scratch. When every attempt fails the previous result set stays published
// and the error wraps metastore.ErrPublishSwap.
func (p *Publisher) Publish(ctx context.Context, docs []metastore.ResultDocument) error {
	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		lastErr = p.publishOnce(ctx, docs)
		p.metrics.PublishAttempt(lastErr == nil)
		if lastErr == nil {
			p.logger.Debug().Int("documents", len(docs)).Int("attempt", attempt).Msg("Results published")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn().Err(lastErr).Int("attempt", attempt).Int("max_attempts", p.retries).Msg("Publish attempt failed")
		if attempt < p.retries {
			if err := sleepCtx(ctx, p.retryInterval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: after %d attempts: %v", metastore.ErrPublishSwap, p.retries, lastErr)
}

func (p *Publisher) publishOnce(ctx context.Context, docs []metastore.ResultDocument) error {
	if err := p.store.DropStaging(ctx); err != nil {
		return err
	}
	if err := p.store.WriteStaging(ctx, docs); err != nil {
		return err
	}
	return p.store.SwapStaging(ctx)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
