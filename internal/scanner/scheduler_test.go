package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/countitems/internal/accounting"
	"github.com/tunnelmesh/countitems/internal/metastore"
	"github.com/tunnelmesh/countitems/testutil"
)

// clock is a settable time source for the scheduler.
type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func seedBucket(t *testing.T, store *faultyStore, name, owner, location string, raws ...accounting.RawRecord) {
	t.Helper()
	require.NoError(t, store.CreateBucket(metastore.BucketInfo{
		Name: name, OwnerID: owner, LocationConstraint: location, CreationDate: created,
	}))
	for _, raw := range raws {
		require.NoError(t, store.PutObject(name, raw))
	}
}

func readResult(t *testing.T, store metastore.Store, id string) metastore.ResultDocument {
	t.Helper()
	doc, err := store.ReadResult(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func TestScheduler_RunRound(t *testing.T) {
	store := newFaultyStore(t)
	seedBucket(t, store, "b1", "acct-1", "L1",
		testutil.RawObject("o1", 5, "L1", now.Add(-time.Hour)),
		testutil.RawObject("o2", 7, "L1", now.Add(-time.Hour)))

	s, pool := newTestScheduler(store, testOptions())
	c := &clock{t: now}
	s.now = c.now

	report, err := s.RunRound(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, 1, report.Buckets)
	assert.Equal(t, 1, report.Scanned)
	assert.Zero(t, report.Failed)
	assert.Equal(t, int64(2), report.Records)
	assert.True(t, now.Equal(report.Horizon))
	assert.Equal(t, int64(12), report.Totals.CurrentBytes)

	loc := readResult(t, store, LocationDocumentID("L1"))
	assert.Equal(t, int64(12), loc.UsedCapacity.Current)
	assert.Equal(t, int64(2), loc.ObjectCount.Current)
	assert.Zero(t, loc.UsedCapacity.NonCurrent)

	bucket := readResult(t, store, BucketDocumentID("b1", created))
	assert.Equal(t, *loc.UsedCapacity, *bucket.UsedCapacity)
	assert.Equal(t, *loc.ObjectCount, *bucket.ObjectCount)

	acct := readResult(t, store, AccountDocumentID("acct-1"))
	assert.Equal(t, int64(12), acct.UsedCapacity.Current)
	assert.Equal(t, int64(2), acct.ObjectCount.Current)

	b, ok := pool.Lookup("b1")
	require.True(t, ok)
	require.NotNil(t, b.Checkpoint)
	assert.True(t, now.Equal(*b.Checkpoint))
	assert.False(t, b.NeedsFullRescan)
	assert.False(t, b.Ongoing)
	assert.False(t, b.Dirty)

	// the checkpoint and tally were persisted in the same write
	buckets, err := store.ListBuckets(context.Background())
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.NotNil(t, buckets[0].State)
	assert.True(t, now.Equal(buckets[0].State.Checkpoint))
	assert.Equal(t, int64(12), buckets[0].State.Tally.Total[accounting.TierHot].NullBytes)
}

func TestScheduler_IncrementalRounds(t *testing.T) {
	store := newFaultyStore(t)
	seedBucket(t, store, "b1", "acct-1", "L1",
		testutil.RawObject("o1", 5, "L1", now.Add(-time.Hour)))

	s, pool := newTestScheduler(store, testOptions())
	c := &clock{t: now}
	s.now = c.now

	_, err := s.RunRound(context.Background())
	require.NoError(t, err)

	// new write inside the next window, late write behind the checkpoint
	require.NoError(t, store.PutObject("b1", testutil.RawObject("o2", 7, "L1", now.Add(30*time.Second))))
	require.NoError(t, store.PutObject("b1", testutil.RawObject("late", 100, "L1", now.Add(-time.Minute))))
	// not yet visible: after the next horizon
	require.NoError(t, store.PutObject("b1", testutil.RawObject("future", 1000, "L1", now.Add(2*time.Minute))))

	c.t = now.Add(time.Minute)
	report, err := s.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Records)

	loc := readResult(t, store, LocationDocumentID("L1"))
	assert.Equal(t, int64(12), loc.UsedCapacity.Current)
	assert.Equal(t, int64(2), loc.ObjectCount.Current)

	b, _ := pool.Lookup("b1")
	assert.True(t, now.Add(time.Minute).Equal(*b.Checkpoint))
}

func TestScheduler_CheckpointMonotonic(t *testing.T) {
	store := newFaultyStore(t)
	seedBucket(t, store, "b1", "acct-1", "L1",
		testutil.RawObject("o1", 5, "L1", now.Add(-time.Hour)))

	s, pool := newTestScheduler(store, testOptions())
	c := &clock{t: now}
	s.now = c.now

	var checkpoints []time.Time
	run := func() {
		t.Helper()
		_, err := s.RunRound(context.Background())
		require.NoError(t, err)
		b, _ := pool.Lookup("b1")
		require.NotNil(t, b.Checkpoint)
		checkpoints = append(checkpoints, *b.Checkpoint)
	}

	run()
	c.t = now.Add(time.Minute)
	run()

	// the replica falls far behind: the horizon moves back but the checkpoint must not
	require.NoError(t, store.SetReplicaStatus(metastore.ReplicaSetStatus{Members: []metastore.ReplicaMember{
		{Name: "self", Self: true, OptimeDate: now.Add(-24 * time.Hour)},
	}}))
	c.t = now.Add(2 * time.Minute)
	run()
	run()

	for i := 1; i < len(checkpoints); i++ {
		assert.False(t, checkpoints[i].Before(checkpoints[i-1]), "checkpoint %d moved backwards", i)
	}
	loc := readResult(t, store, LocationDocumentID("L1"))
	assert.Equal(t, int64(5), loc.UsedCapacity.Current)
}

func TestScheduler_ReplicaHorizon(t *testing.T) {
	store := newFaultyStore(t)
	seedBucket(t, store, "b1", "acct-1", "L1",
		testutil.RawObject("applied", 5, "L1", now.Add(-time.Hour)),
		testutil.RawObject("recent", 7, "L1", now.Add(-5*time.Minute)))
	require.NoError(t, store.SetReplicaStatus(metastore.ReplicaSetStatus{Members: []metastore.ReplicaMember{
		{Name: "primary", OptimeDate: now},
		{Name: "self", Self: true, OptimeDate: now.Add(-10 * time.Minute)},
	}}))

	opts := testOptions()
	opts.ReplicaLag = 5 * time.Second
	s, _ := newTestScheduler(store, opts)
	s.now = (&clock{t: now}).now

	report, err := s.RunRound(context.Background())
	require.NoError(t, err)
	assert.True(t, now.Add(-10*time.Minute-5*time.Second).Equal(report.Horizon))

	loc := readResult(t, store, LocationDocumentID("L1"))
	assert.Equal(t, int64(5), loc.UsedCapacity.Current)
}

func TestScheduler_SkipsInvalidAndDeletedRecords(t *testing.T) {
	bad := testutil.RawObject("bad", 0, "L1", now.Add(-time.Hour))
	bad.Value.ContentLength = "not-a-number"
	deleted := testutil.RawObject("gone", 50, "L1", now.Add(-time.Hour))
	deleted.Value.Deleted = true

	store := newFaultyStore(t)
	seedBucket(t, store, "b1", "acct-1", "L1",
		testutil.RawObject("ok", 5, "L1", now.Add(-time.Hour)), bad, deleted)

	s, _ := newTestScheduler(store, testOptions())
	s.now = (&clock{t: now}).now

	report, err := s.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.InvalidRecords)
	assert.Equal(t, 1, report.Scanned)

	loc := readResult(t, store, LocationDocumentID("L1"))
	assert.Equal(t, int64(5), loc.UsedCapacity.Current)
	assert.Equal(t, int64(1), loc.ObjectCount.Current)
}

func TestScheduler_BucketFailure(t *testing.T) {
	store := newFaultyStore(t)
	seedBucket(t, store, "b1", "acct-1", "L1", testutil.RawObject("o1", 5, "L1", now.Add(-time.Hour)))
	seedBucket(t, store, "b2", "acct-2", "L2", testutil.RawObject("o1", 9, "L2", now.Add(-time.Hour)))

	s, pool := newTestScheduler(store, testOptions())
	c := &clock{t: now}
	s.now = c.now

	_, err := s.RunRound(context.Background())
	require.NoError(t, err)

	store.setScanFailure("b2", true)
	require.NoError(t, store.PutObject("b2", testutil.RawObject("o2", 1, "L2", now.Add(30*time.Second))))
	c.t = now.Add(time.Minute)

	report, err := s.RunRound(context.Background())
	require.NoError(t, err, "bucket failures do not fail the round")
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Scanned)

	b, _ := pool.Lookup("b2")
	assert.True(t, b.NeedsFullRescan)
	assert.True(t, now.Equal(*b.Checkpoint), "failed bucket keeps its checkpoint")
	// previous metrics are still published
	assert.Equal(t, int64(9), readResult(t, store, LocationDocumentID("L2")).UsedCapacity.Current)

	store.setScanFailure("b2", false)
	c.t = now.Add(2 * time.Minute)
	_, err = s.RunRound(context.Background())
	require.NoError(t, err)

	b, _ = pool.Lookup("b2")
	assert.False(t, b.NeedsFullRescan)
	assert.Equal(t, int64(10), readResult(t, store, LocationDocumentID("L2")).UsedCapacity.Current)
}

func TestScheduler_ResumesFromPersistedState(t *testing.T) {
	store := newFaultyStore(t)
	seedBucket(t, store, "b1", "acct-1", "L1",
		testutil.RawObject("o1", 5, "L1", now.Add(-time.Hour)),
		testutil.RawObject("o2", 7, "L1", now.Add(-time.Hour)))

	s, _ := newTestScheduler(store, testOptions())
	s.now = (&clock{t: now}).now
	_, err := s.RunRound(context.Background())
	require.NoError(t, err)

	// a record behind the checkpoint is only picked up by a full rescan
	require.NoError(t, store.PutObject("b1", testutil.RawObject("late", 100, "L1", now.Add(-time.Minute))))

	restarted, pool := newTestScheduler(store, testOptions())
	restarted.now = (&clock{t: now.Add(time.Minute)}).now
	report, err := restarted.RunRound(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Records)
	assert.Equal(t, int64(12), readResult(t, store, LocationDocumentID("L1")).UsedCapacity.Current)

	pool.ResetAll()
	_, err = restarted.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(112), readResult(t, store, LocationDocumentID("L1")).UsedCapacity.Current)
}

func TestScheduler_ResetThenFailureKeepsLastGoodTally(t *testing.T) {
	store, s, pool := scannedPool(t)

	pool.ResetAll()
	store.setScanFailure("b1", true)
	c := newTestCorrector(pool)
	require.True(t, c.Apply(deletion("b1", testutil.RawObject("o1", 5, "L1", now.Add(-time.Hour)))))

	s.now = (&clock{t: now.Add(time.Minute)}).now
	report, err := s.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	// the previous result, corrected, stays published
	assert.Equal(t, int64(7), readResult(t, store, LocationDocumentID("L1")).UsedCapacity.Current)

	buckets, err := store.ListBuckets(context.Background())
	require.NoError(t, err)
	require.NotNil(t, buckets[0].State)
	assert.True(t, buckets[0].State.NeedsFullRescan)
	assert.True(t, now.Equal(buckets[0].State.Checkpoint))
	assert.Equal(t, int64(7), buckets[0].State.Tally.Total[accounting.TierHot].NullBytes)

	// a restarted scanner still rebuilds the bucket from scratch
	store.setScanFailure("b1", false)
	restarted, restartedPool := newTestScheduler(store, testOptions())
	restarted.now = (&clock{t: now.Add(2 * time.Minute)}).now
	report, err = restarted.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Records, "full rescan reads every record")
	assert.Equal(t, int64(12), readResult(t, store, LocationDocumentID("L1")).UsedCapacity.Current)

	b, _ := restartedPool.Lookup("b1")
	assert.False(t, b.NeedsFullRescan)
	buckets, err = store.ListBuckets(context.Background())
	require.NoError(t, err)
	assert.False(t, buckets[0].State.NeedsFullRescan)
}

func TestScheduler_DroppedBucket(t *testing.T) {
	store := newFaultyStore(t)
	seedBucket(t, store, "b1", "acct-1", "L1", testutil.RawObject("o1", 5, "L1", now.Add(-time.Hour)))
	seedBucket(t, store, "b2", "acct-1", "L1", testutil.RawObject("o1", 9, "L1", now.Add(-time.Hour)))

	s, pool := newTestScheduler(store, testOptions())
	s.now = (&clock{t: now}).now
	_, err := s.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(14), readResult(t, store, LocationDocumentID("L1")).UsedCapacity.Current)

	require.NoError(t, store.DeleteBucket("b2"))
	_, err = s.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, pool.Names())
	assert.Equal(t, int64(5), readResult(t, store, LocationDocumentID("L1")).UsedCapacity.Current)

	global := readResult(t, store, metastore.GlobalDocumentID)
	require.NotNil(t, global.Value)
	assert.Equal(t, int64(1), global.Value.Buckets)
}

func TestScheduler_ListingRetries(t *testing.T) {
	store := newFaultyStore(t)
	seedBucket(t, store, "b1", "acct-1", "L1")

	s, _ := newTestScheduler(store, testOptions())
	store.failList = 1
	_, err := s.RunRound(context.Background())
	require.NoError(t, err)

	store.failList = 2
	_, err = s.RunRound(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, metastore.ErrTransientStore)
}

func TestScheduler_PublishFailureFailsRound(t *testing.T) {
	store := newFaultyStore(t)
	seedBucket(t, store, "b1", "acct-1", "L1", testutil.RawObject("o1", 5, "L1", now.Add(-time.Hour)))
	store.failSwap = -1

	s, _ := newTestScheduler(store, testOptions())
	s.now = (&clock{t: now}).now
	_, err := s.RunRound(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, metastore.ErrPublishSwap)
	assert.Equal(t, 3, store.swapAttempts)

	_, err = store.ReadResult(context.Background(), metastore.GlobalDocumentID)
	assert.ErrorIs(t, err, metastore.ErrNotFound)
}

func TestScheduler_Run(t *testing.T) {
	t.Run("unreachable store", func(t *testing.T) {
		store := newFaultyStore(t)
		store.failPing = true
		s, _ := newTestScheduler(store, testOptions())

		err := s.Run(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, metastore.ErrTransientStore)
	})

	t.Run("runs rounds until cancelled", func(t *testing.T) {
		store := newFaultyStore(t)
		seedBucket(t, store, "b1", "acct-1", "L1", testutil.RawObject("o1", 5, "L1", time.Now().Add(-time.Hour)))

		opts := testOptions()
		opts.FullRefreshInterval = time.Nanosecond
		s, _ := newTestScheduler(store, opts)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		require.NoError(t, s.Run(ctx))

		loc := readResult(t, store, LocationDocumentID("L1"))
		assert.Equal(t, int64(5), loc.UsedCapacity.Current)
	})
}
