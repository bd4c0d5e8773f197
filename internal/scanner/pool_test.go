package scanner

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/countitems/internal/accounting"
	"github.com/tunnelmesh/countitems/internal/metastore"
)

func hotTally(bytes int64) *accounting.ResourceTally {
	t := accounting.NewResourceTally()
	t.Accumulate(accounting.Attribution{
		Role:  accounting.RoleNull,
		Bytes: bytes,
		Tuples: []accounting.AttributionTuple{
			{Location: "L1", Role: accounting.RoleNull, Bytes: bytes},
		},
	})
	return t
}

func TestPool_Sync(t *testing.T) {
	p := NewPool(zerolog.Nop())

	added, removed := p.Sync([]metastore.BucketInfo{{Name: "b2"}, {Name: "b1"}})
	assert.Equal(t, []string{"b1", "b2"}, added)
	assert.Empty(t, removed)
	assert.Equal(t, 2, p.Len())

	b, ok := p.Lookup("b1")
	require.True(t, ok)
	assert.True(t, b.NeedsFullRescan)
	assert.Nil(t, b.Checkpoint)

	// retained buckets keep their state
	checkpoint := now
	p.Mutate("b1", func(b *Bucket) {
		b.Tally = hotTally(10)
		b.Checkpoint = &checkpoint
		b.NeedsFullRescan = false
	})

	added, removed = p.Sync([]metastore.BucketInfo{
		{Name: "b1", Versioning: accounting.VersioningEnabled},
		{Name: "b3"},
	})
	assert.Equal(t, []string{"b3"}, added)
	assert.Equal(t, []string{"b2"}, removed)
	assert.Equal(t, []string{"b1", "b3"}, p.Names())

	b, ok = p.Lookup("b1")
	require.True(t, ok)
	assert.False(t, b.NeedsFullRescan)
	assert.Equal(t, accounting.VersioningEnabled, b.Info.Versioning)
	assert.Equal(t, int64(10), b.Tally.Total[accounting.TierHot].NullBytes)

	_, ok = p.Lookup("b2")
	assert.False(t, ok)
	assert.False(t, p.Mutate("b2", func(*Bucket) { t.Fatal("mutated a dropped bucket") }))
}

func TestPool_SyncPersistedState(t *testing.T) {
	p := NewPool(zerolog.Nop())
	checkpoint := now

	p.Sync([]metastore.BucketInfo{
		{Name: "resumed", State: &metastore.BucketState{Checkpoint: checkpoint, Tally: hotTally(7)}},
		{Name: "checkpoint-only", State: &metastore.BucketState{Checkpoint: checkpoint}},
	})

	b, _ := p.Lookup("resumed")
	require.NotNil(t, b.Checkpoint)
	assert.True(t, checkpoint.Equal(*b.Checkpoint))
	assert.False(t, b.NeedsFullRescan)
	assert.Equal(t, int64(7), b.Tally.Total[accounting.TierHot].NullBytes)
	assert.Nil(t, b.Info.State)

	b, _ = p.Lookup("checkpoint-only")
	require.NotNil(t, b.Checkpoint)
	assert.True(t, b.NeedsFullRescan)
}

func TestPool_LookupReturnsCopy(t *testing.T) {
	p := NewPool(zerolog.Nop())
	p.Sync([]metastore.BucketInfo{{Name: "b1"}})
	p.Mutate("b1", func(b *Bucket) { b.Tally = hotTally(5) })

	b, _ := p.Lookup("b1")
	b.Tally.Total[accounting.TierHot].NullBytes = 999

	again, _ := p.Lookup("b1")
	assert.Equal(t, int64(5), again.Tally.Total[accounting.TierHot].NullBytes)
}

func TestPool_ResetAll(t *testing.T) {
	p := NewPool(zerolog.Nop())
	p.Sync([]metastore.BucketInfo{{Name: "b1"}})
	checkpoint := now
	p.Mutate("b1", func(b *Bucket) {
		b.Tally = hotTally(5)
		b.Checkpoint = &checkpoint
		b.NeedsFullRescan = false
	})

	p.ResetAll()

	b, _ := p.Lookup("b1")
	assert.True(t, b.NeedsFullRescan)
	assert.Equal(t, int64(5), b.Tally.Total[accounting.TierHot].NullBytes, "last good tally is kept")
	require.NotNil(t, b.Checkpoint)
	assert.True(t, checkpoint.Equal(*b.Checkpoint))
}

func TestPool_DirtyStates(t *testing.T) {
	p := NewPool(zerolog.Nop())
	p.Sync([]metastore.BucketInfo{{Name: "b1"}, {Name: "b2"}, {Name: "b3"}})

	first := now
	p.Mutate("b1", func(b *Bucket) {
		b.Tally = hotTally(5)
		b.Checkpoint = &first
		b.Dirty = true
	})
	// dirty without a checkpoint is never persisted
	p.Mutate("b2", func(b *Bucket) { b.Dirty = true })

	states := p.DirtyStates()
	require.Len(t, states, 1)
	assert.True(t, first.Equal(states["b1"].Checkpoint))
	assert.Equal(t, int64(5), states["b1"].Tally.Total[accounting.TierHot].NullBytes)

	// b1 advanced again before the save completed
	second := first.Add(time.Minute)
	p.Mutate("b1", func(b *Bucket) { b.Checkpoint = &second })
	p.MarkPersisted(states)
	b, _ := p.Lookup("b1")
	assert.True(t, b.Dirty)

	states = p.DirtyStates()
	p.MarkPersisted(states)
	b, _ = p.Lookup("b1")
	assert.False(t, b.Dirty)
	assert.Empty(t, p.DirtyStates())
}

func TestPool_ConcurrentMutate(t *testing.T) {
	p := NewPool(zerolog.Nop())
	p.Sync([]metastore.BucketInfo{{Name: "b1"}})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Mutate("b1", func(b *Bucket) { b.Tally.Merge(hotTally(1)) })
		}()
	}
	wg.Wait()

	b, _ := p.Lookup("b1")
	assert.Equal(t, int64(50), b.Tally.Total[accounting.TierHot].NullBytes)
	assert.Equal(t, int64(50), b.Tally.Locations["L1"][accounting.TierHot].NullCount)
}
