package scanner

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/countitems/internal/accounting"
	"github.com/tunnelmesh/countitems/internal/metastore"
)

// Bucket is the scan state of one bucket. It is only read or written through
// Pool.Mutate, under the bucket's lock.
type Bucket struct {
	Info            metastore.BucketInfo
	Checkpoint      *time.Time
	Tally           *accounting.ResourceTally
	Ongoing         bool
	NeedsFullRescan bool
	// Dirty is set when Checkpoint and Tally changed since the last persisted state.
	Dirty bool
}

type poolEntry struct {
	mu     sync.Mutex
	bucket Bucket
}

// Pool holds the scan state of every known bucket. The map is guarded by a
// RWMutex; each bucket has its own lock so scans and corrections of different
// buckets never contend.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*poolEntry
	logger  zerolog.Logger
}

// NewPool creates an empty pool.
func NewPool(logger zerolog.Logger) *Pool {
	return &Pool{
		entries: make(map[string]*poolEntry),
		logger:  logger.With().Str("component", "pool").Logger(),
	}
}

func newBucket(info metastore.BucketInfo) Bucket {
	b := Bucket{
		Tally:           accounting.NewResourceTally(),
		NeedsFullRescan: true,
	}
	if st := info.State; st != nil {
		checkpoint := st.Checkpoint.UTC()
		b.Checkpoint = &checkpoint
		if st.Tally != nil {
			// resume from the persisted state, incrementally unless a full
			// rescan was still pending
			b.Tally = st.Tally.Clone()
			b.NeedsFullRescan = st.NeedsFullRescan
		}
	}
	info.State = nil
	b.Info = info
	return b
}

// Sync aligns the pool with a fresh bucket listing: new buckets are added,
// vanished ones dropped and retained ones keep their state.
func (p *Pool) Sync(buckets []metastore.BucketInfo) (added, removed []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]struct{}, len(buckets))
	for _, info := range buckets {
		seen[info.Name] = struct{}{}
		if e, ok := p.entries[info.Name]; ok {
			info.State = nil
			e.mu.Lock()
			e.bucket.Info = info
			e.mu.Unlock()
			continue
		}
		p.entries[info.Name] = &poolEntry{bucket: newBucket(info)}
		added = append(added, info.Name)
		p.logger.Info().Str("bucket", info.Name).Msg("New bucket detected")
		if info.CreationDate.IsZero() {
			p.logger.Warn().Str("bucket", info.Name).Msg("Bucket has no creation date, its result document id ends in 0")
		}
	}
	for name := range p.entries {
		if _, ok := seen[name]; !ok {
			delete(p.entries, name)
			removed = append(removed, name)
			p.logger.Info().Str("bucket", name).Msg("Bucket has been deleted")
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// Len returns the number of tracked buckets.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Names returns the tracked bucket names in order.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Pool) entry(name string) (*poolEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[name]
	return e, ok
}

// Lookup returns a copy of a bucket's state.
func (p *Pool) Lookup(name string) (Bucket, bool) {
	e, ok := p.entry(name)
	if !ok {
		return Bucket{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyBucket(e.bucket), true
}

// Mutate runs fn on a bucket's state under the bucket's lock. It reports false
// when the bucket is not in the pool.
func (p *Pool) Mutate(name string, fn func(*Bucket)) bool {
	e, ok := p.entry(name)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.bucket)
	return true
}

// ResetAll flags every bucket for a full rescan. Tallies stay in place as the
// last good result until the rescan replaces them, and checkpoints are kept so
// they stay monotonic.
func (p *Pool) ResetAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		e.mu.Lock()
		e.bucket.NeedsFullRescan = true
		e.mu.Unlock()
	}
	p.logger.Info().Int("buckets", len(p.entries)).Msg("Pool reset, full rescans scheduled")
}

// Snapshot returns a copy of every bucket, in name order.
func (p *Pool) Snapshot() []Bucket {
	names := p.Names()
	out := make([]Bucket, 0, len(names))
	for _, name := range names {
		if b, ok := p.Lookup(name); ok {
			out = append(out, b)
		}
	}
	return out
}

// DirtyStates returns the states to persist.
func (p *Pool) DirtyStates() map[string]metastore.BucketState {
	states := make(map[string]metastore.BucketState)
	for _, name := range p.Names() {
		p.Mutate(name, func(b *Bucket) {
			if !b.Dirty || b.Checkpoint == nil {
				return
			}
			states[name] = metastore.BucketState{
				Checkpoint:      *b.Checkpoint,
				Tally:           b.Tally.Clone(),
				NeedsFullRescan: b.NeedsFullRescan,
			}
		})
	}
	return states
}

// MarkPersisted clears the dirty flag of buckets whose state was saved, unless
// their checkpoint moved again in the meantime.
func (p *Pool) MarkPersisted(states map[string]metastore.BucketState) {
	for name, st := range states {
		p.Mutate(name, func(b *Bucket) {
			if b.Checkpoint != nil && b.Checkpoint.Equal(st.Checkpoint) {
				b.Dirty = false
			}
		})
	}
}

func copyBucket(b Bucket) Bucket {
	c := b
	if b.Checkpoint != nil {
		checkpoint := *b.Checkpoint
		c.Checkpoint = &checkpoint
	}
	if b.Tally != nil {
		c.Tally = b.Tally.Clone()
	}
	return c
}
