package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/countitems/internal/accounting"
	"github.com/tunnelmesh/countitems/internal/metastore"
	"github.com/tunnelmesh/countitems/internal/metastore/filestore"
	"github.com/tunnelmesh/countitems/testutil"
)

var (
	created   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	errBroken = errors.New("broken")
)

func newFileStore(t *testing.T) *filestore.Store {
	t.Helper()
	t.Setenv("COUNTITEMS_TEST", "1")
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	s, err := filestore.New(dir)
	require.NoError(t, err)
	return s
}

// faultyStore wraps a file store and injects failures.
type faultyStore struct {
	*filestore.Store

	mu           sync.Mutex
	failPing     bool
	failScan     map[string]bool
	failSwap     int // remaining swap failures, -1 fails forever
	failList     int
	swapAttempts int
}

func newFaultyStore(t *testing.T) *faultyStore {
	return &faultyStore{Store: newFileStore(t), failScan: map[string]bool{}}
}

func (f *faultyStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPing {
		return metastore.ErrTransientStore
	}
	return f.Store.Ping(ctx)
}

func (f *faultyStore) setScanFailure(bucket string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failScan[bucket] = fail
}

func (f *faultyStore) ListBuckets(ctx context.Context) ([]metastore.BucketInfo, error) {
	f.mu.Lock()
	if f.failList > 0 {
		f.failList--
		f.mu.Unlock()
		return nil, metastore.ErrTransientStore
	}
	f.mu.Unlock()
	return f.Store.ListBuckets(ctx)
}

func (f *faultyStore) ScanObjects(ctx context.Context, bucket string, w metastore.Window, fn func(accounting.RawRecord) error) error {
	f.mu.Lock()
	fail := f.failScan[bucket]
	f.mu.Unlock()
	if fail {
		return errors.Join(metastore.ErrTransientStore, errBroken)
	}
	return f.Store.ScanObjects(ctx, bucket, w, fn)
}

func (f *faultyStore) SwapStaging(ctx context.Context) error {
	f.mu.Lock()
	f.swapAttempts++
	if f.failSwap != 0 {
		if f.failSwap > 0 {
			f.failSwap--
		}
		f.mu.Unlock()
		return errBroken
	}
	f.mu.Unlock()
	return f.Store.SwapStaging(ctx)
}

func testOptions() Options {
	return Options{
		Concurrency:    4,
		ConnectRetries: 2,
		RoundInterval:  time.Millisecond,
	}
}

func newTestScheduler(store metastore.Store, opts Options) (*Scheduler, *Pool) {
	pool := NewPool(zerolog.Nop())
	publisher := NewPublisher(store, 3, 0, nil, zerolog.Nop())
	return NewScheduler(store, pool, publisher, opts, nil, zerolog.Nop()), pool
}
