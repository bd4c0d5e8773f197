// Package filestore implements the metadata store on a local directory of JSON files.
// It backs local runs and integration tests of the scanner.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tunnelmesh/countitems/internal/accounting"
	"github.com/tunnelmesh/countitems/internal/metastore"
)

// Store keeps bucket listings, object records and published results on disk.
// Directory structure:
//
//	{dataDir}/
//	  replica_status.json     # optional replica set status answer
//	  buckets/
//	    {bucket}/
//	      _meta.json          # bucket info, metrics_checkpoint, metrics_tally
//	      objects/
//	        {escaped key}.json # one raw object record
//	  infostore -> infostore.{generation}   # published result set
//	  infostore_tmp/          # staging result set
type Store struct {
	mu      sync.RWMutex
	dataDir string
}

var _ metastore.Store = (*Store)(nil)

type bucketMeta struct {
	metastore.BucketInfo
	Checkpoint *time.Time                `json:"metrics_checkpoint,omitempty"`
	Tally      *accounting.ResourceTally `json:"metrics_tally,omitempty"`
	FullRescan bool                      `json:"metrics_full_rescan,omitempty"`
}

type replicaMember struct {
	Name       string    `json:"name"`
	Self       bool      `json:"self,omitempty"`
	State      string    `json:"stateStr"`
	OptimeDate time.Time `json:"optimeDate"`
}

type replicaStatus struct {
	Members []replicaMember `json:"members"`
}

const (
	publishedLink  = "infostore"
	stagingDir     = "infostore_tmp"
	replicaFile    = "replica_status.json"
	bucketMetaFile = "_meta.json"
)

// New opens (creating if needed) a file store rooted at dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "buckets"), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// syncedWriteFile writes data and fsyncs it. Fsync is skipped when COUNTITEMS_TEST
// is set since test directories are discarded anyway.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if os.Getenv("COUNTITEMS_TEST") == "" {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return syncedWriteFile(path, data, 0644)
}

// readJSON decodes numbers as json.Number so sizes keep their integer form.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func validateName(name string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}

func (s *Store) bucketPath(bucket string) string {
	return filepath.Join(s.dataDir, "buckets", bucket)
}

func (s *Store) bucketMetaPath(bucket string) string {
	return filepath.Join(s.bucketPath(bucket), bucketMetaFile)
}

func (s *Store) objectPath(bucket, key string) string {
	return filepath.Join(s.bucketPath(bucket), "objects", url.PathEscape(key)+".json")
}

func resultFile(dir, id string) string {
	return filepath.Join(dir, url.PathEscape(id)+".json")
}

// CreateBucket registers a bucket. An existing bucket keeps its scan state.
func (s *Store) CreateBucket(info metastore.BucketInfo) error {
	if err := validateName(info.Name); err != nil {
		return fmt.Errorf("invalid bucket name: %w", err)
	}
	if info.Versioning == "" {
		info.Versioning = accounting.VersioningDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.bucketPath(info.Name), "objects"), 0755); err != nil {
		return fmt.Errorf("create bucket dir: %w", err)
	}
	meta := bucketMeta{}
	if err := readJSON(s.bucketMetaPath(info.Name), &meta); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read bucket meta: %w", err)
	}
	meta.BucketInfo = info
	if err := writeJSON(s.bucketMetaPath(info.Name), meta); err != nil {
		return fmt.Errorf("write bucket meta: %w", err)
	}
	return nil
}

// DeleteBucket removes a bucket and its records.
func (s *Store) DeleteBucket(bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.bucketPath(bucket))
}

// PutObject writes (or overwrites) one raw object record.
func (s *Store) PutObject(bucket string, rec accounting.RawRecord) error {
	if rec.Key == "" {
		return errors.New("object key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.bucketMetaPath(bucket)); err != nil {
		return fmt.Errorf("bucket %q: %w", bucket, metastore.ErrNotFound)
	}
	if err := writeJSON(s.objectPath(bucket, rec.Key), rec); err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	return nil
}

// SetReplicaStatus stores the replica set status ReplicaStatus reports.
func (s *Store) SetReplicaStatus(status metastore.ReplicaSetStatus) error {
	rs := replicaStatus{}
	for _, m := range status.Members {
		rs.Members = append(rs.Members, replicaMember(m))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dataDir, replicaFile), rs)
}

// Ping checks that the data directory is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(s.dataDir, "buckets")); err != nil {
		return fmt.Errorf("%w: %v", metastore.ErrTransientStore, err)
	}
	return ctx.Err()
}

// ListBuckets returns every bucket sorted by name.
func (s *Store) ListBuckets(ctx context.Context) ([]metastore.BucketInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.dataDir, "buckets"))
	if err != nil {
		return nil, fmt.Errorf("%w: list buckets: %v", metastore.ErrTransientStore, err)
	}

	var buckets []metastore.BucketInfo
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		meta := bucketMeta{}
		if err := readJSON(s.bucketMetaPath(e.Name()), &meta); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read bucket %q: %w", e.Name(), err)
		}
		info := meta.BucketInfo
		info.Name = e.Name()
		if meta.Checkpoint != nil {
			info.State = &metastore.BucketState{
				Checkpoint:      meta.Checkpoint.UTC(),
				Tally:           meta.Tally,
				NeedsFullRescan: meta.FullRescan,
			}
		}
		buckets = append(buckets, info)
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

// ScanObjects streams the bucket's live records modified within the window, in key
// order. Records without a readable timestamp are only returned by full scans so the
// record parser gets to report them.
func (s *Store) ScanObjects(ctx context.Context, bucket string, w metastore.Window, fn func(accounting.RawRecord) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.bucketPath(bucket), "objects")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("bucket %q: %w", bucket, metastore.ErrNotFound)
		}
		return fmt.Errorf("%w: list objects: %v", metastore.ErrTransientStore, err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var rec accounting.RawRecord
		if err := readJSON(filepath.Join(dir, e.Name()), &rec); err != nil {
			return fmt.Errorf("%w: read object %s: %v", metastore.ErrTransientStore, e.Name(), err)
		}
		if rec.Value.Deleted {
			continue
		}
		if !inWindow(rec, w) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func inWindow(rec accounting.RawRecord, w metastore.Window) bool {
	if rec.Value.LastModified == nil {
		return w.Lower == nil
	}
	lm, err := accounting.ParseTimestamp(rec.Value.LastModified)
	if err != nil {
		return w.Lower == nil
	}
	return w.Contains(lm)
}

// ReplicaStatus reads the stored replica set status.
func (s *Store) ReplicaStatus(ctx context.Context) (metastore.ReplicaSetStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rs replicaStatus
	if err := readJSON(filepath.Join(s.dataDir, replicaFile), &rs); err != nil {
		return metastore.ReplicaSetStatus{}, fmt.Errorf("%w: %v", metastore.ErrReplicaStatusUnavailable, err)
	}
	status := metastore.ReplicaSetStatus{}
	for _, m := range rs.Members {
		status.Members = append(status.Members, metastore.ReplicaMember{
			Name:       m.Name,
			Self:       m.Self,
			State:      m.State,
			OptimeDate: m.OptimeDate.UTC(),
		})
	}
	return status, ctx.Err()
}

// SaveBucketStates writes checkpoints and tallies. Buckets removed since the
// listing are skipped.
func (s *Store) SaveBucketStates(ctx context.Context, states map[string]metastore.BucketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, state := range states {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := s.bucketMetaPath(name)
		meta := bucketMeta{}
		if err := readJSON(path, &meta); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("%w: read bucket %q: %v", metastore.ErrTransientStore, name, err)
		}
		checkpoint := state.Checkpoint.UTC()
		meta.Checkpoint = &checkpoint
		meta.Tally = state.Tally
		meta.FullRescan = state.NeedsFullRescan
		if err := writeJSON(path, meta); err != nil {
			return fmt.Errorf("%w: write bucket %q: %v", metastore.ErrTransientStore, name, err)
		}
	}
	return nil
}

// DropStaging removes the staging result set.
func (s *Store) DropStaging(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(s.dataDir, stagingDir)); err != nil {
		return fmt.Errorf("drop staging: %w", err)
	}
	return ctx.Err()
}

// WriteStaging writes documents into the staging result set.
func (s *Store) WriteStaging(ctx context.Context, docs []metastore.ResultDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dataDir, stagingDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeJSON(resultFile(dir, doc.ID), doc); err != nil {
			return fmt.Errorf("write staging %s: %w", doc.ID, err)
		}
	}
	return nil
}

// SwapStaging turns the staging set into a new generation and repoints the
// published symlink at it with a rename, which readers observe atomically.
func (s *Store) SwapStaging(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	staging := filepath.Join(s.dataDir, stagingDir)
	if _, err := os.Stat(staging); err != nil {
		return fmt.Errorf("staging result set: %w", err)
	}

	link := filepath.Join(s.dataDir, publishedLink)
	previous, _ := os.Readlink(link)

	generation := publishedLink + "." + uuid.NewString()
	if err := os.Rename(staging, filepath.Join(s.dataDir, generation)); err != nil {
		return fmt.Errorf("rename staging: %w", err)
	}
	tmpLink := filepath.Join(s.dataDir, "."+generation+".link")
	if err := os.Symlink(generation, tmpLink); err != nil {
		return fmt.Errorf("create link: %w", err)
	}
	if err := os.Rename(tmpLink, link); err != nil {
		_ = os.Remove(tmpLink)
		return fmt.Errorf("replace published link: %w", err)
	}

	if previous != "" && previous != generation {
		_ = os.RemoveAll(filepath.Join(s.dataDir, previous))
	}
	return nil
}

// ReadResult reads one published document.
func (s *Store) ReadResult(ctx context.Context, id string) (metastore.ResultDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc metastore.ResultDocument
	if err := ctx.Err(); err != nil {
		return doc, err
	}
	if err := readJSON(resultFile(filepath.Join(s.dataDir, publishedLink), id), &doc); err != nil {
		if os.IsNotExist(err) {
			return doc, fmt.Errorf("%s: %w", id, metastore.ErrNotFound)
		}
		return doc, fmt.Errorf("read result %s: %w", id, err)
	}
	return doc, nil
}

// Close is a no-op.
func (s *Store) Close(context.Context) error {
	return nil
}
