// Package metastore defines how the accounting reads object metadata and writes
// its results, independently of the document store holding them.
package metastore

import (
	"context"
	"time"

	"github.com/tunnelmesh/countitems/internal/accounting"
)

// Collection and document names shared by store implementations.
const (
	MetastoreCollection   = "__metastore"
	UsersBucketCollection = "__usersbucket"
	InfostoreCollection   = "__infostore"
	InfostoreStaging      = InfostoreCollection + "_tmp"

	// GlobalDocumentID identifies the global aggregate result document.
	GlobalDocumentID = "countitems"

	// CheckpointField is the bucket document field holding the scan checkpoint.
	CheckpointField = "metrics_checkpoint"
	// TallyField is the bucket document field holding the tally at that checkpoint.
	TallyField = "metrics_tally"
	// FullRescanField flags a bucket whose tally must be rebuilt by a full scan.
	FullRescanField = "metrics_full_rescan"
)

// BucketState is what the scanner persists per bucket at the end of a round.
type BucketState struct {
	Checkpoint time.Time                 `json:"metrics_checkpoint" bson:"metrics_checkpoint"`
	Tally      *accounting.ResourceTally `json:"metrics_tally,omitempty" bson:"metrics_tally,omitempty"`
	// NeedsFullRescan keeps Tally as the last good result while forcing the next
	// scan to start from scratch.
	NeedsFullRescan bool `json:"metrics_full_rescan,omitempty" bson:"metrics_full_rescan,omitempty"`
}

// BucketInfo is one entry of the bucket listing.
type BucketInfo struct {
	Name               string                     `json:"name"`
	OwnerID            string                     `json:"owner"`
	OwnerDisplayName   string                     `json:"ownerDisplayName,omitempty"`
	LocationConstraint string                     `json:"locationConstraint"`
	IsTransient        bool                       `json:"isTransient,omitempty"`
	Versioning         accounting.VersioningState `json:"versioning"`
	CreationDate       time.Time                  `json:"creationDate"`

	// State is the last persisted scan state, nil when the bucket was never scanned.
	State *BucketState `json:"-"`
}

// Window bounds a scan by last-modified time: Lower <= t < Upper.
// A nil Lower means the window starts at the beginning of time.
type Window struct {
	Lower *time.Time
	Upper time.Time
}

// Contains reports whether t falls in the window.
func (w Window) Contains(t time.Time) bool {
	if w.Lower != nil && t.Before(*w.Lower) {
		return false
	}
	return t.Before(w.Upper)
}

// ReplicaMember is one member of a replica set status report.
type ReplicaMember struct {
	Name       string
	Self       bool
	State      string
	OptimeDate time.Time
}

// Replica set member states.
const (
	MemberPrimary   = "PRIMARY"
	MemberSecondary = "SECONDARY"
)

// ReplicaSetStatus is the answer of replSetGetStatus.
type ReplicaSetStatus struct {
	Members []ReplicaMember
}

// Self returns the member the client is connected to.
func (s ReplicaSetStatus) Self() (ReplicaMember, bool) {
	for _, m := range s.Members {
		if m.Self {
			return m, true
		}
	}
	return ReplicaMember{}, false
}

// Observed returns the member whose progress bounds what scans can see. Scans
// read from secondaries, so when the status came from the primary the most
// lagging secondary stands in for it.
func (s ReplicaSetStatus) Observed() (ReplicaMember, bool) {
	self, ok := s.Self()
	if !ok || self.State != MemberPrimary {
		return self, ok
	}
	var oldest ReplicaMember
	found := false
	for _, m := range s.Members {
		if m.State != MemberSecondary || m.OptimeDate.IsZero() {
			continue
		}
		if !found || m.OptimeDate.Before(oldest.OptimeDate) {
			oldest, found = m, true
		}
	}
	if !found {
		return self, true
	}
	return oldest, true
}

// ResultDocument is one published accounting document.
type ResultDocument struct {
	ID           string                                `json:"_id" bson:"_id"`
	MeasuredOn   time.Time                             `json:"measuredOn" bson:"measuredOn"`
	UsedCapacity *accounting.Capacity                  `json:"usedCapacity,omitempty" bson:"usedCapacity,omitempty"`
	ObjectCount  *accounting.ObjectCount               `json:"objectCount,omitempty" bson:"objectCount,omitempty"`
	Locations    map[string]accounting.ResourceMetrics `json:"locations,omitempty" bson:"locations,omitempty"`
	Value        *GlobalSummary                        `json:"value,omitempty" bson:"value,omitempty"`
}

// GlobalSummary is the content of the global aggregate document.
type GlobalSummary struct {
	Objects     int64         `json:"objects" bson:"objects"`
	Versions    int64         `json:"versions" bson:"versions"`
	Buckets     int64         `json:"buckets" bson:"buckets"`
	BucketList  []BucketEntry `json:"bucketList" bson:"bucketList"`
	DataManaged DataManaged   `json:"dataManaged" bson:"dataManaged"`
	Stalled     int64         `json:"stalled" bson:"stalled"`
}

// BucketEntry describes a bucket in the global summary.
type BucketEntry struct {
	Name             string `json:"name" bson:"name"`
	Location         string `json:"location" bson:"location"`
	IsVersioned      bool   `json:"isVersioned" bson:"isVersioned"`
	OwnerCanonicalID string `json:"ownerCanonicalId" bson:"ownerCanonicalId"`
}

// DataManaged holds current/previous byte totals overall and per location.
type DataManaged struct {
	Total      CurrPrev            `json:"total" bson:"total"`
	ByLocation map[string]CurrPrev `json:"byLocation" bson:"byLocation"`
}

// CurrPrev is a current/non-current byte pair.
type CurrPrev struct {
	Curr int64 `json:"curr" bson:"curr"`
	Prev int64 `json:"prev" bson:"prev"`
}

// Store is the metadata store the scanner reads from and publishes to.
type Store interface {
	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// ListBuckets returns every bucket with its persisted scan state.
	ListBuckets(ctx context.Context) ([]BucketInfo, error)

	// ScanObjects streams the bucket's object records whose last-modified time
	// falls in the window. Returning an error from fn aborts the scan.
	ScanObjects(ctx context.Context, bucket string, w Window, fn func(accounting.RawRecord) error) error

	// ReplicaStatus reports the replica set members. Errors wrap ErrReplicaStatusUnavailable.
	ReplicaStatus(ctx context.Context) (ReplicaSetStatus, error)

	// SaveBucketStates persists checkpoints and tallies in one batched write.
	SaveBucketStates(ctx context.Context, states map[string]BucketState) error

	// DropStaging removes any leftover staging result set.
	DropStaging(ctx context.Context) error

	// WriteStaging bulk-writes documents into a fresh staging result set.
	WriteStaging(ctx context.Context, docs []ResultDocument) error

	// SwapStaging atomically replaces the public result set with the staging one.
	SwapStaging(ctx context.Context) error

	// ReadResult reads one published document. Missing documents return ErrNotFound.
	ReadResult(ctx context.Context, id string) (ResultDocument, error)

	// Close releases the store's resources.
	Close(ctx context.Context) error
}

// DeletionEvent reports that an object record was flagged deleted.
type DeletionEvent struct {
	Bucket string               `json:"bucket"`
	Record accounting.RawRecord `json:"record"`
}

// ChangeFeed produces deletion events.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is a lazy, potentially infinite sequence of deletion events.
type Subscription interface {
	// Next blocks until the next event. Errors are terminal for the subscription.
	Next(ctx context.Context) (DeletionEvent, error)
	Close() error
}
