// Package accounting turns raw object metadata into capacity and object-count metrics.
//
// The package is pure: nothing here touches a store or the network. A scan feeds
// records through ParseRecord and Classify, accumulates the attributions into a
// ResourceTally and calls Finalize to obtain the published ResourceMetrics.
package accounting

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// VersionSeparator splits an object key from its version id in version records.
const VersionSeparator = "\x00"

// Replication statuses as stored in object metadata.
const (
	ReplicationCompleted = "COMPLETED"
	ReplicationPending   = "PENDING"
	ReplicationFailed    = "FAILED"
)

// ErrInvalidRecord is matched by every *InvalidRecordError.
var ErrInvalidRecord = errors.New("invalid object record")

// InvalidRecordError reports a record whose contribution must be dropped.
type InvalidRecordError struct {
	Key    string
	Field  string
	Reason string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid object record %q: %s: %s", e.Key, e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidRecord) succeed.
func (e *InvalidRecordError) Is(target error) bool {
	return target == ErrInvalidRecord
}

// RawRecord is an object metadata document as read from the metadata store.
// Field names follow the stored document shape; values are loosely typed.
type RawRecord struct {
	Key   string   `json:"_id" bson:"_id"`
	Value RawValue `json:"value" bson:"value"`
}

// RawValue holds the subset of object metadata the accounting needs.
type RawValue struct {
	LastModified    any                 `json:"last-modified,omitempty" bson:"last-modified,omitempty"`
	ContentLength   any                 `json:"content-length,omitempty" bson:"content-length,omitempty"`
	DataStoreName   string              `json:"dataStoreName,omitempty" bson:"dataStoreName,omitempty"`
	OwnerID         string              `json:"owner-id,omitempty" bson:"owner-id,omitempty"`
	VersionID       string              `json:"versionId,omitempty" bson:"versionId,omitempty"`
	IsNull          bool                `json:"isNull,omitempty" bson:"isNull,omitempty"`
	IsDeleteMarker  bool                `json:"isDeleteMarker,omitempty" bson:"isDeleteMarker,omitempty"`
	IsPHD           bool                `json:"isPHD,omitempty" bson:"isPHD,omitempty"`
	Deleted         bool                `json:"deleted,omitempty" bson:"deleted,omitempty"`
	StorageClass    string              `json:"x-amz-storage-class,omitempty" bson:"x-amz-storage-class,omitempty"`
	ReplicationInfo *RawReplicationInfo `json:"replicationInfo,omitempty" bson:"replicationInfo,omitempty"`
	Archive         *RawArchive         `json:"archive,omitempty" bson:"archive,omitempty"`
}

// RawReplicationInfo is the stored replication state of an object.
type RawReplicationInfo struct {
	Status   string              `json:"status,omitempty" bson:"status,omitempty"`
	Backends []RawReplicaBackend `json:"backends,omitempty" bson:"backends,omitempty"`
}

// RawReplicaBackend is one replication destination.
type RawReplicaBackend struct {
	Site   string `json:"site" bson:"site"`
	Status string `json:"status" bson:"status"`
}

// RawArchive is the stored cold-tier state of an object.
type RawArchive struct {
	RestoreRequestedAt  any `json:"restoreRequestedAt,omitempty" bson:"restoreRequestedAt,omitempty"`
	RestoreCompletedAt  any `json:"restoreCompletedAt,omitempty" bson:"restoreCompletedAt,omitempty"`
	RestoreWillExpireAt any `json:"restoreWillExpireAt,omitempty" bson:"restoreWillExpireAt,omitempty"`
}

// ReplicaBackend is a validated replication destination.
type ReplicaBackend struct {
	Site   string
	Status string
}

// ReplicationInfo is the validated replication state of a record.
type ReplicationInfo struct {
	Status   string
	Backends []ReplicaBackend
}

// Complete reports whether the object reached every declared destination.
func (ri ReplicationInfo) Complete() bool {
	if ri.Status == ReplicationCompleted {
		return true
	}
	if len(ri.Backends) == 0 {
		return false
	}
	for _, b := range ri.Backends {
		if b.Status != ReplicationCompleted {
			return false
		}
	}
	return true
}

// ArchiveState is the validated cold-tier state. Nil times mean "not set".
type ArchiveState struct {
	RestoreRequestedAt  *time.Time
	RestoreCompletedAt  *time.Time
	RestoreWillExpireAt *time.Time
}

// ObjectRecord is a validated object metadata record.
type ObjectRecord struct {
	Key            string
	VersionSuffix  string // version id taken from the key, empty for master records
	VersionID      string // version id stored in the metadata
	Size           int64
	DataStoreName  string
	OwnerID        string
	Replication    ReplicationInfo
	Archive        *ArchiveState
	StorageClass   string
	IsNull         bool
	IsDeleteMarker bool
	IsPlaceholder  bool
	Deleted        bool
	LastModified   time.Time
}

// IsVersionKey reports whether the record is stored under a versioned key.
func (r *ObjectRecord) IsVersionKey() bool {
	return r.VersionSuffix != ""
}

// ParseRecord validates a raw document. Placeholders are returned without size
// validation since they never contribute.
func ParseRecord(raw RawRecord) (ObjectRecord, error) {
	rec := ObjectRecord{
		Key:            raw.Key,
		VersionID:      raw.Value.VersionID,
		DataStoreName:  raw.Value.DataStoreName,
		OwnerID:        raw.Value.OwnerID,
		StorageClass:   raw.Value.StorageClass,
		IsNull:         raw.Value.IsNull,
		IsDeleteMarker: raw.Value.IsDeleteMarker,
		IsPlaceholder:  raw.Value.IsPHD,
		Deleted:        raw.Value.Deleted,
	}
	if idx := strings.Index(raw.Key, VersionSeparator); idx >= 0 {
		rec.Key = raw.Key[:idx]
		rec.VersionSuffix = raw.Key[idx+len(VersionSeparator):]
	}
	if rec.IsPlaceholder {
		return rec, nil
	}

	size, err := parseSize(raw.Value.ContentLength)
	if err != nil {
		return ObjectRecord{}, &InvalidRecordError{Key: raw.Key, Field: "content-length", Reason: err.Error()}
	}
	rec.Size = size

	if raw.Value.LastModified != nil {
		lm, err := parseTime(raw.Value.LastModified)
		if err != nil {
			return ObjectRecord{}, &InvalidRecordError{Key: raw.Key, Field: "last-modified", Reason: err.Error()}
		}
		rec.LastModified = lm
	}

	if ri := raw.Value.ReplicationInfo; ri != nil {
		rec.Replication.Status = ri.Status
		for _, b := range ri.Backends {
			rec.Replication.Backends = append(rec.Replication.Backends, ReplicaBackend(b))
		}
	}

	if a := raw.Value.Archive; a != nil {
		archive := &ArchiveState{}
		fields := []struct {
			name string
			src  any
			dst  **time.Time
		}{
			{"archive.restoreRequestedAt", a.RestoreRequestedAt, &archive.RestoreRequestedAt},
			{"archive.restoreCompletedAt", a.RestoreCompletedAt, &archive.RestoreCompletedAt},
			{"archive.restoreWillExpireAt", a.RestoreWillExpireAt, &archive.RestoreWillExpireAt},
		}
		for _, f := range fields {
			if f.src == nil {
				continue
			}
			t, err := parseTime(f.src)
			if err != nil {
				return ObjectRecord{}, &InvalidRecordError{Key: raw.Key, Field: f.name, Reason: err.Error()}
			}
			*f.dst = &t
		}
		rec.Archive = archive
	}

	return rec, nil
}

func parseSize(v any) (int64, error) {
	var size int64
	switch n := v.(type) {
	case nil:
		return 0, errors.New("missing")
	case int:
		size = int64(n)
	case int32:
		size = int64(n)
	case int64:
		size = n
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		size = int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", n.String())
		}
		size = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", n)
		}
		size = i
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if size < 0 {
		return 0, fmt.Errorf("negative: %d", size)
	}
	return size, nil
}

// timeValuer matches driver date types such as BSON datetimes.
type timeValuer interface {
	Time() time.Time
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case *time.Time:
		if t == nil {
			return time.Time{}, errors.New("nil time")
		}
		return t.UTC(), nil
	case timeValuer:
		return t.Time().UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("not a timestamp: %q", t)
		}
		return parsed.UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("not a timestamp: %q", t.String())
		}
		return time.UnixMilli(ms).UTC(), nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
}

// ParseTimestamp parses a stored timestamp in any of the shapes ParseRecord accepts.
func ParseTimestamp(v any) (time.Time, error) {
	return parseTime(v)
}
