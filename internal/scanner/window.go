// Package scanner drives incremental accounting rounds over the metadata store:
// it keeps the bucket pool, scans each bucket's window of new records, corrects
// tallies for racing deletions and publishes the results.
package scanner

import (
	"time"

	"github.com/tunnelmesh/countitems/internal/metastore"
)

// ReplicaHorizon returns the instant up to which the replica being read is known
// to be complete: its last applied operation minus the lag buffer, never later
// than the wall clock minus the lag. ok is false when the status has no usable
// self member.
func ReplicaHorizon(now time.Time, lag time.Duration, status metastore.ReplicaSetStatus) (time.Time, bool) {
	wall := now.Add(-lag)
	observed, found := status.Observed()
	if !found || observed.OptimeDate.IsZero() {
		return wall, false
	}
	horizon := observed.OptimeDate.Add(-lag)
	if horizon.After(wall) {
		horizon = wall
	}
	return horizon.UTC(), true
}

// ComputeWindow returns the scan window of a bucket for the given horizon.
// Buckets without a checkpoint, or flagged for a full rescan, are scanned from the
// beginning of time. The upper bound never moves below the checkpoint so the
// checkpoint stays monotonic.
func ComputeWindow(checkpoint *time.Time, fullRescan bool, horizon time.Time) metastore.Window {
	w := metastore.Window{Upper: horizon.UTC()}
	if checkpoint != nil && w.Upper.Before(*checkpoint) {
		w.Upper = checkpoint.UTC()
	}
	if checkpoint != nil && !fullRescan {
		lower := checkpoint.UTC()
		w.Lower = &lower
	}
	return w
}
