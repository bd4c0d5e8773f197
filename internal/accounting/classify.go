package accounting

import "time"

// Role is the lifecycle role of a record.
type Role int

const (
	RoleMaster Role = iota
	RoleNull
	RoleVersion
	RoleDeleteMarker
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleNull:
		return "null"
	case RoleVersion:
		return "version"
	case RoleDeleteMarker:
		return "deleteMarker"
	default:
		return "unknown"
	}
}

// Tier is the storage tier an attribution lands in.
type Tier int

const (
	TierHot Tier = iota
	TierCold
	TierRestoring
	TierRestored

	numTiers
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierCold:
		return "cold"
	case TierRestoring:
		return "restoring"
	case TierRestored:
		return "restored"
	default:
		return "unknown"
	}
}

// AttributionTuple credits bytes of one record to one location.
type AttributionTuple struct {
	Location string
	Role     Role
	Tier     Tier
	Bytes    int64
}

// Attribution is the classification of one record. The bucket-level role, tier and
// size count the record once; Tuples may credit it to several locations.
type Attribution struct {
	Skip    bool // record contributes nothing
	Role    Role
	Tier    Tier
	Bytes   int64
	Tuples  []AttributionTuple
	Stalled bool
}

// ClassifyOptions carries the bucket context a record is classified in.
type ClassifyOptions struct {
	// Horizon is the instant restore windows are evaluated at.
	Horizon time.Time
	// Transient is true when the bucket's location only holds data until replicated.
	Transient bool
	// Locations resolves location names; nil keeps names as-is.
	Locations Locations
	// StalledAfter flags pending replication older than Horizon-StalledAfter.
	// Zero disables stall detection.
	StalledAfter time.Duration
}

// Classify maps a validated record to its attributions.
func Classify(rec ObjectRecord, opts ClassifyOptions) Attribution {
	role, ok := roleOf(rec)
	if rec.IsPlaceholder || !ok {
		return Attribution{Skip: true}
	}

	attr := Attribution{Role: role, Bytes: rec.Size}

	primary, tier, ok := primaryLocation(rec, opts)
	attr.Tier = tier
	if ok {
		attr.addTuple(opts.Locations, primary, role, tier, rec.Size)
	}
	for _, b := range rec.Replication.Backends {
		if b.Status == ReplicationCompleted {
			attr.addTuple(opts.Locations, b.Site, role, TierHot, rec.Size)
		}
	}

	if opts.StalledAfter > 0 && rec.IsVersionKey() && len(rec.Replication.Backends) > 0 &&
		rec.Replication.Status == ReplicationPending &&
		!rec.LastModified.IsZero() && rec.LastModified.Before(opts.Horizon.Add(-opts.StalledAfter)) {
		attr.Stalled = true
	}
	return attr
}

func (a *Attribution) addTuple(locs Locations, name string, role Role, tier Tier, size int64) {
	key, ok := locs.Resolve(name)
	if !ok {
		return
	}
	for i := range a.Tuples {
		if a.Tuples[i].Location == key && a.Tuples[i].Tier == tier {
			// the same physical location is credited once per record
			return
		}
	}
	a.Tuples = append(a.Tuples, AttributionTuple{Location: key, Role: role, Tier: tier, Bytes: size})
}

// roleOf decides the lifecycle role. Delete markers are accounted through their
// version record only; the master pointer of a deleted object holds no data.
func roleOf(rec ObjectRecord) (Role, bool) {
	switch {
	case rec.IsDeleteMarker && rec.IsVersionKey():
		return RoleDeleteMarker, true
	case rec.IsDeleteMarker:
		return 0, false
	case rec.IsVersionKey():
		return RoleVersion, true
	case rec.VersionID != "" && !rec.IsNull:
		return RoleMaster, true
	default:
		return RoleNull, true
	}
}

// primaryLocation applies the archive routing table.
func primaryLocation(rec ObjectRecord, opts ClassifyOptions) (string, Tier, bool) {
	if a := rec.Archive; a != nil {
		restored := a.RestoreCompletedAt != nil && a.RestoreWillExpireAt != nil &&
			!a.RestoreCompletedAt.After(opts.Horizon) && opts.Horizon.Before(*a.RestoreWillExpireAt)
		if restored && rec.StorageClass != "" && rec.StorageClass != rec.DataStoreName {
			return rec.StorageClass, TierRestored, true
		}
		if a.RestoreRequestedAt != nil && a.RestoreCompletedAt == nil {
			return rec.DataStoreName, TierRestoring, true
		}
		return rec.DataStoreName, TierCold, true
	}
	if !opts.Transient || !rec.Replication.Complete() {
		return rec.DataStoreName, TierHot, true
	}
	return "", TierHot, false
}
