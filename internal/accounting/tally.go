package accounting

// Counters are the raw sums for one role breakdown.
// Version sums include the version record of the current object, so the master
// sums have to be subtracted back out at finalize time.
type Counters struct {
	MasterBytes       int64 `json:"masterBytes" bson:"masterBytes"`
	MasterCount       int64 `json:"masterCount" bson:"masterCount"`
	NullBytes         int64 `json:"nullBytes" bson:"nullBytes"`
	NullCount         int64 `json:"nullCount" bson:"nullCount"`
	VersionBytes      int64 `json:"versionBytes" bson:"versionBytes"`
	VersionCount      int64 `json:"versionCount" bson:"versionCount"`
	DeleteMarkerCount int64 `json:"deleteMarkerCount" bson:"deleteMarkerCount"`
}

// add applies one record with the given sign.
func (c *Counters) add(role Role, bytes, sign int64) {
	switch role {
	case RoleMaster:
		c.MasterBytes += sign * bytes
		c.MasterCount += sign
	case RoleNull:
		c.NullBytes += sign * bytes
		c.NullCount += sign
	case RoleVersion:
		c.VersionBytes += sign * bytes
		c.VersionCount += sign
	case RoleDeleteMarker:
		// a delete marker is also a version entry of its object
		c.VersionCount += sign
		c.DeleteMarkerCount += sign
	}
	if sign < 0 {
		c.floor()
	}
}

func (c *Counters) merge(o Counters) {
	c.MasterBytes += o.MasterBytes
	c.MasterCount += o.MasterCount
	c.NullBytes += o.NullBytes
	c.NullCount += o.NullCount
	c.VersionBytes += o.VersionBytes
	c.VersionCount += o.VersionCount
	c.DeleteMarkerCount += o.DeleteMarkerCount
}

func (c *Counters) floor() {
	for _, v := range []*int64{
		&c.MasterBytes, &c.MasterCount, &c.NullBytes, &c.NullCount,
		&c.VersionBytes, &c.VersionCount, &c.DeleteMarkerCount,
	} {
		if *v < 0 {
			*v = 0
		}
	}
}

// IsZero reports whether nothing was accumulated.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// TierCounters splits Counters by storage tier, indexed by Tier.
type TierCounters [numTiers]Counters

// IsZero reports whether every tier is empty.
func (tc *TierCounters) IsZero() bool {
	for _, c := range tc {
		if !c.IsZero() {
			return false
		}
	}
	return true
}

func (tc *TierCounters) merge(o *TierCounters) {
	for i := range tc {
		tc[i].merge(o[i])
	}
}

// ResourceTally accumulates one bucket's records over one or more scan windows.
// Total counts each record once; Locations credits each attributed location.
type ResourceTally struct {
	Total     TierCounters             `json:"total" bson:"total"`
	Locations map[string]*TierCounters `json:"locations,omitempty" bson:"locations,omitempty"`
	Stalled   int64                    `json:"stalled" bson:"stalled"`
}

// NewResourceTally returns an empty tally.
func NewResourceTally() *ResourceTally {
	return &ResourceTally{Locations: make(map[string]*TierCounters)}
}

// Accumulate adds a record's attributions.
func (t *ResourceTally) Accumulate(attr Attribution) {
	t.apply(attr, 1)
	if attr.Stalled {
		t.Stalled++
	}
}

// Subtract removes a record's attributions, flooring every field at zero.
func (t *ResourceTally) Subtract(attr Attribution) {
	t.apply(attr, -1)
	if attr.Stalled && t.Stalled > 0 {
		t.Stalled--
	}
}

func (t *ResourceTally) apply(attr Attribution, sign int64) {
	if attr.Skip {
		return
	}
	if t.Locations == nil {
		t.Locations = make(map[string]*TierCounters)
	}
	t.Total[attr.Tier].add(attr.Role, attr.Bytes, sign)
	for _, tu := range attr.Tuples {
		lt, ok := t.Locations[tu.Location]
		if !ok {
			if sign < 0 {
				continue
			}
			lt = &TierCounters{}
			t.Locations[tu.Location] = lt
		}
		lt[tu.Tier].add(tu.Role, tu.Bytes, sign)
	}
}

// Merge adds another tally, typically the delta of an incremental window.
func (t *ResourceTally) Merge(o *ResourceTally) {
	if o == nil {
		return
	}
	if t.Locations == nil {
		t.Locations = make(map[string]*TierCounters)
	}
	t.Total.merge(&o.Total)
	for loc, oc := range o.Locations {
		lt, ok := t.Locations[loc]
		if !ok {
			lt = &TierCounters{}
			t.Locations[loc] = lt
		}
		lt.merge(oc)
	}
	t.Stalled += o.Stalled
}

// Clone returns a deep copy.
func (t *ResourceTally) Clone() *ResourceTally {
	c := NewResourceTally()
	c.Merge(t)
	return c
}
