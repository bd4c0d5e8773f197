package accounting

// VersioningState is a bucket's versioning configuration status.
type VersioningState string

const (
	VersioningDisabled  VersioningState = "Disabled"
	VersioningEnabled   VersioningState = "Enabled"
	VersioningSuspended VersioningState = "Suspended"
)

// Versioned reports whether non-current versions can exist in the bucket.
func (v VersioningState) Versioned() bool {
	return v == VersioningEnabled || v == VersioningSuspended
}

// Capacity is a byte breakdown. Current and NonCurrent include the cold,
// restoring and restored parts, which are also reported on their own.
type Capacity struct {
	Current             int64 `json:"current" bson:"current"`
	NonCurrent          int64 `json:"nonCurrent" bson:"nonCurrent"`
	CurrentCold         int64 `json:"currentCold" bson:"currentCold"`
	NonCurrentCold      int64 `json:"nonCurrentCold" bson:"nonCurrentCold"`
	CurrentRestored     int64 `json:"currentRestored" bson:"currentRestored"`
	CurrentRestoring    int64 `json:"currentRestoring" bson:"currentRestoring"`
	NonCurrentRestored  int64 `json:"nonCurrentRestored" bson:"nonCurrentRestored"`
	NonCurrentRestoring int64 `json:"nonCurrentRestoring" bson:"nonCurrentRestoring"`
}

// ObjectCount is an object-count breakdown with the same dimensions as Capacity.
type ObjectCount struct {
	Capacity     `bson:",inline"`
	DeleteMarker int64 `json:"deleteMarker" bson:"deleteMarker"`
}

// ResourceMetrics is the published accounting of one bucket, location or account.
type ResourceMetrics struct {
	UsedCapacity Capacity    `json:"usedCapacity" bson:"usedCapacity"`
	ObjectCount  ObjectCount `json:"objectCount" bson:"objectCount"`
}

// Add sums another set of metrics into m.
func (m *ResourceMetrics) Add(o ResourceMetrics) {
	m.UsedCapacity.add(o.UsedCapacity)
	m.ObjectCount.Capacity.add(o.ObjectCount.Capacity)
	m.ObjectCount.DeleteMarker += o.ObjectCount.DeleteMarker
}

func (c *Capacity) add(o Capacity) {
	c.Current += o.Current
	c.NonCurrent += o.NonCurrent
	c.CurrentCold += o.CurrentCold
	c.NonCurrentCold += o.NonCurrentCold
	c.CurrentRestored += o.CurrentRestored
	c.CurrentRestoring += o.CurrentRestoring
	c.NonCurrentRestored += o.NonCurrentRestored
	c.NonCurrentRestoring += o.NonCurrentRestoring
}

// Finalize converts raw tier counters into published metrics. Every field of the
// result is >= 0.
func Finalize(tc *TierCounters, versioning VersioningState) ResourceMetrics {
	var m ResourceMetrics
	if tc == nil {
		return m
	}
	versioned := versioning.Versioned()
	for tier := TierHot; tier < numTiers; tier++ {
		c := tc[tier]
		curBytes := clamp0(c.MasterBytes + c.NullBytes)
		curCount := clamp0(c.MasterCount + c.NullCount)
		var prevBytes, prevCount int64
		if versioned {
			prevBytes = clamp0(c.VersionBytes - c.MasterBytes)
			// delete markers are subtracted from the count but carry no bytes
			prevCount = clamp0(c.VersionCount - c.MasterCount - c.DeleteMarkerCount)
		}

		m.UsedCapacity.Current += curBytes
		m.UsedCapacity.NonCurrent += prevBytes
		m.ObjectCount.Current += curCount
		m.ObjectCount.NonCurrent += prevCount
		m.ObjectCount.DeleteMarker += clamp0(c.DeleteMarkerCount)

		switch tier {
		case TierCold:
			m.UsedCapacity.CurrentCold += curBytes
			m.UsedCapacity.NonCurrentCold += prevBytes
			m.ObjectCount.CurrentCold += curCount
			m.ObjectCount.NonCurrentCold += prevCount
		case TierRestoring:
			m.UsedCapacity.CurrentRestoring += curBytes
			m.UsedCapacity.NonCurrentRestoring += prevBytes
			m.ObjectCount.CurrentRestoring += curCount
			m.ObjectCount.NonCurrentRestoring += prevCount
		case TierRestored:
			m.UsedCapacity.CurrentRestored += curBytes
			m.UsedCapacity.NonCurrentRestored += prevBytes
			m.ObjectCount.CurrentRestored += curCount
			m.ObjectCount.NonCurrentRestored += prevCount
		}
	}
	return m
}

func clamp0(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
