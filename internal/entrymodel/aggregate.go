package entrymodel

// TimestampRecord stores a single u64-millisecond timestamp, e.g. LAST_UP or
// LAST_TIMESTAMP.
type TimestampRecord struct {
	Millis int64
}

// TotalOnlineRecord stores a running scalar count, e.g. UP_COUNT.
type TotalOnlineRecord struct {
	Count uint32
}

// UpCounts is the node-only running aggregate maintained per bucket and as a
// global scalar. Version holds a histogram keyed by the short version
// string derived from NodeResult.Version().
type UpCounts struct {
	Total     uint32
	SPV       uint32
	Compacted uint32
	Pruned    uint32
	CanSync   uint32
	Version   map[string]uint32
}

// NewUpCounts returns a zeroed UpCounts with an initialized version map.
func NewUpCounts() UpCounts {
	return UpCounts{Version: map[string]uint32{}}
}

// Clone returns a deep copy so callers may mutate it without aliasing the
// stored record.
func (u UpCounts) Clone() UpCounts {
	out := u
	out.Version = make(map[string]uint32, len(u.Version))
	for k, v := range u.Version {
		out.Version[k] = v
	}
	return out
}

// Add folds one successful NodeEntry into the aggregate.
func (u *UpCounts) Add(r *NodeResult) {
	u.Total++
	if r.HasBloom() {
		u.SPV++
	}
	if r.TreeCompacted {
		u.Compacted++
	}
	if r.Pruned {
		u.Pruned++
	}
	if r.CanSync() {
		u.CanSync++
	}
	if u.Version == nil {
		u.Version = map[string]uint32{}
	}
	u.Version[r.Version()]++
}

// Sub is the inverse of Add. It is the caller's responsibility to ensure
// the prior successful observation was previously folded in via Add —
// callers should treat an underflow as a recoverable anomaly, not a panic.
func (u *UpCounts) Sub(r *NodeResult) {
	if u.Total > 0 {
		u.Total--
	}
	if r.HasBloom() && u.SPV > 0 {
		u.SPV--
	}
	if r.TreeCompacted && u.Compacted > 0 {
		u.Compacted--
	}
	if r.Pruned && u.Pruned > 0 {
		u.Pruned--
	}
	if r.CanSync() && u.CanSync > 0 {
		u.CanSync--
	}
	if u.Version == nil {
		return
	}
	v := r.Version()
	if u.Version[v] > 0 {
		u.Version[v]--
		if u.Version[v] == 0 {
			delete(u.Version, v)
		}
	}
}

// DNSBucketStatus is the per-host, per-bucket DNS aggregate.
type DNSBucketStatus struct {
	Up    uint32
	Total uint32
}

// Percentage returns up/total, or -1 when the bucket has no observations.
func (b DNSBucketStatus) Percentage() float64 {
	if b.Total == 0 {
		return -1
	}
	return float64(b.Up) / float64(b.Total)
}

// Add folds one DNS entry into the bucket.
func (b *DNSBucketStatus) Add(successful bool) {
	b.Total++
	if successful {
		b.Up++
	}
}

// NodeBucketStatus extends UpCounts with the bucket's own up/total scalars.
type NodeBucketStatus struct {
	UpCounts
	Up    uint32
	Total uint32
}

// Percentage returns up/total, or -1 when the bucket has no observations.
func (b NodeBucketStatus) Percentage() float64 {
	if b.Total == 0 {
		return -1
	}
	return float64(b.Up) / float64(b.Total)
}

// Clone returns a deep copy.
func (b NodeBucketStatus) Clone() NodeBucketStatus {
	return NodeBucketStatus{UpCounts: b.UpCounts.Clone(), Up: b.Up, Total: b.Total}
}

// Add folds one node entry into the bucket: failed entries only increment
// Total; successful ones also increment Up and fold into UpCounts.
func (b *NodeBucketStatus) Add(entry *NodeEntry) {
	b.Total++
	if entry.IsSuccessful() {
		b.Up++
		b.UpCounts.Add(entry.Result)
	}
}
