// Package nodeindex implements the peer reachability indexer: per-host
// last-status/last-up, hourly/daily NodeBucketStatus aggregates, a global
// UpCounts time series, and the virtual-entry promotion that folds
// per-bucket majorities into that global series. See spec §4.9.
package nodeindex

import (
	"encoding/json"
	"fmt"
	"log"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/orbitwatch/pulse/internal/entrymodel"
	"github.com/orbitwatch/pulse/internal/statusdb"
)

const (
	// DefaultOnlinePercentile is the threshold a bucket's up/total ratio
	// must meet to count the bucket as "up".
	DefaultOnlinePercentile = 0.90
	// DefaultFeaturePercentile is the threshold a bucket's feature-bit
	// fraction must exceed for a virtual entry to carry that bit.
	DefaultFeaturePercentile = 0.50
)

// Config controls indexer thresholds and optional caching, from spec §6.
type Config struct {
	OnlinePercentile  float64
	FeaturePercentile float64
	// CacheSize, when > 0, enables the optional LRU caches described in
	// §4.9's "Caches" paragraph, each sized to hold this many entries.
	CacheSize int
	// Clock returns the current wall-clock time in ms, used for the
	// recency gates. Defaults to entrymodel.NowMillis.
	Clock func() int64
}

func (c Config) withDefaults() Config {
	if c.OnlinePercentile == 0 {
		c.OnlinePercentile = DefaultOnlinePercentile
	}
	if c.FeaturePercentile == 0 {
		c.FeaturePercentile = DefaultFeaturePercentile
	}
	if c.Clock == nil {
		c.Clock = entrymodel.NowMillis
	}
	return c
}

const bucket = statusdb.BucketNode

// Indexer maintains the Node StatusDB namespace (bucket 0x21).
type Indexer struct {
	db  *statusdb.Store
	cfg Config

	lastUpCache  *lru.Cache[string, int64]
	isUpCache    *lru.Cache[string, bool]
	hourBucketCache *lru.Cache[string, entrymodel.NodeBucketStatus]
	dayBucketCache  *lru.Cache[string, entrymodel.NodeBucketStatus]
	hourGlobalCache *lru.Cache[int64, entrymodel.UpCounts]
	dayGlobalCache  *lru.Cache[int64, entrymodel.UpCounts]
}

// New returns an Indexer backed by db. Caching is enabled when
// cfg.CacheSize > 0.
func New(db *statusdb.Store, cfg Config) (*Indexer, error) {
	cfg = cfg.withDefaults()
	x := &Indexer{db: db, cfg: cfg}
	if cfg.CacheSize > 0 {
		var err error
		if x.lastUpCache, err = lru.New[string, int64](cfg.CacheSize); err != nil {
			return nil, fmt.Errorf("nodeindex: last-up cache: %w", err)
		}
		if x.isUpCache, err = lru.New[string, bool](cfg.CacheSize); err != nil {
			return nil, fmt.Errorf("nodeindex: is-up cache: %w", err)
		}
		if x.hourBucketCache, err = lru.New[string, entrymodel.NodeBucketStatus](cfg.CacheSize); err != nil {
			return nil, fmt.Errorf("nodeindex: hour bucket cache: %w", err)
		}
		if x.dayBucketCache, err = lru.New[string, entrymodel.NodeBucketStatus](cfg.CacheSize); err != nil {
			return nil, fmt.Errorf("nodeindex: day bucket cache: %w", err)
		}
		if x.hourGlobalCache, err = lru.New[int64, entrymodel.UpCounts](cfg.CacheSize); err != nil {
			return nil, fmt.Errorf("nodeindex: hour global cache: %w", err)
		}
		if x.dayGlobalCache, err = lru.New[int64, entrymodel.UpCounts](cfg.CacheSize); err != nil {
			return nil, fmt.Errorf("nodeindex: day global cache: %w", err)
		}
	}
	return x, nil
}

func bucketCacheKey(host []byte, ts int64) string {
	return fmt.Sprintf("%x:%d", host, ts)
}

// Index performs the atomic batch described in spec §4.9, layered over the
// DNS-shared structure from §4.8: LAST_* rows and daily buckets are always
// folded in; UP_COUNTS/UP (and, by the same "recent status" concern,
// STATUS_10_BY_HOST) are gated to entries newer than one day; hourly
// buckets are gated to entries newer than two weeks. This bounds index
// work during cold-start replay of old logs.
func (x *Indexer) Index(entry *entrymodel.NodeEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	host := entry.IndexKey()

	now := x.cfg.Clock()
	dayAgo := now - entrymodel.Day
	weeksAgo2 := now - 2*entrymodel.Week

	prevStatus, havePrev, err := x.getLastStatus(host)
	if err != nil {
		return err
	}
	wasUp, err := x.isUp(host)
	if err != nil {
		return err
	}
	nowUp := entry.IsSuccessful()

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("nodeindex: marshal entry: %w", err)
	}

	b := x.db.NewBatch()
	b.Put(statusdb.KeyLastTimestamp(bucket), encodeI64(entry.LogTimestamp))
	if nowUp {
		b.Put(statusdb.KeyLastUp(bucket, host), encodeI64(entry.Time))
	}
	b.Put(statusdb.KeyLastStatus(bucket, host), entryJSON)

	recentGate := entry.LogTimestamp > dayAgo
	hourlyGate := entry.LogTimestamp > weeksAgo2

	var globalUpCounts entrymodel.UpCounts
	var haveGlobal bool
	if recentGate {
		b.Put(statusdb.KeyStatusByHost(bucket, statusdb.TagStatus10ByHost, host, entrymodel.FloorMillis(entry.Time, entrymodel.Minute*10)), entryJSON)

		if nowUp {
			b.Put(statusdb.KeyUpMarker(bucket, host), []byte{})
		} else if entry.IsFailed() {
			b.Del(statusdb.KeyUpMarker(bucket, host))
		}

		globalUpCounts, haveGlobal, err = x.getGlobalUpCounts()
		if err != nil {
			return err
		}
		if !haveGlobal {
			globalUpCounts = entrymodel.NewUpCounts()
		}
		if wasUp {
			if havePrev && prevStatus.Result != nil {
				globalUpCounts.Sub(prevStatus.Result)
			} else {
				log.Printf("nodeindex: anomaly: %s marked up but no prior successful result to subtract", entry.HostPort())
			}
		}
		if nowUp {
			globalUpCounts.Add(entry.Result)
		}
		raw, merr := json.Marshal(globalUpCounts)
		if merr != nil {
			return fmt.Errorf("nodeindex: marshal global up-counts: %w", merr)
		}
		b.Put(statusdb.KeyUpCount(bucket), raw)
	}

	day := entrymodel.FloorMillis(entry.Time, entrymodel.Day)
	dayStatus, err := x.getBucketStatus(x.dayBucketCache, statusdb.TagStatusDayByHost, host, day)
	if err != nil {
		return err
	}
	dayBefore := dayStatus
	dayStatus.Add(entry)
	if err := x.putBucketStatus(b, statusdb.TagStatusDayByHost, host, day, dayStatus); err != nil {
		return err
	}

	dayGlobal, err := x.foldVirtualEntry(b, statusdb.TagUpCountDay, x.dayGlobalCache, day, dayBefore, dayStatus, entry)
	if err != nil {
		return err
	}

	var hour int64
	var hourStatus entrymodel.NodeBucketStatus
	var hourGlobal entrymodel.UpCounts
	if hourlyGate {
		hour = entrymodel.FloorMillis(entry.Time, entrymodel.Hour)
		hourStatus, err = x.getBucketStatus(x.hourBucketCache, statusdb.TagStatusHourByHost, host, hour)
		if err != nil {
			return err
		}
		hourBefore := hourStatus
		hourStatus.Add(entry)
		if err := x.putBucketStatus(b, statusdb.TagStatusHourByHost, host, hour, hourStatus); err != nil {
			return err
		}

		hourGlobal, err = x.foldVirtualEntry(b, statusdb.TagUpCountHour, x.hourGlobalCache, hour, hourBefore, hourStatus, entry)
		if err != nil {
			return err
		}
	}

	if err := b.Commit(); err != nil {
		return err
	}

	// Caches are written after commit, and LAST_UP strictly after the
	// pre-batch wasUp/prevStatus reads above, per §4.9's coherence rule.
	// This applies to every cache the batch above touched, not just
	// isUpCache/lastUpCache: a failed Commit must leave every cache exactly
	// as it was before Index was called.
	if recentGate && x.isUpCache != nil {
		x.isUpCache.Add(string(host), nowUp || (wasUp && !entry.IsFailed()))
	}
	if nowUp && x.lastUpCache != nil {
		x.lastUpCache.Add(string(host), entry.Time)
	}
	if x.dayBucketCache != nil {
		x.dayBucketCache.Add(bucketCacheKey(host, day), dayStatus.Clone())
	}
	if x.dayGlobalCache != nil {
		x.dayGlobalCache.Add(day, dayGlobal)
	}
	if hourlyGate {
		if x.hourBucketCache != nil {
			x.hourBucketCache.Add(bucketCacheKey(host, hour), hourStatus.Clone())
		}
		if x.hourGlobalCache != nil {
			x.hourGlobalCache.Add(hour, hourGlobal)
		}
	}
	return nil
}

// foldVirtualEntry derives the bucket's virtual entry before and after this
// observation and folds the delta into the bucket-ts-keyed global UpCounts
// series, per §4.9's virtual-entry promotion. It queues the batch Put and
// returns the computed value; the caller caches it only after the batch
// commits successfully.
func (x *Indexer) foldVirtualEntry(b *statusdb.Batch, tag byte, cache *lru.Cache[int64, entrymodel.UpCounts], ts int64, before, after entrymodel.NodeBucketStatus, entry *entrymodel.NodeEntry) (entrymodel.UpCounts, error) {
	oldSuccessful, oldResult := virtualEntry(before, entry, x.cfg.OnlinePercentile, x.cfg.FeaturePercentile)
	newSuccessful, newResult := virtualEntry(after, entry, x.cfg.OnlinePercentile, x.cfg.FeaturePercentile)

	global, ok, err := x.getGlobalUpCountsBucket(cache, tag, ts)
	if err != nil {
		return entrymodel.UpCounts{}, err
	}
	if !ok {
		global = entrymodel.NewUpCounts()
	}
	if oldSuccessful {
		global.Sub(oldResult)
	}
	if newSuccessful {
		global.Add(newResult)
	}

	raw, err := json.Marshal(global)
	if err != nil {
		return entrymodel.UpCounts{}, fmt.Errorf("nodeindex: marshal bucket up-counts: %w", err)
	}
	b.Put(statusdb.KeyUpCountBucket(bucket, tag, ts), raw)
	return global, nil
}

// virtualEntry synthesises the majority-vote observation for a bucket, per
// §4.9: success iff the bucket's percentage meets onlinePercentile; each
// feature bit is set iff its fraction of the bucket exceeds
// featurePercentile; agent names the mode of the version histogram.
func virtualEntry(status entrymodel.NodeBucketStatus, current *entrymodel.NodeEntry, onlinePercentile, featurePercentile float64) (successful bool, result *entrymodel.NodeResult) {
	if status.Total == 0 {
		return false, nil
	}
	successful = status.Percentage() >= onlinePercentile
	if !successful {
		return false, nil
	}

	frac := func(n uint32) float64 { return float64(n) / float64(status.Total) }

	r := &entrymodel.NodeResult{}
	if frac(status.CanSync) > featurePercentile {
		r.Services |= entrymodel.ServiceNetwork
	} else {
		r.NoRelay = true
	}
	if frac(status.SPV) > featurePercentile {
		r.Services |= entrymodel.ServiceBloom
	}
	if frac(status.Compacted) > featurePercentile {
		r.TreeCompacted = true
	}
	if frac(status.Pruned) > featurePercentile {
		r.Pruned = true
	}
	r.Agent = fmt.Sprintf("/hsd:%s/", topVersion(status.Version))
	if current.Result != nil {
		r.PeerVersion = current.Result.PeerVersion
		r.Height = current.Result.Height
	}
	return true, r
}

func topVersion(histogram map[string]uint32) string {
	var best string
	var bestCount uint32
	for v, c := range histogram {
		if c > bestCount || (c == bestCount && v < best) {
			best, bestCount = v, c
		}
	}
	if best == "" {
		return "other"
	}
	return best
}

func (x *Indexer) getLastStatus(host []byte) (*entrymodel.NodeEntry, bool, error) {
	v, ok, err := x.db.Get(statusdb.KeyLastStatus(bucket, host))
	if err != nil || !ok {
		return nil, false, err
	}
	var e entrymodel.NodeEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, false, fmt.Errorf("nodeindex: unmarshal last status: %w", err)
	}
	return &e, true, nil
}

func (x *Indexer) isUp(host []byte) (bool, error) {
	if x.isUpCache != nil {
		if v, ok := x.isUpCache.Get(string(host)); ok {
			return v, nil
		}
	}
	return x.db.Has(statusdb.KeyUpMarker(bucket, host))
}

func (x *Indexer) getGlobalUpCounts() (entrymodel.UpCounts, bool, error) {
	v, ok, err := x.db.Get(statusdb.KeyUpCount(bucket))
	if err != nil || !ok {
		return entrymodel.UpCounts{}, false, err
	}
	var u entrymodel.UpCounts
	if err := json.Unmarshal(v, &u); err != nil {
		return entrymodel.UpCounts{}, false, fmt.Errorf("nodeindex: unmarshal global up-counts: %w", err)
	}
	return u, true, nil
}

func (x *Indexer) getGlobalUpCountsBucket(cache *lru.Cache[int64, entrymodel.UpCounts], tag byte, ts int64) (entrymodel.UpCounts, bool, error) {
	if cache != nil {
		if v, ok := cache.Get(ts); ok {
			return v, true, nil
		}
	}
	v, ok, err := x.db.Get(statusdb.KeyUpCountBucket(bucket, tag, ts))
	if err != nil || !ok {
		return entrymodel.UpCounts{}, false, err
	}
	var u entrymodel.UpCounts
	if err := json.Unmarshal(v, &u); err != nil {
		return entrymodel.UpCounts{}, false, fmt.Errorf("nodeindex: unmarshal bucket up-counts: %w", err)
	}
	return u, true, nil
}

func (x *Indexer) getBucketStatus(cache *lru.Cache[string, entrymodel.NodeBucketStatus], tag byte, host []byte, ts int64) (entrymodel.NodeBucketStatus, error) {
	ck := bucketCacheKey(host, ts)
	if cache != nil {
		if v, ok := cache.Get(ck); ok {
			return v.Clone(), nil
		}
	}
	v, ok, err := x.db.Get(statusdb.KeyStatusByHost(bucket, tag, host, ts))
	if err != nil {
		return entrymodel.NodeBucketStatus{}, err
	}
	if !ok {
		return entrymodel.NodeBucketStatus{UpCounts: entrymodel.NewUpCounts()}, nil
	}
	var st entrymodel.NodeBucketStatus
	if err := json.Unmarshal(v, &st); err != nil {
		return entrymodel.NodeBucketStatus{}, fmt.Errorf("nodeindex: unmarshal bucket status: %w", err)
	}
	if st.Version == nil {
		st.Version = map[string]uint32{}
	}
	return st, nil
}

// putBucketStatus queues the batch Put for the bucket's status row. The
// caller caches st only after the batch commits successfully, per §4.9's
// cache coherence rule.
func (x *Indexer) putBucketStatus(b *statusdb.Batch, tag byte, host []byte, ts int64, st entrymodel.NodeBucketStatus) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("nodeindex: marshal bucket status: %w", err)
	}
	b.Put(statusdb.KeyStatusByHost(bucket, tag, host, ts), raw)
	return nil
}

// LastTimestamp returns the persisted resume watermark, or 0 if unset.
func (x *Indexer) LastTimestamp() (int64, error) {
	v, ok, err := x.db.Get(statusdb.KeyLastTimestamp(bucket))
	if err != nil || !ok {
		return 0, err
	}
	return decodeI64(v), nil
}

// IsUp reports the UP marker for a host, addressed by its 18-byte index
// key (ip16||port).
func (x *Indexer) IsUp(host []byte) (bool, error) {
	return x.isUp(host)
}

// GetRecentEntriesByTime iterates STATUS_10_BY_HOST[host, since..max],
// returning the raw entry observed at each 10-minute bucket (populated only
// while the entry is within the §4.9 recency gate).
func (x *Indexer) GetRecentEntriesByTime(host []byte, since int64) ([]*entrymodel.NodeEntry, error) {
	rows, err := x.rangeByHost(statusdb.TagStatus10ByHost, host, since)
	if err != nil {
		return nil, err
	}
	out := make([]*entrymodel.NodeEntry, 0, len(rows))
	for _, r := range rows {
		var e entrymodel.NodeEntry
		if err := json.Unmarshal(r.Value, &e); err != nil {
			return nil, fmt.Errorf("nodeindex: unmarshal recent entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// HourlyBucket pairs a folded NodeBucketStatus with the hour-floored
// timestamp it was accumulated under.
type HourlyBucket struct {
	BucketTimestamp int64
	Status          entrymodel.NodeBucketStatus
}

// DailyBucket pairs a folded NodeBucketStatus with the day-floored
// timestamp it was accumulated under.
type DailyBucket struct {
	BucketTimestamp int64
	Status          entrymodel.NodeBucketStatus
}

// GetHourlyBucketsByTime iterates STATUS_HOUR_BY_HOST[host, since..max] for
// the given 18-byte host key.
func (x *Indexer) GetHourlyBucketsByTime(host []byte, since int64) ([]HourlyBucket, error) {
	rows, err := x.rangeByHost(statusdb.TagStatusHourByHost, host, since)
	if err != nil {
		return nil, err
	}
	out := make([]HourlyBucket, 0, len(rows))
	for _, r := range rows {
		var st entrymodel.NodeBucketStatus
		if err := json.Unmarshal(r.Value, &st); err != nil {
			return nil, fmt.Errorf("nodeindex: unmarshal hourly bucket: %w", err)
		}
		out = append(out, HourlyBucket{BucketTimestamp: bucketTimestamp(r.Key), Status: st})
	}
	return out, nil
}

// GetDailyBucketsByTime iterates STATUS_DAY_BY_HOST[host, since..max] for
// the given 18-byte host key.
func (x *Indexer) GetDailyBucketsByTime(host []byte, since int64) ([]DailyBucket, error) {
	rows, err := x.rangeByHost(statusdb.TagStatusDayByHost, host, since)
	if err != nil {
		return nil, err
	}
	out := make([]DailyBucket, 0, len(rows))
	for _, r := range rows {
		var st entrymodel.NodeBucketStatus
		if err := json.Unmarshal(r.Value, &st); err != nil {
			return nil, fmt.Errorf("nodeindex: unmarshal daily bucket: %w", err)
		}
		out = append(out, DailyBucket{BucketTimestamp: bucketTimestamp(r.Key), Status: st})
	}
	return out, nil
}

// GetLastStatusRaw returns the most recently indexed entry for the given
// 18-byte host key.
func (x *Indexer) GetLastStatusRaw(host []byte) (*entrymodel.NodeEntry, bool, error) {
	return x.getLastStatus(host)
}

// GetLastUp returns the timestamp of host's most recent successful probe,
// if any.
func (x *Indexer) GetLastUp(host []byte) (int64, bool, error) {
	if x.lastUpCache != nil {
		if v, ok := x.lastUpCache.Get(string(host)); ok {
			return v, true, nil
		}
	}
	v, ok, err := x.db.Get(statusdb.KeyLastUp(bucket, host))
	if err != nil || !ok {
		return 0, false, err
	}
	return decodeI64(v), true, nil
}

func (x *Indexer) rangeByHost(tag byte, host []byte, since int64) ([]statusdb.KV, error) {
	gte := statusdb.KeyStatusByHost(bucket, tag, host, since)
	hostPrefix := statusdb.HostPrefix(bucket, tag, host)
	upper := statusdb.PrefixUpperBound(hostPrefix)
	return x.db.RangeExclusive(gte, upper)
}

func bucketTimestamp(key []byte) int64 {
	if len(key) < 8 {
		return 0
	}
	return decodeI64(key[len(key)-8:])
}

// GetHosts enumerates every distinct 18-byte host key (ip16||port) that has
// a LAST_STATUS row.
func (x *Indexer) GetHosts() ([][]byte, error) {
	prefix := statusdb.EnumerationPrefix(bucket, statusdb.TagLastStatus)
	upper := statusdb.PrefixUpperBound(prefix)
	rows, err := x.db.RangeExclusive(prefix, upper)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(rows))
	for _, r := range rows {
		if len(r.Key) < len(prefix)+18 {
			continue
		}
		out = append(out, append([]byte(nil), r.Key[len(prefix):len(prefix)+18]...))
	}
	return out, nil
}

// GetPortsForIP enumerates the ports of ip16 whose UP marker is set, via
// the PORT_MAPPINGS use of the UP-marker tag. Ports whose last recent
// observation failed, or that appear only in entries older than a day, are
// not listed.
func (x *Indexer) GetPortsForIP(ip16 []byte) ([]uint16, error) {
	prefix := statusdb.KeyUpMarkerPrefix(bucket, ip16)
	upper := statusdb.PrefixUpperBound(prefix)
	rows, err := x.db.RangeExclusive(prefix, upper)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, 0, len(rows))
	for _, r := range rows {
		if len(r.Key) < len(prefix)+2 {
			continue
		}
		p := r.Key[len(prefix):]
		out = append(out, uint16(p[0])<<8|uint16(p[1]))
	}
	return out, nil
}

// CleanupHourlyStatusesByTime deletes STATUS_HOUR_BY_HOST rows with bucket
// ts < before, for the given 18-byte host key.
func (x *Indexer) CleanupHourlyStatusesByTime(host []byte, before int64) (int, error) {
	return x.cleanup(statusdb.TagStatusHourByHost, host, before)
}

// CleanupDailyStatusesByTime deletes STATUS_DAY_BY_HOST rows with bucket ts
// < before, for the given 18-byte host key.
func (x *Indexer) CleanupDailyStatusesByTime(host []byte, before int64) (int, error) {
	return x.cleanup(statusdb.TagStatusDayByHost, host, before)
}

func (x *Indexer) cleanup(tag byte, host []byte, before int64) (int, error) {
	if before <= 0 {
		return 0, nil
	}
	hostPrefix := statusdb.HostPrefix(bucket, tag, host)
	lte := statusdb.KeyStatusByHost(bucket, tag, host, before-1)
	return x.db.DeleteRangeInclusive(hostPrefix, lte)
}

func encodeI64(v int64) []byte {
	out := make([]byte, 8)
	u := uint64(v)
	for i := 7; i >= 0; i-- {
		out[i] = byte(u)
		u >>= 8
	}
	return out
}

func decodeI64(b []byte) int64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return int64(v)
}
