// Package dnsindex implements the DNS-seed indexer: it folds each ingested
// DNSEntry into StatusDB's per-host last-status, 10-minute/hour/day bucket
// aggregates, and global up-counts. See spec §4.8.
package dnsindex

import (
	"encoding/json"
	"fmt"

	"github.com/orbitwatch/pulse/internal/entrymodel"
	"github.com/orbitwatch/pulse/internal/statusdb"
)

// DefaultOnlinePercentile is the threshold a bucket's up/total ratio must
// meet or exceed to count as "up" in the hourly/daily up-count series.
const DefaultOnlinePercentile = 0.90

// Config controls indexer thresholds, set from spec §6's enumerated keys.
type Config struct {
	OnlinePercentile float64
}

func (c Config) withDefaults() Config {
	if c.OnlinePercentile == 0 {
		c.OnlinePercentile = DefaultOnlinePercentile
	}
	return c
}

// Indexer maintains the DNS StatusDB namespace (bucket 0x20).
type Indexer struct {
	db  *statusdb.Store
	cfg Config
}

// New returns an Indexer backed by db.
func New(db *statusdb.Store, cfg Config) *Indexer {
	return &Indexer{db: db, cfg: cfg.withDefaults()}
}

const bucket = statusdb.BucketDNS

// Index performs the atomic batch described in spec §4.8 (a)-(e). Replaying
// the same entry leaves LAST_STATUS, LAST_UP, the UP marker and UP_COUNT as
// they were, but the hourly and daily bucket statuses and their up-counts
// count the entry again.
func (x *Indexer) Index(entry *entrymodel.DNSEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	host := statusdb.EncodeHostKey(entry.IndexKey())

	wasUp, err := x.IsUp(entry.Hostname)
	if err != nil {
		return err
	}
	nowUp := entry.IsSuccessful()

	upCount, err := x.getUpCount()
	if err != nil {
		return err
	}
	newTotal := adjustCount(upCount, wasUp, nowUp)

	tenMin := entrymodel.FloorMillis(entry.Time, entrymodel.Minute*10)
	hour := entrymodel.FloorMillis(entry.Time, entrymodel.Hour)
	day := entrymodel.FloorMillis(entry.Time, entrymodel.Day)

	upCount10, err := x.getUpCountBucket(statusdb.TagUpCount10, tenMin)
	if err != nil {
		return err
	}
	newUpCount10 := adjustCount(upCount10, wasUp, nowUp)

	hourStatus, err := x.getBucketStatus(statusdb.TagStatusHourByHost, entry.Hostname, hour)
	if err != nil {
		return err
	}
	hourBefore := hourStatus.Percentage()
	hourStatus.Add(entry.IsSuccessful())
	hourAfter := hourStatus.Percentage()

	dayStatus, err := x.getBucketStatus(statusdb.TagStatusDayByHost, entry.Hostname, day)
	if err != nil {
		return err
	}
	dayBefore := dayStatus.Percentage()
	dayStatus.Add(entry.IsSuccessful())
	dayAfter := dayStatus.Percentage()

	upCountHour, err := x.getUpCountBucket(statusdb.TagUpCountHour, hour)
	if err != nil {
		return err
	}
	newUpCountHour := adjustCountedUp(upCountHour, hourBefore, hourAfter, x.cfg.OnlinePercentile)

	upCountDay, err := x.getUpCountBucket(statusdb.TagUpCountDay, day)
	if err != nil {
		return err
	}
	newUpCountDay := adjustCountedUp(upCountDay, dayBefore, dayAfter, x.cfg.OnlinePercentile)

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dnsindex: marshal entry: %w", err)
	}

	b := x.db.NewBatch()
	b.Put(statusdb.KeyLastTimestamp(bucket), encodeI64(entry.LogTimestamp))
	if nowUp {
		b.Put(statusdb.KeyLastUp(bucket, host), encodeI64(entry.Time))
	}
	b.Put(statusdb.KeyLastStatus(bucket, host), entryJSON)
	b.Put(statusdb.KeyStatusByHost(bucket, statusdb.TagStatus10ByHost, host, tenMin), entryJSON)

	if nowUp {
		b.Put(statusdb.KeyUpMarker(bucket, host), []byte{})
	} else if entry.IsFailed() {
		b.Del(statusdb.KeyUpMarker(bucket, host))
	}
	b.Put(statusdb.KeyUpCount(bucket), encodeU32(newTotal))
	b.Put(statusdb.KeyUpCountBucket(bucket, statusdb.TagUpCount10, tenMin), encodeU32(newUpCount10))

	putBucketStatus(b, statusdb.TagStatusHourByHost, host, hour, hourStatus)
	putBucketStatus(b, statusdb.TagStatusDayByHost, host, day, dayStatus)
	b.Put(statusdb.KeyUpCountBucket(bucket, statusdb.TagUpCountHour, hour), encodeU32(newUpCountHour))
	b.Put(statusdb.KeyUpCountBucket(bucket, statusdb.TagUpCountDay, day), encodeU32(newUpCountDay))

	return b.Commit()
}

// adjustCount applies the UP-transition rule shared by the global and
// 10-minute up-counts: subtract the old contribution, add the new one,
// floored at zero against a racing cleanup or replay anomaly.
func adjustCount(current uint32, was, now bool) uint32 {
	v := int64(current)
	if was {
		v--
	}
	if now {
		v++
	}
	if v < 0 {
		v = 0
	}
	return uint32(v)
}

// adjustCountedUp implements the hourly/daily up-count transition: the
// bucket's own up-count contribution flips from 0/1 to 0/1 as its
// percentage crosses the online threshold.
func adjustCountedUp(current uint32, before, after, threshold float64) uint32 {
	oldCounted := before >= threshold
	newCounted := after >= threshold
	v := int64(current)
	if oldCounted {
		v--
	}
	if newCounted {
		v++
	}
	if v < 0 {
		v = 0
	}
	return uint32(v)
}

func putBucketStatus(b *statusdb.Batch, tag byte, host []byte, ts int64, st entrymodel.DNSBucketStatus) {
	raw, _ := json.Marshal(st)
	b.Put(statusdb.KeyStatusByHost(bucket, tag, host, ts), raw)
}

// IsUp reports presence of the UP marker for host.
func (x *Indexer) IsUp(hostname string) (bool, error) {
	return x.db.Has(statusdb.KeyUpMarker(bucket, statusdb.EncodeHostKey([]byte(hostname))))
}

func (x *Indexer) getUpCount() (uint32, error) {
	v, ok, err := x.db.Get(statusdb.KeyUpCount(bucket))
	if err != nil || !ok {
		return 0, err
	}
	return decodeU32(v), nil
}

func (x *Indexer) getUpCountBucket(tag byte, ts int64) (uint32, error) {
	v, ok, err := x.db.Get(statusdb.KeyUpCountBucket(bucket, tag, ts))
	if err != nil || !ok {
		return 0, err
	}
	return decodeU32(v), nil
}

func (x *Indexer) getBucketStatus(tag byte, hostname string, ts int64) (entrymodel.DNSBucketStatus, error) {
	v, ok, err := x.db.Get(statusdb.KeyStatusByHost(bucket, tag, statusdb.EncodeHostKey([]byte(hostname)), ts))
	if err != nil || !ok {
		return entrymodel.DNSBucketStatus{}, err
	}
	var st entrymodel.DNSBucketStatus
	if err := json.Unmarshal(v, &st); err != nil {
		return entrymodel.DNSBucketStatus{}, fmt.Errorf("dnsindex: unmarshal bucket status: %w", err)
	}
	return st, nil
}

// LastTimestamp returns the persisted resume watermark, or 0 if unset.
func (x *Indexer) LastTimestamp() (int64, error) {
	v, ok, err := x.db.Get(statusdb.KeyLastTimestamp(bucket))
	if err != nil || !ok {
		return 0, err
	}
	return decodeI64(v), nil
}

// GetHostnames enumerates every distinct hostname that has a LAST_STATUS
// row.
func (x *Indexer) GetHostnames() ([]string, error) {
	prefix := statusdb.EnumerationPrefix(bucket, statusdb.TagLastStatus)
	upper := statusdb.PrefixUpperBound(prefix)
	rows, err := x.db.RangeExclusive(prefix, upper)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		host, ok := decodeHostKey(r.Key, len(prefix))
		if ok {
			out = append(out, string(host))
		}
	}
	return out, nil
}

// GetLastStatusesByTime iterates STATUS_10_BY_HOST[host, since..max],
// returning the raw entry observed at each 10-minute bucket.
func (x *Indexer) GetLastStatusesByTime(hostname string, since int64) ([]*entrymodel.DNSEntry, error) {
	rows, err := x.rangeByHost(statusdb.TagStatus10ByHost, hostname, since)
	if err != nil {
		return nil, err
	}
	out := make([]*entrymodel.DNSEntry, 0, len(rows))
	for _, r := range rows {
		var e entrymodel.DNSEntry
		if err := json.Unmarshal(r.Value, &e); err != nil {
			return nil, fmt.Errorf("dnsindex: unmarshal status row: %w", err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// HourlyBucket pairs a folded DNSBucketStatus with the hour-floored
// timestamp it was accumulated under.
type HourlyBucket struct {
	BucketTimestamp int64
	Status          entrymodel.DNSBucketStatus
}

// DailyBucket pairs a folded DNSBucketStatus with the day-floored
// timestamp it was accumulated under.
type DailyBucket struct {
	BucketTimestamp int64
	Status          entrymodel.DNSBucketStatus
}

// GetHourlyBucketsByTime iterates STATUS_HOUR_BY_HOST[host, since..max],
// returning the folded up/total aggregate for each hour bucket.
func (x *Indexer) GetHourlyBucketsByTime(hostname string, since int64) ([]HourlyBucket, error) {
	rows, err := x.rangeByHost(statusdb.TagStatusHourByHost, hostname, since)
	if err != nil {
		return nil, err
	}
	out := make([]HourlyBucket, 0, len(rows))
	for _, r := range rows {
		var st entrymodel.DNSBucketStatus
		if err := json.Unmarshal(r.Value, &st); err != nil {
			return nil, fmt.Errorf("dnsindex: unmarshal hourly bucket: %w", err)
		}
		out = append(out, HourlyBucket{BucketTimestamp: bucketTimestamp(r.Key), Status: st})
	}
	return out, nil
}

// GetDailyBucketsByTime iterates STATUS_DAY_BY_HOST[host, since..max],
// returning the folded up/total aggregate for each day bucket.
func (x *Indexer) GetDailyBucketsByTime(hostname string, since int64) ([]DailyBucket, error) {
	rows, err := x.rangeByHost(statusdb.TagStatusDayByHost, hostname, since)
	if err != nil {
		return nil, err
	}
	out := make([]DailyBucket, 0, len(rows))
	for _, r := range rows {
		var st entrymodel.DNSBucketStatus
		if err := json.Unmarshal(r.Value, &st); err != nil {
			return nil, fmt.Errorf("dnsindex: unmarshal daily bucket: %w", err)
		}
		out = append(out, DailyBucket{BucketTimestamp: bucketTimestamp(r.Key), Status: st})
	}
	return out, nil
}

// GetLastStatus returns the most recently indexed entry for hostname.
func (x *Indexer) GetLastStatus(hostname string) (*entrymodel.DNSEntry, bool, error) {
	v, ok, err := x.db.Get(statusdb.KeyLastStatus(bucket, statusdb.EncodeHostKey([]byte(hostname))))
	if err != nil || !ok {
		return nil, false, err
	}
	var e entrymodel.DNSEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, false, fmt.Errorf("dnsindex: unmarshal last status: %w", err)
	}
	return &e, true, nil
}

// GetLastUp returns the timestamp of hostname's most recent successful
// probe, if any.
func (x *Indexer) GetLastUp(hostname string) (int64, bool, error) {
	v, ok, err := x.db.Get(statusdb.KeyLastUp(bucket, statusdb.EncodeHostKey([]byte(hostname))))
	if err != nil || !ok {
		return 0, false, err
	}
	return decodeI64(v), true, nil
}

func (x *Indexer) rangeByHost(tag byte, hostname string, since int64) ([]statusdb.KV, error) {
	host := statusdb.EncodeHostKey([]byte(hostname))
	gte := statusdb.KeyStatusByHost(bucket, tag, host, since)
	hostPrefix := statusdb.HostPrefix(bucket, tag, host)
	upper := statusdb.PrefixUpperBound(hostPrefix)
	return x.db.RangeExclusive(gte, upper)
}

// bucketTimestamp extracts the trailing 8-byte big-endian timestamp from a
// STATUS_*_BY_HOST key.
func bucketTimestamp(key []byte) int64 {
	if len(key) < 8 {
		return 0
	}
	return decodeI64(key[len(key)-8:])
}

// CleanupStatusesByTime deletes STATUS_10_BY_HOST rows with bucket ts <
// before, for hostname.
func (x *Indexer) CleanupStatusesByTime(hostname string, before int64) (int, error) {
	return x.cleanup(statusdb.TagStatus10ByHost, hostname, before)
}

// CleanupHourlyStatusesByTime deletes STATUS_HOUR_BY_HOST rows with bucket
// ts < before, for hostname.
func (x *Indexer) CleanupHourlyStatusesByTime(hostname string, before int64) (int, error) {
	return x.cleanup(statusdb.TagStatusHourByHost, hostname, before)
}

// CleanupDailyStatusesByTime deletes STATUS_DAY_BY_HOST rows with bucket ts
// < before, for hostname.
func (x *Indexer) CleanupDailyStatusesByTime(hostname string, before int64) (int, error) {
	return x.cleanup(statusdb.TagStatusDayByHost, hostname, before)
}

func (x *Indexer) cleanup(tag byte, hostname string, before int64) (int, error) {
	if before <= 0 {
		return 0, nil
	}
	hostPrefix := statusdb.HostPrefix(bucket, tag, statusdb.EncodeHostKey([]byte(hostname)))
	lte := statusdb.KeyStatusByHost(bucket, tag, statusdb.EncodeHostKey([]byte(hostname)), before-1)
	return x.db.DeleteRangeInclusive(hostPrefix, lte)
}

func decodeHostKey(key []byte, prefixLen int) ([]byte, bool) {
	rest := key[prefixLen:]
	if len(rest) < 2 {
		return nil, false
	}
	n := int(rest[0])<<8 | int(rest[1])
	if len(rest) < 2+n {
		return nil, false
	}
	return rest[2 : 2+n], true
}

func encodeI64(v int64) []byte { return encodeU64(uint64(v)) }
func decodeI64(b []byte) int64 { return int64(decodeU64(b)) }

func encodeU64(v uint64) []byte {
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func decodeU64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func encodeU32(v uint32) []byte {
	return encodeU64(uint64(v))[4:]
}

func decodeU32(b []byte) uint32 {
	return uint32(decodeU64(b))
}
