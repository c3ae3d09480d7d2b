package statusdb

import "encoding/binary"

// Per-indexer type tags, applied after the Bucket prefix byte. See spec
// §4.7's key layout table.
const (
	TagLastTimestamp   = 0x00
	TagLastStatus      = 0x10
	TagLastUp          = 0x11
	TagUpMarker        = 0x12 // DNS: presence marker. Node: doubles as PORT_MAPPINGS.
	TagUpCount         = 0x13
	TagUpCount10       = 0x14
	TagUpCountHour     = 0x15
	TagUpCountDay      = 0x16
	TagStatus10ByHost  = 0x20
	TagStatus10Dep     = 0x21 // deprecated secondary index, cleanup-only
	TagStatusHourByHost = 0x22
	TagStatusHourDep   = 0x23 // deprecated secondary index, cleanup-only
	TagStatusDayByHost = 0x24
	TagStatusDayDep    = 0x25 // deprecated secondary index, cleanup-only
)

// EncodeHostKey length-prefixes a variable-length identifier (DNS hostname
// bytes) so that lexical key order never lets one host's bytes alias a
// prefix of another's, per §4.7's "length-prefix or sentinel" requirement.
// Fixed-width identifiers (Node's 18-byte ip||port) don't need this and can
// be used directly.
func EncodeHostKey(host []byte) []byte {
	out := make([]byte, 2, 2+len(host))
	binary.BigEndian.PutUint16(out, uint16(len(host)))
	out = append(out, host...)
	return out
}

// KeyLastTimestamp is the resume watermark key for bucket.
func KeyLastTimestamp(bucket Bucket) []byte {
	return []byte{byte(bucket), TagLastTimestamp}
}

// keyHost builds tag||host under bucket. host is used exactly as given —
// callers addressing a variable-length identifier (DNS hostnames) must
// pre-encode it with EncodeHostKey so that no host's bytes can alias a
// prefix of another's; callers with a fixed-width identifier (Node's
// 18-byte ip||port) pass it directly.
func keyHost(bucket Bucket, tag byte, host []byte) []byte {
	out := make([]byte, 0, 2+len(host))
	out = append(out, byte(bucket), tag)
	out = append(out, host...)
	return out
}

// keyHostTs builds tag||host||ts under bucket.
func keyHostTs(bucket Bucket, tag byte, host []byte, ts int64) []byte {
	base := keyHost(bucket, tag, host)
	out := make([]byte, len(base)+8)
	copy(out, base)
	binary.BigEndian.PutUint64(out[len(base):], uint64(ts))
	return out
}

// KeyLastStatus, KeyLastUp, KeyUpMarker address the per-host scalar rows.
func KeyLastStatus(bucket Bucket, host []byte) []byte { return keyHost(bucket, TagLastStatus, host) }
func KeyLastUp(bucket Bucket, host []byte) []byte     { return keyHost(bucket, TagLastUp, host) }
func KeyUpMarker(bucket Bucket, host []byte) []byte   { return keyHost(bucket, TagUpMarker, host) }

// KeyUpMarkerPrefix returns the prefix for enumerating port markers under
// one IP (Node's PORT_MAPPINGS use of TagUpMarker), i.e. all keys
// tag||ip16||*.
func KeyUpMarkerPrefix(bucket Bucket, ip16 []byte) []byte {
	return append([]byte{byte(bucket), TagUpMarker}, ip16...)
}

// KeyUpCount is the global scalar up-count key.
func KeyUpCount(bucket Bucket) []byte {
	return []byte{byte(bucket), TagUpCount}
}

// KeyUpCountBucket addresses UP_COUNT_10 / _HOUR / _DAY at bucket-timestamp
// ts, selected via tag.
func KeyUpCountBucket(bucket Bucket, tag byte, ts int64) []byte {
	out := make([]byte, 10)
	out[0] = byte(bucket)
	out[1] = tag
	binary.BigEndian.PutUint64(out[2:], uint64(ts))
	return out
}

// KeyStatusByHost addresses STATUS_10/HOUR/DAY_BY_HOST[host, ts].
func KeyStatusByHost(bucket Bucket, tag byte, host []byte, ts int64) []byte {
	return keyHostTs(bucket, tag, host, ts)
}

// HostPrefix returns the prefix shared by every key addressing host under
// tag, i.e. everything before the trailing ts — used to range-scan a single
// host's time series and for cleanup.
func HostPrefix(bucket Bucket, tag byte, host []byte) []byte {
	return keyHost(bucket, tag, host)
}

// EnumerationPrefix returns the bare bucket||tag prefix used by e.g.
// getHostnames() to enumerate every distinct host under TagLastStatus.
func EnumerationPrefix(bucket Bucket, tag byte) []byte {
	return []byte{byte(bucket), tag}
}

// PrefixUpperBound returns the smallest key strictly greater than every key
// sharing prefix p — i.e. the exclusive upper bound for a prefix scan over
// p. Used with RangeExclusive(p, PrefixUpperBound(p)).
func PrefixUpperBound(p []byte) []byte {
	out := append([]byte(nil), p...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	// p is all 0xff bytes (or empty): no finite upper bound; the caller
	// should use an unbounded scan instead.
	return nil
}
