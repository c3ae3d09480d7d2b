// Package entrymodel holds the canonical in-memory representations of the
// two observation kinds the system ingests — DNS-seed checks and per-peer
// node reachability checks — along with the aggregate records derived from
// them. These types are the transport contract between the rotating log
// layer, the binary/JSON codecs, and the indexers.
package entrymodel

import "time"

// Time constants, expressed in milliseconds, matching the wire format.
const (
	Second = int64(1000)
	Minute = 60 * Second
	Hour   = 60 * Minute
	Day    = 24 * Hour
	Week   = 7 * Day
	Month  = 30 * Day
)

// FloorMillis floors t (epoch milliseconds) down to the nearest multiple of
// interval (also epoch milliseconds): floor(t, I) = t - (t mod I).
func FloorMillis(t, interval int64) int64 {
	if interval <= 0 {
		return t
	}
	m := t % interval
	if m < 0 {
		m += interval
	}
	return t - m
}

// NowMillis returns the current wall-clock time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
