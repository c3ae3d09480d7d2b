package entrymodel

import (
	"errors"
	"fmt"
)

// ErrInvariant is returned when an observation violates a structural
// invariant of the data model (e.g. both Error and Result set).
var ErrInvariant = errors.New("entrymodel: invariant violation")

// DNSEntry is one DNS-seed reachability observation.
type DNSEntry struct {
	LogTimestamp int64  // ms, when the entry was appended to the log
	Time         int64  // ms, when the probe actually ran
	Hostname     string // ASCII
	Error        string // optional; empty means "no error"
	Result       string // optional opaque payload; empty means "no result"
	Frequency    int64  // ms
	Interval     int64  // ms
}

// Validate checks §3.3's mutual-exclusion invariant: error and result are
// never both present.
func (e *DNSEntry) Validate() error {
	if e.Error != "" && e.Result != "" {
		return fmt.Errorf("%w: dns entry %q has both error and result", ErrInvariant, e.Hostname)
	}
	return nil
}

// IsSuccessful reports whether the probe succeeded: no error and a result
// is present.
func (e *DNSEntry) IsSuccessful() bool {
	return e.Error == "" && e.Result != ""
}

// IsFailed reports whether the probe failed outright.
func (e *DNSEntry) IsFailed() bool {
	return e.Error != ""
}

// IndexKey returns the StatusDB key component for this entry: the raw
// hostname bytes.
func (e *DNSEntry) IndexKey() []byte {
	return []byte(e.Hostname)
}
