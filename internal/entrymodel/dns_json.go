package entrymodel

import (
	"encoding/json"
	"fmt"
)

type dnsWire struct {
	Time      int64  `json:"time"`
	Hostname  string `json:"hostname"`
	Error     string `json:"error,omitempty"`
	Result    string `json:"result,omitempty"`
	Frequency int64  `json:"frequency"`
	Interval  int64  `json:"interval"`
}

// MarshalInfo renders the entry's observation-specific body for the JSON
// envelope's "info" field (the entry's LogTimestamp lives in the envelope).
func (e *DNSEntry) MarshalInfo() (json.RawMessage, error) {
	w := dnsWire{
		Time:      e.Time,
		Hostname:  e.Hostname,
		Error:     e.Error,
		Result:    e.Result,
		Frequency: e.Frequency,
		Interval:  e.Interval,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("entrymodel: marshal dns info: %w", err)
	}
	return data, nil
}

// UnmarshalDNSInfo parses an envelope's logTimestamp and info payload into a
// DNSEntry.
func UnmarshalDNSInfo(logTimestamp int64, info json.RawMessage) (*DNSEntry, error) {
	var w dnsWire
	if err := json.Unmarshal(info, &w); err != nil {
		return nil, fmt.Errorf("entrymodel: unmarshal dns info: %w", err)
	}
	e := &DNSEntry{
		LogTimestamp: logTimestamp,
		Time:         w.Time,
		Hostname:     w.Hostname,
		Error:        w.Error,
		Result:       w.Result,
		Frequency:    w.Frequency,
		Interval:     w.Interval,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
