package entrymodel

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
)

type nodeResultWire struct {
	PeerVersion   int64  `json:"peerVersion"`
	Services      uint64 `json:"services"`
	Height        int64  `json:"height"`
	Agent         string `json:"agent"`
	NoRelay       bool   `json:"noRelay"`
	Brontide      bool   `json:"brontide"`
	Pruned        bool   `json:"pruned"`
	TreeCompacted bool   `json:"treeCompacted"`
}

type nodeWire struct {
	Time        int64           `json:"time"`
	Host        string          `json:"host"`
	Port        uint16          `json:"port"`
	Brontide    bool            `json:"brontide"`
	BrontideKey string          `json:"brontideKey,omitempty"` // hex
	Error       string          `json:"error,omitempty"`
	Result      *nodeResultWire `json:"result,omitempty"`
	Frequency   int64           `json:"frequency"`
	Interval    int64           `json:"interval"`
}

// MarshalInfo renders the entry's observation-specific body for the JSON
// envelope's "info" field.
func (e *NodeEntry) MarshalInfo() (json.RawMessage, error) {
	w := nodeWire{
		Time:      e.Time,
		Host:      net.IP(e.Host[:]).String(),
		Port:      e.Port,
		Brontide:  e.Brontide,
		Error:     e.Error,
		Frequency: e.Frequency,
		Interval:  e.Interval,
	}
	if len(e.BrontideKey) > 0 {
		w.BrontideKey = hex.EncodeToString(e.BrontideKey)
	}
	if e.Result != nil {
		w.Result = &nodeResultWire{
			PeerVersion:   e.Result.PeerVersion,
			Services:      uint64(e.Result.Services),
			Height:        e.Result.Height,
			Agent:         e.Result.Agent,
			NoRelay:       e.Result.NoRelay,
			Brontide:      e.Result.Brontide,
			Pruned:        e.Result.Pruned,
			TreeCompacted: e.Result.TreeCompacted,
		}
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("entrymodel: marshal node info: %w", err)
	}
	return data, nil
}

// UnmarshalNodeInfo parses an envelope's logTimestamp and info payload into
// a NodeEntry.
func UnmarshalNodeInfo(logTimestamp int64, info json.RawMessage) (*NodeEntry, error) {
	var w nodeWire
	if err := json.Unmarshal(info, &w); err != nil {
		return nil, fmt.Errorf("entrymodel: unmarshal node info: %w", err)
	}
	ip := net.ParseIP(w.Host)
	if ip == nil {
		return nil, fmt.Errorf("entrymodel: invalid node host %q", w.Host)
	}
	e := &NodeEntry{
		LogTimestamp: logTimestamp,
		Time:         w.Time,
		Host:         HostFromIP(ip),
		Port:         w.Port,
		Brontide:     w.Brontide,
		Error:        w.Error,
		Frequency:    w.Frequency,
		Interval:     w.Interval,
	}
	if w.BrontideKey != "" {
		key, err := hex.DecodeString(w.BrontideKey)
		if err != nil {
			return nil, fmt.Errorf("entrymodel: invalid brontideKey: %w", err)
		}
		e.BrontideKey = key
	}
	if w.Result != nil {
		e.Result = &NodeResult{
			PeerVersion:   w.Result.PeerVersion,
			Services:      Services(w.Result.Services),
			Height:        w.Result.Height,
			Agent:         w.Result.Agent,
			NoRelay:       w.Result.NoRelay,
			Brontide:      w.Result.Brontide,
			Pruned:        w.Result.Pruned,
			TreeCompacted: w.Result.TreeCompacted,
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
