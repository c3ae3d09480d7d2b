package entrymodel

import (
	"fmt"
	"net"
	"regexp"
)

// Services is the peer service bitset advertised in a node's version/verack
// handshake. Only the bits the indexer needs to reason about are named;
// unknown bits are preserved verbatim.
type Services uint64

const (
	// ServiceNetwork indicates the peer serves the full chain.
	ServiceNetwork Services = 1 << 0
	// ServiceBloom indicates the peer supports bloom-filtered (SPV) peers.
	ServiceBloom Services = 1 << 1
)

// Has reports whether bit is set in the service bitset.
func (s Services) Has(bit Services) bool { return s&bit != 0 }

// NodeResult carries the fields present on a successful probe.
type NodeResult struct {
	PeerVersion   int64
	Services      Services
	Height        int64
	Agent         string // ASCII, e.g. "/hsd:5.1.0/"
	NoRelay       bool
	Brontide      bool
	Pruned        bool
	TreeCompacted bool
}

// NodeEntry is one per-peer reachability observation.
type NodeEntry struct {
	LogTimestamp int64  // ms
	Time         int64  // ms, when the probe actually ran
	Host         [16]byte
	Port         uint16
	Brontide     bool   // addressed by encrypted-link identity rather than bare IP/port
	BrontideKey  []byte // 33-byte identity key, present iff Brontide
	Error        string
	Result       *NodeResult
	Frequency    int64
	Interval     int64
}

// Validate checks §3.4's mutual-exclusion invariant.
func (e *NodeEntry) Validate() error {
	if e.Error != "" && e.Result != nil {
		return fmt.Errorf("%w: node entry %s has both error and result", ErrInvariant, e.HostPort())
	}
	return nil
}

// IsSuccessful reports whether the probe succeeded.
func (e *NodeEntry) IsSuccessful() bool {
	return e.Error == "" && e.Result != nil
}

// IsFailed reports whether the probe failed outright.
func (e *NodeEntry) IsFailed() bool {
	return e.Error != ""
}

// IndexKey returns the 18-byte StatusDB key component: host(16) || port_be(2).
func (e *NodeEntry) IndexKey() []byte {
	key := make([]byte, 18)
	copy(key[:16], e.Host[:])
	key[16] = byte(e.Port >> 8)
	key[17] = byte(e.Port)
	return key
}

// HostPort renders the entry's address for logging/errors.
func (e *NodeEntry) HostPort() string {
	ip := net.IP(e.Host[:])
	return fmt.Sprintf("%s:%d", ip.String(), e.Port)
}

// HostFromIP converts a net.IP (v4 or v6) into the 16-byte IPv4-mapped form
// used by NodeEntry.Host.
func HostFromIP(ip net.IP) [16]byte {
	var h [16]byte
	v16 := ip.To16()
	if v16 == nil {
		return h
	}
	copy(h[:], v16)
	return h
}

var agentVersionPattern = regexp.MustCompile(`^/hsd:(\d+\.\d+\.\d+)/`)

// Version derives the short version string from Result.Agent: the first
// capture group of /^\/hsd:(\d+\.\d+\.\d+)\// against agent, or "other"
// when the pattern does not match.
func (r *NodeResult) Version() string {
	if r == nil {
		return "other"
	}
	m := agentVersionPattern.FindStringSubmatch(r.Agent)
	if m == nil {
		return "other"
	}
	return m[1]
}

// CanSync reports the §3.4 derived "canSync" feature: NETWORK service bit
// set and relay not disabled.
func (r *NodeResult) CanSync() bool {
	if r == nil {
		return false
	}
	return r.Services.Has(ServiceNetwork) && !r.NoRelay
}

// HasBloom reports whether the peer supports SPV (bloom-filtered) clients.
func (r *NodeResult) HasBloom() bool {
	if r == nil {
		return false
	}
	return r.Services.Has(ServiceBloom)
}
