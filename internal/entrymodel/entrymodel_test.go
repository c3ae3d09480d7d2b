package entrymodel

import (
	"net"
	"testing"
)

func TestDNSEntryValidate(t *testing.T) {
	e := &DNSEntry{Hostname: "seed.example.net", Error: "ETIMEDOUT", Result: "1.2.3.4"}
	if err := e.Validate(); err == nil {
		t.Fatal("expected error/result mutual exclusion to fail validation")
	}

	ok := &DNSEntry{Hostname: "seed.example.net", Result: "1.2.3.4"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if !ok.IsSuccessful() {
		t.Fatal("expected successful entry")
	}

	failed := &DNSEntry{Hostname: "seed.example.net", Error: "ETIMEDOUT"}
	if !failed.IsFailed() {
		t.Fatal("expected failed entry")
	}
	if failed.IsSuccessful() {
		t.Fatal("failed entry must not be successful")
	}
}

func TestNodeEntryIndexKey(t *testing.T) {
	host := HostFromIP(net.ParseIP("10.1.2.3"))
	e := &NodeEntry{Host: host, Port: 8333}
	key := e.IndexKey()
	if len(key) != 18 {
		t.Fatalf("expected 18-byte index key, got %d", len(key))
	}
	if key[16] != 0x20 || key[17] != 0x8d {
		t.Fatalf("expected big-endian port 8333, got %x %x", key[16], key[17])
	}
}

func TestNodeResultVersion(t *testing.T) {
	cases := []struct {
		agent string
		want  string
	}{
		{"/hsd:5.1.0/", "5.1.0"},
		{"/hsd:5.1.0/extra", "5.1.0"},
		{"/other:1.0.0/", "other"},
		{"", "other"},
	}
	for _, c := range cases {
		r := &NodeResult{Agent: c.agent}
		if got := r.Version(); got != c.want {
			t.Errorf("Version(%q) = %q, want %q", c.agent, got, c.want)
		}
	}
	var nilResult *NodeResult
	if got := nilResult.Version(); got != "other" {
		t.Errorf("nil result Version() = %q, want other", got)
	}
}

func TestNodeResultCanSync(t *testing.T) {
	r := &NodeResult{Services: ServiceNetwork}
	if !r.CanSync() {
		t.Fatal("expected network-serving, relay-enabled peer to be syncable")
	}
	r.NoRelay = true
	if r.CanSync() {
		t.Fatal("NoRelay peer must not be syncable")
	}
	noNetwork := &NodeResult{Services: ServiceBloom}
	if noNetwork.CanSync() {
		t.Fatal("non-NETWORK peer must not be syncable")
	}
}

func TestUpCountsAddSub(t *testing.T) {
	u := NewUpCounts()
	r := &NodeResult{Services: ServiceNetwork | ServiceBloom, TreeCompacted: true, Agent: "/hsd:5.1.0/"}
	u.Add(r)
	if u.Total != 1 || u.SPV != 1 || u.Compacted != 1 || u.CanSync != 1 {
		t.Fatalf("unexpected counts after Add: %+v", u)
	}
	if u.Version["5.1.0"] != 1 {
		t.Fatalf("expected version histogram entry, got %+v", u.Version)
	}

	u.Sub(r)
	if u.Total != 0 || u.SPV != 0 || u.Compacted != 0 || u.CanSync != 0 {
		t.Fatalf("unexpected counts after Sub: %+v", u)
	}
	if _, ok := u.Version["5.1.0"]; ok {
		t.Fatalf("expected version histogram entry removed, got %+v", u.Version)
	}
}

func TestUpCountsCloneIndependence(t *testing.T) {
	u := NewUpCounts()
	u.Add(&NodeResult{Agent: "/hsd:5.1.0/"})
	clone := u.Clone()
	clone.Version["5.1.0"] = 99
	if u.Version["5.1.0"] == 99 {
		t.Fatal("Clone must not alias the source's Version map")
	}
}

func TestDNSBucketStatusPercentage(t *testing.T) {
	var b DNSBucketStatus
	if got := b.Percentage(); got != -1 {
		t.Fatalf("empty bucket percentage = %v, want -1", got)
	}
	b.Add(true)
	b.Add(false)
	if got := b.Percentage(); got != 0.5 {
		t.Fatalf("percentage = %v, want 0.5", got)
	}
}

func TestNodeBucketStatusAdd(t *testing.T) {
	var b NodeBucketStatus
	ok := &NodeEntry{Result: &NodeResult{Services: ServiceNetwork}}
	failed := &NodeEntry{Error: "ECONNREFUSED"}
	b.Add(ok)
	b.Add(failed)
	if b.Total != 2 || b.Up != 1 {
		t.Fatalf("unexpected bucket after Add: %+v", b)
	}
	if b.UpCounts.Total != 1 {
		t.Fatalf("expected UpCounts folded only for successful entry, got %+v", b.UpCounts)
	}
}

func TestFloorMillis(t *testing.T) {
	cases := []struct{ t, interval, want int64 }{
		{1000, 1000, 1000},
		{1500, 1000, 1000},
		{-500, 1000, -1000},
		{0, 1000, 0},
	}
	for _, c := range cases {
		if got := FloorMillis(c.t, c.interval); got != c.want {
			t.Errorf("FloorMillis(%d, %d) = %d, want %d", c.t, c.interval, got, c.want)
		}
	}
}

func TestDNSEntryJSONRoundTrip(t *testing.T) {
	e := &DNSEntry{Time: 100, Hostname: "seed.example.net", Result: "1.2.3.4", Frequency: 60000, Interval: 60000}
	info, err := e.MarshalInfo()
	if err != nil {
		t.Fatalf("MarshalInfo: %v", err)
	}
	got, err := UnmarshalDNSInfo(200, info)
	if err != nil {
		t.Fatalf("UnmarshalDNSInfo: %v", err)
	}
	if got.LogTimestamp != 200 || got.Hostname != e.Hostname || got.Result != e.Result {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestNodeEntryJSONRoundTrip(t *testing.T) {
	host := HostFromIP(net.ParseIP("10.1.2.3"))
	e := &NodeEntry{
		Time: 100, Host: host, Port: 8333,
		Result: &NodeResult{PeerVersion: 70016, Services: ServiceNetwork, Agent: "/hsd:5.1.0/"},
	}
	info, err := e.MarshalInfo()
	if err != nil {
		t.Fatalf("MarshalInfo: %v", err)
	}
	got, err := UnmarshalNodeInfo(200, info)
	if err != nil {
		t.Fatalf("UnmarshalNodeInfo: %v", err)
	}
	if got.Host != host || got.Port != 8333 || got.Result.Version() != "5.1.0" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
