package reportstore

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/orbitwatch/pulse/internal/dnsindex"
	"github.com/orbitwatch/pulse/internal/entrymodel"
	"github.com/orbitwatch/pulse/internal/nodeindex"
	"github.com/orbitwatch/pulse/internal/statusdb"
)

// TestUpsertHostHistory_Idempotent is the reportstore analog of the
// teacher's insert-batch tests: re-running the same upsert must not create
// a second row, and the latest values must win.
func TestUpsertHostHistory_Idempotent(t *testing.T) {
	store := newTestStore(t)
	m := NewMaterializer(store, nil, nil)

	if err := m.upsertHostHistory(domainDNS, "seed.example.com", 100, 100, true); err != nil {
		t.Fatalf("upsertHostHistory #1: %v", err)
	}
	if err := m.upsertHostHistory(domainDNS, "seed.example.com", 200, 200, false); err != nil {
		t.Fatalf("upsertHostHistory #2: %v", err)
	}

	summary, err := store.Summary(domainDNS)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.HostCount != 1 {
		t.Fatalf("HostCount = %d, want 1 (upsert should not duplicate the row)", summary.HostCount)
	}
	if summary.UpCount != 0 {
		t.Fatalf("UpCount = %d, want 0 (second upsert set is_up=false)", summary.UpCount)
	}
}

// TestUpsertRollup_Idempotent mirrors the same ON CONFLICT upsert semantics
// for the rollups table, confirmed via ActiveSeries summing across hosts.
func TestUpsertRollup_Idempotent(t *testing.T) {
	store := newTestStore(t)
	m := NewMaterializer(store, nil, nil)

	uc := entrymodel.UpCounts{Total: 1, SPV: 1, Version: map[string]uint32{"5.1.0": 1}}
	if err := m.upsertRollup(domainNode, bucketKindHour, 1000, "1.2.3.4:8333", 1, 1, uc); err != nil {
		t.Fatalf("upsertRollup #1: %v", err)
	}
	// Re-materializing the same bucket (e.g. on replay) must update the row
	// in place, not add a second one at the same key.
	uc2 := entrymodel.UpCounts{Total: 2, SPV: 2, Version: map[string]uint32{"5.1.0": 2}}
	if err := m.upsertRollup(domainNode, bucketKindHour, 1000, "1.2.3.4:8333", 2, 2, uc2); err != nil {
		t.Fatalf("upsertRollup #2: %v", err)
	}

	series, err := store.ActiveSeries(domainNode, bucketKindHour, 0)
	if err != nil {
		t.Fatalf("ActiveSeries: %v", err)
	}
	if len(series) != 1 {
		t.Fatalf("ActiveSeries rows = %d, want 1 (upsert should not duplicate the bucket)", len(series))
	}
	if series[0].Up != 2 || series[0].Total != 2 {
		t.Fatalf("ActiveSeries[0] = %+v, want up=2 total=2 (second upsert's values)", series[0])
	}
}

func newTestDNSIndexer(t *testing.T) *dnsindex.Indexer {
	t.Helper()
	db, err := statusdb.Open(filepath.Join(t.TempDir(), "status.db"))
	if err != nil {
		t.Fatalf("statusdb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return dnsindex.New(db, dnsindex.Config{})
}

func newTestNodeIndexer(t *testing.T) *nodeindex.Indexer {
	t.Helper()
	db, err := statusdb.Open(filepath.Join(t.TempDir(), "status.db"))
	if err != nil {
		t.Fatalf("statusdb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	x, err := nodeindex.New(db, nodeindex.Config{})
	if err != nil {
		t.Fatalf("nodeindex.New: %v", err)
	}
	return x
}

// TestMaterializerRun_ReadsThroughBothIndexers exercises the full path a
// report cycle takes: index a DNS entry and a node entry into StatusDB
// directly, materialize, then read back the rollup/host_history rows that
// resulted — the schema mapping queries.go/artifacts.go depend on.
func TestMaterializerRun_ReadsThroughBothIndexers(t *testing.T) {
	store := newTestStore(t)
	dns := newTestDNSIndexer(t)
	node := newTestNodeIndexer(t)
	m := NewMaterializer(store, dns, node)

	now := entrymodel.NowMillis()
	dnsEntry := &entrymodel.DNSEntry{
		LogTimestamp: now,
		Time:         now,
		Hostname:     "seed.example.com",
		Result:       "1.2.3.4",
	}
	if err := dns.Index(dnsEntry); err != nil {
		t.Fatalf("dns.Index: %v", err)
	}

	nodeEntry := &entrymodel.NodeEntry{
		LogTimestamp: now,
		Time:         now,
		Host:         entrymodel.HostFromIP(net.ParseIP("5.6.7.8")),
		Port:         8333,
		Result:       &entrymodel.NodeResult{Services: entrymodel.ServiceNetwork, Agent: "/hsd:5.1.0/"},
	}
	if err := node.Index(nodeEntry); err != nil {
		t.Fatalf("node.Index: %v", err)
	}

	if err := m.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dnsSummary, err := store.Summary(domainDNS)
	if err != nil {
		t.Fatalf("Summary(dns): %v", err)
	}
	if dnsSummary.HostCount != 1 || dnsSummary.UpCount != 1 {
		t.Fatalf("dns summary = %+v, want host_count=1 up_count=1", dnsSummary)
	}

	nodeSummary, err := store.Summary(domainNode)
	if err != nil {
		t.Fatalf("Summary(node): %v", err)
	}
	if nodeSummary.HostCount != 1 || nodeSummary.UpCount != 1 {
		t.Fatalf("node summary = %+v, want host_count=1 up_count=1", nodeSummary)
	}

	ports, err := store.DistinctNodePorts()
	if err != nil {
		t.Fatalf("DistinctNodePorts: %v", err)
	}
	if len(ports) != 1 || ports[0] != 8333 {
		t.Fatalf("DistinctNodePorts = %v, want [8333]", ports)
	}

	// Re-running Run over unchanged StatusDB state must upsert identical
	// rows, not duplicate them.
	if err := m.Run(); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	dnsSummary2, err := store.Summary(domainDNS)
	if err != nil {
		t.Fatalf("Summary(dns) after replay: %v", err)
	}
	if dnsSummary2.HostCount != 1 {
		t.Fatalf("dns host count after replay = %d, want 1", dnsSummary2.HostCount)
	}
}

func TestHostLabel(t *testing.T) {
	host := entrymodel.HostFromIP(net.ParseIP("1.2.3.4"))
	e := &entrymodel.NodeEntry{Host: host, Port: 8333}
	key := e.IndexKey()

	if got, want := hostLabel(key), "1.2.3.4:8333"; got != want {
		t.Fatalf("hostLabel = %q, want %q", got, want)
	}

	if got := hostLabel([]byte{1, 2, 3}); got != "010203" {
		t.Fatalf("hostLabel(short key) = %q, want %q", got, "010203")
	}
}
