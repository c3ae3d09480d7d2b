package nodeindex

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/orbitwatch/pulse/internal/entrymodel"
	"github.com/orbitwatch/pulse/internal/statusdb"
)

func newTestIndexer(t *testing.T, cfg Config) *Indexer {
	t.Helper()
	db, err := statusdb.Open(filepath.Join(t.TempDir(), "status.db"))
	if err != nil {
		t.Fatalf("statusdb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// Pin the clock to "now" so the recency gates in §4.9 never exclude
	// entries timestamped relative to entrymodel.NowMillis() in these tests.
	if cfg.Clock == nil {
		now := entrymodel.NowMillis()
		cfg.Clock = func() int64 { return now }
	}
	x, err := New(db, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return x
}

func testHost(ip string, port uint16) []byte {
	e := &entrymodel.NodeEntry{Host: entrymodel.HostFromIP(net.ParseIP(ip)), Port: port}
	return e.IndexKey()
}

// TestVirtualEntryPromotion is spec §8 end-to-end scenario 4: 10 successful
// entries, 9 with NETWORK set, within one hour bucket; the bucket's virtual
// entry should count as up and carry the canSync feature bit.
func TestVirtualEntryPromotion(t *testing.T) {
	x := newTestIndexer(t, Config{OnlinePercentile: 0.90, FeaturePercentile: 0.50})
	host := testHost("1.2.3.4", 8333)
	now := x.cfg.Clock()

	for i := 0; i < 10; i++ {
		services := entrymodel.ServiceNetwork
		if i == 9 {
			services = 0 // the one entry without NETWORK set
		}
		e := &entrymodel.NodeEntry{
			LogTimestamp: now - entrymodel.Hour + int64(i)*1000,
			Time:         now - entrymodel.Hour + int64(i)*1000,
			Host:         entrymodel.HostFromIP(net.ParseIP("1.2.3.4")),
			Port:         8333,
			Result: &entrymodel.NodeResult{
				PeerVersion: 1,
				Services:    services,
				Agent:       "/hsd:5.1.0/",
			},
		}
		if err := x.Index(e); err != nil {
			t.Fatalf("index %d: %v", i, err)
		}
	}

	hour := entrymodel.FloorMillis(now-entrymodel.Hour, entrymodel.Hour)
	global, ok, err := x.getGlobalUpCountsBucket(x.hourGlobalCache, statusdb.TagUpCountHour, hour)
	if err != nil {
		t.Fatalf("getGlobalUpCountsBucket: %v", err)
	}
	if !ok {
		t.Fatal("expected a global hourly up-count row to exist")
	}
	if global.CanSync != 1 {
		t.Fatalf("expected the bucket's virtual entry to count as canSync, got CanSync=%d in %+v", global.CanSync, global)
	}
	_ = host
}

// TestIsUpTransitionsOnFailure checks the UP marker flips down immediately
// on a failed observation and the global scalar UpCounts total follows.
func TestIsUpTransitionsOnFailure(t *testing.T) {
	x := newTestIndexer(t, Config{})
	host := entrymodel.HostFromIP(net.ParseIP("5.6.7.8"))
	now := x.cfg.Clock()

	ok1 := &entrymodel.NodeEntry{
		LogTimestamp: now,
		Time:         now,
		Host:         host,
		Port:         8333,
		Result:       &entrymodel.NodeResult{Services: entrymodel.ServiceNetwork, Agent: "/hsd:5.1.0/"},
	}
	if err := x.Index(ok1); err != nil {
		t.Fatalf("index success: %v", err)
	}
	up, err := x.IsUp(ok1.IndexKey())
	if err != nil || !up {
		t.Fatalf("expected up after success: up=%v err=%v", up, err)
	}
	global, ok, err := x.getGlobalUpCounts()
	if err != nil || !ok || global.Total != 1 {
		t.Fatalf("expected global total=1, got %+v ok=%v err=%v", global, ok, err)
	}

	fail := &entrymodel.NodeEntry{
		LogTimestamp: now + 1,
		Time:         now + 1,
		Host:         host,
		Port:         8333,
		Error:        "ECONNREFUSED",
	}
	if err := x.Index(fail); err != nil {
		t.Fatalf("index failure: %v", err)
	}
	up, err = x.IsUp(fail.IndexKey())
	if err != nil || up {
		t.Fatalf("expected down after failure: up=%v err=%v", up, err)
	}
	global, ok, err = x.getGlobalUpCounts()
	if err != nil || !ok || global.Total != 0 {
		t.Fatalf("expected global total=0 after sub, got %+v ok=%v err=%v", global, ok, err)
	}
}

// TestRecencyGatesExcludeOldEntriesFromHourlyBuckets is spec §4.9's
// recency-gate rule: entries older than two weeks never populate hourly
// buckets, but always populate daily buckets and LAST_*.
func TestRecencyGatesExcludeOldEntriesFromHourlyBuckets(t *testing.T) {
	x := newTestIndexer(t, Config{})
	now := x.cfg.Clock()
	host := entrymodel.HostFromIP(net.ParseIP("9.9.9.9"))
	old := &entrymodel.NodeEntry{
		LogTimestamp: now - 3*entrymodel.Week,
		Time:         now - 3*entrymodel.Week,
		Host:         host,
		Port:         1,
		Result:       &entrymodel.NodeResult{Agent: "/hsd:5.1.0/"},
	}
	if err := x.Index(old); err != nil {
		t.Fatalf("index old entry: %v", err)
	}

	hourly, err := x.GetHourlyBucketsByTime(old.IndexKey(), 0)
	if err != nil {
		t.Fatalf("GetHourlyBucketsByTime: %v", err)
	}
	if len(hourly) != 0 {
		t.Fatalf("expected no hourly bucket for an entry older than the 2-week gate, got %d", len(hourly))
	}

	daily, err := x.GetDailyBucketsByTime(old.IndexKey(), 0)
	if err != nil {
		t.Fatalf("GetDailyBucketsByTime: %v", err)
	}
	if len(daily) != 1 {
		t.Fatalf("expected daily buckets to always populate, got %d", len(daily))
	}

	lastStatus, ok, err := x.GetLastStatusRaw(old.IndexKey())
	if err != nil || !ok {
		t.Fatalf("expected LAST_STATUS to always populate: ok=%v err=%v", ok, err)
	}
	if lastStatus.LogTimestamp != old.LogTimestamp {
		t.Fatalf("unexpected LAST_STATUS: %+v", lastStatus)
	}
}

// TestGetPortsForIPEnumeratesPortMappings exercises §4.7's PORT_MAPPINGS
// use of the UP-marker tag.
func TestGetPortsForIPEnumeratesPortMappings(t *testing.T) {
	x := newTestIndexer(t, Config{})
	now := x.cfg.Clock()
	ip := net.ParseIP("4.4.4.4")

	for _, port := range []uint16{8333, 8334} {
		e := &entrymodel.NodeEntry{
			LogTimestamp: now,
			Time:         now,
			Host:         entrymodel.HostFromIP(ip),
			Port:         port,
			Result:       &entrymodel.NodeResult{Agent: "/hsd:5.1.0/"},
		}
		if err := x.Index(e); err != nil {
			t.Fatalf("index port %d: %v", port, err)
		}
	}

	hostBytes := entrymodel.HostFromIP(ip)
	ports, err := x.GetPortsForIP(hostBytes[:])
	if err != nil {
		t.Fatalf("GetPortsForIP: %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("expected 2 ports, got %v", ports)
	}
}

// TestPutBucketStatusAndFoldVirtualEntryDeferCaching is spec §4.9's cache
// coherence rule: these two batch-queuing helpers must only queue writes
// against the batch and never touch a cache themselves, since the batch
// might still fail at Commit. Index (the only caller) is responsible for
// writing the caches itself, after Commit succeeds.
func TestPutBucketStatusAndFoldVirtualEntryDeferCaching(t *testing.T) {
	x := newTestIndexer(t, Config{CacheSize: 64})
	host := entrymodel.HostFromIP(net.ParseIP("8.8.8.8"))
	day := entrymodel.FloorMillis(x.cfg.Clock(), entrymodel.Day)
	entry := &entrymodel.NodeEntry{
		LogTimestamp: x.cfg.Clock(),
		Time:         x.cfg.Clock(),
		Host:         host,
		Port:         8333,
		Result:       &entrymodel.NodeResult{Services: entrymodel.ServiceNetwork, Agent: "/hsd:5.1.0/"},
	}

	b := x.db.NewBatch()
	status := entrymodel.NodeBucketStatus{UpCounts: entrymodel.NewUpCounts()}
	status.Add(entry)
	if err := x.putBucketStatus(b, statusdb.TagStatusDayByHost, host[:], day, status); err != nil {
		t.Fatalf("putBucketStatus: %v", err)
	}
	if _, ok := x.dayBucketCache.Get(bucketCacheKey(host[:], day)); ok {
		t.Fatal("putBucketStatus must not populate the cache before the batch commits")
	}

	if _, err := x.foldVirtualEntry(b, statusdb.TagUpCountDay, x.dayGlobalCache, day, entrymodel.NodeBucketStatus{UpCounts: entrymodel.NewUpCounts()}, status, entry); err != nil {
		t.Fatalf("foldVirtualEntry: %v", err)
	}
	if _, ok := x.dayGlobalCache.Get(day); ok {
		t.Fatal("foldVirtualEntry must not populate the cache before the batch commits")
	}

	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, ok := x.dayBucketCache.Get(bucketCacheKey(host[:], day)); ok {
		t.Fatal("committing the batch must not retroactively populate caches the helpers never wrote to")
	}
}

// TestNodeIndexerCachingMatchesUncached verifies §4.9's "caches vs.
// correctness" requirement: identical input sequences produce identical
// observable state whether or not caching is enabled.
func TestNodeIndexerCachingMatchesUncached(t *testing.T) {
	now := entrymodel.NowMillis()
	clock := func() int64 { return now }
	host := entrymodel.HostFromIP(net.ParseIP("7.7.7.7"))

	run := func(cacheSize int) (*entrymodel.UpCounts, bool) {
		db, err := statusdb.Open(filepath.Join(t.TempDir(), "status.db"))
		if err != nil {
			t.Fatalf("statusdb.Open: %v", err)
		}
		defer db.Close()
		x, err := New(db, Config{CacheSize: cacheSize, Clock: clock})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		for i := 0; i < 5; i++ {
			e := &entrymodel.NodeEntry{
				LogTimestamp: now + int64(i),
				Time:         now + int64(i),
				Host:         host,
				Port:         8333,
				Result:       &entrymodel.NodeResult{Services: entrymodel.ServiceNetwork, Agent: "/hsd:5.1.0/"},
			}
			if err := x.Index(e); err != nil {
				t.Fatalf("index %d: %v", i, err)
			}
		}
		uc, ok, err := x.getGlobalUpCounts()
		if err != nil {
			t.Fatalf("getGlobalUpCounts: %v", err)
		}
		return &uc, ok
	}

	uncached, okA := run(0)
	cached, okB := run(64)
	if okA != okB {
		t.Fatalf("presence mismatch: cached=%v uncached=%v", okB, okA)
	}
	if uncached.Total != cached.Total || uncached.CanSync != cached.CanSync {
		t.Fatalf("cached vs uncached state diverged: %+v vs %+v", cached, uncached)
	}
}
