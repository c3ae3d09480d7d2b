package dnsindex

import (
	"path/filepath"
	"testing"

	"github.com/orbitwatch/pulse/internal/entrymodel"
	"github.com/orbitwatch/pulse/internal/statusdb"
)

func newTestIndexer(t *testing.T) *Indexer {
	t.Helper()
	db, err := statusdb.Open(filepath.Join(t.TempDir(), "status.db"))
	if err != nil {
		t.Fatalf("statusdb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, Config{})
}

// TestUpCountTransition is spec §8 end-to-end scenario 3.
func TestUpCountTransition(t *testing.T) {
	x := newTestIndexer(t)

	if err := x.Index(&entrymodel.DNSEntry{LogTimestamp: 1, Hostname: "a", Result: "1.1.1.1", Time: 600000}); err != nil {
		t.Fatalf("index a success: %v", err)
	}
	if err := x.Index(&entrymodel.DNSEntry{LogTimestamp: 2, Hostname: "b", Result: "2.2.2.2", Time: 600000}); err != nil {
		t.Fatalf("index b success: %v", err)
	}
	if err := x.Index(&entrymodel.DNSEntry{LogTimestamp: 3, Hostname: "a", Error: "ETIMEDOUT", Time: 600100}); err != nil {
		t.Fatalf("index a failure: %v", err)
	}

	count, err := x.getUpCount()
	if err != nil {
		t.Fatalf("getUpCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected UP_COUNT==1, got %d", count)
	}

	if up, err := x.IsUp("a"); err != nil || up {
		t.Fatalf("expected a down, got up=%v err=%v", up, err)
	}
	if up, err := x.IsUp("b"); err != nil || !up {
		t.Fatalf("expected b up, got up=%v err=%v", up, err)
	}

	bucket10, err := x.getUpCountBucket(statusdb.TagUpCount10, entrymodel.FloorMillis(600000, entrymodel.Minute*10))
	if err != nil {
		t.Fatalf("getUpCountBucket: %v", err)
	}
	if bucket10 != 1 {
		t.Fatalf("expected UP_COUNT_10==1, got %d", bucket10)
	}
}

// TestIndexIsIdempotentUnderReplay is spec §8 invariant 5: replaying the
// same logTimestamp twice must yield the same LAST_STATUS/LAST_UP/marker
// state as processing it once.
func TestIndexIsIdempotentUnderReplay(t *testing.T) {
	x := newTestIndexer(t)
	e := &entrymodel.DNSEntry{LogTimestamp: 10, Hostname: "a", Result: "1.1.1.1", Time: 600000}

	if err := x.Index(e); err != nil {
		t.Fatalf("first index: %v", err)
	}
	status1, _, err := x.GetLastStatus("a")
	if err != nil {
		t.Fatalf("GetLastStatus: %v", err)
	}
	up1, _, err := x.GetLastUp("a")
	if err != nil {
		t.Fatalf("GetLastUp: %v", err)
	}
	isUp1, err := x.IsUp("a")
	if err != nil {
		t.Fatalf("IsUp: %v", err)
	}

	if err := x.Index(e); err != nil {
		t.Fatalf("replay index: %v", err)
	}
	status2, _, err := x.GetLastStatus("a")
	if err != nil {
		t.Fatalf("GetLastStatus: %v", err)
	}
	up2, _, err := x.GetLastUp("a")
	if err != nil {
		t.Fatalf("GetLastUp: %v", err)
	}
	isUp2, err := x.IsUp("a")
	if err != nil {
		t.Fatalf("IsUp: %v", err)
	}

	if status1.LogTimestamp != status2.LogTimestamp || status1.Hostname != status2.Hostname {
		t.Fatalf("LAST_STATUS changed on replay: %+v vs %+v", status1, status2)
	}
	if up1 != up2 {
		t.Fatalf("LAST_UP changed on replay: %d vs %d", up1, up2)
	}
	if isUp1 != isUp2 {
		t.Fatalf("marker state changed on replay: %v vs %v", isUp1, isUp2)
	}
}

// TestHourlyBucketTotalsMatchEntryCount is spec §8 invariant 4.
func TestHourlyBucketTotalsMatchEntryCount(t *testing.T) {
	x := newTestIndexer(t)
	hourStart := entrymodel.FloorMillis(entrymodel.NowMillis(), entrymodel.Hour)

	for i := int64(0); i < 5; i++ {
		e := &entrymodel.DNSEntry{
			LogTimestamp: i + 1,
			Hostname:     "a",
			Time:         hourStart + i*1000,
			Result:       "1.1.1.1",
		}
		if i%2 == 1 {
			e.Result = ""
			e.Error = "ETIMEDOUT"
		}
		if err := x.Index(e); err != nil {
			t.Fatalf("index %d: %v", i, err)
		}
	}

	buckets, err := x.GetHourlyBucketsByTime("a", 0)
	if err != nil {
		t.Fatalf("GetHourlyBucketsByTime: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("expected 1 hourly bucket, got %d", len(buckets))
	}
	if buckets[0].Status.Total != 5 {
		t.Fatalf("expected total=5, got %d", buckets[0].Status.Total)
	}
	if buckets[0].Status.Up != 3 {
		t.Fatalf("expected up=3, got %d", buckets[0].Status.Up)
	}
}

// TestBucketPercentageIsNegativeOneWhenEmpty is spec §8's boundary
// behaviour on an empty bucket.
func TestBucketPercentageIsNegativeOneWhenEmpty(t *testing.T) {
	var st entrymodel.DNSBucketStatus
	if got := st.Percentage(); got != -1 {
		t.Fatalf("expected -1 for empty bucket, got %v", got)
	}
}

// TestCleanupStatusesByTimeDeletesOnlyOlderBuckets exercises spec §8
// scenario 6's shape (here at 10-minute resolution).
func TestCleanupStatusesByTimeDeletesOnlyOlderBuckets(t *testing.T) {
	x := newTestIndexer(t)
	tenMin := entrymodel.Minute * 10
	for i := int64(0); i < 5; i++ {
		e := &entrymodel.DNSEntry{
			LogTimestamp: i + 1,
			Hostname:     "a",
			Time:         i * tenMin,
			Result:       "1.1.1.1",
		}
		if err := x.Index(e); err != nil {
			t.Fatalf("index %d: %v", i, err)
		}
	}

	before := tenMin * 3
	n, err := x.CleanupStatusesByTime("a", before)
	if err != nil {
		t.Fatalf("CleanupStatusesByTime: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 buckets deleted, got %d", n)
	}

	remaining, err := x.GetLastStatusesByTime("a", 0)
	if err != nil {
		t.Fatalf("GetLastStatusesByTime: %v", err)
	}
	for _, e := range remaining {
		bucketTs := entrymodel.FloorMillis(e.Time, tenMin)
		if bucketTs < before {
			t.Fatalf("expected no surviving bucket older than %d, found %d", before, bucketTs)
		}
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 surviving buckets, got %d", len(remaining))
	}
}

func TestValidateRejectsErrorAndResultTogether(t *testing.T) {
	x := newTestIndexer(t)
	e := &entrymodel.DNSEntry{Hostname: "a", Error: "x", Result: "y"}
	if err := x.Index(e); err == nil {
		t.Fatal("expected invariant violation to be rejected")
	}
}
