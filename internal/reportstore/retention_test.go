package reportstore

import (
	"testing"

	"github.com/orbitwatch/pulse/internal/entrymodel"
)

func TestDeleteRollupsBefore(t *testing.T) {
	store := newTestStore(t)
	m := NewMaterializer(store, nil, nil)

	if err := m.upsertRollup(domainDNS, bucketKindDay, 1000, "seed.example.com", 1, 1, entrymodel.UpCounts{}); err != nil {
		t.Fatalf("upsertRollup old: %v", err)
	}
	if err := m.upsertRollup(domainDNS, bucketKindDay, 9000, "seed.example.com", 1, 1, entrymodel.UpCounts{}); err != nil {
		t.Fatalf("upsertRollup new: %v", err)
	}

	n, err := store.DeleteRollupsBefore(5000)
	if err != nil {
		t.Fatalf("DeleteRollupsBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteRollupsBefore deleted %d rows, want 1", n)
	}

	series, err := store.ActiveSeries(domainDNS, bucketKindDay, 0)
	if err != nil {
		t.Fatalf("ActiveSeries: %v", err)
	}
	if len(series) != 1 || series[0].BucketTimestamp != 9000 {
		t.Fatalf("remaining series = %+v, want only the bucket at 9000", series)
	}
}

func TestRetentionCleaner_DisabledWhenZero(t *testing.T) {
	store := newTestStore(t)

	cleaner := NewRetentionCleaner(store, RetentionConfig{RetentionDays: 0})
	if cleaner != nil {
		t.Fatal("expected nil retention cleaner when RetentionDays is 0")
	}
}

func TestRetentionCleaner_StopIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	cleaner := NewRetentionCleaner(store, RetentionConfig{RetentionDays: 1})
	if cleaner == nil {
		t.Fatal("expected non-nil retention cleaner")
	}

	cleaner.Stop()
	cleaner.Stop()
}
