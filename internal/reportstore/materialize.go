package reportstore

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/orbitwatch/pulse/internal/dnsindex"
	"github.com/orbitwatch/pulse/internal/entrymodel"
	"github.com/orbitwatch/pulse/internal/nodeindex"
)

const (
	domainDNS  = "dns"
	domainNode = "node"

	bucketKind10m  = "10m"
	bucketKindHour = "hour"
	bucketKindDay  = "day"
)

// Materializer reads StatusDB through the two indexers and upserts the
// rollups/host_history tables. It never writes back to StatusDB — the
// relationship is strictly read-only and rebuildable.
type Materializer struct {
	store *Store
	dns   *dnsindex.Indexer
	node  *nodeindex.Indexer
}

// NewMaterializer returns a Materializer writing into store, reading from
// dns and node.
func NewMaterializer(store *Store, dns *dnsindex.Indexer, node *nodeindex.Indexer) *Materializer {
	return &Materializer{store: store, dns: dns, node: node}
}

// Run performs one full materialization pass over both indexers. It is
// idempotent: re-running over unchanged StatusDB state upserts identical
// rows.
func (m *Materializer) Run() error {
	if err := m.materializeDNS(); err != nil {
		return fmt.Errorf("reportstore: materialize dns: %w", err)
	}
	if err := m.materializeNode(); err != nil {
		return fmt.Errorf("reportstore: materialize node: %w", err)
	}
	return nil
}

func (m *Materializer) materializeDNS() error {
	hostnames, err := m.dns.GetHostnames()
	if err != nil {
		return err
	}
	for _, host := range hostnames {
		isUp, err := m.dns.IsUp(host)
		if err != nil {
			return err
		}
		var lastTimestamp, lastUp int64
		if status, ok, err := m.dns.GetLastStatus(host); err != nil {
			return err
		} else if ok {
			lastTimestamp = status.LogTimestamp
		}
		if up, ok, err := m.dns.GetLastUp(host); err != nil {
			return err
		} else if ok {
			lastUp = up
		}
		if err := m.upsertHostHistory(domainDNS, host, lastTimestamp, lastUp, isUp); err != nil {
			return err
		}

		recent, err := m.dns.GetLastStatusesByTime(host, 0)
		if err != nil {
			return err
		}
		for _, e := range recent {
			up, total := 0, 1
			if e.IsSuccessful() {
				up = 1
			}
			ts := entrymodel.FloorMillis(e.Time, entrymodel.Minute*10)
			if err := m.upsertRollup(domainDNS, bucketKind10m, ts, host, up, total, entrymodel.UpCounts{}); err != nil {
				return err
			}
		}

		hourly, err := m.dns.GetHourlyBucketsByTime(host, 0)
		if err != nil {
			return err
		}
		for _, b := range hourly {
			if err := m.upsertRollup(domainDNS, bucketKindHour, b.BucketTimestamp, host, int(b.Status.Up), int(b.Status.Total), entrymodel.UpCounts{}); err != nil {
				return err
			}
		}

		daily, err := m.dns.GetDailyBucketsByTime(host, 0)
		if err != nil {
			return err
		}
		for _, b := range daily {
			if err := m.upsertRollup(domainDNS, bucketKindDay, b.BucketTimestamp, host, int(b.Status.Up), int(b.Status.Total), entrymodel.UpCounts{}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Materializer) materializeNode() error {
	hosts, err := m.node.GetHosts()
	if err != nil {
		return err
	}
	for _, host := range hosts {
		label := hostLabel(host)

		isUp, err := m.node.IsUp(host)
		if err != nil {
			return err
		}
		var lastTimestamp, lastUp int64
		if status, ok, err := m.node.GetLastStatusRaw(host); err != nil {
			return err
		} else if ok {
			lastTimestamp = status.LogTimestamp
		}
		if up, ok, err := m.node.GetLastUp(host); err != nil {
			return err
		} else if ok {
			lastUp = up
		}
		if err := m.upsertHostHistory(domainNode, label, lastTimestamp, lastUp, isUp); err != nil {
			return err
		}

		recent, err := m.node.GetRecentEntriesByTime(host, 0)
		if err != nil {
			return err
		}
		for _, e := range recent {
			up, total := 0, 1
			uc := entrymodel.UpCounts{}
			if e.IsSuccessful() {
				up = 1
				uc.Add(e.Result)
			}
			ts := entrymodel.FloorMillis(e.Time, entrymodel.Minute*10)
			if err := m.upsertRollup(domainNode, bucketKind10m, ts, label, up, total, uc); err != nil {
				return err
			}
		}

		hourly, err := m.node.GetHourlyBucketsByTime(host, 0)
		if err != nil {
			return err
		}
		for _, b := range hourly {
			if err := m.upsertRollup(domainNode, bucketKindHour, b.BucketTimestamp, label, int(b.Status.Up), int(b.Status.Total), b.Status.UpCounts); err != nil {
				return err
			}
		}

		daily, err := m.node.GetDailyBucketsByTime(host, 0)
		if err != nil {
			return err
		}
		for _, b := range daily {
			if err := m.upsertRollup(domainNode, bucketKindDay, b.BucketTimestamp, label, int(b.Status.Up), int(b.Status.Total), b.Status.UpCounts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Materializer) upsertHostHistory(domain, host string, lastTimestamp, lastUp int64, isUp bool) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	ctx, cancel := m.store.queryCtx()
	defer cancel()
	_, err := m.store.db.ExecContext(ctx, `
		INSERT INTO host_history (domain, host, last_timestamp, last_up, is_up)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (domain, host) DO UPDATE SET
			last_timestamp = excluded.last_timestamp,
			last_up        = excluded.last_up,
			is_up          = excluded.is_up,
			updated_at     = now()`,
		domain, host, lastTimestamp, lastUp, isUp)
	return err
}

func (m *Materializer) upsertRollup(domain, bucketKind string, bucketTS int64, host string, up, total int, uc entrymodel.UpCounts) error {
	versionJSON, err := json.Marshal(uc.Version)
	if err != nil {
		versionJSON = []byte("{}")
	}

	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	ctx, cancel := m.store.queryCtx()
	defer cancel()
	_, err = m.store.db.ExecContext(ctx, `
		INSERT INTO rollups (domain, bucket_kind, bucket_ts, host, up, total, spv, compacted, pruned, can_sync, version_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain, bucket_kind, bucket_ts, host) DO UPDATE SET
			up           = excluded.up,
			total        = excluded.total,
			spv          = excluded.spv,
			compacted    = excluded.compacted,
			pruned       = excluded.pruned,
			can_sync     = excluded.can_sync,
			version_json = excluded.version_json,
			updated_at   = now()`,
		domain, bucketKind, bucketTS, host, up, total, uc.SPV, uc.Compacted, uc.Pruned, uc.CanSync, string(versionJSON))
	return err
}

// hostLabel renders a node's 18-byte index key as "ip:port" for storage in
// the SQL schema's VARCHAR host column.
func hostLabel(host []byte) string {
	if len(host) != 18 {
		return fmt.Sprintf("%x", host)
	}
	ip := net.IP(host[:16])
	port := uint16(host[16])<<8 | uint16(host[17])
	return fmt.Sprintf("%s:%d", ip.String(), port)
}
