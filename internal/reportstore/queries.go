package reportstore

import (
	"fmt"
	"log"
	"strconv"
	"strings"
)

// DomainSummary is one domain's row in general.json.
type DomainSummary struct {
	Domain    string `json:"domain"`
	HostCount int    `json:"host_count"`
	UpCount   int    `json:"up_count"`
}

// Summary aggregates host_history into a per-domain up/total count, the
// same style as the teacher's queries.go: a single SQL statement read with
// one QueryRow scan, errors returned rather than swallowed at this layer.
func (s *Store) Summary(domain string) (DomainSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	out := DomainSummary{Domain: domain}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_up THEN 1 ELSE 0 END), 0)
		FROM host_history WHERE domain = ?`, domain).Scan(&out.HostCount, &out.UpCount)
	if err != nil {
		return out, fmt.Errorf("reportstore: summary(%s): %w", domain, err)
	}
	return out, nil
}

// BucketPoint is one aggregated time-bucket row, summed across every host
// in a domain.
type BucketPoint struct {
	BucketTimestamp int64 `json:"bucket_ts"`
	Up              int64 `json:"up"`
	Total           int64 `json:"total"`
}

// ActiveSeries returns the domain's up/total series for bucketKind
// ("10m", "hour", "day"), summed across all hosts, for buckets at or after
// since, ordered by bucket_ts.
func (s *Store) ActiveSeries(domain, bucketKind string, since int64) ([]BucketPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_ts, SUM(up), SUM(total)
		FROM rollups
		WHERE domain = ? AND bucket_kind = ? AND bucket_ts >= ?
		GROUP BY bucket_ts
		ORDER BY bucket_ts`, domain, bucketKind, since)
	if err != nil {
		return nil, fmt.Errorf("reportstore: active series(%s/%s): %w", domain, bucketKind, err)
	}
	defer rows.Close()

	var out []BucketPoint
	for rows.Next() {
		var p BucketPoint
		if err := rows.Scan(&p.BucketTimestamp, &p.Up, &p.Total); err != nil {
			log.Printf("reportstore: scan error (ActiveSeries %s/%s): %v", domain, bucketKind, err)
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DistinctNodePorts returns every distinct port number observed among
// node hosts, parsed from the "ip:port" host_history label.
func (s *Store) DistinctNodePorts() ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT host FROM host_history WHERE domain = ?`, domainNode)
	if err != nil {
		return nil, fmt.Errorf("reportstore: distinct node ports: %w", err)
	}
	defer rows.Close()

	seen := map[int]bool{}
	var out []int
	for rows.Next() {
		var host string
		if err := rows.Scan(&host); err != nil {
			log.Printf("reportstore: scan error (DistinctNodePorts): %v", err)
			continue
		}
		if port, ok := portOf(host); ok && !seen[port] {
			seen[port] = true
			out = append(out, port)
		}
	}
	return out, rows.Err()
}

// HostBucketPoint is one host's bucket in a per-port history artifact.
type HostBucketPoint struct {
	Host            string `json:"host"`
	BucketTimestamp int64  `json:"bucket_ts"`
	Up              int    `json:"up"`
	Total           int    `json:"total"`
}

// NodeHistoryByPort returns every host-bucket row at bucketKind for node
// hosts listening on port, ordered by host then bucket_ts.
func (s *Store) NodeHistoryByPort(port int, bucketKind string) ([]HostBucketPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT host, bucket_ts, up, total
		FROM rollups
		WHERE domain = ? AND bucket_kind = ? AND host LIKE ?
		ORDER BY host, bucket_ts`, domainNode, bucketKind, "%:"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("reportstore: node history by port %d: %w", port, err)
	}
	defer rows.Close()

	var out []HostBucketPoint
	for rows.Next() {
		var p HostBucketPoint
		if err := rows.Scan(&p.Host, &p.BucketTimestamp, &p.Up, &p.Total); err != nil {
			log.Printf("reportstore: scan error (NodeHistoryByPort %d): %v", port, err)
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func portOf(hostLabel string) (int, bool) {
	idx := strings.LastIndex(hostLabel, ":")
	if idx < 0 {
		return 0, false
	}
	port, err := strconv.Atoi(hostLabel[idx+1:])
	if err != nil {
		return 0, false
	}
	return port, true
}
