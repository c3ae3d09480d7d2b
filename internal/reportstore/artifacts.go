package reportstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orbitwatch/pulse/internal/entrymodel"
)

// generalArtifact is the shape of general.json.
type generalArtifact struct {
	GeneratedAt int64         `json:"generated_at"`
	DNS         DomainSummary `json:"dns"`
	Node        DomainSummary `json:"node"`
}

// activeArtifact is the shared shape of the three active-*.json windows.
type activeArtifact struct {
	GeneratedAt int64         `json:"generated_at"`
	BucketKind  string        `json:"bucket_kind"`
	Since       int64         `json:"since"`
	DNS         []BucketPoint `json:"dns"`
	Node        []BucketPoint `json:"node"`
}

// WriteArtifacts renders the JSON report artifacts spec §6 names
// (general.json, active-10m-day.json, active-hour-week.json,
// active-day-5month.json, and one <port>-history-hour.json /
// <port>-history-day.json pair per observed node port) into dir, which is
// created if needed.
func (s *Store) WriteArtifacts(dir string, now int64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("reportstore: mkdir %s: %w", dir, err)
	}

	if err := s.writeGeneral(dir, now); err != nil {
		return err
	}
	if err := s.writeActive(dir, "active-10m-day.json", bucketKind10m, now-entrymodel.Day, now); err != nil {
		return err
	}
	if err := s.writeActive(dir, "active-hour-week.json", bucketKindHour, now-entrymodel.Week, now); err != nil {
		return err
	}
	if err := s.writeActive(dir, "active-day-5month.json", bucketKindDay, now-5*entrymodel.Month, now); err != nil {
		return err
	}
	if err := s.writePortHistories(dir, now); err != nil {
		return err
	}
	return nil
}

func (s *Store) writeGeneral(dir string, now int64) error {
	dnsSummary, err := s.Summary(domainDNS)
	if err != nil {
		return err
	}
	nodeSummary, err := s.Summary(domainNode)
	if err != nil {
		return err
	}
	art := generalArtifact{GeneratedAt: now, DNS: dnsSummary, Node: nodeSummary}
	return writeJSON(filepath.Join(dir, "general.json"), art)
}

func (s *Store) writeActive(dir, filename, bucketKind string, since, now int64) error {
	dnsSeries, err := s.ActiveSeries(domainDNS, bucketKind, since)
	if err != nil {
		return err
	}
	nodeSeries, err := s.ActiveSeries(domainNode, bucketKind, since)
	if err != nil {
		return err
	}
	art := activeArtifact{
		GeneratedAt: now,
		BucketKind:  bucketKind,
		Since:       since,
		DNS:         dnsSeries,
		Node:        nodeSeries,
	}
	return writeJSON(filepath.Join(dir, filename), art)
}

// portHistoryArtifact is the shape of <port>-history-*.json.
type portHistoryArtifact struct {
	GeneratedAt int64             `json:"generated_at"`
	Port        int               `json:"port"`
	BucketKind  string            `json:"bucket_kind"`
	Hosts       []HostBucketPoint `json:"hosts"`
}

func (s *Store) writePortHistories(dir string, now int64) error {
	ports, err := s.DistinctNodePorts()
	if err != nil {
		return err
	}
	for _, port := range ports {
		for _, kind := range []string{bucketKindHour, bucketKindDay} {
			rows, err := s.NodeHistoryByPort(port, kind)
			if err != nil {
				return err
			}
			art := portHistoryArtifact{GeneratedAt: now, Port: port, BucketKind: kind, Hosts: rows}
			name := fmt.Sprintf("%d-history-%s.json", port, kind)
			if err := writeJSON(filepath.Join(dir, name), art); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("reportstore: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("reportstore: write %s: %w", path, err)
	}
	return nil
}
