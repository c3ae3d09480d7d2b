// Package driver implements the consumer loop that ties a rotlog.Reader to
// an indexer: resume from the persisted watermark, feed each entry to the
// indexer in order, and poll for newly appended records. See spec §4.10.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/orbitwatch/pulse/internal/codec"
	"github.com/orbitwatch/pulse/internal/entrymodel"
	"github.com/orbitwatch/pulse/internal/rotlog"
)

// DefaultPollInterval is how often the driver retries reading once it has
// caught up to the end of the log, waiting for the writer to append more.
const DefaultPollInterval = time.Second

// Stats reports a driver's cumulative progress: records indexed, records
// skipped as malformed, and the logTimestamp of the last indexed record.
type Stats struct {
	Processed     int64
	Errors        int64
	LastTimestamp int64
}

// DNSIndexer is the subset of dnsindex.Indexer the driver depends on.
type DNSIndexer interface {
	Index(entry *entrymodel.DNSEntry) error
	LastTimestamp() (int64, error)
}

// NodeIndexer is the subset of nodeindex.Indexer the driver depends on.
type NodeIndexer interface {
	Index(entry *entrymodel.NodeEntry) error
	LastTimestamp() (int64, error)
}

// DNSDriver feeds a JSON-line segment directory into a DNS indexer.
type DNSDriver struct {
	dir          string
	indexer      DNSIndexer
	pollInterval time.Duration
	stats        Stats
}

// NewDNSDriver returns a driver over dir (a JSON-codec segment directory)
// feeding indexer.
func NewDNSDriver(dir string, indexer DNSIndexer) *DNSDriver {
	return &DNSDriver{dir: dir, indexer: indexer, pollInterval: DefaultPollInterval}
}

// Stats returns a snapshot of the driver's progress so far.
func (d *DNSDriver) Stats() Stats { return d.stats }

// Run resumes from the indexer's persisted watermark and feeds entries
// until ctx is cancelled, polling for new records once caught up.
func (d *DNSDriver) Run(ctx context.Context) error {
	last, err := d.indexer.LastTimestamp()
	if err != nil {
		return fmt.Errorf("driver: read dns watermark: %w", err)
	}

	r, err := rotlog.OpenReader(d.dir, rotlog.ExtJSON, last+1)
	if err != nil {
		return fmt.Errorf("driver: open dns reader: %w", err)
	}
	defer r.Close()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, rotlog.ErrNoMoreRecords) {
				if !sleepOrDone(ctx, d.pollInterval) {
					return nil
				}
				continue
			}
			return fmt.Errorf("driver: read dns record: %w", err)
		}

		entry, err := entrymodel.UnmarshalDNSInfo(rec.LogTimestamp, rec.JSON)
		if err != nil {
			d.stats.Errors++
			log.Printf("driver: skipping malformed dns record at %d: %v", rec.LogTimestamp, err)
			continue
		}
		if err := d.indexer.Index(entry); err != nil {
			return fmt.Errorf("driver: index dns entry: %w", err)
		}
		d.stats.Processed++
		d.stats.LastTimestamp = rec.LogTimestamp
	}
}

// NodeDriver feeds a binary-delta segment directory into a Node indexer.
type NodeDriver struct {
	dir          string
	indexer      NodeIndexer
	pollInterval time.Duration
	stats        Stats
}

// NewNodeDriver returns a driver over dir (a binary-codec segment
// directory) feeding indexer.
func NewNodeDriver(dir string, indexer NodeIndexer) *NodeDriver {
	return &NodeDriver{dir: dir, indexer: indexer, pollInterval: DefaultPollInterval}
}

// Stats returns a snapshot of the driver's progress so far.
func (d *NodeDriver) Stats() Stats { return d.stats }

// Run resumes from the indexer's persisted watermark and feeds entries
// until ctx is cancelled, polling for new records once caught up. CONFIG
// packets are consumed but not indexed — they exist to hydrate frequency/
// interval for JSON export, not for StatusDB.
func (d *NodeDriver) Run(ctx context.Context) error {
	last, err := d.indexer.LastTimestamp()
	if err != nil {
		return fmt.Errorf("driver: read node watermark: %w", err)
	}

	r, err := rotlog.OpenReader(d.dir, rotlog.ExtBinary, last+1)
	if err != nil {
		return fmt.Errorf("driver: open node reader: %w", err)
	}
	defer r.Close()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, rotlog.ErrNoMoreRecords) {
				if !sleepOrDone(ctx, d.pollInterval) {
					return nil
				}
				continue
			}
			return fmt.Errorf("driver: read node record: %w", err)
		}

		if rec.Binary == nil || rec.Binary.Kind != codec.PacketEntry || rec.Binary.Entry == nil {
			continue
		}
		if err := d.indexer.Index(rec.Binary.Entry); err != nil {
			return fmt.Errorf("driver: index node entry: %w", err)
		}
		d.stats.Processed++
		d.stats.LastTimestamp = rec.LogTimestamp
	}
}

// sleepOrDone waits for d, returning false if ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
