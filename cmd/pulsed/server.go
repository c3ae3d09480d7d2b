package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orbitwatch/pulse/internal/backupmgr"
	"github.com/orbitwatch/pulse/internal/codec"
	"github.com/orbitwatch/pulse/internal/dnsindex"
	"github.com/orbitwatch/pulse/internal/driver"
	"github.com/orbitwatch/pulse/internal/entrymodel"
	"github.com/orbitwatch/pulse/internal/nodeindex"
	"github.com/orbitwatch/pulse/internal/probesource"
	"github.com/orbitwatch/pulse/internal/pulseconfig"
	"github.com/orbitwatch/pulse/internal/reportstore"
	"github.com/orbitwatch/pulse/internal/rotlog"
	"github.com/orbitwatch/pulse/internal/statusdb"
)

// runServer wires every component named in SPEC_FULL §E.1 together and
// runs until a terminating signal arrives.
func runServer(cfg pulseconfig.Config, demo bool) error {
	db, err := statusdb.Open(cfg.StatusDBPath())
	if err != nil {
		return fmt.Errorf("opening statusdb: %w", err)
	}
	defer db.Close()

	dnsIdx := dnsindex.New(db, dnsindex.Config{OnlinePercentile: cfg.OnlinePercentile})
	nodeIdx, err := nodeindex.New(db, nodeindex.Config{
		OnlinePercentile:  cfg.OnlinePercentile,
		FeaturePercentile: cfg.FeaturePercentile,
		CacheSize:         cfg.NodeCacheSize,
	})
	if err != nil {
		return fmt.Errorf("initializing node indexer: %w", err)
	}

	dnsWriter, err := rotlog.Open(cfg.DNSDir(), rotlog.ExtJSON, rotlog.WriterConfig{
		MaxFileSize: cfg.DNSMaxFileSize,
		AutoGzip:    cfg.DNSAutoGzip,
	})
	if err != nil {
		return fmt.Errorf("opening dns writer: %w", err)
	}
	defer dnsWriter.Close()

	nodeWriter, err := rotlog.Open(cfg.NodesDir(), rotlog.ExtBinary, rotlog.WriterConfig{
		MaxFileSize: cfg.NodesMaxFileSize,
		AutoGzip:    cfg.NodesAutoGzip,
	})
	if err != nil {
		return fmt.Errorf("opening node writer: %w", err)
	}
	defer nodeWriter.Close()

	var reportStore *reportstore.Store
	var materializer *reportstore.Materializer
	var retention *reportstore.RetentionCleaner
	if cfg.ReportEnabled {
		reportStore, err = reportstore.Open(cfg.ReportDBPath)
		if err != nil {
			return fmt.Errorf("opening reportstore: %w", err)
		}
		defer reportStore.Close()
		materializer = reportstore.NewMaterializer(reportStore, dnsIdx, nodeIdx)
		retention = reportstore.NewRetentionCleaner(reportStore)
		if retention != nil {
			defer retention.Stop()
		}
	}

	var backupSources []backupmgr.Source
	backupSources = append(backupSources, backupmgr.Source{Name: "statusdb.bolt", Snapshotter: db})
	if reportStore != nil {
		backupSources = append(backupSources, backupmgr.Source{Name: "reportstore.duckdb", Snapshotter: reportStore})
	}
	backupManager, err := backupmgr.NewManager(backupSources, backupmgr.Config{
		Enabled:   cfg.BackupEnabled,
		Interval:  cfg.BackupInterval,
		LocalDir:  cfg.BackupLocalDir,
		KeepLast:  cfg.BackupKeepLast,
		BucketURL: cfg.BackupBucketURL,
	})
	if err != nil {
		return fmt.Errorf("initializing backups: %w", err)
	}
	if backupManager != nil {
		defer backupManager.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("pulsed: shutting down")
		cancel()
	}()

	var source probesource.Source
	if demo {
		source = probesource.NewSynthetic(ctx, probesource.SyntheticConfig{})
	}

	g, gctx := errgroup.WithContext(ctx)

	if source != nil {
		g.Go(func() error { return ingestDNS(gctx, dnsWriter, source.DNSEvents()) })
		g.Go(func() error { return ingestNodes(gctx, nodeWriter, source.NodeEvents()) })
	}

	g.Go(func() error {
		d := driver.NewDNSDriver(cfg.DNSDir(), dnsIdx)
		return d.Run(gctx)
	})
	g.Go(func() error {
		d := driver.NewNodeDriver(cfg.NodesDir(), nodeIdx)
		return d.Run(gctx)
	})

	if materializer != nil {
		g.Go(func() error { return runReportLoop(gctx, materializer, reportStore, cfg) })
	}

	if err := g.Wait(); err != nil {
		log.Printf("pulsed: errgroup exited with error: %v", err)
	}
	if source != nil {
		source.Stop()
	}
	return nil
}

// ingestDNS persists each DNS observation as a JSON-line record, per
// spec §4.4.
func ingestDNS(ctx context.Context, w *rotlog.Writer, events <-chan *entrymodel.DNSEntry) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			raw, err := e.MarshalInfo()
			if err != nil {
				log.Printf("pulsed: marshal dns entry: %v", err)
				continue
			}
			line, err := codec.EncodeJSONLine(e.LogTimestamp, raw)
			if err != nil {
				log.Printf("pulsed: encode dns line: %v", err)
				continue
			}
			if _, err := w.Write(line, e.LogTimestamp); err != nil {
				log.Printf("pulsed: write dns segment: %v", err)
			}
		}
	}
}

// ingestNodes persists each node observation as a binary-delta ENTRY
// packet, per spec §4.5, tracking the previous logTimestamp emitted in
// this writer session for delta compression. Per §4.5's invariant, a CONFIG
// packet reflecting the entry's frequency/interval is prepended whenever
// the writer has no segment currently open — i.e. this Write starts a new
// session, whether because the writer just started or just rotated.
func ingestNodes(ctx context.Context, w *rotlog.Writer, events <-chan *entrymodel.NodeEntry) error {
	var havePrev bool
	var prevTs int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			sessionReset := !w.HasOpenSegment()
			packet, err := codec.EncodeEntryPacket(havePrev && !sessionReset, prevTs, e)
			if err != nil {
				log.Printf("pulsed: encode node entry: %v", err)
				continue
			}
			if sessionReset {
				cfg := codec.EncodeConfigPacket(codec.Config{
					Frequency: uint64(e.Frequency),
					Interval:  uint64(e.Interval),
				})
				packet = append(cfg, packet...)
			}
			if _, err := w.Write(packet, e.LogTimestamp); err != nil {
				log.Printf("pulsed: write node segment: %v", err)
				continue
			}
			havePrev = true
			prevTs = e.LogTimestamp
		}
	}
}

// runReportLoop periodically materializes StatusDB into the reportstore
// schema and renders the JSON artifacts named in spec §6.
func runReportLoop(ctx context.Context, m *reportstore.Materializer, store *reportstore.Store, cfg pulseconfig.Config) error {
	interval := cfg.ReportInterval
	if interval <= 0 {
		interval = reportstore.DefaultReportInterval
	}

	run := func() {
		if err := m.Run(); err != nil {
			log.Printf("pulsed: materialize: %v", err)
			return
		}
		if err := store.WriteArtifacts(cfg.ReportDir, time.Now().UnixMilli()); err != nil {
			log.Printf("pulsed: write artifacts: %v", err)
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			run()
		}
	}
}
