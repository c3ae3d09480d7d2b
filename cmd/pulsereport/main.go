// Command pulsereport is a one-shot reporter CLI: it opens the same
// StatusDB and reportstore files pulsed maintains, materializes the
// rollup tables, and renders the five JSON artifacts described in spec
// §6 into a directory. It does not ingest or tail anything itself. It
// opens StatusDB read-write, which takes bbolt's exclusive file lock, so
// it cannot open the file while pulsed holds it and gives up after a
// one-second timeout.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/orbitwatch/pulse/internal/dnsindex"
	"github.com/orbitwatch/pulse/internal/nodeindex"
	"github.com/orbitwatch/pulse/internal/pulseconfig"
	"github.com/orbitwatch/pulse/internal/reportstore"
	"github.com/orbitwatch/pulse/internal/statusdb"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var configPath string
	var outDir string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/pulse/config.yml)")
	flag.StringVar(&outDir, "out", "", "report output directory (default: the config's report-dir)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("pulsereport - network probe reporting CLI\n  Version: %s\n  Commit:  %s\n", version, commit)
		return
	}

	cfg, err := pulseconfig.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulsereport: loading config: %v\n", err)
		os.Exit(1)
	}
	if outDir == "" {
		outDir = cfg.ReportDir
	}

	if err := run(cfg, outDir); err != nil {
		fmt.Fprintf(os.Stderr, "pulsereport: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg pulseconfig.Config, outDir string) error {
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

	store, err := reportstore.Open(cfg.ReportDBPath)
	if err != nil {
		return fmt.Errorf("opening reportstore: %w", err)
	}
	defer store.Close()

	m := reportstore.NewMaterializer(store, dnsIdx, nodeIdx)
	if err := m.Run(); err != nil {
		return fmt.Errorf("materializing rollups: %w", err)
	}

	if err := store.WriteArtifacts(outDir, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("writing artifacts: %w", err)
	}

	fmt.Printf("pulsereport: wrote artifacts to %s\n", outDir)
	return nil
}
