// Command pulsed is the consumer-driver daemon: it ingests DNS-seed and
// peer-reachability probes into rotating segment logs, indexes them into
// StatusDB, and periodically materializes reporting rollups and backups.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/orbitwatch/pulse/internal/pulseconfig"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var configPath string
	var showVersion bool
	var demo bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/pulse/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.BoolVar(&demo, "demo", false, "generate synthetic probe traffic instead of waiting for a real prober")
	flag.Parse()

	if showVersion {
		fmt.Printf("pulse - network probe ingestion daemon\n  Version: %s\n  Commit:  %s\n", version, commit)
		return
	}

	cfg, err := pulseconfig.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulsed: loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg, demo); err != nil {
		fmt.Fprintf(os.Stderr, "pulsed: %v\n", err)
		os.Exit(1)
	}
}
