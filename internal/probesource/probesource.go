// Package probesource defines the boundary between this system's core (the
// rotating log + indexer pipeline) and the probing engine that produces
// observations — an external collaborator per spec §1, specified here only
// by the channel interface the core consumes. A Synthetic implementation is
// included for demos and integration tests where no real prober is wired.
package probesource

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/orbitwatch/pulse/internal/entrymodel"
)

// Source supplies DNS and Node observations over channels, closing both
// when probing stops.
type Source interface {
	DNSEvents() <-chan *entrymodel.DNSEntry
	NodeEvents() <-chan *entrymodel.NodeEntry
	Stop()
}

// SyntheticConfig controls the demo generator's shape.
type SyntheticConfig struct {
	Hostnames   []string
	NodeCount   int
	Interval    time.Duration
	BufferSize  int
}

func (c SyntheticConfig) withDefaults() SyntheticConfig {
	if len(c.Hostnames) == 0 {
		c.Hostnames = []string{"seed1.example.net", "seed2.example.net"}
	}
	if c.NodeCount <= 0 {
		c.NodeCount = 8
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	return c
}

// Synthetic periodically emits randomized-but-plausible DNS and Node
// observations, standing in for a real probing engine.
type Synthetic struct {
	cfg    SyntheticConfig
	dnsCh  chan *entrymodel.DNSEntry
	nodeCh chan *entrymodel.NodeEntry
	cancel context.CancelFunc
	rng    *rand.Rand
}

// NewSynthetic starts a background generator and returns immediately.
func NewSynthetic(ctx context.Context, cfg SyntheticConfig) *Synthetic {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	s := &Synthetic{
		cfg:    cfg,
		dnsCh:  make(chan *entrymodel.DNSEntry, cfg.BufferSize),
		nodeCh: make(chan *entrymodel.NodeEntry, cfg.BufferSize),
		cancel: cancel,
		rng:    rand.New(rand.NewSource(1)),
	}
	go s.run(ctx)
	return s
}

// DNSEvents implements Source.
func (s *Synthetic) DNSEvents() <-chan *entrymodel.DNSEntry { return s.dnsCh }

// NodeEvents implements Source.
func (s *Synthetic) NodeEvents() <-chan *entrymodel.NodeEntry { return s.nodeCh }

// Stop halts generation and closes both channels.
func (s *Synthetic) Stop() { s.cancel() }

func (s *Synthetic) run(ctx context.Context) {
	defer close(s.dnsCh)
	defer close(s.nodeCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	nodeHosts := make([][16]byte, s.cfg.NodeCount)
	nodePorts := make([]uint16, s.cfg.NodeCount)
	for i := range nodeHosts {
		ip := net.IPv4(10, 0, byte(i/256), byte(i%256))
		nodeHosts[i] = entrymodel.HostFromIP(ip)
		nodePorts[i] = 8333
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			for _, host := range s.cfg.Hostnames {
				s.emitDNS(host, now)
			}
			for i := range nodeHosts {
				s.emitNode(nodeHosts[i], nodePorts[i], now)
			}
		}
	}
}

func (s *Synthetic) emitDNS(hostname string, now int64) {
	e := &entrymodel.DNSEntry{
		LogTimestamp: now,
		Time:         now,
		Hostname:     hostname,
		Frequency:    int64(s.cfg.Interval / time.Millisecond),
		Interval:     int64(s.cfg.Interval / time.Millisecond),
	}
	if s.rng.Float64() < 0.9 {
		e.Result = fmt.Sprintf("%d.%d.%d.%d", s.rng.Intn(256), s.rng.Intn(256), s.rng.Intn(256), s.rng.Intn(256))
	} else {
		e.Error = "ETIMEDOUT"
	}
	select {
	case s.dnsCh <- e:
	default:
	}
}

func (s *Synthetic) emitNode(host [16]byte, port uint16, now int64) {
	e := &entrymodel.NodeEntry{
		LogTimestamp: now,
		Time:         now,
		Host:         host,
		Port:         port,
		Frequency:    int64(s.cfg.Interval / time.Millisecond),
		Interval:     int64(s.cfg.Interval / time.Millisecond),
	}
	if s.rng.Float64() < 0.85 {
		e.Result = &entrymodel.NodeResult{
			PeerVersion: 70016,
			Services:    entrymodel.ServiceNetwork | entrymodel.ServiceBloom,
			Height:      int64(700000 + s.rng.Intn(1000)),
			Agent:       "/hsd:5.1.0/",
		}
	} else {
		e.Error = "ECONNREFUSED"
	}
	select {
	case s.nodeCh <- e:
	default:
	}
}
