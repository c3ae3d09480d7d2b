package rotlog

import (
	"errors"
	"net"
	"testing"

	"github.com/orbitwatch/pulse/internal/codec"
	"github.com/orbitwatch/pulse/internal/entrymodel"
)

func TestWriterWriteReadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, ExtJSON, WriterConfig{MaxFileSize: 1 << 20, AutoGzip: false})
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}

	lines := [][]byte{
		[]byte(`{"logTimestamp":100,"info":{"a":1}}` + "\n"),
		[]byte(`{"logTimestamp":200,"info":{"a":2}}` + "\n"),
		[]byte(`{"logTimestamp":300,"info":{"a":3}}` + "\n"),
	}
	for _, line := range lines {
		ok, err := w.Write(line, 0)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if !ok {
			t.Fatal("expected write to be accepted")
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(dir, ExtJSON, 0)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	var got []int64
	for {
		rec, err := r.Next()
		if errors.Is(err, ErrNoMoreRecords) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, rec.LogTimestamp)
	}
	if len(got) != 3 || got[0] != 100 || got[1] != 200 || got[2] != 300 {
		t.Fatalf("unexpected records: %v", got)
	}
}

func TestReaderResumeFromWatermark(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, ExtJSON, WriterConfig{MaxFileSize: 1 << 20})
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}
	for _, ts := range []int64{100, 200, 300} {
		if _, err := w.Write([]byte(`{"logTimestamp":0,"info":null}`+"\n"), ts); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	w.Close()

	r, err := OpenReader(dir, ExtJSON, 200)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	count := 0
	for {
		_, err := r.Next()
		if errors.Is(err, ErrNoMoreRecords) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		count++
	}
	// All three lines carry logTimestamp=0 in their JSON body (the segment
	// selection timestamp passed to Write is distinct from the envelope's
	// own field), so resuming at 200 discards every record whose decoded
	// envelope timestamp is below the watermark.
	if count != 0 {
		t.Fatalf("expected all records below watermark discarded, got %d", count)
	}
}

// TestConfigPacketSurvivesResumeWatermark is spec §4.5's invariant that a
// session's CONFIG packet is always surfaced to the reader, even when
// resuming from a watermark past the packet's own (zero) logTimestamp.
func TestConfigPacketSurvivesResumeWatermark(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, ExtBinary, WriterConfig{MaxFileSize: 1 << 20, AutoGzip: false})
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}

	cfgPkt := codec.EncodeConfigPacket(codec.Config{Frequency: 300000, Interval: 60000})
	entry := &entrymodel.NodeEntry{
		LogTimestamp: 500,
		Time:         500,
		Host:         entrymodel.HostFromIP(net.ParseIP("10.0.0.1")),
		Port:         8333,
		Result:       &entrymodel.NodeResult{Agent: "/hsd:5.1.0/"},
	}
	entryPkt, err := codec.EncodeEntryPacket(false, 0, entry)
	if err != nil {
		t.Fatalf("EncodeEntryPacket: %v", err)
	}
	if _, err := w.Write(append(cfgPkt, entryPkt...), entry.LogTimestamp); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(dir, ExtBinary, 200)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	rec, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.Binary == nil || rec.Binary.Kind != codec.PacketConfig {
		t.Fatalf("expected the CONFIG packet first despite resuming past its zero timestamp, got %+v", rec)
	}

	rec, err = r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.Binary == nil || rec.Binary.Kind != codec.PacketEntry || rec.Binary.Entry.LogTimestamp != 500 {
		t.Fatalf("expected the entry packet next, got %+v", rec)
	}

	if _, err := r.Next(); !errors.Is(err, ErrNoMoreRecords) {
		t.Fatalf("expected no more records, got %v", err)
	}
}

func TestWriterRotatesOnMaxSize(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, ExtJSON, WriterConfig{MaxFileSize: 10, AutoGzip: false})
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}
	for i, ts := range []int64{1, 2, 3} {
		if _, err := w.Write([]byte("0123456789"), ts); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	w.Close()

	segs, err := ListSegments(dir, ExtJSON)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 rotated segments, got %d", len(segs))
	}
}

func TestSecondWriterRejectedByLock(t *testing.T) {
	dir := t.TempDir()
	w1, err := Open(dir, ExtJSON, WriterConfig{})
	if err != nil {
		t.Fatalf("Open first writer: %v", err)
	}
	defer w1.Close()

	if _, err := Open(dir, ExtJSON, WriterConfig{}); err == nil {
		t.Fatal("expected second writer to fail acquiring the lock")
	}
}

func TestSealedSegmentIsGzippedOnRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, ExtJSON, WriterConfig{MaxFileSize: 4, AutoGzip: true})
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}
	// First write fills and seals segment 42 (kicking off background gzip);
	// second write opens a new segment that stays below the size cap.
	if _, err := w.Write([]byte("abcd"), 42); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Write([]byte("ef"), 43); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	segs, err := ListSegments(dir, ExtJSON)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d: %+v", len(segs), segs)
	}
	var sawGzipped, sawPlain bool
	for _, s := range segs {
		if s.Gzipped {
			sawGzipped = true
		} else {
			sawPlain = true
		}
	}
	if !sawGzipped || !sawPlain {
		t.Fatalf("expected one gzipped sealed segment and one plain open segment, got %+v", segs)
	}
}
