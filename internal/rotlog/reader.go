package rotlog

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/orbitwatch/pulse/internal/codec"
)

// ErrNoMoreRecords is returned by Next when the current segment is
// exhausted and no newer segment exists yet — the caller should stop
// iterating (or poll again later; it is not a fatal error).
var ErrNoMoreRecords = errors.New("rotlog: no more records")

// Record is one decoded unit yielded by Reader.Next. Exactly one of JSON or
// Binary is set, matching the directory's Ext.
type Record struct {
	LogTimestamp int64
	JSON         json.RawMessage
	Binary       *codec.Packet
}

// Reader streams records from a directory of segments in append order,
// starting from a resume timestamp, transparently decompressing gzipped
// segments and auto-advancing across segment boundaries. See spec §4.3.
type Reader struct {
	dir string
	ext Ext

	lastReadTimestamp int64

	current Segment
	rawFile *os.File
	gz      *gzip.Reader
	stream  io.Reader

	lineReader *bufio.Reader    // ExtJSON
	binDecoder *codec.Decoder   // ExtBinary
	binTail    []byte           // ExtBinary tail buffer across reads
	binQueue   []codec.Packet   // ExtBinary decoded-but-unconsumed packets
	readBuf    []byte
}

// OpenReader selects the starting segment via FirstAtOrBefore(sinceMs) and
// opens it. sinceMs = 0 yields all records ever, in order.
func OpenReader(dir string, ext Ext, sinceMs int64) (*Reader, error) {
	r := &Reader{dir: dir, ext: ext, lastReadTimestamp: sinceMs, readBuf: make([]byte, 64*1024)}

	seg, ok, err := FirstAtOrBefore(dir, ext, sinceMs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return r, nil
	}
	if err := r.openSegment(seg); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) openSegment(seg Segment) error {
	f, err := os.Open(seg.Path())
	if err != nil {
		return fmt.Errorf("rotlog: open segment %s: %w", seg.Name, err)
	}
	r.rawFile = f
	r.current = seg

	var stream io.Reader = f
	if seg.Gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("rotlog: gzip reader for %s: %w", seg.Name, err)
		}
		r.gz = gz
		stream = gz
	}
	r.stream = stream

	switch r.ext {
	case ExtJSON:
		r.lineReader = bufio.NewReader(stream)
	case ExtBinary:
		r.binDecoder = codec.NewDecoder()
		r.binTail = nil
		r.binQueue = nil
	}
	return nil
}

func (r *Reader) closeCurrent() error {
	if r.gz != nil {
		_ = r.gz.Close()
		r.gz = nil
	}
	var err error
	if r.rawFile != nil {
		err = r.rawFile.Close()
		r.rawFile = nil
	}
	r.stream = nil
	r.lineReader = nil
	r.binDecoder = nil
	r.binTail = nil
	r.binQueue = nil
	return err
}

// Next returns the next unseen record (skipping any with LogTimestamp <
// the resume watermark), auto-advancing across segment boundaries. It
// returns ErrNoMoreRecords when the current segment is exhausted and no
// newer segment exists.
func (r *Reader) Next() (*Record, error) {
	for {
		if r.rawFile == nil {
			return nil, ErrNoMoreRecords
		}

		rec, ok, err := r.nextFromCurrent()
		if err != nil {
			return nil, err
		}
		if ok {
			if rec.Binary != nil && rec.Binary.Kind == codec.PacketConfig {
				return rec, nil
			}
			if rec.LogTimestamp < r.lastReadTimestamp {
				continue
			}
			r.lastReadTimestamp = rec.LogTimestamp
			return rec, nil
		}

		next, hasNext, err := NextAfter(r.dir, r.ext, r.current.Time)
		if err != nil {
			return nil, err
		}
		if !hasNext {
			return nil, ErrNoMoreRecords
		}
		if err := r.closeCurrent(); err != nil {
			return nil, err
		}
		if err := r.openSegment(next); err != nil {
			return nil, err
		}
	}
}

// nextFromCurrent returns one decoded record from the current segment, or
// ok=false when the segment's stream is exhausted (possibly due to a
// truncated trailing record, tolerated per §4.3).
func (r *Reader) nextFromCurrent() (*Record, bool, error) {
	switch r.ext {
	case ExtJSON:
		return r.nextJSON()
	case ExtBinary:
		return r.nextBinary()
	default:
		return nil, false, fmt.Errorf("rotlog: unknown codec ext %q", r.ext)
	}
}

func (r *Reader) nextJSON() (*Record, bool, error) {
	for {
		line, err := r.lineReader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A partial trailing line (no newline) or clean EOF both
				// mean "nothing complete right now" — tolerate a crash
				// mid-write.
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("rotlog: read line from %s: %w", r.current.Name, err)
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		env, derr := codec.DecodeJSONLine(trimmed)
		if derr != nil {
			return nil, false, fmt.Errorf("rotlog: malformed json line in %s: %w", r.current.Name, derr)
		}
		return &Record{LogTimestamp: env.LogTimestamp, JSON: env.Info}, true, nil
	}
}

func (r *Reader) nextBinary() (*Record, bool, error) {
	for {
		if len(r.binQueue) > 0 {
			p := r.binQueue[0]
			r.binQueue = r.binQueue[1:]
			pkt := p
			return &Record{LogTimestamp: logTimestampOf(pkt), Binary: &pkt}, true, nil
		}

		n, err := r.stream.Read(r.readBuf)
		if n > 0 {
			r.binTail = append(r.binTail, r.readBuf[:n]...)
			packets, consumed, derr := r.binDecoder.Decode(r.binTail)
			if derr != nil {
				return nil, false, fmt.Errorf("rotlog: binary decode in %s: %w", r.current.Name, derr)
			}
			r.binTail = append([]byte(nil), r.binTail[consumed:]...)
			if len(packets) > 0 {
				r.binQueue = append(r.binQueue, packets...)
				continue
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Remaining r.binTail (if any) is a truncated trailing
				// record; Next() discards it once a successor segment is
				// found, or leaves it pending for the next Open otherwise.
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("rotlog: read stream from %s: %w", r.current.Name, err)
		}
		if n == 0 {
			return nil, false, nil
		}
	}
}

// logTimestampOf extracts the logTimestamp a caller can use for resume
// filtering. CONFIG packets carry none; they are always surfaced (they are
// not subject to the watermark, since they are config-only and idempotent).
func logTimestampOf(p codec.Packet) int64 {
	if p.Kind == codec.PacketEntry && p.Entry != nil {
		return p.Entry.LogTimestamp
	}
	return 0
}

// LastReadTimestamp returns the LogTimestamp of the most recently emitted
// record (the in-memory read watermark).
func (r *Reader) LastReadTimestamp() int64 {
	return r.lastReadTimestamp
}

// Close releases the reader's open file handles.
func (r *Reader) Close() error {
	return r.closeCurrent()
}
