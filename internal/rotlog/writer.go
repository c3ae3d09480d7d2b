package rotlog

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrRetryable wraps a write error that the writer has already buffered and
// scheduled for retry, per §4.2/§7's transient-error handling. The write
// itself still succeeds (Write's bool result is true) — callers that only
// care whether data was accepted can ignore it, but a caller that wants to
// know the segment is degraded can errors.Is against it.
var ErrRetryable = errors.New("rotlog: transient write error, retrying")

type writerState int

const (
	stateClosed writerState = iota
	stateOpening
	stateReady
	stateRotating
	stateClosing
)

// WriterConfig controls rotation and compaction behavior. Defaults match
// spec §6: 50MiB segments, gzip enabled.
type WriterConfig struct {
	MaxFileSize int64
	AutoGzip    bool
}

const defaultMaxFileSize = 50 * 1024 * 1024

// Writer owns the current segment for one directory and appends bytes to
// it, rotating on size and gzip-compacting sealed segments in the
// background. Single-writer per directory, enforced by a lockfile. See
// spec §4.2.
type Writer struct {
	dir  string
	ext  Ext
	cfg  WriterConfig
	lock *fileLock

	mu      sync.Mutex
	state   writerState
	file    *os.File
	current Segment
	pending [][]byte

	retryTimer *time.Timer
	done       chan struct{}
	wg         sync.WaitGroup
}

// Open acquires the directory's writer lock and readies the writer to
// accept Write calls. It does not create a segment file yet — segment
// selection happens lazily on the first Write, per §4.2.
func Open(dir string, ext Ext, cfg WriterConfig) (*Writer, error) {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("rotlog: mkdir %s: %w", dir, err)
	}

	lock, err := acquireLock(filepath.Join(dir, ".writer.lock"))
	if err != nil {
		return nil, err
	}

	return &Writer{
		dir:   dir,
		ext:   ext,
		cfg:   cfg,
		lock:  lock,
		state: stateReady,
		done:  make(chan struct{}),
	}, nil
}

// HasOpenSegment reports whether a segment is currently open for append.
// A caller that must re-establish per-session framing on the next Write —
// e.g. the binary-delta codec's CONFIG packet, whose §4.5 invariant is
// "every session reset (segment open) re-emits CONFIG on its first
// entry" — should treat false as "the next Write starts a new session."
func (w *Writer) HasOpenSegment() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file != nil
}

// Write appends data as one record with the given timestamp, selecting or
// rotating segments as needed. The bool result reports whether the data
// was accepted (written or buffered) — it is false when the writer is
// closing or closed, per §4.2's "buffered-refused" semantics, and when no
// segment could be opened or created for the write.
func (w *Writer) Write(data []byte, recordTs int64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case stateClosed:
		return false, fmt.Errorf("rotlog: writer closed")
	case stateClosing:
		return false, nil
	case stateRotating:
		if err := w.finishRotation(recordTs); err != nil {
			w.pending = append(w.pending, data)
			return true, nil
		}
	}

	if w.file == nil {
		if err := w.selectSegment(recordTs); err != nil {
			return false, err
		}
	}

	if err := w.appendLocked(data); err != nil {
		w.enterRetrying(data, err)
		return true, fmt.Errorf("%w: %v", ErrRetryable, err)
	}

	if w.current.Size >= w.cfg.MaxFileSize {
		w.sealAndRotate()
	}
	return true, nil
}

// appendLocked writes data to the current stream and updates its size.
func (w *Writer) appendLocked(data []byte) error {
	if _, err := w.file.Write(data); err != nil {
		return err
	}
	w.current.Size += int64(len(data))
	return nil
}

// selectSegment implements §4.2's segment-selection rule: reuse a
// non-gzipped, below-max most-recent segment, or create a new one named by
// max(ts, latestSegmentTs+1), ts being the write's timestamp, to tolerate
// clock regression (§9).
func (w *Writer) selectSegment(ts int64) error {
	latest, ok, err := Latest(w.dir, w.ext)
	if err != nil {
		return err
	}
	if ok && !latest.Gzipped && latest.Size < w.cfg.MaxFileSize {
		f, err := os.OpenFile(latest.Path(), os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("rotlog: reopen segment %s: %w", latest.Name, err)
		}
		w.file = f
		w.current = latest
		return nil
	}

	name := ts
	if ok && name <= latest.Time {
		name = latest.Time + 1
	}
	return w.createSegmentLocked(name)
}

func (w *Writer) createSegmentLocked(ts int64) error {
	name := segmentFileName(ts, w.ext, false)
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("rotlog: create segment %s: %w", name, err)
	}
	w.file = f
	w.current = Segment{Dir: w.dir, Name: name, Time: ts, Ext: w.ext}
	return nil
}

// sealAndRotate closes the current stream, enters the rotating state, and
// kicks off background compression of the sealed file. Per §4.2 the actual
// new segment is opened lazily on the next Write.
func (w *Writer) sealAndRotate() {
	sealed := w.current
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.state = stateRotating

	if w.cfg.AutoGzip {
		w.wg.Add(1)
		go w.gzipSealed(sealed)
	}
}

// finishRotation opens the next segment, named by the current write's
// timestamp, and drains anything queued while rotating was in progress.
func (w *Writer) finishRotation(ts int64) error {
	if err := w.selectSegment(ts); err != nil {
		return err
	}
	w.state = stateReady

	queued := w.pending
	w.pending = nil
	for _, data := range queued {
		if err := w.appendLocked(data); err != nil {
			w.pending = append(w.pending, data)
			return err
		}
	}
	return nil
}

// enterRetrying handles a transient stream error: close the stream, buffer
// the write that triggered it, and schedule a one-second retry per §4.2/§7.
func (w *Writer) enterRetrying(data []byte, cause error) {
	log.Printf("rotlog: write error on %s, entering retry: %v", w.current.Name, cause)
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.pending = append(w.pending, data)
	w.retryTimer = time.AfterFunc(time.Second, w.retryOnce)
}

func (w *Writer) retryOnce() {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}
	if w.state == stateClosed || w.state == stateClosing {
		return
	}
	if w.file == nil {
		if err := w.selectSegment(time.Now().UnixMilli()); err != nil {
			w.retryTimer = time.AfterFunc(time.Second, w.retryOnce)
			return
		}
	}
	queued := w.pending
	w.pending = nil
	for _, data := range queued {
		if err := w.appendLocked(data); err != nil {
			w.enterRetrying(data, err)
			return
		}
	}
}

// gzipSealed compresses a sealed segment to "<name>.gz" and removes the
// plain file. A failure leaves the plain file in place; §4.1's directory
// listing tolerates that as a leftover of a crashed gzip.
func (w *Writer) gzipSealed(seg Segment) {
	defer w.wg.Done()

	src, err := os.Open(seg.Path())
	if err != nil {
		log.Printf("rotlog: gzip: open %s: %v", seg.Name, err)
		return
	}
	defer src.Close()

	gzPath := seg.Path() + ".gz"
	dst, err := os.OpenFile(gzPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("rotlog: gzip: create %s: %v", gzPath, err)
		return
	}

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		log.Printf("rotlog: gzip: compress %s: %v", seg.Name, err)
		gw.Close()
		dst.Close()
		_ = os.Remove(gzPath)
		return
	}
	if err := gw.Close(); err != nil {
		log.Printf("rotlog: gzip: close writer for %s: %v", seg.Name, err)
		dst.Close()
		_ = os.Remove(gzPath)
		return
	}
	if err := dst.Close(); err != nil {
		log.Printf("rotlog: gzip: close %s: %v", gzPath, err)
		return
	}
	if err := os.Remove(seg.Path()); err != nil {
		log.Printf("rotlog: gzip: remove sealed plain file %s: %v", seg.Name, err)
	}
}

// Close seals the current segment, cancels any pending retry, and releases
// the writer lock.
func (w *Writer) Close() error {
	w.mu.Lock()
	w.state = stateClosing
	if w.retryTimer != nil {
		w.retryTimer.Stop()
	}
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.state = stateClosed
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	return w.lock.release()
}
