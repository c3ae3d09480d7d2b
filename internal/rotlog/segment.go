// Package rotlog implements the rotating, size-bounded, gzip-compacted
// append-only event log: a directory of time-named segment files written by
// a single-writer Writer and streamed in order by a Reader that can resume
// from any prior watermark. See spec §4.1-§4.3.
package rotlog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Ext identifies a segment's encoding, which determines its filename
// extension and how a Reader decodes its bytes.
type Ext string

const (
	ExtJSON   Ext = "json"
	ExtBinary Ext = "bin1"
)

var segmentNamePattern = regexp.MustCompile(`^event-(\d+)\.(json|bin1)(\.gz)?$`)

// Segment describes one on-disk segment file.
type Segment struct {
	Dir     string
	Name    string
	Time    int64 // ms, the sole ordering key
	Size    int64 // bytes
	Gzipped bool
	Ext     Ext
}

// Path returns the segment's full path.
func (s Segment) Path() string {
	return filepath.Join(s.Dir, s.Name)
}

func segmentFileName(ts int64, ext Ext, gzipped bool) string {
	name := fmt.Sprintf("event-%d.%s", ts, ext)
	if gzipped {
		name += ".gz"
	}
	return name
}

// ListSegments enumerates dir for segments of the given ext, deduplicating
// by timestamp (the gzipped variant wins over a leftover plain file from a
// crashed compaction, per §4.1) and returning them sorted ascending by
// Time — callers depend on ascending order (§9 open question).
func ListSegments(dir string, ext Ext) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rotlog: read segment dir %s: %w", dir, err)
	}

	byTime := make(map[int64]Segment)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentNamePattern.FindStringSubmatch(e.Name())
		if m == nil || Ext(m[2]) != ext {
			continue
		}
		ts, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		gzipped := m[3] != ""

		info, err := e.Info()
		if err != nil {
			continue
		}

		existing, ok := byTime[ts]
		if ok && existing.Gzipped && !gzipped {
			// Plain file is a leftover of a crashed gzip; ignore it.
			continue
		}
		byTime[ts] = Segment{
			Dir:     dir,
			Name:    e.Name(),
			Time:    ts,
			Size:    info.Size(),
			Gzipped: gzipped,
			Ext:     ext,
		}
	}

	out := make([]Segment, 0, len(byTime))
	for _, s := range byTime {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

// FirstAtOrBefore returns the greatest segment with Time <= sinceMs, or the
// earliest segment if none qualifies. It returns false if the directory has
// no segments at all.
func FirstAtOrBefore(dir string, ext Ext, sinceMs int64) (Segment, bool, error) {
	segs, err := ListSegments(dir, ext)
	if err != nil {
		return Segment{}, false, err
	}
	if len(segs) == 0 {
		return Segment{}, false, nil
	}

	idx := sort.Search(len(segs), func(i int) bool { return segs[i].Time > sinceMs })
	if idx == 0 {
		return segs[0], true, nil
	}
	return segs[idx-1], true, nil
}

// NextAfter returns the smallest segment with Time > sinceMs, if any.
func NextAfter(dir string, ext Ext, sinceMs int64) (Segment, bool, error) {
	segs, err := ListSegments(dir, ext)
	if err != nil {
		return Segment{}, false, err
	}
	idx := sort.Search(len(segs), func(i int) bool { return segs[i].Time > sinceMs })
	if idx >= len(segs) {
		return Segment{}, false, nil
	}
	return segs[idx], true, nil
}

// Latest returns the most recently created segment, if any.
func Latest(dir string, ext Ext) (Segment, bool, error) {
	segs, err := ListSegments(dir, ext)
	if err != nil {
		return Segment{}, false, err
	}
	if len(segs) == 0 {
		return Segment{}, false, nil
	}
	return segs[len(segs)-1], true, nil
}
