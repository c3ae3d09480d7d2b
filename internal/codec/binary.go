// Package codec implements the two wire encodings used by the rotating log
// layer: a JSON-line envelope (json.go) and a delta-compressed binary
// packet stream for node segments (this file), per spec §4.4-§4.5.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/orbitwatch/pulse/internal/entrymodel"
)

// PacketType identifies a binary-delta stream packet.
type PacketType byte

const (
	PacketConfig PacketType = 0
	PacketEntry  PacketType = 1
)

// TwentyYearsMillis is the threshold above which an ENTRY packet's
// timeDelta is interpreted as an absolute logTimestamp rather than an
// increment over the previous one.
const TwentyYearsMillis uint64 = 631152000000

// Config is the CONFIG packet body: the frequency/interval used to hydrate
// subsequent ENTRYs for JSON export.
type Config struct {
	Frequency uint64
	Interval  uint64
}

// Packet is one decoded unit from a binary-delta stream.
type Packet struct {
	Kind   PacketType
	Config Config
	Entry  *entrymodel.NodeEntry
}

// detail bit flags within an entry body.
const (
	detailIsIPv4     = 1 << 0
	detailHasKey     = 1 << 1
	detailHasError   = 1 << 2
	detailErrorCoded = 1 << 3
)

// result flag bits.
const (
	resultNoRelay       = 1 << 0
	resultBrontide      = 1 << 1
	resultPruned        = 1 << 2
	resultTreeCompacted = 1 << 3
)

// EncodeConfigPacket renders a CONFIG packet.
func EncodeConfigPacket(cfg Config) []byte {
	out := make([]byte, 1, 17)
	out[0] = byte(PacketConfig)
	out = binary.LittleEndian.AppendUint64(out, cfg.Frequency)
	out = binary.LittleEndian.AppendUint64(out, cfg.Interval)
	return out
}

// EncodeEntryPacket renders one ENTRY packet. havePrev/prevLogTimestamp
// describe the previous ENTRY emitted in this writer session (or segment);
// when havePrev is false, or the gap exceeds TwentyYearsMillis, the packet
// carries an absolute logTimestamp instead of a delta.
func EncodeEntryPacket(havePrev bool, prevLogTimestamp int64, entry *entrymodel.NodeEntry) ([]byte, error) {
	body, err := encodeEntryBody(entry)
	if err != nil {
		return nil, err
	}

	var timeDelta uint64
	if havePrev && entry.LogTimestamp >= prevLogTimestamp {
		delta := uint64(entry.LogTimestamp - prevLogTimestamp)
		if delta <= TwentyYearsMillis {
			timeDelta = delta
		} else {
			timeDelta = uint64(entry.LogTimestamp)
		}
	} else {
		timeDelta = uint64(entry.LogTimestamp)
	}

	deltaBytes := Varint(timeDelta)
	bodySize := len(deltaBytes) + len(body)
	if bodySize > 0xffff {
		return nil, fmt.Errorf("%w: entry body too large (%d bytes)", ErrCorrupt, bodySize)
	}

	out := make([]byte, 0, 3+bodySize)
	out = append(out, byte(PacketEntry))
	out = binary.LittleEndian.AppendUint16(out, uint16(bodySize))
	out = append(out, deltaBytes...)
	out = append(out, body...)
	return out, nil
}

func encodeEntryBody(entry *entrymodel.NodeEntry) ([]byte, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	timeDiff := entry.LogTimestamp - entry.Time
	if timeDiff < 0 {
		return nil, fmt.Errorf("%w: entry time %d after logTimestamp %d", ErrCorrupt, entry.Time, entry.LogTimestamp)
	}

	var details byte
	isIPv4 := isIPv4Mapped(entry.Host)
	if isIPv4 {
		details |= detailIsIPv4
	}
	if entry.Brontide && len(entry.BrontideKey) == 33 {
		details |= detailHasKey
	}

	var errCode ErrorCode
	var coded bool
	if entry.IsFailed() {
		details |= detailHasError
		errCode, coded = CanonicalizeError(entry.Error)
		if coded {
			details |= detailErrorCoded
		}
	}

	out := PutVarint(nil, uint64(timeDiff))
	out = append(out, details)
	if isIPv4 {
		out = append(out, entry.Host[12:16]...)
	} else {
		out = append(out, entry.Host[:]...)
	}
	out = binary.BigEndian.AppendUint16(out, entry.Port)

	if details&detailHasKey != 0 {
		out = append(out, entry.BrontideKey...)
	}

	if entry.IsFailed() {
		if coded {
			out = append(out, byte(errCode))
		} else {
			msg := []byte(entry.Error)
			out = PutVarint(out, uint64(len(msg)))
			out = append(out, msg...)
		}
		return out, nil
	}

	r := entry.Result
	if r == nil {
		return nil, fmt.Errorf("%w: successful entry missing result", ErrCorrupt)
	}
	out = PutVarint(out, uint64(r.PeerVersion))
	out = PutVarint(out, uint64(r.Services))
	out = PutVarint(out, uint64(r.Height))
	agent := []byte(r.Agent)
	if len(agent) > 0xff {
		return nil, fmt.Errorf("%w: agent string too long (%d bytes)", ErrCorrupt, len(agent))
	}
	out = append(out, byte(len(agent)))
	out = append(out, agent...)

	var flags byte
	if r.NoRelay {
		flags |= resultNoRelay
	}
	if r.Brontide {
		flags |= resultBrontide
	}
	if r.Pruned {
		flags |= resultPruned
	}
	if r.TreeCompacted {
		flags |= resultTreeCompacted
	}
	out = append(out, flags)
	return out, nil
}

func isIPv4Mapped(host [16]byte) bool {
	for i := 0; i < 10; i++ {
		if host[i] != 0 {
			return false
		}
	}
	return host[10] == 0xff && host[11] == 0xff
}

// Decoder incrementally decodes a binary-delta packet stream, carrying the
// running "current config" and previous-logTimestamp state needed to
// interpret subsequent packets, per §4.5's invariant that a session's first
// packet is always CONFIG.
type Decoder struct {
	haveConfig       bool
	config           Config
	havePrevTimestamp bool
	prevTimestamp    int64
}

// NewDecoder returns a decoder with no established config or prior
// timestamp — as at the start of a fresh segment.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode consumes as many complete packets as are present in buf and
// returns them along with the number of bytes consumed. The caller must
// retain buf[consumed:] and prepend subsequent bytes before calling Decode
// again — this is the "tail buffer" behavior required by §4.3 so partial
// trailing bytes survive across stream chunks.
func (d *Decoder) Decode(buf []byte) (packets []Packet, consumed int, err error) {
	for {
		if len(buf) < 1 {
			return packets, consumed, nil
		}
		switch PacketType(buf[0]) {
		case PacketConfig:
			if len(buf) < 17 {
				return packets, consumed, nil
			}
			cfg := Config{
				Frequency: binary.LittleEndian.Uint64(buf[1:9]),
				Interval:  binary.LittleEndian.Uint64(buf[9:17]),
			}
			d.haveConfig = true
			d.config = cfg
			packets = append(packets, Packet{Kind: PacketConfig, Config: cfg})
			buf = buf[17:]
			consumed += 17

		case PacketEntry:
			if len(buf) < 3 {
				return packets, consumed, nil
			}
			bodySize := int(binary.LittleEndian.Uint16(buf[1:3]))
			total := 3 + bodySize
			if len(buf) < total {
				return packets, consumed, nil
			}
			body := buf[3:total]
			delta, n, verr := GetVarint(body)
			if verr != nil {
				return packets, consumed, fmt.Errorf("%w: entry timeDelta: %v", ErrCorrupt, verr)
			}
			// With no prior timestamp in this stream the value is absolute,
			// matching what the encoder writes when havePrev is false.
			var logTimestamp int64
			if delta > TwentyYearsMillis || !d.havePrevTimestamp {
				logTimestamp = int64(delta)
			} else {
				logTimestamp = d.prevTimestamp + int64(delta)
			}
			entry, derr := decodeEntryBody(logTimestamp, body[n:])
			if derr != nil {
				return packets, consumed, derr
			}
			if d.haveConfig {
				entry.Frequency = int64(d.config.Frequency)
				entry.Interval = int64(d.config.Interval)
			}
			d.havePrevTimestamp = true
			d.prevTimestamp = logTimestamp
			packets = append(packets, Packet{Kind: PacketEntry, Entry: entry})
			buf = buf[total:]
			consumed += total

		default:
			return packets, consumed, fmt.Errorf("%w: unknown packet type %d", ErrCorrupt, buf[0])
		}
	}
}

func decodeEntryBody(logTimestamp int64, data []byte) (*entrymodel.NodeEntry, error) {
	timeDiff, n, err := GetVarint(data)
	if err != nil {
		return nil, fmt.Errorf("%w: entry timeDiff: %v", ErrCorrupt, err)
	}
	data = data[n:]

	if len(data) < 1 {
		return nil, fmt.Errorf("%w: entry body truncated before details", ErrCorrupt)
	}
	details := data[0]
	data = data[1:]

	hostLen := 16
	if details&detailIsIPv4 != 0 {
		hostLen = 4
	}
	if len(data) < hostLen+2 {
		return nil, fmt.Errorf("%w: entry body truncated before host/port", ErrCorrupt)
	}
	var host [16]byte
	if hostLen == 4 {
		host[10] = 0xff
		host[11] = 0xff
		copy(host[12:16], data[:4])
	} else {
		copy(host[:], data[:16])
	}
	data = data[hostLen:]
	port := binary.BigEndian.Uint16(data[:2])
	data = data[2:]

	e := &entrymodel.NodeEntry{
		LogTimestamp: logTimestamp,
		Time:         logTimestamp - int64(timeDiff),
		Host:         host,
		Port:         port,
	}

	if details&detailHasKey != 0 {
		if len(data) < 33 {
			return nil, fmt.Errorf("%w: entry body truncated before brontide key", ErrCorrupt)
		}
		e.Brontide = true
		e.BrontideKey = append([]byte(nil), data[:33]...)
		data = data[33:]
	}

	if details&detailHasError != 0 {
		if details&detailErrorCoded != 0 {
			if len(data) < 1 {
				return nil, fmt.Errorf("%w: entry body truncated before error code", ErrCorrupt)
			}
			code := ErrorCode(data[0])
			data = data[1:]
			name, ok := ErrorCodeName(code)
			if !ok {
				return nil, fmt.Errorf("%w: unknown error code %d", ErrCorrupt, code)
			}
			e.Error = name
		} else {
			l, n, err := GetVarint(data)
			if err != nil {
				return nil, fmt.Errorf("%w: error string length: %v", ErrCorrupt, err)
			}
			data = data[n:]
			if uint64(len(data)) < l {
				return nil, fmt.Errorf("%w: entry body truncated before error string", ErrCorrupt)
			}
			e.Error = string(data[:l])
			data = data[l:]
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		return e, nil
	}

	peerVersion, n, err := GetVarint(data)
	if err != nil {
		return nil, fmt.Errorf("%w: peerVersion: %v", ErrCorrupt, err)
	}
	data = data[n:]
	services, n, err := GetVarint(data)
	if err != nil {
		return nil, fmt.Errorf("%w: services: %v", ErrCorrupt, err)
	}
	data = data[n:]
	height, n, err := GetVarint(data)
	if err != nil {
		return nil, fmt.Errorf("%w: height: %v", ErrCorrupt, err)
	}
	data = data[n:]

	if len(data) < 1 {
		return nil, fmt.Errorf("%w: entry body truncated before agent length", ErrCorrupt)
	}
	agentLen := int(data[0])
	data = data[1:]
	if len(data) < agentLen+1 {
		return nil, fmt.Errorf("%w: entry body truncated before agent/flags", ErrCorrupt)
	}
	agent := string(data[:agentLen])
	data = data[agentLen:]
	flags := data[0]

	e.Result = &entrymodel.NodeResult{
		PeerVersion:   int64(peerVersion),
		Services:      entrymodel.Services(services),
		Height:        int64(height),
		Agent:         agent,
		NoRelay:       flags&resultNoRelay != 0,
		Brontide:      flags&resultBrontide != 0,
		Pruned:        flags&resultPruned != 0,
		TreeCompacted: flags&resultTreeCompacted != 0,
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
