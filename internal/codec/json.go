package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is the outer wire shape for one JSON-line record: §4.4.
type Envelope struct {
	LogTimestamp int64           `json:"logTimestamp"`
	Info         json.RawMessage `json:"info"`
}

// nullLiteral is what a nil info payload serializes to.
var nullLiteral = []byte("null")

// EncodeJSONLine renders one envelope as a single line, including the
// trailing newline. A nil info serializes as the literal "null".
func EncodeJSONLine(logTimestamp int64, info json.RawMessage) ([]byte, error) {
	if info == nil {
		info = nullLiteral
	}
	env := Envelope{LogTimestamp: logTimestamp, Info: info}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal envelope: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeJSONLine parses one line (without its trailing newline) into an
// envelope. A malformed line returns ErrCorrupt wrapping the json error.
func DecodeJSONLine(line []byte) (Envelope, error) {
	line = bytes.TrimSpace(line)
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return env, nil
}
