package codec

import "strings"

// ErrorCode is a single-byte canonicalized error code used by the
// binary-delta codec to avoid repeating full error strings for the common
// failure modes probes see.
type ErrorCode byte

// The error code table from §4.5.
const (
	ErrConnRefused    ErrorCode = 3
	ErrHostUnreach    ErrorCode = 4
	ErrNetUnreach     ErrorCode = 5
	ErrConnReset      ErrorCode = 6
	ErrConnTimeout    ErrorCode = 101
	ErrHangup         ErrorCode = 102
	ErrStalling       ErrorCode = 103
	ErrTotalTimeout   ErrorCode = 104
	ErrProtocolMagic  ErrorCode = 200
)

var errorCodeNames = map[ErrorCode]string{
	ErrConnRefused:   "ECONNREFUSED",
	ErrHostUnreach:   "EHOSTUNREACH",
	ErrNetUnreach:    "ENETUNREACH",
	ErrConnReset:     "ECONNRESET",
	ErrConnTimeout:   "CONN_TIMEOUT",
	ErrHangup:        "HANGUP",
	ErrStalling:      "STALLING",
	ErrTotalTimeout:  "TOTAL_TIMEOUT",
	ErrProtocolMagic: "PROTOCOL_INVALID_MAGIC",
}

// canonicalizeRules is evaluated in order; the first substring match wins.
var canonicalizeRules = []struct {
	substr string
	code   ErrorCode
}{
	{"ECONNREFUSED", ErrConnRefused},
	{"EHOSTUNREACH", ErrHostUnreach},
	{"ENETUNREACH", ErrNetUnreach},
	{"ECONNRESET", ErrConnReset},
	{"Connection timed out.", ErrConnTimeout},
	{"Socket hangup", ErrHangup},
	{"Peer is stalling", ErrStalling},
	{"Timeout", ErrTotalTimeout},
	{"Invalid magic value", ErrProtocolMagic},
}

// CanonicalizeError attempts to map a raw error message onto the error code
// table by substring match. ok is false when no rule matched, in which case
// the caller must preserve the raw message as an uncoded string.
func CanonicalizeError(msg string) (code ErrorCode, ok bool) {
	for _, r := range canonicalizeRules {
		if strings.Contains(msg, r.substr) {
			return r.code, true
		}
	}
	return 0, false
}

// ErrorCodeName returns the canonical name for code, or false if code is
// not in the table.
func ErrorCodeName(code ErrorCode) (string, bool) {
	name, ok := errorCodeNames[code]
	return name, ok
}
