package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedResponse indicates a response that violates the framing protocol
// or whose payload does not parse as the expected JSON array. Both cases are
// per-call failures: the process is still usable for subsequent calls.
var ErrMalformedResponse = errors.New("malformed response from R runtime")

// Frame accumulates stdout lines until a complete sentinel-framed response has
// been seen. Lines before the start sentinel are discarded as chatter; lines
// between the sentinels are the payload, in arrival order.
type Frame struct {
	started bool
	lines   []string
}

// Add feeds one line into the frame. It returns true once the end sentinel has
// been seen and the frame is complete. An end sentinel with no preceding start
// sentinel is a protocol violation, not an empty response.
func (f *Frame) Add(line string) (bool, error) {
	switch {
	case line == StartLine:
		f.started = true
	case line == EndLine:
		if !f.started {
			return false, fmt.Errorf("%w: response ended before it began", ErrMalformedResponse)
		}
		return true, nil
	case f.started:
		f.lines = append(f.lines, line)
	}
	return false, nil
}

// Payload returns the accumulated payload lines joined with newlines.
func (f *Frame) Payload() string {
	return strings.Join(f.lines, "\n")
}

// Unwrap strips R's print-format decoration from a payload: the "[1]" index
// marker, escape backslashes, surrounding whitespace, and the double quotes R
// prints around a character vector. The result is the bare JSON text, or ""
// for a degenerate payload.
func Unwrap(payload string) string {
	payload = strings.ReplaceAll(payload, "[1]", "")
	payload = strings.ReplaceAll(payload, `\`, "")
	payload = strings.TrimSpace(payload)
	if len(payload) < 2 {
		return ""
	}
	if payload[0] == '"' && payload[len(payload)-1] == '"' {
		payload = payload[1 : len(payload)-1]
	}
	return payload
}

// DecodeValues unwraps and parses a payload into the call's result values.
// A nil slice with a nil error means the call produced no result: the payload
// was empty or the semantically empty collection.
func DecodeValues(payload string) ([]interface{}, error) {
	content := Unwrap(payload)
	if content == "" || content == "[]" {
		return nil, nil
	}
	var vals []interface{}
	if err := json.Unmarshal([]byte(content), &vals); err != nil {
		return nil, fmt.Errorf("%w: parsing payload %q: %s", ErrMalformedResponse, content, err)
	}
	return vals, nil
}
