package shared

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ParseLoose extracts a JSON value from text that may carry surrounding prose,
// log noise or code fences. The whole trimmed text is tried first. Otherwise the
// last complete top-level value found by LooseValues is returned.
//
// Returns ok=false when nothing parses.
func ParseLoose(text string) (json.RawMessage, bool) {
	vals := LooseValues(text)
	if len(vals) == 0 {
		return nil, false
	}
	return vals[len(vals)-1], true
}

// LooseValues returns every top-level JSON object or array embedded in text,
// in order of appearance. Text that is itself valid JSON yields one value.
// Values nested inside an earlier match are not reported on their own.
func LooseValues(text string) []json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if json.Valid([]byte(trimmed)) {
		return []json.RawMessage{json.RawMessage(trimmed)}
	}

	var out []json.RawMessage
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if c != '{' && c != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(trimmed[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			continue
		}
		out = append(out, bytes.TrimSpace(raw))
		// Skip past the matched value so nested objects are not re-matched.
		i += int(dec.InputOffset()) - 1
	}
	return out
}
