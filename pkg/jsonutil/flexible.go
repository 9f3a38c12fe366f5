// Package jsonutil converts loosely typed JSON request fields into the
// positional string parameters stored in the transformation ledger.
package jsonutil

import (
	"bytes"
	"encoding/json"
)

// FlexibleStringValue renders one JSON value as a parameter string. Clients may
// send 5, "5" or true where the ledger stores text; numbers keep their literal
// form and booleans become "true"/"false". Null or empty input yields "".
// Objects and arrays are returned as their raw JSON.
func FlexibleStringValue(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil {
		switch t := v.(type) {
		case json.Number:
			return t.String()
		case bool:
			if t {
				return "true"
			}
			return "false"
		}
	}
	return string(raw)
}

// FlexibleStrings renders a JSON array of parameters. A missing or null array yields an empty slice.
func FlexibleStrings(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return []string{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = FlexibleStringValue(item)
	}
	return out, nil
}
