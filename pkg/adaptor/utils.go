package adaptor

import (
	"encoding/json"
)

// extractExtras returns the top-level fields of body that are not consumed
// by the translator, preserved verbatim for the upstream adapter.
func extractExtras(body []byte, known map[string]bool) map[string]json.RawMessage {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(body, &all); err != nil {
		return nil
	}
	extras := make(map[string]json.RawMessage)
	for k, v := range all {
		if !known[k] {
			extras[k] = v
		}
	}
	if len(extras) == 0 {
		return nil
	}
	return extras
}

// mergeExtras copies preserved opaque fields into the wire map without
// overwriting translated fields.
func mergeExtras(wire map[string]interface{}, extras map[string]json.RawMessage) {
	for k, v := range extras {
		if _, exists := wire[k]; !exists {
			wire[k] = v
		}
	}
}

// compactJSON minifies raw JSON, returning the input on failure.
func compactJSON(raw []byte) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
