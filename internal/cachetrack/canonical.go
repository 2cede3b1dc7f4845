package cachetrack

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// canonicalJSON re-serialises raw JSON with object keys sorted recursively,
// so the same logical value always hashes identically. Invalid input comes
// back verbatim.
func canonicalJSON(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	case json.Number:
		sb.WriteString(val.String())
	case string:
		b, _ := json.Marshal(val)
		sb.Write(b)
	case bool:
		sb.WriteString(strconv.FormatBool(val))
	case nil:
		sb.WriteString("null")
	}
}
