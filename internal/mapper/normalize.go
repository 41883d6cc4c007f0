// Package mapper converts between the flat row shape stored locally and in the
// hosted backend and the typed domain model.
package mapper

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// previewLen bounds how much of a malformed payload ends up in the log.
const previewLen = 80

// emptyList is the canonical encoding of an empty list column.
var emptyList = json.RawMessage(`[]`)

// unwrap returns the JSON document held in raw. Older rows stored nested
// values as a JSON string containing the encoded document; those are decoded
// one level. ok is false for empty or null payloads.
func unwrap(field string, raw json.RawMessage) (json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	if raw[0] != '"' {
		return raw, true
	}

	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		logMalformed(field, raw, err)
		return nil, false
	}
	if inner == "" || inner == "null" {
		return nil, false
	}
	return json.RawMessage(inner), true
}

// ParseList decodes a list column. It accepts a native JSON array or a JSON
// string holding one, and never fails: malformed payloads are logged and read
// as an empty list.
func ParseList[T any](field string, raw json.RawMessage) []T {
	doc, ok := unwrap(field, raw)
	if !ok {
		return nil
	}

	var out []T
	if err := json.Unmarshal(doc, &out); err != nil {
		logMalformed(field, doc, err)
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ParseStrings is ParseList for string lists.
func ParseStrings(field string, raw json.RawMessage) []string {
	return ParseList[string](field, raw)
}

// parseObject decodes an object column with the same tolerance as ParseList.
func parseObject[T any](field string, raw json.RawMessage) *T {
	doc, ok := unwrap(field, raw)
	if !ok {
		return nil
	}

	out := new(T)
	if err := json.Unmarshal(doc, out); err != nil {
		logMalformed(field, doc, err)
		return nil
	}
	return out
}

// EncodeList encodes a list column. Empty lists encode as [].
func EncodeList[T any](field string, v []T) json.RawMessage {
	if len(v) == 0 {
		return cloneRaw(emptyList)
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding list column", "field", field, "error", err)
		return cloneRaw(emptyList)
	}
	return data
}

// encodeObject encodes an optional object column. nil encodes as an absent value.
func encodeObject[T any](field string, v *T) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding object column", "field", field, "error", err)
		return nil
	}
	return data
}

func logMalformed(field string, raw []byte, err error) {
	preview := string(raw)
	if len(preview) > previewLen {
		preview = preview[:previewLen] + "..."
	}
	slog.Warn("malformed column, using empty value", "field", field, "preview", preview, "error", err)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func validJSON(field string, raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 || json.Valid(raw) {
		return nil
	}
	return &ColumnError{Field: field}
}

// ColumnError reports a column holding something that is not JSON.
type ColumnError struct {
	Field string
}

func (e *ColumnError) Error() string {
	return "column " + e.Field + " is not valid JSON"
}
