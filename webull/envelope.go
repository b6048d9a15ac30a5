package webull

import (
	"encoding/json"
	"fmt"
)

// Envelope is a decoded broker response body. The API has shipped at least
// three shapes per endpoint over its lifetime: a bare JSON array, an object
// with a "data" array, and an object with a "data" object. Envelope hides
// which one arrived.
type Envelope struct {
	raw any
}

// Decode parses a response body into an Envelope.
func Decode(body []byte) (Envelope, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode response: %w", err)
	}
	return Envelope{raw: raw}, nil
}

// List returns the response rows: the bare array, the "data" array, or a
// single-element list wrapping the "data" object. An empty response yields
// an empty list.
func (e Envelope) List() []map[string]any {
	switch v := e.raw.(type) {
	case []any:
		return toObjects(v)
	case map[string]any:
		switch d := v["data"].(type) {
		case []any:
			return toObjects(d)
		case map[string]any:
			return []map[string]any{d}
		case nil:
			// legacy shape: the object itself is the payload
			return []map[string]any{v}
		}
	}
	return nil
}

// Object returns the response as a single object: the "data" object, the
// first element of the "data" array, or the top-level object itself.
func (e Envelope) Object() map[string]any {
	switch v := e.raw.(type) {
	case map[string]any:
		switch d := v["data"].(type) {
		case map[string]any:
			return d
		case []any:
			if objs := toObjects(d); len(objs) > 0 {
				return objs[0]
			}
			return nil
		}
		return v
	case []any:
		if objs := toObjects(v); len(objs) > 0 {
			return objs[0]
		}
	}
	return nil
}

// Map returns the "data" object keyed by an arbitrary string (the
// by-currency balance shape), or nil if the response is not keyed.
func (e Envelope) Map() map[string]map[string]any {
	top, ok := e.raw.(map[string]any)
	if !ok {
		return nil
	}
	d, ok := top["data"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]map[string]any, len(d))
	for k, v := range d {
		if obj, ok := v.(map[string]any); ok {
			out[k] = obj
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func toObjects(in []any) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, item := range in {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

// Str extracts a string field, converting JSON numbers when needed.
func Str(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

// Num extracts a numeric field. Broker payloads carry numbers both as JSON
// numbers and as strings; absent or malformed fields yield 0.
func Num(obj map[string]any, key string) float64 {
	switch v := obj[key].(type) {
	case float64:
		return v
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			return f
		}
	}
	return 0
}
