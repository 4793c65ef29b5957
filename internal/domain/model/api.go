// Package model holds the domain types shared by every layer.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion selects the backend wire protocol. It is configured once per
// connection, never per request.
type ProtocolVersion int

const (
	ProtocolV3 ProtocolVersion = 3
	ProtocolV4 ProtocolVersion = 4
)

// ParseProtocolVersion accepts "3", "4", "v3" or "v4".
func ParseProtocolVersion(s string) (ProtocolVersion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "3", "v3":
		return ProtocolV3, nil
	case "4", "v4":
		return ProtocolV4, nil
	default:
		return 0, fmt.Errorf("unknown protocol version %q", s)
	}
}

// String returns the version number as stored in settings.
func (v ProtocolVersion) String() string {
	return strconv.Itoa(int(v))
}

// Action is the logical operation of a backend request.
type Action string

const (
	ActionGet    Action = "get"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// APIRequest is a protocol-agnostic backend request.
type APIRequest struct {
	Entity string
	Action Action
	Query  Query
}

// Query carries the filter, projection and write payload of a request.
// Limit 0 means "no limit".
type Query struct {
	Select  []string
	Where   []Condition
	Values  map[string]any
	OrderBy map[string]string
	Limit   int
}

// Condition is a single where-clause triple.
type Condition struct {
	Field string
	Op    string
	Value any
}

// Eq builds an equality condition.
func Eq(field string, value any) Condition {
	return Condition{Field: field, Op: "=", Value: value}
}

// MarshalJSON encodes the condition as the [field, op, value] triple used by APIv4.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.Field, c.Op, c.Value})
}

// Record is one entity row as returned by the backend.
type Record map[string]any

// String returns the value at key rendered as a string, or "" when absent.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Int returns the value at key as an int64. Numeric strings are accepted
// because APIv3 encodes every scalar as a string.
func (r Record) Int(key string) (int64, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// FirstString returns the first non-empty string among keys. It absorbs the
// field-name differences between the protocol versions.
func (r Record) FirstString(keys ...string) string {
	for _, k := range keys {
		if s := r.String(k); s != "" {
			return s
		}
	}
	return ""
}

// FirstInt returns the first parseable integer among keys.
func (r Record) FirstInt(keys ...string) (int64, bool) {
	for _, k := range keys {
		if n, ok := r.Int(k); ok {
			return n, true
		}
	}
	return 0, false
}

// APIResponse is the canonical response shape. Values holds list payloads;
// Raw holds non-list payloads passed through unchanged.
type APIResponse struct {
	Values []Record
	Raw    map[string]any
}

// MarshalJSON renders the canonical shape: the raw object for pass-through
// payloads, {"values": [...]} otherwise.
func (r APIResponse) MarshalJSON() ([]byte, error) {
	if r.Raw != nil {
		return json.Marshal(r.Raw)
	}
	values := r.Values
	if values == nil {
		values = []Record{}
	}
	return json.Marshal(struct {
		Values []Record `json:"values"`
	}{Values: values})
}

// First returns the first record, or nil when the response is empty.
func (r APIResponse) First() Record {
	if len(r.Values) == 0 {
		return nil
	}
	return r.Values[0]
}
