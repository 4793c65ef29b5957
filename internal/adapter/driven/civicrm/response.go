package civicrm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// ErrMalformedResponse is returned when a response body is not a JSON object or array.
var ErrMalformedResponse = errors.New("malformed backend response")

// ParseResponse normalizes the response shapes of both protocol versions into
// the canonical model.APIResponse:
//
//   - a bare array becomes Values;
//   - an object with "values" (array, or map keyed by id) becomes Values;
//   - an object with a truthy "is_error" becomes a *driven.BackendError;
//   - any other object passes through as Raw.
//
// It performs no I/O and is idempotent: parsing the JSON encoding of its own
// output yields the same response.
func ParseResponse(raw []byte) (model.APIResponse, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var body any
	if err := dec.Decode(&body); err != nil {
		return model.APIResponse{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	switch t := body.(type) {
	case []any:
		return model.APIResponse{Values: toRecords(t)}, nil
	case map[string]any:
		if values, ok := t["values"]; ok {
			return model.APIResponse{Values: normalizeValues(values)}, nil
		}
		if truthy(t["is_error"]) {
			msg, _ := t["error_message"].(string)
			return model.APIResponse{}, &driven.BackendError{Message: msg}
		}
		return model.APIResponse{Raw: t}, nil
	default:
		return model.APIResponse{}, fmt.Errorf("%w: unexpected %T payload", ErrMalformedResponse, body)
	}
}

// normalizeValues turns an array or an id-keyed map into an ordered sequence.
// Map entries are ordered by key (numeric keys numerically); callers must not
// read meaning into positions.
func normalizeValues(values any) []model.Record {
	switch t := values.(type) {
	case []any:
		return toRecords(t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })

		items := make([]any, 0, len(keys))
		for _, k := range keys {
			items = append(items, t[k])
		}
		return toRecords(items)
	default:
		return []model.Record{}
	}
}

func toRecords(items []any) []model.Record {
	records := make([]model.Record, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			records = append(records, model.Record(m))
			continue
		}
		records = append(records, model.Record{"value": item})
	}
	return records
}

func lessKey(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}

// truthy follows PHP truthiness for the values APIv3 uses in is_error.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case float64:
		return t != 0
	case string:
		s := strings.TrimSpace(t)
		return s != "" && s != "0" && !strings.EqualFold(s, "false")
	default:
		return true
	}
}

// errorMessage extracts a human-readable message from an error body, if any.
func errorMessage(raw []byte) string {
	var body struct {
		ErrorMessage string `json:"error_message"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if body.ErrorMessage != "" {
		return body.ErrorMessage
	}
	return body.Error
}
