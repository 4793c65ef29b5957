// Package civicrm implements the Backend port against CiviCRM's APIv3 REST
// and APIv4 AJAX endpoints.
package civicrm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
)

// WireRequest is a fully encoded HTTP request descriptor.
type WireRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   string
}

// Protocol encodes logical requests into one backend wire format.
type Protocol interface {
	Version() model.ProtocolVersion
	BuildRequest(conn model.Connection, baseURL string, cred model.Credential, req model.APIRequest) (WireRequest, error)
}

// ProtocolFor returns the strategy for version.
func ProtocolFor(version model.ProtocolVersion) (Protocol, error) {
	switch version {
	case model.ProtocolV3:
		return v3Protocol{}, nil
	case model.ProtocolV4:
		return v4Protocol{}, nil
	default:
		return nil, fmt.Errorf("unsupported protocol version %d", version)
	}
}

// authHeaders sets the credential header. API keys use CiviCRM's proprietary
// X-Civi-Auth header; OAuth and magic-link tokens use a standard bearer header.
func authHeaders(h http.Header, cred model.Credential) {
	h.Set("X-Requested-With", "XMLHttpRequest")
	switch cred.Kind {
	case model.CredentialAPIKey:
		h.Set("X-Civi-Auth", "Bearer "+cred.Key)
	case model.CredentialOAuth, model.CredentialMagicLink:
		h.Set("Authorization", "Bearer "+cred.Secret())
	}
}

// --- APIv4 ---

type v4Protocol struct{}

// v4Params is the JSON document carried in the "params" form field.
type v4Params struct {
	Select  []string          `json:"select,omitempty"`
	Where   []model.Condition `json:"where,omitempty"`
	Values  map[string]any    `json:"values,omitempty"`
	OrderBy map[string]string `json:"orderBy,omitempty"`
	Limit   int               `json:"limit,omitempty"`
}

func (v4Protocol) Version() model.ProtocolVersion { return model.ProtocolV4 }

func (v4Protocol) BuildRequest(_ model.Connection, baseURL string, cred model.Credential, req model.APIRequest) (WireRequest, error) {
	if req.Entity == "" || req.Action == "" {
		return WireRequest{}, errors.New("entity and action are required")
	}

	params, err := json.Marshal(v4Params{
		Select:  req.Query.Select,
		Where:   req.Query.Where,
		Values:  req.Query.Values,
		OrderBy: req.Query.OrderBy,
		Limit:   req.Query.Limit,
	})
	if err != nil {
		return WireRequest{}, fmt.Errorf("encode v4 params: %w", err)
	}

	form := url.Values{}
	form.Set("params", string(params))

	endpoint := strings.TrimRight(baseURL, "/") + "/civicrm/ajax/api4/" +
		url.PathEscape(req.Entity) + "/" + url.PathEscape(string(req.Action))

	h := make(http.Header)
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	authHeaders(h, cred)

	return WireRequest{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: h,
		Body:   form.Encode(),
	}, nil
}

// --- APIv3 ---

type v3Protocol struct{}

func (v3Protocol) Version() model.ProtocolVersion { return model.ProtocolV3 }

func (v3Protocol) BuildRequest(conn model.Connection, baseURL string, cred model.Credential, req model.APIRequest) (WireRequest, error) {
	if req.Entity == "" || req.Action == "" {
		return WireRequest{}, errors.New("entity and action are required")
	}

	q := url.Values{}
	q.Set("entity", req.Entity)
	q.Set("json", "1")
	if conn.SiteKey != "" {
		q.Set("key", conn.SiteKey)
	}
	if cred.Kind == model.CredentialAPIKey {
		q.Set("api_key", cred.Key)
	}

	action := req.Action
	switch req.Action {
	case model.ActionUpdate:
		// APIv3 has no update action; create with an id updates in place.
		id, ok := idCondition(req.Query.Where)
		if !ok {
			return WireRequest{}, errors.New("v3 update requires an id = X condition")
		}
		action = model.ActionCreate
		q.Set("id", formatScalar(id))
	default:
		for _, c := range req.Query.Where {
			if c.Op == "" || c.Op == "=" {
				flatten(q, c.Field, c.Value)
				continue
			}
			flatten(q, c.Field+"["+c.Op+"]", c.Value)
		}
	}
	q.Set("action", string(action))

	for _, k := range sortedKeys(req.Query.Values) {
		if field, ok := v3Field(k); ok {
			flatten(q, field, req.Query.Values[k])
		}
	}

	var ret []string
	for _, f := range req.Query.Select {
		if field, ok := v3Field(f); ok {
			ret = append(ret, field)
		}
	}
	if len(ret) > 0 {
		q.Set("return", strings.Join(ret, ","))
	}

	if req.Action == model.ActionGet {
		// v3 defaults to 25 rows; always send the limit, 0 meaning all.
		q.Set("options[limit]", strconv.Itoa(req.Query.Limit))
	}
	if len(req.Query.OrderBy) > 0 {
		var parts []string
		for _, f := range sortedKeys(req.Query.OrderBy) {
			parts = append(parts, f+" "+strings.ToUpper(req.Query.OrderBy[f]))
		}
		q.Set("options[sort]", strings.Join(parts, ", "))
	}

	restPath := conn.RestPath
	if restPath == "" {
		restPath = model.DefaultRestPath
	}

	h := make(http.Header)
	h.Set("Accept", "application/json")
	authHeaders(h, cred)
	// APIv3 authenticates API keys through the query string only.
	if cred.Kind == model.CredentialAPIKey {
		h.Del("X-Civi-Auth")
	}

	return WireRequest{
		Method: http.MethodGet,
		URL:    strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(restPath, "/") + "?" + q.Encode(),
		Header: h,
	}, nil
}

// v3FieldAliases maps APIv4 implicit-join fields to the flat names APIv3
// returns and accepts for the same data.
var v3FieldAliases = map[string]string{
	"contact_id.display_name":     "display_name",
	"contact_id.email":            "email",
	"email_primary.email":         "email",
	"phone_primary.phone":         "phone",
	"address_primary.postal_code": "postal_code",
	"address_primary.city":        "city",
}

// v3Field translates field for APIv3. Joins without a flat equivalent are
// reported as unsupported.
func v3Field(field string) (string, bool) {
	if alias, ok := v3FieldAliases[field]; ok {
		return alias, true
	}
	return field, !strings.Contains(field, ".")
}

func idCondition(where []model.Condition) (any, bool) {
	for _, c := range where {
		if c.Field == "id" && (c.Op == "=" || c.Op == "") {
			return c.Value, true
		}
	}
	return nil, false
}

// flatten writes v under key using PHP bracket notation for nested values.
func flatten(q url.Values, key string, v any) {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(t) {
			flatten(q, key+"["+k+"]", t[k])
		}
	case []any:
		for i, item := range t {
			flatten(q, key+"["+strconv.Itoa(i)+"]", item)
		}
	case []string:
		for i, item := range t {
			q.Set(key+"["+strconv.Itoa(i)+"]", item)
		}
	default:
		q.Set(key, formatScalar(v))
	}
}

func formatScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return "0"
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
