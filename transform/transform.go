// Package transform reshapes traffic between the legacy API surface callers
// still speak and the engine/query-service shapes behind the bridge. The
// reshaping is schema-driven per entity kind, selected via a lookup table.
// Every function here fails closed: an unrecognized kind, parameter, or
// response shape returns an error and the caller falls back to the legacy
// platform rather than sending a malformed request anywhere.
package transform

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hemlock-io/relay/event"
)

const planCacheSize = 256

// Error marks a transformation the bridge could not perform confidently
type Error struct {
	Kind   event.Kind
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cannot transform %s request: %s", e.Kind, e.Reason)
}

// QueryRequest is the structured query sent to the query service
type QueryRequest struct {
	Kind     string                 `json:"kind"`
	Filter   map[string]interface{} `json:"filter,omitempty"`
	OrderBy  string                 `json:"orderBy,omitempty"`
	PageSize int                    `json:"pageSize,omitempty"`
	Cursor   string                 `json:"cursor,omitempty"`
}

// EngineWrite is a fully built engine write operation
type EngineWrite struct {
	Operation  string
	InstanceID string
	Payload    map[string]interface{}
}

// kindSchema drives both request and response reshaping for one entity kind.
// fields maps engine field names to the legacy names callers expect; the
// reverse direction is derived at init.
type kindSchema struct {
	fields   map[string]string // engine field -> legacy field
	orderBy  map[string]string // legacy sort key -> engine sort key
	redacted map[string]bool   // engine fields never exposed to callers
}

var schemas = map[event.Kind]kindSchema{
	event.KindDevice: {
		fields: map[string]string{
			"name":     "name",
			"label":    "label",
			"profile":  "type",
			"metadata": "additionalInfo",
			"gateway":  "gateway",
		},
		orderBy: map[string]string{
			"name":        "name",
			"type":        "profile",
			"createdTime": "createdAt",
		},
		redacted: map[string]bool{
			"secret":        true,
			"privateKey":    true,
			"internalState": true,
		},
	},
	event.KindAsset: {
		fields: map[string]string{
			"name":     "name",
			"label":    "label",
			"profile":  "type",
			"metadata": "additionalInfo",
		},
		orderBy: map[string]string{
			"name":        "name",
			"type":        "profile",
			"createdTime": "createdAt",
		},
		redacted: map[string]bool{
			"secret":        true,
			"internalState": true,
		},
	},
	event.KindCustomer: {
		fields: map[string]string{
			"title":    "title",
			"email":    "email",
			"country":  "country",
			"metadata": "additionalInfo",
		},
		orderBy: map[string]string{
			"title":       "title",
			"email":       "email",
			"createdTime": "createdAt",
		},
		redacted: map[string]bool{
			"billingToken":  true,
			"internalState": true,
		},
	},
}

// legacyToEngine is the derived reverse field mapping per kind
var legacyToEngine = func() map[event.Kind]map[string]string {
	out := make(map[event.Kind]map[string]string, len(schemas))
	for kind, schema := range schemas {
		rev := make(map[string]string, len(schema.fields))
		for engineField, legacyField := range schema.fields {
			rev[legacyField] = engineField
		}
		out[kind] = rev
	}
	return out
}()

// Pagination parameters on the legacy surface, shared across kinds
const (
	paramPageSize = "pageSize"
	paramCursor   = "cursor"
	paramSortBy   = "sortBy"
)

// filterStep is one compiled query-parameter translation
type filterStep struct {
	legacyParam string
	engineField string
}

// Transformer builds query-service and engine requests from legacy-shaped
// caller requests and reshapes the responses back.
type Transformer struct {
	// Compiled filter plans keyed by (kind, sorted param names). Requests
	// with an identical parameter shape skip re-derivation.
	plans *lru.Cache[string, []filterStep]
}

// New creates a transformer
func New() (*Transformer, error) {
	plans, err := lru.New[string, []filterStep](planCacheSize)
	if err != nil {
		return nil, err
	}
	return &Transformer{plans: plans}, nil
}

// ToQuery builds a query-service request for a classified read. entityID is
// the path id for single-entity reads, empty for list reads; params are the
// caller's URL query values.
func (t *Transformer) ToQuery(kind event.Kind, entityID string, params url.Values) (QueryRequest, error) {
	schema, ok := schemas[kind]
	if !ok {
		return QueryRequest{}, &Error{Kind: kind, Reason: "no schema for kind"}
	}

	req := QueryRequest{Kind: string(kind)}

	if entityID != "" {
		req.Filter = map[string]interface{}{"id": entityID}
		return req, nil
	}

	filter := make(map[string]interface{})

	steps, err := t.filterPlan(kind, params)
	if err != nil {
		return QueryRequest{}, err
	}
	for _, step := range steps {
		filter[step.engineField] = params.Get(step.legacyParam)
	}
	if len(filter) > 0 {
		req.Filter = filter
	}

	if v := params.Get(paramSortBy); v != "" {
		engineSort, ok := schema.orderBy[v]
		if !ok {
			return QueryRequest{}, &Error{Kind: kind, Reason: fmt.Sprintf("unsupported sort key %q", v)}
		}
		req.OrderBy = engineSort
	}
	if v := params.Get(paramPageSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return QueryRequest{}, &Error{Kind: kind, Reason: fmt.Sprintf("invalid page size %q", v)}
		}
		req.PageSize = n
	}
	req.Cursor = params.Get(paramCursor)

	return req, nil
}

// filterPlan resolves the caller's filter parameters to engine fields,
// caching the result per parameter shape.
func (t *Transformer) filterPlan(kind event.Kind, params url.Values) ([]filterStep, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		switch name {
		case paramPageSize, paramCursor, paramSortBy:
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	cacheKey := string(kind) + "?" + strings.Join(names, ",")
	if steps, ok := t.plans.Get(cacheKey); ok {
		return steps, nil
	}

	rev := legacyToEngine[kind]
	steps := make([]filterStep, 0, len(names))
	for _, name := range names {
		engineField, ok := rev[name]
		if !ok {
			return nil, &Error{Kind: kind, Reason: fmt.Sprintf("unrecognized filter parameter %q", name)}
		}
		steps = append(steps, filterStep{legacyParam: name, engineField: engineField})
	}

	t.plans.Add(cacheKey, steps)
	return steps, nil
}

// ToEngineWrite builds the engine operation for a classified write. The body
// arrives in legacy field names and is translated to engine names; the
// caller's bearer token is attached by the proxy, never minted here.
func (t *Transformer) ToEngineWrite(kind event.Kind, operation, entityID string, body map[string]interface{}) (EngineWrite, error) {
	if operation == "" {
		return EngineWrite{}, &Error{Kind: kind, Reason: "route has no target operation"}
	}
	rev, ok := legacyToEngine[kind]
	if !ok {
		return EngineWrite{}, &Error{Kind: kind, Reason: "no schema for kind"}
	}

	payload := make(map[string]interface{}, len(body))
	for legacyField, value := range body {
		if legacyField == "id" {
			continue
		}
		engineField, ok := rev[legacyField]
		if !ok {
			return EngineWrite{}, &Error{Kind: kind, Reason: fmt.Sprintf("unrecognized field %q", legacyField)}
		}
		payload[engineField] = value
	}

	instanceID := entityID
	if instanceID == "" {
		if v, ok := body["id"].(string); ok {
			instanceID = v
		}
	}

	return EngineWrite{Operation: operation, InstanceID: instanceID, Payload: payload}, nil
}

// FromQueryResponse reshapes a query-service edge/node result into the legacy
// list shape callers expect.
func (t *Transformer) FromQueryResponse(kind event.Kind, raw map[string]interface{}) (map[string]interface{}, error) {
	edges, ok := raw["edges"].([]interface{})
	if !ok {
		return nil, &Error{Kind: kind, Reason: "query response has no edges"}
	}

	data := make([]interface{}, 0, len(edges))
	for _, e := range edges {
		edge, ok := e.(map[string]interface{})
		if !ok {
			return nil, &Error{Kind: kind, Reason: "malformed edge in query response"}
		}
		node, ok := edge["node"].(map[string]interface{})
		if !ok {
			return nil, &Error{Kind: kind, Reason: "edge has no node"}
		}
		entity, err := t.FromEngineResponse(kind, node)
		if err != nil {
			return nil, err
		}
		data = append(data, entity)
	}

	out := map[string]interface{}{
		"data":    data,
		"hasNext": false,
	}
	if pageInfo, ok := raw["pageInfo"].(map[string]interface{}); ok {
		if hasNext, ok := pageInfo["hasNextPage"].(bool); ok {
			out["hasNext"] = hasNext
		}
		if cursor, ok := pageInfo["endCursor"].(string); ok && cursor != "" {
			out["nextCursor"] = cursor
		}
	}

	return out, nil
}

// FromEngineResponse reshapes a single engine-shaped entity into the legacy
// entity shape: fields renamed, authority-only fields stripped.
func (t *Transformer) FromEngineResponse(kind event.Kind, entity map[string]interface{}) (map[string]interface{}, error) {
	schema, ok := schemas[kind]
	if !ok {
		return nil, &Error{Kind: kind, Reason: "no schema for kind"}
	}

	out := make(map[string]interface{}, len(entity))
	for engineField, value := range entity {
		if engineField == "id" {
			out["id"] = value
			continue
		}
		if schema.redacted[engineField] {
			continue
		}
		legacyField, ok := schema.fields[engineField]
		if !ok {
			continue
		}
		out[legacyField] = value
	}

	return out, nil
}
