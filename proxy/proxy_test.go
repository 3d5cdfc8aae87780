package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hemlock-io/relay/cache"
	"github.com/hemlock-io/relay/cfg"
	"github.com/hemlock-io/relay/event"
	"github.com/hemlock-io/relay/router"
	"github.com/hemlock-io/relay/transform"
)

// engineStub plays back a fixed engine response
type engineStub struct {
	entity map[string]interface{}
	err    error

	calls    int
	lastAuth string
	lastOp   string
}

func (s *engineStub) Execute(ctx context.Context, w transform.EngineWrite, authorization string) (map[string]interface{}, error) {
	s.calls++
	s.lastAuth = authorization
	s.lastOp = w.Operation
	if s.err != nil {
		return nil, s.err
	}
	return s.entity, nil
}

// queryStub plays back a fixed query-service response
type queryStub struct {
	result map[string]interface{}
	err    error
	calls  int
}

func (s *queryStub) Query(ctx context.Context, q transform.QueryRequest) (map[string]interface{}, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

// forwarderStub records the forwarded request for fallback assertions
type forwarderStub struct {
	status int
	body   string

	calls      int
	lastMethod string
	lastURI    string
	lastBody   []byte
}

func (s *forwarderStub) Forward(r *http.Request, body []byte) (*http.Response, error) {
	s.calls++
	s.lastMethod = r.Method
	s.lastURI = r.URL.RequestURI()
	s.lastBody = body

	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(s.body))),
	}, nil
}

type fixture struct {
	proxy     *Proxy
	engine    *engineStub
	query     *queryStub
	forwarder *forwarderStub
	cache     *cache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	rt, err := router.New([]cfg.RouteConfiguration{
		{Method: "GET", Pattern: "/api/device/*", Classification: "read", Kind: "device"},
		{Method: "GET", Pattern: "/api/device", Classification: "read", Kind: "device"},
		{Method: "POST", Pattern: "/api/device", Classification: "write", Kind: "device", Operation: "createDevice"},
		{Method: "POST", Pattern: "/api/device/*", Classification: "write", Kind: "device", Operation: "updateDevice"},
		{Method: "DELETE", Pattern: "/api/device/*", Classification: "write", Kind: "device", Operation: "decommissionDevice"},
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}

	tf, err := transform.New()
	if err != nil {
		t.Fatalf("failed to build transformer: %v", err)
	}

	f := &fixture{
		engine:    &engineStub{},
		query:     &queryStub{},
		forwarder: &forwarderStub{body: `{"source":"legacy"}`},
		cache:     cache.New(time.Minute, time.Minute),
	}
	f.proxy = New(Options{
		Router:      rt,
		Transformer: tf,
		Cache:       f.cache,
		Engine:      f.engine,
		Query:       f.query,
		Legacy:      f.forwarder,
	})
	return f
}

func (f *fixture) do(method, target string, body string) *httptest.ResponseRecorder {
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.proxy.ServeHTTP(rec, req)
	return rec
}

func TestWriteThenImmediateReadSkipsQueryService(t *testing.T) {
	f := newFixture(t)
	f.engine.entity = map[string]interface{}{"id": "dev-2", "name": "Sensor B", "profile": "thermostat"}

	rec := f.do("POST", "/api/device", `{"id":"dev-2","name":"Sensor B"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("write returned %d: %s", rec.Code, rec.Body.String())
	}

	var written map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &written); err != nil {
		t.Fatalf("write response is not JSON: %v", err)
	}
	if written["type"] != "thermostat" {
		t.Fatalf("write response must be legacy-shaped, got %v", written)
	}

	// Read-your-writes: the follow-up read is served from cache
	readRec := f.do("GET", "/api/device/dev-2", "")
	if readRec.Code != http.StatusOK {
		t.Fatalf("read returned %d", readRec.Code)
	}
	if f.query.calls != 0 {
		t.Fatalf("read within TTL must not reach the query service, got %d calls", f.query.calls)
	}
	if readRec.Body.String() != rec.Body.String() {
		t.Fatal("cached read must return the just-written payload")
	}
}

func TestDeleteInvalidatesCachedEntity(t *testing.T) {
	f := newFixture(t)
	f.engine.entity = map[string]interface{}{"id": "dev-9", "name": "Sensor X"}

	rec := f.do("POST", "/api/device", `{"id":"dev-9","name":"Sensor X"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("write returned %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := f.cache.GetEntity(event.KindDevice, "dev-9"); !ok {
		t.Fatal("write must populate the entity cache")
	}

	f.engine.entity = map[string]interface{}{"status": "decommissioned"}
	delRec := f.do("DELETE", "/api/device/dev-9", "")
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete returned %d: %s", delRec.Code, delRec.Body.String())
	}
	if f.engine.lastOp != "decommissionDevice" {
		t.Fatalf("expected decommissionDevice operation, got %q", f.engine.lastOp)
	}

	if _, ok := f.cache.GetEntity(event.KindDevice, "dev-9"); ok {
		t.Fatal("a delete must drop the cached entity")
	}

	// A read within TTL must observe the delete, not the pre-delete body.
	// The query service has no record of dev-9 so the read falls back.
	f.query.result = map[string]interface{}{
		"edges":    []interface{}{},
		"pageInfo": map[string]interface{}{"hasNextPage": false},
	}
	readRec := f.do("GET", "/api/device/dev-9", "")
	if f.query.calls != 1 {
		t.Fatalf("post-delete read must miss the cache, got %d query calls", f.query.calls)
	}
	if readRec.Body.String() != `{"source":"legacy"}` {
		t.Fatalf("post-delete read must not serve the deleted entity, got %q", readRec.Body.String())
	}
}

func TestWritePassesCallerTokenThrough(t *testing.T) {
	f := newFixture(t)
	f.engine.entity = map[string]interface{}{"id": "dev-1", "name": "Sensor A"}

	req := httptest.NewRequest("POST", "/api/device", bytes.NewReader([]byte(`{"name":"Sensor A"}`)))
	req.Header.Set("Authorization", "Bearer caller-token")
	rec := httptest.NewRecorder()
	f.proxy.ServeHTTP(rec, req)

	if f.engine.lastAuth != "Bearer caller-token" {
		t.Fatalf("caller token must pass through unchanged, got %q", f.engine.lastAuth)
	}
	if f.engine.lastOp != "createDevice" {
		t.Fatalf("expected createDevice operation, got %q", f.engine.lastOp)
	}
}

func TestWriteInvalidatesCachedLists(t *testing.T) {
	f := newFixture(t)
	f.engine.entity = map[string]interface{}{"id": "dev-1", "name": "Sensor A"}

	f.cache.PutList(event.KindDevice, []byte("type=thermostat"), []byte(`{"data":[]}`))

	f.do("POST", "/api/device", `{"name":"Sensor A"}`)

	if _, ok := f.cache.GetList(event.KindDevice, []byte("type=thermostat")); ok {
		t.Fatal("a write must invalidate cached lists for its kind")
	}
}

func TestReadMissGoesToQueryService(t *testing.T) {
	f := newFixture(t)
	f.query.result = map[string]interface{}{
		"edges": []interface{}{
			map[string]interface{}{"node": map[string]interface{}{"id": "dev-1", "name": "Sensor A"}},
		},
		"pageInfo": map[string]interface{}{"hasNextPage": false},
	}

	rec := f.do("GET", "/api/device/dev-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("read returned %d", rec.Code)
	}
	if f.query.calls != 1 {
		t.Fatalf("expected 1 query call, got %d", f.query.calls)
	}
	if f.forwarder.calls != 0 {
		t.Fatalf("successful read must not fall back, got %d forwards", f.forwarder.calls)
	}

	var entity map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &entity); err != nil {
		t.Fatalf("read response is not JSON: %v", err)
	}
	if entity["id"] != "dev-1" || entity["name"] != "Sensor A" {
		t.Fatalf("unexpected entity %v", entity)
	}
}

func TestReadFallsBackOnQueryFailure(t *testing.T) {
	f := newFixture(t)
	f.query.err = errors.New("query service down")

	rec := f.do("GET", "/api/device/dev-1", "")

	if f.forwarder.calls != 1 {
		t.Fatalf("expected fallback forward, got %d", f.forwarder.calls)
	}
	if f.forwarder.lastMethod != "GET" || f.forwarder.lastURI != "/api/device/dev-1" {
		t.Fatalf("fallback must forward the original request, got %s %s", f.forwarder.lastMethod, f.forwarder.lastURI)
	}
	if rec.Body.String() != `{"source":"legacy"}` {
		t.Fatalf("fallback must relay the legacy response, got %q", rec.Body.String())
	}
}

func TestReadFallsBackOnTransformError(t *testing.T) {
	f := newFixture(t)

	// An unrecognized filter parameter fails closed
	f.do("GET", "/api/device?mysteryParam=1", "")

	if f.query.calls != 0 {
		t.Fatal("a transform failure must never produce a query")
	}
	if f.forwarder.calls != 1 {
		t.Fatalf("expected fallback forward, got %d", f.forwarder.calls)
	}
	if f.forwarder.lastURI != "/api/device?mysteryParam=1" {
		t.Fatalf("fallback must preserve the query string, got %q", f.forwarder.lastURI)
	}
}

func TestPassthroughForwardsUntouched(t *testing.T) {
	f := newFixture(t)

	body := `{"raw":"payload"}`
	rec := f.do("PATCH", "/api/device/dev-1", body)

	if f.forwarder.calls != 1 {
		t.Fatalf("expected passthrough forward, got %d", f.forwarder.calls)
	}
	if f.forwarder.lastMethod != "PATCH" {
		t.Fatalf("method must be preserved, got %s", f.forwarder.lastMethod)
	}
	if string(f.forwarder.lastBody) != body {
		t.Fatalf("body must be forwarded byte for byte, got %q", f.forwarder.lastBody)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("legacy status must be relayed, got %d", rec.Code)
	}
}

func TestWriteEngineRejectionSurfacedDirectly(t *testing.T) {
	f := newFixture(t)
	f.engine.err = &EngineError{Status: http.StatusBadRequest, Body: []byte(`{"error":"invalid name"}`)}

	rec := f.do("POST", "/api/device", `{"name":""}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("validation rejection must surface, got %d", rec.Code)
	}
	if rec.Body.String() != `{"error":"invalid name"}` {
		t.Fatalf("engine error body must be relayed, got %q", rec.Body.String())
	}
	if f.forwarder.calls != 0 {
		t.Fatal("a rejected write must not be retried against the legacy platform")
	}
}

func TestWriteFallsBackOnEngineFailure(t *testing.T) {
	f := newFixture(t)
	f.engine.err = errors.New("connection refused")

	body := `{"name":"Sensor A"}`
	f.do("POST", "/api/device", body)

	if f.forwarder.calls != 1 {
		t.Fatalf("expected fallback forward, got %d", f.forwarder.calls)
	}
	if string(f.forwarder.lastBody) != body {
		t.Fatal("fallback must forward the original write body")
	}
}
