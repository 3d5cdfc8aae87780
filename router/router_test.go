package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemlock-io/relay/cfg"
	"github.com/hemlock-io/relay/event"
)

func testRoutes() []cfg.RouteConfiguration {
	return []cfg.RouteConfiguration{
		{Method: "GET", Pattern: "/api/device/*", Classification: "read", Kind: "device"},
		{Method: "GET", Pattern: "/api/device", Classification: "read", Kind: "device"},
		{Method: "POST", Pattern: "/api/device", Classification: "write", Kind: "device", Operation: "createDevice"},
		{Method: "POST", Pattern: "/api/device/*", Classification: "write", Kind: "device", Operation: "updateDevice"},
		{Method: "GET", Pattern: "/api/customer/*", Classification: "read", Kind: "customer"},
		{Method: "", Pattern: "/api/audit/**", Classification: "passthrough"},
	}
}

func TestClassify(t *testing.T) {
	r, err := New(testRoutes())
	require.NoError(t, err)

	cases := []struct {
		method string
		path   string
		want   Classification
	}{
		{"GET", "/api/device/dev-1", Read},
		{"get", "/api/device/dev-1", Read}, // method matching is case-insensitive
		{"GET", "/api/device", Read},
		{"POST", "/api/device", Write},
		{"POST", "/api/device/dev-1", Write},
		{"GET", "/api/customer/cust-1", Read},
		{"DELETE", "/api/device/dev-1", PassThrough}, // no rule for DELETE
		{"GET", "/api/audit/log/entries", PassThrough},
		{"GET", "/api/unknown", PassThrough},
		{"GET", "/api/device/dev-1/telemetry", PassThrough}, // "*" does not cross segments
	}

	for _, tc := range cases {
		got, _ := r.Classify(tc.method, tc.path)
		assert.Equal(t, tc.want, got, "%s %s", tc.method, tc.path)
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	r, err := New([]cfg.RouteConfiguration{
		{Method: "GET", Pattern: "/api/device/special", Classification: "passthrough"},
		{Method: "GET", Pattern: "/api/device/*", Classification: "read", Kind: "device"},
	})
	require.NoError(t, err)

	got, rule := r.Classify("GET", "/api/device/special")
	assert.Equal(t, PassThrough, got)
	require.NotNil(t, rule)
	assert.Equal(t, "/api/device/special", rule.Pattern)
}

func TestClassifyIsDeterministic(t *testing.T) {
	r, err := New(testRoutes())
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		got, rule := r.Classify("POST", "/api/device/dev-1")
		require.Equal(t, Write, got)
		require.Equal(t, "updateDevice", rule.Operation)
	}
}

func TestClassifyCarriesRuleMetadata(t *testing.T) {
	r, err := New(testRoutes())
	require.NoError(t, err)

	_, rule := r.Classify("POST", "/api/device")
	require.NotNil(t, rule)
	assert.Equal(t, event.KindDevice, rule.Kind)
	assert.Equal(t, "createDevice", rule.Operation)
}

func TestNewRejectsInvalidPattern(t *testing.T) {
	_, err := New([]cfg.RouteConfiguration{
		{Method: "GET", Pattern: "/api/[", Classification: "read", Kind: "device"},
	})
	assert.Error(t, err)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New([]cfg.RouteConfiguration{
		{Method: "GET", Pattern: "/api/widget/*", Classification: "read", Kind: "widget"},
	})
	assert.Error(t, err)
}
