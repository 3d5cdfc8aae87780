package transform

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemlock-io/relay/event"
)

func newTransformer(t *testing.T) *Transformer {
	t.Helper()
	tf, err := New()
	require.NoError(t, err)
	return tf
}

func TestToQuerySingleEntity(t *testing.T) {
	tf := newTransformer(t)

	q, err := tf.ToQuery(event.KindDevice, "dev-1", url.Values{})
	require.NoError(t, err)

	assert.Equal(t, "device", q.Kind)
	assert.Equal(t, map[string]interface{}{"id": "dev-1"}, q.Filter)
	assert.Empty(t, q.OrderBy)
}

func TestToQueryListTranslatesParameters(t *testing.T) {
	tf := newTransformer(t)

	params := url.Values{}
	params.Set("type", "thermostat")
	params.Set("sortBy", "createdTime")
	params.Set("pageSize", "25")
	params.Set("cursor", "abc")

	q, err := tf.ToQuery(event.KindDevice, "", params)
	require.NoError(t, err)

	// Caller-facing "type" is the engine's "profile"
	assert.Equal(t, map[string]interface{}{"profile": "thermostat"}, q.Filter)
	assert.Equal(t, "createdAt", q.OrderBy)
	assert.Equal(t, 25, q.PageSize)
	assert.Equal(t, "abc", q.Cursor)
}

func TestToQueryFailsClosedOnUnknownParameter(t *testing.T) {
	tf := newTransformer(t)

	params := url.Values{}
	params.Set("mysteryField", "x")

	_, err := tf.ToQuery(event.KindDevice, "", params)
	var terr *Error
	require.ErrorAs(t, err, &terr)
}

func TestToQueryFailsClosedOnBadSortAndPageSize(t *testing.T) {
	tf := newTransformer(t)

	params := url.Values{}
	params.Set("sortBy", "somethingElse")
	_, err := tf.ToQuery(event.KindDevice, "", params)
	assert.Error(t, err)

	params = url.Values{}
	params.Set("pageSize", "-3")
	_, err = tf.ToQuery(event.KindDevice, "", params)
	assert.Error(t, err)
}

func TestToQueryPlanCaching(t *testing.T) {
	tf := newTransformer(t)

	params := url.Values{}
	params.Set("type", "gateway")

	first, err := tf.ToQuery(event.KindDevice, "", params)
	require.NoError(t, err)

	params.Set("type", "thermostat")
	second, err := tf.ToQuery(event.KindDevice, "", params)
	require.NoError(t, err)

	// Same parameter shape, different values: the cached plan must not
	// leak values between requests.
	assert.Equal(t, "gateway", first.Filter["profile"])
	assert.Equal(t, "thermostat", second.Filter["profile"])
}

func TestToEngineWrite(t *testing.T) {
	tf := newTransformer(t)

	ew, err := tf.ToEngineWrite(event.KindDevice, "updateDevice", "dev-1", map[string]interface{}{
		"name":           "Sensor B",
		"type":           "thermostat",
		"additionalInfo": map[string]interface{}{"floor": 2},
	})
	require.NoError(t, err)

	assert.Equal(t, "updateDevice", ew.Operation)
	assert.Equal(t, "dev-1", ew.InstanceID)
	assert.Equal(t, "Sensor B", ew.Payload["name"])
	assert.Equal(t, "thermostat", ew.Payload["profile"])
	assert.Equal(t, map[string]interface{}{"floor": 2}, ew.Payload["metadata"])
}

func TestToEngineWriteInstanceIDFromBody(t *testing.T) {
	tf := newTransformer(t)

	ew, err := tf.ToEngineWrite(event.KindDevice, "createDevice", "", map[string]interface{}{
		"id":   "dev-7",
		"name": "Sensor C",
	})
	require.NoError(t, err)
	assert.Equal(t, "dev-7", ew.InstanceID)
	_, ok := ew.Payload["id"]
	assert.False(t, ok, "id travels in the path, not the payload")
}

func TestToEngineWriteFailsClosed(t *testing.T) {
	tf := newTransformer(t)

	_, err := tf.ToEngineWrite(event.KindDevice, "updateDevice", "dev-1", map[string]interface{}{"mystery": 1})
	var terr *Error
	require.ErrorAs(t, err, &terr)

	_, err = tf.ToEngineWrite(event.KindDevice, "", "dev-1", map[string]interface{}{})
	assert.Error(t, err, "a write rule without a target operation cannot build a request")
}

func TestFromQueryResponse(t *testing.T) {
	tf := newTransformer(t)

	raw := map[string]interface{}{
		"edges": []interface{}{
			map[string]interface{}{"node": map[string]interface{}{
				"id":      "dev-1",
				"name":    "Sensor A",
				"profile": "thermostat",
				"secret":  "redacted",
			}},
		},
		"pageInfo": map[string]interface{}{
			"hasNextPage": true,
			"endCursor":   "cur-9",
		},
	}

	out, err := tf.FromQueryResponse(event.KindDevice, raw)
	require.NoError(t, err)

	data := out["data"].([]interface{})
	require.Len(t, data, 1)
	entity := data[0].(map[string]interface{})
	assert.Equal(t, "dev-1", entity["id"])
	assert.Equal(t, "Sensor A", entity["name"])
	assert.Equal(t, "thermostat", entity["type"])
	_, ok := entity["secret"]
	assert.False(t, ok)

	assert.Equal(t, true, out["hasNext"])
	assert.Equal(t, "cur-9", out["nextCursor"])
}

func TestFromQueryResponseFailsClosedOnShape(t *testing.T) {
	tf := newTransformer(t)

	_, err := tf.FromQueryResponse(event.KindDevice, map[string]interface{}{"rows": []interface{}{}})
	var terr *Error
	require.ErrorAs(t, err, &terr)

	_, err = tf.FromQueryResponse(event.KindDevice, map[string]interface{}{
		"edges": []interface{}{map[string]interface{}{"cursor": "c"}},
	})
	require.Error(t, err)
}

func TestFromEngineResponseRedacts(t *testing.T) {
	tf := newTransformer(t)

	out, err := tf.FromEngineResponse(event.KindCustomer, map[string]interface{}{
		"id":           "cust-1",
		"title":        "Acme",
		"billingToken": "tok",
		"unknown":      "dropped",
	})
	require.NoError(t, err)

	assert.Equal(t, "cust-1", out["id"])
	assert.Equal(t, "Acme", out["title"])
	_, ok := out["billingToken"]
	assert.False(t, ok)
	_, ok = out["unknown"]
	assert.False(t, ok)
}
