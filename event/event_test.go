package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidEvent(t *testing.T) {
	raw := []byte(`{
		"eventId": "evt-1",
		"entityType": "device",
		"entityId": "dev-1",
		"operation": "created",
		"payload": {"name": "Sensor A"},
		"occurredAt": "2026-01-15T10:30:00Z"
	}`)

	ev, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, "evt-1", ev.EventID)
	assert.Equal(t, KindDevice, ev.Kind)
	assert.Equal(t, "dev-1", ev.EntityID)
	assert.Equal(t, OpCreated, ev.Operation)
	assert.Equal(t, "Sensor A", ev.Payload["name"])
	assert.Equal(t, 0, ev.DeliveryAttempt)
	assert.Equal(t, "device", ev.PartitionKey())
}

func TestDecodeRejectsInvalidEvents(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"missing event id", `{"entityType":"device","entityId":"dev-1","operation":"created"}`},
		{"missing entity id", `{"eventId":"e","entityType":"device","operation":"created"}`},
		{"unknown kind", `{"eventId":"e","entityType":"widget","entityId":"w-1","operation":"created"}`},
		{"unknown operation", `{"eventId":"e","entityType":"device","entityId":"dev-1","operation":"exploded"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestParseKind(t *testing.T) {
	for _, valid := range []string{"device", "asset", "customer"} {
		_, err := ParseKind(valid)
		assert.NoError(t, err)
	}

	_, err := ParseKind("Device")
	assert.Error(t, err, "kinds are case-sensitive")
}

func TestParseOperation(t *testing.T) {
	for _, valid := range []string{"created", "updated", "deleted", "assigned", "unassigned", "credentials_rotated", "claimed", "reclaimed"} {
		_, err := ParseOperation(valid)
		assert.NoError(t, err)
	}

	_, err := ParseOperation("renamed")
	assert.Error(t, err)
}
