// Package mapper translates engine change events into legacy platform
// operations. Mapping is pure: no I/O, no state, same input always produces
// the same output. A MappingError is permanent by definition; a structurally
// invalid event will never map correctly, so callers dead-letter it without
// retrying.
package mapper

import (
	"fmt"

	"github.com/hemlock-io/relay/event"
)

// OpType identifies the legacy platform operation an event maps to
type OpType int

const (
	OpUpsert OpType = iota
	OpDelete
	OpSetAssignment
	OpClearAssignment
	OpRotateCredentials
)

func (t OpType) String() string {
	switch t {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	case OpSetAssignment:
		return "set_assignment"
	case OpClearAssignment:
		return "clear_assignment"
	case OpRotateCredentials:
		return "rotate_credentials"
	}
	return "unknown"
}

// LegacyOp is a fully mapped legacy platform operation
type LegacyOp struct {
	Type        OpType
	Kind        event.Kind
	EntityID    string
	Body        map[string]interface{} // upsert payload, legacy field names
	CustomerID  string                 // set for OpSetAssignment
	Credentials map[string]interface{} // set for OpRotateCredentials
}

// MappingError marks an event that can never be applied to the legacy
// platform. The dispatcher treats it as a permanent failure.
type MappingError struct {
	EventID string
	Reason  string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("cannot map event %s: %s", e.EventID, e.Reason)
}

// kindSchema drives the per-kind field translation
type kindSchema struct {
	renames  map[string]string // engine field -> legacy field
	required []string          // engine fields an upsert must carry
	redacted map[string]bool   // authority-only fields, never forwarded
}

var schemas = map[event.Kind]kindSchema{
	event.KindDevice: {
		renames: map[string]string{
			"name":     "name",
			"label":    "label",
			"profile":  "type",
			"metadata": "additionalInfo",
			"gateway":  "gateway",
		},
		required: []string{"name"},
		redacted: map[string]bool{
			"secret":        true,
			"privateKey":    true,
			"internalState": true,
		},
	},
	event.KindAsset: {
		renames: map[string]string{
			"name":     "name",
			"label":    "label",
			"profile":  "type",
			"metadata": "additionalInfo",
		},
		required: []string{"name"},
		redacted: map[string]bool{
			"secret":        true,
			"internalState": true,
		},
	},
	event.KindCustomer: {
		renames: map[string]string{
			"title":    "title",
			"email":    "email",
			"country":  "country",
			"metadata": "additionalInfo",
		},
		required: []string{"title"},
		redacted: map[string]bool{
			"billingToken":  true,
			"internalState": true,
		},
	},
}

// MapToLegacy translates a change event into the legacy operation it implies.
// Returns *MappingError when the payload is structurally unusable.
func MapToLegacy(ev event.ChangeEvent) (LegacyOp, error) {
	schema, ok := schemas[ev.Kind]
	if !ok {
		return LegacyOp{}, &MappingError{EventID: ev.EventID, Reason: fmt.Sprintf("no schema for kind %q", ev.Kind)}
	}

	switch ev.Operation {
	case event.OpCreated, event.OpUpdated:
		body, err := mapUpsertBody(ev, schema)
		if err != nil {
			return LegacyOp{}, err
		}
		return LegacyOp{Type: OpUpsert, Kind: ev.Kind, EntityID: ev.EntityID, Body: body}, nil

	case event.OpDeleted:
		return LegacyOp{Type: OpDelete, Kind: ev.Kind, EntityID: ev.EntityID}, nil

	case event.OpAssigned, event.OpClaimed:
		customerID, err := stringField(ev, "customerId")
		if err != nil {
			return LegacyOp{}, err
		}
		return LegacyOp{Type: OpSetAssignment, Kind: ev.Kind, EntityID: ev.EntityID, CustomerID: customerID}, nil

	case event.OpUnassigned, event.OpReclaimed:
		return LegacyOp{Type: OpClearAssignment, Kind: ev.Kind, EntityID: ev.EntityID}, nil

	case event.OpCredentialsRotated:
		creds, err := mapCredentials(ev, schema)
		if err != nil {
			return LegacyOp{}, err
		}
		return LegacyOp{Type: OpRotateCredentials, Kind: ev.Kind, EntityID: ev.EntityID, Credentials: creds}, nil
	}

	return LegacyOp{}, &MappingError{EventID: ev.EventID, Reason: fmt.Sprintf("unsupported operation %q", ev.Operation)}
}

// mapUpsertBody builds the legacy entity representation: renamed fields,
// redacted fields stripped, unknown fields dropped.
func mapUpsertBody(ev event.ChangeEvent, schema kindSchema) (map[string]interface{}, error) {
	if ev.Payload == nil {
		return nil, &MappingError{EventID: ev.EventID, Reason: "upsert event has no payload"}
	}

	for _, field := range schema.required {
		v, ok := ev.Payload[field]
		if !ok || v == nil {
			return nil, &MappingError{EventID: ev.EventID, Reason: fmt.Sprintf("missing required field %q", field)}
		}
	}

	body := make(map[string]interface{}, len(ev.Payload)+1)
	for engineField, value := range ev.Payload {
		if schema.redacted[engineField] {
			continue
		}
		legacyField, ok := schema.renames[engineField]
		if !ok {
			continue
		}
		body[legacyField] = value
	}
	body["id"] = ev.EntityID

	return body, nil
}

// mapCredentials builds the rotate payload. Authority-only secrets never
// leave the engine; only the derived credential fields are forwarded.
func mapCredentials(ev event.ChangeEvent, schema kindSchema) (map[string]interface{}, error) {
	if ev.Payload == nil {
		return nil, &MappingError{EventID: ev.EventID, Reason: "credential event has no payload"}
	}

	if _, ok := ev.Payload["credentialsId"]; !ok {
		return nil, &MappingError{EventID: ev.EventID, Reason: "missing required field \"credentialsId\""}
	}

	creds := make(map[string]interface{}, len(ev.Payload))
	for field, value := range ev.Payload {
		if schema.redacted[field] {
			continue
		}
		creds[field] = value
	}

	return creds, nil
}

func stringField(ev event.ChangeEvent, field string) (string, error) {
	v, ok := ev.Payload[field]
	if !ok {
		return "", &MappingError{EventID: ev.EventID, Reason: fmt.Sprintf("missing required field %q", field)}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", &MappingError{EventID: ev.EventID, Reason: fmt.Sprintf("field %q must be a non-empty string", field)}
	}
	return s, nil
}
