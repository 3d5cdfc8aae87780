package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a synchronized entity type
type Kind string

const (
	KindDevice   Kind = "device"
	KindAsset    Kind = "asset"
	KindCustomer Kind = "customer"
)

// ParseKind validates an entity kind string
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindDevice, KindAsset, KindCustomer:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown entity kind: %q", s)
}

// Operation identifies the mutation committed by the engine
type Operation string

const (
	OpCreated            Operation = "created"
	OpUpdated            Operation = "updated"
	OpDeleted            Operation = "deleted"
	OpAssigned           Operation = "assigned"
	OpUnassigned         Operation = "unassigned"
	OpCredentialsRotated Operation = "credentials_rotated"
	OpClaimed            Operation = "claimed"
	OpReclaimed          Operation = "reclaimed"
)

var validOperations = map[Operation]bool{
	OpCreated:            true,
	OpUpdated:            true,
	OpDeleted:            true,
	OpAssigned:           true,
	OpUnassigned:         true,
	OpCredentialsRotated: true,
	OpClaimed:            true,
	OpReclaimed:          true,
}

// ParseOperation validates an operation string
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !validOperations[op] {
		return "", fmt.Errorf("unknown operation: %q", s)
	}
	return op, nil
}

// ChangeEvent represents one committed mutation in the source engine.
// Read-only to the bridge; the only field the consumer touches is
// DeliveryAttempt, which it increments on each redelivery.
type ChangeEvent struct {
	EventID         string                 `json:"eventId" msgpack:"id"`
	Kind            Kind                   `json:"entityType" msgpack:"kind"`
	EntityID        string                 `json:"entityId" msgpack:"eid"`
	Operation       Operation              `json:"operation" msgpack:"op"`
	Payload         map[string]interface{} `json:"payload" msgpack:"payload"`
	OccurredAt      time.Time              `json:"occurredAt" msgpack:"ts"`
	DeliveryAttempt int                    `json:"-" msgpack:"attempt"`
}

// Decode parses a JSON-encoded change event from the broker and validates it
func Decode(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to decode change event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return ev, nil
}

// Validate checks the structural invariants every event must carry
func (e ChangeEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("change event missing eventId")
	}
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return err
	}
	if e.EntityID == "" {
		return fmt.Errorf("change event %s missing entityId", e.EventID)
	}
	if _, err := ParseOperation(string(e.Operation)); err != nil {
		return fmt.Errorf("change event %s: %w", e.EventID, err)
	}
	return nil
}

// PartitionKey returns the ordering partition for this event. Events on the
// same partition are processed sequentially by a single dispatcher.
func (e ChangeEvent) PartitionKey() string {
	return string(e.Kind)
}
