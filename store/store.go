// Package store persists the bridge's durable state: dead-letter records for
// events that exhausted retries, and per-partition sync cursors used to resume
// consumption after a restart.
package store

import (
	"errors"
	"time"

	"github.com/hemlock-io/relay/event"
)

// ErrNotFound is returned when a dead letter or cursor does not exist
var ErrNotFound = errors.New("not found")

// DeadLetterRecord is a change event plus failure metadata, parked for
// operator-driven replay.
type DeadLetterRecord struct {
	Event         event.ChangeEvent `msgpack:"event" json:"event"`
	LastError     string            `msgpack:"last_error" json:"lastError"`
	Attempts      int               `msgpack:"attempts" json:"attempts"`
	FirstFailedAt time.Time         `msgpack:"first_failed_at" json:"firstFailedAt"`
	LastFailedAt  time.Time         `msgpack:"last_failed_at" json:"lastFailedAt"`
}

// Store is the durable bridge state. Implementations must be safe for
// concurrent use; dispatcher workers and the admin API share one instance.
type Store interface {
	// RecordDeadLetter appends a dead letter. Writing the same event id twice
	// overwrites the previous record with the fresher failure metadata.
	RecordDeadLetter(rec DeadLetterRecord) error

	// ListDeadLetters returns up to limit records ordered by event id,
	// starting after the `from` key. Returns hasMore for pagination.
	ListDeadLetters(limit int, from string) ([]DeadLetterRecord, bool, error)

	// GetDeadLetter fetches one record by event id. ErrNotFound if absent.
	GetDeadLetter(eventID string) (DeadLetterRecord, error)

	// RemoveDeadLetter deletes a record after successful replay or purge.
	RemoveDeadLetter(eventID string) error

	// CountDeadLetters returns the number of parked records.
	CountDeadLetters() (int, error)

	// GetCursor returns the last durably handled position for a partition,
	// 0 if the partition has never been acknowledged.
	GetCursor(partition string) (uint64, error)

	// SetCursor advances the partition cursor.
	SetCursor(partition string, position uint64) error

	Close() error
}
