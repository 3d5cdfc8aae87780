// Package source consumes the engine's change-event feed and hands events to
// the dispatcher one at a time with at-least-once semantics. The same event id
// may be delivered more than once after a crash or network partition; all
// downstream handling must tolerate this.
package source

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/hemlock-io/relay/event"
	"github.com/hemlock-io/relay/telemetry"
)

// Handler durably handles one delivered event. Returning nil means the event
// reached a terminal state (applied or dead-lettered) and the source may
// acknowledge it and advance the cursor. Returning an error leaves the event
// unacknowledged for redelivery.
type Handler func(ctx context.Context, ev event.ChangeEvent) error

// Source is a durable consumer for one entity-kind partition
type Source interface {
	// Run delivers events to the handler until ctx is cancelled. Transport
	// disconnects are retried internally with exponential backoff; Run only
	// returns on cancellation or unrecoverable setup failure.
	Run(ctx context.Context, handler Handler) error

	// Partition names the entity-kind partition this source consumes.
	Partition() string

	Close() error
}

// CursorStore is the slice of the bridge store the sources need
type CursorStore interface {
	GetCursor(partition string) (uint64, error)
	SetCursor(partition string, position uint64) error
}

// advanceCursor records durable handling of a stream position. Failures are
// non-fatal; the broker-side consumer state still holds the position.
func advanceCursor(cursors CursorStore, partition string, position uint64) {
	if cursors == nil || position == 0 {
		return
	}

	if err := cursors.SetCursor(partition, position); err != nil {
		log.Warn().Err(err).
			Str("partition", partition).
			Uint64("position", position).
			Msg("Failed to advance sync cursor")
		return
	}

	telemetry.SyncCursorPosition.With(partition).Set(float64(position))
}
