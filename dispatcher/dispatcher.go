// Package dispatcher is the orchestration core of the sync path. Each
// delivered change event runs through a small state machine:
//
//	Received -> Mapping -> Applying -> {Acknowledged | Retrying | DeadLettered}
//
// Transient legacy failures are retried with exponential backoff and full
// jitter; permanent failures and retry exhaustion are dead-lettered so a
// single bad event never stalls the stream.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hemlock-io/relay/event"
	"github.com/hemlock-io/relay/legacy"
	"github.com/hemlock-io/relay/mapper"
	"github.com/hemlock-io/relay/store"
	"github.com/hemlock-io/relay/telemetry"
)

const (
	// Default retry policy, overridable via Config
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 8
)

// Applier is the slice of the legacy platform client the dispatcher drives
type Applier interface {
	UpsertEntity(ctx context.Context, kind event.Kind, id string, body map[string]interface{}) error
	DeleteEntity(ctx context.Context, kind event.Kind, id string) error
	SetAssignment(ctx context.Context, kind event.Kind, id, customerID string) error
	ClearAssignment(ctx context.Context, kind event.Kind, id string) error
	RotateCredentials(ctx context.Context, kind event.Kind, id string, creds map[string]interface{}) error
}

// Config configures a dispatcher for one entity-kind partition
type Config struct {
	Partition   string
	Legacy      Applier
	Store       store.Store
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	MaxElapsed  time.Duration // total retry budget per event, 0 = unlimited
}

// Dispatcher applies mapped change events to the legacy platform
type Dispatcher struct {
	config Config
}

// New creates a dispatcher for one partition
func New(config Config) (*Dispatcher, error) {
	if config.Partition == "" {
		return nil, fmt.Errorf("partition is required")
	}
	if config.Legacy == nil {
		return nil, fmt.Errorf("legacy applier is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}

	return &Dispatcher{config: config}, nil
}

// Handle processes one delivered event to a terminal state. A nil return
// means the event was durably handled, either applied or dead-lettered, and
// the source may acknowledge it. An error is returned only when recording a
// dead letter itself failed; the event then stays unacknowledged so the
// broker redelivers it rather than losing the record.
func (d *Dispatcher) Handle(ctx context.Context, ev event.ChangeEvent) error {
	op, err := mapper.MapToLegacy(ev)
	if err != nil {
		// Mapping failures are permanent: a structurally invalid payload
		// will never map correctly, so retrying cannot succeed.
		log.Error().Err(err).
			Str("partition", d.config.Partition).
			Str("event_id", ev.EventID).
			Str("operation", string(ev.Operation)).
			Msg("Mapping failed, dead-lettering event")
		telemetry.SyncEventsTotal.With(d.config.Partition, "mapping_failed").Inc()
		return d.deadLetter(ev, err, 0, time.Now())
	}

	return d.applyWithRetry(ctx, ev, op)
}

// applyWithRetry drives the Applying/Retrying loop for one mapped operation
func (d *Dispatcher) applyWithRetry(ctx context.Context, ev event.ChangeEvent, op mapper.LegacyOp) error {
	delay := d.config.BaseDelay
	attempts := 0
	var firstFailure time.Time
	start := time.Now()

	for {
		attempts++
		err := d.apply(ctx, op)

		if err == nil || legacy.Classify(err) == legacy.ClassConflict {
			if err != nil {
				// Already in desired state: duplicate delivery absorbed.
				log.Debug().
					Str("partition", d.config.Partition).
					Str("event_id", ev.EventID).
					Msg("Legacy platform already in desired state")
				telemetry.SyncEventsTotal.With(d.config.Partition, "conflict").Inc()
			} else {
				telemetry.SyncEventsTotal.With(d.config.Partition, "applied").Inc()
			}
			telemetry.SyncApplyAttempts.Observe(float64(attempts))
			telemetry.SyncApplySeconds.Observe(time.Since(start).Seconds())
			return nil
		}

		if firstFailure.IsZero() {
			firstFailure = time.Now()
		}

		if legacy.Classify(err) == legacy.ClassPermanent {
			log.Error().Err(err).
				Str("partition", d.config.Partition).
				Str("event_id", ev.EventID).
				Int("attempts", attempts).
				Msg("Permanent legacy failure, dead-lettering event")
			telemetry.SyncEventsTotal.With(d.config.Partition, "permanent_failure").Inc()
			return d.deadLetter(ev, err, attempts, firstFailure)
		}

		// Transient failure: retry with backoff unless budgets are spent.
		if attempts >= d.config.MaxAttempts {
			log.Error().Err(err).
				Str("partition", d.config.Partition).
				Str("event_id", ev.EventID).
				Int("attempts", attempts).
				Msg("Retry attempts exhausted, dead-lettering event")
			telemetry.SyncEventsTotal.With(d.config.Partition, "retries_exhausted").Inc()
			return d.deadLetter(ev, err, attempts, firstFailure)
		}

		if d.config.MaxElapsed > 0 && time.Since(start)+delay > d.config.MaxElapsed {
			log.Error().Err(err).
				Str("partition", d.config.Partition).
				Str("event_id", ev.EventID).
				Int("attempts", attempts).
				Dur("elapsed", time.Since(start)).
				Msg("Retry time budget exhausted, dead-lettering event")
			telemetry.SyncEventsTotal.With(d.config.Partition, "retries_exhausted").Inc()
			return d.deadLetter(ev, err, attempts, firstFailure)
		}

		// Full jitter: sleep a uniform duration in [0, delay].
		jittered := time.Duration(rand.Int63n(int64(delay) + 1))

		log.Warn().Err(err).
			Str("partition", d.config.Partition).
			Str("event_id", ev.EventID).
			Int("attempt", attempts).
			Dur("retry_delay", jittered).
			Msg("Transient legacy failure, retrying")

		if !sleepCtx(ctx, jittered) {
			// Shutdown mid-backoff: the event stays unacknowledged and the
			// broker redelivers it on restart.
			return ctx.Err()
		}

		delay *= 2
		if delay > d.config.MaxDelay {
			delay = d.config.MaxDelay
		}
	}
}

// apply dispatches one mapped operation to the legacy platform
func (d *Dispatcher) apply(ctx context.Context, op mapper.LegacyOp) error {
	switch op.Type {
	case mapper.OpUpsert:
		return d.config.Legacy.UpsertEntity(ctx, op.Kind, op.EntityID, op.Body)
	case mapper.OpDelete:
		return d.config.Legacy.DeleteEntity(ctx, op.Kind, op.EntityID)
	case mapper.OpSetAssignment:
		return d.config.Legacy.SetAssignment(ctx, op.Kind, op.EntityID, op.CustomerID)
	case mapper.OpClearAssignment:
		return d.config.Legacy.ClearAssignment(ctx, op.Kind, op.EntityID)
	case mapper.OpRotateCredentials:
		return d.config.Legacy.RotateCredentials(ctx, op.Kind, op.EntityID, op.Credentials)
	}
	return fmt.Errorf("unknown operation type %d", op.Type)
}

// deadLetter records a terminal failure. Recording must not fail silently:
// an error here propagates so the event stays unacknowledged and redelivers.
func (d *Dispatcher) deadLetter(ev event.ChangeEvent, cause error, attempts int, firstFailedAt time.Time) error {
	now := time.Now()
	if firstFailedAt.IsZero() {
		firstFailedAt = now
	}

	rec := store.DeadLetterRecord{
		Event:         ev,
		LastError:     cause.Error(),
		Attempts:      attempts,
		FirstFailedAt: firstFailedAt,
		LastFailedAt:  now,
	}

	if err := d.config.Store.RecordDeadLetter(rec); err != nil {
		log.Error().Err(err).
			Str("partition", d.config.Partition).
			Str("event_id", ev.EventID).
			Msg("FAILED TO RECORD DEAD LETTER - event will be redelivered")
		return fmt.Errorf("failed to record dead letter for %s: %w", ev.EventID, err)
	}

	telemetry.DeadLettersTotal.With(d.config.Partition).Inc()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
