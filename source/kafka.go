package source

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/hemlock-io/relay/event"
)

// KafkaOptions configures a Kafka consumer-group source for one entity kind
type KafkaOptions struct {
	Brokers     []string
	GroupID     string
	TopicPrefix string // topic is {prefix}.{kind}
	Kind        string
	Cursors     CursorStore
}

// KafkaSource consumes change events from a Kafka topic. Offsets are
// committed only after the handler reports durable handling, so a crash
// between handling and commit causes redelivery (at-least-once).
type KafkaSource struct {
	opts   KafkaOptions
	reader *kafka.Reader

	// Kafka does not expose a per-message delivery counter the way
	// JetStream does, so redeliveries within this process are counted here.
	// The loop is single-goroutine; no locking needed.
	attempts map[string]int
}

var _ Source = (*KafkaSource)(nil)

// NewKafkaSource creates a Kafka source for the given entity kind
func NewKafkaSource(opts KafkaOptions) (*KafkaSource, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka source requires brokers")
	}
	if opts.Kind == "" {
		return nil, fmt.Errorf("kafka source requires an entity kind")
	}
	if opts.GroupID == "" {
		return nil, fmt.Errorf("kafka source requires a group id")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     opts.Brokers,
		GroupID:     opts.GroupID + "-" + opts.Kind,
		Topic:       opts.TopicPrefix + "." + opts.Kind,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     2 * time.Second,
		StartOffset: kafka.FirstOffset,
	})

	return &KafkaSource{
		opts:     opts,
		reader:   reader,
		attempts: make(map[string]int),
	}, nil
}

func (s *KafkaSource) Partition() string {
	return s.opts.Kind
}

// Run fetches and delivers events until ctx is cancelled
func (s *KafkaSource) Run(ctx context.Context, handler Handler) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The reader reconnects internally; keep the loop alive.
			log.Warn().Err(err).
				Str("partition", s.opts.Kind).
				Msg("Kafka fetch failed, retrying")
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		ev, err := event.Decode(msg.Value)
		if err != nil {
			// Undecodable message: commit past it so the partition is not
			// blocked, but keep it loud in the logs.
			log.Error().Err(err).
				Str("partition", s.opts.Kind).
				Int64("offset", msg.Offset).
				Msg("Skipping undecodable change event")
			if err := s.reader.CommitMessages(ctx, msg); err != nil {
				log.Warn().Err(err).Msg("Failed to commit past undecodable message")
			}
			continue
		}

		s.attempts[ev.EventID]++
		ev.DeliveryAttempt = s.attempts[ev.EventID]

		if err := handler(ctx, ev); err != nil {
			// Not committed; the message is redelivered after rebalance or
			// restart. Local redelivery happens immediately on next fetch
			// only after a reader reset, so surface the stall in the logs.
			log.Warn().Err(err).
				Str("partition", s.opts.Kind).
				Str("event_id", ev.EventID).
				Msg("Event left uncommitted for redelivery")
			continue
		}

		delete(s.attempts, ev.EventID)

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			log.Warn().Err(err).
				Str("partition", s.opts.Kind).
				Str("event_id", ev.EventID).
				Msg("Failed to commit offset, event may be redelivered")
			continue
		}

		advanceCursor(s.opts.Cursors, s.opts.Kind, uint64(msg.Offset)+1)
	}
}

// Close closes the underlying reader
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
