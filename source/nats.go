package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/hemlock-io/relay/event"
)

const (
	natsFetchWait        = 2 * time.Second
	natsReconnectInitial = time.Second
	natsReconnectMax     = 30 * time.Second
)

// NatsOptions configures a JetStream source for one entity kind
type NatsOptions struct {
	URL           string
	SubjectPrefix string // subject is {prefix}.{kind}
	DurablePrefix string // durable consumer name is {prefix}-{kind}
	Kind          string
	AckWait       time.Duration
	FetchBatch    int
	Cursors       CursorStore
}

// NatsSource consumes change events from a JetStream durable pull consumer
type NatsSource struct {
	opts NatsOptions
	nc   *nats.Conn
	js   jetstream.JetStream
}

var _ Source = (*NatsSource)(nil)

// NewNatsSource connects to NATS and ensures the stream and durable consumer
// exist for the configured entity kind.
func NewNatsSource(opts NatsOptions) (*NatsSource, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("nats source requires a url")
	}
	if opts.Kind == "" {
		return nil, fmt.Errorf("nats source requires an entity kind")
	}
	if opts.AckWait <= 0 {
		opts.AckWait = time.Minute
	}
	if opts.FetchBatch <= 0 {
		opts.FetchBatch = 16
	}

	nc, err := nats.Connect(opts.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSource{opts: opts, nc: nc, js: js}, nil
}

func (s *NatsSource) Partition() string {
	return s.opts.Kind
}

func (s *NatsSource) subject() string {
	return s.opts.SubjectPrefix + "." + s.opts.Kind
}

// sanitizeStreamName converts a subject to a valid JetStream stream name.
// Stream names can't contain "." so we replace with "_".
func sanitizeStreamName(subject string) string {
	return strings.ReplaceAll(subject, ".", "_")
}

// Run fetches and delivers events until ctx is cancelled. The durable
// consumer resumes from its server-side position after restarts; the bridge
// cursor is advanced alongside for observability and operator inspection.
func (s *NatsSource) Run(ctx context.Context, handler Handler) error {
	backoff := natsReconnectInitial

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cons, err := s.ensureConsumer(ctx)
		if err != nil {
			log.Warn().Err(err).
				Str("partition", s.opts.Kind).
				Dur("retry_in", backoff).
				Msg("Failed to set up JetStream consumer")
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = minDuration(backoff*2, natsReconnectMax)
			continue
		}
		backoff = natsReconnectInitial

		if err := s.consumeLoop(ctx, cons, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).
				Str("partition", s.opts.Kind).
				Msg("Consume loop failed, reconnecting")
		}
	}
}

func (s *NatsSource) ensureConsumer(ctx context.Context) (jetstream.Consumer, error) {
	subject := s.subject()
	streamName := sanitizeStreamName(subject)

	_, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	cons, err := s.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       s.opts.DurablePrefix + "-" + s.opts.Kind,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.opts.AckWait,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure consumer: %w", err)
	}

	return cons, nil
}

func (s *NatsSource) consumeLoop(ctx context.Context, cons jetstream.Consumer, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := cons.Fetch(s.opts.FetchBatch, jetstream.FetchMaxWait(natsFetchWait))
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}

		for msg := range batch.Messages() {
			if err := s.deliver(ctx, msg, handler); err != nil {
				// Leave unacked; JetStream redelivers after AckWait.
				log.Warn().Err(err).
					Str("partition", s.opts.Kind).
					Msg("Event left unacknowledged for redelivery")
			}
		}
		if err := batch.Error(); err != nil {
			return fmt.Errorf("fetch batch failed: %w", err)
		}
	}
}

func (s *NatsSource) deliver(ctx context.Context, msg jetstream.Msg, handler Handler) error {
	ev, err := event.Decode(msg.Data())
	if err != nil {
		// An undecodable message can never be handled; terminate it so the
		// stream is not blocked, but keep it loud in the logs.
		log.Error().Err(err).
			Str("partition", s.opts.Kind).
			Str("subject", msg.Subject()).
			Msg("Terminating undecodable change event")
		if termErr := msg.Term(); termErr != nil {
			return termErr
		}
		return nil
	}

	var position uint64
	if meta, err := msg.Metadata(); err == nil {
		ev.DeliveryAttempt = int(meta.NumDelivered)
		position = meta.Sequence.Stream
	} else {
		ev.DeliveryAttempt = 1
	}

	if err := handler(ctx, ev); err != nil {
		return err
	}

	if err := msg.Ack(); err != nil {
		return fmt.Errorf("ack failed for %s: %w", ev.EventID, err)
	}

	advanceCursor(s.opts.Cursors, s.opts.Kind, position)

	return nil
}

// Close drains the NATS connection
func (s *NatsSource) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
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

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
