package source

import (
	"context"

	"github.com/hemlock-io/relay/event"
)

// MockSource is a channel-backed Source for testing
type MockSource struct {
	Kind    string
	Events  chan event.ChangeEvent
	Cursors CursorStore

	position uint64
}

var _ Source = (*MockSource)(nil)

// NewMockSource creates a mock source with a buffered event channel
func NewMockSource(kind string) *MockSource {
	return &MockSource{
		Kind:   kind,
		Events: make(chan event.ChangeEvent, 64),
	}
}

func (s *MockSource) Partition() string {
	return s.Kind
}

// Run delivers queued events until the channel is closed or ctx is cancelled.
// Events whose handler fails are redelivered immediately with an incremented
// delivery attempt.
func (s *MockSource) Run(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.Events:
			if !ok {
				return nil
			}

			for {
				ev.DeliveryAttempt++
				if err := handler(ctx, ev); err == nil {
					break
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}

			s.position++
			advanceCursor(s.Cursors, s.Kind, s.position)
		}
	}
}

func (s *MockSource) Close() error {
	return nil
}
