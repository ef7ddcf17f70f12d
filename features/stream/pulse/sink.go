// Package pulse exposes an events.Sink implementation that mirrors execution
// events into goa.design/pulse streams so external consumers (dashboards,
// other processes) can follow projects over Redis.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"waveline.dev/waveline/features/stream/pulse/clients/pulse"
	"waveline.dev/waveline/runtime/task"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// "project/<ProjectID>".
		StreamID func(*task.Event) (string, error)
	}

	// Sink publishes execution events into Pulse streams. Thread-safe for
	// concurrent Send operations.
	Sink struct {
		client   pulse.Client
		streamID func(*task.Event) (string, error)
	}

	// envelope wraps events for transmission over Pulse streams.
	envelope struct {
		Type      string         `json:"type"`
		ProjectID string         `json:"project_id"`
		TaskID    string         `json:"task_id,omitempty"`
		Message   string         `json:"message,omitempty"`
		Data      map[string]any `json:"data,omitempty"`
		Timestamp time.Time      `json:"timestamp"`
	}
)

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes the event to the derived Pulse stream.
func (s *Sink) Send(ctx context.Context, e *task.Event) error {
	streamID, err := s.streamID(e)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:      string(e.Type),
		ProjectID: e.ProjectID,
		TaskID:    e.TaskID,
		Message:   e.Message,
		Data:      e.Data,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(e.Type), payload); err != nil {
		return err
	}
	return nil
}

// Close delegates to the underlying Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(e *task.Event) (string, error) {
	if e.ProjectID == "" {
		return "", errors.New("event missing project id")
	}
	return fmt.Sprintf("project/%s", e.ProjectID), nil
}
