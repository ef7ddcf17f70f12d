package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	streamopts "goa.design/pulse/streaming/options"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pulseclient "waveline.dev/waveline/features/stream/pulse/clients/pulse"
	"waveline.dev/waveline/runtime/task"
)

type (
	fakeClient struct {
		streams map[string]*fakeStream
		err     error
		closed  bool
	}

	fakeStream struct {
		events   []string
		payloads [][]byte
		err      error
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (pulseclient.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, event)
	s.payloads = append(s.payloads, payload)
	return "1-0", nil
}

func TestSendPublishesEnvelope(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Send(context.Background(), &task.Event{
		ProjectID: "p1",
		TaskID:    "t1",
		Type:      task.EventTaskComplete,
		Message:   "readme",
		Data:      map[string]any{"cost_usd": 0.01},
		Timestamp: ts,
	}))

	stream, ok := client.streams["project/p1"]
	require.True(t, ok)
	require.Len(t, stream.events, 1)
	assert.Equal(t, "task_complete", stream.events[0])

	var env map[string]any
	require.NoError(t, json.Unmarshal(stream.payloads[0], &env))
	assert.Equal(t, "task_complete", env["type"])
	assert.Equal(t, "p1", env["project_id"])
	assert.Equal(t, "t1", env["task_id"])
	assert.Equal(t, "readme", env["message"])
	assert.Equal(t, map[string]any{"cost_usd": 0.01}, env["data"])
}

func TestSendOmitsEmptyFields(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), &task.Event{
		ProjectID: "p1",
		Type:      task.EventProjectStarted,
	}))

	var env map[string]any
	require.NoError(t, json.Unmarshal(client.streams["project/p1"].payloads[0], &env))
	assert.NotContains(t, env, "task_id")
	assert.NotContains(t, env, "message")
	assert.NotContains(t, env, "data")
}

func TestSendMissingProjectID(t *testing.T) {
	sink, err := NewSink(Options{Client: newFakeClient()})
	require.NoError(t, err)

	err = sink.Send(context.Background(), &task.Event{Type: task.EventTaskStart})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing project id")
}

func TestSendCustomStreamID(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{
		Client:   client,
		StreamID: func(*task.Event) (string, error) { return "firehose", nil },
	})
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), &task.Event{
		ProjectID: "p1", Type: task.EventTaskStart,
	}))
	assert.Contains(t, client.streams, "firehose")
}

func TestSendPropagatesErrors(t *testing.T) {
	client := newFakeClient()
	client.err = errors.New("redis down")
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	err = sink.Send(context.Background(), &task.Event{ProjectID: "p1", Type: task.EventTaskStart})
	require.ErrorContains(t, err, "redis down")
}

func TestClose(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, sink.Close(context.Background()))
	assert.True(t, client.closed)
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.Error(t, err)
}
