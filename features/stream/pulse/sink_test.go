package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	clientpulse "goa.design/retrace/features/stream/pulse/clients/pulse"
	"goa.design/retrace/runtime/task/record"
)

type fakeStream struct {
	events   []string
	payloads [][]byte
	err      error
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, event)
	s.payloads = append(s.payloads, payload)
	return "1-1", nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

type fakeClient struct {
	streams map[string]*fakeStream
	err     error
	closed  bool
}

func (c *fakeClient) Stream(name string) (clientpulse.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.streams == nil {
		c.streams = make(map[string]*fakeStream)
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

func TestSendPublishesEnvelope(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	rec := record.New("quote.fetch", map[string]any{"symbol": "AAPL"})
	rec.Type = record.TypeSuccess
	require.NoError(t, sink.Send(context.Background(), rec))

	stream := client.streams["task/quote.fetch"]
	require.NotNil(t, stream)
	require.Equal(t, []string{"success"}, stream.events)

	var env Envelope
	require.NoError(t, json.Unmarshal(stream.payloads[0], &env))
	require.Equal(t, rec.ID, env.RecordID)
	require.Equal(t, "quote.fetch", env.TaskName)
	require.Equal(t, "success", env.Type)
	require.NotNil(t, env.Record)
	require.False(t, env.Timestamp.IsZero())
}

func TestSendRequiresTaskName(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(Options{Client: &fakeClient{}})
	require.NoError(t, err)
	require.Error(t, sink.Send(context.Background(), record.New("", nil)))
}

func TestSendCustomStreamID(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	sink, err := NewSink(Options{
		Client: client,
		StreamID: func(rec *record.Record) (string, error) {
			return "records", nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), record.New("quote.fetch", nil)))
	require.NotNil(t, client.streams["records"])
}

func TestSendPropagatesStreamErrors(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(Options{Client: &fakeClient{err: errors.New("redis down")}})
	require.NoError(t, err)
	require.Error(t, sink.Send(context.Background(), record.New("quote.fetch", nil)))
}

func TestSendPropagatesMarshalErrors(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(Options{
		Client:          &fakeClient{},
		MarshalEnvelope: func(Envelope) ([]byte, error) { return nil, errors.New("encode failed") },
	})
	require.NoError(t, err)
	require.Error(t, sink.Send(context.Background(), record.New("quote.fetch", nil)))
}

func TestNewSinkRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewSink(Options{})
	require.Error(t, err)
}

func TestListenerSends(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	listen := sink.Listener()
	require.NoError(t, listen(context.Background(), record.New("quote.fetch", nil)))
	require.Len(t, client.streams["task/quote.fetch"].events, 1)
}

func TestCloseClosesClient(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, client.closed)
}
