package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agleyzer/hlsclip/internal/config"
	"github.com/agleyzer/hlsclip/internal/logging"
	"github.com/agleyzer/hlsclip/internal/segment"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublish(t *testing.T) {
	w := &fakeWriter{}
	p := NewWithWriter(w, logging.Discard())

	ts := time.Date(2025, 2, 13, 21, 30, 0, 0, time.UTC)
	err := p.Publish(context.Background(), Event{
		Type:      EventCompleted,
		StreamID:  "https://example.com/live/master.m3u8",
		Rendition: "2",
		StartSeq:  7500,
		EndSeq:    7740,
		Segments:  240,
		Missing:   []segment.Missing{{Sequence: 7500, Reason: segment.Evicted}},
		Timestamp: ts,
	})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "https://example.com/live/master.m3u8", string(msg.Key))
	assert.Equal(t, ts, msg.Time)
	assert.Equal(t, []kafka.Header{
		{Key: "type", Value: []byte(EventCompleted)},
		{Key: "source", Value: []byte("hlsclip")},
	}, msg.Headers)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "extraction.completed", decoded["type"])
	assert.Equal(t, 7500.0, decoded["start_sequence"])
	assert.Equal(t, "evicted", decoded["missing"].([]any)[0].(map[string]any)["reason"])
	assert.NotContains(t, decoded, "start_utc")
	assert.NotContains(t, decoded, "error_message")
}

func TestPublish_Validation(t *testing.T) {
	p := NewWithWriter(&fakeWriter{}, logging.Discard())

	assert.Error(t, p.Publish(context.Background(), Event{StreamID: "s"}))
	assert.Error(t, p.Publish(context.Background(), Event{Type: EventFailed}))
}

func TestPublish_WriteError(t *testing.T) {
	p := NewWithWriter(&fakeWriter{err: errors.New("broker down")}, logging.Discard())

	err := p.Publish(context.Background(), Event{Type: EventFailed, StreamID: "s", Error: "boom"})
	assert.ErrorContains(t, err, "broker down")
}

func TestNewAndClose(t *testing.T) {
	p := New(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "clips"}, logging.Discard())
	writer, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "clips", writer.Topic)

	w := &fakeWriter{}
	require.NoError(t, NewWithWriter(w, logging.Discard()).Close())
	assert.True(t, w.closed)
}
