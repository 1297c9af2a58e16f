package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Topic: "t"})
	assert.Error(t, err)

	_, err = New(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	_, err = New(Config{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "brotli"})
	assert.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	s, err := New(Config{Name: "dns", Brokers: []string{"localhost:9092"}, Topic: "hostnames"})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "dns", s.Name())
	assert.Equal(t, defaultCompression, s.cfg.Compression)
	assert.Equal(t, defaultMaxAttempts, s.cfg.MaxAttempts)

	w, ok := s.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, 1, w.MaxAttempts, "no retry unless configured")
	assert.Equal(t, "hostnames", w.Topic)
	assert.Equal(t, compress.Snappy, w.Compression)
}

func TestCompressionCodec(t *testing.T) {
	tests := map[string]compress.Compression{
		"none":   0,
		"gzip":   compress.Gzip,
		"snappy": compress.Snappy,
		"lz4":    compress.Lz4,
		"zstd":   compress.Zstd,
	}
	for name, expected := range tests {
		codec, err := compressionCodec(name)
		require.NoError(t, err, name)
		assert.Equal(t, expected, codec, name)
	}
}

func TestSendWritesOneMessage(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		return len(msgs) == 1 && string(msgs[0].Key) == "sessions" && string(msgs[0].Value) == `{"k":1}`
	})).Return(nil).Once()

	s := &Sink{cfg: Config{Name: "sessions"}, writer: w}
	require.NoError(t, s.Send(context.Background(), []byte(`{"k":1}`)))
	w.AssertExpectations(t)
}

func TestSendPropagatesError(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("leader not available"))
	w.On("Close").Return(nil)

	s := &Sink{cfg: Config{Name: "packets"}, writer: w}
	err := s.Send(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
	assert.NoError(t, s.Close())
}
