package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name string
	err  error
	mu   sync.Mutex
	got  []Message
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Notify(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, msg)
	return s.err
}

func TestMulti_DeliversPastFailures(t *testing.T) {
	boom := errors.New("push gateway down")
	failing := &recordingSink{name: "push", err: boom}
	ok := &recordingSink{name: "chat"}
	m := NewMulti(slog.Default(), failing, ok)

	msg := Message{Recipients: []int64{1, 2}, Message: "order 7 released"}
	err := m.Notify(context.Background(), msg)

	require.ErrorIs(t, err, boom)
	require.Len(t, ok.got, 1)
	assert.Equal(t, msg, ok.got[0])
	assert.Len(t, failing.got, 1)
}

func TestMulti_NoSinks(t *testing.T) {
	assert.NoError(t, NewMulti(slog.Default()).Notify(context.Background(), Message{}))
}

func TestLogSink(t *testing.T) {
	s := NewLogSink(slog.Default())
	assert.Equal(t, "log", s.Name())
	assert.NoError(t, s.Notify(context.Background(), Message{Recipients: []int64{3}, Message: "hi"}))
}
