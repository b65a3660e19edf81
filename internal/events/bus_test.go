package events

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"OpenLaunch/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (s *recordingSink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func TestBusDeliversToSubscribersAndSinks(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(sink)
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), New(KindPluginState, "calc", map[string]string{"to": "loaded"})))

	got := <-ch
	assert.Equal(t, KindPluginState, got.Kind)
	assert.Equal(t, "calc", got.Subject)
	assert.NotEmpty(t, got.ID)
	var data map[string]string
	require.NoError(t, json.Unmarshal(got.Data, &data))
	assert.Equal(t, "loaded", data["to"])
	require.Len(t, sink.events, 1)

	require.NoError(t, bus.Close())
	assert.True(t, sink.closed)
	_, open := <-ch
	assert.False(t, open)
}

func TestBusSinkFailureStillDeliversLocally(t *testing.T) {
	sink := &recordingSink{err: stdErrors.New("broker down")}
	bus := NewBus(sink)
	defer bus.Close()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	err := bus.Publish(context.Background(), New(KindActivation, "apps/firefox", nil))
	assert.Equal(t, errors.CodeQueueFailure, errors.CodeOf(err))
	assert.Equal(t, "apps/firefox", (<-ch).Subject)
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(1)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), New(KindHandlerChanged, "h", nil)))
	}
	assert.Len(t, ch, 1)
	cancel()
	cancel()
}

func TestBusAlertOnlyForAlertingCodes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	assert.False(t, bus.Alert(context.Background(), "calc", errors.New(errors.CodeBusy, "")))
	assert.True(t, bus.Alert(context.Background(), "calc", errors.New(errors.CodeConstructionError, "", errors.WithDetail("no db"))))

	got := <-ch
	assert.Equal(t, KindAlert, got.Kind)
	assert.Contains(t, string(got.Data), "CONSTRUCTION_ERROR")
	assert.Len(t, ch, 0)
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())
	assert.Error(t, bus.Publish(context.Background(), New(KindAlert, "x", nil)))
	ch, cancel := bus.Subscribe(1)
	defer cancel()
	_, open := <-ch
	assert.False(t, open)
}
