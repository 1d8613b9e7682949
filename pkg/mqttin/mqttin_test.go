package mqttin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatelog/gatelog/pkg/event"
	"github.com/gatelog/gatelog/pkg/ingest"
	"github.com/gatelog/gatelog/pkg/store"
)

type fakeMessage struct {
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return "gates/events" }
func (m fakeMessage) MessageID() uint16 { return 7 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func newSubscriber(svc Submitter) *Subscriber {
	return NewSubscriber(Config{BrokerURL: "tcp://127.0.0.1:1883", ClientID: "test", Topic: "gates/events", QoS: 1}, svc)
}

func TestHandle_RecordsSubmission(t *testing.T) {
	st := store.NewMemoryStore()
	sub := newSubscriber(ingest.NewService(st, nil))

	err := sub.Handle(context.Background(), fakeMessage{payload: []byte(
		`{"vehiclePlate":"ABC-1234","movementType":"EXIT","location":"North Gate","timestamp":"2024-05-01T12:00:00.123Z"}`)})
	require.NoError(t, err)

	all, err := st.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, event.Exit, all[0].MovementType)
	assert.Equal(t, "North Gate", all[0].Location)
	assert.Equal(t, 123_000_000, all[0].Timestamp.Nanosecond())
}

func TestHandle_BadPayload(t *testing.T) {
	st := store.NewMemoryStore()
	sub := newSubscriber(ingest.NewService(st, nil))

	err := sub.Handle(context.Background(), fakeMessage{payload: []byte("ENTRY ABC-1234")})
	assert.ErrorIs(t, err, ErrBadPayload)

	all, err := st.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestHandle_ValidationFailure(t *testing.T) {
	sub := newSubscriber(ingest.NewService(store.NewMemoryStore(), nil))

	err := sub.Handle(context.Background(), fakeMessage{payload: []byte(`{"vehiclePlate":"ABC","movementType":"IDLE","location":"Gate"}`)})
	var verr *event.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "movementType", verr.Field)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate([]byte("abc"), 5))
	assert.Equal(t, "ab...", truncate([]byte("abcdef"), 2))
}
