package membus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/saga-outbox/internal/messaging"
	"github.com/jcmexdev/saga-outbox/internal/outbox"
	"github.com/jcmexdev/saga-outbox/internal/saga"
)

const pinged saga.Kind = "test.Pinged"

type ping struct {
	N int `json:"n"`
}

func (*ping) Kind() saga.Kind { return pinged }

func entry(messageType string) *outbox.Entry {
	return &outbox.Entry{
		IdempotencyKey: "k-" + messageType,
		CorrelationID:  "c-1",
		MessageType:    messageType,
		Payload:        []byte(`{"n":7}`),
		Status:         outbox.StatusProcessing,
	}
}

func TestBus_DeliversByTypeAndWildcard(t *testing.T) {
	bus := New(nil)
	var got []string
	bus.Subscribe("a", func(_ context.Context, e *outbox.Entry) error {
		got = append(got, "a:"+e.IdempotencyKey)
		return nil
	})
	bus.Subscribe(Wildcard, func(_ context.Context, e *outbox.Entry) error {
		got = append(got, "*:"+e.MessageType)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), entry("a")))
	require.NoError(t, bus.Publish(context.Background(), entry("b")))

	assert.Equal(t, []string{"a:k-a", "*:a", "*:b"}, got)
	history := bus.History()
	require.Len(t, history, 2)
	assert.Equal(t, "a", history[0].MessageType)
}

func TestBus_HistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	bus := New(nil, WithHistory(3))
	for _, typ := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, bus.Publish(ctx, entry(typ)))
	}

	history := bus.History()
	require.Len(t, history, 3)
	assert.Equal(t, []string{"c", "d", "e"},
		[]string{history[0].MessageType, history[1].MessageType, history[2].MessageType})

	off := New(nil, WithHistory(0))
	require.NoError(t, off.Publish(ctx, entry("a")))
	assert.Empty(t, off.History())

	standard := New(nil)
	for i := 0; i < DefaultHistorySize+10; i++ {
		require.NoError(t, standard.Publish(ctx, entry("x")))
	}
	assert.Len(t, standard.History(), DefaultHistorySize)
}

func TestBus_JoinsHandlerErrors(t *testing.T) {
	bus := New(nil)
	boom := errors.New("boom")
	ran := false
	bus.Subscribe("a", func(context.Context, *outbox.Entry) error { return boom })
	bus.Subscribe("a", func(context.Context, *outbox.Entry) error { ran = true; return nil })

	require.ErrorIs(t, bus.Publish(context.Background(), entry("a")), boom)
	assert.True(t, ran)
	require.ErrorIs(t, bus.Publish(context.Background(), nil), outbox.ErrNilEntry)
}

func TestLoopback_DispatchesKnownKinds(t *testing.T) {
	codec := messaging.NewCodec()
	codec.MustRegister(pinged, func() saga.Message { return &ping{} })

	var seen []int
	reg := saga.NewRegistry()
	require.NoError(t, reg.Register(saga.NewDefinition("pinger").Initially(
		saga.When(pinged, saga.Then(func(_ context.Context, s *saga.Scope) error {
			seen = append(seen, s.Context.Message().(*ping).N)
			return nil
		})),
	)))
	d, err := saga.NewDispatcher(reg, saga.NewMemoryStore(), nil)
	require.NoError(t, err)

	bus := New(nil)
	bus.Subscribe(Wildcard, Loopback(codec, d, "membus"))

	require.NoError(t, bus.Publish(context.Background(), entry(string(pinged))))
	require.NoError(t, bus.Publish(context.Background(), entry("unknown.Kind")))
	assert.Equal(t, []int{7}, seen)
}
