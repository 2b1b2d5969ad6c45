package saga

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/saga-outbox/internal/coordinator/sagalog"
)

func newTestDispatcher(t *testing.T, defs ...*Definition) (*Dispatcher, *MemoryStore, *sagalog.MemoryRepository, *recordingEmitter) {
	t.Helper()
	reg := NewRegistry()
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	store := NewMemoryStore()
	journal := sagalog.NewMemoryRepository()
	emitter := &recordingEmitter{}
	d, err := NewDispatcher(reg, store, emitter, WithJournal(journal))
	require.NoError(t, err)
	return d, store, journal, emitter
}

func TestDispatcher_CreatesAndAdvancesInstance(t *testing.T) {
	var calls []string
	d, store, journal, emitter := newTestDispatcher(t, twoStepDefinition(&calls))
	ctx := context.Background()

	n, err := d.Dispatch(ctx, msgCtx(t, kindA, "c-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst, err := store.Load(ctx, "two-step", "c-1")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, stateX(), inst.State())
	assert.Equal(t, "m-"+string(kindA), inst.TriggerMessageID)

	n, err = d.Dispatch(ctx, msgCtx(t, kindB, "c-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst, err = store.Load(ctx, "two-step", "c-1")
	require.NoError(t, err)
	assert.Equal(t, Final, inst.State())
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Len(t, emitter.emitted, 1)
	assert.Equal(t, []string{"A", "B"}, calls)

	assert.Equal(t,
		[]sagalog.Status{sagalog.StatusStarted, sagalog.StatusTransition, sagalog.StatusTransition},
		journal.Statuses("c-1"))
}

func TestDispatcher_IgnoresMessagesThatDoNotStartSaga(t *testing.T) {
	var calls []string
	d, store, _, _ := newTestDispatcher(t, twoStepDefinition(&calls))
	ctx := context.Background()

	n, err := d.Dispatch(ctx, msgCtx(t, kindB, "c-9"))
	require.NoError(t, err)
	assert.Zero(t, n)

	inst, err := store.Load(ctx, "two-step", "c-9")
	require.NoError(t, err)
	assert.Nil(t, inst)

	n, err = d.Dispatch(ctx, msgCtx(t, kindC, "c-9"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcher_TerminalInstanceSkipsMessages(t *testing.T) {
	var calls []string
	d, _, _, _ := newTestDispatcher(t, twoStepDefinition(&calls))
	ctx := context.Background()

	_, err := d.Dispatch(ctx, msgCtx(t, kindA, "c-1"))
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, msgCtx(t, kindB, "c-1"))
	require.NoError(t, err)

	n, err := d.Dispatch(ctx, msgCtx(t, kindB, "c-1"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"A", "B"}, calls)
}

func TestDispatcher_JoinsErrorsAcrossSagas(t *testing.T) {
	boom := errors.New("boom")
	var okRan bool
	failing := NewDefinition("failing").Initially(
		When(kindA, Then(func(context.Context, *Scope) error { return boom })),
	)
	working := NewDefinition("working").Initially(
		When(kindA, Then(func(context.Context, *Scope) error { okRan = true; return nil })),
	)
	d, store, _, _ := newTestDispatcher(t, failing, working)
	ctx := context.Background()

	n, err := d.Dispatch(ctx, msgCtx(t, kindA, "c-1"))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.True(t, okRan)

	inst, err := store.Load(ctx, "failing", "c-1")
	require.NoError(t, err)
	assert.Nil(t, inst, "failed reactions are not persisted")
}

func TestDispatcher_SerialisesPerCorrelation(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	def := NewDefinition("counter").Initially(
		When(kindA, Then(func(context.Context, *Scope) error {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
			return nil
		})),
	)
	d, _, _, _ := newTestDispatcher(t, def)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Dispatch(context.Background(), msgCtx(t, kindA, "same"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
	assert.Empty(t, d.locks.locks)
}

func TestNewDispatcher_RequiresStore(t *testing.T) {
	_, err := NewDispatcher(NewRegistry(), nil, nil)
	require.ErrorIs(t, err, ErrStoreRequired)
}

func TestMemoryStore_CopiesInstances(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	inst := NewInstance("s", msgCtx(t, kindA, "c-1"))
	inst.Set("order_id", "o-1")
	require.NoError(t, store.Save(ctx, inst))

	inst.Set("order_id", "changed")
	loaded, err := store.Load(ctx, "s", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", loaded.String("order_id"))
	assert.Equal(t, inst.ID, loaded.ID)
}
