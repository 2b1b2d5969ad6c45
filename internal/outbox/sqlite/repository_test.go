package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/saga-outbox/internal/outbox"
)

func openTemp(t *testing.T, opts ...Option) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "outbox.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newEntry(t *testing.T, key string, created time.Time) *outbox.Entry {
	t.Helper()
	e, err := outbox.NewEntry(key, "charge-payment", "c-1", "orders.PaymentCharged", []byte(`{"amount":10}`))
	require.NoError(t, err)
	e.CreatedAt = created
	return e
}

func TestRepository_SaveDeduplicates(t *testing.T) {
	ctx := context.Background()
	repo := openTemp(t)

	ok, err := repo.Save(ctx, newEntry(t, "k-1", time.Now()))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Save(ctx, newEntry(t, "k-1", time.Now()))
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := repo.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRepository_PendingOrderAndClaim(t *testing.T) {
	ctx := context.Background()
	repo := openTemp(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, offset := range []int{2, 0, 1} {
		_, err := repo.Save(ctx, newEntry(t, fmt.Sprintf("k-%d", i), base.Add(time.Duration(offset)*time.Minute)))
		require.NoError(t, err)
	}

	pending, err := repo.GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "k-1", pending[0].IdempotencyKey)
	assert.Equal(t, "k-2", pending[1].IdempotencyKey)
	assert.Equal(t, "k-0", pending[2].IdempotencyKey)
	assert.Equal(t, outbox.StatusPending, pending[0].Status)
	assert.Equal(t, []byte(`{"amount":10}`), pending[0].Payload)
	assert.True(t, pending[0].CreatedAt.Equal(base))

	require.NoError(t, repo.MarkProcessing(ctx, "k-1", "worker-1"))
	pending, err = repo.GetPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRepository_Transitions(t *testing.T) {
	ctx := context.Background()
	repo := openTemp(t)
	_, err := repo.Save(ctx, newEntry(t, "k-1", time.Now()))
	require.NoError(t, err)

	require.ErrorIs(t, repo.MarkPublished(ctx, "k-1", 60), outbox.ErrInvalidTransition, "pending cannot publish")

	require.NoError(t, repo.MarkProcessing(ctx, "k-1", "worker-1"))
	require.NoError(t, repo.MarkFailed(ctx, "k-1", "timeout"))

	got, err := repo.Get(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "timeout", got.LastError)
	require.NotNil(t, got.ProcessedAt)

	require.NoError(t, repo.MarkProcessing(ctx, "k-1", "worker-1"))
	require.NoError(t, repo.MarkPublished(ctx, "k-1", 60))

	got, err = repo.Get(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPublished, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, 60, got.TTLSeconds)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, time.Minute, got.ExpiresAt.Sub(*got.ProcessedAt))

	require.ErrorIs(t, repo.MarkProcessing(ctx, "k-1", "worker-1"), outbox.ErrNotClaimable)
	require.ErrorIs(t, repo.MarkProcessing(ctx, "missing", "worker-1"), outbox.ErrEntryNotFound)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, outbox.ErrEntryNotFound)
}

func TestRepository_PurgeAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := openTemp(t)
	for _, key := range []string{"a", "b", "c"} {
		_, err := repo.Save(ctx, newEntry(t, key, time.Now()))
		require.NoError(t, err)
	}
	require.NoError(t, repo.MarkProcessing(ctx, "a", "worker-1"))
	require.NoError(t, repo.MarkPublished(ctx, "a", 1))
	require.NoError(t, repo.MarkProcessing(ctx, "b", "worker-1"))
	require.NoError(t, repo.MarkPublished(ctx, "b", 3600))

	n, err := repo.PurgeExpired(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	published, err := repo.List(ctx, outbox.StatusPublished, 10)
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, "b", published[0].IdempotencyKey)

	require.NoError(t, repo.Delete(ctx, "c"))
	all, err := repo.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRepository_ClaimIsExclusiveUntilLeaseExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := openTemp(t, WithClaimLease(time.Minute), WithClock(func() time.Time { return now }))
	_, err := repo.Save(ctx, newEntry(t, "k-1", now))
	require.NoError(t, err)

	require.NoError(t, repo.MarkProcessing(ctx, "k-1", "replica-a"))
	require.ErrorIs(t, repo.MarkProcessing(ctx, "k-1", "replica-b"), outbox.ErrNotClaimable)
	require.NoError(t, repo.MarkProcessing(ctx, "k-1", "replica-a"), "holder renews its claim")
	require.ErrorIs(t, repo.MarkProcessing(ctx, "k-1", ""), outbox.ErrOwnerRequired)

	pending, err := repo.GetPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "live claims are not handed out")

	now = now.Add(2 * time.Minute)
	pending, err = repo.GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "expired claims are recovered")
	assert.Equal(t, outbox.StatusProcessing, pending[0].Status)
	assert.Equal(t, "replica-a", pending[0].ClaimedBy)

	require.NoError(t, repo.MarkProcessing(ctx, "k-1", "replica-b"))
	got, err := repo.Get(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, "replica-b", got.ClaimedBy)
	assert.Equal(t, 3, got.AttemptCount)
	require.NotNil(t, got.ClaimExpiresAt)
	assert.True(t, got.ClaimExpiresAt.Equal(now.Add(time.Minute)))

	require.ErrorIs(t, repo.MarkProcessing(ctx, "k-1", "replica-a"), outbox.ErrNotClaimable, "old holder lost the claim")

	require.NoError(t, repo.MarkFailed(ctx, "k-1", "broker down"))
	got, err = repo.Get(ctx, "k-1")
	require.NoError(t, err)
	assert.Nil(t, got.ClaimExpiresAt)
	assert.Equal(t, "replica-b", got.ClaimedBy)
}
