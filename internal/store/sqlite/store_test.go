package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remover/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store, vaultID string) *store.RemovalAttempt {
	t.Helper()
	a := &store.RemovalAttempt{
		VaultID:    vaultID,
		FindingID:  "finding-1",
		BrokerID:   "spokeo",
		ScanJobID:  "scan-1",
		ListingURL: "https://spokeo.example/profile/1",
	}
	require.NoError(t, s.Create(context.Background(), a))
	return a
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := Open("")
	assert.Error(t, err)
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	a := seed(t, s, "vault-1")

	require.NotEmpty(t, a.ID)
	assert.Equal(t, store.StatusPending, a.Status)
	assert.False(t, a.CreatedAt.IsZero())

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "vault-1", got.VaultID)
	assert.Equal(t, "spokeo", got.BrokerID)
	assert.Equal(t, "scan-1", got.ScanJobID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.SubmittedAt)
	assert.Nil(t, got.CompletedAt)

	_, err = s.Get(ctx, "no-such-id")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimIsExclusive(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	a := seed(t, s, "vault-1")

	claimed, err := s.Claim(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim loses the CAS.
	claimed, err = s.Claim(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessing, got.Status)

	// Unknown ids are a lost claim, not an error.
	claimed, err = s.Claim(ctx, "no-such-id")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestMarkSubmitted(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	t.Run("submitted", func(t *testing.T) {
		a := seed(t, s, "vault-1")
		require.NoError(t, s.MarkSubmitted(ctx, a.ID, store.StatusSubmitted, 2))

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusSubmitted, got.Status)
		assert.Equal(t, 2, got.Attempts)
		assert.Empty(t, got.ErrorMessage)
		require.NotNil(t, got.SubmittedAt)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("completed immediately", func(t *testing.T) {
		a := seed(t, s, "vault-1")
		require.NoError(t, s.MarkSubmitted(ctx, a.ID, store.StatusCompleted, 1))

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("rejects non-success status", func(t *testing.T) {
		a := seed(t, s, "vault-1")
		assert.Error(t, s.MarkSubmitted(ctx, a.ID, store.StatusFailed, 1))
	})

	t.Run("unknown id", func(t *testing.T) {
		err := s.MarkSubmitted(ctx, "no-such-id", store.StatusSubmitted, 1)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestMarkCaptchaParksInQueue(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	a := seed(t, s, "vault-1")
	fresh := seed(t, s, "vault-1")

	const captchaURL = "https://spokeo.example/captcha"
	require.NoError(t, s.MarkCaptcha(ctx, a.ID, captchaURL, 1))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.True(t, got.AwaitingCaptcha())
	assert.Equal(t, captchaURL, got.Disposition().CaptchaURL)

	// The queue holds exactly the parked attempt, not every Pending one.
	queue, err := s.CaptchaQueue(ctx, "vault-1")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, a.ID, queue[0].ID)

	gotFresh, err := s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.False(t, gotFresh.AwaitingCaptcha())

	// A lookalike message must not leak into the queue: the underscore in
	// the marker is a literal, not a LIKE wildcard.
	lookalike := &store.RemovalAttempt{
		VaultID:      "vault-1",
		FindingID:    "finding-2",
		BrokerID:     "spokeo",
		Status:       store.StatusPending,
		ErrorMessage: "CAPTCHAXREQUIRED:https://spokeo.example/captcha",
	}
	require.NoError(t, s.Create(ctx, lookalike))

	queue, err = s.CaptchaQueue(ctx, "vault-1")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, a.ID, queue[0].ID)
}

func TestMarkFailedAndQueue(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	a := seed(t, s, "vault-1")
	foreign := seed(t, s, "vault-2")

	require.NoError(t, s.MarkFailed(ctx, a.ID, "connection refused", 3))
	require.NoError(t, s.MarkFailed(ctx, foreign.ID, "blocked", 3))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, "connection refused", got.ErrorMessage)
	assert.Equal(t, 3, got.Attempts)

	queue, err := s.FailedQueue(ctx, "vault-1")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, a.ID, queue[0].ID)
}

func TestMarkCompleted(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	a := seed(t, s, "vault-1")
	require.NoError(t, s.MarkSubmitted(ctx, a.ID, store.StatusSubmitted, 1))
	require.NoError(t, s.MarkCompleted(ctx, a.ID))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Only Submitted attempts can be promoted.
	pending := seed(t, s, "vault-1")
	assert.ErrorIs(t, s.MarkCompleted(ctx, pending.ID), store.ErrInvalidState)
}

func TestReset(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	t.Run("failed attempt", func(t *testing.T) {
		a := seed(t, s, "vault-1")
		require.NoError(t, s.MarkFailed(ctx, a.ID, "blocked", 3))
		require.NoError(t, s.Reset(ctx, a.ID))

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, got.Status)
		assert.Empty(t, got.ErrorMessage)
		assert.Equal(t, 0, got.Attempts)
	})

	t.Run("captcha-parked attempt", func(t *testing.T) {
		a := seed(t, s, "vault-1")
		require.NoError(t, s.MarkCaptcha(ctx, a.ID, "https://x/captcha", 1))
		require.NoError(t, s.Reset(ctx, a.ID))

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, got.AwaitingCaptcha())
	})

	t.Run("processing attempt", func(t *testing.T) {
		a := seed(t, s, "vault-1")
		claimed, err := s.Claim(ctx, a.ID)
		require.NoError(t, err)
		require.True(t, claimed)

		assert.ErrorIs(t, s.Reset(ctx, a.ID), store.ErrInvalidState)
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.ErrorIs(t, s.Reset(ctx, "no-such-id"), store.ErrNotFound)
	})
}

func TestByScanJob(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	a := seed(t, s, "vault-1")
	other := &store.RemovalAttempt{
		VaultID:   "vault-1",
		FindingID: "finding-2",
		BrokerID:  "whitepages",
		ScanJobID: "scan-2",
	}
	require.NoError(t, s.Create(ctx, other))
	seed(t, s, "vault-2")

	attempts, err := s.ByScanJob(ctx, "vault-1", "scan-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, a.ID, attempts[0].ID)
}

func TestReleaseStale(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	stale := seed(t, s, "vault-1")
	claimed, err := s.Claim(ctx, stale.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	untouched := seed(t, s, "vault-1")

	// A cutoff in the future makes the fresh claim stale.
	n, err := s.ReleaseStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)

	got, err = s.Get(ctx, untouched.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)

	// A cutoff in the past leaves live claims alone.
	live := seed(t, s, "vault-1")
	claimed, err = s.Claim(ctx, live.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	n, err = s.ReleaseStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err = s.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessing, got.Status)
}

func TestEvidenceAndEmailLogs(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	a := seed(t, s, "vault-1")

	require.NoError(t, s.SaveEvidence(ctx, a.ID, "/data/evidence/"+a.ID+".png"))
	require.NoError(t, s.LogEmailRemoval(ctx, a.ID, "beenverified", "mailto",
		"privacy@beenverified.example", "Removal request", "deadbeef"))
}
