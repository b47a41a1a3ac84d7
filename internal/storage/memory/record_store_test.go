package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psi-tools/psiproxy/internal/report"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

func newTestStore(t *testing.T) (*RecordStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	return NewRecordStore(&seqIDGen{}, clock), clock
}

func requireInvariants(t *testing.T, rec report.Record) {
	t.Helper()
	if rec.Status == report.StatusProcessing {
		require.NotNil(t, rec.ProcessingStartedAt)
	} else {
		require.Nil(t, rec.ProcessingStartedAt)
	}
	if rec.Status == report.StatusCompleted {
		require.NotEmpty(t, rec.ResultLocation)
	} else {
		require.Empty(t, rec.ResultLocation)
	}
}

func TestCreateStartsPending(t *testing.T) {
	t.Parallel()
	store, clock := newTestStore(t)

	rec, err := store.Create(context.Background(), "https://example.com", report.FormFactorAll)
	require.NoError(t, err)
	require.NotEmpty(t, rec.PublicID)
	require.Equal(t, report.StatusPending, rec.Status)
	require.Equal(t, clock.Now(), rec.CreatedAt)
	requireInvariants(t, rec)
}

func TestUpdateStatusLifecycle(t *testing.T) {
	t.Parallel()
	store, clock := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, "https://example.com", report.FormFactorAll)
	require.NoError(t, err)

	started := clock.Now()
	require.NoError(t, store.UpdateStatus(ctx, rec.PublicID, report.StatusUpdate{
		Status:              report.StatusProcessing,
		ProcessingStartedAt: &started,
	}))
	got, err := store.GetByPublicID(ctx, rec.PublicID)
	require.NoError(t, err)
	require.Equal(t, report.StatusProcessing, got.Status)
	requireInvariants(t, got)

	loc := "memory://reports/blob"
	empty := json.RawMessage{}
	require.NoError(t, store.UpdateStatus(ctx, rec.PublicID, report.StatusUpdate{
		Status:                   report.StatusCompleted,
		ClearProcessingStartedAt: true,
		ResultLocation:           &loc,
		ResultPayload:            &empty,
	}))
	got, err = store.GetByPublicID(ctx, rec.PublicID)
	require.NoError(t, err)
	require.Equal(t, report.StatusCompleted, got.Status)
	require.Equal(t, loc, got.ResultLocation)
	require.Empty(t, got.ResultPayload)
	requireInvariants(t, got)
}

func TestUpdateStatusUnknownID(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	err := store.UpdateStatus(context.Background(), "nope", report.StatusUpdate{Status: report.StatusFailed})
	require.ErrorIs(t, err, report.ErrNotFound)
}

func TestGetByURLHonorsFreshnessWindow(t *testing.T) {
	t.Parallel()
	store, clock := newTestStore(t)
	ctx := context.Background()

	old, err := store.Create(ctx, "https://example.com", report.FormFactorAll)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	fresh, err := store.Create(ctx, "https://example.com", report.FormFactorAll)
	require.NoError(t, err)

	// Window covering both picks the newest.
	got, err := store.GetByURL(ctx, "https://example.com", old.CreatedAt)
	require.NoError(t, err)
	require.Equal(t, fresh.PublicID, got.PublicID)

	// Window excluding everything reports not found.
	_, err = store.GetByURL(ctx, "https://example.com", clock.Now().Add(time.Minute))
	require.ErrorIs(t, err, report.ErrNotFound)

	// A record older than since is never returned.
	got, err = store.GetByURL(ctx, "https://example.com", old.CreatedAt.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, fresh.PublicID, got.PublicID)
	require.False(t, got.CreatedAt.Before(old.CreatedAt.Add(time.Minute)))
}

func TestListStuckProcessing(t *testing.T) {
	t.Parallel()
	store, clock := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, "https://slow.example.com", report.FormFactorAll)
	require.NoError(t, err)
	started := clock.Now().Add(-4 * time.Minute)
	require.NoError(t, store.UpdateStatus(ctx, rec.PublicID, report.StatusUpdate{
		Status:              report.StatusProcessing,
		ProcessingStartedAt: &started,
	}))

	healthy, err := store.Create(ctx, "https://fast.example.com", report.FormFactorAll)
	require.NoError(t, err)
	now := clock.Now()
	require.NoError(t, store.UpdateStatus(ctx, healthy.PublicID, report.StatusUpdate{
		Status:              report.StatusProcessing,
		ProcessingStartedAt: &now,
	}))

	stuck, err := store.ListStuckProcessing(ctx, 3*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, rec.PublicID, stuck[0].PublicID)
}

func TestDeleteOlderThanCountsExactly(t *testing.T) {
	t.Parallel()
	store, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, "https://old.example.com", report.FormFactorAll)
		require.NoError(t, err)
	}
	clock.Advance(11 * 24 * time.Hour)
	kept, err := store.Create(ctx, "https://new.example.com", report.FormFactorAll)
	require.NoError(t, err)

	deleted, err := store.DeleteOlderThan(ctx, clock.Now().AddDate(0, 0, -10))
	require.NoError(t, err)
	require.EqualValues(t, 3, deleted)

	_, err = store.GetByPublicID(ctx, kept.PublicID)
	require.NoError(t, err)

	summaries, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
}
