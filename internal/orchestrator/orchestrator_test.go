package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psi-tools/psiproxy/internal/notify"
	"github.com/psi-tools/psiproxy/internal/report"
	"github.com/psi-tools/psiproxy/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
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

type fakeAnalyzer struct {
	mu      sync.Mutex
	results map[report.FormFactor]json.RawMessage
	errs    map[report.FormFactor]error
	panics  bool
	calls   int
}

func (a *fakeAnalyzer) Analyze(_ context.Context, _ string, formFactor report.FormFactor) (json.RawMessage, error) {
	a.mu.Lock()
	a.calls++
	panics := a.panics
	a.mu.Unlock()
	if panics {
		panic("analyzer exploded")
	}
	if err := a.errs[formFactor]; err != nil {
		return nil, err
	}
	return a.results[formFactor], nil
}

func (a *fakeAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type harness struct {
	orch      *Orchestrator
	records   *memory.RecordStore
	blobs     *memory.BlobStore
	publisher *notify.MemoryPublisher
	clock     *fakeClock
	analyzer  *fakeAnalyzer
}

func newHarness(t *testing.T, analyzer *fakeAnalyzer) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	records := memory.NewRecordStore(&seqIDGen{}, clock)
	blobs := memory.NewBlobStore()
	publisher := notify.NewMemory()
	orch := New(records, blobs, analyzer, publisher, clock, Config{BlobPrefix: "reports"}, nil)
	return &harness{
		orch:      orch,
		records:   records,
		blobs:     blobs,
		publisher: publisher,
		clock:     clock,
		analyzer:  analyzer,
	}
}

func TestRunFullReportSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{
		results: map[report.FormFactor]json.RawMessage{
			report.FormFactorMobile:  json.RawMessage(`{"strategy":"mobile"}`),
			report.FormFactorDesktop: json.RawMessage(`{"strategy":"desktop"}`),
		},
	})
	ctx := context.Background()

	require.NoError(t, h.orch.RunFullReport(ctx, "https://example.com", ""))

	rec, err := h.records.GetByURL(ctx, "https://example.com", time.Time{})
	require.NoError(t, err)
	require.Equal(t, report.StatusCompleted, rec.Status)
	require.NotEmpty(t, rec.ResultLocation)
	require.Nil(t, rec.ProcessingStartedAt)
	require.Empty(t, rec.ResultPayload)

	blob, err := h.blobs.Get(ctx, rec.ResultLocation)
	require.NoError(t, err)
	var pair [2]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &pair))
	require.JSONEq(t, `{"strategy":"mobile"}`, string(pair[0]))
	require.JSONEq(t, `{"strategy":"desktop"}`, string(pair[1]))

	events := h.publisher.Events()
	require.Len(t, events, 1)
	require.Equal(t, report.StatusCompleted, events[0].Status)
	require.Equal(t, rec.PublicID, events[0].PublicID)
}

func TestRunFullReportOneFormFactorFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{
		results: map[report.FormFactor]json.RawMessage{
			report.FormFactorMobile: json.RawMessage(`{"strategy":"mobile"}`),
		},
		errs: map[report.FormFactor]error{
			report.FormFactorDesktop: &report.APIError{StatusCode: 500, Body: "lighthouse crashed"},
		},
	})
	ctx := context.Background()

	require.NoError(t, h.orch.RunFullReport(ctx, "https://example.com", ""))

	rec, err := h.records.GetByURL(ctx, "https://example.com", time.Time{})
	require.NoError(t, err)
	require.Equal(t, report.StatusFailed, rec.Status)
	require.Empty(t, rec.ResultLocation)
	require.Nil(t, rec.ProcessingStartedAt)

	var payload report.FailurePayload
	require.NoError(t, json.Unmarshal(rec.ResultPayload, &payload))
	require.NotEmpty(t, payload.Message)
	require.Contains(t, payload.Detail, "lighthouse crashed")

	// Both calls ran to completion before the verdict.
	require.Equal(t, 2, h.analyzer.callCount())

	events := h.publisher.Events()
	require.Len(t, events, 1)
	require.Equal(t, report.StatusFailed, events[0].Status)
}

func TestRunFullReportPanicMarksFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{panics: true})
	ctx := context.Background()

	rec, err := h.records.Create(ctx, "https://example.com", report.FormFactorAll)
	require.NoError(t, err)

	require.NoError(t, h.orch.RunFullReport(ctx, "https://example.com", rec.PublicID))

	got, err := h.records.GetByPublicID(ctx, rec.PublicID)
	require.NoError(t, err)
	require.Equal(t, report.StatusFailed, got.Status)
	require.Nil(t, got.ProcessingStartedAt)
}

func TestRunFullReportVanishedRecordIsNonFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{})

	require.NoError(t, h.orch.RunFullReport(context.Background(), "https://example.com", "no-such-id"))
	require.Equal(t, 0, h.analyzer.callCount())
}

func TestRecoverStuckResetsAndRedrives(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{
		results: map[report.FormFactor]json.RawMessage{
			report.FormFactorMobile:  json.RawMessage(`{"strategy":"mobile"}`),
			report.FormFactorDesktop: json.RawMessage(`{"strategy":"desktop"}`),
		},
	})
	ctx := context.Background()

	rec, err := h.records.Create(ctx, "https://example.com", report.FormFactorAll)
	require.NoError(t, err)
	started := h.clock.Now().Add(-4 * time.Minute)
	require.NoError(t, h.records.UpdateStatus(ctx, rec.PublicID, report.StatusUpdate{
		Status:              report.StatusProcessing,
		ProcessingStartedAt: &started,
	}))

	stuck, err := h.records.ListStuckProcessing(ctx, 3*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	require.NoError(t, h.orch.RecoverStuck(ctx, 3*time.Minute))

	got, err := h.records.GetByPublicID(ctx, rec.PublicID)
	require.NoError(t, err)
	require.Equal(t, report.StatusCompleted, got.Status)
	require.NotEmpty(t, got.ResultLocation)

	// Nothing stuck remains.
	stuck, err = h.records.ListStuckProcessing(ctx, 3*time.Minute)
	require.NoError(t, err)
	require.Empty(t, stuck)
}

func TestRecoverStuckNothingToDo(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{})

	require.NoError(t, h.orch.RecoverStuck(context.Background(), 3*time.Minute))
	require.Equal(t, 0, h.analyzer.callCount())
}
