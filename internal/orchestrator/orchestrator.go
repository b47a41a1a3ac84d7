// Package orchestrator drives a report record from creation through a
// terminal status and recovers records abandoned mid-run.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psi-tools/psiproxy/internal/metrics"
	"github.com/psi-tools/psiproxy/internal/report"
)

const resultContentType = "application/json"

// Config controls orchestrator behavior.
type Config struct {
	// BlobPrefix prefixes every derived blob key.
	BlobPrefix string
}

// Orchestrator runs the full-report workflow. It holds no concurrency
// control of its own; per-record write ordering comes from the record store,
// and the orchestrator never issues overlapping updates for one record.
type Orchestrator struct {
	records   report.RecordStore
	blobs     report.BlobStore
	analyzer  report.Analyzer
	publisher report.Publisher
	clock     report.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator.
func New(
	records report.RecordStore,
	blobs report.BlobStore,
	analyzer report.Analyzer,
	publisher report.Publisher,
	clock report.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = notifyNoop{}
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = "reports"
	}
	return &Orchestrator{
		records:   records,
		blobs:     blobs,
		analyzer:  analyzer,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

type notifyNoop struct{}

func (notifyNoop) Publish(context.Context, report.Event) error { return nil }

// RunFullReport drives one record to a terminal status. An empty publicID
// creates a fresh pending record first. Upstream failures are captured into
// the record as failed, never propagated; the returned error covers only
// record-store unavailability during setup.
func (o *Orchestrator) RunFullReport(ctx context.Context, target string, publicID string) (err error) {
	if publicID == "" {
		rec, createErr := o.records.Create(ctx, target, report.FormFactorAll)
		if createErr != nil {
			return fmt.Errorf("create record: %w", createErr)
		}
		publicID = rec.PublicID
	}

	// A panic below must not leave the record in processing forever.
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("report run panicked",
				zap.String("public_id", publicID),
				zap.Any("panic", rec),
			)
			o.markFailed(ctx, publicID, target, report.FailurePayload{
				Message: "internal error during report run",
				Detail:  fmt.Sprint(rec),
			})
			err = nil
		}
	}()

	now := o.clock.Now()
	if updErr := o.records.UpdateStatus(ctx, publicID, report.StatusUpdate{
		Status:              report.StatusProcessing,
		ProcessingStartedAt: &now,
	}); updErr != nil {
		if errors.Is(updErr, report.ErrNotFound) {
			o.logger.Warn("record vanished before processing", zap.String("public_id", publicID))
			return nil
		}
		return fmt.Errorf("mark processing: %w", updErr)
	}

	mobile, desktop := o.fetchBoth(ctx, target)
	if mobile.err != nil || desktop.err != nil {
		o.markFailed(ctx, publicID, target, failurePayload(mobile.err, desktop.err))
		return nil
	}

	combined, marshalErr := json.Marshal([2]json.RawMessage{mobile.payload, desktop.payload})
	if marshalErr != nil {
		o.markFailed(ctx, publicID, target, report.FailurePayload{
			Message: "serialize combined result",
			Detail:  marshalErr.Error(),
		})
		return nil
	}

	key := o.blobKey(publicID, target)
	location, putErr := o.blobs.Put(ctx, key, resultContentType, bytes.NewReader(combined))
	if putErr != nil {
		o.markFailed(ctx, publicID, target, report.FailurePayload{
			Message: "persist result payload",
			Detail:  putErr.Error(),
		})
		return nil
	}

	emptyPayload := json.RawMessage{}
	if updErr := o.records.UpdateStatus(ctx, publicID, report.StatusUpdate{
		Status:                   report.StatusCompleted,
		ClearProcessingStartedAt: true,
		ResultLocation:           &location,
		ResultPayload:            &emptyPayload,
	}); updErr != nil {
		o.logger.Error("mark completed failed",
			zap.String("public_id", publicID),
			zap.Error(updErr),
		)
		return nil
	}

	metrics.ObserveReportFinished(string(report.StatusCompleted))
	o.publish(ctx, report.Event{PublicID: publicID, URL: target, Status: report.StatusCompleted})
	o.logger.Info("report completed",
		zap.String("public_id", publicID),
		zap.String("url", target),
		zap.String("location", location),
	)
	return nil
}

// RecoverStuck resets every processing record older than maxAge back to
// pending and re-drives it. Records are handled independently; one failure
// does not block the rest.
func (o *Orchestrator) RecoverStuck(ctx context.Context, maxAge time.Duration) error {
	stuck, err := o.records.ListStuckProcessing(ctx, maxAge)
	if err != nil {
		return fmt.Errorf("list stuck records: %w", err)
	}
	for _, rec := range stuck {
		o.logger.Warn("recovering stuck record",
			zap.String("public_id", rec.PublicID),
			zap.String("url", rec.URL),
			zap.Timep("processing_started_at", rec.ProcessingStartedAt),
		)
		if err := o.records.UpdateStatus(ctx, rec.PublicID, report.StatusUpdate{
			Status:                   report.StatusPending,
			ClearProcessingStartedAt: true,
		}); err != nil {
			o.logger.Error("reset stuck record failed",
				zap.String("public_id", rec.PublicID),
				zap.Error(err),
			)
			continue
		}
		metrics.ObserveStuckRecovered()
		if err := o.RunFullReport(ctx, rec.URL, rec.PublicID); err != nil {
			o.logger.Error("re-drive stuck record failed",
				zap.String("public_id", rec.PublicID),
				zap.Error(err),
			)
		}
	}
	return nil
}

type fetchResult struct {
	payload json.RawMessage
	err     error
}

// fetchBoth issues the two form-factor calls concurrently and joins on both.
// Failure of one does not cancel the other; the caller decides the overall
// outcome only after both finish.
func (o *Orchestrator) fetchBoth(ctx context.Context, target string) (mobile, desktop fetchResult) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mobile = o.fetchOne(ctx, target, report.FormFactorMobile)
	}()
	go func() {
		defer wg.Done()
		desktop = o.fetchOne(ctx, target, report.FormFactorDesktop)
	}()
	wg.Wait()
	return mobile, desktop
}

func (o *Orchestrator) fetchOne(ctx context.Context, target string, formFactor report.FormFactor) (res fetchResult) {
	// Runs on its own goroutine; a panic here must surface as a failed
	// fetch, not kill the process.
	defer func() {
		if rec := recover(); rec != nil {
			res = fetchResult{err: fmt.Errorf("analysis panicked: %v", rec)}
		}
	}()
	start := o.clock.Now()
	payload, err := o.analyzer.Analyze(ctx, target, formFactor)
	metrics.ObserveUpstreamRequest(string(formFactor), outcomeLabel(err), o.clock.Now().Sub(start))
	if err != nil {
		o.logger.Warn("upstream analysis failed",
			zap.String("url", target),
			zap.String("form_factor", string(formFactor)),
			zap.Error(err),
		)
		return fetchResult{err: err}
	}
	return fetchResult{payload: payload}
}

func (o *Orchestrator) markFailed(ctx context.Context, publicID, target string, payload report.FailurePayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"message":"report failed"}`)
	}
	raw := json.RawMessage(data)
	empty := ""
	if err := o.records.UpdateStatus(ctx, publicID, report.StatusUpdate{
		Status:                   report.StatusFailed,
		ClearProcessingStartedAt: true,
		ResultLocation:           &empty,
		ResultPayload:            &raw,
	}); err != nil {
		o.logger.Error("mark failed errored",
			zap.String("public_id", publicID),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveReportFinished(string(report.StatusFailed))
	o.publish(ctx, report.Event{PublicID: publicID, URL: target, Status: report.StatusFailed})
}

func (o *Orchestrator) publish(ctx context.Context, event report.Event) {
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warn("publish event failed",
			zap.String("public_id", event.PublicID),
			zap.Error(err),
		)
	}
}

// blobKey derives the object key from the public identifier and target host.
func (o *Orchestrator) blobKey(publicID, target string) string {
	host := "unknown"
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Host
	}
	return fmt.Sprintf("%s/%s-%s.json", o.cfg.BlobPrefix, publicID, host)
}

func failurePayload(mobileErr, desktopErr error) report.FailurePayload {
	payload := report.FailurePayload{Message: "upstream analysis failed"}
	switch {
	case mobileErr != nil && desktopErr != nil:
		payload.Detail = fmt.Sprintf("mobile: %v; desktop: %v", mobileErr, desktopErr)
	case mobileErr != nil:
		payload.Detail = fmt.Sprintf("mobile: %v", mobileErr)
	default:
		payload.Detail = fmt.Sprintf("desktop: %v", desktopErr)
	}
	return payload
}

func outcomeLabel(err error) string {
	switch err.(type) {
	case nil:
		return "ok"
	case *report.APIError:
		return "api_error"
	case *report.TransportError:
		return "transport_error"
	default:
		return "error"
	}
}
