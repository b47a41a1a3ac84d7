package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/psi-tools/psiproxy/internal/report"
)

// recordDTO is the wire shape shared by the root and report routes.
type recordDTO struct {
	PublicID string          `json:"publicId"`
	URL      string          `json:"url"`
	Status   report.Status   `json:"status"`
	DataURL  string          `json:"dataUrl"`
	Data     json.RawMessage `json:"data"`
}

func toDTO(rec report.Record, data json.RawMessage) recordDTO {
	if data == nil && rec.Status == report.StatusFailed {
		data = rec.ResultPayload
	}
	return recordDTO{
		PublicID: rec.PublicID,
		URL:      rec.URL,
		Status:   rec.Status,
		DataURL:  rec.ResultLocation,
		Data:     data,
	}
}

// getOrCreateReport handles GET /?url=&key=. A fresh or in-flight record for
// the URL is returned as-is; otherwise a valid key creates a pending record
// and kicks off the run in the background.
func (s *Server) getOrCreateReport(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	since := s.clock.Now().Add(-s.cfg.Cache.Window)
	rec, err := s.records.GetByURL(r.Context(), target, since)
	if err == nil {
		writeJSON(w, http.StatusOK, toDTO(rec, nil))
		return
	}
	if !errors.Is(err, report.ErrNotFound) {
		s.logger.Error("lookup by url failed", zap.String("url", target), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	if r.URL.Query().Get("key") != s.cfg.Auth.Secret {
		writeError(w, http.StatusUnauthorized, "missing or invalid key")
		return
	}

	rec, err = s.records.Create(r.Context(), target, report.FormFactorAll)
	if err != nil {
		s.logger.Error("create record failed", zap.String("url", target), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	// The run outlives this request; the caller polls /report for the
	// outcome.
	bg := context.WithoutCancel(r.Context())
	go func() {
		if err := s.orch.RunFullReport(bg, target, rec.PublicID); err != nil {
			s.logger.Error("background report run failed",
				zap.String("public_id", rec.PublicID),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusOK, toDTO(rec, nil))
}

// getReport handles GET /report?id=. Pending and stuck records are re-driven
// inline before responding, so the first poll may take the full upstream
// round trip while later polls are cheap.
func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id parameter")
		return
	}

	rec, err := s.records.GetByPublicID(r.Context(), id)
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		s.logger.Error("lookup by id failed", zap.String("public_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	if s.needsInlineRun(rec) {
		if rec.Status == report.StatusProcessing {
			if err := s.records.UpdateStatus(r.Context(), rec.PublicID, report.StatusUpdate{
				Status:                   report.StatusPending,
				ClearProcessingStartedAt: true,
			}); err != nil {
				s.logger.Error("reset stuck record failed", zap.String("public_id", id), zap.Error(err))
			}
		}
		if err := s.orch.RunFullReport(r.Context(), rec.URL, rec.PublicID); err != nil {
			s.logger.Error("inline report run failed", zap.String("public_id", id), zap.Error(err))
		}
		rec, err = s.records.GetByPublicID(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage unavailable")
			return
		}
	}

	var data json.RawMessage
	if rec.Status == report.StatusCompleted {
		data, err = s.blobs.Get(r.Context(), rec.ResultLocation)
		if err != nil {
			s.logger.Error("load result blob failed",
				zap.String("public_id", id),
				zap.String("location", rec.ResultLocation),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "storage unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, toDTO(rec, data))
}

// needsInlineRun applies the read-path decision table: pending records and
// processing records past the stuck threshold are re-driven; everything else
// is returned as-is.
func (s *Server) needsInlineRun(rec report.Record) bool {
	switch rec.Status {
	case report.StatusPending:
		return true
	case report.StatusProcessing:
		return rec.ProcessingStartedAt != nil &&
			s.clock.Now().Sub(*rec.ProcessingStartedAt) > s.cfg.Jobs.StuckAfter
	default:
		return false
	}
}

// debugList handles GET /debug/list.
func (s *Server) debugList(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.records.ListAll(r.Context())
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(summaries),
		"reports": summaries,
	})
}

// deleteOld handles POST|GET /admin/delete-old?days=.
func (s *Server) deleteOld(w http.ResponseWriter, r *http.Request) {
	days := s.cfg.Admin.DeleteDefaultDays
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = parsed
	}

	cutoff := s.clock.Now().AddDate(0, 0, -days)
	deleted, err := s.records.DeleteOlderThan(r.Context(), cutoff)
	if err != nil {
		s.logger.Error("delete old records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": deleted,
		"days":    days,
	})
}
