package web

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/JonMunkholm/activitysync/internal/core"
	"github.com/JonMunkholm/activitysync/internal/logging"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
)

type rebuildResponse struct {
	Tenant     core.TenantID `json:"guildId,string"`
	Month      core.Month    `json:"month"`
	Members    int           `json:"members"`
	Removed    int           `json:"removed"`
	Messages   int64         `json:"messages"`
	Summary    string        `json:"summary"`
	DurationMs int64         `json:"durationMs"`
}

// handleRebuild recomputes one month from its day counters.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	month, err := core.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	tenant := tenantFrom(r.Context())

	res, err := s.service.RebuildMonth(r.Context(), tenant, month)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}

	logging.WithFields(r.Context(), "tenant_id", tenant, "month", month).
		Info("rebuild.requested", "members", res.Subjects, "removed", res.Removed)

	writeJSON(w, http.StatusOK, rebuildResponse{
		Tenant:   tenant,
		Month:    month,
		Members:  res.Subjects,
		Removed:  res.Removed,
		Messages: res.Total,
		Summary: fmt.Sprintf("Rebuilt **%s** for %s members (%s messages).",
			month, humanize.Comma(int64(res.Subjects)), humanize.Comma(res.Total)),
		DurationMs: res.Duration.Milliseconds(),
	})
}

// handleExport downloads a month in the import CSV format of the scope.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	scope, err := core.ParseScope(chi.URLParam(r, "scope"))
	if err != nil {
		respondError(w, r, err, http.StatusNotFound)
		return
	}
	month, err := core.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	tenant := tenantFrom(r.Context())

	// Buffered so a store error can still produce a JSON error response.
	var buf bytes.Buffer
	if _, err := s.service.Export(r.Context(), &buf, scope, tenant, month); err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}

	filename := fmt.Sprintf("guild_%s_%s_%s.csv", tenant, scope, month)
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Write(buf.Bytes())
}

type monthPoint struct {
	Month    core.Month `json:"month"`
	Messages int64      `json:"messages"`
}

// handleMemberHistory returns one member's month counters, oldest first.
func (s *Server) handleMemberHistory(w http.ResponseWriter, r *http.Request) {
	subject, err := core.ParseSubjectID(chi.URLParam(r, "userID"))
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}

	months, err := s.service.SubjectHistory(r.Context(), tenantFrom(r.Context()), subject)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}

	points := make([]monthPoint, 0, len(months))
	for _, m := range months {
		points = append(points, monthPoint{Month: m.Month, Messages: m.Count})
	}
	writeJSON(w, http.StatusOK, points)
}

// pinger is implemented by stores backed by a database.
type pinger interface {
	Ping(ctx context.Context) error
}

// handleHealth reports liveness and store reachability. It sits outside
// API key auth for load balancers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.service.Store().(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			respondError(w, r, fmt.Errorf("store ping: %w", err), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports import slot usage.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"imports": s.service.LimiterStatus(),
	})
}
