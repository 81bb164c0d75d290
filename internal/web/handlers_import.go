package web

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/JonMunkholm/activitysync/internal/core"
	"github.com/JonMunkholm/activitysync/internal/logging"
	"github.com/go-chi/chi/v5"
)

// importRequest validates the path, query and body shared by import and
// preview. It writes the error response itself and reports false on failure.
func (s *Server) importRequest(w http.ResponseWriter, r *http.Request) (core.ImportRequest, bool) {
	scope, err := core.ParseScope(chi.URLParam(r, "scope"))
	if err != nil {
		respondError(w, r, err, http.StatusNotFound)
		return core.ImportRequest{}, false
	}

	filter, err := core.ParseMonthFilter(r.URL.Query().Get("month"))
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return core.ImportRequest{}, false
	}

	b, err := s.readBatch(w, r)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return core.ImportRequest{}, false
	}

	return core.ImportRequest{
		Tenant:   tenantFrom(r.Context()),
		Scope:    scope,
		FileName: b.name,
		Reader:   bytes.NewReader(b.data),
		Size:     int64(len(b.data)),
		Filter:   filter,
	}, true
}

// handleImport queues a batch. With ?wait=true it blocks until the import
// finishes and returns the result instead of the job id.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	req, ok := s.importRequest(w, r)
	if !ok {
		return
	}

	jobID, err := s.service.StartImport(r.Context(), req)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}

	logging.WithFields(r.Context(),
		"job_id", jobID,
		"tenant_id", req.Tenant,
		"scope", req.Scope,
		"bytes", req.Size,
	).Info("import.queued")

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"jobId":       jobID,
			"progressUrl": "/api/jobs/" + jobID + "/progress",
		})
		return
	}

	res, err := s.service.Result(r.Context(), jobID)
	s.writeJobOutcome(w, r, res, err)
}

// handlePreview reports what an import would do without writing anything.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := s.importRequest(w, r)
	if !ok {
		return
	}

	res, err := s.service.Preview(r.Context(), req)
	s.writeJobOutcome(w, r, res, err)
}

// writeJobOutcome writes a finished import. A batch that stopped early still
// has a partial result; it is returned with the mapped error message.
func (s *Server) writeJobOutcome(w http.ResponseWriter, r *http.Request, res *core.ImportResult, err error) {
	if err != nil && res == nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	if err != nil {
		res.Error = core.FormatUserError(err)
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}
