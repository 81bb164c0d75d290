package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/JonMunkholm/activitysync/internal/core"
)

// batch is an uploaded CSV held in memory. Background jobs outlive the
// request, so the body cannot be streamed into them.
type batch struct {
	name string
	data []byte
}

// readBatch reads the CSV from a multipart "file" field or, for any other
// content type, from the raw request body. Size is capped by
// IMPORT_MAX_FILE_SIZE.
func (s *Server) readBatch(w http.ResponseWriter, r *http.Request) (batch, error) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	var (
		name = r.URL.Query().Get("filename")
		src  io.Reader
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxSize); err != nil {
			return batch{}, sizeErr(err, maxSize)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return batch{}, errNoFile
		}
		defer file.Close()
		name, src = header.Filename, file
	} else {
		src = r.Body
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return batch{}, sizeErr(err, maxSize)
	}
	if len(data) == 0 {
		return batch{}, errNoFile
	}
	return batch{name: name, data: data}, nil
}

func sizeErr(err error, limit int64) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return fmt.Errorf("%w: limit is %d bytes", errFileTooLarge, limit)
	}
	return fmt.Errorf("read upload: %w", err)
}

// resultResponse is the JSON form of an import result.
type resultResponse struct {
	*core.ImportResult
	Imported      int            `json:"imported"`
	Skipped       int            `json:"skipped"`
	FailedRows    int            `json:"failedRows"`
	MonthsRebuilt int            `json:"monthsRebuilt"`
	SkipReasons   map[string]int `json:"skipReasons,omitempty"`
	Summary       string         `json:"summary"`
	DurationMs    int64          `json:"durationMs"`
}

func toResponse(res *core.ImportResult) resultResponse {
	return resultResponse{
		ImportResult:  res,
		Imported:      res.RowsImported(),
		Skipped:       res.RowsSkipped(),
		FailedRows:    res.RowsFailed(),
		MonthsRebuilt: res.MonthsRebuilt(),
		SkipReasons:   res.SkipReasons(),
		Summary:       res.Summary(),
		DurationMs:    res.Duration.Milliseconds(),
	}
}

// writeJSON encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("json encode error", "error", err)
	}
}
