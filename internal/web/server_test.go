package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/activitysync/internal/config"
	"github.com/JonMunkholm/activitysync/internal/core"
)

const dayHeader = "guild_id,day,user_id,messages\n"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RequestTimeout: 5 * time.Second},
		Import: config.ImportConfig{MaxFileSize: 1 << 20},
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *core.MemoryStore) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	store := core.NewMemoryStore()
	svc := core.NewService(store, core.ServiceConfig{MaxConcurrent: 2, MaxWait: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewServer(svc, cfg), store
}

func do(t *testing.T, s *Server, method, target string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "private, no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestImport_Wait(t *testing.T) {
	s, store := newTestServer(t, nil)

	body := dayHeader + "1,2024-03-01,10,5\n1,2024-03-02,10,7\n2,2024-03-01,10,9\n"
	rec := do(t, s, http.MethodPost, "/api/guilds/1/import/day?wait=true", strings.NewReader(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	got := decode(t, rec)
	if got["imported"] != float64(2) || got["skipped"] != float64(1) || got["monthsRebuilt"] != float64(1) {
		t.Errorf("response = %v", got)
	}
	if got["guildId"] != "1" {
		t.Errorf("guildId = %v, want \"1\"", got["guildId"])
	}
	if got["summary"] != "Imported **2** day rows. Rebuilt **1** month aggregates." {
		t.Errorf("summary = %v", got["summary"])
	}

	rows, _ := store.QueryMonth(context.Background(), 1, "2024-03")
	if len(rows) != 1 || rows[0].Count != 12 {
		t.Errorf("month rows = %+v, want one row of 12", rows)
	}
}

func TestImport_AsyncJob(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/guilds/1/import/month", strings.NewReader(
		"guild_id,month,user_id,messages\n1,2024-03,10,40\n"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	jobID, _ := decode(t, rec)["jobId"].(string)
	if jobID == "" {
		t.Fatal("missing jobId")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.service.Result(ctx, jobID); err != nil {
		t.Fatalf("Result: %v", err)
	}

	rec = do(t, s, http.MethodGet, "/api/jobs/"+jobID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("job status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec); got["imported"] != float64(1) || got["jobId"] != jobID {
		t.Errorf("job result = %v", got)
	}
}

func TestImport_Errors(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		body     string
		mutate   func(*config.Config)
		wantCode int
		wantErr  string
	}{
		{"bad guild", "/api/guilds/abc/import/day", dayHeader, nil, http.StatusBadRequest, "VAL008"},
		{"unknown scope", "/api/guilds/1/import/week", dayHeader, nil, http.StatusNotFound, "ERR000"},
		{"bad month filter", "/api/guilds/1/import/day?month=2024-13", dayHeader, nil, http.StatusBadRequest, "VAL007"},
		{"empty body", "/api/guilds/1/import/day", "", nil, http.StatusBadRequest, "FILE004"},
		{"too large", "/api/guilds/1/import/day", dayHeader + "1,2024-03-01,10,5\n",
			func(c *config.Config) { c.Import.MaxFileSize = 16 }, http.StatusRequestEntityTooLarge, "FILE001"},
		{"bad header", "/api/guilds/1/import/day?wait=true", "guild_id,day\n1,2024-03-01\n", nil, http.StatusBadRequest, "ACT001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.mutate)
			rec := do(t, s, http.MethodPost, tt.target, strings.NewReader(tt.body))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if got := decode(t, rec)["code"]; got != tt.wantErr {
				t.Errorf("code = %v, want %s", got, tt.wantErr)
			}
		})
	}
}

func TestImport_Multipart(t *testing.T) {
	s, store := newTestServer(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "march.csv")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(fw, dayHeader+"1,2024-03-01,10,5\n")
	mw.Close()

	rec := do(t, s, http.MethodPost, "/api/guilds/1/import/day?wait=true", &body,
		"Content-Type", mw.FormDataContentType())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["fileName"]; got != "march.csv" {
		t.Errorf("fileName = %v, want march.csv", got)
	}
	if days := store.Days(1); len(days) != 1 {
		t.Errorf("days = %+v, want 1", days)
	}
}

func TestPreview_DoesNotWrite(t *testing.T) {
	s, store := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/guilds/1/preview/day",
		strings.NewReader(dayHeader+"1,2024-03-01,10,5\n"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := decode(t, rec)
	if got["dryRun"] != true || got["imported"] != float64(1) {
		t.Errorf("preview = %v", got)
	}
	if days := store.Days(1); len(days) != 0 {
		t.Errorf("preview wrote %+v", days)
	}
}

func TestRebuildAndExport(t *testing.T) {
	s, store := newTestServer(t, nil)
	ctx := context.Background()

	for _, d := range []core.DayCounter{
		{Tenant: 1, Subject: 10, Day: "2024-03-01", Count: 5},
		{Tenant: 1, Subject: 10, Day: "2024-03-09", Count: 2},
		{Tenant: 1, Subject: 20, Day: "2024-03-05", Count: 1},
	} {
		if err := store.UpsertDay(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	rec := do(t, s, http.MethodPost, "/api/guilds/1/rebuild/2024-03", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rebuild status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec); got["members"] != float64(2) || got["messages"] != float64(8) {
		t.Errorf("rebuild = %v", got)
	}

	rec = do(t, s, http.MethodGet, "/api/guilds/1/export/month/2024-03", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	want := "guild_id,month,user_id,messages\n1,2024-03,10,7\n1,2024-03,20,1\n"
	if rec.Body.String() != want {
		t.Errorf("export = %q, want %q", rec.Body.String(), want)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "guild_1_month_2024-03.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	rec = do(t, s, http.MethodGet, "/api/guilds/1/members/10/months", nil)
	var points []monthPoint
	if err := json.Unmarshal(rec.Body.Bytes(), &points); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(points) != 1 || points[0].Messages != 7 {
		t.Errorf("history = %+v", points)
	}

	rec = do(t, s, http.MethodPost, "/api/guilds/1/rebuild/March", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad month status = %d, want 400", rec.Code)
	}
}

func TestJobProgressStream(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/guilds/1/import/day",
		strings.NewReader(dayHeader+"1,2024-03-01,10,5\n"))
	jobID, _ := decode(t, rec)["jobId"].(string)

	rec = do(t, s, http.MethodGet, "/api/jobs/"+jobID+"/progress", nil)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: complete") || !strings.Contains(body, `"phase":"complete"`) {
		t.Errorf("stream = %q", body)
	}
}

func TestUnknownJob(t *testing.T) {
	s, _ := newTestServer(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/jobs/missing"},
		{http.MethodGet, "/api/jobs/missing/progress"},
		{http.MethodPost, "/api/jobs/missing/cancel"},
	} {
		rec := do(t, s, tc.method, tc.path, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", tc.method, tc.path, rec.Code)
		}
	}
}

func TestAPIKeyRequired(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
	})

	if rec := do(t, s, http.MethodGet, "/api/status", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/status", nil, "X-API-Key", "secret"); rec.Code != http.StatusOK {
		t.Errorf("valid key = %d, want 200", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200 without key", rec.Code)
	}
}
