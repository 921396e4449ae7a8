package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rpattn/journaled/internal/domain"
	"github.com/rpattn/journaled/internal/export"
	"github.com/rpattn/journaled/internal/journal"
	"github.com/rpattn/journaled/internal/middleware"
	"github.com/rpattn/journaled/internal/repository/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t      *testing.T
	server *httptest.Server
	engine *journal.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	engine := journal.NewEngine(store, journal.WithLogger(logger))
	exports := export.NewService(engine.Journal(), domain.NewFormatterRegistry())
	handler := New(engine, store.Entities(), exports, WithLogger(logger))
	router := NewRouter(handler, RouterConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		Logger:         logger,
		Versions:       engine.CurrentVersions,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testServer{t: t, server: server, engine: engine}
}

func (s *testServer) do(method, path string, body any, actor *uuid.UUID) *http.Response {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(middleware.ActorHeader, actor.String())
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (s *testServer) createIssue(actor *uuid.UUID) string {
	s.t.Helper()
	resp := s.do(http.MethodPost, "/entities/issue", map[string]any{
		"attributes": map[string]any{"subject": "Printer on fire", "status": "open"},
		"notes":      "reported by phone",
	}, actor)
	require.Equal(s.t, http.StatusCreated, resp.StatusCode)
	created := decode[entityResponse](s.t, resp)
	require.Equal(s.t, int64(1), created.Version)
	return "/entities/issue/" + created.Entity.Ref.ID.String()
}

func TestCreateAndGet(t *testing.T) {
	s := newTestServer(t)
	path := s.createIssue(nil)

	resp := s.do(http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[entityResponse](t, resp)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "Printer on fire", got.Entity.Attributes["subject"])

	resp = s.do(http.MethodGet, "/entities/issue", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string][]domain.VersionedEntity](t, resp)
	assert.Len(t, list["entities"], 1)
}

func TestMutateNormalAndMerge(t *testing.T) {
	s := newTestServer(t)
	path := s.createIssue(nil)

	resp := s.do(http.MethodPost, path+"/mutations", map[string]any{
		"changes": []map[string]any{{"attributes": map[string]any{"status": "closed"}, "notes": "fixed"}},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[entityResponse](t, resp)
	assert.Equal(t, int64(2), out.Version)
	require.Len(t, out.Results, 1)
	assert.Equal(t, journal.DispositionCreated, out.Results[0].Disposition)

	resp = s.do(http.MethodPost, path+"/mutations", map[string]any{
		"mode":  "merge",
		"notes": "triage",
		"changes": []map[string]any{
			{"attributes": map[string]any{"status": "open"}},
			{"attributes": map[string]any{"assignee": "alice"}},
		},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode[entityResponse](t, resp)
	assert.Equal(t, int64(3), out.Version)
	require.Len(t, out.Results, 1)
	require.NotNil(t, out.Results[0].Entry)
	assert.Equal(t, []string{"status", "assignee"}, out.Results[0].Entry.Changeset.Fields())
	assert.Equal(t, "triage", out.Results[0].Entry.Notes)

	resp = s.do(http.MethodGet, path+"/journal", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[map[string][]domain.JournalEntry](t, resp)["entries"]
	require.Len(t, entries, 3)
	assert.True(t, entries[0].IsInitial())

	resp = s.do(http.MethodGet, path+"/journal?after=1", nil, nil)
	entries = decode[map[string][]domain.JournalEntry](t, resp)["entries"]
	assert.Len(t, entries, 2)
}

func TestMutateRejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	path := s.createIssue(nil)

	resp := s.do(http.MethodPost, path+"/mutations", map[string]any{"mode": "sideways", "notes": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(http.MethodPost, path+"/mutations", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(http.MethodPost, "/entities/issue/"+uuid.NewString()+"/mutations", map[string]any{"notes": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(http.MethodGet, "/entities/spaceship/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevert(t *testing.T) {
	s := newTestServer(t)
	path := s.createIssue(nil)
	resp := s.do(http.MethodPost, path+"/mutations", map[string]any{
		"changes": []map[string]any{{"attributes": map[string]any{"status": "closed"}}},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(http.MethodPost, path+"/revert", map[string]any{"locator": map[string]any{"version": 1}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	preview := decode[revertResponse](t, resp)
	require.NotNil(t, preview.Restoration)
	assert.Equal(t, int64(2), preview.Restoration.From)
	assert.Equal(t, int64(1), preview.Restoration.To)
	assert.Equal(t, "open", preview.Entity.Attributes["status"])

	resp = s.do(http.MethodPost, path+"/revert", map[string]any{
		"locator": map[string]any{"tag": "initial"},
		"persist": true,
		"notes":   "undo close",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	persisted := decode[revertResponse](t, resp)
	require.NotNil(t, persisted.Result)
	assert.Equal(t, journal.DispositionCreated, persisted.Result.Disposition)
	assert.Equal(t, int64(3), persisted.Entity.Version)
	assert.Equal(t, "open", persisted.Entity.Attributes["status"])

	resp = s.do(http.MethodPost, path+"/revert", map[string]any{"locator": "v2"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(http.MethodPost, path+"/revert", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSnapshotAndDiff(t *testing.T) {
	s := newTestServer(t)
	path := s.createIssue(nil)
	s.do(http.MethodPost, path+"/mutations", map[string]any{
		"changes": []map[string]any{{"attributes": map[string]any{"status": "closed"}}},
	}, nil)

	resp := s.do(http.MethodGet, path+"/snapshot?at=version:1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snapshot := decode[snapshotView](t, resp)
	assert.Equal(t, int64(1), snapshot.Version)
	assert.Equal(t, "open", snapshot.Attributes["status"])

	resp = s.do(http.MethodGet, path+"/diff?from=version:1&to=tag:latest", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "closed")
	assert.Contains(t, string(body), "open")

	resp = s.do(http.MethodGet, path+"/snapshot?at=version:abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEditNotesRequiresAuthor(t *testing.T) {
	s := newTestServer(t)
	author := uuid.New()
	stranger := uuid.New()
	path := s.createIssue(&author)

	resp := s.do(http.MethodPatch, path+"/journal/1/notes", map[string]any{"notes": "hijacked"}, &stranger)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(http.MethodPatch, path+"/journal/1/notes", map[string]any{"notes": "hijacked", "actor": author}, &stranger)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(http.MethodPatch, path+"/journal/1/notes", map[string]any{"notes": "called twice"}, &author)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry := decode[domain.JournalEntry](t, resp)
	assert.Equal(t, "called twice", entry.Notes)

	resp = s.do(http.MethodGet, path+"/journal/1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "called twice", decode[domain.JournalEntry](t, resp).Notes)

	resp = s.do(http.MethodGet, path+"/journal/0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVersionsAndExport(t *testing.T) {
	s := newTestServer(t)
	path := s.createIssue(nil)
	id := strings.TrimPrefix(path, "/entities/issue/")
	unknown := uuid.NewString()

	resp := s.do(http.MethodGet, "/versions?ref=issue:"+id+"&ref=issue:"+unknown, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	versions := decode[map[string]map[string]int64](t, resp)["versions"]
	assert.Equal(t, int64(1), versions["issue:"+id])
	assert.Equal(t, int64(0), versions["issue:"+unknown])

	resp = s.do(http.MethodGet, "/versions", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(http.MethodGet, path+"/journal.csv", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, export.FormatCSV.ContentType(), resp.Header.Get("Content-Type"))

	resp = s.do(http.MethodGet, path+"/journal.xlsx", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".xlsx")
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
