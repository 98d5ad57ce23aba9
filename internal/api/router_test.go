package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lh/yiana/internal/async"
	"github.com/lh/yiana/internal/config"
	yerrors "github.com/lh/yiana/internal/errors"
	"github.com/lh/yiana/internal/service"
	"github.com/lh/yiana/internal/store"
)

type fakeBackend struct {
	results   []store.Result
	searchErr error
	lastLimit int
	indexed   map[string]bool
	requested int
	resetErr  error
	panicOn   bool
}

func (f *fakeBackend) Search(_ context.Context, q string, limit int) ([]store.Result, error) {
	if f.panicOn {
		panic("boom")
	}
	f.lastLimit = limit
	if q == "" {
		return nil, yerrors.New(yerrors.ErrCodeInvalidQuery, "query must not be empty", nil)
	}
	return f.results, f.searchErr
}

func (f *fakeBackend) IsDocumentIndexed(_ context.Context, id string) (bool, error) {
	if id == "bad" {
		return false, yerrors.ValidationError("document id must be a UUID", nil)
	}
	return f.indexed[id], nil
}

func (f *fakeBackend) Count(context.Context) (int, error) { return len(f.indexed), nil }

func (f *fakeBackend) Status(context.Context) (service.Status, error) {
	return service.Status{Root: "/docs", Backend: "sqlite", Count: len(f.indexed), State: async.StateIdle}, nil
}

func (f *fakeBackend) RequestIndex() { f.requested++ }

func (f *fakeBackend) IndexAll(context.Context) (async.RunStats, error) {
	return async.RunStats{Indexed: 2}, nil
}

func (f *fakeBackend) ResetIndex(context.Context) (async.RunStats, error) {
	if f.resetErr != nil {
		return async.RunStats{}, f.resetErr
	}
	return async.RunStats{Indexed: 3}, nil
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func TestSearch_ReturnsResults(t *testing.T) {
	// Given: a backend with one hit
	b := &fakeBackend{results: []store.Result{{DocumentID: "id-1", Title: "Gas bill", MatchType: store.MatchTitle}}}
	h := NewRouter(b, Options{})

	// When: searching with an explicit limit
	rec, body := do(t, h, http.MethodGet, "/search?q=gas&limit=5")

	// Then: the hit is returned and the limit passed through
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, float64(1), body["count"])
	results := body["results"].([]any)
	assert.Equal(t, "Gas bill", results[0].(map[string]any)["title"])
	assert.Equal(t, 5, b.lastLimit)
}

func TestSearch_NoResultsIsEmptyArray(t *testing.T) {
	h := NewRouter(&fakeBackend{}, Options{})

	rec, body := do(t, h, http.MethodGet, "/search?q=nothing")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, body["results"])
}

func TestSearch_BadRequests(t *testing.T) {
	tests := []struct {
		name   string
		target string
		code   string
	}{
		{"empty query", "/search?q=", yerrors.ErrCodeInvalidQuery},
		{"bad limit", "/search?q=gas&limit=many", yerrors.ErrCodeInvalidInput},
		{"negative limit", "/search?q=gas&limit=-1", yerrors.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, NewRouter(&fakeBackend{}, Options{}), http.MethodGet, tt.target)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			errBody := body["error"].(map[string]any)
			assert.Equal(t, tt.code, errBody["code"])
		})
	}
}

func TestDocumentIndexed(t *testing.T) {
	b := &fakeBackend{indexed: map[string]bool{"abc": true}}
	h := NewRouter(b, Options{})

	rec, body := do(t, h, http.MethodGet, "/documents/abc/indexed")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["indexed"])
	assert.Equal(t, "abc", body["document_id"])

	rec, _ = do(t, h, http.MethodGet, "/documents/bad/indexed")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexEndpoints(t *testing.T) {
	b := &fakeBackend{indexed: map[string]bool{"a": true, "b": true}}
	h := NewRouter(b, Options{})

	rec, body := do(t, h, http.MethodGet, "/index/count")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])

	rec, body = do(t, h, http.MethodGet, "/index/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sqlite", body["backend"])
	assert.Equal(t, "idle", body["state"])

	rec, body = do(t, h, http.MethodPost, "/index/run")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "scheduled", body["status"])
	assert.Equal(t, 1, b.requested)

	rec, body = do(t, h, http.MethodPost, "/index/run?wait=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", body["status"])

	rec, body = do(t, h, http.MethodPost, "/index/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rebuilt", body["status"])
}

func TestIndexRun_RejectsGet(t *testing.T) {
	rec, _ := do(t, NewRouter(&fakeBackend{}, Options{}), http.MethodGet, "/index/run")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReset_BusyMapsToConflict(t *testing.T) {
	b := &fakeBackend{resetErr: yerrors.New(yerrors.ErrCodeIndexBusy, "index is locked by another process", nil)}

	rec, body := do(t, NewRouter(b, Options{}), http.MethodPost, "/index/reset")

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, yerrors.ErrCodeIndexBusy, body["error"].(map[string]any)["code"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(yerrors.IndexUnavailable("gone", nil)))
	assert.Equal(t, http.StatusNotFound, StatusFor(yerrors.New(yerrors.ErrCodeFileNotFound, "missing", nil)))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(assert.AnError))
}

func TestRecovery_TurnsPanicInto500(t *testing.T) {
	rec, body := do(t, NewRouter(&fakeBackend{panicOn: true}, Options{}), http.MethodGet, "/search?q=x")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, yerrors.ErrCodeInternal, body["error"].(map[string]any)["code"])
}

func TestCORS_AllowsConfiguredOrigin(t *testing.T) {
	h := NewRouter(&fakeBackend{}, Options{CORSOrigins: []string{"http://localhost:3000"}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_ServesRealServiceUntilCancelled(t *testing.T) {
	// Given: a service with one indexed document behind a live listener
	cfg := config.NewConfig()
	cfg.Repository.Root = t.TempDir()
	svc, err := service.Open(service.Options{Config: cfg, InMemoryIndex: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	_, err = svc.Repository().Create("Water rates")
	require.NoError(t, err)
	_, err = svc.IndexAll(context.Background())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ln.Addr().String(), NewRouter(svc, Options{}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	// When: querying over HTTP
	resp, err := http.Get("http://" + ln.Addr().String() + "/search?q=water")
	require.NoError(t, err)
	var body searchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()

	// Then: the document is found and the server stops cleanly
	require.Len(t, body.Results, 1)
	assert.Equal(t, "Water rates", body.Results[0].Title)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
