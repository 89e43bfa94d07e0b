package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/redsweep/internal/errors"
	"github.com/3leaps/redsweep/internal/server/handlers"
	"github.com/3leaps/redsweep/pkg/bulkaction"
	"github.com/3leaps/redsweep/pkg/store/redis"
)

const waitTimeout = 5 * time.Second

type testEnv struct {
	m   *miniredis.Miniredis
	svc *bulkaction.Service
	srv *Server
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	return newTestEnvWithCoordinator(t, bulkaction.CoordinatorConfig{}, opts...)
}

func newTestEnvWithCoordinator(t *testing.T, cc bulkaction.CoordinatorConfig, opts ...Option) *testEnv {
	t.Helper()

	m := miniredis.RunT(t)
	st, err := redis.New(context.Background(), redis.Config{Addr: m.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p := bulkaction.NewProvider(time.Minute, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	svc := bulkaction.NewService(p, bulkaction.NewCoordinator(cc, nil),
		bulkaction.SingleStore(st), bulkaction.ServiceConfig{}, nil)

	hm := handlers.InitHealthManager("test")
	hm.RegisterChecker("redis", st)

	opts = append([]Option{WithBulkService(svc)}, opts...)
	return &testEnv{m: m, svc: svc, srv: New("127.0.0.1", 0, opts...)}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) wait(t *testing.T, id string) bulkaction.Overview {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	o, err := e.svc.Wait(ctx, id)
	require.NoError(t, err)
	return o
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPError {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func decodeOverview(t *testing.T, rec *httptest.ResponseRecorder) bulkaction.Overview {
	t.Helper()
	var o bulkaction.Overview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	return o
}

func TestServer_NotFoundAndMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = e.do(t, http.MethodPut, "/version", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, rec).Code)
}

func TestServer_HealthAndVersion(t *testing.T) {
	e := newTestEnv(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup"} {
		rec := e.do(t, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	handlers.SetVersionInfo("1.2.3", "abc123", "2026-01-01")
	rec := e.do(t, http.MethodGet, "/version", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info handlers.VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestServer_ReadinessFailsWhenStoreIsDown(t *testing.T) {
	e := newTestEnv(t)
	e.m.Close()

	rec := e.do(t, http.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	herr := decodeError(t, rec)
	assert.Equal(t, "SERVICE_UNAVAILABLE", herr.Code)
	assert.Equal(t, map[string]any{"redis": "unhealthy"}, herr.Details["checks"])

	rec = e.do(t, http.MethodGet, "/health/live", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CreateDeleteAction(t *testing.T) {
	e := newTestEnv(t)
	for i := 0; i < 25; i++ {
		require.NoError(t, e.m.Set(fmt.Sprintf("session:%d", i), "x"))
	}
	require.NoError(t, e.m.Set("keep", "x"))

	body := `{"id":"del-1","type":"delete","filter":{"type":"string","match":"session:*","count":10}}`
	rec := e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/", strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	o := decodeOverview(t, rec)
	assert.Equal(t, "del-1", o.ID)
	assert.Equal(t, "db-1", o.DatabaseID)
	assert.Equal(t, bulkaction.TypeDelete, o.Type)
	assert.Equal(t, 10, o.Filter.Count)

	done := e.wait(t, "del-1")
	assert.Equal(t, bulkaction.StatusCompleted, done.Status)
	assert.Equal(t, int64(25), done.Summary.Succeed)
	assert.True(t, e.m.Exists("keep"))
	assert.False(t, e.m.Exists("session:3"))

	rec = e.do(t, http.MethodGet, "/api/databases/db-1/bulk-actions/del-1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, bulkaction.StatusCompleted, decodeOverview(t, rec).Status)

	rec = e.do(t, http.MethodGet, "/api/databases/db-1/bulk-actions/", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []bulkaction.Overview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestServer_UnlinkAction(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.m.Set("a", "1"))
	e.m.HSet("h", "f", "v")

	rec := e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/",
		strings.NewReader(`{"id":"u1","type":"unlink","filter":{"type":"hash"}}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	done := e.wait(t, "u1")
	assert.Equal(t, bulkaction.StatusCompleted, done.Status)
	assert.Equal(t, int64(1), done.Summary.Succeed)
	assert.False(t, e.m.Exists("h"))
	assert.True(t, e.m.Exists("a"))
}

func TestServer_CreateValidation(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{"type":`, http.StatusBadRequest},
		{"unknown field", `{"type":"delete","purge":true}`, http.StatusBadRequest},
		{"unknown type", `{"type":"flush"}`, http.StatusBadRequest},
		{"upload via create", `{"type":"upload"}`, http.StatusBadRequest},
		{"bad count", `{"type":"delete","filter":{"count":-5}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/", strings.NewReader(tt.body), "application/json")
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
		})
	}
}

func TestServer_GetScopedToDatabase(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/", strings.NewReader(`{"id":"a1","type":"delete"}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)
	e.wait(t, "a1")

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec = e.do(t, method, "/api/databases/db-2/bulk-actions/a1", nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, method)
	}
	rec = e.do(t, http.MethodGet, "/api/databases/db-2/bulk-actions/a1/report", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/databases/db-1/bulk-actions/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
}

func TestServer_ImportReusedIDOnAnotherDatabase(t *testing.T) {
	// One batch every ten seconds keeps the action running after its
	// first line.
	e := newTestEnvWithCoordinator(t, bulkaction.CoordinatorConfig{RateLimit: 0.1})
	body := "SET a 1\nSET b 2\n"
	path := func(db string) string {
		return "/api/databases/" + db + "/bulk-actions/import?id=shared&count=1"
	}

	rec := e.do(t, http.MethodPost, path("db-1"), strings.NewReader(body), "text/plain")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, path("db-2"), strings.NewReader(body), "text/plain")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", decodeError(t, rec).Code)

	rec = e.do(t, http.MethodPost, path("db-1"), strings.NewReader(body), "text/plain")
	assert.Equal(t, http.StatusCreated, rec.Code, "same database returns the live action")

	rec = e.do(t, http.MethodDelete, "/api/databases/db-1/bulk-actions/shared", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, bulkaction.StatusAborted, e.wait(t, "shared").Status)
}

func TestServer_AbortFinishedAction(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/", strings.NewReader(`{"id":"a1","type":"delete"}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)
	e.wait(t, "a1")

	rec = e.do(t, http.MethodDelete, "/api/databases/db-1/bulk-actions/a1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, bulkaction.StatusCompleted, decodeOverview(t, rec).Status)
}

func TestServer_ImportMultipart(t *testing.T) {
	e := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("id", "imp-1"))
	require.NoError(t, mw.WriteField("count", "2"))
	fw, err := mw.CreateFormFile("file", "seed.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("SET a 1\nSET b \"two words\"\n\nHSET h f v\nSET broken 'x\n"))
	require.NoError(t, mw.Close())

	rec := e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/import", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	o := decodeOverview(t, rec)
	assert.Equal(t, bulkaction.TypeUpload, o.Type)
	assert.Equal(t, "seed.txt", o.FileName)
	assert.Equal(t, 2, o.Filter.Count)

	done := e.wait(t, "imp-1")
	assert.Equal(t, bulkaction.StatusCompleted, done.Status)
	assert.Equal(t, int64(3), done.Summary.Succeed)
	assert.Equal(t, int64(1), done.Summary.Failed)

	v, err := e.m.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "two words", v)
	assert.Equal(t, "v", e.m.HGet("h", "f"))
}

func TestServer_ImportPlainBody(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/import?id=imp-2&fileName=cmds.txt",
		strings.NewReader("SET x 1\n"), "text/plain")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	done := e.wait(t, "imp-2")
	assert.Equal(t, int64(1), done.Summary.Succeed)
	assert.Equal(t, "cmds.txt", done.FileName)
}

func TestServer_ImportLimits(t *testing.T) {
	e := newTestEnv(t, WithUploadLimits(16, 2))

	// Two lines, but 40 bytes against a 16 byte cap.
	rec := e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/import",
		strings.NewReader("SET first-key 1\nSET second-key-long 2\n"), "text/plain")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", body.Code)
	assert.Contains(t, body.Message, "exceeds 16 bytes")
	assert.NotContains(t, body.Message, "line limit")

	rec = e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/import",
		strings.NewReader("SET a 1\n"), "text/plain")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/import?generateReport=maybe",
		strings.NewReader("SET a 1\n"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/import", strings.NewReader(""), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ImportLineLimit(t *testing.T) {
	e := newTestEnv(t, WithUploadLimits(1024, 2))

	rec := e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/import",
		strings.NewReader("SET a 1\nSET b 2\nSET c 3\n"), "text/plain")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", body.Code)
	assert.Contains(t, body.Message, "line limit")
}

func TestServer_Report(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.m.Set("k1", "v"))

	rec := e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/",
		strings.NewReader(`{"id":"r1","type":"delete","generateReport":true}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)
	e.wait(t, "r1")

	rec = e.do(t, http.MethodGet, "/api/databases/db-1/bulk-actions/r1/report", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="bulk-action-r1.txt"`)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "# redsweep delete report id=r1"))
	assert.Contains(t, rec.Body.String(), "k1\tok\n")
}

func TestServer_StoreDownOnCreate(t *testing.T) {
	e := newTestEnv(t)
	e.m.Close()

	rec := e.do(t, http.MethodPost, "/api/databases/db-1/bulk-actions/",
		strings.NewReader(`{"id":"x","type":"delete"}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)

	done := e.wait(t, "x")
	assert.Equal(t, bulkaction.StatusFailed, done.Status)
	assert.NotEmpty(t, done.Error)
}

func TestServer_StartAndShutdown(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.srv.Listen())
	assert.NotZero(t, e.srv.Port())

	errc := make(chan error, 1)
	go func() { errc <- e.srv.Start() }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/health/live", e.srv.Addr()))
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, waitTimeout, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, e.srv.Shutdown(ctx))

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("server did not stop")
	}
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.srv.Listen())
	assert.NoError(t, e.srv.Shutdown(context.Background()))
	assert.NoError(t, e.srv.Start())
}
