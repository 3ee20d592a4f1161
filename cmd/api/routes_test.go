package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheri-hub/sicar-api/internal/config"
	"github.com/cheri-hub/sicar-api/internal/logging"
	"github.com/cheri-hub/sicar-api/internal/sicar"
	"github.com/cheri-hub/sicar-api/internal/sicar/sicartest"
)

const testAPIKey = "test-api-key-0123456789"

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		AppName:                  "SICAR API",
		AppVersion:               "9.9.9",
		APIKey:                   testAPIKey,
		GinMode:                  gin.TestMode,
		CORSAllowedOrigins:       "http://localhost:5173",
		RateLimitEnabled:         true,
		RateLimitDownloadsPerMin: 100,
		RateLimitSearchPerMin:    1,
		DatabasePath:             filepath.Join(dir, "sicar.db"),
		DownloadDir:              filepath.Join(dir, "downloads"),
		MaxConcurrentDownloads:   2,
		DownloadMaxRetries:       1,
		SICARBaseURL:             "http://127.0.0.1:1",
		SICARTimeout:             time.Second,
		CaptchaCommand:           "cat",
		CaptchaAttempts:          1,
		ScheduleEnabled:          false,
		ScheduleHour:             2,
		ScheduleTimezone:         "UTC",
		AutoDownloadStates:       []string{"SP"},
		AutoDownloadPolygons:     []string{"APPS"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (http.Handler, *services) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logging.Nop()

	svc, err := buildServices(cfg, log)
	require.NoError(t, err)
	require.NoError(t, svc.start(context.Background(), cfg))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.shutdown(ctx)
	})

	svc.sicar = &sicartest.Fake{
		SearchCARFunc: func(_ context.Context, car string) (*sicar.Property, error) {
			return &sicar.Property{ID: "1", CARNumber: car}, nil
		},
	}
	return newRouter(cfg, log, svc), svc
}

func serve(h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "127.0.0.1:5000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, testConfig(t))

	w := serve(h, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["database"])
	assert.Equal(t, "stopped", body["scheduler"])
	assert.EqualValues(t, 2, body["active_jobs"])
	assert.Equal(t, "9.9.9", body["version"])
	assert.NotContains(t, body, "queue")
}

func TestReadRoutesArePublic(t *testing.T) {
	h, _ := newTestServer(t, testConfig(t))

	for _, path := range []string{"/", "/downloads", "/downloads/stats", "/releases", "/scheduler/jobs", "/scheduler/tasks", "/settings"} {
		w := serve(h, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestWriteRoutesRequireAPIKey(t *testing.T) {
	h, _ := newTestServer(t, testConfig(t))
	key := map[string]string{"X-API-Key": testAPIKey}

	cases := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, "/downloads/state", map[string]any{"state": "XX", "polygons": []string{"APPS"}}},
		{http.MethodPost, "/downloads/car", map[string]any{"record_key": "bad"}},
		{http.MethodPost, "/stream/car", map[string]any{"car_number": "bad"}},
		{http.MethodPost, "/scheduler/jobs/missing/pause", nil},
		{http.MethodPut, "/settings/timezone", map[string]any{"value": "America/Sao_Paulo"}},
	}
	for _, tc := range cases {
		w := serve(h, tc.method, tc.path, tc.body, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.path)

		w = serve(h, tc.method, tc.path, tc.body, key)
		assert.NotEqual(t, http.StatusUnauthorized, w.Code, tc.path)
	}

	w := serve(h, http.MethodGet, "/settings/timezone", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "America/Sao_Paulo")
}

func TestSchedulerCatalogueIsLoaded(t *testing.T) {
	h, _ := newTestServer(t, testConfig(t))

	w := serve(h, http.MethodGet, "/scheduler/jobs", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Running bool `json:"running"`
		Jobs    []struct {
			ID       string `json:"id"`
			TaskType string `json:"task_type"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Running)
	require.Len(t, body.Jobs, 2)
	assert.Equal(t, "daily_sicar_collection", body.Jobs[0].ID)
	assert.Equal(t, "update_release_dates", body.Jobs[1].ID)
}

func TestSearchIsRateLimited(t *testing.T) {
	h, _ := newTestServer(t, testConfig(t))
	path := "/search/car/SP-3538709-4861E981046E49BC81720C879459E554"

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, path, nil, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodGet, path, nil, nil).Code)
}

func TestIPAllowlistBlocksOtherNetworks(t *testing.T) {
	cfg := testConfig(t)
	cfg.AllowedIPs = "10.0.0.0/8"
	h, _ := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// ループバックは常に許可
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/health", nil, nil).Code)
}

func TestLoginRoutesOnlyWithSessionSecret(t *testing.T) {
	h, _ := newTestServer(t, testConfig(t))
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodPost, "/auth/login", nil, nil).Code)
}
