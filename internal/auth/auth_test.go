package auth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cheri-hub/sicar-api/internal/config"
)

func newRouter(t *testing.T, cfg *config.Config) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := NewManager(cfg, nil)

	r := gin.New()
	if cfg.SessionSecret != "" {
		r.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte(cfg.SessionSecret))))
		r.POST("/auth/login", m.Login)
		r.GET("/auth/session", m.Session)
	}
	r.POST("/protected", m.RequireWrite(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString(ContextUserKey)})
	})
	return r, m
}

func post(r http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.5:4000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireWriteWithPlainKey(t *testing.T) {
	r, _ := newRouter(t, &config.Config{APIKey: "secret-key"})

	assert.Equal(t, http.StatusUnauthorized, post(r, "/protected", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, post(r, "/protected", "", map[string]string{"X-API-Key": "wrong"}).Code)

	w := post(r, "/protected", "", map[string]string{"X-API-Key": "secret-key"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), apiKeyUser)
}

func TestRequireWriteWithHashedKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	require.NoError(t, err)
	r, _ := newRouter(t, &config.Config{APIKeyHash: string(hash), APIKey: "ignored"})

	assert.Equal(t, http.StatusOK, post(r, "/protected", "", map[string]string{"X-API-Key": "hashed-key"}).Code)
	assert.Equal(t, http.StatusUnauthorized, post(r, "/protected", "", map[string]string{"X-API-Key": "ignored"}).Code)
}

func TestRequireWriteWithoutConfiguredKey(t *testing.T) {
	r, _ := newRouter(t, &config.Config{})

	w := post(r, "/protected", "", map[string]string{"X-API-Key": "anything"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "SERVER_MISCONFIGURATION")
}

func TestRequireWriteLocksOutAfterRepeatedFailures(t *testing.T) {
	r, _ := newRouter(t, &config.Config{APIKey: "secret-key"})
	bad := map[string]string{"X-API-Key": "wrong"}

	for i := 0; i < maxAPIKeyFailures; i++ {
		require.Equal(t, http.StatusUnauthorized, post(r, "/protected", "", bad).Code)
	}
	w := post(r, "/protected", "", map[string]string{"X-API-Key": "secret-key"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestSessionLoginAndCSRF(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	r, _ := newRouter(t, &config.Config{
		APIKey:          "secret-key",
		AppUsername:     "admin",
		AppPasswordHash: string(hash),
		SessionSecret:   "0123456789abcdef0123456789abcdef",
	})

	w := post(r, "/auth/login", `{"username":"admin","password":"nope"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(r, "/auth/login", `{"username":"admin","password":"pw"}`, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	token := w.Header().Get(csrfHeader)
	require.NotEmpty(t, token)
	sessionCookie, _, _ := strings.Cut(w.Header().Get("Set-Cookie"), ";")
	require.NotEmpty(t, sessionCookie)

	w = post(r, "/protected", "", map[string]string{"Cookie": sessionCookie})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = post(r, "/protected", "", map[string]string{"Cookie": sessionCookie, csrfHeader: token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "admin")
}

func TestLoginLockout(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	r, _ := newRouter(t, &config.Config{
		AppUsername:     "admin",
		AppPasswordHash: string(hash),
		SessionSecret:   "0123456789abcdef0123456789abcdef",
	})

	for i := 0; i < maxLoginAttempts; i++ {
		post(r, "/auth/login", `{"username":"admin","password":"nope"}`, nil)
	}
	w := post(r, "/auth/login", `{"username":"admin","password":"pw"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestLockoutCountsAgainAfterLockExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLockout(3, 15*time.Minute, 5*time.Minute, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		l.fail("203.0.113.5")
	}
	assert.Positive(t, l.check("203.0.113.5"))

	// ロックは明けたが、最初の失敗からはまだ集計期間内
	now = now.Add(6 * time.Minute)
	assert.Zero(t, l.check("203.0.113.5"))
	assert.Equal(t, 2, l.fail("203.0.113.5"))
	assert.Zero(t, l.check("203.0.113.5"))
}

func TestLockoutDropsExpiredEntries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLockout(3, 15*time.Minute, 5*time.Minute, func() time.Time { return now })

	l.fail("203.0.113.5")
	l.fail("203.0.113.6")
	now = now.Add(16 * time.Minute)
	l.fail("203.0.113.7")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.attempts, 1)
	assert.Contains(t, l.attempts, "203.0.113.7")
}
