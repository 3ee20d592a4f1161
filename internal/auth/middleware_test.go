package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func request(r http.Handler, remote string) int {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestIPAllowlist(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IPAllowlist([]string{"203.0.113.5", "10.1.0.0/16", "not-an-ip"}, nil))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, request(r, "203.0.113.5:1000"))
	assert.Equal(t, http.StatusOK, request(r, "10.1.44.2:1000"))
	assert.Equal(t, http.StatusOK, request(r, "127.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, request(r, "[::1]:1000"))
	assert.Equal(t, http.StatusForbidden, request(r, "198.51.100.9:1000"))
}

func TestIPAllowlistEmptyAllowsAll(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IPAllowlist(nil, nil))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, request(r, "198.51.100.9:1000"))
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewRateLimiter(2)
	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, request(r, "198.51.100.9:1000"))
	assert.Equal(t, http.StatusOK, request(r, "198.51.100.9:1000"))
	assert.Equal(t, http.StatusTooManyRequests, request(r, "198.51.100.9:1000"))
	// IP ごとに独立している
	assert.Equal(t, http.StatusOK, request(r, "198.51.100.10:1000"))
}
