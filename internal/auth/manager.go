// Package auth は変更系エンドポイントの認証と、アクセス制御のミドルウェアを提供します。
//
// 変更系のリクエストは X-API-Key ヘッダー、またはダッシュボードのログインセッションと
// CSRF トークンの組み合わせで認証します。
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/cheri-hub/sicar-api/internal/config"
)

const (
	SessionCookieName    = "sicar_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader   = "X-CSRF-Token"
	apiKeyHeader = "X-API-Key"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
	maxAPIKeyFailures  = 10
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextUserKey は、ハンドラー間で認証済みの利用者を共有するためのキーです。
// API キーで認証した場合は "api-key" が入ります。
const ContextUserKey = "auth.user"

const apiKeyUser = "api-key"

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	cfg    *config.Config
	log    *zap.SugaredLogger
	logins *lockout
	keys   *lockout
	now    func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	now := time.Now
	return &Manager{
		cfg:    cfg,
		log:    log,
		logins: newLockout(maxLoginAttempts, loginWindow, lockDuration, now),
		keys:   newLockout(maxAPIKeyFailures, loginWindow, lockDuration, now),
		now:    now,
	}
}

// RequireWrite は変更系エンドポイントを保護するミドルウェアです。
// X-API-Key があればそれを検証し、無ければログインセッションと CSRF トークンを検証します。
func (m *Manager) RequireWrite() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader(apiKeyHeader); key != "" {
			m.authenticateKey(c, key)
			return
		}

		if m.cfg.SessionSecret != "" {
			session := sessions.Default(c)
			if user, ok := session.Get(sessionKeyUser).(string); ok && user != "" {
				if !m.touchSession(c, session) {
					return
				}
				if !verifyCSRF(c, session) {
					return
				}
				c.Set(ContextUserKey, user)
				c.Next()
				return
			}
		}

		c.Header("WWW-Authenticate", "ApiKey")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "API_KEY_REQUIRED",
			"message": "X-API-Key ヘッダーで API キーを送ってください。",
		})
	}
}

func (m *Manager) authenticateKey(c *gin.Context, key string) {
	if !m.keyConfigured() {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": "API_KEY または API_KEY_HASH が設定されていません。",
		})
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.keys.check(ip); retryAfter > 0 {
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "一定時間後に再度お試しください。",
		})
		return
	}

	if !m.verifyAPIKey(key) {
		remaining := m.keys.fail(ip)
		m.log.Warnw("Invalid API key", "client_ip", ip, "path", c.FullPath(), "remaining_attempts", remaining)
		c.Header("WWW-Authenticate", "ApiKey")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "INVALID_API_KEY",
			"message": "API キーが正しくありません。",
		})
		return
	}

	m.keys.reset(ip)
	c.Set(ContextUserKey, apiKeyUser)
	c.Next()
}

func (m *Manager) keyConfigured() bool {
	return m.cfg.APIKeyHash != "" || m.cfg.APIKey != ""
}

// verifyAPIKey はハッシュが設定されていれば bcrypt で、無ければ定数時間比較で検証します。
func (m *Manager) verifyAPIKey(key string) bool {
	if m.cfg.APIKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(m.cfg.APIKeyHash), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(m.cfg.APIKey), []byte(key)) == 1
}

func (m *Manager) ensureCredentials() error {
	if m.cfg.AppUsername == "" {
		return errors.New("APP_USERNAME が設定されていません")
	}
	if m.cfg.AppPasswordHash == "" {
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	}
	if m.cfg.SessionSecret == "" {
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

func (m *Manager) verifyPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password)) == nil
}

// touchSession は有効期限とアイドル時間を確認し、最終操作時刻を更新します。
// 期限切れの場合は 401 を書き込んで false を返します。
func (m *Manager) touchSession(c *gin.Context, session sessions.Session) bool {
	now := m.now()
	issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
	lastActive := readUnix(session.Get(sessionKeyLastActive))

	if issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime {
		session.Clear()
		_ = session.Save()
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "SESSION_EXPIRED",
			"message": "セッションの有効期限が切れました",
		})
		return false
	}

	if lastActive.IsZero() || now.Sub(lastActive) > idleTimeout {
		session.Clear()
		_ = session.Save()
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "SESSION_IDLE_TIMEOUT",
			"message": "しばらく操作がなかったため再ログインしてください",
		})
		return false
	}

	session.Set(sessionKeyLastActive, now.Unix())
	_ = session.Save()
	return true
}

func verifyCSRF(c *gin.Context, session sessions.Session) bool {
	if isSafeMethod(c.Request.Method) {
		return true
	}

	expected, ok := session.Get(sessionKeyCSRF).(string)
	if !ok || expected == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code":    "CSRF_MISSING",
			"message": "CSRF トークンが設定されていません",
		})
		return false
	}

	received := c.GetHeader(csrfHeader)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code":    "CSRF_INVALID",
			"message": "CSRF トークンが一致しません",
		})
		return false
	}
	return true
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// lockout は IP ごとの失敗回数を数え、上限に達したら一定時間拒否します。
type lockout struct {
	max      int
	window   time.Duration
	duration time.Duration
	now      func() time.Time

	mu       sync.Mutex
	attempts map[string]*attemptState
	lastGC   time.Time
}

func newLockout(max int, window, duration time.Duration, now func() time.Time) *lockout {
	return &lockout{
		max:      max,
		window:   window,
		duration: duration,
		now:      now,
		attempts: make(map[string]*attemptState),
		lastGC:   now(),
	}
}

// expired は state の集計期間とロックがどちらも終わっているかを返します。
func (l *lockout) expired(state *attemptState, now time.Time) bool {
	if !state.lockedUntil.IsZero() {
		return now.After(state.lockedUntil)
	}
	return now.Sub(state.firstAttempt) > l.window
}

// gc は期限切れの記録を集計期間ごとに一度まとめて削除します。呼び出し側でロックを持ってください。
func (l *lockout) gc(now time.Time) {
	if now.Sub(l.lastGC) <= l.window {
		return
	}
	for ip, state := range l.attempts {
		if l.expired(state, now) {
			delete(l.attempts, ip)
		}
	}
	l.lastGC = now
}

func (l *lockout) check(ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.attempts[ip]
	if !ok {
		return 0
	}
	now := l.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (l *lockout) fail(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.gc(now)
	// ロックが明けた後は失敗回数を数え直す
	state, ok := l.attempts[ip]
	if !ok || l.expired(state, now) {
		state = &attemptState{firstAttempt: now}
		l.attempts[ip] = state
	}

	state.count++
	if state.count >= l.max {
		state.lockedUntil = now.Add(l.duration)
		state.count = l.max
	}
	return l.max - state.count
}

func (l *lockout) reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
