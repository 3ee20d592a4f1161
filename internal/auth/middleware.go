package auth

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// IPAllowlist は許可した IP またはネットワーク（CIDR）以外からのリクエストを 403 で拒否します。
// entries が空の場合はすべて許可します。ループバックアドレスは常に許可します。
func IPAllowlist(entries []string, log *zap.SugaredLogger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var prefixes []netip.Prefix
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(raw); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		log.Warnw("Ignoring invalid ALLOWED_IPS entry", "entry", raw)
	}

	return func(c *gin.Context) {
		if len(prefixes) == 0 {
			c.Next()
			return
		}

		ip := c.ClientIP()
		addr, err := netip.ParseAddr(ip)
		if err == nil {
			addr = addr.Unmap()
			if addr.IsLoopback() {
				c.Next()
				return
			}
			for _, prefix := range prefixes {
				if prefix.Contains(addr) {
					c.Next()
					return
				}
			}
		}

		log.Warnw("Blocked request from IP outside allowlist", "client_ip", ip, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code":    "IP_NOT_ALLOWED",
			"message": "このIPアドレスからのアクセスは許可されていません。",
		})
	}
}

// RateLimiter は IP ごとのトークンバケットでリクエスト数を制限します。
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
	lastGC   time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter は 1 分あたり perMinute 回までを許可するリミッターを作成します。
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		ttl:      10 * time.Minute,
		visitors: make(map[string]*visitor),
		lastGC:   time.Now(),
	}
}

// Allow は ip のリクエストを許可するかどうかを返します。
func (l *RateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastGC) > l.ttl {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.ttl {
				delete(l.visitors, key)
			}
		}
		l.lastGC = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Middleware は制限を超えたリクエストを 429 で拒否します。
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエストが多すぎます。しばらくしてから再度お試しください。",
			})
			return
		}
		c.Next()
	}
}
