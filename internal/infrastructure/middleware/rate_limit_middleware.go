package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"rillcall/pkg/config"
	"rillcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type clientBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// clientLimiters hands out one token bucket per client address. Buckets of
// clients idle for longer than idleTTL are swept on access.
type clientLimiters struct {
	mu        sync.Mutex
	buckets   map[string]*clientBucket
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newClientLimiters(limit rate.Limit, burst int, idleTTL time.Duration) *clientLimiters {
	return &clientLimiters{
		buckets: make(map[string]*clientBucket),
		limit:   limit,
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

func (l *clientLimiters) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		for key, b := range l.buckets {
			if now.Sub(b.seen) >= l.idleTTL {
				delete(l.buckets, key)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[client] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

func (l *clientLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// clientIP prefers the first X-Forwarded-For hop over the socket address
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// concurrencyGate returns acquire/release for at most max in-flight
// requests. A max of zero disables the gate.
func concurrencyGate(max int) (func() bool, func()) {
	if max <= 0 {
		return func() bool { return true }, func() {}
	}
	slots := make(chan struct{}, max)
	acquire := func() bool {
		select {
		case slots <- struct{}{}:
			return true
		default:
			return false
		}
	}
	return acquire, func() { <-slots }
}

// NewHTTPRateLimitMiddleware limits requests per client address and caps
// concurrent requests. Rejections are left to ErrorHandlerMiddleware.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	rps := cfg.RateLimiting.HTTP.RequestsPerSecond
	limiters := newClientLimiters(rate.Limit(rps), cfg.RateLimiting.HTTP.Burst, limiterIdleTTL)
	retryAfter := strconv.Itoa(int(math.Max(1, math.Ceil(1/rps))))
	acquire, release := concurrencyGate(cfg.RateLimiting.HTTP.MaxConcurrent)

	return func(c *gin.Context) {
		if !acquire() {
			c.Error(errors.NewServiceUnavailableError("too many concurrent requests"))
			c.Abort()
			return
		}
		defer release()

		if !limiters.allow(clientIP(c.Request)) {
			c.Header("Retry-After", retryAfter)
			c.Error(errors.NewRateLimitError())
			c.Abort()
			return
		}
		c.Next()
	}
}
