package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	window        = time.Minute
	sweepInterval = time.Minute
)

// RejectionMessage is the copy shown to end users when a bucket overflows.
const RejectionMessage = "Too many requests... Please wait a minute 🙏"

// Kind selects which admission bucket a route counts against.
type Kind string

const (
	KindGlobal Kind = "global"
	KindAI     Kind = "ai"
)

type bucket struct {
	count int
	reset time.Time
}

// Limiter holds the per-client admission buckets, one map per kind. It is
// constructed once per process and injected into the router; there is no
// package-level state.
type Limiter struct {
	mu      sync.Mutex
	buckets map[Kind]map[string]*bucket
	now     func() time.Time
}

func New() *Limiter {
	return &Limiter{
		buckets: make(map[Kind]map[string]*bucket),
		now:     time.Now,
	}
}

// Allow counts one request against the (kind, key) bucket and reports whether
// it stays within limit. A false result is expected control flow, not an
// error; it carries the wait until the window resets.
func (l *Limiter) Allow(kind Kind, key string, limit int) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	m := l.buckets[kind]
	if m == nil {
		m = make(map[string]*bucket)
		l.buckets[kind] = m
	}
	b := m[key]
	if b == nil {
		b = &bucket{reset: now.Add(window)}
		m[key] = b
	}
	if now.After(b.reset) {
		b.count = 0
		b.reset = now.Add(window)
	}
	b.count++
	if b.count > limit {
		return false, b.reset.Sub(now)
	}
	return true, 0
}

// Middleware rejects requests beyond limit per minute for this bucket kind
// with a 429 and a Retry-After hint.
func (l *Limiter) Middleware(kind Kind, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(kind, ClientKey(c.Request), limit)
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(wait/time.Second)+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": RejectionMessage})
			return
		}
		c.Next()
	}
}

// StartSweeper purges expired buckets every minute until ctx is cancelled,
// bounding memory off the request path.
func (l *Limiter) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

func (l *Limiter) sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.buckets {
		for key, b := range m {
			if now.After(b.reset) {
				delete(m, key)
			}
		}
	}
}

// ClientKey derives the admission key from forwarded-IP headers; the first
// populated header wins.
func ClientKey(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	return "unknown"
}
