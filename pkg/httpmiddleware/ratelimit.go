package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig configures a sliding window limiter.
type RateLimitConfig struct {
	// Max is the number of requests allowed per Window for one key.
	Max    int
	Window time.Duration
	// Prefix namespaces the Redis keys. Default "ratelimit".
	Prefix string
	// KeyFunc extracts the limited key. Default is the client IP. An empty
	// key bypasses the limiter.
	KeyFunc func(r *http.Request) string
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter approximates a sliding window with two fixed Redis counters: the
// previous window is weighted by how much of it still overlaps the sliding
// window. Counters are shared by every replica.
type Limiter struct {
	rdb redis.UniversalClient
	cfg RateLimitConfig
	now func() time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(rdb redis.UniversalClient, cfg RateLimitConfig) *Limiter {
	if cfg.Max <= 0 {
		cfg.Max = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "ratelimit"
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	return &Limiter{rdb: rdb, cfg: cfg, now: time.Now}
}

func (l *Limiter) counterKey(key string, start time.Time) string {
	return l.cfg.Prefix + ":" + key + ":" + strconv.FormatInt(start.Unix(), 10)
}

// Allow counts one request for key. Rejected requests are not counted.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	window := l.cfg.Window
	start := now.Truncate(window)
	curKey := l.counterKey(key, start)
	prevKey := l.counterKey(key, start.Add(-window))

	var (
		incr *redis.IntCmd
		prev *redis.StringCmd
	)
	if _, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, curKey)
		p.PExpire(ctx, curKey, 2*window)
		prev = p.Get(ctx, prevKey)
		return nil
	}); err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, errors.Wrap(err, "count")
	}

	prevCount, err := prev.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, errors.Wrap(err, "previous window")
	}

	overlap := 1 - float64(now.Sub(start))/float64(window)
	weighted := float64(prevCount)*overlap + float64(incr.Val())
	d := Decision{ResetAt: start.Add(window)}

	if weighted > float64(l.cfg.Max) {
		if err := l.rdb.Decr(ctx, curKey).Err(); err != nil {
			return Decision{}, errors.Wrap(err, "undo")
		}
		return d, nil
	}
	d.Allowed = true
	d.Remaining = max(0, int(math.Floor(float64(l.cfg.Max)-weighted)))
	return d, nil
}

// RateLimit rejects requests over the limit with 429. Every limited response
// carries X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset.
// Redis failures let the request through.
func RateLimit(l *Limiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := l.cfg.KeyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := l.Allow(r.Context(), key)
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retry := max(0, d.ResetAt.Sub(l.now()))
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
