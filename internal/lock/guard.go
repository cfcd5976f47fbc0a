// Package lock provides short-lived mutual exclusion and at-most-once
// markers on top of Redis.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrContention is returned when a lock could not be acquired within the
// wait bound.
var ErrContention = errors.New("lock contention")

var errHeld = errors.New("lock held")

// releaseScript deletes the key only if it still holds the caller's token,
// so an expired lease never removes a lock taken by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Guard serializes exclusive actions and deduplicates external events.
type Guard struct {
	rdb    redis.UniversalClient
	prefix string

	initialInterval time.Duration
	maxInterval     time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithPrefix namespaces every key the guard touches.
func WithPrefix(prefix string) Option {
	return func(g *Guard) { g.prefix = prefix }
}

// WithRetryIntervals sets the backoff bounds used by Acquire.
func WithRetryIntervals(initial, maxInterval time.Duration) Option {
	return func(g *Guard) {
		g.initialInterval = initial
		g.maxInterval = maxInterval
	}
}

// New creates a Guard on rdb.
func New(rdb redis.UniversalClient, opts ...Option) *Guard {
	g := &Guard{
		rdb:             rdb,
		prefix:          "flashkart:",
		initialInterval: 20 * time.Millisecond,
		maxInterval:     250 * time.Millisecond,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Guard) key(parts ...string) string {
	return g.prefix + strings.Join(parts, ":")
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	g     *Guard
	key   string
	token string

	once sync.Once
	err  error
}

// Key returns the lock key without the guard prefix.
func (l *Lease) Key() string {
	return strings.TrimPrefix(l.key, l.g.prefix)
}

// Release deletes the lock if it is still owned by this lease.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if err := releaseScript.Run(ctx, l.g.rdb, []string{l.key}, l.token).Err(); err != nil {
			l.err = errors.Wrapf(err, "release %s", l.key)
		}
	})
	return l.err
}

// TryAcquire sets key if absent with the given ttl. It reports false
// without error when the key is already held.
func (g *Guard) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	l := &Lease{g: g, key: g.key("lock", key), token: uuid.New().String()}
	ok, err := g.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "acquire %s", key)
	}
	if !ok {
		return nil, false, nil
	}
	return l, true, nil
}

// Acquire retries TryAcquire with exponential backoff for at most wait and
// then fails with ErrContention. A wait of zero tries once.
func (g *Guard) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lease, error) {
	if wait <= 0 {
		l, ok, err := g.TryAcquire(ctx, key, ttl)
		switch {
		case err != nil:
			return nil, err
		case !ok:
			return nil, ErrContention
		}
		return l, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.initialInterval
	b.MaxInterval = g.maxInterval
	b.MaxElapsedTime = wait

	var lease *Lease
	err := backoff.Retry(func() error {
		l, ok, err := g.TryAcquire(ctx, key, ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errHeld
		}
		lease = l
		return nil
	}, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return lease, nil
	case errors.Is(err, errHeld):
		return nil, ErrContention
	case ctx.Err() != nil:
		return nil, errors.Wrap(ErrContention, ctx.Err().Error())
	default:
		return nil, err
	}
}

// WithLock runs fn while holding key and always releases the lock
// afterwards, whatever fn returns.
func (g *Guard) WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) (err error) {
	lease, err := g.Acquire(ctx, key, ttl, wait)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}

// MarkOnce sets a marker that is never deleted on success; its ttl encodes
// "already done". It reports whether this call set it.
func (g *Guard) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, g.key("once", key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "mark %s", key)
	}
	return ok, nil
}

// DailyKey builds a marker key valid for the calendar day of now in UTC.
func DailyKey(scope, subject string, now time.Time) string {
	return scope + ":" + subject + ":" + now.UTC().Format("2006-01-02")
}

// UntilEndOfDay returns the ttl for a DailyKey marker set at now.
func UntilEndOfDay(now time.Time) time.Duration {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return end.Sub(now)
}

// IsDuplicate reports whether eventID was already marked seen.
func (g *Guard) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	n, err := g.rdb.Exists(ctx, g.key("seen", eventID)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "check %s", eventID)
	}
	return n > 0, nil
}

// MarkSeen records eventID for ttl. It reports whether this call was the
// first to mark it.
func (g *Guard) MarkSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, g.key("seen", eventID), "1", ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "mark seen %s", eventID)
	}
	return ok, nil
}

// Fingerprint derives a stable event id from immutable event fields for
// upstreams that do not send one.
func Fingerprint(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
