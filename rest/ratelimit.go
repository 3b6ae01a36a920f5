package rest

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	csmap "github.com/mhmtszr/concurrent-swiss-map"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// Default global request ceiling for bot tokens.
const DefaultGlobalLimit = 50

// Headers discord uses to describe rate limits.
const (
	HeaderRateLimitBucket     = "X-RateLimit-Bucket"
	HeaderRateLimitLimit      = "X-RateLimit-Limit"
	HeaderRateLimitRemaining  = "X-RateLimit-Remaining"
	HeaderRateLimitReset      = "X-RateLimit-Reset"
	HeaderRateLimitResetAfter = "X-RateLimit-Reset-After"
	HeaderRateLimitGlobal     = "X-RateLimit-Global"
	HeaderRateLimitScope      = "X-RateLimit-Scope"
	HeaderRetryAfter          = "Retry-After"
)

// Bucket tracks the quota of one discord rate limit bucket.
type Bucket struct {
	Key string

	// Held from Acquire to Release. Waiting senders are served in arrival order.
	lock chan struct{}

	mu         sync.Mutex
	known      bool
	remaining  int32
	limit      int32
	resetAt    time.Time
	resetAfter time.Duration

	throttles *atomic.Int64
}

// BucketSnapshot is a consistent read of a bucket.
type BucketSnapshot struct {
	ResetAt    time.Time     `json:"reset_at"`
	Key        string        `json:"key"`
	ResetAfter time.Duration `json:"reset_after"`
	Throttles  int64         `json:"throttles"`
	Remaining  int32         `json:"remaining"`
	Limit      int32         `json:"limit"`
}

func newBucket(key string) *Bucket {
	return &Bucket{
		Key:       key,
		lock:      make(chan struct{}, 1),
		throttles: atomic.NewInt64(0),
	}
}

// acquire takes the bucket lock and waits until the bucket has quota.
// Once the reset has passed a single request is let through, and it holds
// the lock until its response refreshes the counters.
func (b *Bucket) acquire(ctx context.Context) error {
	select {
	case b.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		b.mu.Lock()
		wait := b.waitLocked(time.Now())
		b.mu.Unlock()

		if wait <= 0 {
			return nil
		}

		if err := sleepContext(ctx, wait); err != nil {
			b.unlock()

			return err
		}
	}
}

func (b *Bucket) waitLocked(now time.Time) time.Duration {
	if !b.known || b.remaining > 0 {
		return 0
	}

	return b.resetAt.Sub(now)
}

func (b *Bucket) unlock() {
	select {
	case <-b.lock:
	default:
	}
}

// update copies the rate limit headers into the bucket. A 429 overrides
// whatever the headers say with retryAfter.
func (b *Bucket) update(now time.Time, statusCode int, header http.Header, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit, ok := parseHeaderInt(header, HeaderRateLimitLimit); ok {
		b.limit = limit
		b.known = true
	}

	if remaining, ok := parseHeaderInt(header, HeaderRateLimitRemaining); ok {
		b.remaining = remaining
		b.known = true
	}

	if resetAfter, ok := parseHeaderSeconds(header, HeaderRateLimitResetAfter); ok {
		b.resetAfter = resetAfter
		b.resetAt = now.Add(resetAfter)
	} else if reset, ok := parseHeaderSeconds(header, HeaderRateLimitReset); ok {
		b.resetAt = time.Unix(0, int64(reset))
		b.resetAfter = b.resetAt.Sub(now)
	}

	if statusCode == http.StatusTooManyRequests {
		b.known = true
		b.remaining = 0
		b.resetAfter = retryAfter
		b.resetAt = now.Add(retryAfter)

		b.throttles.Inc()
	}
}

// Snapshot returns the current counters of the bucket.
func (b *Bucket) Snapshot() BucketSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BucketSnapshot{
		Key:        b.Key,
		Remaining:  b.remaining,
		Limit:      b.limit,
		ResetAt:    b.resetAt,
		ResetAfter: b.resetAfter,
		Throttles:  b.throttles.Load(),
	}
}

// GlobalRateState is the cross route request ceiling.
type GlobalRateState struct {
	limiter *rate.Limiter

	mu             sync.Mutex
	exhaustedUntil time.Time
}

// NewGlobalRateState allows perSecond requests a second across all routes.
func NewGlobalRateState(perSecond int) *GlobalRateState {
	if perSecond <= 0 {
		perSecond = DefaultGlobalLimit
	}

	return &GlobalRateState{
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

// Wait blocks until a request may be released under the global ceiling.
func (g *GlobalRateState) Wait(ctx context.Context) error {
	for {
		wait := time.Until(g.ExhaustedUntil())
		if wait <= 0 {
			break
		}

		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}

	return g.limiter.Wait(ctx)
}

// Exhaust blocks every route for d.
func (g *GlobalRateState) Exhaust(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if until := time.Now().Add(d); until.After(g.exhaustedUntil) {
		g.exhaustedUntil = until
	}
}

// ExhaustedUntil returns when the global ceiling next frees up.
func (g *GlobalRateState) ExhaustedUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.exhaustedUntil
}

// Permit is granted by Acquire and must be passed to Release exactly once.
type Permit struct {
	Route Route

	bucket     *Bucket
	acquiredAt time.Time
	released   *atomic.Bool
}

// Bucket returns the bucket key the permit was granted on, or an empty
// string if the route had no known bucket.
func (p *Permit) Bucket() string {
	if p.bucket == nil {
		return ""
	}

	return p.bucket.Key
}

// RateLimiter maps routes to buckets and gates requests on them.
type RateLimiter struct {
	Logger zerolog.Logger

	buckets *csmap.CsMap[string, *Bucket]

	// Route key to bucket hash, learned from X-RateLimit-Bucket.
	routes *csmap.CsMap[string, string]

	global *GlobalRateState
}

// NewRateLimiter creates a RateLimiter sharing the passed global state.
func NewRateLimiter(logger zerolog.Logger, global *GlobalRateState) *RateLimiter {
	if global == nil {
		global = NewGlobalRateState(DefaultGlobalLimit)
	}

	return &RateLimiter{
		Logger: logger,

		buckets: csmap.Create(
			csmap.WithSize[string, *Bucket](64),
		),
		routes: csmap.Create(
			csmap.WithSize[string, string](64),
		),

		global: global,
	}
}

// Global returns the global rate state.
func (rl *RateLimiter) Global() *GlobalRateState {
	return rl.global
}

// Acquire blocks until a request for route may be sent. Routes without a
// known bucket are only held by the global ceiling.
func (rl *RateLimiter) Acquire(ctx context.Context, route Route) (*Permit, error) {
	permit := &Permit{
		Route:    route,
		released: atomic.NewBool(false),
	}

	if hash, ok := rl.routes.Load(route.Key); ok {
		bucket := rl.loadBucket(bucketKey(hash, route.Major))

		if err := bucket.acquire(ctx); err != nil {
			return nil, err
		}

		permit.bucket = bucket
	}

	if err := rl.global.Wait(ctx); err != nil {
		if permit.bucket != nil {
			permit.bucket.unlock()
		}

		return nil, err
	}

	permit.acquiredAt = time.Now()

	return permit, nil
}

// Release updates bucket state from a response and frees the bucket for
// the next caller. A zero statusCode means no response was received.
func (rl *RateLimiter) Release(permit *Permit, statusCode int, header http.Header) {
	if permit == nil || !permit.released.CompareAndSwap(false, true) {
		return
	}

	if permit.bucket != nil {
		defer permit.bucket.unlock()
	}

	if statusCode == 0 {
		return
	}

	now := time.Now()
	route := permit.Route

	var retryAfter time.Duration

	if statusCode == http.StatusTooManyRequests {
		retryAfter = parseRetryAfter(header)

		if isGlobal(header) {
			rl.Logger.Warn().
				Str("route", route.Key).
				Dur("retryAfter", retryAfter).
				Msg("Hit global rate limit")

			rl.global.Exhaust(retryAfter)
			restThrottles.WithLabelValues("global").Inc()

			return
		}
	}

	bucket := permit.bucket

	hash := header.Get(HeaderRateLimitBucket)
	if hash == "" && statusCode == http.StatusTooManyRequests && bucket == nil {
		// Throttled before discord told us the bucket, keep it per route.
		hash = "route:" + route.Key
	}

	if hash != "" {
		if current, ok := rl.routes.Load(route.Key); !ok || current != hash {
			rl.routes.Store(route.Key, hash)

			rl.Logger.Trace().
				Str("route", route.Key).
				Str("bucket", hash).
				Msg("Assigned route to bucket")
		}

		key := bucketKey(hash, route.Major)
		if bucket == nil || bucket.Key != key {
			bucket = rl.loadBucket(key)
		}
	}

	if bucket == nil {
		return
	}

	bucket.update(now, statusCode, header, retryAfter)

	if statusCode == http.StatusTooManyRequests {
		rl.Logger.Warn().
			Str("route", route.Key).
			Str("bucket", bucket.Key).
			Dur("retryAfter", retryAfter).
			Msg("Hit bucket rate limit")

		restThrottles.WithLabelValues(bucket.Key).Inc()
	}
}

// BucketForRoute returns a snapshot of the bucket a route is assigned to.
func (rl *RateLimiter) BucketForRoute(route Route) (BucketSnapshot, bool) {
	hash, ok := rl.routes.Load(route.Key)
	if !ok {
		return BucketSnapshot{}, false
	}

	bucket, ok := rl.buckets.Load(bucketKey(hash, route.Major))
	if !ok {
		return BucketSnapshot{}, false
	}

	return bucket.Snapshot(), true
}

// Buckets returns snapshots of every known bucket.
func (rl *RateLimiter) Buckets() []BucketSnapshot {
	snapshots := make([]BucketSnapshot, 0, rl.buckets.Count())

	rl.buckets.Range(func(_ string, bucket *Bucket) bool {
		snapshots = append(snapshots, bucket.Snapshot())

		return false
	})

	return snapshots
}

func (rl *RateLimiter) loadBucket(key string) *Bucket {
	if bucket, ok := rl.buckets.Load(key); ok {
		return bucket
	}

	rl.buckets.SetIfAbsent(key, newBucket(key))

	bucket, _ := rl.buckets.Load(key)

	return bucket
}

func bucketKey(hash, major string) string {
	if major == "" {
		return hash
	}

	return hash + ":" + major
}

func isGlobal(header http.Header) bool {
	return header.Get(HeaderRateLimitGlobal) == "true" || header.Get(HeaderRateLimitScope) == "global"
}

func parseRetryAfter(header http.Header) time.Duration {
	if retryAfter, ok := parseHeaderSeconds(header, HeaderRetryAfter); ok {
		return retryAfter
	}

	if resetAfter, ok := parseHeaderSeconds(header, HeaderRateLimitResetAfter); ok {
		return resetAfter
	}

	return time.Second
}

func parseHeaderInt(header http.Header, key string) (int32, bool) {
	value := header.Get(key)
	if value == "" {
		return 0, false
	}

	i, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return 0, false
	}

	if i < 0 {
		i = 0
	}

	return int32(i), true
}

// parseHeaderSeconds parses a header holding fractional seconds.
func parseHeaderSeconds(header http.Header, key string) (time.Duration, bool) {
	value := header.Get(key)
	if value == "" {
		return 0, false
	}

	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, false
	}

	return time.Duration(seconds * float64(time.Second)), true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
