// Package ratelimit implements fixed-window request limiting on Redis plus
// the advisory lock used to keep sweep runs single-flight.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stencilworks/tally/internal/config"
	obsmetrics "github.com/stencilworks/tally/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyWindow = "rl:%s:%s"

// fixedWindowScript counts the request and reports the window state in one
// round trip. The first hit of a window arms the expiry; denied requests are
// still counted.
const fixedWindowScript = `
local cap = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], window)
end

local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], window)
  ttl = window
end

local allowed = 0
if count <= cap then
  allowed = 1
end

return {allowed, count, ttl}
`

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// ErrLimiterUnavailable is returned for security-sensitive buckets when the
// backend cannot be reached. Those buckets fail closed.
var ErrLimiterUnavailable = errors.New("rate_limiter_unavailable")

type Limiter struct {
	client  *redis.Client
	script  *redis.Script
	buckets map[string]config.RateLimitBucket
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

type Params struct {
	fx.In

	Client  *redis.Client
	Cfg     config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewLimiter(p Params) *Limiter {
	buckets := make(map[string]config.RateLimitBucket, len(p.Cfg.RateLimits))
	for _, b := range p.Cfg.RateLimits {
		buckets[b.Name] = b
	}
	return &Limiter{
		client:  p.Client,
		script:  redis.NewScript(fixedWindowScript),
		buckets: buckets,
		log:     p.Log.Named("ratelimit"),
		metrics: p.Metrics,
	}
}

// Allow counts one request for identity against the named bucket. When the
// backend is unreachable, ordinary buckets admit the request and record the
// degradation; security-sensitive buckets reject it.
func (l *Limiter) Allow(ctx context.Context, bucket, identity string) (Result, error) {
	cfg, ok := l.buckets[bucket]
	if !ok {
		l.log.Warn("unknown rate limit bucket", zap.String("bucket", bucket))
		return Result{Allowed: true}, nil
	}

	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = "anonymous"
	}

	key := fmt.Sprintf(keyWindow, cfg.Name, identity)
	res, err := l.script.Run(
		ctx,
		l.client,
		[]string{key},
		cfg.Cap,
		cfg.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return l.failMode(cfg, err)
	}
	if len(res) < 3 {
		return l.failMode(cfg, errors.New("unexpected script response"))
	}

	allowed := res[0] == 1
	count := int(res[1])
	retryAfter := time.Duration(res[2]) * time.Millisecond

	remaining := cfg.Cap - count
	if remaining < 0 {
		remaining = 0
	}

	if !allowed {
		l.metrics.IncRateLimitDrop(cfg.Name)
		l.log.Info("rate limit exceeded",
			zap.String("bucket", cfg.Name),
			zap.String("identity", identity),
			zap.Int("count", count),
			zap.Int("cap", cfg.Cap),
		)
	}

	return Result{
		Allowed:    allowed,
		Limit:      cfg.Cap,
		Remaining:  remaining,
		RetryAfter: retryAfter,
	}, nil
}

func (l *Limiter) failMode(cfg config.RateLimitBucket, cause error) (Result, error) {
	if cfg.SecuritySensitive {
		l.log.Error("rate limiter backend unavailable, failing closed",
			zap.String("bucket", cfg.Name),
			zap.Error(cause),
		)
		return Result{Allowed: false, Limit: cfg.Cap}, ErrLimiterUnavailable
	}

	l.metrics.IncRateLimitFailOpen()
	l.log.Warn("rate limiter backend unavailable, failing open",
		zap.String("bucket", cfg.Name),
		zap.Error(cause),
	)
	return Result{Allowed: true, Limit: cfg.Cap}, nil
}
