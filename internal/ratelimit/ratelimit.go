// Package ratelimit caps the rate of ingest requests per transport.
package ratelimit

import (
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/florinutz/iceingest/metrics"
)

// Limiter is a token bucket shared by every ingest request on one
// transport. A nil *rate.Limiter inside admits everything.
type Limiter struct {
	limiter   *rate.Limiter
	transport string
	logger    *slog.Logger
}

// New returns a limiter admitting requestsPerSecond with the given burst.
// requestsPerSecond <= 0 disables limiting.
func New(requestsPerSecond float64, burst int, transport string, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		transport: transport,
		logger:    logger.With("component", "ratelimit", "transport", transport),
	}
	if requestsPerSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), max(burst, 1))
	}
	return l
}

// Allow takes a token if one is available. It never blocks: callers reject
// the request when it returns false.
func (l *Limiter) Allow() bool {
	if l.limiter == nil || l.limiter.Allow() {
		return true
	}
	metrics.RateLimited.WithLabelValues(l.transport).Inc()
	l.logger.Debug("request rate limited")
	return false
}

// RetryAfter is how long until the next token, rounded up to whole seconds
// and at least one, for a Retry-After header.
func (l *Limiter) RetryAfter() time.Duration {
	if l.limiter == nil {
		return 0
	}
	r := l.limiter.Reserve()
	defer r.Cancel()
	if !r.OK() {
		return time.Second
	}
	secs := math.Ceil(r.Delay().Seconds())
	return time.Duration(max(secs, 1)) * time.Second
}
