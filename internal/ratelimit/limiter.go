// Package ratelimit implements the two token-bucket quota domains: inbound
// admission protecting the service and outbound pacing protecting the target.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimitExceeded is returned when admission is denied: immediately for
// inbound checks, after the bounded wait budget for outbound waits.
var ErrLimitExceeded = fmt.Errorf("rate limit exceeded")

// InboundConfig controls per-connection admission.
type InboundConfig struct {
	RPS   float64
	Burst int
}

// Inbound hands out one token bucket per client connection. Callers reject
// fast on an empty bucket instead of queueing, keeping gateway latency flat
// under abuse.
type Inbound struct {
	cfg InboundConfig
}

// NewInbound creates an Inbound factory.
func NewInbound(cfg InboundConfig) *Inbound {
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &Inbound{cfg: cfg}
}

// ForConnection returns a fresh bucket scoped to one client connection.
func (i *Inbound) ForConnection() *ConnLimiter {
	return &ConnLimiter{limiter: rate.NewLimiter(rate.Limit(i.cfg.RPS), i.cfg.Burst)}
}

// ConnLimiter is the admission gate for a single connection.
type ConnLimiter struct {
	limiter *rate.Limiter
}

// Allow consumes a token if one is available. It never blocks.
func (c *ConnLimiter) Allow() bool {
	return c.limiter.Allow()
}

// HostOverride tunes the outbound bucket for one specific host.
type HostOverride struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// OutboundConfig controls per-host fetch pacing.
type OutboundConfig struct {
	RPS       float64
	Burst     int
	MaxWait   time.Duration
	Overrides map[string]HostOverride
}

// Outbound manages per-host token buckets for fetch traffic. Jobs are
// already committed once they reach the limiter, so callers wait (bounded)
// rather than reject; many distinct keys hitting one host share its bucket,
// which is what tames the thundering-herd case.
type Outbound struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      OutboundConfig
}

const defaultOutboundMaxWait = 30 * time.Second

// NewOutbound creates an Outbound limiter.
func NewOutbound(cfg OutboundConfig) *Outbound {
	if cfg.RPS <= 0 {
		cfg.RPS = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultOutboundMaxWait
	}
	return &Outbound{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

// Wait blocks until the host's bucket grants a token, up to the configured
// wait budget. Exhausting the budget returns ErrLimitExceeded so the job can
// fail instead of queueing forever.
func (o *Outbound) Wait(ctx context.Context, host string) (time.Duration, error) {
	limiter := o.limiterFor(host)

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.MaxWait)
	defer cancel()

	start := time.Now()
	if err := limiter.Wait(waitCtx); err != nil {
		// rate.Limiter.Wait fails fast when the required delay would
		// outlive waitCtx; it does not sit out the deadline. Whether it
		// failed fast or the deadline fired, a still-live parent context
		// means the wait budget ran out, not the caller.
		if ctx.Err() == nil {
			return time.Since(start), ErrLimitExceeded
		}
		return time.Since(start), fmt.Errorf("outbound rate wait: %w", err)
	}
	return time.Since(start), nil
}

func (o *Outbound) limiterFor(host string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limiter, ok := o.limiters[host]; ok {
		return limiter
	}
	rps, burst := o.cfg.RPS, o.cfg.Burst
	if ov, ok := o.cfg.Overrides[host]; ok {
		if ov.RPS > 0 {
			rps = ov.RPS
		}
		if ov.Burst > 0 {
			burst = ov.Burst
		}
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	o.limiters[host] = limiter
	return limiter
}
