// Package engine orchestrates the life of one claim job: register-or-join,
// rate-limit, fetch, parse, retry, publish, clean up.
package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rclaim/claimd/internal/claim"
	"github.com/rclaim/claimd/internal/progress"
	"github.com/rclaim/claimd/internal/ratelimit"
	"github.com/rclaim/claimd/internal/registry"
)

// StrategySelector picks the extraction strategy for a target host.
type StrategySelector interface {
	Select(host string) (claim.Strategy, error)
}

// Config controls retry discipline.
type Config struct {
	// MaxAttempts is the fetch attempt ceiling per job, including the first.
	MaxAttempts int
	// Backoff schedules the delay between attempts.
	Backoff claim.Backoff
}

// Engine owns the per-job state machine. Each job is driven by exactly one
// goroutine, spawned for the caller that wins registration; joiners only
// subscribe. Jobs run to a terminal state regardless of subscriber departures.
type Engine struct {
	registry   *registry.Registry
	outbound   *ratelimit.Outbound
	fetcher    claim.Fetcher
	strategies StrategySelector
	hub        *progress.Hub
	clock      claim.Clock
	logger     *zap.Logger
	cfg        Config

	// baseCtx bounds job lifetimes to the process, never to any caller.
	baseCtx context.Context
}

// New constructs an Engine. ctx bounds all job execution; pass the process
// context so in-flight jobs terminate on shutdown.
func New(
	ctx context.Context,
	reg *registry.Registry,
	outbound *ratelimit.Outbound,
	fetcher claim.Fetcher,
	strategies StrategySelector,
	hub *progress.Hub,
	clock claim.Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry:   reg,
		outbound:   outbound,
		fetcher:    fetcher,
		strategies: strategies,
		hub:        hub,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
		baseCtx:    ctx,
	}
}

// Submit registers or joins the job for key. The winner's job is driven in
// the background; the caller subscribes via the registry either way.
func (e *Engine) Submit(key claim.Key) (*registry.Job, bool, error) {
	job, isOwner, err := e.registry.RegisterOrJoin(key)
	if err != nil {
		return nil, false, err
	}
	if isOwner {
		e.emit(progress.Event{JobID: job.ID, Stage: progress.StageClaimCreated, Host: key.Host()})
		go e.drive(job)
	} else {
		e.emit(progress.Event{JobID: job.ID, Stage: progress.StageClaimJoined, Host: key.Host()})
	}
	return job, isOwner, nil
}

// Subscribe returns the one-shot terminal channel for job.
func (e *Engine) Subscribe(job *registry.Job) <-chan registry.Outcome {
	return e.registry.Subscribe(job)
}

// Invalidate evicts a cached terminal entry so the next Submit re-claims.
func (e *Engine) Invalidate(key claim.Key) bool {
	return e.registry.Invalidate(key)
}

// drive runs one job to its terminal state. It is the single writer for the
// job's registry entry.
func (e *Engine) drive(job *registry.Job) {
	host := job.Key.Host()

	delay, err := e.outbound.Wait(e.baseCtx, host)
	if delay > time.Millisecond {
		e.emit(progress.Event{JobID: job.ID, Stage: progress.StageRateLimited, Host: host, Dur: delay})
	}
	if err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			e.fail(job, claim.Failure{
				Kind:   claim.FailRateLimited,
				Detail: "outbound wait budget exhausted",
			})
			return
		}
		e.fail(job, claim.Failure{
			Kind:   claim.FailTransport,
			Detail: "outbound wait aborted: " + err.Error(),
		})
		return
	}

	e.registry.MarkInFlight(job)

	result, runErr := e.runAttempts(job, host)
	if runErr != nil {
		e.fail(job, claim.FailureFor(runErr.err, runErr.attempts))
		return
	}
	e.complete(job, result)
}

type attemptFailure struct {
	err      error
	attempts int
}

// runAttempts executes fetch attempts up to the ceiling, applying backoff
// between retryable failures, then hands the final document to extraction.
func (e *Engine) runAttempts(job *registry.Job, host string) (*claim.Result, *attemptFailure) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		doc, err := e.fetcher.Fetch(e.baseCtx, job.Key.Target)
		if err != nil {
			lastErr = err
			var te *claim.TransportError
			if errors.As(err, &te) && te.Retryable() && attempt < e.cfg.MaxAttempts {
				if !e.backoff(job, host, attempt, 0) {
					return nil, &attemptFailure{err: lastErr, attempts: attempt}
				}
				continue
			}
			return nil, &attemptFailure{err: lastErr, attempts: attempt}
		}

		if retryableStatus(doc.StatusCode) {
			hint := claim.ParseRetryAfter(doc.Header, e.clock.Now())
			lastErr = &claim.TransportError{
				Kind:       claim.TransportHTTPStatus,
				StatusCode: doc.StatusCode,
				RetryAfter: hint,
			}
			if attempt < e.cfg.MaxAttempts {
				if !e.backoff(job, host, attempt, hint) {
					return nil, &attemptFailure{err: lastErr, attempts: attempt}
				}
				continue
			}
			return nil, &attemptFailure{err: lastErr, attempts: attempt}
		}

		// Successful fetch or a non-retryable status: both are pages the
		// strategy must judge. A "claim already used" page often arrives
		// with a 2xx status.
		result, extractErr := e.extract(host, doc)
		if extractErr != nil {
			return nil, &attemptFailure{err: extractErr, attempts: attempt}
		}
		return result, nil
	}
	return nil, &attemptFailure{err: lastErr, attempts: e.cfg.MaxAttempts}
}

func (e *Engine) extract(host string, doc *claim.Document) (*claim.Result, error) {
	strategy, err := e.strategies.Select(host)
	if err != nil {
		return nil, &claim.ParseError{Kind: claim.ParseUnexpectedSchema, Detail: err.Error()}
	}
	result, err := strategy.Extract(doc)
	if err != nil {
		return nil, err
	}
	result.FetchedAt = e.clock.Now()
	return result, nil
}

// backoff emits a retry progress event and sleeps the scheduled delay.
// Returns false when the process is shutting down.
func (e *Engine) backoff(job *registry.Job, host string, attempt int, hint time.Duration) bool {
	delay := e.cfg.Backoff.Next(attempt, hint)
	e.emit(progress.Event{
		JobID:   job.ID,
		Stage:   progress.StageRetry,
		Host:    host,
		Attempt: attempt + 1,
		Dur:     delay,
	})
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-e.baseCtx.Done():
		return false
	}
}

func (e *Engine) complete(job *registry.Job, result *claim.Result) {
	e.registry.Complete(job, result)
	e.emit(progress.Event{
		JobID: job.ID,
		Stage: progress.StageClaimDone,
		Host:  job.Key.Host(),
		Dur:   e.clock.Now().Sub(job.CreatedAt()),
	})
	e.logger.Info("claim succeeded",
		zap.String("job_id", job.ID),
		zap.String("target", job.Key.Target),
	)
}

func (e *Engine) fail(job *registry.Job, failure claim.Failure) {
	e.registry.Fail(job, failure)
	e.emit(progress.Event{
		JobID: job.ID,
		Stage: progress.StageClaimError,
		Host:  job.Key.Host(),
		Kind:  string(failure.Kind),
		Note:  failure.Detail,
		Dur:   e.clock.Now().Sub(job.CreatedAt()),
	})
	e.logger.Warn("claim failed",
		zap.String("job_id", job.ID),
		zap.String("target", job.Key.Target),
		zap.String("kind", string(failure.Kind)),
		zap.Int("attempts", failure.Attempts),
		zap.String("detail", failure.Detail),
	)
}

func (e *Engine) emit(evt progress.Event) {
	if e.hub == nil {
		return
	}
	evt.TS = e.clock.Now()
	e.hub.Emit(evt)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}
