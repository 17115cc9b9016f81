// Package registry implements the concurrent claim job map: register-or-join
// deduplication, exactly-once terminal fan-out, and grace-period eviction.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rclaim/claimd/internal/claim"
)

// Outcome is the terminal snapshot delivered to every subscriber. Exactly one
// of Result and Failure is set.
type Outcome struct {
	Result  *claim.Result
	Failure *claim.Failure
}

// Job tracks one attempt to resolve a claim.Key to a terminal outcome. All
// mutable fields are guarded by the owning Registry's lock; only the engine
// task that won registration drives state forward.
type Job struct {
	ID  string
	Key claim.Key

	state       claim.State
	createdAt   time.Time
	completedAt time.Time
	outcome     Outcome
	subscribers []chan Outcome
}

// Registry is the keyed map from claim identity to job state. It owns the
// deduplication invariant: at most one live job per key at any instant.
type Registry struct {
	mu     sync.Mutex
	jobs   map[claim.Key]*Job
	grace  time.Duration
	clock  claim.Clock
	idGen  claim.IDGenerator
	logger *zap.Logger
}

// Config controls Registry behavior.
type Config struct {
	// GracePeriod is how long a terminal job stays cached for late joiners.
	GracePeriod time.Duration
}

const (
	defaultGracePeriod   = 2 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// New constructs a Registry.
func New(cfg Config, clock claim.Clock, idGen claim.IDGenerator, logger *zap.Logger) *Registry {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		jobs:   make(map[claim.Key]*Job),
		grace:  cfg.GracePeriod,
		clock:  clock,
		idGen:  idGen,
		logger: logger,
	}
}

// RegisterOrJoin atomically returns the live job for key, creating a Pending
// one if none exists. The second return value is true exactly when the caller
// created the job and is now responsible for driving it to completion.
//
// A terminal entry still inside its grace period counts as live: joiners get
// the cached outcome instead of triggering a second fetch.
func (r *Registry) RegisterOrJoin(key claim.Key) (*Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job, ok := r.jobs[key]; ok {
		return job, false, nil
	}
	id, err := r.idGen.NewID()
	if err != nil {
		return nil, false, err
	}
	job := &Job{
		ID:        id,
		Key:       key,
		state:     claim.StatePending,
		createdAt: r.clock.Now(),
	}
	r.jobs[key] = job
	return job, true, nil
}

// Subscribe returns a one-shot channel that receives the job's terminal
// outcome exactly once. Subscribing after the terminal transition delivers
// the cached outcome immediately; a subscriber never observes a stale
// pending state. The channel is buffered so delivery never blocks the job.
func (r *Registry) Subscribe(job *Job) <-chan Outcome {
	ch := make(chan Outcome, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.state.Terminal() {
		ch <- job.outcome
		return ch
	}
	job.subscribers = append(job.subscribers, ch)
	return ch
}

// MarkInFlight advances a Pending job to InFlight. Called once by the owner
// after it clears the outbound rate limiter.
func (r *Registry) MarkInFlight(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.state != claim.StatePending {
		r.logger.DPanic("mark in-flight on non-pending job",
			zap.String("job_id", job.ID),
			zap.String("state", string(job.state)),
		)
		return
	}
	job.state = claim.StateInFlight
}

// Complete transitions the job to Succeeded and notifies every subscriber.
func (r *Registry) Complete(job *Job, result *claim.Result) {
	r.finish(job, Outcome{Result: result})
}

// Fail transitions the job to Failed and notifies every subscriber.
func (r *Registry) Fail(job *Job, failure claim.Failure) {
	r.finish(job, Outcome{Failure: &failure})
}

// finish performs the terminal transition once. A second call for the same
// job is a programming error: DPanic aborts development builds and degrades
// to an error log in production, leaving the first outcome untouched.
func (r *Registry) finish(job *Job, outcome Outcome) {
	r.mu.Lock()
	if job.state.Terminal() {
		r.mu.Unlock()
		r.logger.DPanic("terminal transition on already-terminal job",
			zap.String("job_id", job.ID),
			zap.String("state", string(job.state)),
		)
		return
	}
	if outcome.Failure != nil {
		job.state = claim.StateFailed
	} else {
		job.state = claim.StateSucceeded
	}
	job.outcome = outcome
	job.completedAt = r.clock.Now()
	subs := job.subscribers
	job.subscribers = nil
	r.mu.Unlock()

	// Buffered one-shot channels: each send completes without blocking on
	// any individual consumer.
	for _, ch := range subs {
		ch <- outcome
	}
}

// Invalidate evicts a terminal cached entry so the next RegisterOrJoin for
// key starts a fresh job. Live jobs are never invalidated.
func (r *Registry) Invalidate(key claim.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[key]
	if !ok || !job.state.Terminal() {
		return false
	}
	delete(r.jobs, key)
	return true
}

// Sweep removes terminal entries whose grace period has elapsed and returns
// how many were evicted. Pending and InFlight entries are never removed
// regardless of age.
func (r *Registry) Sweep() int {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for key, job := range r.jobs {
		if !job.state.Terminal() {
			continue
		}
		if now.Sub(job.completedAt) >= r.grace {
			delete(r.jobs, key)
			evicted++
		}
	}
	return evicted
}

// RunSweeper blocks, sweeping on the configured interval until ctx finishes.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("swept terminal claim entries", zap.Int("evicted", n))
			}
		}
	}
}

// State returns the job's current state under the registry lock.
func (r *Registry) State(job *Job) claim.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return job.state
}

// OutcomeOf returns the terminal outcome and whether the job is terminal.
func (r *Registry) OutcomeOf(job *Job) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !job.state.Terminal() {
		return Outcome{}, false
	}
	return job.outcome, true
}

// Len reports the number of entries currently held, live or cached.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// CreatedAt exposes the job creation timestamp for latency accounting.
func (j *Job) CreatedAt() time.Time {
	return j.createdAt
}
