// Package progress defines the structured events emitted by the claim engine
// and gateway, and the hub that fans them out to observability sinks.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event records.
type Stage string

// Supported claim lifecycle stages.
const (
	StageClaimCreated Stage = "CLAIM_CREATED"
	StageClaimJoined  Stage = "CLAIM_JOINED"
	StageRetry        Stage = "CLAIM_RETRY"
	StageRateLimited  Stage = "RATE_LIMITED"
	StageClaimDone    Stage = "CLAIM_DONE"
	StageClaimError   Stage = "CLAIM_ERROR"
)

// Event captures one claim lifecycle milestone.
type Event struct {
	// JobID correlates events of one job run.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage is the milestone kind.
	Stage Stage
	// Host scopes the event to the claim target's hostname.
	Host string
	// Attempt is the 1-based fetch attempt, zero when not applicable.
	Attempt int
	// Kind carries the failure taxonomy for CLAIM_ERROR events.
	Kind string
	// Dur captures latency: fetch duration, limiter delay, or job wall time.
	Dur time.Duration
	// Note attaches low-volume context such as error text.
	Note string
}

// Validate performs coarse validation before an event enters the hub.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageClaimCreated, StageClaimJoined, StageRateLimited, StageClaimDone:
	case StageRetry:
		if e.Attempt < 1 {
			return errors.New("retry requires an attempt number")
		}
	case StageClaimError:
		if e.Kind == "" {
			return errors.New("claim error requires a failure kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
