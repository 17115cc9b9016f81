package claim

import (
	"net/http"
	"strconv"
	"time"
)

// Backoff computes retry delays as a pure function of the attempt number,
// independent of whatever primitive the caller sleeps on.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// Duration returns the delay before retry number attempt (1-based: the delay
// taken after the first failed attempt is Duration(1)).
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	out := time.Duration(d)
	if b.Max > 0 && out > b.Max {
		return b.Max
	}
	return out
}

// Next picks the delay before the given retry, letting a server-supplied
// Retry-After hint override the schedule. Hints are clamped to Max so a
// hostile target cannot park a job indefinitely.
func (b Backoff) Next(attempt int, hint time.Duration) time.Duration {
	d := b.Duration(attempt)
	if hint <= 0 {
		return d
	}
	if b.Max > 0 && hint > b.Max {
		return b.Max
	}
	if hint > d {
		return hint
	}
	return d
}

// ParseRetryAfter reads a Retry-After response header, accepting both the
// delta-seconds and HTTP-date forms. Zero means no usable hint.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
