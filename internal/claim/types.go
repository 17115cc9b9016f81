// Package claim defines core types shared across subsystems.
package claim

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Key identifies one logical claim target. Two requests with equal Keys are
// deduplicated onto the same job. Immutable once constructed.
type Key struct {
	// Target is the normalized claim URL.
	Target string
	// Scope is an opaque caller-supplied label (account or session) that
	// partitions claims against the same URL.
	Scope string
}

// NewKey normalizes target and builds a Key. Scheme and host are lowercased
// and the fragment is stripped so equivalent spellings collide.
func NewKey(target, scope string) (Key, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Key{}, errors.New("claim target is required")
	}
	u, err := url.Parse(target)
	if err != nil {
		return Key{}, fmt.Errorf("parse claim target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Key{}, fmt.Errorf("unsupported claim target scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Key{}, errors.New("claim target host is required")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return Key{Target: u.String(), Scope: strings.TrimSpace(scope)}, nil
}

// Host returns the hostname portion of the target, used for outbound
// rate-limit bucketing and strategy selection.
func (k Key) Host() string {
	u, err := url.Parse(k.Target)
	if err != nil {
		return "unknown"
	}
	return u.Hostname()
}

func (k Key) String() string {
	if k.Scope == "" {
		return k.Target
	}
	return k.Target + "#" + k.Scope
}

// State represents the lifecycle state of a claim job. Transitions are
// one-directional: Pending -> InFlight -> Succeeded or Failed.
type State string

// Job state values.
const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Result is the structured payload extracted from a successfully claimed page.
type Result struct {
	Target    string            `json:"target"`
	Fields    map[string]string `json:"fields"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// Document is one fetched HTTP response, fed unmodified to extraction.
type Document struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher performs a single HTTP GET. It returns a Document whenever a
// response was received, including non-2xx statuses; errors are reserved for
// transport faults (timeout, connection failure). Retry is the caller's job.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Document, error)
}

// Strategy turns a fetched document into a Result. Implementations must be
// pure over the document bytes: no network access, deterministic output.
type Strategy interface {
	Extract(doc *Document) (*Result, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints process-unique job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
