package gateway

import "time"

// Message types spoken over the websocket, both directions.
const (
	msgWelcome     = "welcome"
	msgClaim       = "claim"
	msgAck         = "ack"
	msgProgress    = "progress"
	msgResult      = "result"
	msgInvalidate  = "invalidate"
	msgInvalidated = "invalidated"
	msgError       = "error"
)

// clientMessage is everything a client may send.
type clientMessage struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
	Scope  string `json:"scope,omitempty"`
}

// welcomeMessage greets a freshly authenticated connection.
type welcomeMessage struct {
	Type       string    `json:"type"`
	ServerTime time.Time `json:"server_time"`
}

// ackMessage confirms a claim request and reports whether the caller won
// registration or joined a job already in flight.
type ackMessage struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Target string `json:"target"`
	Joined bool   `json:"joined"`
}

// progressMessage relays an intermediate job event to watching clients.
type progressMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	Stage   string `json:"stage"`
	Attempt int    `json:"attempt,omitempty"`
	DelayMs int64  `json:"delay_ms,omitempty"`
}

// resultMessage is the single terminal message for a job. Exactly one of
// the success fields or the failure fields is populated.
type resultMessage struct {
	Type      string            `json:"type"`
	JobID     string            `json:"job_id"`
	Status    string            `json:"status"`
	Target    string            `json:"target,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	FetchedAt *time.Time        `json:"fetched_at,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Attempts  int               `json:"attempts,omitempty"`
}

// invalidatedMessage reports whether an eviction request found a cached entry.
type invalidatedMessage struct {
	Type    string `json:"type"`
	Target  string `json:"target"`
	Evicted bool   `json:"evicted"`
}

// errorMessage reports a per-request problem without closing the connection.
type errorMessage struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

const (
	errCodeBadRequest  = "bad_request"
	errCodeRateLimited = "rate_limited"
	errCodeInternal    = "internal"
)
