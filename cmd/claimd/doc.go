// Package main hosts the claim coordination service entrypoint.
//
// Architecture overview:
//   - Gateway: internal/gateway exposes /healthz, /readyz, /metrics, and the authenticated /ws endpoint. Clients
//     present a shared secret (websocket subprotocol or X-Claim-Token header) before the upgrade; each connection
//     carries its own inbound token bucket so one chatty client cannot starve the rest.
//   - Registry: internal/registry is the single source of truth for live jobs. Registration is atomic: the first
//     claim for a key wins ownership and every concurrent or later claim joins the same job. Terminal outcomes stay
//     cached for a grace period so stragglers get the result without a second fetch; a background sweeper evicts
//     expired entries and never touches jobs still in flight.
//   - Engine: internal/engine drives each job's state machine in its own goroutine, decoupled from any client
//     connection. Fetches go through the per-host outbound limiter with a bounded wait, then retry on timeouts,
//     connection failures, 5xx and 429 (honoring Retry-After) under an attempt ceiling with exponential backoff.
//     Every other page goes to extraction, where selector strategies produce fields or a typed failure.
//   - Fetch & extract: internal/fetch wraps a Colly collector so error-status pages keep their bodies for parsing;
//     internal/extract runs goquery selector strategies per host with rejection markers for already-spent claims.
//   - Observability: progress events flow through a buffered hub to sinks: structured zap logs, Prometheus
//     counters/histograms, and the websocket handler itself so watching clients see retries in realtime.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging. The service
//     keeps all job state in memory and reacts to SIGTERM with a graceful HTTP drain.
//
// Operational notes:
//   - Exactly-once delivery: every subscriber holds a one-shot buffered channel; the registry publishes a job's
//     terminal outcome exactly once per subscriber, and double-finish attempts are logged loudly and ignored.
//   - Rate limiting: inbound limits reject immediately over the websocket; outbound limits queue jobs up to
//     outbound.max_wait_seconds and then fail them as rate_limited rather than blocking forever.
//   - Client disconnects never cancel jobs; a job runs to its terminal state once registered.
//
// Quick checklist:
//   - Configure env vars: CLAIMD_AUTH_TOKEN (required), CLAIMD_SERVER_PORT, CLAIMD_OUTBOUND_RPS,
//     CLAIMD_RETRY_MAX_ATTEMPTS, CLAIMD_REGISTRY_GRACE_SECONDS, plus per-host target selectors via a config file.
//   - Run locally: go run ./cmd/claimd -config config.yaml (or rely solely on env overrides).
package main
