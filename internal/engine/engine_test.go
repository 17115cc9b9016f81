package engine

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rclaim/claimd/internal/claim"
	"github.com/rclaim/claimd/internal/clock/system"
	"github.com/rclaim/claimd/internal/ratelimit"
	"github.com/rclaim/claimd/internal/registry"
)

type fetchStep struct {
	doc *claim.Document
	err error
}

// scriptFetcher replays a fixed sequence of fetch outcomes; the last step
// repeats once the script runs out. gate, when set, blocks every fetch until
// released; started, when set, is closed as the first fetch begins.
type scriptFetcher struct {
	mu        sync.Mutex
	steps     []fetchStep
	calls     int
	gate      chan struct{}
	started   chan struct{}
	startOnce sync.Once
}

func (f *scriptFetcher) Fetch(ctx context.Context, target string) (*claim.Document, error) {
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, &claim.TransportError{Kind: claim.TransportTimeout, Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	step := f.steps[i]
	return step.doc, step.err
}

func (f *scriptFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubStrategy struct {
	result *claim.Result
	err    error
}

func (s *stubStrategy) Extract(*claim.Document) (*claim.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := *s.result
	return &out, nil
}

type stubSelector struct {
	strategy claim.Strategy
}

func (s *stubSelector) Select(string) (claim.Strategy, error) {
	return s.strategy, nil
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "job-" + strconv.Itoa(g.n), nil
}

func okDoc(target string) *claim.Document {
	return &claim.Document{
		URL:        target,
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       []byte("<html></html>"),
	}
}

func okResult(target string) *claim.Result {
	return &claim.Result{Target: target, Fields: map[string]string{"code": "ABC-123"}}
}

func timeoutErr() error {
	return &claim.TransportError{Kind: claim.TransportTimeout, Err: context.DeadlineExceeded}
}

func newTestEngine(t *testing.T, fetcher claim.Fetcher, strategy claim.Strategy, cfg Config, outbound *ratelimit.Outbound) *Engine {
	t.Helper()
	reg := registry.New(registry.Config{GracePeriod: time.Minute}, system.New(), &seqIDGen{}, zap.NewNop())
	if outbound == nil {
		outbound = ratelimit.NewOutbound(ratelimit.OutboundConfig{RPS: 1000, Burst: 100})
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = claim.Backoff{Base: time.Millisecond, Multiplier: 2, Max: 10 * time.Millisecond}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, reg, outbound, fetcher, &stubSelector{strategy: strategy}, nil, system.New(), cfg, zap.NewNop())
}

func waitOutcome(t *testing.T, ch <-chan registry.Outcome) registry.Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal outcome")
		return registry.Outcome{}
	}
}

func TestSubmitDeduplicatesConcurrentClaims(t *testing.T) {
	t.Parallel()

	const target = "https://shop.example.com/claim/abc"
	gate := make(chan struct{})
	fetcher := &scriptFetcher{steps: []fetchStep{{doc: okDoc(target)}}, gate: gate}
	eng := newTestEngine(t, fetcher, &stubStrategy{result: okResult(target)}, Config{}, nil)

	key, err := claim.NewKey(target, "")
	require.NoError(t, err)

	job1, owner1, err := eng.Submit(key)
	require.NoError(t, err)
	require.True(t, owner1)

	job2, owner2, err := eng.Submit(key)
	require.NoError(t, err)
	require.False(t, owner2, "second submit while live must join, not re-claim")
	require.Equal(t, job1.ID, job2.ID)

	ch1 := eng.Subscribe(job1)
	ch2 := eng.Subscribe(job2)
	close(gate)

	out1 := waitOutcome(t, ch1)
	out2 := waitOutcome(t, ch2)
	require.NotNil(t, out1.Result)
	require.NotNil(t, out2.Result)
	require.Equal(t, "ABC-123", out1.Result.Fields["code"])
	require.Equal(t, 1, fetcher.callCount(), "deduplicated claim must fetch exactly once")
}

func TestRetryCeilingExhaustsAttempts(t *testing.T) {
	t.Parallel()

	fetcher := &scriptFetcher{steps: []fetchStep{{err: timeoutErr()}}}
	eng := newTestEngine(t, fetcher, &stubStrategy{}, Config{MaxAttempts: 3}, nil)

	key, err := claim.NewKey("https://shop.example.com/claim/x", "")
	require.NoError(t, err)
	job, _, err := eng.Submit(key)
	require.NoError(t, err)

	out := waitOutcome(t, eng.Subscribe(job))
	require.NotNil(t, out.Failure)
	require.Equal(t, claim.FailTransport, out.Failure.Kind)
	require.Equal(t, 3, out.Failure.Attempts)
	require.Equal(t, 3, fetcher.callCount())
}

func TestTransientTimeoutsThenSuccess(t *testing.T) {
	t.Parallel()

	const target = "https://shop.example.com/claim/y"
	fetcher := &scriptFetcher{steps: []fetchStep{
		{err: timeoutErr()},
		{err: timeoutErr()},
		{err: timeoutErr()},
		{doc: okDoc(target)},
	}}
	eng := newTestEngine(t, fetcher, &stubStrategy{result: okResult(target)}, Config{MaxAttempts: 5}, nil)

	key, err := claim.NewKey(target, "")
	require.NoError(t, err)
	job, _, err := eng.Submit(key)
	require.NoError(t, err)

	out := waitOutcome(t, eng.Subscribe(job))
	require.Nil(t, out.Failure)
	require.NotNil(t, out.Result)
	require.Equal(t, 4, fetcher.callCount())
}

func TestRetryableStatusRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	const target = "https://shop.example.com/claim/z"
	unavailable := &claim.Document{
		URL:        target,
		StatusCode: http.StatusServiceUnavailable,
		Header:     http.Header{},
		Body:       []byte("try later"),
	}
	fetcher := &scriptFetcher{steps: []fetchStep{{doc: unavailable}, {doc: okDoc(target)}}}
	eng := newTestEngine(t, fetcher, &stubStrategy{result: okResult(target)}, Config{}, nil)

	key, err := claim.NewKey(target, "")
	require.NoError(t, err)
	job, _, err := eng.Submit(key)
	require.NoError(t, err)

	out := waitOutcome(t, eng.Subscribe(job))
	require.Nil(t, out.Failure)
	require.Equal(t, 2, fetcher.callCount())
}

func TestRetryAfterHintIsClampedAndHonored(t *testing.T) {
	t.Parallel()

	const target = "https://shop.example.com/claim/throttled"
	throttled := &claim.Document{
		URL:        target,
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": {"1"}},
		Body:       []byte("slow down"),
	}
	fetcher := &scriptFetcher{steps: []fetchStep{{doc: throttled}, {doc: okDoc(target)}}}
	eng := newTestEngine(t, fetcher, &stubStrategy{result: okResult(target)}, Config{}, nil)

	key, err := claim.NewKey(target, "")
	require.NoError(t, err)
	job, _, err := eng.Submit(key)
	require.NoError(t, err)

	start := time.Now()
	out := waitOutcome(t, eng.Subscribe(job))
	require.Nil(t, out.Failure)
	require.Equal(t, 2, fetcher.callCount())
	// The 1s server hint is clamped to the 10ms backoff ceiling, so the job
	// finishes well before the hint would have allowed.
	require.Less(t, time.Since(start), time.Second)
}

func TestRejectedClaimDoesNotRetry(t *testing.T) {
	t.Parallel()

	const target = "https://shop.example.com/claim/used"
	fetcher := &scriptFetcher{steps: []fetchStep{{doc: okDoc(target)}}}
	strategy := &stubStrategy{err: &claim.RejectedError{Reason: "already claimed"}}
	eng := newTestEngine(t, fetcher, strategy, Config{MaxAttempts: 5}, nil)

	key, err := claim.NewKey(target, "")
	require.NoError(t, err)
	job, _, err := eng.Submit(key)
	require.NoError(t, err)

	out := waitOutcome(t, eng.Subscribe(job))
	require.NotNil(t, out.Failure)
	require.Equal(t, claim.FailRejected, out.Failure.Kind)
	require.Equal(t, 1, fetcher.callCount(), "a definitive rejection must not burn retries")
}

func TestOutboundExhaustionFailsRateLimited(t *testing.T) {
	t.Parallel()

	outbound := ratelimit.NewOutbound(ratelimit.OutboundConfig{
		RPS:     0.01,
		Burst:   1,
		MaxWait: 20 * time.Millisecond,
	})
	gate := make(chan struct{})
	started := make(chan struct{})
	fetcher := &scriptFetcher{
		steps:   []fetchStep{{doc: okDoc("https://slow.example.com/a")}},
		gate:    gate,
		started: started,
	}
	eng := newTestEngine(t, fetcher, &stubStrategy{result: okResult("https://slow.example.com/a")}, Config{}, outbound)

	// First job takes the only token for the host. Submit returns before the
	// drive goroutine runs, so wait for its fetch to begin: only then is the
	// token provably held.
	key1, err := claim.NewKey("https://slow.example.com/a", "")
	require.NoError(t, err)
	job1, _, err := eng.Submit(key1)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first job never reached its fetch")
	}

	// Second job against the same host cannot get a token within the wait
	// budget and must fail fast instead of queueing forever.
	key2, err := claim.NewKey("https://slow.example.com/b", "")
	require.NoError(t, err)
	job2, _, err := eng.Submit(key2)
	require.NoError(t, err)

	out2 := waitOutcome(t, eng.Subscribe(job2))
	require.NotNil(t, out2.Failure)
	require.Equal(t, claim.FailRateLimited, out2.Failure.Kind)

	close(gate)
	out1 := waitOutcome(t, eng.Subscribe(job1))
	require.NotNil(t, out1.Result)
}
