package claim

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewKeyNormalizes(t *testing.T) {
	t.Parallel()

	a, err := NewKey("HTTPS://Example.COM/claim/abc#frag", "acct-1")
	require.NoError(t, err)
	b, err := NewKey("https://example.com/claim/abc", "acct-1")
	require.NoError(t, err)
	require.Equal(t, a, b)

	other, err := NewKey("https://example.com/claim/abc", "acct-2")
	require.NoError(t, err)
	require.NotEqual(t, a, other)

	require.Equal(t, "example.com", a.Host())
}

func TestNewKeyRejectsBadTargets(t *testing.T) {
	t.Parallel()

	for _, target := range []string{"", "ftp://example.com/x", "/relative/only", "https://"} {
		if _, err := NewKey(target, ""); err == nil {
			t.Fatalf("expected error for target %q", target)
		}
	}
}

func TestTransportErrorRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  TransportError
		want bool
	}{
		{TransportError{Kind: TransportTimeout, Err: errors.New("deadline")}, true},
		{TransportError{Kind: TransportConnectionFailed, Err: errors.New("refused")}, true},
		{TransportError{Kind: TransportHTTPStatus, StatusCode: 503}, true},
		{TransportError{Kind: TransportHTTPStatus, StatusCode: 429}, true},
		{TransportError{Kind: TransportHTTPStatus, StatusCode: 404}, false},
		{TransportError{Kind: TransportHTTPStatus, StatusCode: 403}, false},
	}
	for _, tc := range cases {
		if got := tc.err.Retryable(); got != tc.want {
			t.Fatalf("Retryable() = %v for %v, want %v", got, tc.err, tc.want)
		}
	}
}

func TestFailureForTaxonomy(t *testing.T) {
	t.Parallel()

	f := FailureFor(&TransportError{Kind: TransportTimeout, Err: errors.New("deadline")}, 5)
	require.Equal(t, FailTransport, f.Kind)
	require.Equal(t, 5, f.Attempts)

	f = FailureFor(&ParseError{Kind: ParseSelectorMissing, Detail: "no .claim-code"}, 1)
	require.Equal(t, FailParse, f.Kind)

	f = FailureFor(&RejectedError{Reason: "already claimed"}, 1)
	require.Equal(t, FailRejected, f.Kind)
	require.Equal(t, "already claimed", f.Detail)
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: 100 * time.Millisecond, Multiplier: 2, Max: 450 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, b.Duration(1))
	require.Equal(t, 200*time.Millisecond, b.Duration(2))
	require.Equal(t, 400*time.Millisecond, b.Duration(3))
	// Capped at Max from the fourth retry on.
	require.Equal(t, 450*time.Millisecond, b.Duration(4))
	require.Equal(t, 450*time.Millisecond, b.Duration(10))
}

func TestBackoffNextHonorsHint(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: 100 * time.Millisecond, Multiplier: 2, Max: 5 * time.Second}
	require.Equal(t, 2*time.Second, b.Next(1, 2*time.Second))
	// Hint shorter than the schedule does not shortcut the schedule.
	require.Equal(t, 200*time.Millisecond, b.Next(2, 50*time.Millisecond))
	// Hint beyond Max is clamped.
	require.Equal(t, 5*time.Second, b.Next(1, time.Hour))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	h := http.Header{}
	require.Equal(t, time.Duration(0), ParseRetryAfter(h, now))

	h.Set("Retry-After", "7")
	require.Equal(t, 7*time.Second, ParseRetryAfter(h, now))

	h.Set("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat))
	require.Equal(t, 30*time.Second, ParseRetryAfter(h, now))

	h.Set("Retry-After", "garbage")
	require.Equal(t, time.Duration(0), ParseRetryAfter(h, now))
}
