package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/rclaim/claimd/internal/progress"
)

func TestPrometheusSinkCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now().UTC()
	batch := []progress.Event{
		{JobID: "a", TS: now, Stage: progress.StageClaimCreated, Host: "example.com"},
		{JobID: "a", TS: now, Stage: progress.StageClaimJoined, Host: "example.com"},
		{JobID: "a", TS: now, Stage: progress.StageRetry, Host: "example.com", Attempt: 2},
		{JobID: "a", TS: now, Stage: progress.StageRetry, Host: "example.com", Attempt: 3},
		{JobID: "a", TS: now, Stage: progress.StageClaimDone, Host: "example.com", Dur: time.Second},
		{JobID: "b", TS: now, Stage: progress.StageClaimError, Host: "example.com", Kind: "claim_rejected"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsCreated))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsJoined))
	require.Equal(t, float64(2), testutil.ToFloat64(sink.retries.WithLabelValues("example.com")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("succeeded")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("claim_rejected")))
}

func TestPrometheusSinkDoubleRegisterFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
