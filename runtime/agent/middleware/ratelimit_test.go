package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/hensu/runtime/agent"
)

func TestAllowRespectsBurst(t *testing.T) {
	l := NewRateLimiter(1, 2)
	require.True(t, l.Allow("m"))
	require.True(t, l.Allow("m"))
	require.False(t, l.Allow("m"), "burst of two exhausted")
	require.True(t, l.Allow("other"), "buckets are per model")
}

func TestWrapperLimitsExecute(t *testing.T) {
	l := NewRateLimiter(1000, 1)
	wrap := l.Wrapper()

	p := agent.NewStubProvider()
	inner, err := p.CreateAgent("w", agent.Config{Model: "m"}, nil)
	require.NoError(t, err)
	a := wrap("m", inner)
	require.Equal(t, "w", a.ID())

	resp, err := a.Execute(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.IsType(t, agent.TextResponse{}, resp)
}

func TestWaitHonorsCancellation(t *testing.T) {
	l := NewRateLimiter(0.0001, 1)
	require.True(t, l.Allow("m"), "drain the only token")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "m")
	require.Error(t, err)
}

func TestNewRateLimiterDefaults(t *testing.T) {
	l := NewRateLimiter(0, 0)
	require.True(t, l.Allow("m"))
	require.False(t, l.Allow("m"))
}
