package hosting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBackoffIsolatesDifferentTokens(t *testing.T) {
	b := newTokenBackoff()
	now := time.Now()

	b.observe("token-a", now.Add(time.Minute))
	require.False(t, b.cooldownUntil("token-b").After(now))
	require.True(t, b.cooldownUntil("token-a").After(now))
}

func TestTokenBackoffOnlyExtendsForward(t *testing.T) {
	b := newTokenBackoff()
	now := time.Now()

	b.observe("token-a", now.Add(time.Minute))
	b.observe("token-a", now.Add(10*time.Second))
	require.Equal(t, now.Add(time.Minute), b.cooldownUntil("token-a"))

	b.observe("token-a", now.Add(time.Hour))
	require.Equal(t, now.Add(time.Hour), b.cooldownUntil("token-a"))
}

func TestTokenBackoffClear(t *testing.T) {
	b := newTokenBackoff()
	now := time.Now()
	b.observe("token-a", now.Add(time.Minute))
	b.clear("token-a")
	require.True(t, b.cooldownUntil("token-a").IsZero())
}

func TestQuotaFromHeaders(t *testing.T) {
	remaining, limit, ok := quotaFromHeaders(map[string]string{
		"x-ratelimit-remaining": "42",
		"x-ratelimit-limit":     "5000",
	})
	require.True(t, ok)
	require.Equal(t, 42, remaining)
	require.Equal(t, 5000, limit)

	_, _, ok = quotaFromHeaders(map[string]string{"x-ratelimit-remaining": "42"})
	require.False(t, ok)

	_, _, ok = quotaFromHeaders(map[string]string{
		"x-ratelimit-remaining": "not-a-number",
		"x-ratelimit-limit":     "5000",
	})
	require.False(t, ok)
}
