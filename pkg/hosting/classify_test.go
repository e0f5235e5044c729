package hosting

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyStatusFamilies(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		status  int
		headers map[string]string
		body    string
		want    respKind
	}{
		{"ok", 200, nil, "", kindOK},
		{"not found", 404, nil, "", kindNotFound},
		{"conflict 409", 409, nil, "", kindConflict},
		{"conflict 412", 412, nil, "", kindConflict},
		{"auth 401", 401, nil, `{"message":"Bad credentials"}`, kindAuth},
		{"auth 403 plain", 403, nil, `{"message":"Forbidden"}`, kindAuth},
		{"secondary limit via 403", 403, nil, `{"message":"You have exceeded a secondary rate limit"}`, kindRateLimit},
		{"explicit 429", 429, map[string]string{"x-ratelimit-reset": "1767225600"}, "", kindRateLimit},
		{"server error", 503, nil, "", kindTransient},
		{"teapot", 418, nil, "", kindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.status, tc.headers, []byte(tc.body), now)
			require.Equal(t, tc.want, got.kind)
		})
	}
}

func TestClassifyRateLimitResumeAtFromHeader(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reset := now.Add(5 * time.Minute).Unix()
	got := classify(429, map[string]string{"x-ratelimit-reset": strconv.FormatInt(reset, 10)}, nil, now)
	require.Equal(t, kindRateLimit, got.kind)
	require.WithinDuration(t, now.Add(5*time.Minute), got.resumeAt, time.Second)
}

func TestClassifyRateLimitResumeAtFromRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := classify(429, map[string]string{"retry-after": "30"}, nil, now)
	require.Equal(t, kindRateLimit, got.kind)
	require.Equal(t, now.Add(30*time.Second), got.resumeAt)
}
