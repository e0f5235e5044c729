package hosting

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// secondaryLimitPhrases are substrings GitHub's secondary rate-limit bodies
// are known to contain.
var secondaryLimitPhrases = []string{
	"you have exceeded a secondary rate limit",
	"secondary rate limit",
	"you have exceeded",
	"abuse detection mechanism",
}

// classification is the outcome of inspecting one HTTP response.
type classification struct {
	kind       respKind
	resumeAt   time.Time
	retryAfter time.Duration
	message    string
}

type respKind string

const (
	kindOK        respKind = "ok"
	kindRateLimit respKind = "rate_limit"
	kindAuth      respKind = "auth"
	kindNotFound  respKind = "not_found"
	kindConflict  respKind = "conflict"
	kindTransient respKind = "transient"
	kindUnknown   respKind = "unknown"
)

// classify turns a status code, header set, and body into a classification
// the rerr taxonomy. headers are looked up case-insensitively by the caller.
func classify(status int, headers map[string]string, body []byte, now time.Time) classification {
	bodyText := strings.ToLower(string(body))

	switch {
	case status == 429:
		return classification{kind: kindRateLimit, resumeAt: resumeAtFromHeaders(headers, bodyText, now), message: "rate limited"}

	case status == 401 || status == 403:
		if looksLikeSecondaryLimit(bodyText) {
			return classification{kind: kindRateLimit, resumeAt: resumeAtFromHeaders(headers, bodyText, now), message: "secondary rate limit"}
		}
		return classification{kind: kindAuth, message: "authentication or authorization failure"}

	case status == 404:
		return classification{kind: kindNotFound, message: "not found"}

	case status == 409 || status == 412:
		return classification{kind: kindConflict, message: "conflict"}

	case status >= 200 && status < 300:
		return classification{kind: kindOK}

	case status >= 500:
		return classification{kind: kindTransient, message: "server error"}

	default:
		return classification{kind: kindUnknown, message: "unclassified status " + strconv.Itoa(status)}
	}
}

func looksLikeSecondaryLimit(bodyText string) bool {
	for _, phrase := range secondaryLimitPhrases {
		if strings.Contains(bodyText, phrase) {
			return true
		}
	}
	return false
}

// resumeAtFromHeaders computes the instant a request may safely retry,
// preferring the x-ratelimit-reset header and falling back to a timestamp
// embedded in a secondary-limit message body.
func resumeAtFromHeaders(headers map[string]string, bodyText string, now time.Time) time.Time {
	if reset, ok := headers["x-ratelimit-reset"]; ok {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
			return time.Unix(epoch, 0)
		}
	}
	if retryAfter, ok := headers["retry-after"]; ok {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			return now.Add(time.Duration(secs) * time.Second)
		}
	}
	if ts := extractEmbeddedTimestamp(bodyText); !ts.IsZero() {
		return ts
	}
	return now.Add(time.Minute)
}

// extractEmbeddedTimestamp looks for a "retry_after"-shaped field in a JSON
// body using gjson, without requiring a full struct decode of bodies whose
// shape varies by endpoint.
func extractEmbeddedTimestamp(bodyText string) time.Time {
	for _, path := range []string{"retry_after", "reset_at", "documentation_url"} {
		result := gjson.Get(bodyText, path)
		if !result.Exists() {
			continue
		}
		if result.Type == gjson.Number {
			return time.Unix(result.Int(), 0)
		}
	}
	return time.Time{}
}
