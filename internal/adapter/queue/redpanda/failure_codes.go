package redpanda

import "strings"

// classifyFailureCode maps a publish error message to a stable error code,
// used to label WorkQueuePublishErrorsTotal so the same taxonomy the HTTP
// API reports job failures under (SCHEMA_INVALID, UPSTREAM_TIMEOUT, ...) is
// visible on the producer side too.
func classifyFailureCode(msg string) string {
	// Defensive guard against empty messages.
	s := strings.ToLower(strings.TrimSpace(msg))
	if s == "" {
		return "INTERNAL"
	}

	switch {
	case strings.Contains(s, "schema invalid"),
		strings.Contains(s, "invalid json"),
		strings.Contains(s, "out of range"),
		strings.Contains(s, "empty"):
		return "SCHEMA_INVALID"
	case strings.Contains(s, "rate limit"):
		return "UPSTREAM_RATE_LIMIT"
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "deadline exceeded"):
		return "UPSTREAM_TIMEOUT"
	case strings.Contains(s, "not found"):
		return "NOT_FOUND"
	case strings.Contains(s, "invalid argument"),
		strings.Contains(s, "ids required"):
		return "INVALID_ARGUMENT"
	default:
		return "INTERNAL"
	}
}
