package retry

import "strings"

// defaultRetryableSubstrings mirrors spec.md §4.4's default classifier:
// an error is retryable if its message contains any of these
// (case-insensitive).
var defaultRetryableSubstrings = []string{
	"timeout",
	"connection",
	"network",
	"temporary",
	"rate limit",
	"service unavailable",
	"too many requests",
	"econnreset",
	"enotfound",
	"etimedout",
}

// nonRetryableSubstrings are always non-retryable regardless of the
// per-service extension list (spec.md §4.4: "Authentication, authorization,
// validation, not-found, and configuration errors are explicitly
// non-retryable.").
var nonRetryableSubstrings = []string{
	"unauthorized",
	"authentication",
	"forbidden",
	"validation",
	"invalid",
	"not found",
	"configuration",
}

// Classifier decides whether an error is worth retrying.
type Classifier struct {
	extra []string
}

// NewClassifier builds a Classifier with the default keyword set plus any
// service-specific additions.
func NewClassifier(extra ...string) *Classifier {
	return &Classifier{extra: extra}
}

// Retryable reports whether err should be retried.
func (c *Classifier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	for _, s := range nonRetryableSubstrings {
		if strings.Contains(msg, s) {
			return false
		}
	}
	for _, s := range defaultRetryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, s := range c.extra {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
