// Package classification defines the classified-error vocabulary shared by
// the retry executor, tiered error handler, and recovery components
// (spec.md §3 "Classified error", §4.5).
package classification

import (
	"fmt"
	"strings"
)

// Category names the kind of failure that occurred.
type Category string

const (
	Connection     Category = "CONNECTION"
	Validation     Category = "VALIDATION"
	Timeout        Category = "TIMEOUT"
	RateLimit      Category = "RATE_LIMIT"
	Authentication Category = "AUTHENTICATION"
	Exchange       Category = "EXCHANGE"
	Parsing        Category = "PARSING"
	StaleData      Category = "STALE_DATA"
	Unknown        Category = "UNKNOWN"
)

// Severity ranks how urgently a classified error needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is a typed, wrapped error carrying classification metadata,
// matching the teacher's client.ProviderError shape
// (internal/net/client/wrap.go): a concrete type with Unwrap so
// errors.As/errors.Is compose normally.
type Error struct {
	Category    Category
	Severity    Severity
	Recoverable bool
	Source      string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s[%s] from %s: %v", e.Category, e.Severity, e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with classification metadata.
func New(category Category, severity Severity, recoverable bool, source string, err error) *Error {
	return &Error{Category: category, Severity: severity, Recoverable: recoverable, Source: source, Err: err}
}

// Classify maps a raw error to a best-guess Category using substring
// heuristics like the retry classifier's (its own keyword lists), for components that
// need a Category rather than a boolean retryable verdict.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "unauthorized", "authentication", "forbidden", "api key"):
		return Authentication
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return RateLimit
	case containsAny(msg, "timeout", "deadline exceeded"):
		return Timeout
	case containsAny(msg, "connection", "network", "econnreset", "enotfound", "dial"):
		return Connection
	case containsAny(msg, "validation", "invalid", "malformed"):
		return Validation
	case containsAny(msg, "parse", "unmarshal", "decode"):
		return Parsing
	case containsAny(msg, "stale", "expired data"):
		return StaleData
	case containsAny(msg, "exchange", "symbol not found", "delisted"):
		return Exchange
	default:
		return Unknown
	}
}

// DefaultSeverity returns the baseline severity for a category, absent
// any source-specific escalation history (spec.md §4.5 "severity
// escalates with repeated failures from the same source").
func DefaultSeverity(c Category) Severity {
	switch c {
	case Authentication, StaleData:
		return SeverityCritical
	case Connection, Exchange:
		return SeverityHigh
	case Timeout, RateLimit:
		return SeverityMedium
	case Validation, Parsing:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func containsAny(s string, subs ...string) bool {
	low := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(low, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
