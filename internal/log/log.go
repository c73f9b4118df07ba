// Package log wires the module's zerolog logger and the rate-limited
// warning helper used to keep sustained-incident log volume bounded
// (spec.md §7 "Rate-limited logging").
package log

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"golang.org/x/time/rate"
)

// base is the process-wide logger, returned by Base and replaced by
// SetBase. Library packages derive component loggers from it with For;
// a logger obtained from For keeps the base that was current at the call,
// so a later SetBase does not reach loggers held in package variables.
var base = defaultLogger()

func defaultLogger() zerolog.Logger {
	var w zerolog.ConsoleWriter
	w.Out = os.Stderr
	w.TimeFormat = time.Kitchen
	w.NoColor = !term.IsTerminal(int(os.Stderr.Fd()))
	return zerolog.New(w).With().Timestamp().Logger()
}

// Base returns the process-wide logger.
func Base() zerolog.Logger { return base }

// SetBase overrides the process-wide logger, used by cmd/ to set the
// configured level and by tests to capture output.
func SetBase(l zerolog.Logger) { base = l }

// For returns a child logger tagged with the given component name.
func For(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// Limiter emits at most one log line per key per cooldown window,
// collapsing "circuit opened", "retry scheduled" and similar warnings
// during a sustained incident into a single line every cooldown period
// instead of flooding the log (spec.md §7).
type Limiter struct {
	mu       sync.Mutex
	cooldown time.Duration
	sometime map[string]*rate.Sometimes
}

// NewLimiter builds a rate-limited warning gate with the given cooldown.
func NewLimiter(cooldown time.Duration) *Limiter {
	return &Limiter{
		cooldown: cooldown,
		sometime: make(map[string]*rate.Sometimes),
	}
}

// Allow reports whether the caller should actually emit the log line for
// the given key right now. It is safe for concurrent use.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	s, ok := l.sometime[key]
	if !ok {
		s = &rate.Sometimes{Interval: l.cooldown}
		l.sometime[key] = s
	}
	l.mu.Unlock()

	allowed := false
	s.Do(func() { allowed = true })
	return allowed
}
