package sandwich

import (
	"time"
)

const (
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultReconnectStableAfter = 60 * time.Second
	DefaultReconnectMaxAttempts = 10
)

// Backoff is an exponential delay with a ceiling.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempts int
}

// NewBackoff creates a Backoff. Zero values fall back to the reconnect defaults.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultReconnectBaseDelay
	}

	if max < base {
		max = DefaultReconnectMaxDelay
	}

	return &Backoff{
		Base: base,
		Max:  max,
	}
}

// Next returns the delay before the next attempt and advances the backoff.
func (b *Backoff) Next() time.Duration {
	delay := b.Base

	for i := 0; i < b.attempts && delay < b.Max; i++ {
		delay *= 2
	}

	if delay > b.Max {
		delay = b.Max
	}

	b.attempts++

	return delay
}

// Attempts returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset returns the backoff to its base delay.
func (b *Backoff) Reset() {
	b.attempts = 0
}
