// Package retry paces loops that never give up, like stream
// reconnects. Bounded per-call retries against venue REST APIs are the
// failsafe policies in pkg/http; this is only the delay progression.
package retry

import (
	"math/rand"
	"time"
)

// Backoff yields jittered, exponentially growing delays. Not safe for
// concurrent use; each loop owns its own.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	current time.Duration
}

// Next returns the delay before the coming attempt and doubles the one
// after, capped at Max. Jitter of up to half the delay spreads
// simultaneous reconnects apart.
func (b *Backoff) Next() time.Duration {
	if b.current <= 0 {
		b.current = b.Initial
	}
	delay := b.current
	if half := int64(delay / 2); half > 0 {
		delay += time.Duration(rand.Int63n(half + 1))
	}
	b.current = min(b.current*2, b.Max)
	return delay
}

// Reset restarts the progression, typically after a healthy session.
func (b *Backoff) Reset() {
	b.current = 0
}
