package services

import "time"

// Backoff yields a doubling delay capped at max. The sequence never decreases.
type Backoff struct {
	next time.Duration
	max  time.Duration
}

func NewBackoff(initial, max time.Duration) *Backoff {
	if max < initial {
		max = initial
	}
	return &Backoff{next: initial, max: max}
}

// Next returns the current delay and doubles the following one.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}
