package client

import "time"

// Backoff doubles the delay after every consecutive failed attempt.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, MaxAttempts: 5}
}

// Delay returns the wait before retry attempt n, counting from 1.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return b.Base << (n - 1)
}

func (b Backoff) Exhausted(n int) bool {
	return n > b.MaxAttempts
}
