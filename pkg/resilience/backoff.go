package resilience

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes exponential delays with optional jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter adds up to Jitter*delay on top of each step (0 disables).
	Jitter float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewBackoff(initial, max time.Duration, jitter float64) *Backoff {
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	if max <= 0 || max < initial {
		max = 8 * initial
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Backoff{
		Initial: initial,
		Max:     max,
		Jitter:  jitter,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before the given zero-based retry attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt)))
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	if b.Jitter == 0 {
		return d
	}
	b.mu.Lock()
	j := time.Duration(float64(d) * b.Jitter * b.rnd.Float64())
	b.mu.Unlock()
	return d + j
}
