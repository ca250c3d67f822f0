package connector

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/netplay-project/netplay/internal/config"
)

// Backoff computes the wait before each connect attempt. The first attempt
// is immediate; attempt n waits Initial*Multiplier^(n-2), capped at Max,
// then spread by ±Jitter (a fraction of the delay).
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	mu   sync.Mutex
	rand *rand.Rand
}

// BackoffFromConfig builds a backoff from the reconnect policy.
func BackoffFromConfig(rc config.ReconnectConfig) *Backoff {
	return &Backoff{
		Initial:    time.Duration(rc.InitialDelayMs) * time.Millisecond,
		Max:        time.Duration(rc.MaxDelayMs) * time.Millisecond,
		Multiplier: rc.Multiplier,
		Jitter:     rc.Jitter,
	}
}

// Delay returns the wait before attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 || b.Initial <= 0 {
		return 0
	}

	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-2))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}

	if b.Jitter > 0 {
		j := math.Min(b.Jitter, 1)
		d += d * j * (2*b.random() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (b *Backoff) random() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rand == nil {
		b.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return b.rand.Float64()
}
