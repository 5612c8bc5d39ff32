package rtclient

import (
	"math"
	"time"
)

// Backoff is a bounded exponential reconnection policy
type Backoff struct {
	Initial    time.Duration `env:"RT_BACKOFF_INITIAL" envDefault:"500ms"`
	Multiplier float64       `env:"RT_BACKOFF_MULTIPLIER" envDefault:"2"`
	Max        time.Duration `env:"RT_BACKOFF_MAX" envDefault:"30s"`
	MaxRetries int           `env:"RT_BACKOFF_MAX_RETRIES" envDefault:"10"`
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    500 * time.Millisecond,
		Multiplier: 2,
		Max:        30 * time.Second,
		MaxRetries: 10,
	}
}

// Delay returns the wait before reconnect attempt n (starting at 1): Initial * Multiplier^(n-1), capped at Max
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
