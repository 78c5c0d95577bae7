package channel

import (
	"math"
	"math/rand"
	"time"

	"github.com/risa-org/chatmux/config"
)

// NextBackoffDelay returns the reconnect delay before the given attempt
// (1-based). With jitter the delay is scaled by a factor in [0.5, 1.5),
// so MaxDelay caps the average rather than every sample.
func NextBackoffDelay(cfg config.Backoff, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 1.0
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// failureTracker counts consecutive socket failures. The first failure
// reconnects immediately; only a quiet period of twice the cap forgets the
// streak. A successful connect does not, so a server that accepts and then
// drops every connection still backs off.
type failureTracker struct {
	count int
	last  time.Time
	rng   *rand.Rand
}

func newFailureTracker() failureTracker {
	return failureTracker{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (f *failureTracker) next(now time.Time, cfg config.Backoff) time.Duration {
	if !f.last.IsZero() && cfg.MaxDelay > 0 && now.Sub(f.last) > 2*cfg.MaxDelay {
		f.count = 0
	}
	f.last = now
	f.count++
	if f.count == 1 {
		return 0
	}
	return NextBackoffDelay(cfg, f.count-1, f.rng)
}
