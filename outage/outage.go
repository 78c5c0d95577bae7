// Package outage guesses whether the service is down from a stream of
// connection results. Several failures close together, with no success in
// between, count as an outage; the first success ends it.
package outage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultThreshold = 3
	DefaultWindow    = time.Minute
)

// Detector implements channel.OutageDetector.
type Detector struct {
	threshold int
	window    time.Duration
	onChange  func(outage bool)
	log       zerolog.Logger
	now       func() time.Time

	detected atomic.Bool

	mu       sync.Mutex
	failures []time.Time
}

// Option tweaks a Detector.
type Option func(*Detector)

// WithThreshold sets how many failures within the window mean an outage.
func WithThreshold(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.threshold = n
		}
	}
}

// WithWindow sets how far back failures count.
func WithWindow(w time.Duration) Option {
	return func(d *Detector) {
		if w > 0 {
			d.window = w
		}
	}
}

// OnChange is called, outside the detector's lock, whenever the verdict flips.
func OnChange(fn func(outage bool)) Option {
	return func(d *Detector) { d.onChange = fn }
}

// New creates a detector that reports no outage.
func New(log zerolog.Logger, opts ...Option) *Detector {
	d := &Detector{
		threshold: DefaultThreshold,
		window:    DefaultWindow,
		log:       log.With().Str("component", "outage").Logger(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// IsOutageDetected is safe from any goroutine.
func (d *Detector) IsOutageDetected() bool {
	return d.detected.Load()
}

func (d *Detector) ReportConnectionSuccess() {
	d.mu.Lock()
	d.failures = d.failures[:0]
	d.mu.Unlock()
	d.set(false)
}

func (d *Detector) ReportConnectionFailure() {
	now := d.now()
	cutoff := now.Add(-d.window)

	d.mu.Lock()
	kept := d.failures[:0]
	for _, t := range d.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.failures = append(kept, now)
	n := len(d.failures)
	d.mu.Unlock()

	if n >= d.threshold {
		d.set(true)
	}
}

func (d *Detector) set(outage bool) {
	if d.detected.Swap(outage) == outage {
		return
	}
	if outage {
		d.log.Warn().Msg("outage detected")
	} else {
		d.log.Info().Msg("outage over")
	}
	if d.onChange != nil {
		d.onChange(outage)
	}
}
