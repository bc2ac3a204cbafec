package widget

import (
	"context"
	"time"
)

// Silence detection defaults.
const (
	DefaultActivityLevel  Level = 15
	DefaultSilenceLevel   Level = 10
	DefaultSilenceHold          = 1500 * time.Millisecond
	DefaultSampleInterval       = 100 * time.Millisecond
)

// SilenceConfig tunes a [SilenceDetector]. Zero fields take defaults.
type SilenceConfig struct {
	// ActivityLevel is the level above which the user is speaking.
	ActivityLevel Level

	// SilenceLevel is the level below which the room counts as quiet.
	SilenceLevel Level

	// Hold is how long it must stay quiet after speech.
	Hold time.Duration

	// SampleInterval is how often Watch samples the latest level.
	SampleInterval time.Duration
}

func (c SilenceConfig) withDefaults() SilenceConfig {
	if c.ActivityLevel == 0 {
		c.ActivityLevel = DefaultActivityLevel
	}
	if c.SilenceLevel == 0 {
		c.SilenceLevel = DefaultSilenceLevel
	}
	if c.Hold <= 0 {
		c.Hold = DefaultSilenceHold
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	return c
}

// SilenceState is the latch position of a [SilenceDetector].
type SilenceState int

const (
	NotYetSpoken SilenceState = iota
	Spoken
)

// String returns a snake_case state name.
func (s SilenceState) String() string {
	if s == Spoken {
		return "spoken"
	}
	return "not_yet_spoken"
}

// SilenceDetector tells when the user finished talking. It only arms once
// speech has been heard, so a quiet or noisy room before the user starts
// never ends the capture. It is not safe for concurrent use.
type SilenceDetector struct {
	cfg        SilenceConfig
	state      SilenceState
	quietSince time.Time
}

// NewSilenceDetector returns a detector in [NotYetSpoken].
func NewSilenceDetector(cfg SilenceConfig) *SilenceDetector {
	return &SilenceDetector{cfg: cfg.withDefaults()}
}

// State returns the latch position.
func (d *SilenceDetector) State() SilenceState { return d.state }

// Reset returns to [NotYetSpoken].
func (d *SilenceDetector) Reset() {
	d.state = NotYetSpoken
	d.quietSince = time.Time{}
}

// Sample feeds the level observed at now and reports whether the user has
// been quiet for Hold after speaking.
func (d *SilenceDetector) Sample(level Level, now time.Time) bool {
	switch {
	case level > d.cfg.ActivityLevel:
		d.state = Spoken
		d.quietSince = time.Time{}
		return false
	case d.state == NotYetSpoken:
		return false
	case level >= d.cfg.SilenceLevel:
		d.quietSince = time.Time{}
		return false
	}
	if d.quietSince.IsZero() {
		d.quietSince = now
	}
	return now.Sub(d.quietSince) >= d.cfg.Hold
}

// Watch samples the latest level from levels every SampleInterval and
// closes the returned channel once silence after speech is detected. The
// level stream is drained as fast as it arrives; only the newest value is
// sampled. Watch gives up silently when ctx is done or levels is closed.
func (d *SilenceDetector) Watch(ctx context.Context, levels <-chan Level) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(d.cfg.SampleInterval)
		defer ticker.Stop()
		var latest Level
		for {
			select {
			case <-ctx.Done():
				return
			case l, ok := <-levels:
				if !ok {
					return
				}
				latest = l
			case now := <-ticker.C:
				if d.Sample(latest, now) {
					close(done)
					return
				}
			}
		}
	}()
	return done
}
