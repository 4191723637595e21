package stratum

import (
	"math"
	"time"
)

// VardiffConfig tunes per-worker difficulty retargeting.
type VardiffConfig struct {
	Enabled          bool
	TargetShareTime  time.Duration
	RetargetInterval time.Duration
	MinDifficulty    float64
	MaxDifficulty    float64
}

// DefaultVardiffConfig returns a disabled vardiff with pool defaults.
func DefaultVardiffConfig() VardiffConfig {
	return VardiffConfig{
		Enabled:          false,
		TargetShareTime:  15 * time.Second,
		RetargetInterval: 90 * time.Second,
		MinDifficulty:    1,
		MaxDifficulty:    1 << 40,
	}
}

const (
	// retargets move at most this factor per step in either direction
	maxRetargetStep = 2.0
	// changes smaller than this fraction are ignored
	retargetHysteresis = 0.1
)

// vardiff tracks accepted shares over a window.
type vardiff struct {
	cfg         VardiffConfig
	windowStart time.Time
	shares      int
}

func newVardiff(cfg VardiffConfig, now time.Time) *vardiff {
	return &vardiff{cfg: cfg, windowStart: now}
}

// observe records an accepted share and returns a new difficulty when the
// window has elapsed and the share rate is off target.
func (v *vardiff) observe(now time.Time, current float64) (float64, bool) {
	if !v.cfg.Enabled {
		return current, false
	}

	v.shares++
	elapsed := now.Sub(v.windowStart)
	if elapsed < v.cfg.RetargetInterval || v.cfg.TargetShareTime <= 0 {
		return current, false
	}

	avg := elapsed / time.Duration(v.shares)
	v.windowStart, v.shares = now, 0

	ratio := v.cfg.TargetShareTime.Seconds() / avg.Seconds()
	ratio = math.Min(math.Max(ratio, 1/maxRetargetStep), maxRetargetStep)

	next := clampDifficulty(current*ratio, v.cfg.MinDifficulty, v.cfg.MaxDifficulty)
	if math.Abs(next-current)/current < retargetHysteresis {
		return current, false
	}
	return next, true
}

func clampDifficulty(d, lo, hi float64) float64 {
	if lo > 0 && d < lo {
		d = lo
	}
	if hi > 0 && d > hi {
		d = hi
	}
	return d
}
