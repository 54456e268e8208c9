// Package capacity samples hospital-wide unit occupancy on an interval and
// raises WARNING and CRITICAL alerts once per excursion above the configured
// thresholds.
package capacity

import "strings"

// Level is the alert class of an occupancy ratio.
type Level string

const (
	LevelNone     Level = "NONE"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Rank orders levels for metrics: NONE=0, WARNING=1, CRITICAL=2.
func (l Level) Rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	}
	return 0
}

func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(LevelWarning):
		return LevelWarning
	case string(LevelCritical):
		return LevelCritical
	}
	return LevelNone
}

// Latch holds the per-class hysteresis state. Each class fires once when the
// ratio enters its band. A WARNING fire re-arms CRITICAL, so a climb back
// into the critical band alerts again; dropping below the warning threshold
// clears both classes.
//
// The zero value is ready to use. Latch is not safe for concurrent use.
type Latch struct {
	warning  bool
	critical bool
}

// Observe classifies ratio against th and returns the current level and the
// level that fired on this observation (LevelNone when nothing fired).
// Entering CRITICAL leaves the WARNING latch alone, so a descent into the
// warning band after a critical excursion fires WARNING.
func (l *Latch) Observe(ratio float64, th Thresholds) (level, fired Level) {
	switch {
	case ratio >= th.Critical:
		fired = LevelNone
		if !l.critical {
			fired = LevelCritical
			l.critical = true
		}
		return LevelCritical, fired
	case ratio >= th.Warning:
		fired = LevelNone
		if !l.warning {
			fired = LevelWarning
			l.warning = true
			l.critical = false
		}
		return LevelWarning, fired
	default:
		l.Reset()
		return LevelNone, LevelNone
	}
}

func (l *Latch) Reset() {
	l.warning = false
	l.critical = false
}

// Latched reports which classes are currently latched.
func (l *Latch) Latched() (warning, critical bool) {
	return l.warning, l.critical
}
