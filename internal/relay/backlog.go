package relay

import (
	"sync"
	"sync/atomic"

	"github.com/xtxerr/trucklog/config"
)

// Level represents how far the relay has fallen behind capture.
type Level int

const (
	// LevelNormal - backlog is small.
	LevelNormal Level = iota

	// LevelWarning - backlog is growing, the relay drains back to back.
	LevelWarning

	// LevelCritical - backlog is large; the collector is likely unreachable.
	LevelCritical

	// LevelEmergency - backlog is close to the configured capacity.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// BacklogConfig sets the backlog thresholds as fractions of Capacity.
type BacklogConfig struct {
	Capacity   int64
	Warning    float64
	Critical   float64
	Emergency  float64
	Hysteresis float64
}

// DefaultBacklogConfig returns the default thresholds.
func DefaultBacklogConfig() BacklogConfig {
	return BacklogConfig{
		Capacity:   config.DefaultBacklogCapacity,
		Warning:    config.DefaultBacklogWarning,
		Critical:   config.DefaultBacklogCritical,
		Emergency:  config.DefaultBacklogEmergency,
		Hysteresis: config.DefaultBacklogHysteresis,
	}
}

// Backlog tracks the pending row count and derives a Level from it.
//
// Rising levels apply at once. A level is only left downwards once usage
// falls below its threshold minus the hysteresis, so a backlog hovering at
// a threshold does not flap.
type Backlog struct {
	mu sync.Mutex

	config BacklogConfig

	level     atomic.Int32
	lastLevel Level
	pending   int64

	levelChanges int64

	onLevelChange func(old, new Level)
}

// NewBacklog creates a backlog tracker.
func NewBacklog(cfg BacklogConfig) *Backlog {
	if cfg.Capacity <= 0 {
		cfg = DefaultBacklogConfig()
	}
	return &Backlog{config: cfg}
}

// SetOnLevelChange sets the callback for level changes.
func (b *Backlog) SetOnLevelChange(fn func(old, new Level)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onLevelChange = fn
}

// Update records the current pending count and returns the resulting level.
func (b *Backlog) Update(pending int64) Level {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = pending
	usage := float64(pending) / float64(b.config.Capacity)

	newLevel := b.determineLevel(usage)
	if newLevel != b.lastLevel {
		b.setLevel(newLevel)
	}
	return newLevel
}

// determineLevel determines the level for usage given the current level.
func (b *Backlog) determineLevel(usage float64) Level {
	thresholds := []float64{0, b.config.Warning, b.config.Critical, b.config.Emergency}

	// Highest level whose threshold is reached.
	raw := LevelNormal
	for l := LevelEmergency; l > LevelNormal; l-- {
		if usage >= thresholds[l] {
			raw = l
			break
		}
	}

	if raw >= b.lastLevel {
		return raw
	}

	// Going down: step below each level only past its hysteresis band.
	level := b.lastLevel
	for level > raw && usage < thresholds[level]-b.config.Hysteresis {
		level--
	}
	return level
}

// setLevel updates the current level and fires the callback.
func (b *Backlog) setLevel(newLevel Level) {
	oldLevel := b.lastLevel
	b.lastLevel = newLevel
	b.level.Store(int32(newLevel))
	b.levelChanges++

	if b.onLevelChange != nil {
		b.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current level.
func (b *Backlog) CurrentLevel() Level {
	return Level(b.level.Load())
}

// ShouldDrain returns true if the relay should run cycles back to back.
func (b *Backlog) ShouldDrain() bool {
	return b.CurrentLevel() >= LevelWarning
}

// BacklogStats holds backlog statistics.
type BacklogStats struct {
	CurrentLevel Level
	Pending      int64
	Usage        float64
	LevelChanges int64
}

// Stats returns current statistics.
func (b *Backlog) Stats() BacklogStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BacklogStats{
		CurrentLevel: b.lastLevel,
		Pending:      b.pending,
		Usage:        float64(b.pending) / float64(b.config.Capacity),
		LevelChanges: b.levelChanges,
	}
}
