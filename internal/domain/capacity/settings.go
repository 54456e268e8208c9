package capacity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Default monitor configuration.
const (
	DefaultWarning  = 80.0
	DefaultCritical = 95.0
	DefaultInterval = 30 * time.Second

	// criticalGap is how far critical is raised above warning when a caller
	// sets warning >= critical.
	criticalGap = 5.0
)

// Thresholds are occupancy percentages at which the WARNING and CRITICAL
// alert classes engage.
type Thresholds struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// Normalize clamps both thresholds to [0,100] and, when warning is not
// below critical, raises critical to warning+5. A critical threshold above
// 100 is never reached.
func (t Thresholds) Normalize() Thresholds {
	t.Warning = clampPercent(t.Warning)
	t.Critical = clampPercent(t.Critical)
	if t.Warning >= t.Critical {
		t.Critical = t.Warning + criticalGap
	}
	return t
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// Settings configure a Monitor.
type Settings struct {
	Thresholds
	Interval   time.Duration
	SoundAlert bool
	Enabled    bool
}

func DefaultSettings() Settings {
	return Settings{
		Thresholds: Thresholds{Warning: DefaultWarning, Critical: DefaultCritical},
		Interval:   DefaultInterval,
		SoundAlert: false,
		Enabled:    true,
	}
}

// Normalize fixes the thresholds and replaces a non-positive interval with
// the default.
func (s Settings) Normalize() Settings {
	s.Thresholds = s.Thresholds.Normalize()
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	return s
}

type settingsJSON struct {
	Warning    float64 `json:"warning"`
	Critical   float64 `json:"critical"`
	Interval   string  `json:"interval"`
	SoundAlert bool    `json:"sound_alert"`
	Enabled    bool    `json:"enabled"`
}

func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(settingsJSON{
		Warning:    s.Warning,
		Critical:   s.Critical,
		Interval:   s.Interval.String(),
		SoundAlert: s.SoundAlert,
		Enabled:    s.Enabled,
	})
}

// UnmarshalJSON accepts the interval as a Go duration string ("45s") or as a
// number of seconds.
func (s *Settings) UnmarshalJSON(b []byte) error {
	var raw struct {
		settingsJSON
		Interval json.RawMessage `json:"interval"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Warning = raw.Warning
	s.Critical = raw.Critical
	s.SoundAlert = raw.SoundAlert
	s.Enabled = raw.Enabled
	s.Interval = 0
	if len(raw.Interval) == 0 || string(raw.Interval) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(raw.Interval, &str); err == nil {
		d, err := time.ParseDuration(str)
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		s.Interval = d
		return nil
	}
	var secs float64
	if err := json.Unmarshal(raw.Interval, &secs); err != nil {
		return fmt.Errorf("interval: %w", err)
	}
	s.Interval = time.Duration(secs * float64(time.Second))
	return nil
}

// SettingsStore persists monitor settings. Settings are read when the
// monitor starts and when they are explicitly reconfigured.
type SettingsStore interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

// StaticSettings keeps settings in memory, seeded from configuration.
type StaticSettings struct {
	mu sync.RWMutex
	s  Settings
}

func NewStaticSettings(s Settings) *StaticSettings {
	return &StaticSettings{s: s.Normalize()}
}

func (st *StaticSettings) Load(_ context.Context) (Settings, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s, nil
}

func (st *StaticSettings) Save(_ context.Context, s Settings) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s = s.Normalize()
	return nil
}

// SettingsKey is the Redis hash holding persisted settings.
const SettingsKey = "ward:capacity:settings"

// RedisSettings stores settings in a Redis hash. Fields missing from the
// hash fall back to the configured defaults.
type RedisSettings struct {
	client   *goredis.Client
	key      string
	defaults Settings
}

func NewRedisSettings(client *goredis.Client, defaults Settings) *RedisSettings {
	return &RedisSettings{client: client, key: SettingsKey, defaults: defaults.Normalize()}
}

func (r *RedisSettings) Load(ctx context.Context) (Settings, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return r.defaults, fmt.Errorf("load capacity settings: %w", err)
	}
	s := r.defaults
	if v, ok := fields["warning"]; ok {
		if s.Warning, err = strconv.ParseFloat(v, 64); err != nil {
			return r.defaults, fmt.Errorf("warning: %w", err)
		}
	}
	if v, ok := fields["critical"]; ok {
		if s.Critical, err = strconv.ParseFloat(v, 64); err != nil {
			return r.defaults, fmt.Errorf("critical: %w", err)
		}
	}
	if v, ok := fields["interval"]; ok {
		if s.Interval, err = time.ParseDuration(v); err != nil {
			return r.defaults, fmt.Errorf("interval: %w", err)
		}
	}
	if v, ok := fields["sound_alert"]; ok {
		if s.SoundAlert, err = strconv.ParseBool(v); err != nil {
			return r.defaults, fmt.Errorf("sound_alert: %w", err)
		}
	}
	if v, ok := fields["enabled"]; ok {
		if s.Enabled, err = strconv.ParseBool(v); err != nil {
			return r.defaults, fmt.Errorf("enabled: %w", err)
		}
	}
	return s.Normalize(), nil
}

func (r *RedisSettings) Save(ctx context.Context, s Settings) error {
	s = s.Normalize()
	err := r.client.HSet(ctx, r.key,
		"warning", strconv.FormatFloat(s.Warning, 'f', -1, 64),
		"critical", strconv.FormatFloat(s.Critical, 'f', -1, 64),
		"interval", s.Interval.String(),
		"sound_alert", strconv.FormatBool(s.SoundAlert),
		"enabled", strconv.FormatBool(s.Enabled),
	).Err()
	if err != nil {
		return fmt.Errorf("save capacity settings: %w", err)
	}
	return nil
}
