package capacity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/admissions/internal/domain/ward"
)

// Counter reports aggregate unit counts. ward.Store satisfies it.
type Counter interface {
	CountUnits(ctx context.Context) (ward.UnitCounts, error)
}

// EventKind distinguishes routine samples from alerts.
type EventKind string

const (
	KindSample EventKind = "sample"
	KindAlert  EventKind = "alert"
)

// Snapshot is one occupancy measurement.
type Snapshot struct {
	Counts       ward.UnitCounts `json:"counts"`
	RatioPercent float64         `json:"ratio_percent"`
	Level        Level           `json:"level"`
	Fired        Level           `json:"fired"`
	Thresholds   Thresholds      `json:"thresholds"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Event is published by the monitor. Events are values; receivers never
// share state with the sampler.
type Event struct {
	Kind     EventKind `json:"kind"`
	Snapshot Snapshot  `json:"snapshot"`
}

const defaultEventBuffer = 64

// Monitor samples occupancy on an interval and emits events.
type Monitor struct {
	counter Counter
	store   SettingsStore
	logger  zerolog.Logger
	events  chan Event
	now     func() time.Time

	mu       sync.Mutex
	settings Settings
	parent   context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	// sampleMu serializes latch access between the loop and SampleOnce.
	sampleMu sync.Mutex
	latch    Latch

	current  atomic.Pointer[Snapshot]
	dropped  atomic.Uint64
	failures atomic.Uint64
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithSettingsStore makes Start load settings from store.
func WithSettingsStore(store SettingsStore) MonitorOption {
	return func(m *Monitor) { m.store = store }
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.events = make(chan Event, n)
		}
	}
}

func WithLogger(logger zerolog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

func NewMonitor(counter Counter, settings Settings, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		counter:  counter,
		logger:   zerolog.Nop(),
		events:   make(chan Event, defaultEventBuffer),
		now:      time.Now,
		settings: settings.Normalize(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events is the channel the dispatcher drains. It is never closed.
func (m *Monitor) Events() <-chan Event { return m.events }

func (m *Monitor) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Running reports whether the sampling loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Current returns the last snapshot taken, if any.
func (m *Monitor) Current() (Snapshot, bool) {
	s := m.current.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

// Dropped returns how many events were discarded because the channel was full.
func (m *Monitor) Dropped() uint64 { return m.dropped.Load() }

// Failures returns how many samples failed to read the counts.
func (m *Monitor) Failures() uint64 { return m.failures.Load() }

// Start loads settings from the store (if any) and begins sampling under
// ctx. Latches are reset and a first sample is taken immediately. Start is a
// no-op when monitoring is disabled or already running; ctx is remembered
// so Reconfigure can restart the loop.
func (m *Monitor) Start(ctx context.Context) error {
	if m.store != nil {
		s, err := m.store.Load(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("capacity: load settings, keeping current")
		} else {
			m.mu.Lock()
			m.settings = s.Normalize()
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.parent = ctx
	return m.startLocked()
}

func (m *Monitor) startLocked() error {
	if !m.settings.Enabled || m.cancel != nil || m.parent == nil {
		return nil
	}
	if err := m.parent.Err(); err != nil {
		return err
	}

	m.sampleMu.Lock()
	m.latch.Reset()
	m.sampleMu.Unlock()

	ctx, cancel := context.WithCancel(m.parent)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go m.run(ctx, m.settings, done)

	m.logger.Info().
		Float64("warning", m.settings.Warning).
		Float64("critical", m.settings.Critical).
		Dur("interval", m.settings.Interval).
		Msg("capacity monitor started")
	return nil
}

// Stop cancels the sampling loop, waits for it to exit and resets the
// latches. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil

	m.sampleMu.Lock()
	m.latch.Reset()
	m.sampleMu.Unlock()
	m.logger.Info().Msg("capacity monitor stopped")
}

// Reconfigure applies new settings, restarting the loop if it was started.
// Disabling stops the loop; enabling starts it under the context passed to
// the last Start.
func (m *Monitor) Reconfigure(s Settings) Settings {
	s = s.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.settings = s
	if err := m.startLocked(); err != nil {
		m.logger.Warn().Err(err).Msg("capacity: restart after reconfigure")
	}
	return s
}

func (m *Monitor) run(ctx context.Context, s Settings, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.sample(ctx, s.Thresholds); err != nil && ctx.Err() == nil {
			m.logger.Warn().Err(err).Msg("capacity: sample failed, skipping cycle")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SampleOnce takes a single sample with the current thresholds, updating
// the latch and emitting events like a scheduled sample.
func (m *Monitor) SampleOnce(ctx context.Context) (Snapshot, error) {
	return m.sample(ctx, m.Settings().Thresholds)
}

// Measure reads the counts without touching the latch or emitting events.
func (m *Monitor) Measure(ctx context.Context) (Snapshot, error) {
	counts, err := m.counter.CountUnits(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	th := m.Settings().Thresholds
	snap := Snapshot{
		Counts:       counts,
		RatioPercent: counts.RatioPercent(),
		Thresholds:   th,
		Fired:        LevelNone,
		Timestamp:    m.now().UTC(),
	}
	var probe Latch
	snap.Level, _ = probe.Observe(snap.RatioPercent, th)
	return snap, nil
}

func (m *Monitor) sample(ctx context.Context, th Thresholds) (Snapshot, error) {
	counts, err := m.counter.CountUnits(ctx)
	if err != nil {
		m.failures.Add(1)
		return Snapshot{}, err
	}

	snap := Snapshot{
		Counts:       counts,
		RatioPercent: counts.RatioPercent(),
		Thresholds:   th,
		Timestamp:    m.now().UTC(),
	}
	m.sampleMu.Lock()
	snap.Level, snap.Fired = m.latch.Observe(snap.RatioPercent, th)
	m.sampleMu.Unlock()

	m.current.Store(&snap)
	m.emit(Event{Kind: KindSample, Snapshot: snap})
	if snap.Fired != LevelNone {
		m.logger.Warn().
			Str("alert_level", string(snap.Fired)).
			Float64("ratio", snap.RatioPercent).
			Int("occupied", counts.Occupied).
			Int("total", counts.Total).
			Msg("capacity threshold crossed")
		m.emit(Event{Kind: KindAlert, Snapshot: snap})
	}
	return snap, nil
}

func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
		m.logger.Debug().Str("kind", string(ev.Kind)).Msg("capacity: event channel full, dropped")
	}
}
