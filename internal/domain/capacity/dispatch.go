package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	redisplatform "github.com/ehr/admissions/internal/platform/redis"
	"github.com/ehr/admissions/internal/platform/webhook"
	"github.com/ehr/admissions/internal/platform/websocket"
)

// Subscriber receives every event drained by a Dispatcher.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc struct {
	ID string
	Fn func(ctx context.Context, ev Event) error
}

func (f SubscriberFunc) Name() string { return f.ID }

func (f SubscriberFunc) Handle(ctx context.Context, ev Event) error { return f.Fn(ctx, ev) }

// Dispatcher fans monitor events out to subscribers on its own goroutine.
// A failing subscriber is logged and does not stop delivery to the rest.
type Dispatcher struct {
	subs    []Subscriber
	logger  zerolog.Logger
	timeout time.Duration
}

func NewDispatcher(logger zerolog.Logger, subs ...Subscriber) *Dispatcher {
	return &Dispatcher{subs: subs, logger: logger, timeout: 5 * time.Second}
}

// Run drains events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			d.Dispatch(ctx, ev)
		}
	}
}

// Dispatch delivers ev to every subscriber.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	for _, sub := range d.subs {
		subCtx, cancel := context.WithTimeout(ctx, d.timeout)
		if err := sub.Handle(subCtx, ev); err != nil {
			d.logger.Error().Err(err).
				Str("subscriber", sub.Name()).
				Str("kind", string(ev.Kind)).
				Msg("capacity: subscriber failed")
		}
		cancel()
	}
}

// HubSubscriber pushes events to websocket clients on the capacity topic as
// "capacity.sample" and "capacity.alert".
type HubSubscriber struct {
	Publisher websocket.EventPublisher
}

func (HubSubscriber) Name() string { return "websocket" }

func (h HubSubscriber) Handle(ctx context.Context, ev Event) error {
	return h.Publisher.Publish(ctx, websocket.NewEvent(
		websocket.TopicCapacity,
		"capacity."+string(ev.Kind),
		"capacity",
		string(ev.Snapshot.Level),
		ev.Snapshot,
	))
}

// EventStream is the Redis stream alert events are appended to.
const EventStream = "ward:capacity:events"

// StreamSubscriber appends alert events to a Redis stream. Routine samples
// are not streamed.
type StreamSubscriber struct {
	Client *redisplatform.Client
	Stream string
	MaxLen int64
}

func NewStreamSubscriber(client *redisplatform.Client, maxLen int64) *StreamSubscriber {
	return &StreamSubscriber{Client: client, Stream: EventStream, MaxLen: maxLen}
}

func (s *StreamSubscriber) Name() string { return "redis-stream" }

func (s *StreamSubscriber) Handle(ctx context.Context, ev Event) error {
	if ev.Kind != KindAlert {
		return nil
	}
	snap := ev.Snapshot
	_, err := redisplatform.PublishToStream(ctx, s.Client, s.Stream, s.MaxLen, map[string]interface{}{
		"kind":      string(ev.Kind),
		"level":     string(snap.Fired),
		"ratio":     snap.RatioPercent,
		"occupied":  snap.Counts.Occupied,
		"total":     snap.Counts.Total,
		"warning":   snap.Thresholds.Warning,
		"critical":  snap.Thresholds.Critical,
		"timestamp": snap.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", s.Stream, err)
	}
	return nil
}

// WebhookSubscriber posts alert events to the configured webhook endpoints
// as "capacity.alert". It fails when any endpoint rejected the delivery.
type WebhookSubscriber struct {
	Sender *webhook.Sender
}

func (WebhookSubscriber) Name() string { return "webhook" }

func (w WebhookSubscriber) Handle(ctx context.Context, ev Event) error {
	if ev.Kind != KindAlert {
		return nil
	}
	wev, err := webhook.NewEvent("capacity."+string(ev.Kind), "capacity", string(ev.Snapshot.Fired), ev.Snapshot)
	if err != nil {
		return err
	}
	failed := 0
	var last string
	for _, d := range w.Sender.Deliver(ctx, wev) {
		if !d.OK() {
			failed++
			last = d.URL + ": " + d.Error
		}
	}
	if failed > 0 {
		return fmt.Errorf("webhook delivery failed for %d endpoint(s), last %s", failed, last)
	}
	return nil
}

// Metrics exports the latest snapshot and alert counts.
type Metrics struct {
	ratio    prometheus.Gauge
	level    prometheus.Gauge
	occupied prometheus.Gauge
	total    prometheus.Gauge
	alerts   *prometheus.CounterVec
}

// NewMetrics registers the capacity collectors on reg, including counters
// that read the monitor's dropped-event and failed-sample totals.
func NewMetrics(reg prometheus.Registerer, m *Monitor) (*Metrics, error) {
	mt := &Metrics{
		ratio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ward_occupancy_ratio_percent",
			Help: "Occupied units as a percentage of all units.",
		}),
		level: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ward_capacity_level",
			Help: "Current alert level: 0 none, 1 warning, 2 critical.",
		}),
		occupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ward_units_occupied",
			Help: "Occupied units at the last sample.",
		}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ward_units_total",
			Help: "All units at the last sample.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_capacity_alerts_total",
			Help: "Capacity alerts fired, by level.",
		}, []string{"level"}),
	}
	collectors := []prometheus.Collector{mt.ratio, mt.level, mt.occupied, mt.total, mt.alerts}
	if m != nil {
		collectors = append(collectors,
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "ward_capacity_events_dropped_total",
				Help: "Capacity events dropped because the event channel was full.",
			}, func() float64 { return float64(m.Dropped()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "ward_capacity_sample_failures_total",
				Help: "Capacity samples skipped because counts could not be read.",
			}, func() float64 { return float64(m.Failures()) }),
		)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register capacity metrics: %w", err)
		}
	}
	return mt, nil
}

func (mt *Metrics) Name() string { return "metrics" }

func (mt *Metrics) Handle(_ context.Context, ev Event) error {
	snap := ev.Snapshot
	switch ev.Kind {
	case KindSample:
		mt.ratio.Set(snap.RatioPercent)
		mt.level.Set(float64(snap.Level.Rank()))
		mt.occupied.Set(float64(snap.Counts.Occupied))
		mt.total.Set(float64(snap.Counts.Total))
	case KindAlert:
		mt.alerts.WithLabelValues(string(snap.Fired)).Inc()
	}
	return nil
}

// LogSubscriber writes samples at debug level and alerts at warn or error.
type LogSubscriber struct {
	Logger zerolog.Logger
}

func (LogSubscriber) Name() string { return "log" }

func (l LogSubscriber) Handle(_ context.Context, ev Event) error {
	snap := ev.Snapshot
	e := l.Logger.Debug()
	if ev.Kind == KindAlert {
		e = l.Logger.Warn()
		if snap.Fired == LevelCritical {
			e = l.Logger.Error()
		}
	}
	e.Str("kind", string(ev.Kind)).
		Str("alert_level", string(snap.Level)).
		Str("fired", string(snap.Fired)).
		Float64("ratio", snap.RatioPercent).
		Int("occupied", snap.Counts.Occupied).
		Int("total", snap.Counts.Total).
		Msg("capacity")
	return nil
}

// Alarm is the audible/visual notification hook for critical occupancy.
type Alarm func(ctx context.Context, snap Snapshot) error

// AlarmSubscriber invokes alarm for CRITICAL alerts while sound alerts are
// enabled in the monitor's settings.
type AlarmSubscriber struct {
	Monitor *Monitor
	Alarm   Alarm
}

func (AlarmSubscriber) Name() string { return "alarm" }

func (a AlarmSubscriber) Handle(ctx context.Context, ev Event) error {
	if ev.Kind != KindAlert || ev.Snapshot.Fired != LevelCritical {
		return nil
	}
	if !a.Monitor.Settings().SoundAlert {
		return nil
	}
	return a.Alarm(ctx, ev.Snapshot)
}

// HubAlarm returns an Alarm that pushes a "capacity.alarm" event so
// connected consoles can play the alert sound.
func HubAlarm(pub websocket.EventPublisher) Alarm {
	return func(ctx context.Context, snap Snapshot) error {
		return pub.Publish(ctx, websocket.NewEvent(
			websocket.TopicCapacity, "capacity.alarm", "capacity", string(snap.Fired), snap,
		))
	}
}
