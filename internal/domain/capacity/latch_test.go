package capacity

import (
	"encoding/json"
	"testing"
	"time"
)

func TestLatch_Hysteresis(t *testing.T) {
	th := Thresholds{Warning: 80, Critical: 95}
	ratios := []float64{70, 82, 90, 82, 70, 96, 96, 70}
	wantLevels := []Level{
		LevelNone, LevelWarning, LevelWarning, LevelWarning,
		LevelNone, LevelCritical, LevelCritical, LevelNone,
	}
	wantFired := []Level{
		LevelNone, LevelWarning, LevelNone, LevelNone,
		LevelNone, LevelCritical, LevelNone, LevelNone,
	}

	var l Latch
	fires := map[Level]int{}
	for i, r := range ratios {
		level, fired := l.Observe(r, th)
		if level != wantLevels[i] {
			t.Errorf("step %d (%v): expected level %s, got %s", i, r, wantLevels[i], level)
		}
		if fired != wantFired[i] {
			t.Errorf("step %d (%v): expected fired %s, got %s", i, r, wantFired[i], fired)
		}
		if fired != LevelNone {
			fires[fired]++
		}
	}
	if fires[LevelWarning] != 1 || fires[LevelCritical] != 1 {
		t.Errorf("expected one WARNING and one CRITICAL fire, got %v", fires)
	}
}

func TestLatch_DescentFromCriticalFiresWarning(t *testing.T) {
	th := Thresholds{Warning: 80, Critical: 95}
	ratios := []float64{70, 96, 85, 96, 96, 85, 90}
	want := []Level{LevelNone, LevelCritical, LevelWarning, LevelCritical, LevelNone, LevelNone, LevelNone}

	var l Latch
	for i, r := range ratios {
		if _, fired := l.Observe(r, th); fired != want[i] {
			t.Errorf("step %d (%v): expected fired %s, got %s", i, r, want[i], fired)
		}
	}
	w, c := l.Latched()
	if !w || !c {
		t.Errorf("expected both latched, got warning=%v critical=%v", w, c)
	}
}

func TestLatch_ClimbThroughWarningKeepsCriticalArmed(t *testing.T) {
	th := Thresholds{Warning: 80, Critical: 95}
	var l Latch

	if _, fired := l.Observe(85, th); fired != LevelWarning {
		t.Fatalf("expected WARNING to fire, got %s", fired)
	}
	if _, fired := l.Observe(97, th); fired != LevelCritical {
		t.Fatalf("expected CRITICAL to fire, got %s", fired)
	}
	// WARNING already latched on the way up, so the way down stays quiet
	if level, fired := l.Observe(85, th); level != LevelWarning || fired != LevelNone {
		t.Errorf("expected WARNING without fire, got %s/%s", level, fired)
	}
	if _, fired := l.Observe(99, th); fired != LevelNone {
		t.Errorf("expected no re-fire, got %s", fired)
	}
}

func TestLatch_ThresholdBoundaries(t *testing.T) {
	th := Thresholds{Warning: 80, Critical: 95}
	var l Latch
	if level, _ := l.Observe(80, th); level != LevelWarning {
		t.Errorf("expected ratio equal to warning to be WARNING, got %s", level)
	}
	if level, _ := l.Observe(95, th); level != LevelCritical {
		t.Errorf("expected ratio equal to critical to be CRITICAL, got %s", level)
	}
	if level, _ := l.Observe(79.99, th); level != LevelNone {
		t.Errorf("expected NONE below warning, got %s", level)
	}
	if w, c := l.Latched(); w || c {
		t.Error("expected latches cleared below warning")
	}
}

func TestThresholds_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   Thresholds
		want Thresholds
	}{
		{"unchanged", Thresholds{80, 95}, Thresholds{80, 95}},
		{"clamped", Thresholds{-10, 150}, Thresholds{0, 100}},
		{"equal raises critical", Thresholds{90, 90}, Thresholds{90, 95}},
		{"inverted raises critical", Thresholds{90, 50}, Thresholds{90, 95}},
		{"warning at ceiling", Thresholds{120, 100}, Thresholds{100, 105}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.Normalize(); got != tt.want {
				t.Errorf("Normalize(%+v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSettings_Defaults(t *testing.T) {
	s := DefaultSettings()
	if s.Warning != 80 || s.Critical != 95 {
		t.Errorf("expected 80/95, got %v/%v", s.Warning, s.Critical)
	}
	if s.Interval != 30*time.Second {
		t.Errorf("expected 30s, got %v", s.Interval)
	}
	if s.SoundAlert {
		t.Error("expected sound alert off")
	}
	if !s.Enabled {
		t.Error("expected monitoring enabled")
	}
	if got := (Settings{}).Normalize().Interval; got != DefaultInterval {
		t.Errorf("expected zero interval to normalize to %v, got %v", DefaultInterval, got)
	}
}

func TestSettings_JSON(t *testing.T) {
	raw, err := json.Marshal(DefaultSettings())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if m["interval"] != "30s" {
		t.Errorf("expected interval 30s, got %v", m["interval"])
	}

	var s Settings
	if err := json.Unmarshal([]byte(`{"warning":70,"critical":90,"interval":15,"sound_alert":true,"enabled":true}`), &s); err != nil {
		t.Fatalf("unmarshal seconds: %v", err)
	}
	if s.Interval != 15*time.Second || !s.SoundAlert || s.Warning != 70 {
		t.Errorf("unexpected settings %+v", s)
	}
	if err := json.Unmarshal([]byte(`{"interval":"1m"}`), &s); err != nil {
		t.Fatalf("unmarshal duration: %v", err)
	}
	if s.Interval != time.Minute {
		t.Errorf("expected 1m, got %v", s.Interval)
	}
	if err := json.Unmarshal([]byte(`{"interval":"soon"}`), &s); err == nil {
		t.Error("expected error for bad interval")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel(" critical ") != LevelCritical {
		t.Error("expected CRITICAL")
	}
	if ParseLevel("warning") != LevelWarning {
		t.Error("expected WARNING")
	}
	if ParseLevel("other") != LevelNone {
		t.Error("expected NONE")
	}
	if LevelCritical.Rank() != 2 || LevelWarning.Rank() != 1 || LevelNone.Rank() != 0 {
		t.Error("unexpected level ranks")
	}
}
