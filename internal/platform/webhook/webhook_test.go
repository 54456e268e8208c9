package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"level":"CRITICAL"}`)
	sig := SignPayload(payload, "secret")
	if !VerifySignature(payload, "secret", sig) {
		t.Error("expected signature to verify")
	}
	if !VerifySignature(payload, "secret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature([]byte(`{}`), "secret", sig) {
		t.Error("expected tampered payload to fail")
	}
}

func TestEventMatches(t *testing.T) {
	tests := []struct {
		pattern, event string
		want           bool
	}{
		{"capacity.alert", "capacity.alert", true},
		{"capacity.*", "capacity.alarm", true},
		{"*.alert", "capacity.alert", true},
		{"*", "anything", true},
		{"capacity.alert", "capacity.sample", false},
		{"ward.*", "capacity.alert", false},
	}
	for _, tt := range tests {
		if got := eventMatches(tt.pattern, tt.event); got != tt.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}

func TestParseEndpoints(t *testing.T) {
	eps, err := ParseEndpoints([]string{"https://a.test/hook", " ", "http://b.test"}, "s", []string{"capacity.*"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(eps) != 2 || eps[1].URL != "http://b.test" || eps[0].Secret != "s" {
		t.Errorf("unexpected endpoints %+v", eps)
	}

	for _, bad := range []string{"ftp://a.test", "https://", "://nope"} {
		if _, err := ParseEndpoints([]string{bad}, "s", nil); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestSender_DeliverSigned(t *testing.T) {
	var got Event
	var sig, id string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		id = r.Header.Get(EventIDHeader)
		if !VerifySignature(body, "secret", sig) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewSender([]Endpoint{{URL: srv.URL, Secret: "secret"}})
	ev, err := NewEvent("capacity.alert", "capacity", "CRITICAL", map[string]float64{"ratio": 96})
	if err != nil {
		t.Fatal(err)
	}
	res := s.Deliver(context.Background(), ev)
	if len(res) != 1 || !res[0].OK() || res[0].StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected result %+v", res)
	}
	if got.Type != "capacity.alert" || got.SubjectID != "CRITICAL" || id != ev.ID {
		t.Errorf("unexpected delivered event %+v (id header %q)", got, id)
	}
}

func TestSender_SkipsUnsubscribedEndpoints(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	s := NewSender([]Endpoint{
		{URL: srv.URL, Events: []string{"ward.*"}},
		{URL: srv.URL, Events: []string{"capacity.*"}},
	})
	ev, _ := NewEvent("capacity.alert", "capacity", "", nil)
	res := s.Deliver(context.Background(), ev)
	if len(res) != 1 || hits.Load() != 1 {
		t.Errorf("expected one delivery, got %d results and %d hits", len(res), hits.Load())
	}
}

func TestSender_RetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender([]Endpoint{{URL: srv.URL}}, WithRetryDelays(time.Millisecond, time.Millisecond))
	ev, _ := NewEvent("capacity.alert", "capacity", "", nil)
	res := s.Deliver(context.Background(), ev)
	if len(res) != 1 || !res[0].OK() || res[0].Attempts != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSender_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSender([]Endpoint{{URL: srv.URL}}, WithRetryDelays(time.Millisecond))
	ev, _ := NewEvent("capacity.alert", "capacity", "", nil)
	res := s.Deliver(context.Background(), ev)
	if len(res) != 1 || res[0].OK() || res[0].Attempts != 2 || res[0].StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSender_StopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewSender([]Endpoint{{URL: srv.URL}}, WithRetryDelays(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := s.Deliver(ctx, Event{ID: "1", Type: "capacity.alert"})
	if time.Since(start) > 5*time.Second {
		t.Fatal("delivery did not stop on cancel")
	}
	if len(res) != 1 || res[0].OK() || res[0].Attempts != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}
