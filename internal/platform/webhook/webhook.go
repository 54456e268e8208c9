// Package webhook delivers signed JSON events to operator-configured HTTP
// endpoints. Each POST carries an HMAC-SHA256 signature of the body so the
// receiver can verify it came from this server.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventIDHeader   = "X-Webhook-ID"
	TimestampHeader = "X-Webhook-Timestamp"
)

// Endpoint is a delivery target. Events holds subscription patterns such as
// "capacity.alert" or "capacity.*"; an empty list matches everything.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// Event is the JSON body POSTed to endpoints.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	SubjectID string          `json:"subject_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent marshals data into an event with a fresh id.
func NewEvent(typ, subject, subjectID string, data interface{}) (Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal webhook payload: %w", err)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Subject:   subject,
		SubjectID: subjectID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Delivery is the outcome of sending one event to one endpoint.
type Delivery struct {
	URL        string        `json:"url"`
	Attempts   int           `json:"attempts"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
}

func (d Delivery) OK() bool { return d.Error == "" }

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload. A leading
// "sha256=" is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// ParseEndpoints builds endpoints sharing one secret and pattern list.
func ParseEndpoints(urls []string, secret string, events []string) ([]Endpoint, error) {
	var out []Endpoint
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := validateURL(raw); err != nil {
			return nil, err
		}
		out = append(out, Endpoint{URL: raw, Secret: secret, Events: events})
	}
	return out, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q has no host", raw)
	}
	return nil
}

// eventMatches supports exact patterns plus "*.suffix" and "prefix.*".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep Endpoint) matches(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

type Option func(*Sender)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

// WithRetryDelays sets the pause before each retry; its length is the
// number of retries.
func WithRetryDelays(d ...time.Duration) Option {
	return func(s *Sender) { s.retryDelays = d }
}

// Sender posts events to a fixed set of endpoints.
type Sender struct {
	endpoints   []Endpoint
	client      *http.Client
	retryDelays []time.Duration
}

func NewSender(endpoints []Endpoint, opts ...Option) *Sender {
	s := &Sender{
		endpoints:   endpoints,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sender) Endpoints() int { return len(s.endpoints) }

// Deliver sends event to every matching endpoint and reports one Delivery per
// endpoint. Failed attempts are retried until ctx ends or retries run out.
func (s *Sender) Deliver(ctx context.Context, event Event) []Delivery {
	body, err := json.Marshal(event)
	if err != nil {
		return []Delivery{{Error: err.Error()}}
	}
	var out []Delivery
	for _, ep := range s.endpoints {
		if !ep.matches(event.Type) {
			continue
		}
		out = append(out, s.deliverWithRetry(ctx, ep, event, body))
	}
	return out
}

func (s *Sender) deliverWithRetry(ctx context.Context, ep Endpoint, event Event, body []byte) Delivery {
	d := Delivery{URL: ep.URL}
	for attempt := 0; ; attempt++ {
		var err error
		d.Attempts = attempt + 1
		d.StatusCode, d.Duration, err = s.post(ctx, ep, event, body)
		if err == nil {
			d.Error = ""
			return d
		}
		d.Error = err.Error()
		if attempt >= len(s.retryDelays) {
			return d
		}
		select {
		case <-ctx.Done():
			return d
		case <-time.After(s.retryDelays[attempt]):
		}
	}
}

func (s *Sender) post(ctx context.Context, ep Endpoint, event Event, body []byte) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(body, ep.Secret))
	req.Header.Set(EventIDHeader, event.ID)
	req.Header.Set(TimestampHeader, event.Timestamp.UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return 0, elapsed, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, elapsed, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return resp.StatusCode, elapsed, nil
}
