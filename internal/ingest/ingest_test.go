package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"recording-reconciler/internal/events"
	"recording-reconciler/internal/queue"
	"recording-reconciler/internal/telephony"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const connectedBody = `{"event_id":"ev-1","kind":"call-connected","occurred_at":"2026-03-02T08:59:58Z","data":{"provider_call_id":"CA1","correlation_key":"intake-1"}}`

func init() {
	gin.SetMode(gin.TestMode)
}

type rig struct {
	h      Handler
	ledger *events.MemoryLedger
	queue  *queue.MemoryQueue
	engine *gin.Engine
}

func newRig(mutate func(*Handler)) *rig {
	r := &rig{ledger: events.NewMemoryLedger(), queue: queue.NewMemoryQueue()}
	r.h = Handler{
		Ledger:  r.ledger,
		Queue:   r.queue,
		MaxSkew: 5 * time.Minute,
		Now:     func() time.Time { return now },
	}
	if mutate != nil {
		mutate(&r.h)
	}
	r.engine = gin.New()
	r.engine.POST("/webhooks/telephony", r.h.Generic)
	r.engine.POST("/webhooks/twilio/call-status", r.h.TwilioCallStatus)
	r.engine.POST("/webhooks/twilio/recording-status", r.h.TwilioRecordingStatus)
	return r
}

func (r *rig) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, req)
	return w
}

func genericRequest(body string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telephony", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func signed(secret, ts, body string) map[string]string {
	return map[string]string{
		HeaderTimestamp: ts,
		HeaderSignature: Sign(secret, ts, []byte(body)),
	}
}

func TestGeneric_AcceptsAndEnqueues(t *testing.T) {
	r := newRig(nil)
	w := r.do(genericRequest(connectedBody, nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	entry, err := r.ledger.Get(context.Background(), "ev-1")
	if err != nil {
		t.Fatalf("expected ledger entry, got %v", err)
	}
	if entry.Kind != events.KindCallConnected {
		t.Fatalf("unexpected kind %q", entry.Kind)
	}
	if !strings.Contains(string(entry.Payload), `"source":"generic"`) {
		t.Fatalf("expected source stamped in payload, got %s", entry.Payload)
	}
	if _, ok := r.queue.Scheduled(queue.Job{Kind: queue.KindProcessEvent, Ref: "ev-1"}); !ok {
		t.Fatalf("expected process-event job")
	}
}

func TestGeneric_DuplicateOfProcessedEvent(t *testing.T) {
	r := newRig(nil)
	if w := r.do(genericRequest(connectedBody, nil)); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if err := r.ledger.Complete(context.Background(), "ev-1", events.OutcomeApplied, "rec-1", now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := r.queue.Ack(context.Background(), queue.Job{Kind: queue.KindProcessEvent, Ref: "ev-1"}); err != nil {
		t.Fatalf("ack: %v", err)
	}

	w := r.do(genericRequest(connectedBody, nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "duplicate") {
		t.Fatalf("expected 200 duplicate, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := r.queue.Scheduled(queue.Job{Kind: queue.KindProcessEvent, Ref: "ev-1"}); ok {
		t.Fatalf("duplicate must not be re-enqueued")
	}
}

func TestGeneric_RedeliveryBeforeProcessingIsRequeued(t *testing.T) {
	r := newRig(nil)
	r.do(genericRequest(connectedBody, nil))
	if err := r.queue.Ack(context.Background(), queue.Job{Kind: queue.KindProcessEvent, Ref: "ev-1"}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if w := r.do(genericRequest(connectedBody, nil)); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if _, ok := r.queue.Scheduled(queue.Job{Kind: queue.KindProcessEvent, Ref: "ev-1"}); !ok {
		t.Fatalf("expected job to be re-enqueued")
	}
}

func TestGeneric_IgnoresUnknownKinds(t *testing.T) {
	r := newRig(nil)
	body := `{"event_id":"ev-9","kind":"call-ringing","occurred_at":"2026-03-02T08:59:58Z","data":{"provider_call_id":"CA1"}}`
	w := r.do(genericRequest(body, nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ignored") {
		t.Fatalf("expected 200 ignored, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := r.ledger.Get(context.Background(), "ev-9"); !errors.Is(err, events.ErrNotFound) {
		t.Fatalf("ignored event must not be ledgered, got %v", err)
	}
}

func TestGeneric_RejectsInvalidEnvelope(t *testing.T) {
	r := newRig(nil)
	cases := map[string]string{
		"not json":        `{`,
		"missing id":      `{"kind":"call-ended","occurred_at":"2026-03-02T08:59:58Z","data":{"provider_call_id":"CA1"}}`,
		"no identifiers":  `{"event_id":"ev-2","kind":"call-ended","occurred_at":"2026-03-02T08:59:58Z","data":{}}`,
		"asset w/o rec":   `{"event_id":"ev-3","kind":"asset-ready","occurred_at":"2026-03-02T08:59:58Z","data":{"provider_call_id":"CA1"}}`,
		"missing instant": `{"event_id":"ev-4","kind":"call-ended","data":{"provider_call_id":"CA1"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if w := r.do(genericRequest(body, nil)); w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestGeneric_Signature(t *testing.T) {
	const secret = "whsec"
	ts := now.Format(time.RFC3339)
	r := newRig(func(h *Handler) { h.Secret = secret })

	if w := r.do(genericRequest(connectedBody, nil)); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without headers, got %d", w.Code)
	}
	if w := r.do(genericRequest(connectedBody, signed("wrong", ts, connectedBody))); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", w.Code)
	}
	stale := now.Add(-6 * time.Minute).Format(time.RFC3339)
	if w := r.do(genericRequest(connectedBody, signed(secret, stale, connectedBody))); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale timestamp, got %d", w.Code)
	}
	if w := r.do(genericRequest(connectedBody, signed(secret, ts, connectedBody))); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for valid signature, got %d: %s", w.Code, w.Body.String())
	}
}

type failingLedger struct {
	events.Ledger
}

func (failingLedger) Record(context.Context, string, events.Kind, []byte, time.Time) (events.Entry, bool, error) {
	return events.Entry{}, false, errors.New("db unavailable")
}

func TestGeneric_LedgerFailureAsksForRetry(t *testing.T) {
	r := newRig(func(h *Handler) { h.Ledger = failingLedger{} })
	if w := r.do(genericRequest(connectedBody, nil)); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func twilioRequest(path string, form url.Values, sig string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sig != "" {
		req.Header.Set(HeaderTwilioSignature, sig)
	}
	return req
}

func TestTwilioCallStatus_MapsAndVerifies(t *testing.T) {
	const token = "tw-token"
	const base = "https://recon.example.com"
	r := newRig(func(h *Handler) {
		h.TwilioAuthToken = token
		h.PublicBaseURL = base + "/"
	})

	path := "/webhooks/twilio/call-status?correlation_key=intake-1"
	form := url.Values{
		"CallSid":    {"CA1"},
		"To":         {"+15550000001"},
		"CallStatus": {"in-progress"},
	}

	if w := r.do(twilioRequest(path, form, "bogus")); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	sig := telephony.TwilioSignature(token, base+path, form)
	w := r.do(twilioRequest(path, form, sig))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	entry, err := r.ledger.Get(context.Background(), "twilio:CA1:in-progress")
	if err != nil {
		t.Fatalf("expected ledger entry: %v", err)
	}
	if entry.Kind != events.KindCallConnected {
		t.Fatalf("unexpected kind %q", entry.Kind)
	}
	if !strings.Contains(string(entry.Payload), `"correlation_key":"intake-1"`) {
		t.Fatalf("expected correlation key in payload, got %s", entry.Payload)
	}
}

func TestTwilioCallStatus_IgnoresRinging(t *testing.T) {
	r := newRig(nil)
	form := url.Values{"CallSid": {"CA1"}, "To": {"+15550000001"}, "CallStatus": {"ringing"}}
	w := r.do(twilioRequest("/webhooks/twilio/call-status", form, ""))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestTwilioRecordingStatus_AssetReady(t *testing.T) {
	r := newRig(nil)
	form := url.Values{
		"CallSid":           {"CA1"},
		"RecordingSid":      {"RE1"},
		"RecordingUrl":      {"https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/RE1"},
		"RecordingStatus":   {"completed"},
		"RecordingDuration": {"42"},
	}
	w := r.do(twilioRequest("/webhooks/twilio/recording-status?correlation_key=intake-1", form, ""))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	entry, err := r.ledger.Get(context.Background(), "twilio:RE1:completed")
	if err != nil {
		t.Fatalf("expected ledger entry: %v", err)
	}
	if entry.Kind != events.KindAssetReady {
		t.Fatalf("unexpected kind %q", entry.Kind)
	}
}
