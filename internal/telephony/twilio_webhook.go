package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"recording-reconciler/internal/events"
)

// Twilio status callbacks are application/x-www-form-urlencoded.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
//
// Keep parsing provider-adapter-only; matching and state decisions happen downstream.

type TwilioCallStatusForm struct {
	CallSid      string
	AccountSid   string
	From         string
	To           string
	Direction    string
	CallStatus   string
	CallDuration string
	Timestamp    string
}

type TwilioRecordingStatusForm struct {
	AccountSid        string
	CallSid           string
	RecordingSid      string
	RecordingUrl      string
	RecordingStatus   string
	RecordingDuration string
}

func ParseTwilioCallStatus(r *http.Request) (TwilioCallStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioCallStatusForm{}, err
	}
	return TwilioCallStatusForm{
		CallSid:      strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:   r.PostFormValue("AccountSid"),
		From:         normalizePhone(r.PostFormValue("From")),
		To:           normalizePhone(r.PostFormValue("To")),
		Direction:    r.PostFormValue("Direction"),
		CallStatus:   strings.TrimSpace(r.PostFormValue("CallStatus")),
		CallDuration: r.PostFormValue("CallDuration"),
		Timestamp:    r.PostFormValue("Timestamp"),
	}, nil
}

func ParseTwilioRecordingStatus(r *http.Request) (TwilioRecordingStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioRecordingStatusForm{}, err
	}
	return TwilioRecordingStatusForm{
		AccountSid:        r.PostFormValue("AccountSid"),
		CallSid:           strings.TrimSpace(r.PostFormValue("CallSid")),
		RecordingSid:      strings.TrimSpace(r.PostFormValue("RecordingSid")),
		RecordingUrl:      strings.TrimSpace(r.PostFormValue("RecordingUrl")),
		RecordingStatus:   strings.TrimSpace(r.PostFormValue("RecordingStatus")),
		RecordingDuration: r.PostFormValue("RecordingDuration"),
	}, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}

// Envelope maps a call status callback. in-progress is the connect signal; the
// terminal statuses end the call. Anything else gets a kind the ingestor ignores.
func (f TwilioCallStatusForm) Envelope(correlationKey string, receivedAt time.Time) events.Envelope {
	kind := events.Kind("twilio-call-" + f.CallStatus)
	switch f.CallStatus {
	case "in-progress":
		kind = events.KindCallConnected
	case "completed", "busy", "failed", "no-answer", "canceled":
		kind = events.KindCallEnded
	}

	occurredAt := receivedAt
	if ts, err := time.Parse(time.RFC1123Z, f.Timestamp); err == nil {
		occurredAt = ts
	}

	env := events.Envelope{
		EventID:    "twilio:" + f.CallSid + ":" + f.CallStatus,
		Kind:       kind,
		OccurredAt: occurredAt.UTC(),
		Source:     "twilio",
		Data: events.Data{
			ProviderCallID: f.CallSid,
			CalleeNumber:   f.To,
			CorrelationKey: strings.TrimSpace(correlationKey),
		},
	}
	if d, err := strconv.Atoi(f.CallDuration); err == nil {
		env.Data.DurationSeconds = &d
	}
	return env
}

// Envelope maps a recording status callback; only "completed" is an asset-ready event.
func (f TwilioRecordingStatusForm) Envelope(correlationKey string, receivedAt time.Time) events.Envelope {
	kind := events.Kind("twilio-recording-" + f.RecordingStatus)
	if f.RecordingStatus == "completed" {
		kind = events.KindAssetReady
	}
	env := events.Envelope{
		EventID:    "twilio:" + f.RecordingSid + ":" + f.RecordingStatus,
		Kind:       kind,
		OccurredAt: receivedAt.UTC(),
		Source:     "twilio",
		Data: events.Data{
			ProviderCallID:      f.CallSid,
			CorrelationKey:      strings.TrimSpace(correlationKey),
			ProviderRecordingID: f.RecordingSid,
			DownloadRef:         f.RecordingUrl,
		},
	}
	if d, err := strconv.Atoi(f.RecordingDuration); err == nil {
		env.Data.DurationSeconds = &d
	}
	return env
}

// TwilioSignature computes X-Twilio-Signature: base64(HMAC-SHA1(token, url + sorted k+v)).
func TwilioSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateTwilioSignature compares in constant time.
func ValidateTwilioSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := TwilioSignature(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}
