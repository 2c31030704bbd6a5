// Package ingest exposes the telephony webhook endpoints. Handlers authenticate and
// normalize deliveries, ledger them and enqueue processing; matching and state changes
// happen in the worker.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"recording-reconciler/internal/events"
	"recording-reconciler/internal/metrics"
	"recording-reconciler/internal/queue"
	"recording-reconciler/internal/telephony"
	"recording-reconciler/pkg/logger"
)

const (
	HeaderTimestamp       = "X-Telephony-Timestamp"
	HeaderSignature       = "X-Telephony-Signature"
	HeaderTwilioSignature = "X-Twilio-Signature"

	maxBodyBytes = 1 << 20
)

// Handler serves the generic and Twilio webhook endpoints.
//
// Secret enables HMAC verification of the generic endpoint; TwilioAuthToken enables
// X-Twilio-Signature verification. PublicBaseURL must be the origin Twilio calls, since
// Twilio signs the full URL it requested.
type Handler struct {
	Ledger  events.Ledger
	Queue   queue.Queue
	Metrics *metrics.Metrics

	Secret  string
	MaxSkew time.Duration

	TwilioAuthToken string
	PublicBaseURL   string

	Now func() time.Time
}

func (h Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

// Sign computes the generic webhook signature: hex(HMAC-SHA256(secret, timestamp + "\n" + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h Handler) verify(r *http.Request, body []byte) error {
	ts := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if ts == "" || sig == "" {
		return errors.New("missing signature headers")
	}
	at, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return errors.New("malformed timestamp")
	}
	skew := h.now().Sub(at)
	if skew < 0 {
		skew = -skew
	}
	if h.MaxSkew > 0 && skew > h.MaxSkew {
		return errors.New("timestamp outside allowed skew")
	}
	if !hmac.Equal([]byte(Sign(h.Secret, ts, body)), []byte(strings.ToLower(sig))) {
		return errors.New("signature mismatch")
	}
	return nil
}

// Generic accepts the provider-agnostic JSON envelope.
func (h Handler) Generic(c *gin.Context) {
	const source = "generic"
	log := logger.FromGin(c)

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		h.Metrics.EventRejected(c.Request.Context(), source, "body")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if h.Secret != "" {
		if err := h.verify(c.Request, body); err != nil {
			log.Warn("webhook signature rejected", "err", err)
			h.Metrics.EventRejected(c.Request.Context(), source, "signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	var env events.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.Metrics.EventRejected(c.Request.Context(), source, "json")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if env.Source == "" {
		env.Source = source
	}
	h.accept(c, env)
}

// TwilioCallStatus accepts Twilio call status callbacks.
func (h Handler) TwilioCallStatus(c *gin.Context) {
	form, err := telephony.ParseTwilioCallStatus(c.Request)
	if err != nil {
		h.rejectForm(c, err)
		return
	}
	if !h.twilioAuthentic(c) {
		return
	}
	h.accept(c, form.Envelope(c.Query("correlation_key"), h.now()))
}

// TwilioRecordingStatus accepts Twilio recording status callbacks.
func (h Handler) TwilioRecordingStatus(c *gin.Context) {
	form, err := telephony.ParseTwilioRecordingStatus(c.Request)
	if err != nil {
		h.rejectForm(c, err)
		return
	}
	if !h.twilioAuthentic(c) {
		return
	}
	h.accept(c, form.Envelope(c.Query("correlation_key"), h.now()))
}

func (h Handler) rejectForm(c *gin.Context, err error) {
	logger.FromGin(c).Warn("twilio webhook parse failed", "err", err)
	h.Metrics.EventRejected(c.Request.Context(), "twilio", "form")
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
}

// twilioAuthentic must run after the form is parsed so PostForm is populated.
func (h Handler) twilioAuthentic(c *gin.Context) bool {
	if h.TwilioAuthToken == "" {
		return true
	}
	fullURL := strings.TrimRight(h.PublicBaseURL, "/") + c.Request.URL.RequestURI()
	sig := c.GetHeader(HeaderTwilioSignature)
	if telephony.ValidateTwilioSignature(h.TwilioAuthToken, fullURL, c.Request.PostForm, sig) {
		return true
	}
	logger.FromGin(c).Warn("twilio signature rejected", "url", fullURL)
	h.Metrics.EventRejected(c.Request.Context(), "twilio", "signature")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
	return false
}

// accept ledgers a normalized envelope and enqueues its processing. The provider is
// told to retry (503) only when the ledger write fails; once ledgered, a lost enqueue is
// recovered by the sweeper.
func (h Handler) accept(c *gin.Context, env events.Envelope) {
	ctx := c.Request.Context()
	env.Normalize()

	err := env.Validate()
	if errors.Is(err, events.ErrUnknownKind) {
		logger.FromGin(c).Debug("ignoring event kind", "kind", env.Kind, "event_id", env.EventID)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		h.Metrics.EventRejected(ctx, env.Source, "invalid")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx = logger.WithAttrs(ctx, "event_id", env.EventID, "kind", env.Kind, "source", env.Source)
	log := logger.From(ctx)

	payload, err := json.Marshal(env)
	if err != nil {
		log.Error("envelope encode failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "encode failed"})
		return
	}

	now := h.now()
	entry, created, err := h.Ledger.Record(ctx, env.EventID, env.Kind, payload, now)
	if err != nil {
		log.Error("ledger write failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	h.Metrics.EventReceived(ctx, env.Source, string(env.Kind))

	if !created && entry.Processed() {
		h.Metrics.EventDuplicate(ctx, env.Source)
		c.JSON(http.StatusOK, gin.H{"status": "duplicate", "event_id": env.EventID})
		return
	}

	job := queue.Job{Kind: queue.KindProcessEvent, Ref: env.EventID}
	if err := h.Queue.Enqueue(ctx, job, now); err != nil {
		log.Error("enqueue failed; sweeper will replay", "err", err)
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "event_id": env.EventID})
}
