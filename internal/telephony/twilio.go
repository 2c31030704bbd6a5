package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultTwilioBaseURL = "https://api.twilio.com"
	twilioAPIVersion     = "2010-04-01"

	// maxRecordingBytes bounds a single download held in memory.
	maxRecordingBytes = 512 << 20
)

type TwilioConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	Timeout    time.Duration
}

// TwilioProvider talks to the Twilio REST API directly over net/http.
type TwilioProvider struct {
	baseURL    string
	accountSID string
	authToken  string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
}

type TwilioOption func(*TwilioProvider)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) TwilioOption {
	return func(p *TwilioProvider) { p.http = c }
}

func NewTwilioProvider(cfg TwilioConfig, opts ...TwilioOption) (*TwilioProvider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("telephony: twilio account sid and auth token are required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultTwilioBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	p := &TwilioProvider{
		baseURL:    base,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		http:       &http.Client{Timeout: timeout},
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "twilio",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only transport errors and retryable statuses count against the provider.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Retryable()
			}
			return errors.Is(err, ErrNotFound) || errors.Is(err, ErrReferenceExpired) || errors.Is(err, ErrNotReady)
		},
	})
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *TwilioProvider) Name() string { return "twilio" }

type twilioRecording struct {
	SID      string `json:"sid"`
	CallSID  string `json:"call_sid"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
	URI      string `json:"uri"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *TwilioProvider) StartRecording(ctx context.Context, req StartRecordingRequest) (StartRecordingResult, error) {
	if req.ProviderCallID == "" {
		return StartRecordingResult{}, errors.New("telephony: provider call id is required")
	}
	form := url.Values{}
	if req.CallbackURL != "" {
		form.Set("RecordingStatusCallback", withCorrelationKey(req.CallbackURL, req.CorrelationKey))
		form.Set("RecordingStatusCallbackEvent", "completed")
		form.Set("RecordingStatusCallbackMethod", http.MethodPost)
	}

	var rec twilioRecording
	endpoint := p.accountURL("Calls", url.PathEscape(req.ProviderCallID), "Recordings.json")
	if err := p.doJSON(ctx, "start-recording", http.MethodPost, endpoint, form, &rec); err != nil {
		return StartRecordingResult{}, err
	}
	return StartRecordingResult{ProviderRecordingID: rec.SID, Status: rec.Status}, nil
}

func (p *TwilioProvider) GetRecording(ctx context.Context, recordingID string) (Recording, error) {
	var rec twilioRecording
	endpoint := p.accountURL("Recordings", url.PathEscape(recordingID)+".json")
	if err := p.doJSON(ctx, "get-recording", http.MethodGet, endpoint, nil, &rec); err != nil {
		return Recording{}, err
	}
	if rec.Status != "completed" {
		return Recording{}, fmt.Errorf("%w: %s is %s", ErrNotReady, recordingID, rec.Status)
	}
	out := Recording{
		ProviderRecordingID: rec.SID,
		ProviderCallID:      rec.CallSID,
		Status:              rec.Status,
		DownloadRef:         p.baseURL + strings.TrimSuffix(rec.URI, ".json"),
	}
	if d, err := strconv.Atoi(rec.Duration); err == nil {
		out.DurationSeconds = &d
	}
	return out, nil
}

func (p *TwilioProvider) Download(ctx context.Context, ref string) (Asset, error) {
	target, err := p.mediaURL(ref)
	if err != nil {
		return Asset{}, err
	}

	out, err := p.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(p.accountSID, p.authToken)
		resp, err := p.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone, resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: status %d", ErrReferenceExpired, resp.StatusCode)
		case resp.StatusCode/100 != 2:
			return nil, p.apiError("download", resp)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordingBytes+1))
		if err != nil {
			return nil, err
		}
		if len(data) > maxRecordingBytes {
			return nil, fmt.Errorf("telephony: recording exceeds %d bytes", maxRecordingBytes)
		}
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = "audio/wav"
		}
		return Asset{Data: data, ContentType: ct}, nil
	})
	if err != nil {
		return Asset{}, p.breakerError(err)
	}
	return out.(Asset), nil
}

func (p *TwilioProvider) DeleteRecording(ctx context.Context, recordingID string) error {
	endpoint := p.accountURL("Recordings", url.PathEscape(recordingID)+".json")
	return p.doJSON(ctx, "delete-recording", http.MethodDelete, endpoint, nil, nil)
}

func (p *TwilioProvider) accountURL(parts ...string) string {
	return p.baseURL + "/" + twilioAPIVersion + "/Accounts/" + url.PathEscape(p.accountSID) + "/" + strings.Join(parts, "/")
}

// mediaURL accepts either an absolute recording URL on the API host or a path, and
// requests the wav rendition. Credentials are never sent to a foreign host.
func (p *TwilioProvider) mediaURL(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrReferenceExpired)
	}
	if strings.HasPrefix(ref, "/") {
		ref = p.baseURL + ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReferenceExpired, err)
	}
	base, _ := url.Parse(p.baseURL)
	if u.Host != base.Host {
		return "", fmt.Errorf("telephony: download reference host %q is not the twilio api host", u.Host)
	}
	if !strings.HasSuffix(u.Path, ".wav") && !strings.HasSuffix(u.Path, ".mp3") {
		u.Path = strings.TrimSuffix(u.Path, ".json") + ".wav"
	}
	return u.String(), nil
}

func (p *TwilioProvider) doJSON(ctx context.Context, op, method, endpoint string, form url.Values, out any) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(p.accountSID, p.authToken)
		req.Header.Set("Accept", "application/json")
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := p.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, op)
		}
		if resp.StatusCode/100 != 2 {
			return nil, p.apiError(op, resp)
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("telephony: twilio %s: decode: %w", op, err)
		}
		return nil, nil
	})
	return p.breakerError(err)
}

func (p *TwilioProvider) apiError(op string, resp *http.Response) error {
	apiErr := &APIError{Provider: p.Name(), Op: op, StatusCode: resp.StatusCode}
	var te twilioError
	if raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil && json.Unmarshal(raw, &te) == nil {
		apiErr.Message = te.Message
	}
	return apiErr
}

func (p *TwilioProvider) breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

func withCorrelationKey(callback, key string) string {
	if key == "" {
		return callback
	}
	u, err := url.Parse(callback)
	if err != nil {
		return callback
	}
	q := u.Query()
	q.Set("correlation_key", key)
	u.RawQuery = q.Encode()
	return u.String()
}
