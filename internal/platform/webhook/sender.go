// Package webhook delivers signed JSON payloads to facility notification
// endpoints. Each request carries an HMAC-SHA256 signature of the body so the
// receiving facility system can authenticate the router.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header names set on every delivery.
const (
	SignatureHeader = "X-Webhook-Signature"
	DeliveryHeader  = "X-Webhook-Delivery"
	TimestampHeader = "X-Webhook-Timestamp"
)

// maxResponseBody bounds how much of a facility response is kept.
const maxResponseBody = 1024

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

// Delivery records the outcome of a single signed POST.
type Delivery struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	Signature    string        `json:"signature"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body"`
	Duration     time.Duration `json:"duration_ns"`
	Status       string        `json:"status"` // "success" or "failed"
	Error        string        `json:"error,omitempty"`
	SentAt       time.Time     `json:"sent_at"`
}

// Succeeded reports whether the endpoint answered with a 2xx status.
func (d *Delivery) Succeeded() bool {
	return d.Status == "success"
}

// StatusError is returned when an endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-2xx response: %d", e.Code)
}

// ErrInvalidURL is returned for endpoints that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid webhook url")

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the signature matches the HMAC-SHA256 of
// payload under secret. A "sha256=" prefix, as sent in SignatureHeader, is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ValidateURL checks that the URL is non-empty and uses http or https.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sender
// ---------------------------------------------------------------------------

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.httpClient = c }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) { s.now = now }
}

// Sender posts signed payloads. Timeouts are taken from the request context.
type Sender struct {
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

// NewSender creates a Sender signing with secret.
func NewSender(secret string, opts ...Option) *Sender {
	s := &Sender{
		secret:     secret,
		httpClient: &http.Client{},
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Post signs payload and POSTs it to rawURL. The returned Delivery is always
// non-nil; err is set for transport failures and non-2xx answers.
func (s *Sender) Post(ctx context.Context, rawURL string, payload []byte) (*Delivery, error) {
	now := s.now()
	sig := SignPayload(payload, s.secret)
	d := &Delivery{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Signature: sig,
		Status:    "failed",
		SentAt:    now,
	}

	if err := ValidateURL(rawURL); err != nil {
		d.Error = err.Error()
		return d, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		d.Error = err.Error()
		return d, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+sig)
	req.Header.Set(DeliveryHeader, d.ID)
	req.Header.Set(TimestampHeader, now.UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Error = err.Error()
		return d, err
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	d.ResponseBody = string(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &StatusError{Code: resp.StatusCode}
		d.Error = serr.Error()
		return d, serr
	}
	d.Status = "success"
	return d, nil
}
