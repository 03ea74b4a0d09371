package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// ErrNoGateway is returned when no SMS gateway URL is configured.
var ErrNoGateway = errors.New("sms gateway not configured")

// ---------------------------------------------------------------------------
// Gateway sender
// ---------------------------------------------------------------------------

type gatewayRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

type gatewayResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// GatewaySender posts messages to an HTTP SMS gateway.
type GatewaySender struct {
	client   *resty.Client
	senderID string
	logger   zerolog.Logger
}

// GatewayConfig holds SMS gateway settings.
type GatewayConfig struct {
	BaseURL  string
	APIKey   string
	SenderID string
	Timeout  time.Duration
}

// NewGatewaySender creates a sender for the gateway at cfg.BaseURL. Retries are
// left to the caller.
func NewGatewaySender(cfg GatewayConfig, logger zerolog.Logger) *GatewaySender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &GatewaySender{
		client:   client,
		senderID: cfg.SenderID,
		logger:   logger.With().Str("component", "sms-gateway").Logger(),
	}
}

// SendSMS submits one message. A non-2xx answer or a gateway-reported error
// is returned as an error.
func (s *GatewaySender) SendSMS(ctx context.Context, to, body string) error {
	if s.client.BaseURL == "" {
		return ErrNoGateway
	}
	if to == "" {
		return fmt.Errorf("recipient is required")
	}

	var result gatewayResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(gatewayRequest{To: to, From: s.senderID, Message: body}).
		SetResult(&result).
		SetError(&result).
		Post("/messages")
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sms gateway: status %d: %s", resp.StatusCode(), result.Error)
	}
	if result.Status == "rejected" {
		return fmt.Errorf("sms gateway rejected message: %s", result.Error)
	}

	s.logger.Debug().
		Str("message_id", result.MessageID).
		Int("length", len(body)).
		Msg("sms submitted")
	return nil
}

// ---------------------------------------------------------------------------
// Mock sender (test double)
// ---------------------------------------------------------------------------

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

// SendSMS records the call and optionally returns an error.
func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}
