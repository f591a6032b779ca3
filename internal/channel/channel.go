// Package channel speaks to the messaging provider: outbound sends over
// the Twilio REST API and signature verification for inbound webhooks.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/throttle"
)

const defaultBaseURL = "https://api.twilio.com"

// Twilio rejects message bodies beyond 1600 characters.
const maxBodyRunes = 1600

// SenderConfig configures NewSender.
type SenderConfig struct {
	AccountSID string
	AuthToken  string

	// From is the sending number, E.164 or channel-prefixed
	// ("whatsapp:+14155238886").
	From string

	BaseURL    string // override for tests
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Sender delivers outbound messages through the provider's REST API.
type Sender struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	client     *http.Client
	logger     *slog.Logger
}

// NewSender builds a Sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fault.New(fault.Validation, "channel sender requires account SID and auth token")
	}
	if cfg.From == "" {
		return nil, fault.New(fault.Validation, "channel sender requires a from number")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "channel")
	}

	return &Sender{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		baseURL:    cfg.BaseURL,
		client:     cfg.HTTPClient,
		logger:     cfg.Logger,
	}, nil
}

// Send delivers body to a single recipient. Oversized bodies are
// truncated at a sentence or word boundary before hitting the API limit.
func (s *Sender) Send(ctx context.Context, to, body string) error {
	if to == "" {
		return fault.New(fault.Validation, "recipient is required")
	}
	if strings.TrimSpace(body) == "" {
		return fault.New(fault.Validation, "message body is empty")
	}
	body = throttle.Truncate(body, maxBodyRunes)

	form := url.Values{
		"To":   {to},
		"From": {s.from},
		"Body": {body},
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.Transient, err, "channel send")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read send response: %w", err)
	}
	if resp.StatusCode >= 400 {
		kind := fault.Validation
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = fault.Transient
		}
		return fault.Newf(kind, "channel send failed (status %d): %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var msg struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal(respBody, &msg); err == nil && msg.Sid != "" {
		s.logger.Debug("message sent", "sid", msg.Sid)
	}
	return nil
}
