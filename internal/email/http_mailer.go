package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultAPIBaseURL is the transactional email API used when none is set.
const DefaultAPIBaseURL = "https://api.resend.com"

// HTTPMailer sends through a JSON email API (POST {base}/emails).
type HTTPMailer struct {
	client  *http.Client
	baseURL string
	apiKey  string
	from    string
	logger  *zap.Logger
}

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	From    string
	Timeout time.Duration
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// NewHTTPMailer creates a new API mailer
func NewHTTPMailer(cfg HTTPConfig, logger *zap.Logger) *HTTPMailer {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}

	return &HTTPMailer{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.APIKey,
		from:    cfg.From,
		logger:  logger,
	}
}

// Send posts msg to the provider. A non-2xx answer is returned with its
// status code and body.
func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if m.apiKey == "" {
		return fmt.Errorf("email API key not configured")
	}

	body, err := json.Marshal(sendRequest{
		From:    m.from,
		To:      []string{msg.To},
		CC:      msg.CC,
		Subject: msg.Subject,
		HTML:    msg.HTML,
	})
	if err != nil {
		return fmt.Errorf("marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("User-Agent", "accflow-reminders/1.0")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("email request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out sendResponse
	_ = json.Unmarshal(respBody, &out)

	m.logger.Info("email sent",
		zap.String("to", msg.To),
		zap.Int("cc", len(msg.CC)),
		zap.String("message_id", out.ID),
	)

	return nil
}

// ProviderError is a non-2xx answer from the email API.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("email provider returned status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether the provider rejected the message itself.
// 408 and 429 are throttling or timeout answers and may succeed later.
func (e *ProviderError) Permanent() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return false
	default:
		return e.StatusCode >= 400 && e.StatusCode < 500
	}
}
