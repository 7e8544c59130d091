// Package email delivers rendered reminders through an outbound provider.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// Message is one outbound email with an HTML body.
type Message struct {
	To      string
	CC      []string
	Subject string
	HTML    string
}

// ErrInvalidMessage is wrapped by every Validate failure.
var ErrInvalidMessage = errors.New("invalid email message")

// Validate checks the fields every provider needs.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidMessage)
	}
	if m.Subject == "" {
		return fmt.Errorf("%w: missing subject", ErrInvalidMessage)
	}
	if m.HTML == "" {
		return fmt.Errorf("%w: missing body", ErrInvalidMessage)
	}
	return nil
}

// IsPermanent reports whether err was caused by the message itself rather
// than by the provider being unreachable or overloaded. Retrying a permanent
// failure yields the same result.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidMessage) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Permanent()
	}
	var rejected *sestypes.MessageRejected
	return errors.As(err, &rejected)
}

// Mailer sends a message. Implementations: HTTPMailer, SESMailer, LogMailer.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Provider names accepted by New.
const (
	ProviderHTTP = "http"
	ProviderSES  = "ses"
	ProviderLog  = "log"
)

// Config selects and configures a provider.
type Config struct {
	Provider   string
	From       string
	APIKey     string
	APIBaseURL string
	Region     string
}

// New builds the Mailer named by cfg.Provider.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Mailer, error) {
	switch cfg.Provider {
	case ProviderHTTP, "":
		return NewHTTPMailer(HTTPConfig{
			BaseURL: cfg.APIBaseURL,
			APIKey:  cfg.APIKey,
			From:    cfg.From,
		}, logger), nil
	case ProviderSES:
		return NewSESMailer(ctx, SESConfig{Region: cfg.Region, FromEmail: cfg.From}, logger)
	case ProviderLog:
		return NewLogMailer(logger), nil
	default:
		return nil, fmt.Errorf("unknown email provider: %s", cfg.Provider)
	}
}

// LogMailer logs messages instead of sending them (development only).
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	m.logger.Info("logging email (development mode)",
		zap.String("to", msg.To),
		zap.Strings("cc", msg.CC),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.HTML)),
	)
	return nil
}
