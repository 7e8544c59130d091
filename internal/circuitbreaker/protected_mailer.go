package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/fcarle/accflow/internal/email"
)

// ProtectedMailer wraps an email.Mailer with a CircuitBreaker.
type ProtectedMailer struct {
	mailer  email.Mailer
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedMailer(mailer email.Mailer, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedMailer {
	return &ProtectedMailer{
		mailer:  mailer,
		breaker: breaker,
		logger:  logger,
	}
}

// Send fails fast with ErrCircuitOpen while the provider is considered down.
// Only transport errors, 5xx and throttling answers count as breaker
// failures. A message the provider rejects is returned without tripping it.
func (p *ProtectedMailer) Send(ctx context.Context, msg email.Message) error {
	err := p.breaker.ExecuteClassified(func() error {
		return p.mailer.Send(ctx, msg)
	}, email.IsPermanent)
	if err != nil {
		p.logger.Debug("protected send failed",
			zap.String("breaker", p.breaker.Name()),
			zap.String("state", p.breaker.GetState().String()),
			zap.Error(err),
		)
	}
	return err
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedMailer) Breaker() *CircuitBreaker {
	return p.breaker
}
