// Package mail implements the outbound mail transports. Each transport
// sends one email per call and reports any failure as an error, which the
// delivery engine records on the delivery record.
package mail

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/djlord-it/mailrelay/internal/circuitbreaker"
	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/domain"
)

// Provider names accepted by New.
const (
	ProviderSMTP     = "smtp"
	ProviderSendGrid = "sendgrid"
	ProviderLog      = "log"
)

type Config struct {
	Provider string
	SMTP     SMTPConfig
	SendGrid SendGridConfig
}

// New builds the transport named by cfg.Provider.
func New(cfg Config, logger *zap.Logger) (delivery.Mailer, error) {
	switch cfg.Provider {
	case ProviderSMTP:
		m, err := NewSMTPMailer(cfg.SMTP)
		if err != nil {
			return nil, err
		}
		return m, nil
	case ProviderSendGrid:
		m, err := NewSendGridMailer(cfg.SendGrid)
		if err != nil {
			return nil, err
		}
		return m, nil
	case ProviderLog:
		return NewLogMailer(logger), nil
	default:
		return nil, fmt.Errorf("mail: unknown provider %q", cfg.Provider)
	}
}

// LogMailer accepts every email and only logs it. For local runs.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, email delivery.Email) error {
	m.logger.Info("mail: log transport",
		zap.String("to", email.To),
		zap.String("subject", email.Subject),
		zap.Int("body_bytes", len(email.Body)))
	return nil
}

// Breaker scopes.
const (
	BreakerScopeRelay  = "relay"
	BreakerScopeDomain = "domain"
)

// BreakerMailer wraps a transport with a circuit breaker. Only timeout and
// connection failures count against the breaker; a rejected recipient says
// nothing about transport health.
type BreakerMailer struct {
	next   delivery.Mailer
	cb     *circuitbreaker.CircuitBreaker
	key    func(delivery.Email) string
	logger *zap.Logger
}

// NewBreakerMailer keys the breaker by scope: one circuit for the whole
// relay, or one per recipient domain.
func NewBreakerMailer(next delivery.Mailer, cb *circuitbreaker.CircuitBreaker, scope string) *BreakerMailer {
	key := func(delivery.Email) string { return BreakerScopeRelay }
	if scope == BreakerScopeDomain {
		key = recipientDomain
	}
	return &BreakerMailer{next: next, cb: cb, key: key, logger: zap.NewNop()}
}

func (m *BreakerMailer) WithLogger(logger *zap.Logger) *BreakerMailer {
	m.logger = logger
	return m
}

func (m *BreakerMailer) Send(ctx context.Context, email delivery.Email) error {
	key := m.key(email)
	if err := m.cb.Allow(key); err != nil {
		return domain.NewTransportFailure(domain.FailureCircuitOpen, fmt.Errorf("%s: %w", key, err))
	}

	err := m.next.Send(ctx, email)
	if err == nil {
		m.cb.RecordSuccess(key)
		return nil
	}

	switch domain.AsTransportFailure(err).Kind {
	case domain.FailureTimeout, domain.FailureConnection:
		m.cb.RecordFailure(key)
		if m.cb.State(key) == circuitbreaker.StateOpen {
			m.logger.Warn("mail: circuit open", zap.String("key", key), zap.Error(err))
		}
	default:
		// The transport answered; treat it as healthy.
		m.cb.RecordSuccess(key)
	}
	return err
}

func recipientDomain(email delivery.Email) string {
	if i := strings.LastIndexByte(email.To, '@'); i >= 0 {
		return strings.ToLower(email.To[i+1:])
	}
	return strings.ToLower(email.To)
}
