package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/domain"
)

// SMTPConfig configures the SMTP relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLSPolicy is "mandatory", "opportunistic" or "none".
	TLSPolicy string
	Timeout   time.Duration
}

// SMTPMailer delivers through an SMTP relay. It dials per message; relays
// used by this service are expected to be close and cheap to connect to.
type SMTPMailer struct {
	cfg    SMTPConfig
	policy gomail.TLSPolicy
}

func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp: host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp: from address is required")
	}
	policy, err := parseTLSPolicy(cfg.TLSPolicy)
	if err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SMTPMailer{cfg: cfg, policy: policy}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, email delivery.Email) error {
	msg, err := m.buildMessage(email)
	if err != nil {
		return domain.NewTransportFailure(domain.FailureRejected, err)
	}

	client, err := gomail.NewClient(m.cfg.Host, m.clientOptions()...)
	if err != nil {
		return fmt.Errorf("smtp: client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return classifySMTP(err)
	}
	return nil
}

func (m *SMTPMailer) buildMessage(email delivery.Email) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("from %q: %w", m.cfg.From, err)
	}
	if err := msg.To(email.To); err != nil {
		return nil, fmt.Errorf("recipient %q: %w", email.To, err)
	}
	msg.Subject(email.Subject)
	msg.SetBodyString(gomail.TypeTextPlain, email.Body)
	return msg, nil
}

func (m *SMTPMailer) clientOptions() []gomail.Option {
	opts := []gomail.Option{
		gomail.WithPort(m.cfg.Port),
		gomail.WithTimeout(m.cfg.Timeout),
		gomail.WithTLSPolicy(m.policy),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.cfg.Username),
			gomail.WithPassword(m.cfg.Password),
		)
	}
	return opts
}

func parseTLSPolicy(s string) (gomail.TLSPolicy, error) {
	switch s {
	case "", "mandatory":
		return gomail.TLSMandatory, nil
	case "opportunistic":
		return gomail.TLSOpportunistic, nil
	case "none":
		return gomail.NoTLS, nil
	default:
		return gomail.TLSMandatory, fmt.Errorf("smtp: unknown tls policy %q", s)
	}
}

// classifySMTP maps permanent relay responses to rejected. Everything else
// is left for domain.AsTransportFailure to classify by error type.
func classifySMTP(err error) error {
	var sendErr *gomail.SendError
	if !errors.As(err, &sendErr) {
		return err
	}
	switch {
	case sendErr.Reason == gomail.ErrConnCheck:
		return domain.NewTransportFailure(domain.FailureConnection, err)
	case !sendErr.IsTemp():
		return domain.NewTransportFailure(domain.FailureRejected, err)
	default:
		return domain.NewTransportFailure(domain.FailureOther, err)
	}
}
