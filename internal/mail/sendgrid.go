package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/domain"
)

const sendgridMailEndpoint = "https://api.sendgrid.com/v3/mail/send"

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	// Endpoint overrides the SendGrid API URL. Empty means production.
	Endpoint string
}

// SendGridMailer delivers through the SendGrid v3 Mail Send API.
type SendGridMailer struct {
	cfg    SendGridConfig
	client *http.Client
}

func NewSendGridMailer(cfg SendGridConfig) (*SendGridMailer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("sendgrid: api key is required")
	}
	if cfg.FromEmail == "" {
		return nil, errors.New("sendgrid: from address is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = sendgridMailEndpoint
	}
	return &SendGridMailer{cfg: cfg, client: &http.Client{}}, nil
}

func (m *SendGridMailer) Send(ctx context.Context, email delivery.Email) error {
	payload := sgMailPayload{
		Personalizations: []sgPersonalization{{
			To: []sgAddress{{Email: email.To}},
		}},
		From:    sgAddress{Email: m.cfg.FromEmail, Name: m.cfg.FromName},
		Subject: email.Subject,
		Content: []sgContent{{Type: "text/plain", Value: email.Body}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sendgrid: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sendgrid: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	statusErr := fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return domain.NewTransportFailure(domain.FailureRejected, statusErr)
	}
	return domain.NewTransportFailure(domain.FailureOther, statusErr)
}

// SendGrid v3 Mail Send API payload types.
type sgMailPayload struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
}

type sgPersonalization struct {
	To []sgAddress `json:"to"`
}

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}
