package domain

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrInvalidMessage is returned for inbound messages without an identity.
var ErrInvalidMessage = errors.New("invalid message: id is required")

// Message is one inbound send request from the event stream.
type Message struct {
	ID        string `json:"id" validate:"required,notblank"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Content   string `json:"content"`
}

// HasID reports whether the message carries a non-blank identity.
func (m Message) HasID() bool {
	return strings.TrimSpace(m.ID) != ""
}

// wireMessage accepts both "recipient" and the producer's "recipientEmail".
type wireMessage struct {
	ID             string `json:"id"`
	Recipient      string `json:"recipient"`
	RecipientEmail string `json:"recipientEmail"`
	Subject        string `json:"subject"`
	Content        string `json:"content"`
}

// DecodeMessage parses a stream payload.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, err
	}
	recipient := w.Recipient
	if recipient == "" {
		recipient = w.RecipientEmail
	}
	return Message{
		ID:        w.ID,
		Recipient: recipient,
		Subject:   w.Subject,
		Content:   w.Content,
	}, nil
}

// EncodeMessage is the inverse of DecodeMessage, using the producer's field names.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:             m.ID,
		RecipientEmail: m.Recipient,
		Subject:        m.Subject,
		Content:        m.Content,
	})
}
