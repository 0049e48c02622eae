package api

import (
	"github.com/djlord-it/mailrelay/internal/analytics"
	"github.com/djlord-it/mailrelay/internal/history"
)

// SendRequest is the body of POST /api/messages. Both recipient spellings
// are accepted.
type SendRequest struct {
	ID             string `json:"id"`
	Recipient      string `json:"recipient,omitempty"`
	RecipientEmail string `json:"recipientEmail,omitempty"`
	Subject        string `json:"subject"`
	Content        string `json:"content"`
}

type AcceptedResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ListEmailsResponse struct {
	Emails []history.Record `json:"emails"`
}

type ListAttemptsResponse struct {
	Attempts []history.Attempt `json:"attempts"`
}

type StatusCountsResponse struct {
	Counts map[string]int `json:"counts"`
}

type OutcomesResponse struct {
	Hours   int                `json:"hours"`
	Buckets []analytics.Bucket `json:"buckets"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
