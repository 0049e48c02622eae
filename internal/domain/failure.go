package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureKind is a bounded classification of transport failures, suitable
// for metric labels.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureConnection  FailureKind = "connection"
	FailureRejected    FailureKind = "rejected"
	FailureCircuitOpen FailureKind = "circuit_open"
	FailureOther       FailureKind = "other"
)

// TransportFailure describes a send that did not succeed. It is recorded on
// the delivery record and never propagated past the engine.
type TransportFailure struct {
	Kind        FailureKind
	Description string
	Err         error
}

func (f *TransportFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Description)
}

func (f *TransportFailure) Unwrap() error {
	return f.Err
}

// NewTransportFailure wraps err with an explicit kind.
func NewTransportFailure(kind FailureKind, err error) *TransportFailure {
	desc := "unknown error"
	if err != nil {
		desc = err.Error()
	}
	return &TransportFailure{Kind: kind, Description: desc, Err: err}
}

// AsTransportFailure returns err as a TransportFailure, classifying plain
// errors by their type.
func AsTransportFailure(err error) *TransportFailure {
	var tf *TransportFailure
	if errors.As(err, &tf) {
		return tf
	}
	return NewTransportFailure(classify(err), err)
}

func classify(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureConnection
	}
	return FailureOther
}
