package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind classifies a transport failure.
type Kind string

const (
	KindNetwork Kind = "network"
	KindTimeout Kind = "timeout"
	KindRefused Kind = "refused"
	KindHTTP    Kind = "http"
	KindDecode  Kind = "decode"
	KindUnknown Kind = "unknown"
)

// ConfigError is returned before any request when a required setting is missing.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("transport not configured: %s is empty", e.Field)
}

// ValidationError rejects input before any request is made.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// TransportError is a failure talking to a remote service.
type TransportError struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	return e.Message
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func newStatusError(status int, detail string) *TransportError {
	msg := fmt.Sprintf("API error %d", status)
	if detail != "" {
		msg += ": " + detail
	}
	return &TransportError{Kind: KindHTTP, Status: status, Message: msg}
}

func wrapRequestError(err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Kind: classify(err), Message: err.Error(), Err: err}
}

func classify(err error) Kind {
	var te *TransportError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &te):
		return te.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return KindRefused
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindNetwork
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return KindNetwork
	}
	return KindUnknown
}

// chatRetryable covers connection failures, timeouts and the transient
// statuses 429/500/502/503.
func chatRetryable(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case KindNetwork, KindTimeout, KindRefused:
		return true
	case KindHTTP:
		switch te.Status {
		case 429, 500, 502, 503:
			return true
		}
	}
	return false
}

// speechRetryable is limited to network and timeout failures.
func speechRetryable(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case KindNetwork, KindTimeout, KindRefused:
		return true
	}
	return false
}

func isServerError(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) || te.Kind != KindHTTP {
		return false
	}
	switch te.Status {
	case 500, 502, 503:
		return true
	}
	return false
}
