// Copyright 2024-2026 Aiku AI

package signal

import "fmt"

// TransportError wraps a failure of the socket or network layer. These
// are always retryable: the action may still succeed on a later attempt.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// RequestError is a failure reported by the daemon itself. Whether it is
// retryable depends on the code.
type RequestError struct {
	ReqType string
	Code    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s request failed: %s", e.ReqType, e.Code)
}

// Retryable reports whether the daemon error is transient.
func (e *RequestError) Retryable() bool {
	switch e.Code {
	case "rate_limited", "timeout", "unavailable", "proof_required":
		return true
	default:
		return false
	}
}

func daemonError(reqType, code string) error {
	return &RequestError{ReqType: reqType, Code: code}
}
