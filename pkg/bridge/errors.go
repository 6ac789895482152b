// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"maunium.net/go/mautrix"

	"github.com/aiku/mautrix-signal/pkg/signal"
)

// StructuralError is a conversation-level fault that cannot be retried:
// the remote conversation is gone, or the bridge lost permission to it.
// It moves the owning portal to the error state and posts a notice into
// the room.
type StructuralError struct {
	Notice string
	Err    error
}

func (e *StructuralError) Error() string {
	if e.Err == nil {
		return e.Notice
	}
	return fmt.Sprintf("%s: %v", e.Notice, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// errStructural reports whether err carries a StructuralError anywhere in
// its chain, returning it if so.
func errStructural(err error) (*StructuralError, bool) {
	var se *StructuralError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// isTransient reports whether an outbound call failure is worth retrying
// with backoff. Everything else is permanent: dropped with a diagnostic,
// or escalated via StructuralError.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := errStructural(err); ok {
		return false
	}
	var transport *signal.TransportError
	if errors.As(err, &transport) {
		return true
	}
	var request *signal.RequestError
	if errors.As(err, &request) {
		return request.Retryable()
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsStatus(http.StatusTooManyRequests) ||
			httpErr.IsStatus(http.StatusBadGateway) ||
			httpErr.IsStatus(http.StatusServiceUnavailable) ||
			httpErr.IsStatus(http.StatusGatewayTimeout) ||
			errors.Is(httpErr.WrappedError, context.DeadlineExceeded)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
