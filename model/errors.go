package model

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/hupe1980/ragmesh/core"
)

// ClassifyHTTP maps a provider error carrying an HTTP status into the core
// error taxonomy. Rate limits, timeouts and server errors are transient;
// everything else is fatal for the call.
func ClassifyHTTP(op string, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return core.Transient(op, err)
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return core.Validation(op, err)
	default:
		return core.Fatal(op, err)
	}
}

// ClassifyTransport classifies errors that carry no HTTP status. Context
// errors pass through untouched; network errors are transient.
func ClassifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.Transient(op, err)
	}
	return core.Fatal(op, err)
}
