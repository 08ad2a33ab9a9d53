// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrGroupNotMonitored is returned when removing a group that is not in the
// registry.
var ErrGroupNotMonitored = errors.New("group is not monitored")

// apiError is an error with the HTTP status it should be reported with.
type apiError struct {
	Status  int
	Message string
	Err     error
}

func (e *apiError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err)
	}
	return e.Message
}

func (e *apiError) Unwrap() error {
	return e.Err
}

func badRequest(format string, args ...any) *apiError {
	return &apiError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// toAPIError maps err onto the HTTP error taxonomy. prefix, when set, is
// prepended to messages of backend failures.
func toAPIError(err error, prefix string) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrEmptyClonePayload),
		errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrMessageIDsRequired),
		errors.Is(err, ErrInvalidGroupRequest):
		return &apiError{Status: http.StatusBadRequest, Err: err}
	case errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrNoMessagesResolved),
		errors.Is(err, ErrGroupNotMonitored):
		return &apiError{Status: http.StatusNotFound, Err: err}
	default:
		return &apiError{Status: http.StatusInternalServerError, Message: prefix, Err: err}
	}
}
