package rest

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Message)
}

// HistoryLoadError wraps a failed history fetch. It is not fatal: the room
// renders empty and the caller may retry.
type HistoryLoadError struct {
	RoomID int64
	Err    error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("load history for room %d: %v", e.RoomID, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }

// IsAuthFailure reports whether err means the credential was rejected.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
	}
	return false
}
