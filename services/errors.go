package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/voicelearn/backend/logger"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCredentialMissing means no provider API key is stored.
	ErrCredentialMissing = errors.New("voice provider credential not configured")
)

// UpstreamError is a failed call to the voice provider.
type UpstreamError struct {
	Operation  string
	StatusCode int // 0 when the request never got a response
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("voice provider %s failed: %d - %s", e.Operation, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("voice provider %s failed: %v", e.Operation, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether the provider answered 404.
func (e *UpstreamError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// statusForError maps service errors onto HTTP status codes.
func statusForError(err error) int {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrCredentialMissing):
		return http.StatusServiceUnavailable
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// upstreamFailureMessage is all a client learns about a failed provider call.
const upstreamFailureMessage = "voice provider request failed"

// writeServiceError logs err and writes a JSON error body. Internal errors and
// provider response bodies are not echoed to the client.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, msg string, err error, kv ...any) {
	status := statusForError(err)
	fields := append([]any{"error", err, "status", status}, kv...)
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		fields = append(fields, "operation", upstream.Operation, "provider_status", upstream.StatusCode)
	}
	if status >= http.StatusInternalServerError {
		log.Error(msg, fields...)
	} else {
		log.Warn(msg, fields...)
	}

	text := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		text = msg
	case upstream != nil:
		text = upstreamFailureMessage
	}
	writeError(w, status, text)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
