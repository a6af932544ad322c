package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrNotFound matches 404 responses.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict matches uploads of an already registered version.
	ErrVersionConflict = errors.New("version already exists")

	// ErrServerUnavailable matches 5xx responses.
	ErrServerUnavailable = errors.New("registry unavailable")

	// ErrCircuitOpen is returned without contacting the server after
	// repeated failures.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// APIError is a non-success response from the registry.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("registry returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("registry returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrVersionConflict:
		return e.StatusCode == http.StatusConflict
	case ErrServerUnavailable:
		return e.StatusCode >= 500
	}
	return false
}

// decodeAPIError reads the error envelope from resp and closes its body.
func decodeAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
