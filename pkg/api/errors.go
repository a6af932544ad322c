package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bifrost-registry/bifrost/pkg/archive"
	"github.com/bifrost-registry/bifrost/pkg/manifest"
	"github.com/bifrost-registry/bifrost/pkg/registry"
)

// Error codes carried in the error envelope.
const (
	CodeMalformedArchive   = "MALFORMED_ARCHIVE"
	CodeArchiveTooLarge    = "ARCHIVE_TOO_LARGE"
	CodeMissingField       = "MISSING_FIELD"
	CodeInvalidManifest    = "INVALID_MANIFEST"
	CodeVersionConflict    = "VERSION_CONFLICT"
	CodeNotFound           = "NOT_FOUND"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeBadRequest         = "BAD_REQUEST"
	CodeInternal           = "INTERNAL_ERROR"
)

// errorMappings is checked in order; the first match wins.
var errorMappings = []struct {
	target error
	status int
	code   string
}{
	{archive.ErrMalformedArchive, http.StatusBadRequest, CodeMalformedArchive},
	{archive.ErrArchiveTooLarge, http.StatusRequestEntityTooLarge, CodeArchiveTooLarge},
	{manifest.ErrMissingField, http.StatusBadRequest, CodeMissingField},
	{manifest.ErrInvalidManifest, http.StatusBadRequest, CodeInvalidManifest},
	{registry.ErrVersionConflict, http.StatusConflict, CodeVersionConflict},
	{registry.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{registry.ErrStorageUnavailable, http.StatusServiceUnavailable, CodeStorageUnavailable},
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusForError maps an error to its HTTP status and error code.
func statusForError(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes the error envelope for a request-scoped code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

// writeServiceError maps a service error to a response. Details of storage
// and internal failures are logged, not returned.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := statusForError(err)
	message := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		logger.Error("storage unavailable", "path", r.URL.Path, "error", err)
		message = "storage temporarily unavailable, retry later"
	case http.StatusInternalServerError:
		logger.Error("internal error", "path", r.URL.Path, "error", err)
		message = "internal server error"
	}
	writeError(w, status, code, message)
}
