package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

func (s *Server) packageHandler(w http.ResponseWriter, r *http.Request) {
	info, err := s.query.GetPackageInfo(r.Context(), pathParam(r, "name"))
	if err != nil {
		writeServiceError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	v, err := s.query.GetVersion(r.Context(), pathParam(r, "name"), pathParam(r, "version"))
	if err != nil {
		writeServiceError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// downloadHandler redirects to a time-limited archive URL. Without a
// version query parameter it resolves the latest version.
func (s *Server) downloadHandler(w http.ResponseWriter, r *http.Request) {
	target, err := s.resolver.ResolveDownload(r.Context(), pathParam(r, "name"), r.URL.Query().Get("version"))
	if err != nil {
		writeServiceError(w, r, s.logger, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (s *Server) newVersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"url":    s.baseURL(r) + UploadPath,
		"fields": map[string]any{},
	})
}

// uploadHandler publishes the first file part of a multipart upload.
func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "expected a multipart/form-data upload")
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("reading multipart upload: %v", err))
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, CodeMissingField, "upload has no file part")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("reading multipart upload: %v", err))
			return
		}
		if part.FileName() == "" {
			_ = part.Close()
			continue
		}

		res, err := s.publisher.Publish(r.Context(), part)
		_ = part.Close()
		if err != nil {
			writeServiceError(w, r, s.logger, err)
			return
		}
		s.logger.Info("package version published",
			"name", res.Name,
			"version", res.Version,
			"sha256", res.ArchiveSHA256,
		)
		break
	}

	w.Header().Set("Location", s.baseURL(r)+FinishPath)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) uploadFinishHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": map[string]string{"message": "Upload successful"},
	})
}

// pathParam returns a decoded route parameter. chi routes on the raw path
// when the request escaped characters that need no escaping, so "a%2Cb"
// arrives escaped while "a,b" does not.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v
	}
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

// baseURL is the configured public URL, or the one the request came in on.
func (s *Server) baseURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
