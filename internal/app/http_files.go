package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	multipartOverhead = 1 << 20
	downloadTimeout   = 30 * time.Second
)

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.service.UploadLimit()
	if limit <= 0 {
		writeServiceError(w, r, errStorageUnavailable)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeServiceError(w, r, s.service.fileTooLarge())
			return
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "No file provided", nil)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	stored, err := s.service.Upload(r.Context(), sessionFrom(r), file, header.Size, header.Filename, contentType)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "file": stored})
}

func (s *HTTPServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), downloadTimeout)
	defer cancel()

	query := r.URL.Query()
	filename := query.Get("filename")
	body, info, err := s.service.Download(ctx, query.Get("url"), filename)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer body.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := w.Header()
	header.Set("Content-Type", contentType)
	header.Set("Content-Disposition", `attachment; filename="`+headerSafe(filename)+`"`)
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("Expires", "0")
	if info.Size > 0 {
		header.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		log.Warn().Err(err).Str("request_id", requestID(r.Context())).Msg("stream download")
	}
}

// headerSafe strips characters that would break a quoted header value.
func headerSafe(value string) string {
	return strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, value)
}
