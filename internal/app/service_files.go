package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"mychat/api/internal/export"
	"mychat/api/internal/storage"
)

var errStorageUnavailable = unavailable("STORAGE_UNAVAILABLE", "File storage is not configured")

func (s *Service) UploadLimit() int64 {
	if s.files == nil {
		return 0
	}
	return s.files.MaxBytes()
}

func (s *Service) fileTooLarge() *DomainError {
	return badRequest(fmt.Sprintf("File size must be less than %dMB", s.UploadLimit()/(1024*1024)))
}

func (s *Service) Upload(ctx context.Context, session Session, r io.Reader, size int64, originalName, contentType string) (storage.File, error) {
	if s.files == nil {
		return storage.File{}, errStorageUnavailable
	}
	file, err := s.files.Upload(ctx, r, size, originalName, contentType, strconv.FormatInt(session.UserID, 10))
	switch {
	case errors.Is(err, storage.ErrFileTooLarge):
		return storage.File{}, s.fileTooLarge()
	case errors.Is(err, storage.ErrTypeNotAllowed):
		return storage.File{}, badRequest("File type not supported. Allowed: images, PDF, text, Word documents, MP4/WebM video and MP3/WAV audio.")
	case err != nil:
		return storage.File{}, fmt.Errorf("upload file: %w", err)
	}
	return file, nil
}

// Download opens a stored attachment by its public URL.
func (s *Service) Download(ctx context.Context, fileURL, filename string) (io.ReadCloser, storage.ObjectInfo, error) {
	if s.files == nil {
		return nil, storage.ObjectInfo{}, errStorageUnavailable
	}
	if strings.TrimSpace(fileURL) == "" || strings.TrimSpace(filename) == "" {
		return nil, storage.ObjectInfo{}, badRequest("URL and filename are required")
	}
	body, info, err := s.files.Open(ctx, fileURL)
	switch {
	case errors.Is(err, storage.ErrInvalidURL):
		return nil, storage.ObjectInfo{}, badRequest("Invalid file URL")
	case errors.Is(err, storage.ErrNotFound):
		return nil, storage.ObjectInfo{}, notFound("File not found")
	case err != nil:
		return nil, storage.ObjectInfo{}, fmt.Errorf("open file: %w", err)
	}
	return body, info, nil
}

func (s *Service) ExportRoom(ctx context.Context, rawRoomID, rawFormat string, includeThreads bool) (*export.Result, error) {
	if s.export == nil {
		return nil, unavailable("EXPORT_UNAVAILABLE", "Export is not configured")
	}
	roomID, ok := parseID(rawRoomID)
	if !ok {
		return nil, badRequest("Invalid room ID")
	}
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, badRequest("format must be 'html', 'pdf' or 'docx'")
	}
	result, err := s.export.Export(ctx, export.Request{RoomID: roomID, Format: format, IncludeThreads: includeThreads})
	switch {
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export runtime is not installed", map[string]any{"format": format})
	case err != nil:
		return nil, err
	}
	return result, nil
}
