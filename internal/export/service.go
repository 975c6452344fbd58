package export

import (
	"context"
	"fmt"
	"time"

	"mychat/api/internal/mention"
	"mychat/api/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetRoom(ctx context.Context, roomID int64) (store.Room, error)
	ListRoomMessages(ctx context.Context, roomID int64) ([]store.Message, error)
	ListThreadReplies(ctx context.Context, parentID int64) ([]store.Message, error)
	ListUsers(ctx context.Context) ([]store.User, error)
}

type renderFunc func(ctx context.Context, html, title string) (*Result, error)

// Service provides room transcript export
type Service struct {
	store      DataStore
	now        func() time.Time
	renderPDF  renderFunc
	renderDOCX renderFunc
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{
		store:      store,
		now:        time.Now,
		renderPDF:  exportPDF,
		renderDOCX: exportDOCX,
	}
}

// Export generates a transcript in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	room, err := s.store.GetRoom(ctx, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	known := make([]mention.User, 0, len(users))
	for _, u := range users {
		known = append(known, mention.User{ID: u.ID, Username: u.Username})
	}

	messages, err := s.store.ListRoomMessages(ctx, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("list room messages: %w", err)
	}

	data := TemplateData{
		RoomName:    room.Name,
		Description: room.Description,
		GeneratedAt: s.now(),
		Messages:    make([]TemplateMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		item := templateMessage(msg, known)
		if req.IncludeThreads && msg.ThreadCount > 0 {
			replies, err := s.store.ListThreadReplies(ctx, msg.ID)
			if err != nil {
				return nil, fmt.Errorf("list thread replies: %w", err)
			}
			for _, reply := range replies {
				item.Replies = append(item.Replies, templateMessage(reply, known))
			}
		}
		data.Messages = append(data.Messages, item)
	}

	html, err := RenderTranscriptHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	title := room.Name + " transcript"
	switch req.Format {
	case FormatHTML, "":
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.renderPDF(ctx, html, title)
	case FormatDOCX:
		return s.renderDOCX(ctx, html, title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

func templateMessage(msg store.Message, users []mention.User) TemplateMessage {
	item := TemplateMessage{
		Author:   msg.Username,
		Segments: mention.Highlight(msg.Body, users),
		SentAt:   msg.CreatedAt,
	}
	if msg.File != nil {
		item.FileName = msg.File.Name
		item.FileURL = msg.File.URL
	}
	return item
}
