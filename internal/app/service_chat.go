package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"mychat/api/internal/mention"
	"mychat/api/internal/notify"
	"mychat/api/internal/rbac"
	"mychat/api/internal/realtime"
	"mychat/api/internal/search"
	"mychat/api/internal/store"
	"mychat/api/internal/timeline"
)

var errDuplicatePending = domainError(http.StatusConflict, "DUPLICATE_PENDING", "An identical message is still being sent", nil)

func (s *Service) ListRooms(ctx context.Context) ([]RoomPayload, error) {
	rooms, err := s.store.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	out := make([]RoomPayload, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomPayload(room))
	}
	return out, nil
}

func (s *Service) CreateRoom(ctx context.Context, name, description string) (RoomPayload, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return RoomPayload{}, badRequest("Room name is required")
	}
	room, err := s.store.CreateRoom(ctx, name, strings.TrimSpace(description))
	if errors.Is(err, store.ErrConflict) {
		return RoomPayload{}, domainError(http.StatusConflict, "CONFLICT", "Room name already exists", nil)
	}
	if err != nil {
		return RoomPayload{}, err
	}
	payload := roomPayload(room)
	s.publish(ctx, realtime.LobbyChannel, realtime.EventRoomCreated, payload)
	return payload, nil
}

func (s *Service) knownUsers(ctx context.Context) ([]mention.User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return mentionUsers(users), nil
}

func (s *Service) ListMessages(ctx context.Context, rawRoomID string) ([]MessagePayload, error) {
	if strings.TrimSpace(rawRoomID) == "" {
		return nil, badRequest("Room ID is required")
	}
	roomID, ok := parseID(rawRoomID)
	if !ok {
		return nil, badRequest("Invalid room ID")
	}
	users, err := s.knownUsers(ctx)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListRoomMessages(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list room messages: %w", err)
	}
	out := make([]MessagePayload, 0, len(messages))
	for _, msg := range messages {
		out = append(out, messagePayload(msg, users))
	}
	return out, nil
}

// FileInput is the attachment part of a send request.
type FileInput struct {
	FileName string `json:"fileName"`
	FileURL  string `json:"fileUrl"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
}

func (f FileInput) attachment() *store.Attachment {
	url := strings.TrimSpace(f.FileURL)
	if url == "" {
		return nil
	}
	return &store.Attachment{Name: strings.TrimSpace(f.FileName), URL: url, Type: strings.TrimSpace(f.FileType), Size: f.FileSize}
}

type SendMessageInput struct {
	SenderID        *int64 `json:"senderId"`
	RoomID          int64  `json:"roomId"`
	Message         string `json:"message"`
	ParentMessageID *int64 `json:"parentMessageId"`
	FileInput
}

// reserve claims a send slot in a conversation timeline. It returns the
// stored payload of an identical recent send, or errDuplicatePending while
// that send is still being written.
func (s *Service) reserve(key string, entry timeline.Entry) (any, error) {
	var (
		existing timeline.Entry
		dup      bool
	)
	s.recent.Do(key, func(tl *timeline.Timeline) {
		if existing, dup = tl.Find(entry); !dup {
			tl.Add(entry)
		}
	})
	if !dup {
		return nil, nil
	}
	if existing.Value == nil {
		return nil, errDuplicatePending
	}
	return existing.Value, nil
}

func (s *Service) settle(key string, entry timeline.Entry, id int64, value any) {
	s.recent.Do(key, func(tl *timeline.Timeline) {
		if value == nil {
			tl.Remove(entry)
			return
		}
		entry.ID = id
		entry.Value = value
		tl.Replace(entry)
	})
}

// SendMessage stores a room message or thread reply. created is false when
// the send repeats one stored moments ago, in which case that message is
// returned.
func (s *Service) SendMessage(ctx context.Context, session Session, input SendMessageInput) (MessagePayload, bool, error) {
	if input.SenderID != nil && *input.SenderID != session.UserID {
		return MessagePayload{}, false, forbidden("Cannot send messages as another user")
	}
	body := strings.TrimSpace(input.Message)
	file := input.attachment()
	if input.RoomID <= 0 || (body == "" && file == nil) {
		return MessagePayload{}, false, badRequest("SenderId, message, and roomId are required")
	}
	if _, err := s.store.GetRoom(ctx, input.RoomID); errors.Is(err, sql.ErrNoRows) {
		return MessagePayload{}, false, notFound("Room not found")
	} else if err != nil {
		return MessagePayload{}, false, err
	}

	var parentID *int64
	if input.ParentMessageID != nil && *input.ParentMessageID > 0 {
		parent, err := s.store.GetMessage(ctx, *input.ParentMessageID)
		if errors.Is(err, sql.ErrNoRows) {
			return MessagePayload{}, false, notFound("Parent message not found")
		}
		if err != nil {
			return MessagePayload{}, false, err
		}
		if parent.RoomID != input.RoomID {
			return MessagePayload{}, false, badRequest("Parent message belongs to another room")
		}
		rootID := parent.ID
		if parent.ParentMessageID != nil {
			rootID = *parent.ParentMessageID
		}
		parentID = &rootID
	}

	channel := realtime.RoomChannel(input.RoomID)
	if parentID != nil {
		channel = realtime.ThreadChannel(*parentID)
	}
	entry := timeline.Entry{SenderID: session.UserID, Body: body, Timestamp: s.now()}
	if file != nil {
		entry.FileURL = file.URL
	}
	previous, err := s.reserve(channel, entry)
	if err != nil {
		return MessagePayload{}, false, err
	}
	if previous != nil {
		return previous.(MessagePayload), false, nil
	}

	stored, err := s.store.InsertMessage(ctx, store.Message{
		SenderID:        session.UserID,
		RoomID:          input.RoomID,
		ParentMessageID: parentID,
		Body:            body,
		File:            file,
	})
	if err != nil {
		s.settle(channel, entry, 0, nil)
		return MessagePayload{}, false, fmt.Errorf("insert message: %w", err)
	}

	users, err := s.knownUsers(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "messages").Msg("load users for mentions")
	}
	payload := messagePayload(stored, users)
	s.settle(channel, entry, stored.ID, payload)

	if parentID == nil {
		s.publish(ctx, channel, realtime.EventMessage, payload)
	} else {
		s.publish(ctx, channel, realtime.EventReply, payload)
		s.publishThreadUpdate(ctx, input.RoomID, *parentID)
	}

	roomID, messageID := stored.RoomID, stored.ID
	s.recordMentions(ctx, payload.Mentions, notify.Source{
		SenderID:   session.UserID,
		SenderName: session.UserName,
		Body:       body,
		FileName:   fileName(file),
		RoomID:     &roomID,
		MessageID:  &messageID,
	})

	if s.search != nil {
		var parent int64
		if parentID != nil {
			parent = *parentID
		}
		s.search.IndexMessage(search.RoomMessageRecord(stored.ID, stored.RoomID, parent, stored.SenderID,
			stored.Username, stored.Body, fileName(file), stored.CreatedAt.UnixMilli()))
	}
	return payload, true, nil
}

func (s *Service) publishThreadUpdate(ctx context.Context, roomID, parentID int64) {
	count, last, err := s.store.ThreadStats(ctx, parentID)
	if err != nil {
		log.Warn().Err(err).Str("component", "messages").Int64("parent_id", parentID).Msg("thread stats")
		return
	}
	s.publish(ctx, realtime.RoomChannel(roomID), realtime.EventThreadUpdate, map[string]any{
		"parentMessageId":    parentID,
		"newReplyCount":      count,
		"lastReplyTimestamp": last,
	})
}

// recordMentions persists mention rows and notifies the mentioned users. A
// failure here never fails the send: the message is already stored.
func (s *Service) recordMentions(ctx context.Context, matches []mention.Match, src notify.Source) {
	var (
		rows []store.Mention
		ids  []int64
	)
	for _, userID := range mention.UserIDs(matches) {
		if userID == src.SenderID {
			continue
		}
		ids = append(ids, userID)
		rows = append(rows, store.Mention{
			UserID:          userID,
			SenderID:        src.SenderID,
			RoomID:          src.RoomID,
			MessageID:       src.MessageID,
			DirectMessageID: src.DirectMessageID,
		})
	}
	if len(rows) == 0 {
		return
	}
	if err := s.store.InsertMentions(ctx, rows); err != nil {
		log.Warn().Err(err).Str("component", "mentions").Msg("record mentions")
	}
	s.notifier.Mentions(ctx, src, ids)
}

// receiverMentions keeps the mentions of a direct message's receiver. Nobody
// else can read the conversation, so nobody else is notified.
func receiverMentions(matches []mention.Match, receiverID int64) []mention.Match {
	out := make([]mention.Match, 0, len(matches))
	for _, m := range matches {
		if m.UserID == receiverID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Service) publish(ctx context.Context, channel, name string, data any) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, channel, name, data); err != nil {
		log.Warn().Err(err).Str("component", "realtime").Str("channel", channel).Str("event", name).Msg("publish event")
	}
}

func (s *Service) Thread(ctx context.Context, rawParentID string) (MessagePayload, []MessagePayload, error) {
	parentID, ok := parseID(rawParentID)
	if !ok {
		return MessagePayload{}, nil, badRequest("Invalid message ID")
	}
	parent, err := s.store.GetMessage(ctx, parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return MessagePayload{}, nil, notFound("Parent message not found")
	}
	if err != nil {
		return MessagePayload{}, nil, err
	}
	replies, err := s.store.ListThreadReplies(ctx, parentID)
	if err != nil {
		return MessagePayload{}, nil, fmt.Errorf("list thread replies: %w", err)
	}
	users, err := s.knownUsers(ctx)
	if err != nil {
		return MessagePayload{}, nil, err
	}
	out := make([]MessagePayload, 0, len(replies))
	for _, reply := range replies {
		out = append(out, messagePayload(reply, users))
	}
	return messagePayload(parent, users), out, nil
}

// ListDirectMessages returns a conversation of userID, the caller unless
// rawUserID names someone else. Only admins may read other users' messages.
func (s *Service) ListDirectMessages(ctx context.Context, session Session, rawUserID, rawOtherID string) ([]DirectMessagePayload, error) {
	userID := session.UserID
	if strings.TrimSpace(rawUserID) != "" {
		parsed, ok := parseID(rawUserID)
		if !ok {
			return nil, badRequest("Both userId and otherUserId are required")
		}
		userID = parsed
	}
	otherID, ok := parseID(rawOtherID)
	if !ok {
		return nil, badRequest("Both userId and otherUserId are required")
	}
	if userID != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, forbidden("Access denied")
	}

	messages, err := s.store.ListDirectMessages(ctx, userID, otherID)
	if err != nil {
		return nil, fmt.Errorf("list direct messages: %w", err)
	}
	users, err := s.knownUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DirectMessagePayload, 0, len(messages))
	for _, msg := range messages {
		out = append(out, directMessagePayload(msg, users))
	}
	return out, nil
}

type SendDirectMessageInput struct {
	SenderID   *int64 `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	Message    string `json:"message"`
	FileInput
}

func (s *Service) SendDirectMessage(ctx context.Context, session Session, input SendDirectMessageInput) (DirectMessagePayload, bool, error) {
	if input.SenderID != nil && *input.SenderID != session.UserID {
		return DirectMessagePayload{}, false, forbidden("Cannot send messages as another user")
	}
	if input.ReceiverID <= 0 {
		return DirectMessagePayload{}, false, badRequest("Receiver ID is required")
	}
	body := strings.TrimSpace(input.Message)
	file := input.attachment()
	if body == "" && file == nil {
		return DirectMessagePayload{}, false, badRequest("Message or file is required")
	}
	if _, err := s.store.GetUserByID(ctx, input.ReceiverID); errors.Is(err, sql.ErrNoRows) {
		return DirectMessagePayload{}, false, notFound("Receiver not found")
	} else if err != nil {
		return DirectMessagePayload{}, false, err
	}

	channel := realtime.DMChannel(session.UserID, input.ReceiverID)
	entry := timeline.Entry{SenderID: session.UserID, Body: body, Timestamp: s.now()}
	if file != nil {
		entry.FileURL = file.URL
	}
	previous, err := s.reserve(channel, entry)
	if err != nil {
		return DirectMessagePayload{}, false, err
	}
	if previous != nil {
		return previous.(DirectMessagePayload), false, nil
	}

	stored, err := s.store.InsertDirectMessage(ctx, store.DirectMessage{
		SenderID:   session.UserID,
		ReceiverID: input.ReceiverID,
		Body:       body,
		File:       file,
	})
	if err != nil {
		s.settle(channel, entry, 0, nil)
		return DirectMessagePayload{}, false, fmt.Errorf("insert direct message: %w", err)
	}

	users, err := s.knownUsers(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "messages").Msg("load users for mentions")
	}
	payload := directMessagePayload(stored, users)
	s.settle(channel, entry, stored.ID, payload)

	s.publish(ctx, channel, realtime.EventMessage, payload)

	dmID := stored.ID
	src := notify.Source{
		SenderID:        session.UserID,
		SenderName:      session.UserName,
		Body:            body,
		FileName:        fileName(file),
		DirectMessageID: &dmID,
	}
	s.notifier.DirectMessage(ctx, src, input.ReceiverID)
	s.recordMentions(ctx, receiverMentions(payload.Mentions, input.ReceiverID), src)

	if s.search != nil {
		s.search.IndexMessage(search.DirectMessageRecord(stored.ID, stored.SenderID, stored.ReceiverID,
			stored.SenderUsername, stored.Body, fileName(file), stored.CreatedAt.UnixMilli()))
	}
	return payload, true, nil
}

func (s *Service) MentionCounts(ctx context.Context, userID int64) (store.MentionCounts, error) {
	counts, err := s.store.MentionCounts(ctx, userID)
	if err != nil {
		return store.MentionCounts{}, fmt.Errorf("mention counts: %w", err)
	}
	return counts, nil
}

type MarkMentionsReadInput struct {
	RoomID *int64 `json:"roomId"`
	UserID *int64 `json:"userId"`
}

// MarkMentionsRead clears unread mentions of a room, or of direct messages
// from one sender.
func (s *Service) MarkMentionsRead(ctx context.Context, session Session, input MarkMentionsReadInput) (int64, error) {
	switch {
	case input.RoomID != nil && *input.RoomID > 0:
		return s.store.MarkRoomMentionsRead(ctx, session.UserID, *input.RoomID)
	case input.UserID != nil && *input.UserID > 0:
		return s.store.MarkDirectMentionsRead(ctx, session.UserID, *input.UserID)
	default:
		return 0, badRequest("roomId or userId is required")
	}
}

func (s *Service) Search(ctx context.Context, session Session, text, rawRoomID string, limit, offset int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{Results: []search.Result{}}, nil
	}
	if s.search == nil {
		return search.Response{}, unavailable("SEARCH_UNAVAILABLE", "Search is not configured")
	}
	q := search.Query{Text: text, UserID: session.UserID, Limit: limit, Offset: offset}
	if strings.TrimSpace(rawRoomID) != "" {
		roomID, ok := parseID(rawRoomID)
		if !ok {
			return search.Response{}, badRequest("Invalid room ID")
		}
		q.RoomID = roomID
	}
	return s.search.Search(ctx, q), nil
}

func fileName(file *store.Attachment) string {
	if file == nil {
		return ""
	}
	return file.Name
}
