package app

import (
	"time"

	"mychat/api/internal/mention"
	"mychat/api/internal/store"
)

type UserPayload struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	AvatarURL string    `json:"avatarUrl"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func userPayload(user store.User) UserPayload {
	return UserPayload{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
	}
}

func sessionUserPayload(session Session) map[string]any {
	return map[string]any{
		"id":        session.UserID,
		"username":  session.UserName,
		"email":     session.Email,
		"avatarUrl": session.AvatarURL,
		"role":      session.Role,
	}
}

type RoomPayload struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

func roomPayload(room store.Room) RoomPayload {
	return RoomPayload{ID: room.ID, Name: room.Name, Description: room.Description, CreatedAt: room.CreatedAt}
}

// resolveMentions never returns nil so payloads encode "mentions": [].
func resolveMentions(body string, users []mention.User) []mention.Match {
	matches := mention.Resolve(body, users)
	if matches == nil {
		return []mention.Match{}
	}
	return matches
}

// MessagePayload is a room message or thread reply. The id, senderId,
// message, fileUrl and timestamp fields also drive realtime history dedup.
type MessagePayload struct {
	ID              int64           `json:"id"`
	SenderID        int64           `json:"senderId"`
	RoomID          int64           `json:"roomId"`
	ParentMessageID *int64          `json:"parentMessageId"`
	Message         string          `json:"message"`
	FileName        string          `json:"fileName,omitempty"`
	FileURL         string          `json:"fileUrl,omitempty"`
	FileType        string          `json:"fileType,omitempty"`
	FileSize        int64           `json:"fileSize,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Username        string          `json:"username"`
	AvatarURL       string          `json:"avatarUrl"`
	ThreadCount     int             `json:"threadCount"`
	LastReplyAt     *time.Time      `json:"lastReplyAt"`
	Mentions        []mention.Match `json:"mentions"`
}

func messagePayload(msg store.Message, users []mention.User) MessagePayload {
	out := MessagePayload{
		ID:              msg.ID,
		SenderID:        msg.SenderID,
		RoomID:          msg.RoomID,
		ParentMessageID: msg.ParentMessageID,
		Message:         msg.Body,
		Timestamp:       msg.CreatedAt,
		Username:        msg.Username,
		AvatarURL:       msg.AvatarURL,
		ThreadCount:     msg.ThreadCount,
		LastReplyAt:     msg.LastReplyAt,
		Mentions:        resolveMentions(msg.Body, users),
	}
	if msg.File != nil {
		out.FileName = msg.File.Name
		out.FileURL = msg.File.URL
		out.FileType = msg.File.Type
		out.FileSize = msg.File.Size
	}
	return out
}

type DirectMessagePayload struct {
	ID               int64           `json:"id"`
	SenderID         int64           `json:"senderId"`
	ReceiverID       int64           `json:"receiverId"`
	Message          string          `json:"message"`
	FileName         string          `json:"fileName,omitempty"`
	FileURL          string          `json:"fileUrl,omitempty"`
	FileType         string          `json:"fileType,omitempty"`
	FileSize         int64           `json:"fileSize,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	SenderUsername   string          `json:"senderUsername"`
	ReceiverUsername string          `json:"receiverUsername"`
	Mentions         []mention.Match `json:"mentions"`
}

func directMessagePayload(msg store.DirectMessage, users []mention.User) DirectMessagePayload {
	out := DirectMessagePayload{
		ID:               msg.ID,
		SenderID:         msg.SenderID,
		ReceiverID:       msg.ReceiverID,
		Message:          msg.Body,
		Timestamp:        msg.CreatedAt,
		SenderUsername:   msg.SenderUsername,
		ReceiverUsername: msg.ReceiverUsername,
		Mentions:         resolveMentions(msg.Body, users),
	}
	if msg.File != nil {
		out.FileName = msg.File.Name
		out.FileURL = msg.File.URL
		out.FileType = msg.File.Type
		out.FileSize = msg.File.Size
	}
	return out
}

func mentionUsers(users []store.User) []mention.User {
	out := make([]mention.User, 0, len(users))
	for _, u := range users {
		out = append(out, mention.User{ID: u.ID, Username: u.Username})
	}
	return out
}
