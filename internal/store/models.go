package store

import "time"

type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	GoogleID     string
	AvatarURL    string
	Role         string
	CreatedAt    time.Time
}

// UserUpdate holds the optional fields of an admin edit. Nil fields are left unchanged.
type UserUpdate struct {
	Username     *string
	Email        *string
	Role         *string
	PasswordHash *string
}

func (u UserUpdate) Empty() bool {
	return u.Username == nil && u.Email == nil && u.Role == nil && u.PasswordHash == nil
}

type Room struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
}

// Attachment is a file stored in object storage and referenced by a message.
type Attachment struct {
	Name string
	URL  string
	Type string
	Size int64
}

type Message struct {
	ID              int64
	SenderID        int64
	RoomID          int64
	ParentMessageID *int64
	Body            string
	File            *Attachment
	CreatedAt       time.Time

	// joined
	Username    string
	AvatarURL   string
	ThreadCount int
	LastReplyAt *time.Time
}

type DirectMessage struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	Body       string
	File       *Attachment
	CreatedAt  time.Time

	SenderUsername   string
	ReceiverUsername string
}

type Mention struct {
	ID              int64
	UserID          int64
	SenderID        int64
	RoomID          *int64
	MessageID       *int64
	DirectMessageID *int64
	CreatedAt       time.Time
	ReadAt          *time.Time
}

// MentionCounts are unread mentions grouped by room and by direct-message sender.
type MentionCounts struct {
	Rooms          map[int64]int
	DirectMessages map[int64]int
}

// GoogleProfile is the identity returned by Google sign-in.
type GoogleProfile struct {
	Subject string
	Email   string
	Name    string
	Picture string
}
