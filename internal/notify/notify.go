// Package notify turns mentions and direct messages into realtime
// notifications on each recipient's personal channel.
package notify

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"mychat/api/internal/realtime"
)

const maxBodyRunes = 140

type Publisher interface {
	Publish(ctx context.Context, channel, name string, data any) (realtime.Event, error)
}

// Notifier publishes mention and direct-message notifications.
type Notifier struct {
	pub Publisher
}

func New(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

// Source describes the message that triggered a notification.
type Source struct {
	SenderID        int64
	SenderName      string
	Body            string
	FileName        string
	RoomID          *int64
	MessageID       *int64
	DirectMessageID *int64
}

type Payload struct {
	Title           string `json:"title"`
	Body            string `json:"body"`
	SenderName      string `json:"senderName"`
	SenderID        int64  `json:"senderId"`
	RoomID          *int64 `json:"roomId,omitempty"`
	MessageID       *int64 `json:"messageId,omitempty"`
	DirectMessageID *int64 `json:"directMessageId,omitempty"`
}

// Mentions notifies every mentioned user except the sender and returns how
// many notifications were published.
func (n *Notifier) Mentions(ctx context.Context, src Source, userIDs []int64) int {
	payload := n.payload(fmt.Sprintf("%s mentioned you", src.SenderName), src)
	sent := 0
	for _, userID := range userIDs {
		if userID == src.SenderID {
			continue
		}
		if n.publish(ctx, userID, realtime.EventMention, payload) {
			sent++
		}
	}
	return sent
}

// DirectMessage notifies the receiver of a new direct message.
func (n *Notifier) DirectMessage(ctx context.Context, src Source, receiverID int64) bool {
	if receiverID == src.SenderID {
		return false
	}
	payload := n.payload(fmt.Sprintf("New direct message from %s", src.SenderName), src)
	return n.publish(ctx, receiverID, realtime.EventNotification, payload)
}

func (n *Notifier) payload(title string, src Source) Payload {
	return Payload{
		Title:           title,
		Body:            Preview(src.Body, src.FileName),
		SenderName:      src.SenderName,
		SenderID:        src.SenderID,
		RoomID:          src.RoomID,
		MessageID:       src.MessageID,
		DirectMessageID: src.DirectMessageID,
	}
}

func (n *Notifier) publish(ctx context.Context, userID int64, name string, payload Payload) bool {
	if n == nil || n.pub == nil {
		return false
	}
	if _, err := n.pub.Publish(ctx, realtime.UserChannel(userID), name, payload); err != nil {
		log.Warn().Err(err).Str("component", "notify").Int64("user_id", userID).Str("event", name).Msg("publish notification")
		return false
	}
	return true
}

// Preview shortens a message body for display in a notification. File-only
// messages are described by their file name.
func Preview(body, fileName string) string {
	if body == "" && fileName != "" {
		return "Sent a file: " + fileName
	}
	if utf8.RuneCountInString(body) <= maxBodyRunes {
		return body
	}
	runes := []rune(body)
	return string(runes[:maxBodyRunes-1]) + "…"
}
