package realtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Event names published on channels.
const (
	EventMessage      = "message"
	EventReply        = "reply"
	EventTyping       = "typing"
	EventThreadUpdate = "thread-update"
	EventRoomCreated  = "room-created"
	EventMention      = "mention"
	EventNotification = "notification"
)

// LobbyChannel carries room lifecycle events for every connected user.
const LobbyChannel = "lobby"

var ErrForbiddenChannel = errors.New("channel not allowed")

func RoomChannel(roomID int64) string {
	return fmt.Sprintf("chat-%d", roomID)
}

func ThreadChannel(parentID int64) string {
	return fmt.Sprintf("thread-%d", parentID)
}

// DMChannel names the conversation between two users independently of who sends.
func DMChannel(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm-%d-%d", a, b)
}

func UserChannel(userID int64) string {
	return fmt.Sprintf("user-%d", userID)
}

// Authorize reports whether userID may subscribe or publish to channel.
func Authorize(channel string, userID int64) error {
	switch {
	case channel == LobbyChannel:
		return nil
	case strings.HasPrefix(channel, "chat-"), strings.HasPrefix(channel, "thread-"):
		if _, err := parseID(channel[strings.IndexByte(channel, '-')+1:]); err != nil {
			return fmt.Errorf("%w: %s", ErrForbiddenChannel, channel)
		}
		return nil
	case strings.HasPrefix(channel, "dm-"):
		parts := strings.Split(strings.TrimPrefix(channel, "dm-"), "-")
		if len(parts) != 2 {
			return fmt.Errorf("%w: %s", ErrForbiddenChannel, channel)
		}
		a, errA := parseID(parts[0])
		b, errB := parseID(parts[1])
		if errA != nil || errB != nil || a > b || (userID != a && userID != b) {
			return fmt.Errorf("%w: %s", ErrForbiddenChannel, channel)
		}
		return nil
	case strings.HasPrefix(channel, "user-"):
		id, err := parseID(strings.TrimPrefix(channel, "user-"))
		if err != nil || id != userID {
			return fmt.Errorf("%w: %s", ErrForbiddenChannel, channel)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrForbiddenChannel, channel)
}

func parseID(value string) (int64, error) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", value)
	}
	return id, nil
}
