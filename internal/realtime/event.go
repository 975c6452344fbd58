package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is one message on a channel, as sent to WebSocket clients and across
// the Redis bridge.
type Event struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	ClientID  string          `json:"clientId,omitempty"`
}

// NewEvent encodes data and stamps the event with a fresh id and the current time.
func NewEvent(channel, name string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		Channel:   channel,
		Name:      name,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// historyFields are the message fields used to spot repeated deliveries.
type historyFields struct {
	ID        int64  `json:"id"`
	SenderID  int64  `json:"senderId"`
	Message   string `json:"message"`
	FileURL   string `json:"fileUrl"`
	Timestamp string `json:"timestamp"`
}

func isHistoryEvent(name string) bool {
	return name == EventMessage || name == EventReply
}
