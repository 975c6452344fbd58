package search

import "context"

// ResultType identifies the kind of message in a search result.
type ResultType string

const (
	ResultMessage       ResultType = "message"
	ResultDirectMessage ResultType = "direct_message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type            ResultType `json:"type"`
	ID              int64      `json:"id"`
	RoomID          int64      `json:"roomId,omitempty"`
	ParentMessageID int64      `json:"parentMessageId,omitempty"`
	SenderID        int64      `json:"senderId"`
	ReceiverID      int64      `json:"receiverId,omitempty"`
	Username        string     `json:"username"`
	Snippet         string     `json:"snippet"`
	CreatedAt       int64      `json:"createdAt"`
}

// Query describes a search request. Direct messages are only matched when
// UserID took part in them.
type Query struct {
	Text   string
	UserID int64
	RoomID int64 // zero = all rooms
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a room or direct message.
type MessageRecord struct {
	DocID           string     `json:"docId"`
	Kind            ResultType `json:"kind"`
	ID              int64      `json:"id"`
	RoomID          int64      `json:"roomId"`
	ParentMessageID int64      `json:"parentMessageId"`
	SenderID        int64      `json:"senderId"`
	ReceiverID      int64      `json:"receiverId"`
	Participants    []int64    `json:"participants"`
	Username        string     `json:"username"`
	Body            string     `json:"body"`
	FileName        string     `json:"fileName"`
	CreatedAt       int64      `json:"createdAt"`
}

// RoomMessageRecord builds the index record of a room message.
func RoomMessageRecord(id, roomID, parentID, senderID int64, username, body, fileName string, createdAt int64) MessageRecord {
	return MessageRecord{
		DocID:           docID(ResultMessage, id),
		Kind:            ResultMessage,
		ID:              id,
		RoomID:          roomID,
		ParentMessageID: parentID,
		SenderID:        senderID,
		Participants:    []int64{},
		Username:        username,
		Body:            body,
		FileName:        fileName,
		CreatedAt:       createdAt,
	}
}

// DirectMessageRecord builds the index record of a direct message.
func DirectMessageRecord(id, senderID, receiverID int64, username, body, fileName string, createdAt int64) MessageRecord {
	return MessageRecord{
		DocID:        docID(ResultDirectMessage, id),
		Kind:         ResultDirectMessage,
		ID:           id,
		SenderID:     senderID,
		ReceiverID:   receiverID,
		Participants: []int64{senderID, receiverID},
		Username:     username,
		Body:         body,
		FileName:     fileName,
		CreatedAt:    createdAt,
	}
}

func docID(kind ResultType, id int64) string {
	if kind == ResultDirectMessage {
		return "dm-" + itoa(id)
	}
	return "m-" + itoa(id)
}
