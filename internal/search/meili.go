package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog/log"
)

const idxMessages = "mychat_messages"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the message index.
// An unreachable server is retried by the health loop.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Err(err).Str("component", "search").Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxMessages,
		PrimaryKey: "docId",
	}); err != nil {
		log.Debug().Err(err).Str("component", "search").Msg("create index (may already exist)")
	}

	index := m.client.Index(idxMessages)
	filterable := []interface{}{"kind", "roomId", "parentMessageId", "participants", "senderId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Warn().Err(err).Str("component", "search").Msg("update filterable attributes")
	}
	searchable := []string{"body", "fileName", "username"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Warn().Err(err).Str("component", "search").Msg("update searchable attributes")
	}
	sortable := []string{"createdAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Warn().Err(err).Str("component", "search").Msg("update sortable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Info().Str("component", "search").Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// buildFilter restricts results to room messages and the caller's direct messages.
func buildFilter(q Query) string {
	if q.RoomID > 0 {
		return fmt.Sprintf(`kind = %q AND roomId = %d`, ResultMessage, q.RoomID)
	}
	return fmt.Sprintf(`(kind = %q OR participants = %d)`, ResultMessage, q.UserID)
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxMessages,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			Filter:                buildFilter(q),
			AttributesToHighlight: []string{"body"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		Type:            ResultType(decodeString(hit, "kind")),
		ID:              decodeInt(hit, "id"),
		RoomID:          decodeInt(hit, "roomId"),
		ParentMessageID: decodeInt(hit, "parentMessageId"),
		SenderID:        decodeInt(hit, "senderId"),
		ReceiverID:      decodeInt(hit, "receiverId"),
		Username:        decodeString(hit, "username"),
		CreatedAt:       decodeInt(hit, "createdAt"),
	}
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"), decodeString(hit, "fileName"))
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

// IndexMessages adds or updates message records.
func (m *Meili) IndexMessages(records []MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMessages).AddDocuments(records, nil)
	return err
}

// DeleteUserDocuments drops everything a user deletion cascades to in Postgres:
// the user's messages, direct messages they took part in, and replies under
// their room threads.
func (m *Meili) DeleteUserDocuments(userID int64) error {
	index := m.client.Index(idxMessages)
	var roots []int64
	for offset := int64(0); ; offset += rootPageSize {
		var page meili.DocumentsResult
		err := index.GetDocuments(&meili.DocumentsQuery{
			Fields: []string{"id"},
			Filter: fmt.Sprintf(`kind = %q AND senderId = %d AND parentMessageId = 0`, ResultMessage, userID),
			Limit:  rootPageSize,
			Offset: offset,
		}, &page)
		if err != nil {
			return fmt.Errorf("list thread roots: %w", err)
		}
		for _, hit := range page.Results {
			roots = append(roots, decodeInt(hit, "id"))
		}
		if int64(len(page.Results)) < rootPageSize {
			break
		}
	}
	_, err := index.DeleteDocumentsByFilter(userDocumentsFilter(userID, roots), nil)
	return err
}

const rootPageSize = 1000

func userDocumentsFilter(userID int64, roots []int64) string {
	filter := fmt.Sprintf(`senderId = %d OR participants = %d`, userID, userID)
	if len(roots) == 0 {
		return filter
	}
	ids := make([]string, len(roots))
	for i, id := range roots {
		ids[i] = itoa(id)
	}
	return filter + fmt.Sprintf(` OR (kind = %q AND parentMessageId IN [%s])`, ResultMessage, strings.Join(ids, ", "))
}
