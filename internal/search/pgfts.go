package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over room messages and the caller's direct
// messages using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const tsQuery = "plainto_tsquery('simple', $1)"
	args := []any{q.Text}

	roomWhere := "m.fts @@ " + tsQuery
	if q.RoomID > 0 {
		args = append(args, q.RoomID)
		roomWhere += fmt.Sprintf(" AND m.room_id = $%d", len(args))
	}
	subQueries := []string{fmt.Sprintf(`
		SELECT 'message'::text AS type, m.id, m.room_id, COALESCE(m.parent_message_id, 0) AS parent_id,
			m.sender_id, 0::bigint AS receiver_id, u.username,
			ts_headline('simple', coalesce(m.message, '') || ' ' || coalesce(m.file_name, ''), %s, 'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30') AS snippet,
			m.created_at,
			ts_rank(m.fts, %s) AS rank
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE %s`, tsQuery, tsQuery, roomWhere)}

	if q.RoomID == 0 {
		args = append(args, q.UserID)
		subQueries = append(subQueries, fmt.Sprintf(`
		SELECT 'direct_message'::text AS type, dm.id, 0::bigint AS room_id, 0::bigint AS parent_id,
			dm.sender_id, dm.receiver_id, u.username,
			ts_headline('simple', coalesce(dm.message, '') || ' ' || coalesce(dm.file_name, ''), %s, 'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30') AS snippet,
			dm.created_at,
			ts_rank(dm.fts, %s) AS rank
		FROM direct_messages dm
		JOIN users u ON u.id = dm.sender_id
		WHERE dm.fts @@ %s AND (dm.sender_id = $%d OR dm.receiver_id = $%d)`, tsQuery, tsQuery, tsQuery, len(args), len(args)))
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, room_id, parent_id, sender_id, receiver_id, username, snippet, created_at
		FROM (%s) sub
		ORDER BY rank DESC, created_at DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r         Result
			typ       string
			createdAt sql.NullTime
		)
		if err := rows.Scan(&typ, &r.ID, &r.RoomID, &r.ParentMessageID, &r.SenderID, &r.ReceiverID, &r.Username, &r.Snippet, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		r.CreatedAt = createdAt.Time.UnixMilli()
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every message for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	records := make([]MessageRecord, 0)

	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.room_id, COALESCE(m.parent_message_id, 0), m.sender_id, u.username,
			m.message, COALESCE(m.file_name, ''), m.created_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, roomID, parentID, senderID int64
			username, body, fileName       string
			createdAt                      sql.NullTime
		)
		if err := rows.Scan(&id, &roomID, &parentID, &senderID, &username, &body, &fileName, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, RoomMessageRecord(id, roomID, parentID, senderID, username, body, fileName, createdAt.Time.UnixMilli()))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	dmRows, err := p.db.QueryContext(ctx, `
		SELECT dm.id, dm.sender_id, dm.receiver_id, u.username,
			dm.message, COALESCE(dm.file_name, ''), dm.created_at
		FROM direct_messages dm
		JOIN users u ON u.id = dm.sender_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load direct messages: %w", err)
	}
	defer dmRows.Close()
	for dmRows.Next() {
		var (
			id, senderID, receiverID int64
			username, body, fileName string
			createdAt                sql.NullTime
		)
		if err := dmRows.Scan(&id, &senderID, &receiverID, &username, &body, &fileName, &createdAt); err != nil {
			return nil, fmt.Errorf("scan direct message: %w", err)
		}
		records = append(records, DirectMessageRecord(id, senderID, receiverID, username, body, fileName, createdAt.Time.UnixMilli()))
	}
	if err := dmRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate direct messages: %w", err)
	}
	return records, nil
}
