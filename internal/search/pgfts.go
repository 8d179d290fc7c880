package search

import (
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

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the chat's messages with ts_headline
// snippets. The 'simple' configuration keeps it language-agnostic.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.db.Query(`
		SELECT m.id, m.chat_id,
			ts_headline('simple', m.content, plainto_tsquery('simple', $2), 'MaxFragments=1,MaxWords=30') AS snippet,
			COALESCE(u.username, '') AS sender_name
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
			AND to_tsvector('simple', m.content) @@ plainto_tsquery('simple', $2)
		ORDER BY ts_rank(to_tsvector('simple', m.content), plainto_tsquery('simple', $2)) DESC
		LIMIT $3
	`, q.ChatID, q.Text, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var result Result
		if err := rows.Scan(&result.ID, &result.ChatID, &result.Snippet, &result.SenderName); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, result)
	}
	return results, len(results), rows.Err()
}
