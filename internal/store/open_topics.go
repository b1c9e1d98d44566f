package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/mnemo/internal/temporal"
)

// SaveOpenTopic upserts one open topic row.
func (s *Store) SaveOpenTopic(ctx context.Context, ot temporal.OpenTopic) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO open_topics (id, group_id, topic_id, question, asker_id, keywords, status, due_at, missed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			due_at = EXCLUDED.due_at,
			missed = EXCLUDED.missed`,
		ot.ID, ot.GroupID, ot.TopicID, ot.Question, ot.AskerID,
		ot.Keywords, string(ot.Status), ot.DueAt, ot.Missed, ot.CreatedAt)
	if err != nil {
		return fmt.Errorf("save open topic %s: %w", ot.ID, err)
	}
	return nil
}

// DeleteOpenTopic removes one open topic row.
func (s *Store) DeleteOpenTopic(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM open_topics WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete open topic %s: %w", id, err)
	}
	return nil
}

// LoadOpenTopics returns every stored open topic.
func (s *Store) LoadOpenTopics(ctx context.Context) ([]temporal.OpenTopic, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, group_id, topic_id, question, asker_id, keywords, status, due_at, missed, created_at
		FROM open_topics
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load open topics: %w", err)
	}
	defer rows.Close()

	var topics []temporal.OpenTopic
	for rows.Next() {
		var ot temporal.OpenTopic
		var status string
		if err := rows.Scan(&ot.ID, &ot.GroupID, &ot.TopicID, &ot.Question, &ot.AskerID,
			&ot.Keywords, &status, &ot.DueAt, &ot.Missed, &ot.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan open topic: %w", err)
		}
		ot.Status = temporal.Status(status)
		topics = append(topics, ot)
	}
	return topics, rows.Err()
}
