package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/mnemo/internal/extract"
)

// StoredImpression is one persisted judgement about a person in a group.
type StoredImpression struct {
	GroupID    string    `json:"group_id"`
	PersonName string    `json:"person_name"`
	Summary    string    `json:"summary"`
	Score      float64   `json:"score"`
	Details    string    `json:"details"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SaveImpression upserts an impression. A person has one row per group; a
// newer extraction replaces the summary and blends the score toward the new
// one rather than overwriting history outright.
func (s *Store) SaveImpression(ctx context.Context, groupID string, imp extract.Impression) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO impressions (group_id, person_name, summary, score, details, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (group_id, person_name) DO UPDATE SET
			summary = EXCLUDED.summary,
			score = (impressions.score + EXCLUDED.score) / 2,
			details = EXCLUDED.details,
			updated_at = now()`,
		groupID, imp.PersonName, imp.Summary, imp.Score, imp.Details)
	if err != nil {
		return fmt.Errorf("save impression for %s: %w", imp.PersonName, err)
	}
	return nil
}

// GroupImpressions lists every impression held for one group.
func (s *Store) GroupImpressions(ctx context.Context, groupID string) ([]StoredImpression, error) {
	rows, err := s.db.Query(ctx, `
		SELECT group_id, person_name, summary, score, details, updated_at
		FROM impressions
		WHERE group_id = $1
		ORDER BY person_name`, groupID)
	if err != nil {
		return nil, fmt.Errorf("load impressions for group %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []StoredImpression
	for rows.Next() {
		var imp StoredImpression
		if err := rows.Scan(&imp.GroupID, &imp.PersonName, &imp.Summary,
			&imp.Score, &imp.Details, &imp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan impression: %w", err)
		}
		out = append(out, imp)
	}
	return out, rows.Err()
}
