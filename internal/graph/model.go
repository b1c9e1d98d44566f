package graph

import "time"

// Concept is a named entity node. Names are unique within a group; ids are
// immutable once assigned.
type Concept struct {
	ID           string    `json:"id"`
	GroupID      string    `json:"group_id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int       `json:"access_count"`
}

// Facets are the optional structured fields of a memory.
type Facets struct {
	Details      string `json:"details"`
	Participants string `json:"participants"`
	Location     string `json:"location"`
	Emotion      string `json:"emotion"`
	Tags         string `json:"tags"`
}

// Memory is a content record attached to a concept. Strength lives in [0,1]
// and governs both recall ranking and forgetting eligibility.
type Memory struct {
	ID           string    `json:"id"`
	GroupID      string    `json:"group_id"`
	ConceptID    string    `json:"concept_id"`
	Content      string    `json:"content"`
	Facets       Facets    `json:"facets"`
	Strength     float64   `json:"strength"`
	AllowForget  bool      `json:"allow_forget"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int       `json:"access_count"`

	decayedAt time.Time
}

// Connection is a weighted, decaying edge between two concepts. At most one
// exists per concept pair per group.
type Connection struct {
	ID               string    `json:"id"`
	GroupID          string    `json:"group_id"`
	FromConcept      string    `json:"from_concept"`
	ToConcept        string    `json:"to_concept"`
	Strength         float64   `json:"strength"`
	LastStrengthened time.Time `json:"last_strengthened"`

	decayedAt time.Time
}

// lastTouch is the reference point for decay: the most recent of last access
// and the previous decay application. Using the previous decay time makes a
// sweep idempotent under an unchanged clock.
func (m *Memory) lastTouch() time.Time {
	if m.decayedAt.After(m.LastAccessed) {
		return m.decayedAt
	}
	return m.LastAccessed
}

func (c *Connection) lastTouch() time.Time {
	if c.decayedAt.After(c.LastStrengthened) {
		return c.decayedAt
	}
	return c.LastStrengthened
}

// Stats summarizes graph size for health reporting.
type Stats struct {
	Groups      int `json:"groups"`
	Concepts    int `json:"concepts"`
	Memories    int `json:"memories"`
	Connections int `json:"connections"`
}

// Snapshot is a copy of one group's durable state, used by persistence.
type Snapshot struct {
	GroupID     string       `json:"group_id"`
	Concepts    []Concept    `json:"concepts"`
	Memories    []Memory     `json:"memories"`
	Connections []Connection `json:"connections"`
}
