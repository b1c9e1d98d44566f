package extract

import "time"

// InputMessage is one chat message offered to the analyzer. Messages are
// referenced in prompts by a positional index, not by platform ids.
type InputMessage struct {
	SenderID   string
	SenderName string
	Content    string
	Timestamp  time.Time
}

// ActiveSession describes an already-open topic the analyzer may continue.
type ActiveSession struct {
	ID       string
	Summary  string
	Keywords []string
}

// Request is one extraction call over a batch of new messages.
type Request struct {
	GroupID            string
	Messages           []InputMessage
	ActiveSessions     []ActiveSession
	CompletedSummaries []string
}

// MemoryPayload is the durable fact the analyzer distilled from a session.
type MemoryPayload struct {
	Content      string  `json:"content"`
	Details      string  `json:"details"`
	Participants string  `json:"participants"`
	Location     string  `json:"location"`
	Emotion      string  `json:"emotion"`
	Tags         string  `json:"tags"`
	Confidence   float64 `json:"confidence"`
}

// Impression is an optional per-person judgement attached to a session.
type Impression struct {
	PersonName string  `json:"person_name"`
	Summary    string  `json:"summary"`
	Score      float64 `json:"score"`
	Details    string  `json:"details"`
}

// Session is one analyzed conversation thread in the model's answer. The
// session id either names an existing active session or starts with "new_"
// for a thread the model opened itself. Messages holds the 1-based indexes
// of the batch messages the model assigned to this session, matching the
// numbering of the prompt.
type Session struct {
	SessionID    string         `json:"session_id"`
	Status       string         `json:"status"` // ongoing | completed
	Keywords     []string       `json:"keywords"`
	Summary      string         `json:"summary"`
	Subtext      string         `json:"subtext"`
	Emotion      string         `json:"emotion"`
	Participants []string       `json:"participants"`
	Messages     []int          `json:"messages"`
	Memory       *MemoryPayload `json:"memory,omitempty"`
	Impression   *Impression    `json:"impression,omitempty"`
}

// Result is the parsed analyzer output.
type Result struct {
	Sessions []Session `json:"sessions"`
}

const (
	StatusOngoing   = "ongoing"
	StatusCompleted = "completed"
)
