package bus

import "time"

// Kind identifies an event type on the bus. The set is closed: every kind
// has exactly one payload shape below.
type Kind string

const (
	KindTopicCreated     Kind = "topic.created"
	KindTopicClosed      Kind = "topic.closed"
	KindMemoryCreated    Kind = "memory.created"
	KindExtractionFailed Kind = "extraction.failed"
	KindOpenTopicFound   Kind = "open_topic.found"
	KindFollowupDue      Kind = "followup.due"
	KindFollowupResolved Kind = "followup.resolved"
)

// Event is a tagged variant: consumers switch on Kind() and assert the
// concrete payload type.
type Event interface {
	Kind() Kind
	Group() string
}

// Message is a normalized chat message carried inside event payloads.
type Message struct {
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// TopicCreated is published when the topic engine opens a new cluster.
type TopicCreated struct {
	GroupID  string
	TopicID  string
	Keywords []string
	At       time.Time
}

func (e TopicCreated) Kind() Kind    { return KindTopicCreated }
func (e TopicCreated) Group() string { return e.GroupID }

// TopicClosed is published when a cluster reaches its terminal state. It
// carries enough context for the temporal tracker to classify open questions
// without reaching back into engine state.
type TopicClosed struct {
	GroupID      string
	TopicID      string
	Keywords     []string
	Participants []string
	Tail         []Message // most recent messages of the cluster
	ClosedAt     time.Time
}

func (e TopicClosed) Kind() Kind    { return KindTopicClosed }
func (e TopicClosed) Group() string { return e.GroupID }

// MemoryCreated is published after a memory is committed to the graph.
type MemoryCreated struct {
	GroupID    string
	MemoryID   string
	ConceptIDs []string
	Content    string
	At         time.Time
}

func (e MemoryCreated) Kind() Kind    { return KindMemoryCreated }
func (e MemoryCreated) Group() string { return e.GroupID }

// ExtractionFailed reports a failed extraction attempt. The cluster stays
// eligible for re-trigger; this event is the only surfacing of the failure.
type ExtractionFailed struct {
	GroupID string
	TopicID string
	Reason  string
	At      time.Time
}

func (e ExtractionFailed) Kind() Kind    { return KindExtractionFailed }
func (e ExtractionFailed) Group() string { return e.GroupID }

// OpenTopicFound is published when a closed cluster yields an open question.
type OpenTopicFound struct {
	GroupID  string
	TopicID  string
	Question string
	AskerID  string
	DueAt    time.Time
}

func (e OpenTopicFound) Kind() Kind    { return KindOpenTopicFound }
func (e OpenTopicFound) Group() string { return e.GroupID }

// FollowupDue is published when an open topic passes its due-check time.
type FollowupDue struct {
	GroupID  string
	TopicID  string
	Question string
	AskerID  string
	Missed   int
	At       time.Time
}

func (e FollowupDue) Kind() Kind    { return KindFollowupDue }
func (e FollowupDue) Group() string { return e.GroupID }

// FollowupResolved is published when a later message answers an open topic.
type FollowupResolved struct {
	GroupID  string
	TopicID  string
	Question string
	At       time.Time
}

func (e FollowupResolved) Kind() Kind    { return KindFollowupResolved }
func (e FollowupResolved) Group() string { return e.GroupID }
