package temporal

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/bus"
	"github.com/nidhogg/mnemo/internal/config"
)

// Status is the lifecycle stage of an open topic.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusExpired  Status = "expired"
)

// OpenTopic is an unanswered question lifted from a closed conversation,
// waiting for either an answer or its follow-up time.
type OpenTopic struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	TopicID   string    `json:"topic_id"`
	Question  string    `json:"question"`
	AskerID   string    `json:"asker_id"`
	Keywords  []string  `json:"keywords"`
	Status    Status    `json:"status"`
	DueAt     time.Time `json:"due_at"`
	Missed    int       `json:"missed"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists open topics across restarts.
type Store interface {
	SaveOpenTopic(ctx context.Context, ot OpenTopic) error
	DeleteOpenTopic(ctx context.Context, id string) error
	LoadOpenTopics(ctx context.Context) ([]OpenTopic, error)
}

// Tracker watches closed topics for unanswered questions and schedules
// follow-ups. At most one open topic exists per closed conversation, and
// each group is capped; past the cap the oldest pending item is evicted.
type Tracker struct {
	cfg    config.TrackerConfig
	events *bus.Bus
	store  Store // optional
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	open map[string]map[string]*OpenTopic // group id -> topic id -> open topic

	stopCh chan struct{}
	done   chan struct{}
}

// TrackerOption configures optional tracker behavior.
type TrackerOption func(*Tracker)

// WithClock overrides the tracker clock.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithStore attaches durable open-topic storage.
func WithStore(s Store) TrackerOption {
	return func(t *Tracker) { t.store = s }
}

// NewTracker creates a tracker.
func NewTracker(cfg config.TrackerConfig, events *bus.Bus, logger *zap.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:    cfg,
		events: events,
		logger: logger,
		now:    time.Now,
		open:   make(map[string]map[string]*OpenTopic),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register subscribes the tracker to topic closures.
func (t *Tracker) Register(b *bus.Bus) {
	b.Subscribe(bus.KindTopicClosed, "temporal-tracker", func(ev bus.Event) {
		closed, ok := ev.(bus.TopicClosed)
		if !ok {
			return
		}
		t.HandleTopicClosed(closed)
	})
}

// Restore loads persisted open topics, typically at startup.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	topics, err := t.store.LoadOpenTopics(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range topics {
		ot := topics[i]
		if ot.Status != StatusPending {
			continue
		}
		group := t.groupLocked(ot.GroupID)
		group[ot.TopicID] = &ot
	}
	t.logger.Info("open topics restored", zap.Int("count", len(topics)))
	return nil
}

func (t *Tracker) groupLocked(groupID string) map[string]*OpenTopic {
	g, ok := t.open[groupID]
	if !ok {
		g = make(map[string]*OpenTopic)
		t.open[groupID] = g
	}
	return g
}

// HandleTopicClosed inspects a closed topic's final messages for an
// unanswered question and opens a follow-up if one is found.
func (t *Tracker) HandleTopicClosed(ev bus.TopicClosed) {
	var question *bus.Message
	for i := len(ev.Tail) - 1; i >= 0; i-- {
		if IsOpenQuestion(ev.Tail[i].Content) {
			question = &ev.Tail[i]
			break
		}
	}
	if question == nil {
		return
	}

	now := t.now()
	t.mu.Lock()
	group := t.groupLocked(ev.GroupID)
	if _, exists := group[ev.TopicID]; exists {
		t.mu.Unlock()
		return
	}
	if len(group) >= t.cfg.MaxOpenPerGroup {
		t.evictOldestLocked(ev.GroupID, group)
	}

	ot := &OpenTopic{
		ID:        uuid.NewString(),
		GroupID:   ev.GroupID,
		TopicID:   ev.TopicID,
		Question:  question.Content,
		AskerID:   question.SenderID,
		Keywords:  append([]string(nil), ev.Keywords...),
		Status:    StatusPending,
		DueAt:     DueTime(question.Content, now, t.cfg.DefaultDelay()),
		CreatedAt: now,
	}
	group[ev.TopicID] = ot
	t.mu.Unlock()

	t.persist(*ot)
	t.events.Publish(bus.OpenTopicFound{
		GroupID:  ot.GroupID,
		TopicID:  ot.TopicID,
		Question: ot.Question,
		AskerID:  ot.AskerID,
		DueAt:    ot.DueAt,
	})
	t.logger.Info("open question tracked",
		zap.String("group_id", ot.GroupID),
		zap.String("topic_id", ot.TopicID),
		zap.Time("due_at", ot.DueAt))
}

func (t *Tracker) evictOldestLocked(groupID string, group map[string]*OpenTopic) {
	var oldest *OpenTopic
	for _, ot := range group {
		if oldest == nil || ot.CreatedAt.Before(oldest.CreatedAt) {
			oldest = ot
		}
	}
	if oldest == nil {
		return
	}
	delete(group, oldest.TopicID)
	t.remove(oldest.ID)
	t.logger.Warn("open topic ceiling reached, oldest evicted",
		zap.String("group_id", groupID),
		zap.String("topic_id", oldest.TopicID))
}

// ObserveMessage checks whether a new message answers any open topic in the
// group. A message that is itself a question never counts as an answer.
func (t *Tracker) ObserveMessage(groupID string, msg bus.Message) {
	if IsOpenQuestion(msg.Content) {
		return
	}

	t.mu.Lock()
	group := t.open[groupID]
	var resolved []*OpenTopic
	for topicID, ot := range group {
		if answersTopic(ot, msg.Content) {
			ot.Status = StatusResolved
			resolved = append(resolved, ot)
			delete(group, topicID)
		}
	}
	t.mu.Unlock()

	now := t.now()
	for _, ot := range resolved {
		t.remove(ot.ID)
		t.events.Publish(bus.FollowupResolved{
			GroupID:  ot.GroupID,
			TopicID:  ot.TopicID,
			Question: ot.Question,
			At:       now,
		})
		t.logger.Info("open question resolved",
			zap.String("group_id", ot.GroupID),
			zap.String("topic_id", ot.TopicID))
	}
}

// answersTopic reports whether content plausibly addresses the open topic:
// it mentions one of the topic's keywords or overlaps the question's tokens.
func answersTopic(ot *OpenTopic, content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range ot.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	for _, tok := range strings.Fields(strings.ToLower(ot.Question)) {
		if len(tok) > 1 && strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// Start launches the due-check loop.
func (t *Tracker) Start() {
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Evaluate()
			case <-t.stopCh:
				return
			}
		}
	}()
	t.logger.Info("temporal tracker started",
		zap.Duration("default_delay", t.cfg.DefaultDelay()),
		zap.Int("max_missed", t.cfg.MaxMissedFollowups))
}

// Stop halts the due-check loop.
func (t *Tracker) Stop() {
	close(t.stopCh)
	<-t.done
}

// Evaluate fires follow-ups for every open topic past its due time. An item
// that keeps going unanswered is retried at the recheck interval; it expires
// silently on the check after its miss count has exceeded the maximum, so
// even a maximum of one yields one follow-up before expiry.
func (t *Tracker) Evaluate() {
	now := t.now()

	t.mu.Lock()
	var due, expired []*OpenTopic
	for _, group := range t.open {
		for topicID, ot := range group {
			if now.Before(ot.DueAt) {
				continue
			}
			ot.Missed++
			if ot.Missed > t.cfg.MaxMissedFollowups {
				ot.Status = StatusExpired
				expired = append(expired, ot)
				delete(group, topicID)
				continue
			}
			ot.DueAt = now.Add(t.cfg.RecheckInterval())
			due = append(due, ot)
		}
	}
	t.mu.Unlock()

	for _, ot := range due {
		t.persist(*ot)
		t.events.Publish(bus.FollowupDue{
			GroupID:  ot.GroupID,
			TopicID:  ot.TopicID,
			Question: ot.Question,
			AskerID:  ot.AskerID,
			Missed:   ot.Missed,
			At:       now,
		})
	}
	for _, ot := range expired {
		t.remove(ot.ID)
		t.logger.Info("open question expired",
			zap.String("group_id", ot.GroupID),
			zap.String("topic_id", ot.TopicID),
			zap.Int("missed", ot.Missed))
	}
}

func (t *Tracker) persist(ot OpenTopic) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.store.SaveOpenTopic(ctx, ot); err != nil {
		t.logger.Warn("persist open topic failed",
			zap.String("id", ot.ID),
			zap.Error(err))
	}
}

func (t *Tracker) remove(id string) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.store.DeleteOpenTopic(ctx, id); err != nil {
		t.logger.Warn("delete open topic failed",
			zap.String("id", id),
			zap.Error(err))
	}
}

// GroupOpenTopics returns copies of a group's pending items.
func (t *Tracker) GroupOpenTopics(groupID string) []OpenTopic {
	t.mu.Lock()
	defer t.mu.Unlock()
	group := t.open[groupID]
	out := make([]OpenTopic, 0, len(group))
	for _, ot := range group {
		out = append(out, *ot)
	}
	return out
}

// PendingCount reports how many open topics are waiting across all groups.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, group := range t.open {
		n += len(group)
	}
	return n
}
