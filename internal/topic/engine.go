package topic

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/bus"
	"github.com/nidhogg/mnemo/internal/config"
	"github.com/nidhogg/mnemo/internal/extract"
	"github.com/nidhogg/mnemo/internal/graph"
)

// completedRing is how many finished topic summaries each group keeps as
// extraction context.
const completedRing = 5

// Extractor analyzes a message batch into topic sessions.
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) (extract.Result, error)
}

// Notifier receives fire-and-forget signals about committed memories.
type Notifier interface {
	NotifyMemory(groupID, memoryID, content string, participants []string)
}

// ImpressionSink persists per-person impressions.
type ImpressionSink interface {
	SaveImpression(ctx context.Context, groupID string, imp extract.Impression) error
}

// Dirtier marks a group as needing persistence.
type Dirtier interface {
	MarkDirty(groupID string)
}

// Engine ingests chat messages, maintains per-group topic clusters, and
// drives LLM extraction. Each group's state is guarded by its own mutex;
// ingestion for one group never blocks another. The extraction call itself
// runs outside the group lock, against a snapshot, and its outcome is
// revalidated against live state before committing.
type Engine struct {
	cfg       config.TopicConfig
	graph     *graph.Graph
	extractor Extractor
	events    *bus.Bus
	logger    *zap.Logger

	notifier    Notifier       // optional
	impressions ImpressionSink // optional
	dirtier     Dirtier        // optional

	now func() time.Time

	mu     sync.RWMutex
	groups map[string]*groupState

	wg     sync.WaitGroup
	stopCh chan struct{}
	done   chan struct{}
}

type groupState struct {
	mu          sync.Mutex
	pending     []bus.Message
	clusters    map[string]*Cluster
	completed   []string
	lastTrigger time.Time
	extracting  bool
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithNotifier attaches a memory notifier.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithImpressionSink attaches an impression store.
func WithImpressionSink(s ImpressionSink) Option { return func(e *Engine) { e.impressions = s } }

// WithDirtier attaches a persistence marker.
func WithDirtier(d Dirtier) Option { return func(e *Engine) { e.dirtier = d } }

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates a topic engine.
func NewEngine(cfg config.TopicConfig, g *graph.Graph, ex Extractor, events *bus.Bus, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		graph:     g,
		extractor: ex,
		events:    events,
		logger:    logger,
		now:       time.Now,
		groups:    make(map[string]*groupState),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) group(groupID string) *groupState {
	e.mu.RLock()
	gs, ok := e.groups[groupID]
	e.mu.RUnlock()
	if ok {
		return gs
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gs, ok = e.groups[groupID]; ok {
		return gs
	}
	gs = &groupState{clusters: make(map[string]*Cluster)}
	e.groups[groupID] = gs
	return gs
}

// AddMessage ingests one message for a group. Messages carrying excluded
// keywords are dropped before they touch any state.
func (e *Engine) AddMessage(groupID string, msg bus.Message) {
	if containsExcluded(msg.Content, e.cfg.ExcludeKeywords) {
		e.logger.Debug("message excluded by keyword filter",
			zap.String("group_id", groupID))
		return
	}

	gs := e.group(groupID)
	now := e.now()

	gs.mu.Lock()
	gs.pending = append(gs.pending, msg)
	e.boundPendingLocked(groupID, gs)
	if gs.lastTrigger.IsZero() {
		gs.lastTrigger = now
	}

	matched := false
	for _, c := range gs.clusters {
		if keywordSimilarity(c.Keywords, msg.Content) >= e.cfg.SimilarityThreshold {
			c.touch(msg, now)
			matched = true
		}
	}
	if !matched {
		e.openClusterLocked(groupID, gs, msg, now)
	}

	if e.shouldTriggerLocked(gs, now) {
		e.startExtractionLocked(groupID, gs, now)
	}
	gs.mu.Unlock()
}

// openClusterLocked opens a provisional cluster for a message no live cluster
// claims, keyed on the message's own tokens. Extraction later refines its
// keywords or folds it into another session through the active session list.
func (e *Engine) openClusterLocked(groupID string, gs *groupState, msg bus.Message, now time.Time) {
	keywords := tokenize(msg.Content)
	if len(keywords) == 0 {
		return
	}
	if len(keywords) > 5 {
		keywords = keywords[:5]
	}

	c := newCluster(uuid.NewString(), groupID, keywords, now)
	c.touch(msg, now)
	gs.clusters[c.ID] = c
	e.events.Publish(bus.TopicCreated{
		GroupID:  groupID,
		TopicID:  c.ID,
		Keywords: append([]string(nil), c.Keywords...),
		At:       now,
	})
	e.enforceCeilingLocked(groupID, gs, now)
}

// boundPendingLocked drops the oldest pending messages once the buffer
// exceeds its ceiling, so a stalled or failing extractor cannot grow it
// without bound.
func (e *Engine) boundPendingLocked(groupID string, gs *groupState) {
	max := e.cfg.MaxPendingPerGroup
	if max <= 0 || len(gs.pending) <= max {
		return
	}
	dropped := len(gs.pending) - max
	gs.pending = gs.pending[dropped:]
	e.logger.Warn("pending buffer full, oldest messages dropped",
		zap.String("group_id", groupID),
		zap.Int("dropped", dropped))
}

// shouldTriggerLocked implements the trigger policy: a full batch fires
// immediately, a partial batch fires once the trigger interval has elapsed.
func (e *Engine) shouldTriggerLocked(gs *groupState, now time.Time) bool {
	if gs.extracting || len(gs.pending) == 0 {
		return false
	}
	if len(gs.pending) >= e.cfg.MessageThreshold {
		return true
	}
	return now.Sub(gs.lastTrigger) >= e.cfg.TriggerInterval()
}

// startExtractionLocked snapshots the pending batch and active sessions and
// hands them to an extraction goroutine. The caller holds gs.mu.
func (e *Engine) startExtractionLocked(groupID string, gs *groupState, now time.Time) {
	batch := gs.pending
	gs.pending = nil
	gs.extracting = true
	gs.lastTrigger = now

	req := extract.Request{GroupID: groupID}
	for _, m := range batch {
		req.Messages = append(req.Messages, extract.InputMessage{
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Content:    m.Content,
			Timestamp:  m.Timestamp,
		})
	}
	for _, c := range gs.clusters {
		req.ActiveSessions = append(req.ActiveSessions, extract.ActiveSession{
			ID:       c.ID,
			Summary:  c.Summary,
			Keywords: append([]string(nil), c.Keywords...),
		})
	}
	req.CompletedSummaries = append([]string(nil), gs.completed...)

	e.wg.Add(1)
	go e.runExtraction(groupID, gs, batch, req)
}

func (e *Engine) runExtraction(groupID string, gs *groupState, batch []bus.Message, req extract.Request) {
	defer e.wg.Done()

	res, err := e.extractor.Extract(context.Background(), req)

	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.extracting = false

	now := e.now()
	if err != nil {
		// Put the batch back in front of anything that arrived meanwhile;
		// the next trigger retries the same messages.
		gs.pending = append(batch, gs.pending...)
		e.boundPendingLocked(groupID, gs)
		e.logger.Warn("extraction failed, batch requeued",
			zap.String("group_id", groupID),
			zap.Int("messages", len(batch)),
			zap.Error(err))
		e.events.Publish(bus.ExtractionFailed{
			GroupID: groupID,
			Reason:  err.Error(),
			At:      now,
		})
		return
	}

	e.commitLocked(groupID, gs, res, batch, now)
	e.enforceCeilingLocked(groupID, gs, now)
}

// commitLocked folds an extraction result into live state. Sessions naming a
// cluster that disappeared while the call was in flight are skipped; new_*
// sessions always materialize. Each session's assigned batch messages are
// replayed onto its cluster, so a session opened and concluded inside one
// batch still closes with its conversation tail.
func (e *Engine) commitLocked(groupID string, gs *groupState, res extract.Result, batch []bus.Message, now time.Time) {
	for _, s := range res.Sessions {
		c, ok := gs.clusters[s.SessionID]
		if !ok {
			if !isNewSessionID(s.SessionID) {
				e.logger.Warn("extraction referenced a vanished session",
					zap.String("group_id", groupID),
					zap.String("session_id", s.SessionID))
				continue
			}
			c = newCluster(uuid.NewString(), groupID, s.Keywords, now)
			gs.clusters[c.ID] = c
			e.events.Publish(bus.TopicCreated{
				GroupID:  groupID,
				TopicID:  c.ID,
				Keywords: append([]string(nil), s.Keywords...),
				At:       now,
			})
		}

		if len(s.Keywords) > 0 {
			c.Keywords = s.Keywords
		}
		if s.Summary != "" {
			c.Summary = s.Summary
		}
		c.Subtext = s.Subtext
		c.Emotion = s.Emotion
		for _, p := range s.Participants {
			c.Participants[p] = struct{}{}
		}
		c.LastActive = now

		// Indexes are 1-based, matching the prompt; out-of-range ones
		// from a confused model are ignored, and messages the cluster
		// already saw during ingest are not recorded twice.
		for _, idx := range s.Messages {
			if idx < 1 || idx > len(batch) {
				continue
			}
			if m := batch[idx-1]; !c.hasInTail(m) {
				c.touch(m, now)
			}
		}

		if s.Status == extract.StatusCompleted {
			e.closeClusterLocked(groupID, gs, c, &s, now)
		}
	}
}

func isNewSessionID(id string) bool {
	return len(id) > 4 && id[:4] == "new_"
}

// closeClusterLocked finalizes a cluster: commits its memory to the graph if
// the payload clears the confidence floor, saves any impression, notifies,
// and publishes the closure.
func (e *Engine) closeClusterLocked(groupID string, gs *groupState, c *Cluster, s *extract.Session, now time.Time) {
	if s != nil && s.Memory != nil {
		if s.Memory.Confidence >= e.cfg.ConfidenceFloor {
			e.commitMemoryLocked(groupID, c, s.Memory, now)
		} else {
			e.logger.Info("memory payload below confidence floor, discarded",
				zap.String("group_id", groupID),
				zap.String("topic_id", c.ID),
				zap.Float64("confidence", s.Memory.Confidence))
		}
	}
	if s != nil && s.Impression != nil && e.impressions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.impressions.SaveImpression(ctx, groupID, *s.Impression); err != nil {
			e.logger.Warn("save impression failed",
				zap.String("group_id", groupID),
				zap.String("person", s.Impression.PersonName),
				zap.Error(err))
		}
		cancel()
	}

	c.Status = StatusClosed
	delete(gs.clusters, c.ID)

	if c.Summary != "" {
		gs.completed = append(gs.completed, c.Summary)
		if len(gs.completed) > completedRing {
			gs.completed = gs.completed[len(gs.completed)-completedRing:]
		}
	}

	e.events.Publish(bus.TopicClosed{
		GroupID:      groupID,
		TopicID:      c.ID,
		Keywords:     append([]string(nil), c.Keywords...),
		Participants: c.participantList(),
		Tail:         c.tailCopy(),
		ClosedAt:     now,
	})
	e.logger.Info("topic closed",
		zap.String("group_id", groupID),
		zap.String("topic_id", c.ID),
		zap.Strings("keywords", c.Keywords))
}

// commitMemoryLocked writes one extracted memory into the graph: a concept
// per keyword, the memory on the first concept, and an edge between every
// co-mentioned concept pair.
func (e *Engine) commitMemoryLocked(groupID string, c *Cluster, payload *extract.MemoryPayload, now time.Time) {
	keywords := c.Keywords
	if len(keywords) == 0 {
		keywords = tokenize(payload.Content)
	}
	if len(keywords) == 0 {
		e.logger.Warn("memory payload with no anchor keywords, discarded",
			zap.String("group_id", groupID),
			zap.String("topic_id", c.ID))
		return
	}

	concepts := make([]graph.Concept, 0, len(keywords))
	for _, kw := range keywords {
		concepts = append(concepts, e.graph.AddConcept(groupID, kw, now))
	}

	m, err := e.graph.AddMemory(groupID, concepts[0].ID, payload.Content, graph.Facets{
		Details:      payload.Details,
		Participants: payload.Participants,
		Location:     payload.Location,
		Emotion:      payload.Emotion,
		Tags:         payload.Tags,
	}, true, now)
	if err != nil {
		e.logger.Error("commit memory failed",
			zap.String("group_id", groupID),
			zap.Error(err))
		return
	}

	conceptIDs := make([]string, len(concepts))
	for i, concept := range concepts {
		conceptIDs[i] = concept.ID
	}
	for i := 0; i < len(concepts); i++ {
		for j := i + 1; j < len(concepts); j++ {
			if _, err := e.graph.Connect(groupID, concepts[i].ID, concepts[j].ID, now); err != nil {
				e.logger.Warn("connect concepts failed",
					zap.String("group_id", groupID),
					zap.Error(err))
			}
		}
	}

	if e.dirtier != nil {
		e.dirtier.MarkDirty(groupID)
	}
	e.events.Publish(bus.MemoryCreated{
		GroupID:    groupID,
		MemoryID:   m.ID,
		ConceptIDs: conceptIDs,
		Content:    m.Content,
		At:         now,
	})
	if e.notifier != nil {
		e.notifier.NotifyMemory(groupID, m.ID, m.Content, c.participantList())
	}
	e.logger.Info("memory committed",
		zap.String("group_id", groupID),
		zap.String("memory_id", m.ID),
		zap.Int("concepts", len(conceptIDs)))
}

// enforceCeilingLocked closes the coldest clusters until the group is within
// its ceiling.
func (e *Engine) enforceCeilingLocked(groupID string, gs *groupState, now time.Time) {
	max := e.cfg.MaxClustersPerGroup
	if max <= 0 {
		return
	}
	for len(gs.clusters) > max {
		var coldest *Cluster
		coldestHeat := 2.0
		for _, c := range gs.clusters {
			h := c.Heat(now, e.heatTau(), e.cfg.HeatSaturation)
			if h < coldestHeat {
				coldest = c
				coldestHeat = h
			}
		}
		if coldest == nil {
			return
		}
		e.logger.Info("cluster ceiling reached, evicting coldest",
			zap.String("group_id", groupID),
			zap.String("topic_id", coldest.ID),
			zap.Float64("heat", coldestHeat))
		e.closeClusterLocked(groupID, gs, coldest, nil, now)
	}
}

func (e *Engine) heatTau() time.Duration {
	return time.Duration(e.cfg.HeatTimeConstantMin * float64(time.Minute))
}

// Start launches the maintenance loop handling time-based triggers and
// cluster lifecycle transitions.
func (e *Engine) Start() {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.sweep()
			case <-e.stopCh:
				return
			}
		}
	}()
	e.logger.Info("topic engine started",
		zap.Int("message_threshold", e.cfg.MessageThreshold),
		zap.Duration("trigger_interval", e.cfg.TriggerInterval()))
}

// sweep runs one maintenance pass over every group.
func (e *Engine) sweep() {
	now := e.now()

	e.mu.RLock()
	groups := make(map[string]*groupState, len(e.groups))
	for id, gs := range e.groups {
		groups[id] = gs
	}
	e.mu.RUnlock()

	for groupID, gs := range groups {
		gs.mu.Lock()
		for _, c := range gs.clusters {
			idle := now.Sub(c.LastActive)
			switch c.Status {
			case StatusOngoing:
				if idle >= e.cfg.DormantAfter() {
					c.Status = StatusDormant
					e.logger.Debug("cluster dormant",
						zap.String("group_id", groupID),
						zap.String("topic_id", c.ID))
				}
			case StatusDormant:
				if idle >= e.cfg.DormantAfter()+e.cfg.CloseAfter() {
					e.closeClusterLocked(groupID, gs, c, nil, now)
				}
			}
		}
		if e.shouldTriggerLocked(gs, now) {
			e.startExtractionLocked(groupID, gs, now)
		}
		gs.mu.Unlock()
	}
}

// Stop halts the maintenance loop and waits for in-flight extractions.
func (e *Engine) Stop(grace time.Duration) {
	close(e.stopCh)
	<-e.done

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		e.logger.Info("topic engine stopped")
	case <-time.After(grace):
		e.logger.Warn("topic engine stop grace elapsed, extraction still in flight")
	}
}

// ClusterInfo is a read-only view of one cluster.
type ClusterInfo struct {
	ID           string   `json:"id"`
	Keywords     []string `json:"keywords"`
	Summary      string   `json:"summary"`
	Status       Status   `json:"status"`
	Participants []string `json:"participants"`
	Heat         float64  `json:"heat"`
}

// GroupClusters returns the live clusters of one group with their heat.
func (e *Engine) GroupClusters(groupID string) []ClusterInfo {
	e.mu.RLock()
	gs, ok := e.groups[groupID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	now := e.now()
	gs.mu.Lock()
	defer gs.mu.Unlock()
	out := make([]ClusterInfo, 0, len(gs.clusters))
	for _, c := range gs.clusters {
		out = append(out, ClusterInfo{
			ID:           c.ID,
			Keywords:     append([]string(nil), c.Keywords...),
			Summary:      c.Summary,
			Status:       c.Status,
			Participants: c.participantList(),
			Heat:         c.Heat(now, e.heatTau(), e.cfg.HeatSaturation),
		})
	}
	return out
}

// EngineStats summarizes engine load for health reporting.
type EngineStats struct {
	Groups          int `json:"groups"`
	ActiveClusters  int `json:"active_clusters"`
	PendingMessages int `json:"pending_messages"`
	CompletedTopics int `json:"completed_topics"`
}

// Stats reports engine-wide counters.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	groups := make([]*groupState, 0, len(e.groups))
	for _, gs := range e.groups {
		groups = append(groups, gs)
	}
	e.mu.RUnlock()

	s := EngineStats{Groups: len(groups)}
	for _, gs := range groups {
		gs.mu.Lock()
		s.ActiveClusters += len(gs.clusters)
		s.PendingMessages += len(gs.pending)
		s.CompletedTopics += len(gs.completed)
		gs.mu.Unlock()
	}
	return s
}
