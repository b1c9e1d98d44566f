package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Store persists graph snapshots to Neo4j. Timestamps are stored as unix
// milliseconds so they round-trip without timezone handling.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewStore creates a Neo4j-backed graph store.
func NewStore(uri, user, password string, logger *zap.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// SaveGroup replaces a group's persisted state with the snapshot. The group
// is rewritten whole: partial updates are not worth the bookkeeping at the
// size of a single chat group.
func (s *Store) SaveGroup(ctx context.Context, snap Snapshot) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (n {group_id: $groupId}) WHERE n:Concept OR n:Memory
		 DETACH DELETE n`,
		map[string]interface{}{"groupId": snap.GroupID})
	if err != nil {
		return fmt.Errorf("clear group %s: %w", snap.GroupID, err)
	}

	concepts := make([]map[string]interface{}, len(snap.Concepts))
	for i, c := range snap.Concepts {
		concepts[i] = map[string]interface{}{
			"id":            c.ID,
			"name":          c.Name,
			"created_at":    c.CreatedAt.UnixMilli(),
			"last_accessed": c.LastAccessed.UnixMilli(),
			"access_count":  c.AccessCount,
		}
	}
	_, err = session.Run(ctx,
		`UNWIND $concepts AS c
		 CREATE (:Concept {
			id: c.id, group_id: $groupId, name: c.name,
			created_at: c.created_at, last_accessed: c.last_accessed,
			access_count: c.access_count
		 })`,
		map[string]interface{}{"groupId": snap.GroupID, "concepts": concepts})
	if err != nil {
		return fmt.Errorf("save concepts for group %s: %w", snap.GroupID, err)
	}

	memories := make([]map[string]interface{}, len(snap.Memories))
	for i, m := range snap.Memories {
		memories[i] = map[string]interface{}{
			"id":            m.ID,
			"concept_id":    m.ConceptID,
			"content":       m.Content,
			"details":       m.Facets.Details,
			"participants":  m.Facets.Participants,
			"location":      m.Facets.Location,
			"emotion":       m.Facets.Emotion,
			"tags":          m.Facets.Tags,
			"strength":      m.Strength,
			"allow_forget":  m.AllowForget,
			"created_at":    m.CreatedAt.UnixMilli(),
			"last_accessed": m.LastAccessed.UnixMilli(),
			"access_count":  m.AccessCount,
		}
	}
	_, err = session.Run(ctx,
		`UNWIND $memories AS m
		 MATCH (c:Concept {id: m.concept_id, group_id: $groupId})
		 CREATE (c)-[:OWNS]->(:Memory {
			id: m.id, group_id: $groupId, concept_id: m.concept_id,
			content: m.content, details: m.details,
			participants: m.participants, location: m.location,
			emotion: m.emotion, tags: m.tags,
			strength: m.strength, allow_forget: m.allow_forget,
			created_at: m.created_at, last_accessed: m.last_accessed,
			access_count: m.access_count
		 })`,
		map[string]interface{}{"groupId": snap.GroupID, "memories": memories})
	if err != nil {
		return fmt.Errorf("save memories for group %s: %w", snap.GroupID, err)
	}

	conns := make([]map[string]interface{}, len(snap.Connections))
	for i, c := range snap.Connections {
		conns[i] = map[string]interface{}{
			"id":                c.ID,
			"from":              c.FromConcept,
			"to":                c.ToConcept,
			"strength":          c.Strength,
			"last_strengthened": c.LastStrengthened.UnixMilli(),
		}
	}
	_, err = session.Run(ctx,
		`UNWIND $conns AS r
		 MATCH (a:Concept {id: r.from, group_id: $groupId})
		 MATCH (b:Concept {id: r.to, group_id: $groupId})
		 CREATE (a)-[:RELATES_TO {
			id: r.id, strength: r.strength,
			last_strengthened: r.last_strengthened
		 }]->(b)`,
		map[string]interface{}{"groupId": snap.GroupID, "conns": conns})
	if err != nil {
		return fmt.Errorf("save connections for group %s: %w", snap.GroupID, err)
	}

	s.logger.Debug("group persisted",
		zap.String("group_id", snap.GroupID),
		zap.Int("concepts", len(snap.Concepts)),
		zap.Int("memories", len(snap.Memories)),
		zap.Int("connections", len(snap.Connections)))
	return nil
}

// LoadGroups reads every persisted group back into snapshots.
func (s *Store) LoadGroups(ctx context.Context) ([]Snapshot, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (c:Concept) RETURN DISTINCT c.group_id AS group_id`, nil)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	var groupIDs []string
	for result.Next(ctx) {
		if id, ok := result.Record().Get("group_id"); ok {
			groupIDs = append(groupIDs, id.(string))
		}
	}

	snapshots := make([]Snapshot, 0, len(groupIDs))
	for _, groupID := range groupIDs {
		snap, err := s.loadGroup(ctx, session, groupID)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

func (s *Store) loadGroup(ctx context.Context, session neo4j.SessionWithContext, groupID string) (Snapshot, error) {
	snap := Snapshot{GroupID: groupID}
	params := map[string]interface{}{"groupId": groupID}

	result, err := session.Run(ctx,
		`MATCH (c:Concept {group_id: $groupId})
		 RETURN c.id, c.name, c.created_at, c.last_accessed, c.access_count`,
		params)
	if err != nil {
		return snap, fmt.Errorf("load concepts for group %s: %w", groupID, err)
	}
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("c.id")
		name, _ := rec.Get("c.name")
		createdAt, _ := rec.Get("c.created_at")
		lastAccessed, _ := rec.Get("c.last_accessed")
		accessCount, _ := rec.Get("c.access_count")
		snap.Concepts = append(snap.Concepts, Concept{
			ID:           id.(string),
			GroupID:      groupID,
			Name:         name.(string),
			CreatedAt:    time.UnixMilli(createdAt.(int64)),
			LastAccessed: time.UnixMilli(lastAccessed.(int64)),
			AccessCount:  int(accessCount.(int64)),
		})
	}

	result, err = session.Run(ctx,
		`MATCH (m:Memory {group_id: $groupId})
		 RETURN m.id, m.concept_id, m.content, m.details, m.participants,
		        m.location, m.emotion, m.tags, m.strength, m.allow_forget,
		        m.created_at, m.last_accessed, m.access_count`,
		params)
	if err != nil {
		return snap, fmt.Errorf("load memories for group %s: %w", groupID, err)
	}
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("m.id")
		conceptID, _ := rec.Get("m.concept_id")
		content, _ := rec.Get("m.content")
		details, _ := rec.Get("m.details")
		participants, _ := rec.Get("m.participants")
		location, _ := rec.Get("m.location")
		emotion, _ := rec.Get("m.emotion")
		tags, _ := rec.Get("m.tags")
		strength, _ := rec.Get("m.strength")
		allowForget, _ := rec.Get("m.allow_forget")
		createdAt, _ := rec.Get("m.created_at")
		lastAccessed, _ := rec.Get("m.last_accessed")
		accessCount, _ := rec.Get("m.access_count")
		snap.Memories = append(snap.Memories, Memory{
			ID:        id.(string),
			GroupID:   groupID,
			ConceptID: conceptID.(string),
			Content:   content.(string),
			Facets: Facets{
				Details:      details.(string),
				Participants: participants.(string),
				Location:     location.(string),
				Emotion:      emotion.(string),
				Tags:         tags.(string),
			},
			Strength:     strength.(float64),
			AllowForget:  allowForget.(bool),
			CreatedAt:    time.UnixMilli(createdAt.(int64)),
			LastAccessed: time.UnixMilli(lastAccessed.(int64)),
			AccessCount:  int(accessCount.(int64)),
		})
	}

	result, err = session.Run(ctx,
		`MATCH (a:Concept {group_id: $groupId})-[r:RELATES_TO]->(b:Concept)
		 RETURN r.id, a.id AS from_id, b.id AS to_id, r.strength, r.last_strengthened`,
		params)
	if err != nil {
		return snap, fmt.Errorf("load connections for group %s: %w", groupID, err)
	}
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("r.id")
		fromID, _ := rec.Get("from_id")
		toID, _ := rec.Get("to_id")
		strength, _ := rec.Get("r.strength")
		lastStrengthened, _ := rec.Get("r.last_strengthened")
		snap.Connections = append(snap.Connections, Connection{
			ID:               id.(string),
			GroupID:          groupID,
			FromConcept:      fromID.(string),
			ToConcept:        toID.(string),
			Strength:         strength.(float64),
			LastStrengthened: time.UnixMilli(lastStrengthened.(int64)),
		})
	}

	return snap, nil
}

// Persister batches SaveGroup calls: writers mark groups dirty and a single
// flush loop persists them, so a burst of commits costs one write per group
// per interval.
type Persister struct {
	graph    *Graph
	store    *Store
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	dirty  map[string]struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// NewPersister creates a persister flushing at the given interval.
func NewPersister(g *Graph, store *Store, interval time.Duration, logger *zap.Logger) *Persister {
	return &Persister{
		graph:    g,
		store:    store,
		interval: interval,
		logger:   logger,
		dirty:    make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// MarkDirty schedules a group for the next flush.
func (p *Persister) MarkDirty(groupID string) {
	p.mu.Lock()
	p.dirty[groupID] = struct{}{}
	p.mu.Unlock()
}

// Start runs the flush loop until Stop.
func (p *Persister) Start() {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.flush()
			case <-p.stopCh:
				p.flush()
				return
			}
		}
	}()
}

// Stop flushes outstanding groups and stops the loop.
func (p *Persister) Stop() {
	close(p.stopCh)
	<-p.done
}

func (p *Persister) flush() {
	p.mu.Lock()
	groups := make([]string, 0, len(p.dirty))
	for id := range p.dirty {
		groups = append(groups, id)
	}
	p.dirty = make(map[string]struct{})
	p.mu.Unlock()

	for _, groupID := range groups {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := p.store.SaveGroup(ctx, p.graph.SnapshotGroup(groupID))
		cancel()
		if err != nil {
			p.logger.Error("persist group failed",
				zap.String("group_id", groupID),
				zap.Error(err))
			p.MarkDirty(groupID)
		}
	}
}
